package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/rl1809/storefront/internal/adapter/messaging"
	"github.com/rl1809/storefront/internal/adapter/storage"
	"github.com/rl1809/storefront/internal/config"
	"github.com/rl1809/storefront/internal/core/domain"
	"github.com/rl1809/storefront/internal/core/service"
)

func main() {
	configPath := flag.String("config", os.Getenv("STOREFRONT_CONFIG"), "path to config file")
	initialStock := flag.Int("stock", 20, "initial stock of the contested product")
	totalRequests := flag.Int("requests", 50, "concurrent checkouts to fire")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	loader, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	cfg := loader.Config()
	ctx := context.Background()

	if err := storage.Migrate(cfg.MySQL.DSN); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate")
	}
	db, err := sql.Open("mysql", cfg.MySQL.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect mysql")
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	mysqlAdapter := storage.NewMySQLAdapter(db)
	redisAdapter := storage.NewRedisAdapter(rdb)

	// Fresh product per run so repeated runs do not interfere.
	now := time.Now().UTC()
	product := domain.Product{
		ID:            uuid.NewString(),
		Name:          "Stress Item",
		SKU:           "STRESS-" + uuid.NewString()[:8],
		Price:         decimal.RequireFromString("9.99"),
		StockQuantity: *initialStock,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := mysqlAdapter.Products().Create(ctx, product); err != nil {
		log.Fatal().Err(err).Msg("failed to seed product")
	}

	couponService := service.NewCouponService(mysqlAdapter, mysqlAdapter.Coupons(), redisAdapter, log)
	orderService := service.NewOrderService(service.OrderServiceDeps{
		Tx:       mysqlAdapter,
		Products: mysqlAdapter.Products(),
		Orders:   mysqlAdapter.Orders(),
		Carts:    redisAdapter,
		Idem:     redisAdapter,
		Events:   messaging.NewLogPublisher(log),
		Coupons:  couponService,
	}, cfg.Order.RestockQueueSize, log)
	defer orderService.Close()
	go orderService.RestockLoop(0)

	var successCount, soldOutCount, errorCount atomic.Int32

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *totalRequests; i++ {
		wg.Add(1)
		go func(user int) {
			defer wg.Done()

			_, err := orderService.PlaceOrder(ctx, service.PlaceOrderRequest{
				RequestID: uuid.NewString(),
				UserID:    fmt.Sprintf("stress-user-%d", user),
				Items:     []service.OrderLine{{ProductID: product.ID, Quantity: 1}},
				ShippingAddress: domain.Address{
					FullName:    "Stress Tester",
					Phone:       "+10000000000",
					Street:      "1 Load St",
					City:        "Testville",
					State:       "TS",
					Zip:         "00000",
					Country:     "US",
					AddressType: domain.AddressTypeHome,
				},
				PaymentMethod: domain.PaymentMethodCOD,
			})
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, service.ErrInsufficientStock):
				soldOutCount.Add(1)
			default:
				errorCount.Add(1)
				log.Error().Err(err).Int("user", user).Msg("unexpected checkout failure")
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	success := int(successCount.Load())
	soldOut := int(soldOutCount.Load())

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:    %d\n", *initialStock)
	fmt.Printf("Total Requests:   %d\n", *totalRequests)
	fmt.Printf("Successful:       %d\n", success)
	fmt.Printf("Sold out:         %d\n", soldOut)
	fmt.Printf("Errors:           %d\n", errorCount.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	expected := min(*initialStock, *totalRequests)
	if success == expected && soldOut == *totalRequests-expected {
		fmt.Printf("PASS: exactly %d orders succeeded\n", expected)
	} else {
		fmt.Printf("FAIL: expected %d success/%d sold out, got %d/%d\n",
			expected, *totalRequests-expected, success, soldOut)
	}

	final, err := mysqlAdapter.Products().FindByID(ctx, product.ID)
	if err != nil || final == nil {
		log.Fatal().Err(err).Msg("failed to reload product")
	}
	fmt.Printf("Final Stock:      %d\n", final.StockQuantity)

	if final.StockQuantity == *initialStock-expected {
		fmt.Println("PASS: stock matches committed orders")
	} else {
		fmt.Printf("FAIL: expected stock %d, got %d\n", *initialStock-expected, final.StockQuantity)
	}
}
