package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/rl1809/storefront/internal/adapter/handler"
	"github.com/rl1809/storefront/internal/adapter/messaging"
	"github.com/rl1809/storefront/internal/adapter/storage"
	"github.com/rl1809/storefront/internal/config"
	"github.com/rl1809/storefront/internal/core/service"
	"github.com/rl1809/storefront/internal/logger"
	"github.com/rl1809/storefront/internal/port"
)

func main() {
	configPath := flag.String("config", os.Getenv("STOREFRONT_CONFIG"), "path to config file")
	flag.Parse()

	loader, err := config.Load(*configPath)
	if err != nil {
		bootLogger := zerolog.New(os.Stderr).With().Timestamp().Logger()
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	cfg := loader.Config()

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	if err != nil {
		bootLogger := zerolog.New(os.Stderr).With().Timestamp().Logger()
		bootLogger.Fatal().Err(err).Msg("failed to build logger")
	}

	loader.Watch(func(c *config.Config) {
		if err := logger.SetLevel(c.Log.Level); err != nil {
			log.Warn().Err(err).Msg("ignoring log level change")
			return
		}
		log.Info().Str("level", c.Log.Level).Msg("log level reloaded")
	}, func(err error) {
		log.Warn().Err(err).Msg("config reload failed")
	})

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize MySQL
	if cfg.MySQL.AutoMigrate {
		if err := storage.Migrate(cfg.MySQL.DSN); err != nil {
			return err
		}
		log.Info().Msg("migrations applied")
	}

	db, err := sql.Open("mysql", cfg.MySQL.DSN)
	if err != nil {
		return err
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MySQL.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MySQL.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		return err
	}
	log.Info().Msg("connected to mysql")

	// Initialize Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return err
	}
	log.Info().Msg("connected to redis")

	var events port.EventPublisher = messaging.NewLogPublisher(log)
	if len(cfg.Kafka.Brokers) > 0 {
		kafka := messaging.NewKafkaPublisher(messaging.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			BatchTimeout: cfg.Kafka.BatchTimeout,
			MaxAttempts:  cfg.Kafka.MaxAttempts,
		}, log)
		defer kafka.Close()
		events = kafka
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("publishing order events to kafka")
	}

	// Initialize adapters and services
	mysqlAdapter := storage.NewMySQLAdapter(db)
	redisAdapter := storage.NewRedisAdapter(rdb)

	couponService := service.NewCouponService(mysqlAdapter, mysqlAdapter.Coupons(), redisAdapter, log)
	orderService := service.NewOrderService(service.OrderServiceDeps{
		Tx:       mysqlAdapter,
		Products: mysqlAdapter.Products(),
		Orders:   mysqlAdapter.Orders(),
		Carts:    redisAdapter,
		Idem:     redisAdapter,
		Events:   events,
		Coupons:  couponService,
	}, cfg.Order.RestockQueueSize, log)
	cartService := service.NewCartService(redisAdapter, mysqlAdapter.Products())
	catalogService := service.NewCatalogService(mysqlAdapter.Products())

	httpHandler := handler.NewHTTPHandler(orderService, couponService, cartService, catalogService, log)
	httpServer := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: httpHandler.Routes(),
	}

	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(handler.LoggingInterceptor(log)))
	handler.RegisterOrderServiceServer(grpcServer, handler.NewGRPCHandler(orderService, couponService))

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return err
	}

	// Restock workers run outside the errgroup so they can drain after the servers stop.
	var workers errgroup.Group
	for i := 0; i < cfg.Order.RestockWorkers; i++ {
		id := i
		workers.Go(func() error {
			orderService.RestockLoop(id)
			return nil
		})
	}
	log.Info().Int("workers", cfg.Order.RestockWorkers).Msg("started restock workers")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.GRPC.Addr).Msg("gRPC server listening")
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP shutdown")
		}
		log.Info().Msg("HTTP server stopped")

		grpcServer.GracefulStop()
		log.Info().Msg("gRPC server stopped")
		return nil
	})

	err = g.Wait()

	orderService.Close()
	workers.Wait()
	log.Info().Msg("restock workers stopped")

	return err
}
