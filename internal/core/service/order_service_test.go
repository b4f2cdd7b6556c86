package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/storefront/internal/core/domain"
)

var (
	customer = domain.Identity{UserID: "user-1", Role: domain.RoleUser}
	stranger = domain.Identity{UserID: "user-2", Role: domain.RoleUser}
	admin    = domain.Identity{UserID: "admin-1", Role: domain.RoleAdmin}
)

func validAddress() domain.Address {
	return domain.Address{
		FullName:    "Ada Lovelace",
		Phone:       "555-0100",
		Street:      "12 Analytical Row",
		City:        "London",
		State:       "LDN",
		Zip:         "N1 9GU",
		Country:     "UK",
		AddressType: domain.AddressTypeHome,
	}
}

func orderRequest(userID string, lines ...OrderLine) PlaceOrderRequest {
	return PlaceOrderRequest{
		UserID:          userID,
		Items:           lines,
		ShippingAddress: validAddress(),
		PaymentMethod:   domain.PaymentMethodCOD,
		ShippingFee:     money("0"),
		Discount:        money("0"),
	}
}

func TestPlaceOrder_Success(t *testing.T) {
	env := newTestEnv(t)
	env.store.addProduct("p1", "SKU-1", "10.00", 5)
	ctx := context.Background()

	_, err := env.carts.AddItem(ctx, customer.UserID, "p1", 2)
	require.NoError(t, err)

	req := orderRequest(customer.UserID, OrderLine{ProductID: "p1", Quantity: 2})
	req.ShippingFee = money("5.00")
	req.Meta.Notes = "leave at door"

	order, err := env.orders.PlaceOrder(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, domain.OrderStatusPending, order.Status)
	assert.Equal(t, domain.PaymentStatusPending, order.PaymentStatus)
	assert.True(t, order.Subtotal.Equal(money("20.00")))
	assert.True(t, order.TotalAmount.Equal(money("25.00")))
	assert.Equal(t, "SKU-1", order.Items[0].SKU)
	assert.True(t, order.Items[0].ItemTotal.Equal(money("20.00")))
	assert.Equal(t, testNow, order.PlacedAt)
	assert.Equal(t, "leave at door", order.Meta.Notes)

	assert.Equal(t, 3, env.store.stock("p1"))

	stored, err := env.orders.GetOrder(ctx, order.ID, customer)
	require.NoError(t, err)
	assert.Equal(t, order.ID, stored.ID)

	cart, err := env.carts.GetCart(ctx, customer.UserID)
	require.NoError(t, err)
	assert.Empty(t, cart.Items, "cart cleared after checkout")

	events := env.store.publishedEvents()
	require.Len(t, events, 1)
	assert.Equal(t, domain.OrderEventPlaced, events[0].Type)
	assert.Equal(t, order.ID, events[0].OrderID)
}

func TestPlaceOrder_UsesDiscountPrice(t *testing.T) {
	env := newTestEnv(t)
	p := env.store.addProduct("p1", "SKU-1", "10.00", 5)
	p.DiscountPrice.Decimal = money("8.50")
	p.DiscountPrice.Valid = true

	order, err := env.orders.PlaceOrder(context.Background(), orderRequest(customer.UserID, OrderLine{ProductID: "p1", Quantity: 2}))
	require.NoError(t, err)
	assert.True(t, order.Items[0].UnitPrice.Equal(money("8.50")))
	assert.True(t, order.Subtotal.Equal(money("17.00")))
}

func TestPlaceOrder_InsufficientStock(t *testing.T) {
	env := newTestEnv(t)
	env.store.addProduct("p1", "SKU-1", "10.00", 2)

	_, err := env.orders.PlaceOrder(context.Background(), orderRequest(customer.UserID, OrderLine{ProductID: "p1", Quantity: 3}))
	require.ErrorIs(t, err, ErrInsufficientStock)
	assert.Contains(t, err.Error(), "SKU-1")

	assert.Equal(t, 2, env.store.stock("p1"))
	assert.Equal(t, 0, env.store.orderCount())
	assert.Empty(t, env.store.publishedEvents())
}

func TestPlaceOrder_ProductNotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.orders.PlaceOrder(context.Background(), orderRequest(customer.UserID, OrderLine{ProductID: "missing", Quantity: 1}))
	assert.ErrorIs(t, err, ErrProductNotFound)
}

func TestPlaceOrder_RollsBackEarlierDecrements(t *testing.T) {
	env := newTestEnv(t)
	env.store.addProduct("p1", "SKU-1", "10.00", 5)
	env.store.addProduct("p2", "SKU-2", "4.00", 5)
	// p2 looks available to the pre-check but is drained by the time it is decremented
	env.store.drained["p2"] = true

	_, err := env.orders.PlaceOrder(context.Background(), orderRequest(customer.UserID,
		OrderLine{ProductID: "p1", Quantity: 2},
		OrderLine{ProductID: "p2", Quantity: 1},
	))
	require.ErrorIs(t, err, ErrInsufficientStock)
	assert.Contains(t, err.Error(), "SKU-2")

	assert.Equal(t, 5, env.store.stock("p1"))
	assert.Equal(t, 5, env.store.stock("p2"))
	assert.Equal(t, 0, env.store.orderCount())
}

func TestPlaceOrder_InsertFailureRestoresStock(t *testing.T) {
	env := newTestEnv(t)
	env.store.addProduct("p1", "SKU-1", "10.00", 5)
	env.store.failCreate = errors.New("disk full")

	_, err := env.orders.PlaceOrder(context.Background(), orderRequest(customer.UserID, OrderLine{ProductID: "p1", Quantity: 2}))
	require.Error(t, err)

	assert.Equal(t, 5, env.store.stock("p1"))
	assert.Equal(t, 1, env.store.rollbacks)
}

func TestPlaceOrder_ConcurrentLastUnits(t *testing.T) {
	env := newTestEnv(t)
	env.store.addProduct("p1", "SKU-1", "10.00", 5)

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		failures  atomic.Int32
	)
	for _, user := range []string{"user-a", "user-b"} {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			_, err := env.orders.PlaceOrder(context.Background(), orderRequest(userID, OrderLine{ProductID: "p1", Quantity: 3}))
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, ErrInsufficientStock):
				failures.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(user)
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(1), failures.Load())
	assert.Equal(t, 2, env.store.stock("p1"))
}

func TestPlaceOrder_ConcurrentNeverOversells(t *testing.T) {
	env := newTestEnv(t)
	initialStock := 20
	totalRequests := 50
	env.store.addProduct("p1", "SKU-1", "1.00", initialStock)

	var wg sync.WaitGroup
	var successes atomic.Int32
	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.orders.PlaceOrder(context.Background(), orderRequest(customer.UserID, OrderLine{ProductID: "p1", Quantity: 1})); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(initialStock), successes.Load())
	assert.Equal(t, 0, env.store.stock("p1"))
	assert.Equal(t, initialStock, env.store.orderCount())
}

func TestPlaceOrder_Validation(t *testing.T) {
	env := newTestEnv(t)
	env.store.addProduct("p1", "SKU-1", "10.00", 5)
	line := OrderLine{ProductID: "p1", Quantity: 1}

	tests := []struct {
		name   string
		mutate func(*PlaceOrderRequest)
	}{
		{"no user", func(r *PlaceOrderRequest) { r.UserID = "" }},
		{"no items", func(r *PlaceOrderRequest) { r.Items = nil }},
		{"zero quantity", func(r *PlaceOrderRequest) { r.Items = []OrderLine{{ProductID: "p1", Quantity: 0}} }},
		{"missing product id", func(r *PlaceOrderRequest) { r.Items = []OrderLine{{Quantity: 1}} }},
		{"missing city", func(r *PlaceOrderRequest) { r.ShippingAddress.City = " " }},
		{"bad address type", func(r *PlaceOrderRequest) { r.ShippingAddress.AddressType = "Castle" }},
		{"bad payment method", func(r *PlaceOrderRequest) { r.PaymentMethod = "Barter" }},
		{"negative shipping", func(r *PlaceOrderRequest) { r.ShippingFee = money("-1.00") }},
		{"sub-cent discount", func(r *PlaceOrderRequest) { r.Discount = money("0.001") }},
		{"discount above total", func(r *PlaceOrderRequest) { r.Discount = money("50.00") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := orderRequest(customer.UserID, line)
			tt.mutate(&req)

			_, err := env.orders.PlaceOrder(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
	assert.Equal(t, 5, env.store.stock("p1"))
}

func TestPlaceOrder_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	env.store.addProduct("p1", "SKU-1", "10.00", 1)
	ctx := context.Background()

	req := orderRequest(customer.UserID, OrderLine{ProductID: "p1", Quantity: 2})
	req.RequestID = "req-1"

	_, err := env.orders.PlaceOrder(ctx, req)
	require.ErrorIs(t, err, ErrInsufficientStock)

	// the failed attempt released its key, so a corrected retry goes through
	req.Items[0].Quantity = 1
	_, err = env.orders.PlaceOrder(ctx, req)
	require.NoError(t, err)

	_, err = env.orders.PlaceOrder(ctx, req)
	assert.ErrorIs(t, err, ErrDuplicateRequest)
	assert.Equal(t, 1, env.store.orderCount())
}

func TestPlaceOrder_SideEffectFailuresDoNotFail(t *testing.T) {
	env := newTestEnv(t)
	env.store.addProduct("p1", "SKU-1", "10.00", 5)
	env.store.failClear = errors.New("redis down")
	env.store.failPublish = errors.New("kafka down")

	_, err := env.orders.PlaceOrder(context.Background(), orderRequest(customer.UserID, OrderLine{ProductID: "p1", Quantity: 1}))
	require.NoError(t, err)
	assert.Equal(t, 1, env.store.orderCount())
}

func TestPlaceOrder_WithCoupon(t *testing.T) {
	env := newTestEnv(t)
	env.store.addProduct("p1", "SKU-1", "100.00", 5)
	env.store.addCoupon(percentCoupon("c1", "SAVE10", "10"))

	req := orderRequest(customer.UserID, OrderLine{ProductID: "p1", Quantity: 2})
	req.ShippingFee = money("5.00")
	req.CouponCode = "save10"

	order, err := env.orders.PlaceOrder(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, order.Discount.Equal(money("20.00")))
	assert.True(t, order.TotalAmount.Equal(money("185.00")))
	assert.Equal(t, "SAVE10", order.Meta.CouponCode)

	assert.Equal(t, 1, env.store.coupon("c1").UsedCount)
	require.Equal(t, 1, env.store.usageCount())
	assert.Equal(t, order.ID, env.store.usages[0].OrderID)
}

func TestPlaceOrder_FreeShippingCoupon(t *testing.T) {
	env := newTestEnv(t)
	env.store.addProduct("p1", "SKU-1", "30.00", 5)
	c := percentCoupon("c1", "SHIPFREE", "0")
	c.Type = domain.CouponTypeFreeShipping
	env.store.addCoupon(c)

	req := orderRequest(customer.UserID, OrderLine{ProductID: "p1", Quantity: 1})
	req.ShippingFee = money("7.50")
	req.CouponCode = "SHIPFREE"

	order, err := env.orders.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, order.ShippingFee.IsZero())
	assert.True(t, order.Discount.IsZero())
	assert.True(t, order.TotalAmount.Equal(money("30.00")))
}

func TestPlaceOrder_RejectedCouponRollsBack(t *testing.T) {
	env := newTestEnv(t)
	env.store.addProduct("p1", "SKU-1", "100.00", 5)
	c := percentCoupon("c1", "OLD", "10")
	c.EndDate = timeRef(testNow.Add(-time.Hour))
	env.store.addCoupon(c)

	req := orderRequest(customer.UserID, OrderLine{ProductID: "p1", Quantity: 1})
	req.CouponCode = "OLD"

	_, err := env.orders.PlaceOrder(context.Background(), req)
	require.ErrorIs(t, err, ErrCouponRejected)

	var rejected *CouponRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, domain.ReasonExpired, rejected.Reason)

	assert.Equal(t, 5, env.store.stock("p1"))
	assert.Equal(t, 0, env.store.orderCount())
	assert.Equal(t, 0, env.store.usageCount())
}

func TestPlaceOrder_InsertFailureUndoesCouponUsage(t *testing.T) {
	env := newTestEnv(t)
	env.store.addProduct("p1", "SKU-1", "100.00", 5)
	env.store.addCoupon(percentCoupon("c1", "SAVE10", "10"))
	env.store.failCreate = errors.New("disk full")

	req := orderRequest(customer.UserID, OrderLine{ProductID: "p1", Quantity: 1})
	req.CouponCode = "SAVE10"

	_, err := env.orders.PlaceOrder(context.Background(), req)
	require.Error(t, err)

	assert.Equal(t, 0, env.store.coupon("c1").UsedCount)
	assert.Equal(t, 0, env.store.usageCount())
	assert.Equal(t, 5, env.store.stock("p1"))
}

func placeOne(t *testing.T, env *testEnv, qty int) *domain.Order {
	t.Helper()
	order, err := env.orders.PlaceOrder(context.Background(), orderRequest(customer.UserID, OrderLine{ProductID: "p1", Quantity: qty}))
	require.NoError(t, err)
	return order
}

func TestCancelOrder_RestoresStock(t *testing.T) {
	env := newTestEnv(t)
	env.store.addProduct("p1", "SKU-1", "10.00", 5)
	order := placeOne(t, env, 3)
	require.Equal(t, 2, env.store.stock("p1"))

	cancelled, err := env.orders.CancelOrder(context.Background(), order.ID, customer)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, cancelled.Status)
	assert.Equal(t, 5, env.store.stock("p1"))

	events := env.store.publishedEvents()
	assert.Equal(t, domain.OrderEventCancelled, events[len(events)-1].Type)

	_, err = env.orders.CancelOrder(context.Background(), order.ID, customer)
	assert.ErrorIs(t, err, ErrInvalidTransition, "already cancelled")
	assert.Equal(t, 5, env.store.stock("p1"))
}

func TestCancelOrder_ShippedIsRejected(t *testing.T) {
	env := newTestEnv(t)
	env.store.addProduct("p1", "SKU-1", "10.00", 5)
	order := placeOne(t, env, 1)
	ctx := context.Background()

	_, err := env.orders.UpdateOrderStatus(ctx, order.ID, domain.OrderStatusProcessing, admin)
	require.NoError(t, err)
	_, err = env.orders.UpdateOrderStatus(ctx, order.ID, domain.OrderStatusShipped, admin)
	require.NoError(t, err)

	_, err = env.orders.CancelOrder(ctx, order.ID, customer)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, 4, env.store.stock("p1"))
}

func TestCancelOrder_Ownership(t *testing.T) {
	env := newTestEnv(t)
	env.store.addProduct("p1", "SKU-1", "10.00", 5)
	order := placeOne(t, env, 1)
	ctx := context.Background()

	_, err := env.orders.CancelOrder(ctx, order.ID, stranger)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = env.orders.CancelOrder(ctx, order.ID, admin)
	assert.NoError(t, err)

	_, err = env.orders.CancelOrder(ctx, "missing", admin)
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestCancelOrder_FailedRestoreIsRetried(t *testing.T) {
	env := newTestEnv(t)
	env.store.addProduct("p1", "SKU-1", "10.00", 5)
	order := placeOne(t, env, 2)
	env.store.failIncrements = 1

	done := make(chan struct{})
	go func() {
		env.orders.RestockLoop(0)
		close(done)
	}()

	_, err := env.orders.CancelOrder(context.Background(), order.ID, customer)
	require.NoError(t, err)

	env.orders.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("restock worker did not exit")
	}
	assert.Equal(t, 5, env.store.stock("p1"))
}

func TestCancelOrder_FullRestockQueueDoesNotBlock(t *testing.T) {
	env := newTestEnv(t)
	env.store.addProduct("p1", "SKU-1", "10.00", 5)
	env.store.addProduct("p2", "SKU-2", "4.00", 5)
	order, err := env.orders.PlaceOrder(context.Background(), orderRequest(customer.UserID,
		OrderLine{ProductID: "p1", Quantity: 1},
		OrderLine{ProductID: "p2", Quantity: 1},
	))
	require.NoError(t, err)

	// no workers drain the queue, so the second failed restore finds it full
	env.orders.restockQueue = make(chan domain.RestockTask, 1)
	env.store.failIncrements = 2

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := env.orders.CancelOrder(ctx, order.ID, customer)
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("CancelOrder blocked on a full restock queue")
	}
	assert.Len(t, env.orders.restockQueue, 1)

	stored, err := env.orders.GetOrder(context.Background(), order.ID, customer)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, stored.Status)
}

func TestCancelOrder_AfterCloseDropsRestock(t *testing.T) {
	env := newTestEnv(t)
	env.store.addProduct("p1", "SKU-1", "10.00", 5)
	order := placeOne(t, env, 2)

	env.orders.Close()
	env.orders.Close()
	env.store.failIncrements = 1

	var cancelled *domain.Order
	var err error
	assert.NotPanics(t, func() {
		cancelled, err = env.orders.CancelOrder(context.Background(), order.ID, customer)
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, cancelled.Status)
	assert.Equal(t, 3, env.store.stock("p1"), "dropped restore is logged, not applied")

	assert.False(t, env.orders.enqueueRestock(domain.RestockTask{OrderID: order.ID, ProductID: "p1", Quantity: 2}))
}

func TestPlaceOrder_CancelledMidTransactionRollsBack(t *testing.T) {
	env := newTestEnv(t)
	env.store.addProduct("p1", "SKU-1", "10.00", 5)
	env.store.addProduct("p2", "SKU-2", "4.00", 5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.orders.products = cancellingProducts{fakeProducts: fakeProducts{env.store}, cancel: cancel}

	req := orderRequest(customer.UserID,
		OrderLine{ProductID: "p1", Quantity: 2},
		OrderLine{ProductID: "p2", Quantity: 1},
	)
	req.RequestID = "req-cancelled"

	_, err := env.orders.PlaceOrder(ctx, req)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrInsufficientStock)
	assert.NotErrorIs(t, err, ErrInvalidRequest)

	assert.Equal(t, 5, env.store.stock("p1"))
	assert.Equal(t, 5, env.store.stock("p2"))
	assert.Equal(t, 0, env.store.orderCount())
	assert.Empty(t, env.store.publishedEvents())

	// the claim is released so the client can retry the same request
	env.orders.products = fakeProducts{env.store}
	order, err := env.orders.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 3, env.store.stock("p1"))
	assert.Equal(t, 4, env.store.stock("p2"))
	assert.Equal(t, domain.OrderStatusPending, order.Status)
}

func TestPlaceOrder_ExpiredDeadlineWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	env.store.addProduct("p1", "SKU-1", "10.00", 5)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := env.orders.PlaceOrder(ctx, orderRequest(customer.UserID, OrderLine{ProductID: "p1", Quantity: 1}))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 5, env.store.stock("p1"))
	assert.Equal(t, 0, env.store.orderCount())
}

func TestPlaceOrder_MissingAddressFieldsReportedInOrder(t *testing.T) {
	env := newTestEnv(t)
	env.store.addProduct("p1", "SKU-1", "10.00", 5)

	req := orderRequest(customer.UserID, OrderLine{ProductID: "p1", Quantity: 1})
	req.ShippingAddress = domain.Address{City: "London", AddressType: domain.AddressTypeHome}

	for i := 0; i < 20; i++ {
		_, err := env.orders.PlaceOrder(context.Background(), req)
		require.ErrorIs(t, err, ErrInvalidRequest)
		assert.Contains(t, err.Error(), "shipping_address.full_name required")
	}

	req.ShippingAddress = validAddress()
	req.ShippingAddress.Zip = " "
	req.ShippingAddress.Country = ""
	_, err := env.orders.PlaceOrder(context.Background(), req)
	assert.Contains(t, err.Error(), "shipping_address.zip required")
}

func TestUpdateOrderStatus_Lifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.store.addProduct("p1", "SKU-1", "10.00", 5)
	order := placeOne(t, env, 1)
	ctx := context.Background()

	_, err := env.orders.UpdateOrderStatus(ctx, order.ID, domain.OrderStatusProcessing, customer)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = env.orders.UpdateOrderStatus(ctx, order.ID, domain.OrderStatusShipped, admin)
	assert.ErrorIs(t, err, ErrInvalidTransition, "cannot skip processing")

	_, err = env.orders.UpdateOrderStatus(ctx, order.ID, "lost", admin)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	for _, next := range []domain.OrderStatus{domain.OrderStatusProcessing, domain.OrderStatusShipped, domain.OrderStatusDelivered} {
		updated, err := env.orders.UpdateOrderStatus(ctx, order.ID, next, admin)
		require.NoError(t, err)
		assert.Equal(t, next, updated.Status)
	}

	stored, err := env.orders.GetOrder(ctx, order.ID, admin)
	require.NoError(t, err)
	require.NotNil(t, stored.DeliveredAt)
	assert.Equal(t, testNow, *stored.DeliveredAt)

	_, err = env.orders.UpdateOrderStatus(ctx, order.ID, domain.OrderStatusPending, admin)
	assert.ErrorIs(t, err, ErrInvalidTransition, "no backwards moves")
}

func TestUpdateOrderStatus_CancelRestoresStock(t *testing.T) {
	env := newTestEnv(t)
	env.store.addProduct("p1", "SKU-1", "10.00", 5)
	order := placeOne(t, env, 2)

	updated, err := env.orders.UpdateOrderStatus(context.Background(), order.ID, domain.OrderStatusCancelled, admin)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, updated.Status)
	assert.Equal(t, 5, env.store.stock("p1"))
}

func TestUpdatePaymentStatus(t *testing.T) {
	env := newTestEnv(t)
	env.store.addProduct("p1", "SKU-1", "10.00", 5)
	order := placeOne(t, env, 1)
	ctx := context.Background()

	_, err := env.orders.UpdatePaymentStatus(ctx, order.ID, domain.PaymentStatusPaid, customer)
	assert.ErrorIs(t, err, ErrForbidden)

	updated, err := env.orders.UpdatePaymentStatus(ctx, order.ID, domain.PaymentStatusPaid, admin)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, updated.PaymentStatus)
	assert.Equal(t, domain.OrderStatusPending, updated.Status, "fulfilment untouched")

	_, err = env.orders.UpdatePaymentStatus(ctx, order.ID, domain.PaymentStatusFailed, admin)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = env.orders.UpdatePaymentStatus(ctx, order.ID, domain.PaymentStatusRefunded, admin)
	assert.NoError(t, err)
}

func TestGetOrder_Ownership(t *testing.T) {
	env := newTestEnv(t)
	env.store.addProduct("p1", "SKU-1", "10.00", 5)
	order := placeOne(t, env, 1)

	_, err := env.orders.GetOrder(context.Background(), order.ID, stranger)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = env.orders.GetOrder(context.Background(), "missing", customer)
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestListOrders(t *testing.T) {
	env := newTestEnv(t)
	env.store.addProduct("p1", "SKU-1", "1.00", 100)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		placeOne(t, env, 1)
	}
	_, err := env.orders.PlaceOrder(ctx, orderRequest(stranger.UserID, OrderLine{ProductID: "p1", Quantity: 1}))
	require.NoError(t, err)

	_, _, err = env.orders.ListOrders(ctx, domain.OrderFilter{}, customer)
	assert.ErrorIs(t, err, ErrForbidden)

	page, total, err := env.orders.ListOrders(ctx, domain.OrderFilter{}, admin)
	require.NoError(t, err)
	assert.Equal(t, 26, total)
	assert.Len(t, page, defaultPageSize)

	page, total, err = env.orders.ListOrders(ctx, domain.OrderFilter{UserID: customer.UserID, Page: 2, Limit: 20}, admin)
	require.NoError(t, err)
	assert.Equal(t, 25, total)
	assert.Len(t, page, 5)

	_, _, err = env.orders.ListOrders(ctx, domain.OrderFilter{Status: "lost"}, admin)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	mine, err := env.orders.ListMyOrders(ctx, stranger.UserID)
	require.NoError(t, err)
	assert.Len(t, mine, 1)
}

func TestRestockBackoff(t *testing.T) {
	assert.Equal(t, 200*time.Millisecond, restockBackoff(1))
	assert.Equal(t, 400*time.Millisecond, restockBackoff(2))
	assert.Equal(t, 3200*time.Millisecond, restockBackoff(5))
	assert.Equal(t, restockMaxBackoff, restockBackoff(6))
	assert.Equal(t, restockMaxBackoff, restockBackoff(80))
}
