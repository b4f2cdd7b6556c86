package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/rl1809/storefront/internal/core/domain"
	"github.com/rl1809/storefront/internal/port"
)

const (
	orderKeyPrefix  = "order:"
	defaultPageSize = 20
	maxPageSize     = 100
)

// couponApplier is the slice of CouponService the checkout needs.
type couponApplier interface {
	ApplyWithinTx(ctx context.Context, req ApplyRequest, orderID string) (Evaluation, error)
}

type OrderLine struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type PlaceOrderRequest struct {
	// RequestID makes retries of the same checkout safe. Optional.
	RequestID       string
	UserID          string
	Items           []OrderLine
	ShippingAddress domain.Address
	PaymentMethod   domain.PaymentMethod
	ShippingFee     decimal.Decimal
	Discount        decimal.Decimal
	// CouponCode, when set, replaces Discount with the coupon's discount and records its usage
	// in the same transaction as the order.
	CouponCode string
	Meta       domain.OrderMeta
}

func (r PlaceOrderRequest) validate() error {
	if r.UserID == "" {
		return invalidf("user_id required")
	}
	if len(r.Items) == 0 {
		return invalidf("at least one item required")
	}
	for i, it := range r.Items {
		if it.ProductID == "" {
			return invalidf("item %d: product_id required", i)
		}
		if it.Quantity <= 0 {
			return invalidf("item %d: quantity must be positive", i)
		}
	}

	a := r.ShippingAddress
	required := []struct{ field, value string }{
		{"full_name", a.FullName},
		{"phone", a.Phone},
		{"street", a.Street},
		{"city", a.City},
		{"state", a.State},
		{"zip", a.Zip},
		{"country", a.Country},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return invalidf("shipping_address.%s required", r.field)
		}
	}
	switch a.AddressType {
	case domain.AddressTypeHome, domain.AddressTypeOffice, domain.AddressTypeOther:
	default:
		return invalidf("shipping_address.address_type %q not allowed", a.AddressType)
	}

	if !r.PaymentMethod.Valid() {
		return invalidf("payment_method %q not allowed", r.PaymentMethod)
	}
	if !validAmount(r.ShippingFee) {
		return invalidf("invalid shipping_fee %s", r.ShippingFee)
	}
	if !validAmount(r.Discount) {
		return invalidf("invalid discount %s", r.Discount)
	}
	return nil
}

type OrderServiceDeps struct {
	Tx       port.TxManager
	Products port.ProductRepository
	Orders   port.OrderRepository
	Carts    port.CartRepository
	Idem     port.IdempotencyStore
	Events   port.EventPublisher
	Coupons  couponApplier
}

type OrderService struct {
	tx       port.TxManager
	products port.ProductRepository
	orders   port.OrderRepository
	carts    port.CartRepository
	idem     port.IdempotencyStore
	events   port.EventPublisher
	coupons  couponApplier

	restockQueue  chan domain.RestockTask
	restockMu     sync.RWMutex
	restockClosed bool
	logger       zerolog.Logger
	now          func() time.Time
}

func NewOrderService(deps OrderServiceDeps, queueSize int, logger zerolog.Logger) *OrderService {
	return &OrderService{
		tx:           deps.Tx,
		products:     deps.Products,
		orders:       deps.Orders,
		carts:        deps.Carts,
		idem:         deps.Idem,
		events:       deps.Events,
		coupons:      deps.Coupons,
		restockQueue: make(chan domain.RestockTask, queueSize),
		logger:       logger.With().Str("component", "order_service").Logger(),
		now:          time.Now,
	}
}

// PlaceOrder snapshots the requested products, then decrements stock and inserts the
// order in one transaction. Either every decrement and the insert commit, or nothing does.
func (s *OrderService) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*domain.Order, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	var key string
	if req.RequestID != "" {
		key = orderKeyPrefix + req.RequestID
		ok, err := s.idem.Claim(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("idempotency check failed: %w", err)
		}
		if !ok {
			return nil, ErrDuplicateRequest
		}
	}

	order, err := s.placeOrder(ctx, req)
	if err != nil {
		if key != "" {
			if relErr := s.idem.Release(context.WithoutCancel(ctx), key); relErr != nil {
				s.logger.Warn().Err(relErr).Str("key", key).Msg("failed to release idempotency key")
			}
		}
		return nil, err
	}

	s.logger.Info().
		Str("order_id", order.ID).
		Str("user_id", order.UserID).
		Str("total", order.TotalAmount.String()).
		Int("items", len(order.Items)).
		Msg("order placed")

	if err := s.carts.Clear(ctx, order.UserID); err != nil {
		s.logger.Warn().Err(err).Str("user_id", order.UserID).Msg("failed to clear cart")
	}
	s.publish(ctx, domain.OrderEventPlaced, *order)

	return order, nil
}

func (s *OrderService) placeOrder(ctx context.Context, req PlaceOrderRequest) (*domain.Order, error) {
	items, subtotal, err := s.buildItems(ctx, req.Items)
	if err != nil {
		return nil, err
	}

	now := s.now()
	order := domain.Order{
		ID:              uuid.NewString(),
		UserID:          req.UserID,
		Items:           items,
		ShippingAddress: req.ShippingAddress,
		PaymentMethod:   req.PaymentMethod,
		PaymentStatus:   domain.PaymentStatusPending,
		Status:          domain.OrderStatusPending,
		Subtotal:        subtotal,
		ShippingFee:     req.ShippingFee,
		Discount:        req.Discount,
		Meta:            req.Meta,
		PlacedAt:        now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if req.CouponCode == "" {
		if err := settleTotal(&order); err != nil {
			return nil, err
		}
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		// submitted order keeps lock acquisition deterministic across concurrent checkouts
		for _, it := range items {
			ok, err := s.products.DecrementStock(ctx, it.ProductID, it.Quantity)
			if err != nil {
				return fmt.Errorf("decrement stock: %w", err)
			}
			if !ok {
				return fmt.Errorf("%w: sku %s", ErrInsufficientStock, it.SKU)
			}
		}

		if req.CouponCode != "" {
			if err := s.applyCoupon(ctx, &order, req.CouponCode); err != nil {
				return err
			}
		}

		if err := s.orders.Create(ctx, order); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &order, nil
}

// buildItems resolves every product and checks stock before anything is written.
// The check here is only a fast path; the conditional decrement is what prevents overselling.
func (s *OrderService) buildItems(ctx context.Context, lines []OrderLine) ([]domain.OrderItem, decimal.Decimal, error) {
	items := make([]domain.OrderItem, 0, len(lines))
	subtotal := decimal.Zero

	for _, l := range lines {
		p, err := s.products.FindByID(ctx, l.ProductID)
		if err != nil {
			return nil, decimal.Zero, fmt.Errorf("find product: %w", err)
		}
		if p == nil {
			return nil, decimal.Zero, fmt.Errorf("%w: %s", ErrProductNotFound, l.ProductID)
		}
		if p.StockQuantity < l.Quantity {
			return nil, decimal.Zero, fmt.Errorf("%w: sku %s", ErrInsufficientStock, p.SKU)
		}

		unitPrice := p.EffectivePrice()
		itemTotal := lineTotal(unitPrice, l.Quantity)
		subtotal = subtotal.Add(itemTotal)

		items = append(items, domain.OrderItem{
			ProductID: p.ID,
			Name:      p.Name,
			SKU:       p.SKU,
			UnitPrice: unitPrice,
			Quantity:  l.Quantity,
			ItemTotal: itemTotal,
		})
	}

	return items, subtotal, nil
}

func (s *OrderService) applyCoupon(ctx context.Context, order *domain.Order, code string) error {
	lines := make([]domain.CartLine, 0, len(order.Items))
	for _, it := range order.Items {
		lines = append(lines, domain.CartLine{ProductID: it.ProductID, Price: it.UnitPrice, Quantity: it.Quantity})
	}

	ev, err := s.coupons.ApplyWithinTx(ctx, ApplyRequest{Code: code, Lines: lines, UserID: order.UserID}, order.ID)
	if err != nil {
		return err
	}
	if !ev.Valid {
		return &CouponRejectedError{Reason: ev.Reason}
	}

	order.Discount = ev.Discount
	if ev.Coupon.Type == domain.CouponTypeFreeShipping {
		order.ShippingFee = decimal.Zero
	}
	order.Meta.CouponCode = ev.Coupon.Code
	return settleTotal(order)
}

func settleTotal(order *domain.Order) error {
	total := order.Subtotal.Add(order.ShippingFee).Sub(order.Discount)
	if total.IsNegative() {
		return invalidf("discount %s exceeds order value", order.Discount)
	}
	order.TotalAmount = total
	return nil
}

// CancelOrder cancels a pending or processing order and gives its stock back.
// Stock restores are best effort; failures are retried by the restock workers.
func (s *OrderService) CancelOrder(ctx context.Context, orderID string, requester domain.Identity) (*domain.Order, error) {
	order, err := s.findOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != requester.UserID && !requester.IsAdmin() {
		return nil, ErrForbidden
	}
	if !order.Status.Cancellable() {
		return nil, fmt.Errorf("%w: order is %s", ErrInvalidTransition, order.Status)
	}

	now := s.now()
	ok, err := s.orders.UpdateStatus(ctx, order.ID,
		[]domain.OrderStatus{domain.OrderStatusPending, domain.OrderStatusProcessing},
		domain.OrderStatusCancelled, now)
	if err != nil {
		return nil, fmt.Errorf("update order status: %w", err)
	}
	if !ok {
		// lost a race with another status change
		return nil, fmt.Errorf("%w: order changed concurrently", ErrInvalidTransition)
	}
	order.Status = domain.OrderStatusCancelled
	order.UpdatedAt = now

	// the status change is committed, so restores outlive the request but stay bounded
	restoreCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), restockTimeout)
	defer cancel()
	for _, it := range order.Items {
		if err := s.products.IncrementStock(restoreCtx, it.ProductID, it.Quantity); err != nil {
			s.logger.Warn().Err(err).
				Str("order_id", order.ID).
				Str("product_id", it.ProductID).
				Msg("stock restore failed")
			s.enqueueRestock(domain.RestockTask{OrderID: order.ID, ProductID: it.ProductID, Quantity: it.Quantity})
		}
	}

	s.logger.Info().Str("order_id", order.ID).Str("by", requester.UserID).Msg("order cancelled")
	s.publish(ctx, domain.OrderEventCancelled, *order)
	return order, nil
}

// UpdateOrderStatus moves an order along pending -> processing -> shipped -> delivered.
// Cancelling goes through CancelOrder so stock is restored.
func (s *OrderService) UpdateOrderStatus(ctx context.Context, orderID string, next domain.OrderStatus, requester domain.Identity) (*domain.Order, error) {
	if !requester.IsAdmin() {
		return nil, ErrForbidden
	}
	if !next.Valid() {
		return nil, invalidf("unknown order status %q", next)
	}
	if next == domain.OrderStatusCancelled {
		return s.CancelOrder(ctx, orderID, requester)
	}

	order, err := s.findOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, next)
	}

	now := s.now()
	ok, err := s.orders.UpdateStatus(ctx, order.ID, []domain.OrderStatus{order.Status}, next, now)
	if err != nil {
		return nil, fmt.Errorf("update order status: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: order changed concurrently", ErrInvalidTransition)
	}

	order.Status = next
	order.UpdatedAt = now
	if next == domain.OrderStatusDelivered {
		order.DeliveredAt = &now
	}

	s.publish(ctx, domain.OrderEventStatusChanged, *order)
	return order, nil
}

// UpdatePaymentStatus is independent of the fulfilment status.
func (s *OrderService) UpdatePaymentStatus(ctx context.Context, orderID string, next domain.PaymentStatus, requester domain.Identity) (*domain.Order, error) {
	if !requester.IsAdmin() {
		return nil, ErrForbidden
	}
	if !next.Valid() {
		return nil, invalidf("unknown payment status %q", next)
	}

	order, err := s.findOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.PaymentStatus.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: payment %s -> %s", ErrInvalidTransition, order.PaymentStatus, next)
	}

	now := s.now()
	ok, err := s.orders.UpdatePaymentStatus(ctx, order.ID, order.PaymentStatus, next, now)
	if err != nil {
		return nil, fmt.Errorf("update payment status: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: order changed concurrently", ErrInvalidTransition)
	}

	order.PaymentStatus = next
	order.UpdatedAt = now
	s.publish(ctx, domain.OrderEventPaymentChanged, *order)
	return order, nil
}

func (s *OrderService) GetOrder(ctx context.Context, orderID string, requester domain.Identity) (*domain.Order, error) {
	order, err := s.findOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != requester.UserID && !requester.IsAdmin() {
		return nil, ErrForbidden
	}
	return order, nil
}

func (s *OrderService) ListMyOrders(ctx context.Context, userID string) ([]domain.Order, error) {
	if userID == "" {
		return nil, invalidf("user_id required")
	}
	orders, err := s.orders.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return orders, nil
}

// ListOrders returns one page of orders, newest first, with the total match count.
func (s *OrderService) ListOrders(ctx context.Context, filter domain.OrderFilter, requester domain.Identity) ([]domain.Order, int, error) {
	if !requester.IsAdmin() {
		return nil, 0, ErrForbidden
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, invalidf("unknown order status %q", filter.Status)
	}
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.Limit < 1 {
		filter.Limit = defaultPageSize
	}
	if filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}

	orders, total, err := s.orders.List(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("list orders: %w", err)
	}
	return orders, total, nil
}

func (s *OrderService) findOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("find order: %w", err)
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

func (s *OrderService) publish(ctx context.Context, t domain.OrderEventType, order domain.Order) {
	if s.events == nil {
		return
	}
	event := domain.NewOrderEvent(t, order, s.now())
	if err := s.events.Publish(context.WithoutCancel(ctx), event); err != nil {
		s.logger.Warn().Err(err).Str("order_id", order.ID).Str("event", string(t)).Msg("failed to publish order event")
	}
}
