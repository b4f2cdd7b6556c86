package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/rl1809/storefront/internal/core/domain"
	"github.com/rl1809/storefront/internal/port"
)

type memTxKey struct{}

type memTx struct {
	undo []func()
}

// memStore backs every fake repository. Transactions are serialized and keep an
// undo log so a failed transaction leaves no trace, like the real store.
type memStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	products map[string]*domain.Product
	orders   map[string]*domain.Order
	coupons  map[string]*domain.Coupon
	usages   []domain.CouponUsage
	carts    map[string]map[string]domain.CartItem
	claims   map[string]bool
	events   []domain.OrderEvent

	failIncrements int             // IncrementStock fails this many times
	drained        map[string]bool // DecrementStock reports no stock for these products
	failCreate     error           // returned by orders Create
	failClear      error
	failPublish    error
	rollbacks      int
}

func newMemStore() *memStore {
	return &memStore{
		products: make(map[string]*domain.Product),
		orders:   make(map[string]*domain.Order),
		coupons:  make(map[string]*domain.Coupon),
		carts:    make(map[string]map[string]domain.CartItem),
		claims:   make(map[string]bool),
		drained:  make(map[string]bool),
	}
}

func (s *memStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		return fn(ctx)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &memTx{}
	err := fn(context.WithValue(ctx, memTxKey{}, tx))
	if err == nil {
		// a commit on a dead context fails like the driver does
		err = ctx.Err()
	}
	if err != nil {
		s.mu.Lock()
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		s.rollbacks++
		s.mu.Unlock()
	}
	return err
}

// record must be called with mu held.
func (s *memStore) record(ctx context.Context, undo func()) {
	if tx, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		tx.undo = append(tx.undo, undo)
	}
}

func (s *memStore) addProduct(id, sku string, price string, stock int) *domain.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &domain.Product{
		ID:            id,
		Name:          "Product " + id,
		SKU:           sku,
		Price:         decimal.RequireFromString(price),
		StockQuantity: stock,
	}
	s.products[id] = p
	return p
}

func (s *memStore) stock(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.products[id].StockQuantity
}

func (s *memStore) addCoupon(c domain.Coupon) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := c
	s.coupons[c.ID] = &cp
}

func (s *memStore) coupon(id string) domain.Coupon {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.coupons[id]
}

func (s *memStore) usageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.usages)
}

func (s *memStore) orderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

func (s *memStore) publishedEvents() []domain.OrderEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.OrderEvent(nil), s.events...)
}

type fakeProducts struct{ *memStore }

func (f fakeProducts) FindByID(_ context.Context, id string) (*domain.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.products[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (f fakeProducts) DecrementStock(ctx context.Context, id string, quantity int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.products[id]
	if !ok || f.drained[id] || p.StockQuantity < quantity {
		return false, nil
	}
	p.StockQuantity -= quantity
	p.Version++
	f.record(ctx, func() { p.StockQuantity += quantity })
	return true, nil
}

func (f fakeProducts) IncrementStock(_ context.Context, id string, quantity int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failIncrements > 0 {
		f.failIncrements--
		return errors.New("store unavailable")
	}
	p, ok := f.products[id]
	if !ok {
		return errors.New("product not found")
	}
	p.StockQuantity += quantity
	p.Version++
	return nil
}

func (f fakeProducts) Create(ctx context.Context, product domain.Product) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.products {
		if p.SKU == product.SKU {
			return port.ErrDuplicateKey
		}
	}
	cp := product
	f.products[product.ID] = &cp
	f.record(ctx, func() { delete(f.products, product.ID) })
	return nil
}

// cancellingProducts cancels the request context once the first decrement lands.
type cancellingProducts struct {
	fakeProducts
	cancel context.CancelFunc
}

func (c cancellingProducts) DecrementStock(ctx context.Context, id string, quantity int) (bool, error) {
	ok, err := c.fakeProducts.DecrementStock(ctx, id, quantity)
	c.cancel()
	return ok, err
}

type fakeOrders struct{ *memStore }

func copyOrder(o *domain.Order) *domain.Order {
	cp := *o
	cp.Items = append([]domain.OrderItem(nil), o.Items...)
	return &cp
}

func (f fakeOrders) Create(ctx context.Context, order domain.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate != nil {
		return f.failCreate
	}
	if _, ok := f.orders[order.ID]; ok {
		return port.ErrDuplicateKey
	}
	f.orders[order.ID] = copyOrder(&order)
	f.record(ctx, func() { delete(f.orders, order.ID) })
	return nil
}

func (f fakeOrders) FindByID(_ context.Context, id string) (*domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return nil, nil
	}
	return copyOrder(o), nil
}

func (f fakeOrders) UpdateStatus(_ context.Context, id string, from []domain.OrderStatus, next domain.OrderStatus, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return false, nil
	}
	for _, st := range from {
		if o.Status == st {
			o.Status = next
			o.UpdatedAt = at
			if next == domain.OrderStatusDelivered {
				o.DeliveredAt = &at
			}
			return true, nil
		}
	}
	return false, nil
}

func (f fakeOrders) UpdatePaymentStatus(_ context.Context, id string, from, next domain.PaymentStatus, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok || o.PaymentStatus != from {
		return false, nil
	}
	o.PaymentStatus = next
	o.UpdatedAt = at
	return true, nil
}

func (f fakeOrders) sorted(match func(*domain.Order) bool) []domain.Order {
	out := make([]domain.Order, 0)
	for _, o := range f.orders {
		if match(o) {
			out = append(out, *copyOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (f fakeOrders) List(_ context.Context, filter domain.OrderFilter) ([]domain.Order, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.sorted(func(o *domain.Order) bool {
		return (filter.Status == "" || o.Status == filter.Status) &&
			(filter.UserID == "" || o.UserID == filter.UserID)
	})
	start := filter.Offset()
	if start > len(all) {
		start = len(all)
	}
	end := start + filter.Limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], len(all), nil
}

func (f fakeOrders) ListByUser(_ context.Context, userID string) ([]domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sorted(func(o *domain.Order) bool { return o.UserID == userID }), nil
}

type fakeCoupons struct{ *memStore }

func (f fakeCoupons) byCode(code string) *domain.Coupon {
	for _, c := range f.coupons {
		if c.Code == code && c.IsActive && !c.IsDeleted {
			return c
		}
	}
	return nil
}

func (f fakeCoupons) FindActiveByCode(_ context.Context, code string) (*domain.Coupon, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.byCode(code)
	if c == nil {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (f fakeCoupons) FindByCodeForUpdate(ctx context.Context, code string) (*domain.Coupon, error) {
	return f.FindActiveByCode(ctx, code)
}

func (f fakeCoupons) IncrementUsedCount(ctx context.Context, couponID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.coupons[couponID]
	if !ok || (c.UsageLimit != nil && c.UsedCount >= *c.UsageLimit) {
		return false, nil
	}
	c.UsedCount++
	f.record(ctx, func() { c.UsedCount-- })
	return true, nil
}

func (f fakeCoupons) CountUsage(_ context.Context, couponID, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, u := range f.usages {
		if u.CouponID == couponID && u.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (f fakeCoupons) AppendUsage(ctx context.Context, usage domain.CouponUsage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if usage.IdempotencyKey != "" {
		for _, u := range f.usages {
			if u.IdempotencyKey == usage.IdempotencyKey {
				return port.ErrDuplicateKey
			}
		}
	}
	f.usages = append(f.usages, usage)
	f.record(ctx, func() {
		for i, u := range f.usages {
			if u.ID == usage.ID {
				f.usages = append(f.usages[:i], f.usages[i+1:]...)
				return
			}
		}
	})
	return nil
}

func (f fakeCoupons) Create(_ context.Context, coupon domain.Coupon) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.coupons {
		if c.Code == coupon.Code {
			return port.ErrDuplicateKey
		}
	}
	cp := coupon
	f.coupons[coupon.ID] = &cp
	return nil
}

func (f fakeCoupons) List(ctx context.Context) ([]domain.Coupon, error) {
	return f.Search(ctx, domain.CouponSearch{})
}

func (f fakeCoupons) Search(_ context.Context, search domain.CouponSearch) ([]domain.Coupon, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Coupon, 0)
	for _, c := range f.coupons {
		if c.IsDeleted {
			continue
		}
		if search.Code != "" && !strings.Contains(c.Code, search.Code) {
			continue
		}
		if search.Active != nil && c.IsActive != *search.Active {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (f fakeCoupons) SetDeleted(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.coupons[id]
	if !ok || c.IsDeleted {
		return false, nil
	}
	c.IsDeleted = true
	c.IsActive = false
	return true, nil
}

func (f fakeCoupons) Toggle(_ context.Context, id string) (*domain.Coupon, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.coupons[id]
	if !ok || c.IsDeleted {
		return nil, nil
	}
	c.IsActive = !c.IsActive
	cp := *c
	return &cp, nil
}

func (f fakeCoupons) Report(_ context.Context) ([]domain.CouponReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	byID := make(map[string]*domain.CouponReport)
	for _, u := range f.usages {
		r, ok := byID[u.CouponID]
		if !ok {
			r = &domain.CouponReport{CouponID: u.CouponID, Code: f.coupons[u.CouponID].Code, TotalDiscount: decimal.Zero}
			byID[u.CouponID] = r
		}
		r.TotalUsed++
		r.TotalDiscount = r.TotalDiscount.Add(u.AmountDiscounted)
	}
	out := make([]domain.CouponReport, 0, len(byID))
	for _, r := range byID {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TotalUsed > out[j].TotalUsed })
	return out, nil
}

type fakeCarts struct{ *memStore }

func (f fakeCarts) Get(_ context.Context, userID string) ([]domain.CartItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]domain.CartItem, 0, len(f.carts[userID]))
	for _, it := range f.carts[userID] {
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ProductID < items[j].ProductID })
	return items, nil
}

func (f fakeCarts) SetLine(_ context.Context, userID string, item domain.CartItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.carts[userID] == nil {
		f.carts[userID] = make(map[string]domain.CartItem)
	}
	f.carts[userID][item.ProductID] = item
	return nil
}

func (f fakeCarts) RemoveLine(_ context.Context, userID, productID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.carts[userID][productID]; !ok {
		return false, nil
	}
	delete(f.carts[userID], productID)
	return true, nil
}

func (f fakeCarts) Clear(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failClear != nil {
		return f.failClear
	}
	delete(f.carts, userID)
	return nil
}

type fakeIdem struct{ *memStore }

func (f fakeIdem) Claim(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claims[key] {
		return false, nil
	}
	f.claims[key] = true
	return true, nil
}

func (f fakeIdem) Release(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.claims, key)
	return nil
}

type fakeEvents struct{ *memStore }

func (f fakeEvents) Publish(_ context.Context, event domain.OrderEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPublish != nil {
		return f.failPublish
	}
	f.events = append(f.events, event)
	return nil
}

type testEnv struct {
	store   *memStore
	orders  *OrderService
	coupons *CouponService
	carts   *CartService
	catalog *CatalogService
}

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := newMemStore()
	logger := zerolog.Nop()

	coupons := NewCouponService(store, fakeCoupons{store}, fakeIdem{store}, logger)
	coupons.now = func() time.Time { return testNow }

	orders := NewOrderService(OrderServiceDeps{
		Tx:       store,
		Products: fakeProducts{store},
		Orders:   fakeOrders{store},
		Carts:    fakeCarts{store},
		Idem:     fakeIdem{store},
		Events:   fakeEvents{store},
		Coupons:  coupons,
	}, 16, logger)
	orders.now = func() time.Time { return testNow }

	return &testEnv{
		store:   store,
		orders:  orders,
		coupons: coupons,
		carts:   NewCartService(fakeCarts{store}, fakeProducts{store}),
		catalog: NewCatalogService(fakeProducts{store}),
	}
}

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func intRef(v int) *int {
	return &v
}

func timeRef(t time.Time) *time.Time {
	return &t
}
