package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/rl1809/storefront/internal/core/domain"
	"github.com/rl1809/storefront/internal/core/service"
)

type orderService interface {
	PlaceOrder(ctx context.Context, req service.PlaceOrderRequest) (*domain.Order, error)
	CancelOrder(ctx context.Context, orderID string, requester domain.Identity) (*domain.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID string, next domain.OrderStatus, requester domain.Identity) (*domain.Order, error)
	UpdatePaymentStatus(ctx context.Context, orderID string, next domain.PaymentStatus, requester domain.Identity) (*domain.Order, error)
	GetOrder(ctx context.Context, orderID string, requester domain.Identity) (*domain.Order, error)
	ListMyOrders(ctx context.Context, userID string) ([]domain.Order, error)
	ListOrders(ctx context.Context, filter domain.OrderFilter, requester domain.Identity) ([]domain.Order, int, error)
}

type couponService interface {
	Evaluate(ctx context.Context, code string, lines []domain.CartLine, userID string) (service.Evaluation, error)
	Apply(ctx context.Context, req service.ApplyRequest) (service.Evaluation, error)
	CreateCoupon(ctx context.Context, req service.CreateCouponRequest) (*domain.Coupon, error)
	ListCoupons(ctx context.Context) ([]domain.Coupon, error)
	SearchCoupons(ctx context.Context, search domain.CouponSearch) ([]domain.Coupon, error)
	DeleteCoupon(ctx context.Context, id string) error
	ToggleCoupon(ctx context.Context, id string) (*domain.Coupon, error)
	Report(ctx context.Context) ([]domain.CouponReport, error)
}

type cartService interface {
	AddItem(ctx context.Context, userID, productID string, quantity int) (*domain.Cart, error)
	UpdateItem(ctx context.Context, userID, productID string, quantity int) (*domain.Cart, error)
	RemoveItem(ctx context.Context, userID, productID string) (*domain.Cart, error)
	GetCart(ctx context.Context, userID string) (*domain.Cart, error)
	Clear(ctx context.Context, userID string) error
}

type catalogService interface {
	CreateProduct(ctx context.Context, req service.CreateProductRequest) (*domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
}

type HTTPHandler struct {
	orders  orderService
	coupons couponService
	carts   cartService
	catalog catalogService
	logger  zerolog.Logger
}

func NewHTTPHandler(orders orderService, coupons couponService, carts cartService, catalog catalogService, logger zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{
		orders:  orders,
		coupons: coupons,
		carts:   carts,
		catalog: catalog,
		logger:  logger,
	}
}

func (h *HTTPHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(h.logger))
	r.Use(Identity)

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/orders", func(r chi.Router) {
			r.Use(RequireUser)
			r.Post("/", h.PlaceOrder)
			r.Get("/my", h.ListMyOrders)
			r.Get("/{id}", h.GetOrder)
			r.Patch("/{id}/cancel", h.CancelOrder)

			r.Group(func(r chi.Router) {
				r.Use(RequireAdmin)
				r.Get("/", h.ListOrders)
				r.Patch("/{id}/status", h.UpdateOrderStatus)
				r.Patch("/{id}/payment", h.UpdatePaymentStatus)
			})
		})

		r.Route("/coupons", func(r chi.Router) {
			r.Post("/preview", h.PreviewCoupon)
			r.Get("/search", h.SearchCoupons)
			r.With(RequireUser).Post("/apply", h.ApplyCoupon)

			r.Route("/admin", func(r chi.Router) {
				r.Use(RequireAdmin)
				r.Post("/", h.CreateCoupon)
				r.Get("/", h.ListCoupons)
				r.Get("/reports", h.CouponReport)
				r.Delete("/{id}", h.DeleteCoupon)
				r.Patch("/{id}/toggle", h.ToggleCoupon)
			})
		})

		r.Route("/cart", func(r chi.Router) {
			r.Use(RequireUser)
			r.Get("/", h.GetCart)
			r.Post("/", h.AddCartItem)
			r.Delete("/", h.ClearCart)
			r.Put("/{productID}", h.UpdateCartItem)
			r.Delete("/{productID}", h.RemoveCartItem)
		})

		r.Route("/products", func(r chi.Router) {
			r.Get("/{id}", h.GetProduct)
			r.With(RequireAdmin).Post("/", h.CreateProduct)
		})
	})

	return r
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type orderLineBody struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type placeOrderBody struct {
	RequestID       string           `json:"request_id"`
	Items           []orderLineBody  `json:"items"`
	ShippingAddress domain.Address   `json:"shipping_address"`
	PaymentMethod   string           `json:"payment_method"`
	ShippingFee     decimal.Decimal  `json:"shipping_fee"`
	Discount        decimal.Decimal  `json:"discount"`
	CouponCode      string           `json:"coupon_code"`
	Meta            domain.OrderMeta `json:"meta"`
}

func (h *HTTPHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	var body placeOrderBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}

	req := service.PlaceOrderRequest{
		RequestID:       body.RequestID,
		UserID:          id.UserID,
		ShippingAddress: body.ShippingAddress,
		PaymentMethod:   domain.PaymentMethod(body.PaymentMethod),
		ShippingFee:     body.ShippingFee,
		Discount:        body.Discount,
		CouponCode:      body.CouponCode,
		Meta:            body.Meta,
	}
	if req.RequestID == "" {
		req.RequestID = r.Header.Get("Idempotency-Key")
	}
	for _, l := range body.Items {
		req.Items = append(req.Items, service.OrderLine{ProductID: l.ProductID, Quantity: l.Quantity})
	}

	order, err := h.orders.PlaceOrder(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, order)
}

func (h *HTTPHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	order, err := h.orders.GetOrder(r.Context(), chi.URLParam(r, "id"), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, order)
}

func (h *HTTPHandler) ListMyOrders(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	orders, err := h.orders.ListMyOrders(r.Context(), id.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, orders)
}

type orderPage struct {
	Orders []domain.Order `json:"orders"`
	Total  int            `json:"total"`
	Page   int            `json:"page"`
}

func (h *HTTPHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	q := r.URL.Query()

	filter := domain.OrderFilter{
		Status: domain.OrderStatus(q.Get("status")),
		UserID: q.Get("user_id"),
	}
	var err error
	if filter.Page, err = intQuery(q.Get("page"), 1); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid page")
		return
	}
	if filter.Limit, err = intQuery(q.Get("limit"), 0); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if filter.From, err = timeQuery(q.Get("from")); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid from, want RFC3339")
		return
	}
	if filter.To, err = timeQuery(q.Get("to")); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid to, want RFC3339")
		return
	}

	orders, total, err := h.orders.ListOrders(r.Context(), filter, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, orderPage{Orders: orders, Total: total, Page: filter.Page})
}

func (h *HTTPHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	order, err := h.orders.CancelOrder(r.Context(), chi.URLParam(r, "id"), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, order)
}

func (h *HTTPHandler) UpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	var body struct {
		Status string `json:"status"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}

	order, err := h.orders.UpdateOrderStatus(r.Context(), chi.URLParam(r, "id"), domain.OrderStatus(body.Status), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, order)
}

func (h *HTTPHandler) UpdatePaymentStatus(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	var body struct {
		PaymentStatus string `json:"payment_status"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}

	order, err := h.orders.UpdatePaymentStatus(r.Context(), chi.URLParam(r, "id"), domain.PaymentStatus(body.PaymentStatus), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, order)
}

func intQuery(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func timeQuery(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
