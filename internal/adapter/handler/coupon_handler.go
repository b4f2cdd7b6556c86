package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/rl1809/storefront/internal/core/domain"
	"github.com/rl1809/storefront/internal/core/service"
)

type couponCartBody struct {
	CouponCode     string            `json:"coupon_code"`
	CartItems      []domain.CartLine `json:"cart_items"`
	UserID         string            `json:"user_id"`
	IdempotencyKey string            `json:"idempotency_key"`
}

// PreviewCoupon evaluates without recording anything. The per-user limit is checked
// for the authenticated caller, or for user_id when the caller is anonymous.
func (h *HTTPHandler) PreviewCoupon(w http.ResponseWriter, r *http.Request) {
	var body couponCartBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}

	userID := body.UserID
	if id, ok := identityFrom(r.Context()); ok {
		userID = id.UserID
	}

	ev, err := h.coupons.Evaluate(r.Context(), body.CouponCode, body.CartItems, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, ev)
}

func (h *HTTPHandler) ApplyCoupon(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	var body couponCartBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if body.IdempotencyKey == "" {
		body.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	ev, err := h.coupons.Apply(r.Context(), service.ApplyRequest{
		Code:           body.CouponCode,
		Lines:          body.CartItems,
		UserID:         id.UserID,
		IdempotencyKey: body.IdempotencyKey,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !ev.Valid {
		writeMessage(w, http.StatusUnprocessableEntity, string(ev.Reason))
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, Message: "coupon applied", Data: ev})
}

type createCouponBody struct {
	Code              string              `json:"code"`
	Title             string              `json:"title"`
	Description       string              `json:"description"`
	Type              string              `json:"type"`
	Value             decimal.Decimal     `json:"value"`
	MaxDiscountAmount decimal.NullDecimal `json:"max_discount_amount"`
	MinCartValue      decimal.NullDecimal `json:"min_cart_value"`
	UsageLimit        *int                `json:"usage_limit"`
	UsagePerUser      *int                `json:"usage_per_user"`
	StartDate         *time.Time          `json:"start_date"`
	EndDate           *time.Time          `json:"end_date"`
	Bogo              *domain.BogoRule    `json:"bogo"`
}

func (h *HTTPHandler) CreateCoupon(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	var body createCouponBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}

	coupon, err := h.coupons.CreateCoupon(r.Context(), service.CreateCouponRequest{
		Code:              body.Code,
		Title:             body.Title,
		Description:       body.Description,
		Type:              domain.CouponType(body.Type),
		Value:             body.Value,
		MaxDiscountAmount: body.MaxDiscountAmount,
		MinCartValue:      body.MinCartValue,
		UsageLimit:        body.UsageLimit,
		UsagePerUser:      body.UsagePerUser,
		StartDate:         body.StartDate,
		EndDate:           body.EndDate,
		Bogo:              body.Bogo,
		CreatedBy:         id.UserID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, coupon)
}

func (h *HTTPHandler) ListCoupons(w http.ResponseWriter, r *http.Request) {
	coupons, err := h.coupons.ListCoupons(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, coupons)
}

func (h *HTTPHandler) SearchCoupons(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	search := domain.CouponSearch{Code: q.Get("code")}
	if raw := q.Get("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			writeMessage(w, http.StatusBadRequest, "invalid active flag")
			return
		}
		search.Active = &active
	}

	coupons, err := h.coupons.SearchCoupons(r.Context(), search)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, coupons)
}

func (h *HTTPHandler) DeleteCoupon(w http.ResponseWriter, r *http.Request) {
	if err := h.coupons.DeleteCoupon(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, "coupon deleted")
}

func (h *HTTPHandler) ToggleCoupon(w http.ResponseWriter, r *http.Request) {
	coupon, err := h.coupons.ToggleCoupon(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, coupon)
}

func (h *HTTPHandler) CouponReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.coupons.Report(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, report)
}
