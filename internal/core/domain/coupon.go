package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type CouponType string

const (
	CouponTypePercentage   CouponType = "percentage"
	CouponTypeFixed        CouponType = "fixed"
	CouponTypeFreeShipping CouponType = "free_shipping"
	CouponTypeBOGO         CouponType = "bogo"
)

func (t CouponType) Valid() bool {
	switch t {
	case CouponTypePercentage, CouponTypeFixed, CouponTypeFreeShipping, CouponTypeBOGO:
		return true
	}
	return false
}

// CouponReason explains why a coupon does not apply.
type CouponReason string

const (
	ReasonInvalidCoupon     CouponReason = "INVALID_COUPON"
	ReasonNotStarted        CouponReason = "NOT_STARTED"
	ReasonExpired           CouponReason = "EXPIRED"
	ReasonUsageLimitReached CouponReason = "USAGE_LIMIT_REACHED"
	ReasonUserLimitReached  CouponReason = "USER_LIMIT_REACHED"
	ReasonMinCartNotMet     CouponReason = "MIN_CART_NOT_MET"
)

type BogoRule struct {
	BuyQuantity  int    `json:"buy_quantity"`
	GetQuantity  int    `json:"get_quantity"`
	GetProductID string `json:"get_product_id"`
}

type Coupon struct {
	ID                string              `json:"id"`
	Code              string              `json:"code"`
	Title             string              `json:"title"`
	Description       string              `json:"description,omitempty"`
	Type              CouponType          `json:"type"`
	Value             decimal.Decimal     `json:"value"`
	MaxDiscountAmount decimal.NullDecimal `json:"max_discount_amount"`
	MinCartValue      decimal.NullDecimal `json:"min_cart_value"`
	UsageLimit        *int                `json:"usage_limit,omitempty"`
	UsagePerUser      *int                `json:"usage_per_user,omitempty"`
	UsedCount         int                 `json:"used_count"`
	StartDate         *time.Time          `json:"start_date,omitempty"`
	EndDate           *time.Time          `json:"end_date,omitempty"`
	IsActive          bool                `json:"is_active"`
	IsDeleted         bool                `json:"is_deleted"`
	Bogo              *BogoRule           `json:"bogo,omitempty"`
	CreatedBy         string              `json:"created_by,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// CartLine is one line of a cart snapshot handed to coupon evaluation.
type CartLine struct {
	ProductID string          `json:"product_id"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
}

// CouponUsage is an append-only ledger row. It is never updated.
type CouponUsage struct {
	ID               string          `json:"id"`
	CouponID         string          `json:"coupon_id"`
	UserID           string          `json:"user_id"`
	OrderID          string          `json:"order_id,omitempty"`
	AmountDiscounted decimal.Decimal `json:"amount_discounted"`
	CartSnapshot     []CartLine      `json:"cart_snapshot"`
	IdempotencyKey   string          `json:"-"`
	AppliedAt        time.Time       `json:"applied_at"`
}

// CouponReport aggregates the usage ledger per coupon.
type CouponReport struct {
	CouponID      string          `json:"coupon_id"`
	Code          string          `json:"code"`
	TotalUsed     int             `json:"total_used"`
	TotalDiscount decimal.Decimal `json:"total_discount"`
}

// CouponSearch filters the admin coupon search. Active nil means either state.
type CouponSearch struct {
	Code   string
	Active *bool
}
