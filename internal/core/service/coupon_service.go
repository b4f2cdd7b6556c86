package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/rl1809/storefront/internal/core/domain"
	"github.com/rl1809/storefront/internal/port"
)

const couponApplyKeyPrefix = "coupon-apply:"

// Evaluation is the outcome of checking a coupon against a cart snapshot.
// Discount and NewTotal are only meaningful when Valid is true.
type Evaluation struct {
	Valid    bool                `json:"valid"`
	Reason   domain.CouponReason `json:"reason,omitempty"`
	Subtotal decimal.Decimal     `json:"subtotal"`
	Discount decimal.Decimal     `json:"discount"`
	NewTotal decimal.Decimal     `json:"new_total"`
	Coupon   *domain.Coupon      `json:"coupon,omitempty"`
}

func rejected(reason domain.CouponReason) Evaluation {
	return Evaluation{Valid: false, Reason: reason}
}

type ApplyRequest struct {
	Code           string
	Lines          []domain.CartLine
	UserID         string
	IdempotencyKey string
}

type CreateCouponRequest struct {
	Code              string
	Title             string
	Description       string
	Type              domain.CouponType
	Value             decimal.Decimal
	MaxDiscountAmount decimal.NullDecimal
	MinCartValue      decimal.NullDecimal
	UsageLimit        *int
	UsagePerUser      *int
	StartDate         *time.Time
	EndDate           *time.Time
	Bogo              *domain.BogoRule
	CreatedBy         string
}

type CouponService struct {
	tx      port.TxManager
	coupons port.CouponRepository
	idem    port.IdempotencyStore
	logger  zerolog.Logger
	now     func() time.Time
}

func NewCouponService(tx port.TxManager, coupons port.CouponRepository, idem port.IdempotencyStore, logger zerolog.Logger) *CouponService {
	return &CouponService{
		tx:      tx,
		coupons: coupons,
		idem:    idem,
		logger:  logger.With().Str("component", "coupon_service").Logger(),
		now:     time.Now,
	}
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func validateLines(lines []domain.CartLine) error {
	for i, l := range lines {
		if l.ProductID == "" {
			return invalidf("cart line %d: product_id required", i)
		}
		if l.Quantity <= 0 {
			return invalidf("cart line %d: quantity must be positive", i)
		}
		if !validAmount(l.Price) {
			return invalidf("cart line %d: invalid price %s", i, l.Price)
		}
	}
	return nil
}

// Evaluate decides whether code applies to lines for userID without writing anything.
// An empty userID skips the per-user limit.
func (s *CouponService) Evaluate(ctx context.Context, code string, lines []domain.CartLine, userID string) (Evaluation, error) {
	if err := validateLines(lines); err != nil {
		return Evaluation{}, err
	}

	coupon, err := s.coupons.FindActiveByCode(ctx, normalizeCode(code))
	if err != nil {
		return Evaluation{}, fmt.Errorf("find coupon: %w", err)
	}

	return s.decide(ctx, coupon, lines, userID)
}

// Apply re-runs the decision against a locked coupon row and records the usage.
// A coupon that does not apply is reported through the returned Evaluation, not an error.
func (s *CouponService) Apply(ctx context.Context, req ApplyRequest) (Evaluation, error) {
	if req.UserID == "" {
		return Evaluation{}, invalidf("user_id required")
	}
	if err := validateLines(req.Lines); err != nil {
		return Evaluation{}, err
	}

	var key string
	if req.IdempotencyKey != "" {
		key = couponApplyKeyPrefix + req.IdempotencyKey
		ok, err := s.idem.Claim(ctx, key)
		if err != nil {
			return Evaluation{}, fmt.Errorf("idempotency check failed: %w", err)
		}
		if !ok {
			return Evaluation{}, ErrDuplicateRequest
		}
	}

	var result Evaluation
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		ev, err := s.ApplyWithinTx(ctx, req, "")
		result = ev
		return err
	})
	if err != nil || !result.Valid {
		s.release(ctx, key)
	}
	if err != nil {
		return Evaluation{}, err
	}

	if result.Valid {
		s.logger.Info().
			Str("coupon", result.Coupon.Code).
			Str("user_id", req.UserID).
			Str("discount", result.Discount.String()).
			Msg("coupon applied")
	}
	return result, nil
}

// ApplyWithinTx must run inside TxManager.WithinTx. It locks the coupon, checks every
// predicate against the locked row, bumps used_count conditionally and appends the usage.
func (s *CouponService) ApplyWithinTx(ctx context.Context, req ApplyRequest, orderID string) (Evaluation, error) {
	coupon, err := s.coupons.FindByCodeForUpdate(ctx, normalizeCode(req.Code))
	if err != nil {
		return Evaluation{}, fmt.Errorf("lock coupon: %w", err)
	}

	ev, err := s.decide(ctx, coupon, req.Lines, req.UserID)
	if err != nil || !ev.Valid {
		return ev, err
	}

	ok, err := s.coupons.IncrementUsedCount(ctx, coupon.ID)
	if err != nil {
		return Evaluation{}, fmt.Errorf("increment used count: %w", err)
	}
	if !ok {
		return rejected(domain.ReasonUsageLimitReached), nil
	}

	usage := domain.CouponUsage{
		ID:               uuid.NewString(),
		CouponID:         coupon.ID,
		UserID:           req.UserID,
		OrderID:          orderID,
		AmountDiscounted: ev.Discount,
		CartSnapshot:     req.Lines,
		IdempotencyKey:   req.IdempotencyKey,
		AppliedAt:        s.now(),
	}
	if err := s.coupons.AppendUsage(ctx, usage); err != nil {
		if errors.Is(err, port.ErrDuplicateKey) {
			return Evaluation{}, ErrDuplicateRequest
		}
		return Evaluation{}, fmt.Errorf("append usage: %w", err)
	}

	ev.Coupon.UsedCount++
	return ev, nil
}

func (s *CouponService) decide(ctx context.Context, coupon *domain.Coupon, lines []domain.CartLine, userID string) (Evaluation, error) {
	if coupon == nil || !coupon.IsActive || coupon.IsDeleted {
		return rejected(domain.ReasonInvalidCoupon), nil
	}

	now := s.now()
	if coupon.StartDate != nil && now.Before(*coupon.StartDate) {
		return rejected(domain.ReasonNotStarted), nil
	}
	if coupon.EndDate != nil && now.After(*coupon.EndDate) {
		return rejected(domain.ReasonExpired), nil
	}

	if coupon.UsageLimit != nil && coupon.UsedCount >= *coupon.UsageLimit {
		return rejected(domain.ReasonUsageLimitReached), nil
	}

	if userID != "" && coupon.UsagePerUser != nil {
		used, err := s.coupons.CountUsage(ctx, coupon.ID, userID)
		if err != nil {
			return Evaluation{}, fmt.Errorf("count usage: %w", err)
		}
		if used >= *coupon.UsagePerUser {
			return rejected(domain.ReasonUserLimitReached), nil
		}
	}

	subtotal := cartSubtotal(lines)
	if coupon.MinCartValue.Valid && subtotal.LessThan(coupon.MinCartValue.Decimal) {
		return rejected(domain.ReasonMinCartNotMet), nil
	}

	discount := computeDiscount(coupon, lines, subtotal)
	return Evaluation{
		Valid:    true,
		Subtotal: subtotal,
		Discount: discount,
		NewTotal: subtotal.Sub(discount),
		Coupon:   coupon,
	}, nil
}

func computeDiscount(coupon *domain.Coupon, lines []domain.CartLine, subtotal decimal.Decimal) decimal.Decimal {
	discount := decimal.Zero

	switch coupon.Type {
	case domain.CouponTypePercentage:
		discount = subtotal.Mul(coupon.Value).Div(hundred).Round(moneyPlaces)
	case domain.CouponTypeFixed:
		discount = coupon.Value
	case domain.CouponTypeFreeShipping:
		// the shipping fee waiver is applied by the checkout
	case domain.CouponTypeBOGO:
		if coupon.Bogo == nil {
			break
		}
		for _, l := range lines {
			if l.ProductID == coupon.Bogo.GetProductID {
				if l.Quantity >= coupon.Bogo.BuyQuantity {
					discount = lineTotal(l.Price, coupon.Bogo.GetQuantity)
				}
				break
			}
		}
	}

	if coupon.MaxDiscountAmount.Valid && discount.GreaterThan(coupon.MaxDiscountAmount.Decimal) {
		discount = coupon.MaxDiscountAmount.Decimal
	}
	if discount.GreaterThan(subtotal) {
		discount = subtotal
	}
	return discount
}

func (s *CouponService) release(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := s.idem.Release(context.WithoutCancel(ctx), key); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("failed to release idempotency key")
	}
}

func (s *CouponService) CreateCoupon(ctx context.Context, req CreateCouponRequest) (*domain.Coupon, error) {
	code := normalizeCode(req.Code)
	switch {
	case code == "":
		return nil, invalidf("code required")
	case strings.TrimSpace(req.Title) == "":
		return nil, invalidf("title required")
	case !req.Type.Valid():
		return nil, invalidf("unknown coupon type %q", req.Type)
	case !validAmount(req.Value):
		return nil, invalidf("invalid value %s", req.Value)
	case req.Type == domain.CouponTypePercentage && (req.Value.IsZero() || req.Value.GreaterThan(hundred)):
		return nil, invalidf("percentage must be within (0, 100]")
	case req.MaxDiscountAmount.Valid && (!validAmount(req.MaxDiscountAmount.Decimal) || req.MaxDiscountAmount.Decimal.IsZero()):
		return nil, invalidf("invalid max_discount_amount")
	case req.MinCartValue.Valid && !validAmount(req.MinCartValue.Decimal):
		return nil, invalidf("invalid min_cart_value")
	case req.UsageLimit != nil && *req.UsageLimit < 1:
		return nil, invalidf("usage_limit must be at least 1")
	case req.UsagePerUser != nil && *req.UsagePerUser < 1:
		return nil, invalidf("usage_per_user must be at least 1")
	case req.StartDate != nil && req.EndDate != nil && req.EndDate.Before(*req.StartDate):
		return nil, invalidf("end_date before start_date")
	}

	if req.Type == domain.CouponTypeBOGO {
		b := req.Bogo
		if b == nil || b.GetProductID == "" || b.BuyQuantity < 1 || b.GetQuantity < 1 {
			return nil, invalidf("bogo coupons need buy_quantity, get_quantity and get_product_id")
		}
	}

	usagePerUser := req.UsagePerUser
	if usagePerUser == nil {
		one := 1
		usagePerUser = &one
	}

	now := s.now()
	coupon := domain.Coupon{
		ID:                uuid.NewString(),
		Code:              code,
		Title:             strings.TrimSpace(req.Title),
		Description:       req.Description,
		Type:              req.Type,
		Value:             req.Value,
		MaxDiscountAmount: req.MaxDiscountAmount,
		MinCartValue:      req.MinCartValue,
		UsageLimit:        req.UsageLimit,
		UsagePerUser:      usagePerUser,
		StartDate:         req.StartDate,
		EndDate:           req.EndDate,
		IsActive:          true,
		Bogo:              req.Bogo,
		CreatedBy:         req.CreatedBy,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := s.coupons.Create(ctx, coupon); err != nil {
		if errors.Is(err, port.ErrDuplicateKey) {
			return nil, fmt.Errorf("%w: coupon %s", ErrAlreadyExists, code)
		}
		return nil, fmt.Errorf("create coupon: %w", err)
	}
	return &coupon, nil
}

func (s *CouponService) ListCoupons(ctx context.Context) ([]domain.Coupon, error) {
	coupons, err := s.coupons.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list coupons: %w", err)
	}
	return coupons, nil
}

func (s *CouponService) SearchCoupons(ctx context.Context, search domain.CouponSearch) ([]domain.Coupon, error) {
	search.Code = normalizeCode(search.Code)
	coupons, err := s.coupons.Search(ctx, search)
	if err != nil {
		return nil, fmt.Errorf("search coupons: %w", err)
	}
	return coupons, nil
}

func (s *CouponService) DeleteCoupon(ctx context.Context, id string) error {
	ok, err := s.coupons.SetDeleted(ctx, id)
	if err != nil {
		return fmt.Errorf("delete coupon: %w", err)
	}
	if !ok {
		return ErrCouponNotFound
	}
	return nil
}

func (s *CouponService) ToggleCoupon(ctx context.Context, id string) (*domain.Coupon, error) {
	coupon, err := s.coupons.Toggle(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("toggle coupon: %w", err)
	}
	if coupon == nil {
		return nil, ErrCouponNotFound
	}
	return coupon, nil
}

func (s *CouponService) Report(ctx context.Context) ([]domain.CouponReport, error) {
	report, err := s.coupons.Report(ctx)
	if err != nil {
		return nil, fmt.Errorf("coupon report: %w", err)
	}
	return report, nil
}
