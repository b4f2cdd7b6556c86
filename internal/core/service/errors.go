package service

import (
	"errors"
	"fmt"

	"github.com/rl1809/storefront/internal/core/domain"
)

var (
	ErrInvalidRequest    = errors.New("invalid request")
	ErrDuplicateRequest  = errors.New("duplicate request")
	ErrAlreadyExists     = errors.New("already exists")
	ErrProductNotFound   = errors.New("product not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrOrderNotFound     = errors.New("order not found")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrCouponNotFound    = errors.New("coupon not found")
	ErrCouponRejected    = errors.New("coupon rejected")
	ErrCartItemNotFound  = errors.New("cart item not found")
)

// CouponRejectedError is returned when a checkout names a coupon that does not apply.
type CouponRejectedError struct {
	Reason domain.CouponReason
}

func (e *CouponRejectedError) Error() string {
	return fmt.Sprintf("coupon rejected: %s", e.Reason)
}

func (e *CouponRejectedError) Unwrap() error {
	return ErrCouponRejected
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
