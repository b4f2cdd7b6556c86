package port

import (
	"context"
	"errors"
	"time"

	"github.com/rl1809/storefront/internal/core/domain"
)

// ErrDuplicateKey is returned by repositories when a unique constraint rejects a write.
var ErrDuplicateKey = errors.New("duplicate key")

// TxManager runs fn inside one store transaction. Repository calls made with the
// context passed to fn join that transaction; any error returned by fn rolls it back.
type TxManager interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type ProductRepository interface {
	// FindByID returns nil, nil when the product does not exist
	FindByID(ctx context.Context, id string) (*domain.Product, error)

	// DecrementStock atomically decreases stock only if enough is left, returns false otherwise
	DecrementStock(ctx context.Context, id string, quantity int) (bool, error)

	// IncrementStock restores stock (cancellation, compensation)
	IncrementStock(ctx context.Context, id string, quantity int) error

	Create(ctx context.Context, product domain.Product) error
}

type OrderRepository interface {
	Create(ctx context.Context, order domain.Order) error

	// FindByID returns nil, nil when the order does not exist
	FindByID(ctx context.Context, id string) (*domain.Order, error)

	// UpdateStatus moves the order to next only while its status is one of from, returns false otherwise.
	// Moving to delivered also stamps delivered_at with at.
	UpdateStatus(ctx context.Context, id string, from []domain.OrderStatus, next domain.OrderStatus, at time.Time) (bool, error)

	// UpdatePaymentStatus moves payment status from -> next, returns false if the order was not in from
	UpdatePaymentStatus(ctx context.Context, id string, from, next domain.PaymentStatus, at time.Time) (bool, error)

	List(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, int, error)

	ListByUser(ctx context.Context, userID string) ([]domain.Order, error)
}

type CouponRepository interface {
	// FindActiveByCode returns an active, non-deleted coupon or nil, nil
	FindActiveByCode(ctx context.Context, code string) (*domain.Coupon, error)

	// FindByCodeForUpdate is FindActiveByCode with a row lock held until the transaction ends
	FindByCodeForUpdate(ctx context.Context, code string) (*domain.Coupon, error)

	// IncrementUsedCount bumps used_count unless the usage limit is reached, returns false in that case
	IncrementUsedCount(ctx context.Context, couponID string) (bool, error)

	CountUsage(ctx context.Context, couponID, userID string) (int, error)

	AppendUsage(ctx context.Context, usage domain.CouponUsage) error

	Create(ctx context.Context, coupon domain.Coupon) error

	List(ctx context.Context) ([]domain.Coupon, error)

	Search(ctx context.Context, search domain.CouponSearch) ([]domain.Coupon, error)

	// SetDeleted soft-deletes a coupon, returns false when it does not exist
	SetDeleted(ctx context.Context, id string) (bool, error)

	// Toggle flips is_active and returns the updated coupon, nil when it does not exist
	Toggle(ctx context.Context, id string) (*domain.Coupon, error)

	Report(ctx context.Context) ([]domain.CouponReport, error)
}
