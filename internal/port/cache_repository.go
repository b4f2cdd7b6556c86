package port

import (
	"context"

	"github.com/rl1809/storefront/internal/core/domain"
)

type CartRepository interface {
	// Get returns the user's cart lines, empty when there is no cart
	Get(ctx context.Context, userID string) ([]domain.CartItem, error)

	// SetLine creates or replaces one line
	SetLine(ctx context.Context, userID string, item domain.CartItem) error

	// RemoveLine returns false when the line did not exist
	RemoveLine(ctx context.Context, userID, productID string) (bool, error)

	Clear(ctx context.Context, userID string) error
}

type IdempotencyStore interface {
	// Claim sets a key for idempotency check, returns false if already exists
	Claim(ctx context.Context, key string) (bool, error)

	// Release frees a claimed key so a failed request can be retried
	Release(ctx context.Context, key string) error
}
