package service

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/rl1809/storefront/internal/core/domain"
	"github.com/rl1809/storefront/internal/port"
)

type CartService struct {
	carts    port.CartRepository
	products port.ProductRepository
}

func NewCartService(carts port.CartRepository, products port.ProductRepository) *CartService {
	return &CartService{carts: carts, products: products}
}

// AddItem adds quantity of a product, refreshing the stored price to the current one.
func (s *CartService) AddItem(ctx context.Context, userID, productID string, quantity int) (*domain.Cart, error) {
	if userID == "" || productID == "" {
		return nil, invalidf("user_id and product_id required")
	}
	if quantity <= 0 {
		return nil, invalidf("quantity must be positive")
	}

	p, err := s.products.FindByID(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("find product: %w", err)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
	}

	items, err := s.carts.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get cart: %w", err)
	}
	for _, it := range items {
		if it.ProductID == productID {
			quantity += it.Quantity
			break
		}
	}

	item := domain.CartItem{ProductID: productID, Quantity: quantity, PriceAtTime: p.EffectivePrice()}
	if err := s.carts.SetLine(ctx, userID, item); err != nil {
		return nil, fmt.Errorf("set cart line: %w", err)
	}
	return s.GetCart(ctx, userID)
}

func (s *CartService) UpdateItem(ctx context.Context, userID, productID string, quantity int) (*domain.Cart, error) {
	if quantity < 1 {
		return nil, invalidf("quantity must be >= 1")
	}

	items, err := s.carts.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get cart: %w", err)
	}
	for _, it := range items {
		if it.ProductID != productID {
			continue
		}
		it.Quantity = quantity
		if err := s.carts.SetLine(ctx, userID, it); err != nil {
			return nil, fmt.Errorf("set cart line: %w", err)
		}
		return s.GetCart(ctx, userID)
	}
	return nil, ErrCartItemNotFound
}

func (s *CartService) RemoveItem(ctx context.Context, userID, productID string) (*domain.Cart, error) {
	ok, err := s.carts.RemoveLine(ctx, userID, productID)
	if err != nil {
		return nil, fmt.Errorf("remove cart line: %w", err)
	}
	if !ok {
		return nil, ErrCartItemNotFound
	}
	return s.GetCart(ctx, userID)
}

func (s *CartService) GetCart(ctx context.Context, userID string) (*domain.Cart, error) {
	if userID == "" {
		return nil, invalidf("user_id required")
	}
	items, err := s.carts.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get cart: %w", err)
	}

	summary := domain.CartSummary{Subtotal: decimal.Zero}
	for _, it := range items {
		summary.TotalItems += it.Quantity
		summary.Subtotal = summary.Subtotal.Add(it.ItemTotal())
	}
	return &domain.Cart{UserID: userID, Items: items, Summary: summary}, nil
}

func (s *CartService) Clear(ctx context.Context, userID string) error {
	if err := s.carts.Clear(ctx, userID); err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	return nil
}
