package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rl1809/storefront/internal/core/domain"
	"github.com/rl1809/storefront/internal/port"
)

type CreateProductRequest struct {
	Name          string
	SKU           string
	Price         decimal.Decimal
	DiscountPrice decimal.NullDecimal
	StockQuantity int
}

type CatalogService struct {
	products port.ProductRepository
	now      func() time.Time
}

func NewCatalogService(products port.ProductRepository) *CatalogService {
	return &CatalogService{products: products, now: time.Now}
}

func (s *CatalogService) CreateProduct(ctx context.Context, req CreateProductRequest) (*domain.Product, error) {
	switch {
	case strings.TrimSpace(req.Name) == "":
		return nil, invalidf("name required")
	case strings.TrimSpace(req.SKU) == "":
		return nil, invalidf("sku required")
	case !validAmount(req.Price):
		return nil, invalidf("invalid price %s", req.Price)
	case req.DiscountPrice.Valid && !validAmount(req.DiscountPrice.Decimal):
		return nil, invalidf("invalid discount_price %s", req.DiscountPrice.Decimal)
	case req.StockQuantity < 0:
		return nil, invalidf("stock_quantity must not be negative")
	}

	now := s.now()
	product := domain.Product{
		ID:            uuid.NewString(),
		Name:          strings.TrimSpace(req.Name),
		SKU:           strings.TrimSpace(req.SKU),
		Price:         req.Price,
		DiscountPrice: req.DiscountPrice,
		StockQuantity: req.StockQuantity,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.products.Create(ctx, product); err != nil {
		if errors.Is(err, port.ErrDuplicateKey) {
			return nil, fmt.Errorf("%w: sku %s", ErrAlreadyExists, product.SKU)
		}
		return nil, fmt.Errorf("create product: %w", err)
	}
	return &product, nil
}

func (s *CatalogService) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	p, err := s.products.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("find product: %w", err)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrProductNotFound, id)
	}
	return p, nil
}
