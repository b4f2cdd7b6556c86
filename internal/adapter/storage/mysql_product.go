package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rl1809/storefront/internal/core/domain"
)

// ProductStore implements port.ProductRepository.
type ProductStore struct {
	*MySQLAdapter
}

func (s *ProductStore) FindByID(ctx context.Context, id string) (*domain.Product, error) {
	var p domain.Product
	err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT id, name, sku, price, discount_price, stock_quantity, version, created_at, updated_at
		FROM products WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.SKU, &p.Price, &p.DiscountPrice, &p.StockQuantity, &p.Version, &p.CreatedAt, &p.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query product: %w", err)
	}
	return &p, nil
}

// DecrementStock only succeeds while enough stock is left, so two checkouts racing
// on the last units cannot both win.
func (s *ProductStore) DecrementStock(ctx context.Context, id string, quantity int) (bool, error) {
	result, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE products
		SET stock_quantity = stock_quantity - ?, version = version + 1, updated_at = ?
		WHERE id = ? AND stock_quantity >= ?`,
		quantity, time.Now(), id, quantity,
	)
	if err != nil {
		return false, fmt.Errorf("decrement stock: %w", err)
	}
	return affected(result)
}

func (s *ProductStore) IncrementStock(ctx context.Context, id string, quantity int) error {
	result, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE products
		SET stock_quantity = stock_quantity + ?, version = version + 1, updated_at = ?
		WHERE id = ?`,
		quantity, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("increment stock: %w", err)
	}
	ok, err := affected(result)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("increment stock: product %s not found", id)
	}
	return nil
}

func (s *ProductStore) Create(ctx context.Context, p domain.Product) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO products (id, name, sku, price, discount_price, stock_quantity, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		p.ID, p.Name, p.SKU, p.Price, p.DiscountPrice, p.StockQuantity, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert product: %w", translateErr(err))
	}
	return nil
}
