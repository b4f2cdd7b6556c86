package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rl1809/storefront/internal/core/domain"
)

const orderColumns = `id, user_id, items, shipping_address, payment_method, payment_status, order_status,
	subtotal, shipping_fee, discount, total_amount, notes, coupon_code, placed_at, delivered_at, created_at, updated_at`

// OrderStore implements port.OrderRepository. Items and the shipping address are
// snapshots owned by the order, so they live in JSON columns on the order row.
type OrderStore struct {
	*MySQLAdapter
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var (
		o           domain.Order
		items       []byte
		address     []byte
		deliveredAt sql.NullTime
	)
	err := row.Scan(
		&o.ID, &o.UserID, &items, &address, &o.PaymentMethod, &o.PaymentStatus, &o.Status,
		&o.Subtotal, &o.ShippingFee, &o.Discount, &o.TotalAmount, &o.Meta.Notes, &o.Meta.CouponCode,
		&o.PlacedAt, &deliveredAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("decode items of order %s: %w", o.ID, err)
	}
	if err := json.Unmarshal(address, &o.ShippingAddress); err != nil {
		return nil, fmt.Errorf("decode address of order %s: %w", o.ID, err)
	}
	if deliveredAt.Valid {
		o.DeliveredAt = &deliveredAt.Time
	}
	return &o, nil
}

func (s *OrderStore) Create(ctx context.Context, o domain.Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("encode items: %w", err)
	}
	address, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return fmt.Errorf("encode address: %w", err)
	}

	_, err = s.conn(ctx).ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.UserID, items, address, o.PaymentMethod, o.PaymentStatus, o.Status,
		o.Subtotal, o.ShippingFee, o.Discount, o.TotalAmount, o.Meta.Notes, o.Meta.CouponCode,
		o.PlacedAt, o.DeliveredAt, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", translateErr(err))
	}
	return nil
}

func (s *OrderStore) FindByID(ctx context.Context, id string) (*domain.Order, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	return o, nil
}

func (s *OrderStore) UpdateStatus(ctx context.Context, id string, from []domain.OrderStatus, next domain.OrderStatus, at time.Time) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}

	args := []any{next, at, next, domain.OrderStatusDelivered, at, id}
	for _, st := range from {
		args = append(args, st)
	}

	result, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE orders
		SET order_status = ?, updated_at = ?, delivered_at = IF(? = ?, ?, delivered_at)
		WHERE id = ? AND order_status IN (`+placeholders(len(from))+`)`,
		args...,
	)
	if err != nil {
		return false, fmt.Errorf("update order status: %w", err)
	}
	return affected(result)
}

func (s *OrderStore) UpdatePaymentStatus(ctx context.Context, id string, from, next domain.PaymentStatus, at time.Time) (bool, error) {
	result, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE orders SET payment_status = ?, updated_at = ?
		WHERE id = ? AND payment_status = ?`,
		next, at, id, from,
	)
	if err != nil {
		return false, fmt.Errorf("update payment status: %w", err)
	}
	return affected(result)
}

func (s *OrderStore) List(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, int, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "order_status = ?")
		args = append(args, filter.Status)
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.From != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.From)
	}
	if filter.To != nil {
		where = append(where, "created_at <= ?")
		args = append(args, *filter.To)
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.conn(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM orders`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count orders: %w", err)
	}

	args = append(args, filter.Limit, filter.Offset())
	orders, err := s.query(ctx, `SELECT `+orderColumns+` FROM orders`+clause+` ORDER BY created_at DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

func (s *OrderStore) ListByUser(ctx context.Context, userID string) ([]domain.Order, error) {
	return s.query(ctx, `SELECT `+orderColumns+` FROM orders WHERE user_id = ? ORDER BY created_at DESC`, userID)
}

func (s *OrderStore) query(ctx context.Context, query string, args ...any) ([]domain.Order, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}
