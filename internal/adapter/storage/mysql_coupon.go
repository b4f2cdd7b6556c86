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

const couponColumns = `id, code, title, description, type, value, max_discount_amount, min_cart_value,
	usage_limit, usage_per_user, used_count, start_date, end_date, is_active, is_deleted, bogo,
	created_by, created_at, updated_at`

// CouponStore implements port.CouponRepository on the coupons and coupon_usages tables.
type CouponStore struct {
	*MySQLAdapter
}

func scanCoupon(row rowScanner) (*domain.Coupon, error) {
	var (
		c            domain.Coupon
		usageLimit   sql.NullInt64
		usagePerUser sql.NullInt64
		startDate    sql.NullTime
		endDate      sql.NullTime
		bogo         []byte
	)
	err := row.Scan(
		&c.ID, &c.Code, &c.Title, &c.Description, &c.Type, &c.Value, &c.MaxDiscountAmount, &c.MinCartValue,
		&usageLimit, &usagePerUser, &c.UsedCount, &startDate, &endDate, &c.IsActive, &c.IsDeleted, &bogo,
		&c.CreatedBy, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.UsageLimit = intPtr(usageLimit)
	c.UsagePerUser = intPtr(usagePerUser)
	if startDate.Valid {
		c.StartDate = &startDate.Time
	}
	if endDate.Valid {
		c.EndDate = &endDate.Time
	}
	if len(bogo) > 0 {
		c.Bogo = &domain.BogoRule{}
		if err := json.Unmarshal(bogo, c.Bogo); err != nil {
			return nil, fmt.Errorf("decode bogo rule of coupon %s: %w", c.Code, err)
		}
	}
	return &c, nil
}

func (s *CouponStore) findOne(ctx context.Context, query string, args ...any) (*domain.Coupon, error) {
	c, err := scanCoupon(s.conn(ctx).QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query coupon: %w", err)
	}
	return c, nil
}

func (s *CouponStore) FindActiveByCode(ctx context.Context, code string) (*domain.Coupon, error) {
	return s.findOne(ctx, `
		SELECT `+couponColumns+` FROM coupons
		WHERE code = ? AND is_active = TRUE AND is_deleted = FALSE`, code)
}

func (s *CouponStore) FindByCodeForUpdate(ctx context.Context, code string) (*domain.Coupon, error) {
	return s.findOne(ctx, `
		SELECT `+couponColumns+` FROM coupons
		WHERE code = ? AND is_active = TRUE AND is_deleted = FALSE
		FOR UPDATE`, code)
}

func (s *CouponStore) IncrementUsedCount(ctx context.Context, couponID string) (bool, error) {
	result, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE coupons SET used_count = used_count + 1, updated_at = ?
		WHERE id = ? AND (usage_limit IS NULL OR used_count < usage_limit)`,
		time.Now(), couponID,
	)
	if err != nil {
		return false, fmt.Errorf("increment used_count: %w", err)
	}
	return affected(result)
}

func (s *CouponStore) CountUsage(ctx context.Context, couponID, userID string) (int, error) {
	var n int
	err := s.conn(ctx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM coupon_usages WHERE coupon_id = ? AND user_id = ?`, couponID, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count usage: %w", err)
	}
	return n, nil
}

func (s *CouponStore) AppendUsage(ctx context.Context, u domain.CouponUsage) error {
	snapshot, err := json.Marshal(u.CartSnapshot)
	if err != nil {
		return fmt.Errorf("encode cart snapshot: %w", err)
	}

	_, err = s.conn(ctx).ExecContext(ctx, `
		INSERT INTO coupon_usages (id, coupon_id, user_id, order_id, amount_discounted, cart_snapshot, idempotency_key, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.CouponID, u.UserID, nullString(u.OrderID), u.AmountDiscounted, snapshot, nullString(u.IdempotencyKey), u.AppliedAt,
	)
	if err != nil {
		return fmt.Errorf("insert usage: %w", translateErr(err))
	}
	return nil
}

func (s *CouponStore) Create(ctx context.Context, c domain.Coupon) error {
	var bogo []byte
	if c.Bogo != nil {
		var err error
		if bogo, err = json.Marshal(c.Bogo); err != nil {
			return fmt.Errorf("encode bogo rule: %w", err)
		}
	}

	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO coupons (`+couponColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Code, c.Title, c.Description, c.Type, c.Value, c.MaxDiscountAmount, c.MinCartValue,
		nullInt(c.UsageLimit), nullInt(c.UsagePerUser), c.UsedCount, c.StartDate, c.EndDate, c.IsActive, c.IsDeleted, bogo,
		c.CreatedBy, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert coupon: %w", translateErr(err))
	}
	return nil
}

func (s *CouponStore) List(ctx context.Context) ([]domain.Coupon, error) {
	return s.query(ctx, `SELECT `+couponColumns+` FROM coupons WHERE is_deleted = FALSE ORDER BY created_at DESC`)
}

func (s *CouponStore) Search(ctx context.Context, search domain.CouponSearch) ([]domain.Coupon, error) {
	where := []string{"is_deleted = FALSE"}
	var args []any
	if search.Code != "" {
		where = append(where, "code LIKE ?")
		args = append(args, "%"+escapeLike(search.Code)+"%")
	}
	if search.Active != nil {
		where = append(where, "is_active = ?")
		args = append(args, *search.Active)
	}
	return s.query(ctx, `SELECT `+couponColumns+` FROM coupons WHERE `+strings.Join(where, " AND ")+` ORDER BY created_at DESC`, args...)
}

func (s *CouponStore) SetDeleted(ctx context.Context, id string) (bool, error) {
	result, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE coupons SET is_deleted = TRUE, is_active = FALSE, updated_at = ?
		WHERE id = ? AND is_deleted = FALSE`,
		time.Now(), id,
	)
	if err != nil {
		return false, fmt.Errorf("delete coupon: %w", err)
	}
	return affected(result)
}

func (s *CouponStore) Toggle(ctx context.Context, id string) (*domain.Coupon, error) {
	var coupon *domain.Coupon
	err := s.WithinTx(ctx, func(ctx context.Context) error {
		result, err := s.conn(ctx).ExecContext(ctx, `
			UPDATE coupons SET is_active = NOT is_active, updated_at = ?
			WHERE id = ? AND is_deleted = FALSE`,
			time.Now(), id,
		)
		if err != nil {
			return fmt.Errorf("toggle coupon: %w", err)
		}
		if ok, err := affected(result); err != nil || !ok {
			return err
		}
		coupon, err = s.findOne(ctx, `SELECT `+couponColumns+` FROM coupons WHERE id = ?`, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return coupon, nil
}

func (s *CouponStore) Report(ctx context.Context) ([]domain.CouponReport, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT u.coupon_id, c.code, COUNT(*), COALESCE(SUM(u.amount_discounted), 0)
		FROM coupon_usages u
		JOIN coupons c ON c.id = u.coupon_id
		GROUP BY u.coupon_id, c.code
		ORDER BY COUNT(*) DESC`)
	if err != nil {
		return nil, fmt.Errorf("query coupon report: %w", err)
	}
	defer rows.Close()

	report := make([]domain.CouponReport, 0)
	for rows.Next() {
		var r domain.CouponReport
		if err := rows.Scan(&r.CouponID, &r.Code, &r.TotalUsed, &r.TotalDiscount); err != nil {
			return nil, fmt.Errorf("scan coupon report: %w", err)
		}
		report = append(report, r)
	}
	return report, rows.Err()
}

func (s *CouponStore) query(ctx context.Context, query string, args ...any) ([]domain.Coupon, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query coupons: %w", err)
	}
	defer rows.Close()

	coupons := make([]domain.Coupon, 0)
	for rows.Next() {
		c, err := scanCoupon(rows)
		if err != nil {
			return nil, fmt.Errorf("scan coupon: %w", err)
		}
		coupons = append(coupons, *c)
	}
	return coupons, rows.Err()
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
