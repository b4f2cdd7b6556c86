package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/storefront/internal/core/domain"
)

const (
	cartKeyPrefix     = "cart:"
	cartTTL           = 30 * 24 * time.Hour
	idempotencyKeyTTL = 24 * time.Hour
)

// RedisAdapter keeps carts and idempotency claims. Each cart is a hash keyed by
// product ID holding the JSON encoded line.
type RedisAdapter struct {
	client *redis.Client
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func cartKey(userID string) string {
	return cartKeyPrefix + userID
}

func (r *RedisAdapter) Get(ctx context.Context, userID string) ([]domain.CartItem, error) {
	fields, err := r.client.HGetAll(ctx, cartKey(userID)).Result()
	if err != nil {
		return nil, err
	}

	items := make([]domain.CartItem, 0, len(fields))
	for productID, raw := range fields {
		var item domain.CartItem
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			return nil, fmt.Errorf("decode cart line %s: %w", productID, err)
		}
		items = append(items, item)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].ProductID < items[j].ProductID })
	return items, nil
}

func (r *RedisAdapter) SetLine(ctx context.Context, userID string, item domain.CartItem) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode cart line: %w", err)
	}

	key := cartKey(userID)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, item.ProductID, raw)
		pipe.Expire(ctx, key, cartTTL)
		return nil
	})
	return err
}

func (r *RedisAdapter) RemoveLine(ctx context.Context, userID, productID string) (bool, error) {
	n, err := r.client.HDel(ctx, cartKey(userID), productID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisAdapter) Clear(ctx context.Context, userID string) error {
	return r.client.Del(ctx, cartKey(userID)).Err()
}

func (r *RedisAdapter) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, 1, idempotencyKeyTTL).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) Release(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}
