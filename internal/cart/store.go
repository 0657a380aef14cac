// Package cart is the redis-backed cart the checkout flows clear once an
// order is durably created. Clearing is best-effort by contract: a redis
// hiccup leaves a stale cart, never a lost order.
package cart

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type Store struct {
	rdb *redis.Client
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func key(userID string) string {
	return fmt.Sprintf("cart:%s", userID)
}

func (s *Store) Clear(ctx context.Context, userID string) error {
	return s.rdb.Del(ctx, key(userID)).Err()
}
