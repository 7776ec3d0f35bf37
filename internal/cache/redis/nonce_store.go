package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/dayauction/internal/domain"
)

// NonceStore implements domain.NonceStore. A nonce key lives until the
// request's expiry, after which the signature is rejected anyway.
type NonceStore struct {
	c   *Client
	now func() time.Time
}

// NewNonceStore creates a NonceStore backed by c.
func NewNonceStore(c *Client) *NonceStore {
	return &NonceStore{c: c, now: time.Now}
}

// Use consumes nonce until expiry.
func (s *NonceStore) Use(ctx context.Context, nonce string, expiry time.Time) error {
	ttl := expiry.Sub(s.now())
	if ttl <= 0 {
		return fmt.Errorf("redis: nonce %s already expired: %w", nonce, domain.ErrUnauthorized)
	}
	ok, err := s.c.rdb.SetNX(ctx, s.c.key("nonce", nonce), 1, ttl).Result()
	if err != nil {
		return fmt.Errorf("redis: use nonce: %w", err)
	}
	if !ok {
		return domain.ErrNonceReused
	}
	return nil
}

var _ domain.NonceStore = (*NonceStore)(nil)
