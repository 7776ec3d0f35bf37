package domain

import (
	"context"
	"io"
	"time"
)

// ListOpts provides pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
}

// RunStore persists coordinator run reports.
type RunStore interface {
	Save(ctx context.Context, report RunReport) error
	ListByDay(ctx context.Context, dayIndex int64, opts ListOpts) ([]RunReport, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// NonceStore records single-use request nonces until they expire.
type NonceStore interface {
	// Use marks nonce as consumed until expiry. It returns ErrNonceReused if
	// the nonce has already been consumed.
	Use(ctx context.Context, nonce string, expiry time.Time) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}
