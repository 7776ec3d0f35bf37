// Package local provides single-process implementations of the lock, nonce
// and rate limit interfaces for deployments without Redis.
package local

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/dayauction/internal/domain"
)

// LockManager is an in-process domain.LockManager. Locks expire after their
// ttl like the Redis implementation.
type LockManager struct {
	mu    sync.Mutex
	held  map[string]lockEntry
	now   func() time.Time
	token uint64
}

type lockEntry struct {
	token   uint64
	expires time.Time
}

// NewLockManager returns an empty LockManager.
func NewLockManager() *LockManager {
	return &LockManager{held: make(map[string]lockEntry), now: time.Now}
}

// Acquire takes key for ttl or returns domain.ErrLockHeld.
func (lm *LockManager) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	now := lm.now()
	if e, ok := lm.held[key]; ok && now.Before(e.expires) {
		return nil, fmt.Errorf("local: acquire lock %s: %w", key, domain.ErrLockHeld)
	}
	lm.token++
	tok := lm.token
	lm.held[key] = lockEntry{token: tok, expires: now.Add(ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			lm.mu.Lock()
			defer lm.mu.Unlock()
			if e, ok := lm.held[key]; ok && e.token == tok {
				delete(lm.held, key)
			}
		})
	}, nil
}

// NonceStore is an in-process domain.NonceStore.
type NonceStore struct {
	mu     sync.Mutex
	nonces map[string]time.Time
	now    func() time.Time
}

// NewNonceStore returns an empty NonceStore.
func NewNonceStore() *NonceStore {
	return &NonceStore{nonces: make(map[string]time.Time), now: time.Now}
}

// Use consumes nonce until expiry.
func (s *NonceStore) Use(_ context.Context, nonce string, expiry time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if !expiry.After(now) {
		return fmt.Errorf("local: nonce %s already expired: %w", nonce, domain.ErrUnauthorized)
	}
	for n, exp := range s.nonces {
		if !exp.After(now) {
			delete(s.nonces, n)
		}
	}
	if _, ok := s.nonces[nonce]; ok {
		return domain.ErrNonceReused
	}
	s.nonces[nonce] = expiry
	return nil
}

// RateLimiter is an in-process domain.RateLimiter built from one token bucket
// per key. A bucket refills limit tokens per window and holds at most limit.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimiter returns an empty RateLimiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{limiters: make(map[string]*rate.Limiter)}
}

// Allow reports whether one more request for key fits.
func (rl *RateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 || window <= 0 {
		return false, fmt.Errorf("local: rate limit %s: limit and window must be positive", key)
	}
	rl.mu.Lock()
	l, ok := rl.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit)
		rl.limiters[key] = l
	}
	rl.mu.Unlock()
	return l.Allow(), nil
}

var (
	_ domain.LockManager = (*LockManager)(nil)
	_ domain.NonceStore  = (*NonceStore)(nil)
	_ domain.RateLimiter = (*RateLimiter)(nil)
)
