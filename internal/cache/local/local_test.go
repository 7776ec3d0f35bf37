package local_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dayauction/internal/cache/local"
	"github.com/alanyoungcy/dayauction/internal/domain"
)

func TestLockManager_Acquire_Exclusive(t *testing.T) {
	lm := local.NewLockManager()
	ctx := context.Background()

	release, err := lm.Acquire(ctx, "settle", time.Minute)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "settle", time.Minute)
	require.ErrorIs(t, err, domain.ErrLockHeld)

	other, err := lm.Acquire(ctx, "other", time.Minute)
	require.NoError(t, err)
	other()

	release()
	release()

	again, err := lm.Acquire(ctx, "settle", time.Minute)
	require.NoError(t, err)
	again()
}

func TestLockManager_Acquire_Expired(t *testing.T) {
	lm := local.NewLockManager()
	ctx := context.Background()

	stale, err := lm.Acquire(ctx, "settle", time.Nanosecond)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	fresh, err := lm.Acquire(ctx, "settle", time.Minute)
	require.NoError(t, err)

	// Releasing the expired holder must not drop the new holder's lock.
	stale()
	_, err = lm.Acquire(ctx, "settle", time.Minute)
	require.ErrorIs(t, err, domain.ErrLockHeld)
	fresh()
}

func TestNonceStore_Use(t *testing.T) {
	ns := local.NewNonceStore()
	ctx := context.Background()
	exp := time.Now().Add(time.Minute)

	require.NoError(t, ns.Use(ctx, "a", exp))
	require.ErrorIs(t, ns.Use(ctx, "a", exp), domain.ErrNonceReused)
	require.NoError(t, ns.Use(ctx, "b", exp))
	require.ErrorIs(t, ns.Use(ctx, "c", time.Now().Add(-time.Second)), domain.ErrUnauthorized)
}

func TestRateLimiter_Allow(t *testing.T) {
	rl := local.NewRateLimiter()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ok, err := rl.Allow(ctx, "k", 5, time.Hour)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, err := rl.Allow(ctx, "k", 5, time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rl.Allow(ctx, "other", 5, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = rl.Allow(ctx, "bad", 0, time.Hour)
	require.Error(t, err)
}
