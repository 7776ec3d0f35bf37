package redis_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dayauction/internal/cache/redis"
	"github.com/alanyoungcy/dayauction/internal/domain"
)

// testClient connects to DAYAUCTION_TEST_REDIS_ADDR or skips. Each test gets
// its own key prefix.
func testClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("DAYAUCTION_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("DAYAUCTION_TEST_REDIS_ADDR not set")
	}
	c, err := redis.New(context.Background(), redis.ClientConfig{
		Addr:      addr,
		KeyPrefix: "test:" + uuid.NewString() + ":",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestLockManager_Exclusive(t *testing.T) {
	lm := redis.NewLockManager(testClient(t))
	ctx := context.Background()

	release, err := lm.Acquire(ctx, "coordinator", time.Minute)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "coordinator", time.Minute)
	require.ErrorIs(t, err, domain.ErrLockHeld)

	release()
	release()

	again, err := lm.Acquire(ctx, "coordinator", time.Minute)
	require.NoError(t, err)
	again()
}

func TestNonceStore_SingleUse(t *testing.T) {
	ns := redis.NewNonceStore(testClient(t))
	ctx := context.Background()
	exp := time.Now().Add(time.Minute)

	require.NoError(t, ns.Use(ctx, "n-1", exp))
	require.ErrorIs(t, ns.Use(ctx, "n-1", exp), domain.ErrNonceReused)
	require.NoError(t, ns.Use(ctx, "n-2", exp))
	require.ErrorIs(t, ns.Use(ctx, "n-3", time.Now().Add(-time.Second)), domain.ErrUnauthorized)
}

func TestRateLimiter_Window(t *testing.T) {
	rl := redis.NewRateLimiter(testClient(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "1.2.3.4", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := rl.Allow(ctx, "1.2.3.4", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rl.Allow(ctx, "5.6.7.8", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
