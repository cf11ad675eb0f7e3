package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ CounterStore = (*RedisStore)(nil)
var _ CounterStore = (*MemoryStore)(nil)

// Exercises the shared-store implementation against a real Redis when one is
// available; the fixed-window semantics themselves are covered by the memory
// store tests.
func TestRedisStoreFixedWindow(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}

	store, err := NewRedisStore(addr, "", 0)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	key := "test:" + uuid.NewString()

	count, resetAt, err := store.Incr(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.True(t, resetAt.After(time.Now()))

	count, _, err = store.Incr(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, _, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, _, err = store.Get(ctx, "test:"+uuid.NewString())
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
