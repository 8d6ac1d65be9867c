package redis

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) *RedisRepo {
	t.Helper()

	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR is not set")
	}

	repo, err := New(context.Background(), addr, os.Getenv("TEST_REDIS_PASSWORD"), 0)
	require.NoError(t, err)
	t.Cleanup(repo.Close)

	return repo
}

func TestLimiterKeyFoldsCase(t *testing.T) {
	assert.Equal(t, limiterKey("User@Example.com "), limiterKey("user@example.com"))
}

func TestLimiterAllow(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	l := NewLimiter(repo, 2, time.Minute)
	email := uuid.NewString() + "@example.com"

	for i, want := range []bool{true, true, false, false} {
		ok, err := l.Allow(ctx, email)
		require.NoError(t, err)
		assert.Equal(t, want, ok, "request %d", i)
	}
}

func TestLimiterWindowExpires(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	l := NewLimiter(repo, 1, time.Second)
	email := uuid.NewString() + "@example.com"

	ok, err := l.Allow(ctx, email)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Allow(ctx, email)
	require.NoError(t, err)
	require.False(t, ok)

	time.Sleep(1500 * time.Millisecond)

	ok, err = l.Allow(ctx, email)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLimiterConcurrent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	l := NewLimiter(repo, 3, time.Minute)
	email := uuid.NewString() + "@example.com"

	var allowed atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.Allow(ctx, email)
			assert.NoError(t, err)
			if ok {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), allowed.Load())
}
