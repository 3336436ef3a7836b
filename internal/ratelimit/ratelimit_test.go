package ratelimit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classpulse/classpulse/internal/ratelimit"
)

func TestLimiter_Allow(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	l := makeLimiter(t, ratelimit.Config{
		Limit:   1,
		Window:  10 * time.Second,
		NowFunc: func() time.Time { return now },
	})

	ok, _, err := l.Allow(context.Background(), "cs101", "A00000001")
	require.NoError(t, err)
	require.True(t, ok, "first call should be admitted")

	now = now.Add(3 * time.Second)
	ok, retry, err := l.Allow(context.Background(), "cs101", "A00000001")
	require.NoError(t, err)
	require.False(t, ok, "second call within the window should be denied")
	require.Equal(t, 7*time.Second, retry, "retry should span the rest of the window")

	// A different participant is not affected.
	ok, _, err = l.Allow(context.Background(), "cs101", "A00000002")
	require.NoError(t, err)
	require.True(t, ok)

	// Window elapsed: the original participant is admitted again.
	now = now.Add(8 * time.Second)
	ok, _, err = l.Allow(context.Background(), "cs101", "A00000001")
	require.NoError(t, err)
	require.True(t, ok, "call after the window elapsed should be admitted")
}

func TestLimiter_AllowConcurrent(t *testing.T) {
	const (
		limit   = 5
		callers = 20
	)

	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	l := makeLimiter(t, ratelimit.Config{
		Limit:   limit,
		Window:  10 * time.Second,
		NowFunc: func() time.Time { return now },
	})

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			ok, _, err := l.Allow(context.Background(), "cs101", "A00000001")
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, limit, admitted, "exactly limit callers should be admitted")
}

func makeLimiter(t *testing.T, c ratelimit.Config) *ratelimit.Limiter {
	rs := miniredis.RunT(t)
	c.Redis = redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{rs.Addr()},
	})

	return ratelimit.NewLimiter(c)
}
