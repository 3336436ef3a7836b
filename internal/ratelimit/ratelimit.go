package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/classpulse/classpulse/internal/rkey"
)

// allowScript implements exactly-N sliding-window admission over a ZSET of
// action timestamps (microseconds). Redis runs scripts serially, so two
// concurrent calls for the same key can never both be admitted past the
// limit. Expired entries are pruned on every call and the key self-expires
// with the window.
var allowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if redis.call('ZCARD', key) >= limit then
	local retry = window
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	if oldest[2] then
		retry = tonumber(oldest[2]) + window - now
	end
	return {0, retry}
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, math.ceil(window / 1000))
return {1, 0}
`)

type Config struct {
	Redis redis.UniversalClient
	// Limit is the number of actions admitted per trailing Window.
	Limit  int
	Window time.Duration
	// NowFunc overrides the clock, for tests.
	NowFunc func() time.Time
}

// Limiter admits or denies "ask a question" actions per (course,
// participant) key.
type Limiter struct {
	redis  redis.UniversalClient
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewLimiter(c Config) *Limiter {
	now := c.NowFunc
	if now == nil {
		now = time.Now
	}

	return &Limiter{
		redis:  c.Redis,
		limit:  c.Limit,
		window: c.Window,
		now:    now,
	}
}

// Allow records the action and returns true iff fewer than Limit actions fall
// in the trailing window. When denied, retryAfter says how long until the
// oldest recorded action leaves the window.
func (l *Limiter) Allow(ctx context.Context, course, pid string) (bool, time.Duration, error) {
	res, err := allowScript.Run(ctx, l.redis,
		[]string{rkey.RateLimitAsk(course, pid)},
		l.now().UnixMicro(),
		l.window.Microseconds(),
		l.limit,
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit: run allow script: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("ratelimit: unexpected script reply: %v", res)
	}

	if res[0] == 1 {
		return true, 0, nil
	}

	return false, time.Duration(res[1]) * time.Microsecond, nil
}
