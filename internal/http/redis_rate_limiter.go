package httpx

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	redisRatePrefix  = "shipit:ratelimit:"
	redisRateTimeout = 250 * time.Millisecond
)

// fixedWindowScript counts a hit and returns {hits, remaining ttl in ms}.
// The expiry is set with the first hit so the window cannot be extended, and
// restored if a key somehow lost it.
var fixedWindowScript = redis.NewScript(`
local hits = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if hits == 1 or ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {hits, ttl}
`)

// redisRateLimiter shares budgets between daemons that sit behind one proxy.
// Redis errors fail open: a broken limiter must not stop deploys.
type redisRateLimiter struct {
	client redis.UniversalClient
	logger *slog.Logger
	now    func() time.Time
}

// NewRedisRateLimiter connects to Redis and verifies it answers.
func NewRedisRateLimiter(addr, password string, db int, logger *slog.Logger) (RateLimiter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return newRedisRateLimiter(client, logger), nil
}

func newRedisRateLimiter(client redis.UniversalClient, logger *slog.Logger) *redisRateLimiter {
	return &redisRateLimiter{client: client, logger: logger, now: time.Now}
}

func (rl *redisRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisRateTimeout)
	defer cancel()

	values, err := fixedWindowScript.Run(ctx, rl.client, []string{redisRatePrefix + key}, window.Milliseconds()).Int64Slice()
	if err != nil || len(values) != 2 {
		if err == nil {
			err = fmt.Errorf("unexpected reply length %d", len(values))
		}
		if rl.logger != nil {
			rl.logger.Error("redis rate limiter unavailable, allowing request", "key", key, "error", err)
		}
		return rateDecision{allowed: true}
	}
	hits := int(values[0])
	return rateDecision{
		allowed:   hits <= limit,
		count:     hits,
		windowEnd: rl.now().Add(time.Duration(values[1]) * time.Millisecond),
	}
}

func (rl *redisRateLimiter) Close() {
	if rl.client != nil {
		_ = rl.client.Close()
	}
}
