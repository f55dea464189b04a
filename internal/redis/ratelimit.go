package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/metrics"
)

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	Limit  int           // requests allowed per window
	Window time.Duration // sliding window length
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// slidingWindow trims the set, counts it and records the new requests only when they fit.
// Scores and members arrive as strings so Lua never rounds them.
//
//	KEYS[1] window set
//	ARGV[1] cutoff score, ARGV[2] limit, ARGV[3] ttl in ms, ARGV[4..] score/member pairs
var slidingWindow = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local current = redis.call('ZCARD', KEYS[1])
local n = (#ARGV - 3) / 2
if current + n > tonumber(ARGV[2]) then
  return {0, current}
end
for i = 4, #ARGV, 2 do
  redis.call('ZADD', KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return {1, current}
`)

// RateLimiter is a sliding-window limiter over Redis sorted sets.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
	now    func() time.Time
}

func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
		now:    time.Now,
	}
}

// Allow checks and records one request for key.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	return r.AllowN(ctx, key, 1)
}

// AllowN checks and records n requests for key in one round trip. A rejected call records nothing.
func (r *RateLimiter) AllowN(ctx context.Context, key string, n int) (*RateLimitResult, error) {
	now := r.now()
	micros := now.UnixMicro()
	cutoff := now.Add(-r.config.Window).UnixMicro()
	ttl := (r.config.Window + time.Second).Milliseconds()

	args := []any{
		strconv.FormatInt(cutoff, 10),
		r.config.Limit,
		ttl,
	}
	for i := 0; i < n; i++ {
		args = append(args,
			strconv.FormatInt(micros+int64(i), 10),
			fmt.Sprintf("%d-%d", now.UnixNano(), i),
		)
	}

	res, err := slidingWindow.Run(ctx, r.client.rdb, []string{r.client.key("ratelimit", key)}, args...).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limit script failed: %w", err)
	}

	allowed, current := res[0] == 1, int(res[1])
	result := &RateLimitResult{
		Allowed:   allowed,
		Remaining: max(0, r.config.Limit-current),
		ResetAt:   now.Add(r.config.Window),
	}

	if !allowed {
		metrics.RecordRateLimitRejection(key)
		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("current", current),
			zap.Int("limit", r.config.Limit),
		)
		return result, nil
	}

	result.Remaining = max(0, r.config.Limit-current-n)
	return result, nil
}

// Limit is the configured number of requests per window.
func (r *RateLimiter) Limit() int {
	return r.config.Limit
}
