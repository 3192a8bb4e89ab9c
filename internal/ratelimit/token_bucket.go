// Package ratelimit meters how fast producers may add work. Job creation is
// budgeted per graph and task type: a single worker drains one job per poll
// interval, so a budget sized with DrainPolicy keeps the queue from growing
// faster than the worker can empty it.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "jobloop:budget"

// Key names one budget. Empty parts are shared by every request that leaves
// them empty.
type Key struct {
	Graph    string
	TaskType string
	Caller   string
}

func (k Key) String() string {
	return part(k.Graph) + "|" + part(k.TaskType) + "|" + part(k.Caller)
}

func part(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "*"
	}
	return s
}

// Policy grants Capacity tokens per Window, refilled continuously.
type Policy struct {
	Capacity int
	Window   time.Duration
}

func (p Policy) Validate() error {
	if p.Capacity <= 0 {
		return fmt.Errorf("budget capacity must be positive, got %d", p.Capacity)
	}
	if p.Window <= 0 {
		return fmt.Errorf("budget window must be positive, got %s", p.Window)
	}
	return nil
}

// DrainPolicy sizes a budget to the jobs one worker finishes in window when it
// takes one job per pollInterval, plus burst extra jobs.
func DrainPolicy(window, pollInterval time.Duration, burst int) Policy {
	drained := 0
	if pollInterval > 0 {
		drained = int(window / pollInterval)
	}
	if burst < 0 {
		burst = 0
	}
	capacity := drained + burst
	if capacity < 1 {
		capacity = 1
	}
	return Policy{Capacity: capacity, Window: window}
}

type Decision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	// RetryAfter is set only when the request was refused.
	RetryAfter time.Duration
}

// takeScript refills the bucket for the elapsed time and takes ARGV[4] tokens
// when enough are left. It returns {allowed, remaining, retry_after_ms}.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill_per_ms = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl_ms = tonumber(ARGV[5])

local state = redis.call("HMGET", KEYS[1], "tokens", "at")
local tokens = tonumber(state[1]) or capacity
local at = tonumber(state[2]) or now_ms

tokens = math.min(capacity, tokens + math.max(0, now_ms - at) * refill_per_ms)

local allowed = 0
local retry_ms = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
else
  retry_ms = math.ceil((cost - tokens) / refill_per_ms)
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "at", tostring(now_ms))
redis.call("PEXPIRE", KEYS[1], ttl_ms)

return {allowed, math.floor(tokens), retry_ms}
`)

// RedisTokenBucket keeps one token bucket per Key in a redis hash. The check
// and take run as one script so every API replica spends the same budget.
type RedisTokenBucket struct {
	client      redis.UniversalClient
	policy      Policy
	refillPerMS float64
	ttl         time.Duration
	keyPrefix   string
	now         func() time.Time
}

func NewRedisTokenBucket(client redis.UniversalClient, policy Policy, keyPrefix string) (*RedisTokenBucket, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = defaultKeyPrefix
	}

	windowMS := max(policy.Window.Milliseconds(), 1)
	return &RedisTokenBucket{
		client:      client,
		policy:      policy,
		refillPerMS: float64(policy.Capacity) / float64(windowMS),
		ttl:         2 * policy.Window,
		keyPrefix:   keyPrefix,
		now:         time.Now,
	}, nil
}

func (b *RedisTokenBucket) Policy() Policy {
	return b.policy
}

// Allow spends one token from key's budget.
func (b *RedisTokenBucket) Allow(ctx context.Context, key Key) (Decision, error) {
	return b.Take(ctx, key, 1)
}

// Take spends cost tokens from key's budget. A cost above the capacity can
// never succeed and is rejected without touching redis.
func (b *RedisTokenBucket) Take(ctx context.Context, key Key, cost int) (Decision, error) {
	if cost <= 0 {
		return Decision{}, fmt.Errorf("cost must be positive, got %d", cost)
	}
	if cost > b.policy.Capacity {
		return Decision{}, fmt.Errorf("cost %d exceeds budget capacity %d", cost, b.policy.Capacity)
	}

	values, err := takeScript.Run(ctx, b.client,
		[]string{b.keyPrefix + ":" + key.String()},
		b.policy.Capacity,
		b.refillPerMS,
		b.now().UTC().UnixMilli(),
		cost,
		b.ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("spend budget %s: %w", key, err)
	}
	if len(values) != 3 {
		return Decision{}, fmt.Errorf("spend budget %s: unexpected reply of %d values", key, len(values))
	}

	return Decision{
		Allowed:    values[0] == 1,
		Limit:      int64(b.policy.Capacity),
		Remaining:  values[1],
		RetryAfter: time.Duration(values[2]) * time.Millisecond,
	}, nil
}
