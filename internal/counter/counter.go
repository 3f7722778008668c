// Package counter implements the fixed-window request counter backed by the
// shared store. All window arithmetic runs server-side in a Lua script so
// concurrent gateways agree on a single count per (rule, identifier) window.
package counter

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flowgate/flowgate/internal/logging"
	"github.com/flowgate/flowgate/internal/metrics"
	"github.com/flowgate/flowgate/internal/rules"
)

// Outcome is the result of an admission check.
type Outcome int

const (
	// WithinQuota means the window count was advanced and the request may proceed.
	WithinQuota Outcome = iota
	// Exceeded means the window count reached the quota and was not advanced.
	Exceeded
	// FailOpen means the store was unreachable and the request is admitted
	// uncounted.
	FailOpen
)

func (o Outcome) String() string {
	switch o {
	case Exceeded:
		return "EXCEEDED"
	case FailOpen:
		return "FAIL_OPEN"
	}
	return "WITHIN_QUOTA"
}

// fixedWindowScript atomically advances a fixed-window counter.
// Keys hold {count, window_start}; the TTL is anchored at window start so
// stale windows self-evict. Returns [allowed (0/1), count, windowStart].
var fixedWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

local state = redis.call('HMGET', key, 'count', 'window_start')
local count = tonumber(state[1])
local start = tonumber(state[2])

if not count or not start or now - start >= window then
    -- New window: reset and admit
    redis.call('HSET', key, 'count', 1, 'window_start', now)
    redis.call('EXPIRE', key, window)
    return {1, 1, now}
end

if count < limit then
    count = redis.call('HINCRBY', key, 'count', 1)
    return {1, count, start}
end

return {0, count, start}
`)

// Engine checks and advances per-identifier window counters.
type Engine struct {
	client  *redis.Client
	timeout time.Duration

	now func() time.Time // test hook
}

// New creates a counter engine. timeout bounds each store call; zero means 1s.
func New(client *redis.Client, timeout time.Duration) *Engine {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Engine{
		client:  client,
		timeout: timeout,
		now:     time.Now,
	}
}

// Key returns the store key for a (rule, identifier) counter.
func Key(ruleID, identifier string) string {
	return "request_counter:" + ruleID + ":" + identifier
}

// Admit advances the fixed-window counter for (rule, identifier) and reports
// whether the request is within quota. Store failures return FailOpen:
// availability is preferred over strictness on the hot path, and the
// fail-open is surfaced through a metric, a warn log, and the decision
// reason.
func (e *Engine) Admit(ctx context.Context, rule *rules.Rule, identifier string) Outcome {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	result, err := fixedWindowScript.Run(ctx, e.client,
		[]string{Key(rule.ID, identifier)},
		e.now().Unix(),
		rule.WindowSeconds,
		rule.AllowedRequests,
	).Int64Slice()

	if err != nil {
		metrics.StoreFailOpen.Inc()
		logging.Warn("Counter store unavailable, failing open",
			zap.String("rule", rule.ID),
			zap.Error(err))
		return FailOpen
	}

	if len(result) < 1 || result[0] != 1 {
		return Exceeded
	}
	return WithinQuota
}
