package session

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/flaboy/aira-checkout/pkg/types"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultTTL = 5 * time.Minute
	keyPrefix  = "checkout:lock:"
)

// acquireScript grants the lock when it is free, already ours, or older than the ttl.
// KEYS[1] lock key; ARGV holder, now (unix ms), ttl (ms), payment method.
var acquireScript = redis.NewScript(`
local holder = redis.call('HGET', KEYS[1], 'holder')
if holder and holder ~= ARGV[1] then
	local at = tonumber(redis.call('HGET', KEYS[1], 'acquired_at'))
	if at and tonumber(ARGV[2]) - at <= tonumber(ARGV[3]) then
		return 0
	end
end
redis.call('HSET', KEYS[1], 'holder', ARGV[1], 'acquired_at', ARGV[2], 'method', ARGV[4])
redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[3]) * 2)
return 1
`)

var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'holder') == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Lock is the record stored under a scope key.
type Lock struct {
	Holder     string
	AcquiredAt time.Time
	Method     types.PaymentMethod
}

// Client is the slice of *redis.Client the coordinator needs.
type Client interface {
	redis.Scripter
	HMGet(ctx context.Context, key string, fields ...string) *redis.SliceCmd
}

// Coordinator is an advisory per-scope payment lock kept in Redis. It only narrows
// contention; order and ledger writes stay correct without it.
type Coordinator struct {
	rdb Client
	ttl time.Duration
	now func() time.Time
}

type Option func(*Coordinator)

func WithTTL(ttl time.Duration) Option {
	return func(c *Coordinator) { c.ttl = ttl }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func NewCoordinator(rdb Client, opts ...Option) *Coordinator {
	c := &Coordinator{rdb: rdb, ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) TTL() time.Duration {
	return c.ttl
}

// Acquire reports whether sessionID now holds scopeKey. A lock held by someone else
// for longer than the ttl is taken over.
func (c *Coordinator) Acquire(ctx context.Context, scopeKey, sessionID string, method types.PaymentMethod) (bool, error) {
	now := c.now().UnixMilli()
	res, err := acquireScript.Run(ctx, c.rdb, []string{keyPrefix + scopeKey},
		sessionID, now, c.ttl.Milliseconds(), string(method)).Int()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", scopeKey, err)
	}
	if res == 0 {
		slog.Debug("[Coordinator] lock busy", "scope", scopeKey, "session", sessionID)
		return false, nil
	}
	return true, nil
}

// Release drops the lock only if sessionID holds it.
func (c *Coordinator) Release(ctx context.Context, scopeKey, sessionID string) error {
	n, err := releaseScript.Run(ctx, c.rdb, []string{keyPrefix + scopeKey}, sessionID).Int()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", scopeKey, err)
	}
	if n == 0 {
		slog.Debug("[Coordinator] release skipped, not holder", "scope", scopeKey, "session", sessionID)
	}
	return nil
}

// Holder returns the current lock on scopeKey, or nil when there is none.
func (c *Coordinator) Holder(ctx context.Context, scopeKey string) (*Lock, error) {
	vals, err := c.rdb.HMGet(ctx, keyPrefix+scopeKey, "holder", "acquired_at", "method").Result()
	if err != nil {
		return nil, fmt.Errorf("read lock %s: %w", scopeKey, err)
	}
	if len(vals) != 3 || vals[0] == nil {
		return nil, nil
	}
	lock := &Lock{Holder: fmt.Sprint(vals[0])}
	if vals[1] != nil {
		if ms, err := strconv.ParseInt(fmt.Sprint(vals[1]), 10, 64); err == nil {
			lock.AcquiredAt = time.UnixMilli(ms).UTC()
		}
	}
	if vals[2] != nil {
		lock.Method = types.PaymentMethod(fmt.Sprint(vals[2]))
	}
	return lock, nil
}
