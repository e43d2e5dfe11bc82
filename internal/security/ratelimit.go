package security

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// LimitConfig holds fixed-window rate-limit settings. Durations are
// caller-supplied; the escalated block is always 2x BlockDuration.
type LimitConfig struct {
	Max           int
	Window        time.Duration
	BlockDuration time.Duration
}

// violationThreshold is the number of accumulated window violations that
// escalates an identifier to a temporary block.
const violationThreshold = 3

// violationRetention bounds how long violation counts survive between
// windows before being forgotten.
const violationRetention = time.Hour

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed    bool
	Reason     string // "rate_limited" or "blocked" when not allowed
	RetryAfter time.Duration
}

// BlockEntry describes a temporarily blocked identifier.
type BlockEntry struct {
	Identifier string    `json:"identifier"`
	Reason     string    `json:"reason"`
	BlockedAt  time.Time `json:"blocked_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Limiter is a per-identifier fixed-window rate limiter with escalation to
// temporary blocks for repeat offenders. Blocked is a read-only lookup that
// never touches counters, so it can run ahead of the rest of the admission
// pipeline.
type Limiter interface {
	Check(ctx context.Context, identifier string) (Decision, error)
	Blocked(ctx context.Context, identifier string) (time.Duration, bool, error)
	Blocks(ctx context.Context) ([]BlockEntry, error)
}

// Redis key prefixes. Counter and block state carries TTLs so it expires
// server-side and is shared across instances.
const (
	keyCount = "leadgate:rl:count:"
	keyViol  = "leadgate:rl:viol:"
	keyBlock = "leadgate:rl:block:"
)

// checkLuaScript performs the whole decision atomically: existing block
// short-circuits everything, then the window counter is incremented, and a
// violation past the threshold installs a block at twice the configured
// duration. Returns {status, retryAfterMs} where status is
// 0=blocked, 1=rate limited, 2=newly blocked, 3=allowed.
const checkLuaScript = `
local countKey = KEYS[1]
local violKey = KEYS[2]
local blockKey = KEYS[3]
local max = tonumber(ARGV[1])
local windowMs = tonumber(ARGV[2])
local blockMs = tonumber(ARGV[3])
local violLimit = tonumber(ARGV[4])
local violTTL = tonumber(ARGV[5])
local nowMs = tonumber(ARGV[6])

local blockTTL = redis.call("PTTL", blockKey)
if blockTTL > 0 then
    return {0, blockTTL}
end

local count = redis.call("INCR", countKey)
if count == 1 then
    redis.call("PEXPIRE", countKey, windowMs)
end

if count > max then
    local viol = redis.call("INCR", violKey)
    redis.call("PEXPIRE", violKey, violTTL)
    if viol >= violLimit then
        redis.call("SET", blockKey, nowMs, "PX", blockMs)
        redis.call("DEL", violKey)
        return {2, blockMs}
    end
    return {1, redis.call("PTTL", countKey)}
end

return {3, 0}
`

// RedisLimiter keeps window counters, violation counts, and blocks in redis
// with TTLs, so limits hold across restarts and across instances.
type RedisLimiter struct {
	rdb    *redis.Client
	cfg    LimitConfig
	script *redis.Script
}

// NewRedisLimiter creates a redis-backed limiter.
func NewRedisLimiter(rdb *redis.Client, cfg LimitConfig) *RedisLimiter {
	return &RedisLimiter{
		rdb:    rdb,
		cfg:    cfg,
		script: redis.NewScript(checkLuaScript),
	}
}

// Check records one request for the identifier and decides whether to admit it.
func (l *RedisLimiter) Check(ctx context.Context, identifier string) (Decision, error) {
	keys := []string{keyCount + identifier, keyViol + identifier, keyBlock + identifier}
	args := []interface{}{
		l.cfg.Max,
		l.cfg.Window.Milliseconds(),
		2 * l.cfg.BlockDuration.Milliseconds(),
		violationThreshold,
		violationRetention.Milliseconds(),
		time.Now().UnixMilli(),
	}

	raw, err := l.script.Run(ctx, l.rdb, keys, args...).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}

	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 2 {
		return Decision{}, fmt.Errorf("rate limit script: unexpected reply %v", raw)
	}
	status, _ := vals[0].(int64)
	retryMs, _ := vals[1].(int64)
	retryAfter := time.Duration(retryMs) * time.Millisecond

	switch status {
	case 0, 2:
		return Decision{Reason: "blocked", RetryAfter: retryAfter}, nil
	case 1:
		return Decision{Reason: "rate_limited", RetryAfter: retryAfter}, nil
	default:
		return Decision{Allowed: true}, nil
	}
}

// Blocked reports whether the identifier currently holds a block, without
// consuming window budget.
func (l *RedisLimiter) Blocked(ctx context.Context, identifier string) (time.Duration, bool, error) {
	ttl, err := l.rdb.PTTL(ctx, keyBlock+identifier).Result()
	if err != nil {
		return 0, false, fmt.Errorf("block lookup: %w", err)
	}
	if ttl <= 0 {
		return 0, false, nil
	}
	return ttl, true, nil
}

// Blocks lists currently blocked identifiers. SCAN-based; fine for the admin
// diagnostics volume this serves.
func (l *RedisLimiter) Blocks(ctx context.Context) ([]BlockEntry, error) {
	var entries []BlockEntry
	iter := l.rdb.Scan(ctx, 0, keyBlock+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		ttl, err := l.rdb.PTTL(ctx, key).Result()
		if err != nil || ttl <= 0 {
			continue
		}
		blockedAtMs, _ := l.rdb.Get(ctx, key).Int64()
		entries = append(entries, BlockEntry{
			Identifier: strings.TrimPrefix(key, keyBlock),
			Reason:     "repeated rate limit violations",
			BlockedAt:  time.UnixMilli(blockedAtMs).UTC(),
			ExpiresAt:  time.Now().Add(ttl).UTC(),
		})
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// MemoryLimiter is the single-process fallback used when redis is not
// configured or unreachable. Same decision semantics as RedisLimiter, but
// state is lost on restart and not shared across instances.
type MemoryLimiter struct {
	mu      sync.Mutex
	cfg     LimitConfig
	windows map[string]*window
	blocks  map[string]BlockEntry
}

type window struct {
	count      int
	resetAt    time.Time
	violations int
	lastSeen   time.Time
}

// NewMemoryLimiter creates an in-process limiter.
func NewMemoryLimiter(cfg LimitConfig) *MemoryLimiter {
	return &MemoryLimiter{
		cfg:     cfg,
		windows: make(map[string]*window),
		blocks:  make(map[string]BlockEntry),
	}
}

// Check records one request for the identifier and decides whether to admit it.
func (l *MemoryLimiter) Check(_ context.Context, identifier string) (Decision, error) {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.blocks[identifier]; ok {
		if now.Before(b.ExpiresAt) {
			return Decision{Reason: "blocked", RetryAfter: b.ExpiresAt.Sub(now)}, nil
		}
		delete(l.blocks, identifier)
	}

	w, ok := l.windows[identifier]
	if !ok || now.After(w.resetAt) {
		violations := 0
		if ok {
			violations = w.violations
		}
		l.windows[identifier] = &window{
			count:      1,
			resetAt:    now.Add(l.cfg.Window),
			violations: violations,
			lastSeen:   now,
		}
		return Decision{Allowed: true}, nil
	}

	w.lastSeen = now
	w.count++
	if w.count > l.cfg.Max {
		w.violations++
		if w.violations >= violationThreshold {
			expires := now.Add(2 * l.cfg.BlockDuration)
			l.blocks[identifier] = BlockEntry{
				Identifier: identifier,
				Reason:     "repeated rate limit violations",
				BlockedAt:  now.UTC(),
				ExpiresAt:  expires,
			}
			w.violations = 0
			return Decision{Reason: "blocked", RetryAfter: 2 * l.cfg.BlockDuration}, nil
		}
		return Decision{Reason: "rate_limited", RetryAfter: w.resetAt.Sub(now)}, nil
	}

	return Decision{Allowed: true}, nil
}

// Blocked reports whether the identifier currently holds a block, without
// consuming window budget.
func (l *MemoryLimiter) Blocked(_ context.Context, identifier string) (time.Duration, bool, error) {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.blocks[identifier]; ok && now.Before(b.ExpiresAt) {
		return b.ExpiresAt.Sub(now), true, nil
	}
	return 0, false, nil
}

// Blocks lists currently blocked identifiers.
func (l *MemoryLimiter) Blocks(_ context.Context) ([]BlockEntry, error) {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := make([]BlockEntry, 0, len(l.blocks))
	for _, b := range l.blocks {
		if now.Before(b.ExpiresAt) {
			entries = append(entries, b)
		}
	}
	return entries, nil
}

// Sweep removes expired window counters and expired blocks to bound memory.
// Violation counts on idle entries are forgotten after violationRetention.
func (l *MemoryLimiter) Sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, w := range l.windows {
		if now.After(w.resetAt) && now.Sub(w.lastSeen) > violationRetention {
			delete(l.windows, id)
		}
	}
	for id, b := range l.blocks {
		if now.After(b.ExpiresAt) {
			delete(l.blocks, id)
		}
	}
}

// StartSweeper runs Sweep on the given interval until ctx is canceled.
func (l *MemoryLimiter) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				l.Sweep(now)
			}
		}
	}()
}
