// Package ratelimiter throttles outbound dispatches per proxy node.
//
// A Redis-backed token bucket keeps aggregate per-node dispatch rate within
// limits across all worker replicas. Workers fail open when Redis is
// unavailable; node RATE-LIMITED status and 429 ban tracking still apply.
package ratelimiter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter gates one dispatch against a node's bucket.
type Limiter interface {
	Allow(ctx context.Context, nodeID string, cost int64) (allowed bool, retryAfter time.Duration, err error)
}

// BucketConfig describes one token bucket.
type BucketConfig struct {
	Capacity   int64
	RefillRate float64
}

// NewBucketConfigFromPerMinute sizes a bucket for a per-minute dispatch rate.
func NewBucketConfigFromPerMinute(perMinute int) BucketConfig {
	if perMinute <= 0 {
		return BucketConfig{}
	}
	return BucketConfig{
		Capacity:   int64(perMinute),
		RefillRate: float64(perMinute) / 60.0,
	}
}

// NodeLimiter is a Redis Lua token-bucket limiter keyed by node id.
type NodeLimiter struct {
	redis      *redis.Client
	defaultCfg BucketConfig
	overrides  map[string]BucketConfig
	script     *redis.Script
	mu         sync.RWMutex
}

// NewNodeLimiter constructs a NodeLimiter. Returns nil when rdb is nil so a
// disabled limiter is a cheap nil check at the call site.
func NewNodeLimiter(rdb *redis.Client, defaultCfg BucketConfig) *NodeLimiter {
	if rdb == nil {
		return nil
	}
	return &NodeLimiter{
		redis:      rdb,
		defaultCfg: defaultCfg,
		overrides:  map[string]BucketConfig{},
		script:     redis.NewScript(luaTokenBucketScript),
	}
}

// SetOverride pins a node-specific bucket, e.g. for a throttled provider.
func (l *NodeLimiter) SetOverride(nodeID string, cfg BucketConfig) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.overrides[nodeID] = cfg
	l.mu.Unlock()
}

const luaTokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local tokens = capacity
local last_refill = now

local data = redis.call("HMGET", key, "tokens", "last_refill")
if data[1] ~= false and data[1] ~= nil then
  tokens = tonumber(data[1])
end
if data[2] ~= false and data[2] ~= nil then
  last_refill = tonumber(data[2])
end

if last_refill == nil then
  last_refill = now
end

local delta = now - last_refill
if delta < 0 then
  delta = 0
end

tokens = math.min(capacity, tokens + delta * refill_rate)
last_refill = now

local allowed = 0
local retry_after = 0

if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
else
  local shortage = cost - tokens
  if refill_rate > 0 then
    retry_after = shortage / refill_rate
  else
    retry_after = 0
  end
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)

return { allowed, tokens, last_refill, retry_after }
`

// Allow consumes cost tokens from the node's bucket. Fails open on Redis
// errors to avoid turning a cache outage into a delivery outage.
func (l *NodeLimiter) Allow(ctx context.Context, nodeID string, cost int64) (bool, time.Duration, error) {
	if l == nil || l.redis == nil {
		return true, 0, nil
	}
	l.mu.RLock()
	cfg, ok := l.overrides[nodeID]
	l.mu.RUnlock()
	if !ok {
		cfg = l.defaultCfg
	}
	if cfg.Capacity <= 0 || cfg.RefillRate <= 0 {
		return true, 0, nil
	}
	if cost <= 0 {
		cost = 1
	}

	nowSec := float64(time.Now().UnixNano()) / 1e9
	redisKey := "rate:node:" + nodeID
	res, err := l.script.Run(ctx, l.redis, []string{redisKey}, cfg.Capacity, cfg.RefillRate, nowSec, cost).Result()
	if err != nil {
		slog.Error("redis rate limiter script error", slog.String("node_id", nodeID), slog.Any("error", err))
		return true, 0, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 4 {
		slog.Error("redis rate limiter unexpected script result", slog.String("node_id", nodeID), slog.Any("result", res))
		return true, 0, nil
	}

	allowed := toInt64(vals[0]) == 1
	retryAfterSec := toFloat64(vals[3])
	return allowed, time.Duration(retryAfterSec * float64(time.Second)), nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}

func toFloat64(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case int:
		return float64(t)
	default:
		return 0
	}
}
