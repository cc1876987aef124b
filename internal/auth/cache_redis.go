package auth

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisPermKeyPrefix  = "perm:"
	redisIndexKeyPrefix = "perm-idx:"

	defaultRedisTimeout = 250 * time.Millisecond
)

// RedisCache is a PermissionCache backed by Redis, for deployments where
// several API replicas must observe invalidations from each other. Any
// Redis failure is treated as a cache miss and the resolver is consulted
// directly; a resolver failure still fails closed.
type RedisCache struct {
	client   redis.UniversalClient
	resolver *Resolver
	ttl      time.Duration
	timeout  time.Duration
	onEvent  func(result string)
}

// RedisCacheOption configures RedisCache behavior.
type RedisCacheOption func(*RedisCache)

// WithRedisCacheTTL overrides the entry lifetime.
func WithRedisCacheTTL(ttl time.Duration) RedisCacheOption {
	return func(c *RedisCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithRedisCacheEvents installs an observer called with "hit" or "miss" on
// every lookup, typically wired to a metrics counter.
func WithRedisCacheEvents(fn func(result string)) RedisCacheOption {
	return func(c *RedisCache) {
		if fn != nil {
			c.onEvent = fn
		}
	}
}

// WithRedisTimeout bounds every Redis round trip.
func WithRedisTimeout(d time.Duration) RedisCacheOption {
	return func(c *RedisCache) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewRedisCache constructs a RedisCache in front of the resolver.
func NewRedisCache(client redis.UniversalClient, resolver *Resolver, opts ...RedisCacheOption) *RedisCache {
	c := &RedisCache{
		client:   client,
		resolver: resolver,
		ttl:      DefaultCacheTTL,
		timeout:  defaultRedisTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func permKey(userID, organizationID string) string {
	return redisPermKeyPrefix + userID + ":" + organizationID
}

func indexKey(userID string) string {
	return redisIndexKeyPrefix + userID
}

// GetOrResolve returns the cached set when present, otherwise resolves and
// caches the result with the configured TTL.
func (c *RedisCache) GetOrResolve(ctx context.Context, userID, organizationID string) (PermissionSet, error) {
	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	raw, err := c.client.Get(rctx, permKey(userID, organizationID)).Result()
	cancel()
	if err == nil {
		var keys []string
		if json.Unmarshal([]byte(raw), &keys) == nil {
			c.event("hit")
			return NewPermissionSet(keys...), nil
		}
	}
	c.event("miss")

	set, err := c.resolver.Resolve(ctx, userID, organizationID)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(set.Sorted())
	if err == nil {
		rctx, cancel := context.WithTimeout(ctx, c.timeout)
		pipe := c.client.Pipeline()
		pipe.Set(rctx, permKey(userID, organizationID), payload, c.ttl)
		pipe.SAdd(rctx, indexKey(userID), organizationID)
		pipe.Expire(rctx, indexKey(userID), c.ttl)
		_, _ = pipe.Exec(rctx)
		cancel()
	}
	return set, nil
}

func (c *RedisCache) event(result string) {
	if c.onEvent != nil {
		c.onEvent(result)
	}
}

// Invalidate drops the entry for one (user, organization) pair.
func (c *RedisCache) Invalidate(ctx context.Context, userID, organizationID string) {
	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	pipe := c.client.Pipeline()
	pipe.Del(rctx, permKey(userID, organizationID))
	pipe.SRem(rctx, indexKey(userID), organizationID)
	_, _ = pipe.Exec(rctx)
}

// InvalidateUser drops every entry for the user across all organizations.
func (c *RedisCache) InvalidateUser(ctx context.Context, userID string) {
	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	orgs, err := c.client.SMembers(rctx, indexKey(userID)).Result()
	if err != nil {
		return
	}
	keys := make([]string, 0, len(orgs)+1)
	for _, org := range orgs {
		keys = append(keys, permKey(userID, org))
	}
	keys = append(keys, indexKey(userID))
	_ = c.client.Del(rctx, keys...).Err()
}

var _ PermissionCache = (*RedisCache)(nil)
