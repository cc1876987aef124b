package auth

import (
	"context"
	"sync"
	"time"
)

// DefaultCacheTTL bounds the staleness window of cached permission sets.
const DefaultCacheTTL = 5 * time.Minute

// PermissionCache sits in front of the Resolver. Entries are advisory, never
// authoritative: they expire after a fixed TTL and every mutation path that
// changes memberships or role assignments must call Invalidate explicitly.
type PermissionCache interface {
	GetOrResolve(ctx context.Context, userID, organizationID string) (PermissionSet, error)
	Invalidate(ctx context.Context, userID, organizationID string)
	InvalidateUser(ctx context.Context, userID string)
}

type memoryCacheEntry struct {
	set       PermissionSet
	expiresAt time.Time
}

// MemoryCache is the in-process PermissionCache implementation.
type MemoryCache struct {
	resolver *Resolver
	ttl      time.Duration
	now      func() time.Time
	onEvent  func(result string)

	mu      sync.Mutex
	entries map[string]map[string]memoryCacheEntry
}

// MemoryCacheOption configures MemoryCache behavior.
type MemoryCacheOption func(*MemoryCache)

// WithCacheTTL overrides the entry lifetime.
func WithCacheTTL(ttl time.Duration) MemoryCacheOption {
	return func(c *MemoryCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithCacheEvents installs an observer called with "hit" or "miss" on every
// lookup, typically wired to a metrics counter.
func WithCacheEvents(fn func(result string)) MemoryCacheOption {
	return func(c *MemoryCache) {
		if fn != nil {
			c.onEvent = fn
		}
	}
}

// WithCacheClock overrides the time source (useful for tests).
func WithCacheClock(fn func() time.Time) MemoryCacheOption {
	return func(c *MemoryCache) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewMemoryCache constructs a MemoryCache in front of the resolver.
func NewMemoryCache(resolver *Resolver, opts ...MemoryCacheOption) *MemoryCache {
	c := &MemoryCache{
		resolver: resolver,
		ttl:      DefaultCacheTTL,
		now:      time.Now,
		entries:  make(map[string]map[string]memoryCacheEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetOrResolve returns the cached set when fresh, otherwise resolves and
// caches the result.
func (c *MemoryCache) GetOrResolve(ctx context.Context, userID, organizationID string) (PermissionSet, error) {
	now := c.now()

	c.mu.Lock()
	if byOrg, ok := c.entries[userID]; ok {
		if entry, ok := byOrg[organizationID]; ok {
			if now.Before(entry.expiresAt) {
				c.mu.Unlock()
				c.event("hit")
				return entry.set, nil
			}
			delete(byOrg, organizationID)
		}
	}
	c.mu.Unlock()
	c.event("miss")

	set, err := c.resolver.Resolve(ctx, userID, organizationID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	byOrg, ok := c.entries[userID]
	if !ok {
		byOrg = make(map[string]memoryCacheEntry)
		c.entries[userID] = byOrg
	}
	byOrg[organizationID] = memoryCacheEntry{set: set, expiresAt: now.Add(c.ttl)}
	c.mu.Unlock()

	return set, nil
}

func (c *MemoryCache) event(result string) {
	if c.onEvent != nil {
		c.onEvent(result)
	}
}

// Invalidate drops the entry for one (user, organization) pair.
func (c *MemoryCache) Invalidate(_ context.Context, userID, organizationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if byOrg, ok := c.entries[userID]; ok {
		delete(byOrg, organizationID)
		if len(byOrg) == 0 {
			delete(c.entries, userID)
		}
	}
}

// InvalidateUser drops every entry for the user across all organizations.
func (c *MemoryCache) InvalidateUser(_ context.Context, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
}

var _ PermissionCache = (*MemoryCache)(nil)
