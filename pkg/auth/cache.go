// Package auth verifies access tokens against the auth service and caches the
// verified identities.
package auth

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Identity is the verified owner of an access token
type Identity struct {
	UserID   string         `json:"user_id"`
	UserInfo map[string]any `json:"user_info"`
	Expiry   time.Time      `json:"expiry"`
}

// Expired reports whether the token behind the identity has expired at now.
func (id *Identity) Expired(now time.Time) bool {
	return !now.Before(id.Expiry)
}

// CanGenerate reports whether the account may submit generation jobs: it must
// be active, not silenced and at trust level 2 or above.
func (id *Identity) CanGenerate() bool {
	active, _ := id.UserInfo["active"].(bool)
	silenced, _ := id.UserInfo["silenced"].(bool)
	return active && !silenced && number(id.UserInfo["trust_level"]) >= 2
}

func number(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

// TokenCache stores identities keyed by access token
type TokenCache interface {
	Get(ctx context.Context, token string) (*Identity, bool, error)
	Set(ctx context.Context, token string, id *Identity, ttl time.Duration) error
	Delete(ctx context.Context, token string) error
}

type cacheEntry struct {
	token      string
	identity   *Identity
	expiration time.Time
}

// MemoryCache is an in-process LRU token cache with per-entry TTL
type MemoryCache struct {
	capacity int
	items    map[string]*list.Element
	lruList  *list.List
	mu       sync.Mutex
	now      func() time.Time

	hitCount      int64
	missCount     int64
	evictionCount int64
}

// NewMemoryCache creates a cache holding at most capacity tokens
func NewMemoryCache(capacity int) *MemoryCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &MemoryCache{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		lruList:  list.New(),
		now:      time.Now,
	}
}

func (c *MemoryCache) Set(_ context.Context, token string, id *Identity, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiration := c.now().Add(ttl)

	if elem, exists := c.items[token]; exists {
		c.lruList.MoveToFront(elem)
		entry := elem.Value.(*cacheEntry)
		entry.identity = id
		entry.expiration = expiration
		return nil
	}

	elem := c.lruList.PushFront(&cacheEntry{token: token, identity: id, expiration: expiration})
	c.items[token] = elem

	if c.lruList.Len() > c.capacity {
		if back := c.lruList.Back(); back != nil {
			c.removeElement(back)
			c.evictionCount++
		}
	}
	return nil
}

func (c *MemoryCache) Get(_ context.Context, token string) (*Identity, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, exists := c.items[token]
	if !exists {
		c.missCount++
		return nil, false, nil
	}

	entry := elem.Value.(*cacheEntry)
	if !c.now().Before(entry.expiration) {
		c.removeElement(elem)
		c.missCount++
		return nil, false, nil
	}

	c.lruList.MoveToFront(elem)
	c.hitCount++
	return entry.identity, true, nil
}

func (c *MemoryCache) Delete(_ context.Context, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, exists := c.items[token]; exists {
		c.removeElement(elem)
	}
	return nil
}

func (c *MemoryCache) removeElement(elem *list.Element) {
	c.lruList.Remove(elem)
	delete(c.items, elem.Value.(*cacheEntry).token)
}

// CacheStats reports cache effectiveness
type CacheStats struct {
	Size          int   `json:"size"`
	Capacity      int   `json:"capacity"`
	HitCount      int64 `json:"hit_count"`
	MissCount     int64 `json:"miss_count"`
	EvictionCount int64 `json:"eviction_count"`
}

func (c *MemoryCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return CacheStats{
		Size:          c.lruList.Len(),
		Capacity:      c.capacity,
		HitCount:      c.hitCount,
		MissCount:     c.missCount,
		EvictionCount: c.evictionCount,
	}
}
