package reputation

import (
	"P2PDesk/internal/observability"
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const cacheName = "reputation"

// Cache is a read-through profile cache with bounded staleness (ttl) and
// bounded size (capacity, LRU eviction). Concurrent misses for the same
// seller share one load.
type Cache struct {
	loader   Loader
	ttl      time.Duration
	capacity int
	now      func() time.Time
	metrics  *observability.Metrics

	mu      sync.Mutex
	entries map[string]*list.Element
	lruList *list.List
	group   singleflight.Group
}

type cacheEntry struct {
	sellerID string
	profile  Profile
	loadedAt time.Time
}

type CacheOption func(*Cache)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

func WithMetrics(m *observability.Metrics) CacheOption {
	return func(c *Cache) { c.metrics = m }
}

func NewCache(loader Loader, ttl time.Duration, capacity int, opts ...CacheOption) *Cache {
	if capacity <= 0 {
		capacity = 10_000
	}
	c := &Cache{
		loader:   loader,
		ttl:      ttl,
		capacity: capacity,
		now:      time.Now,
		entries:  make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the profile for sellerID, loading it on a miss or once the
// cached copy is older than ttl. A missing profile is ErrProfileNotFound and
// is not cached.
func (c *Cache) Get(ctx context.Context, sellerID string) (Profile, error) {
	if p, ok := c.lookup(sellerID); ok {
		c.record("hit")
		return p, nil
	}

	v, err, _ := c.group.Do(sellerID, func() (interface{}, error) {
		p, err := c.loader.LoadProfile(ctx, sellerID)
		if err != nil {
			return nil, err
		}
		p.SortBadges()
		c.store(p)
		return p, nil
	})
	if err != nil {
		if errors.Is(err, ErrProfileNotFound) {
			c.record("not_found")
		} else {
			c.record("error")
		}
		return Profile{}, err
	}
	c.record("miss")
	return v.(Profile).clone(), nil
}

// GetMany resolves several sellers. Sellers without a profile are omitted
// from the map; any other load failure aborts the call.
func (c *Cache) GetMany(ctx context.Context, sellerIDs []string) (map[string]Profile, error) {
	out := make(map[string]Profile, len(sellerIDs))
	for _, id := range sellerIDs {
		if _, done := out[id]; done {
			continue
		}
		p, err := c.Get(ctx, id)
		if errors.Is(err, ErrProfileNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = p
	}
	return out, nil
}

// Invalidate drops a seller so the next Get reloads it.
func (c *Cache) Invalidate(sellerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[sellerID]; ok {
		c.lruList.Remove(elem)
		delete(c.entries, sellerID)
	}
	c.setSize()
}

// Len returns the number of cached profiles, including stale ones.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

func (c *Cache) lookup(sellerID string) (Profile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[sellerID]
	if !ok {
		return Profile{}, false
	}
	entry := elem.Value.(*cacheEntry)
	if c.ttl > 0 && c.now().Sub(entry.loadedAt) >= c.ttl {
		c.lruList.Remove(elem)
		delete(c.entries, sellerID)
		c.setSize()
		return Profile{}, false
	}
	c.lruList.MoveToFront(elem)
	return entry.profile.clone(), true
}

func (c *Cache) store(p Profile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[p.SellerID]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.profile = p.clone()
		entry.loadedAt = c.now()
		c.lruList.MoveToFront(elem)
		return
	}
	elem := c.lruList.PushFront(&cacheEntry{sellerID: p.SellerID, profile: p.clone(), loadedAt: c.now()})
	c.entries[p.SellerID] = elem
	if c.lruList.Len() > c.capacity {
		oldest := c.lruList.Back()
		c.lruList.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).sellerID)
	}
	c.setSize()
}

func (c *Cache) record(result string) {
	if c.metrics != nil {
		c.metrics.CacheLookups.WithLabelValues(cacheName, result).Inc()
	}
}

// setSize must be called with c.mu held.
func (c *Cache) setSize() {
	if c.metrics != nil {
		c.metrics.CacheSize.WithLabelValues(cacheName).Set(float64(c.lruList.Len()))
	}
}
