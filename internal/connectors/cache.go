package connectors

import (
	"context"
	"sync"
	"time"

	"github.com/kode4food/lru"

	"github.com/flexli/flexli/internal/expressions"
	"github.com/flexli/flexli/pkg/schema"
)

// DefaultCacheSize bounds the cache when no size is configured.
const DefaultCacheSize = 256

// Loader reads connector records. Satisfied by store.Store.
type Loader interface {
	GetConnector(ctx context.Context, tenantID, id string) (*schema.Connector, error)
}

// cacheEntry is the slot the LRU holds for one connector. The slot outlives
// its record: a stale or invalidated record is reloaded in place.
type cacheEntry struct {
	mu        sync.Mutex
	connector *schema.Connector
	expires   time.Time
}

// Cache is a read-through, size-bounded cache of connector records keyed by
// tenant and connector id. Each record expires ttl after it was loaded.
// Cached records are never handed out: every Get returns a deep copy.
type Cache struct {
	loader  Loader
	ttl     time.Duration
	now     func() time.Time
	entries *lru.Cache[*cacheEntry]
}

// NewCache creates a Cache holding at most size connectors. A non-positive
// size means DefaultCacheSize; a non-positive ttl disables caching.
func NewCache(loader Loader, ttl time.Duration, size int) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	return &Cache{
		loader:  loader,
		ttl:     ttl,
		now:     time.Now,
		entries: lru.NewCache[*cacheEntry](size),
	}
}

// Get returns a private copy of the connector. Concurrent misses for the
// same connector share one load.
func (c *Cache) Get(ctx context.Context, tenantID, id string) (*schema.Connector, error) {
	if c.ttl <= 0 {
		conn, err := c.loader.GetConnector(ctx, tenantID, id)
		if err != nil {
			return nil, err
		}
		return CloneConnector(conn), nil
	}

	e := c.slot(tenantID, id)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := c.now()
	if e.connector != nil && now.Before(e.expires) {
		return CloneConnector(e.connector), nil
	}

	conn, err := c.loader.GetConnector(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	e.connector = CloneConnector(conn)
	e.expires = now.Add(c.ttl)
	return CloneConnector(conn), nil
}

// Invalidate forces the next Get of a connector to reload it.
func (c *Cache) Invalidate(tenantID, id string) {
	e := c.slot(tenantID, id)
	e.mu.Lock()
	e.connector = nil
	e.mu.Unlock()
}

func (c *Cache) slot(tenantID, id string) *cacheEntry {
	e, _ := c.entries.Get(tenantID+"/"+id, func() (*cacheEntry, error) {
		return &cacheEntry{}, nil
	})
	return e
}

// CloneConnector deep-copies a connector record.
func CloneConnector(c *schema.Connector) *schema.Connector {
	if c == nil {
		return nil
	}
	out := *c
	if c.Config.DefaultHeaders != nil {
		out.Config.DefaultHeaders = make(map[string]string, len(c.Config.DefaultHeaders))
		for k, v := range c.Config.DefaultHeaders {
			out.Config.DefaultHeaders[k] = v
		}
	}
	out.Actions = make([]schema.ConnectorAction, len(c.Actions))
	for i, a := range c.Actions {
		a.Headers = expressions.DeepCopyMap(a.Headers)
		a.Query = expressions.DeepCopyMap(a.Query)
		a.Body = expressions.DeepCopy(a.Body)
		a.Parameters = expressions.DeepCopyMap(a.Parameters)
		out.Actions[i] = a
	}
	return &out
}
