package trigger

import (
	"context"
	"sync"
	"time"

	"github.com/rendis/crmflow/internal/store"
)

// DefaultCacheTTL bounds how long a tenant's active workflows are served
// from memory when nothing invalidates them.
const DefaultCacheTTL = 30 * time.Second

// WorkflowSource loads a tenant's active workflows for one entity type.
type WorkflowSource interface {
	GetActiveWorkflows(ctx context.Context, tenantID, entityType string) ([]*store.Workflow, error)
}

type cacheKey struct {
	tenantID   string
	entityType string
}

type cacheEntry struct {
	workflows []*store.Workflow
	expires   time.Time
}

// Cache holds active workflows keyed by (tenant, entity type) with a short
// TTL. Workflow CRUD must call Invalidate for the affected tenant.
//
// A per-tenant generation counter stops a load that raced with Invalidate
// from repopulating the cache with the stale result.
type Cache struct {
	source WorkflowSource
	ttl    time.Duration
	now    func() time.Time

	mu      sync.RWMutex
	entries map[cacheKey]cacheEntry
	gen     map[string]uint64
	global  uint64
}

// NewCache creates a cache over source. ttl <= 0 selects DefaultCacheTTL.
func NewCache(source WorkflowSource, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		source:  source,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[cacheKey]cacheEntry),
		gen:     make(map[string]uint64),
	}
}

// Get returns the active workflows for (tenantID, entityType), loading them
// from the source on a miss or after expiry.
func (c *Cache) Get(ctx context.Context, tenantID, entityType string) ([]*store.Workflow, error) {
	key := cacheKey{tenantID, entityType}

	c.mu.RLock()
	entry, ok := c.entries[key]
	gen, global := c.gen[tenantID], c.global
	c.mu.RUnlock()
	if ok && c.now().Before(entry.expires) {
		return entry.workflows, nil
	}

	wfs, err := c.source.GetActiveWorkflows(ctx, tenantID, entityType)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.gen[tenantID] == gen && c.global == global {
		c.entries[key] = cacheEntry{workflows: wfs, expires: c.now().Add(c.ttl)}
	}
	c.mu.Unlock()
	return wfs, nil
}

// Invalidate drops every cached entry for tenantID.
func (c *Cache) Invalidate(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen[tenantID]++
	for k := range c.entries {
		if k.tenantID == tenantID {
			delete(c.entries, k)
		}
	}
}

// InvalidateAll drops every cached entry.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.global++
	clear(c.entries)
}

// Len returns the number of cached (tenant, entity type) entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
