package tenant

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound indicates the tenant has no stored policy.
var ErrNotFound = errors.New("tenant: not found")

// Provider reads tenant policies from the underlying config store.
type Provider interface {
	Get(ctx context.Context, tenantID string) (Policy, error)
}

// Writer persists tenant policies. Writes must be followed by a synchronous
// Cache.Invalidate so readers never serve the replaced document.
type Writer interface {
	PutTenant(ctx context.Context, pol Policy) error
}

// Cache is a read-through policy cache. Writers must call Invalidate
// synchronously after any change to the underlying store so there is no
// unbounded staleness window.
type Cache struct {
	source Provider

	mu      sync.RWMutex
	entries map[string]Policy
}

// NewCache wraps a Provider with an in-memory cache.
func NewCache(source Provider) *Cache {
	return &Cache{
		source:  source,
		entries: make(map[string]Policy),
	}
}

// Get returns the cached policy, falling through to the source on a miss.
// Negative results are not cached: a missing tenant is re-checked each call.
func (c *Cache) Get(ctx context.Context, tenantID string) (Policy, error) {
	c.mu.RLock()
	pol, ok := c.entries[tenantID]
	c.mu.RUnlock()
	if ok {
		return pol, nil
	}

	pol, err := c.source.Get(ctx, tenantID)
	if err != nil {
		return Policy{}, err
	}
	c.mu.Lock()
	c.entries[tenantID] = pol
	c.mu.Unlock()
	return pol, nil
}

// Invalidate drops the cache entry for tenantID, or the whole cache when
// tenantID is empty.
func (c *Cache) Invalidate(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tenantID == "" {
		c.entries = make(map[string]Policy)
		return
	}
	delete(c.entries, tenantID)
}

// MemoryProvider stores policies in memory. Intended for single-instance
// deployments and tests; production uses the pg-backed store.
type MemoryProvider struct {
	mu       sync.RWMutex
	policies map[string]Policy
}

// NewMemoryProvider creates an empty provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{policies: make(map[string]Policy)}
}

// Put validates and stores a policy.
func (m *MemoryProvider) Put(pol Policy) error {
	if err := pol.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[pol.ID] = pol
	return nil
}

// PutTenant implements Writer.
func (m *MemoryProvider) PutTenant(_ context.Context, pol Policy) error {
	return m.Put(pol)
}

// Get implements Provider.
func (m *MemoryProvider) Get(_ context.Context, tenantID string) (Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pol, ok := m.policies[tenantID]
	if !ok {
		return Policy{}, ErrNotFound
	}
	return pol, nil
}
