// Package tenant implements the Tenant Registry (spec C1): the single gate
// every entry point calls through before touching a cache key, index
// partition or metadata row. Grounded on the teacher's options-pattern
// constructors (WithLogger, WithClock) and its short-TTL handle caching
// idiom used for tenant/session lookups across internal/rag/service.
package tenant

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/manifold-labs/docsearch/internal/clock"
	"github.com/manifold-labs/docsearch/internal/docerr"
	"github.com/manifold-labs/docsearch/internal/metadata"
)

var idPattern = regexp.MustCompile(`^[[:print:]]{1,64}$`)

// Registry resolves and scopes tenant ids. It is the only component allowed
// to read metadata.Tenant rows directly.
type Registry struct {
	store metadata.Store
	clock clock.Clock
	log   zerolog.Logger

	ttl time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	tenant    metadata.Tenant
	expiresAt time.Time
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithClock overrides the Registry's time source, for deterministic tests.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithLogger overrides the Registry's base logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithCacheTTL overrides the default ≤5min resolve() cache lifetime.
func WithCacheTTL(d time.Duration) Option {
	return func(r *Registry) { r.ttl = d }
}

// New builds a Registry backed by store.
func New(store metadata.Store, opts ...Option) *Registry {
	r := &Registry{
		store: store,
		clock: clock.System{},
		log:   zerolog.Nop(),
		ttl:   5 * time.Minute,
		cache: make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve validates tenantID's format, checks existence via the cache or the
// metadata store, and returns a cached handle for up to the registry's TTL
// (spec §4.1).
func (r *Registry) Resolve(ctx context.Context, tenantID string) (metadata.Tenant, error) {
	if !idPattern.MatchString(tenantID) {
		return metadata.Tenant{}, docerr.Newf(docerr.Validation, "tenant.Resolve", "invalid tenant id %q", tenantID)
	}

	now := r.clock.Now()
	r.mu.RLock()
	entry, ok := r.cache[tenantID]
	r.mu.RUnlock()
	if ok && now.Before(entry.expiresAt) {
		return entry.tenant, nil
	}

	t, found, err := r.store.GetTenant(ctx, tenantID)
	if err != nil {
		return metadata.Tenant{}, docerr.New(docerr.Internal, "tenant.Resolve", err)
	}
	if !found {
		return metadata.Tenant{}, docerr.Newf(docerr.NotFound, "tenant.Resolve", "tenant %q not found", tenantID)
	}

	r.mu.Lock()
	r.cache[tenantID] = cacheEntry{tenant: t, expiresAt: now.Add(r.ttl)}
	r.mu.Unlock()

	return t, nil
}

// AssertScope fails with AuthForbidden unless claimedTenantID matches
// tenantID, and fails with AuthForbidden if the tenant is disabled. Every
// public entry point must call this before constructing a cache key, index
// partition, or metadata query (spec §4.1).
func (r *Registry) AssertScope(ctx context.Context, tenantID, claimedTenantID string) error {
	if tenantID == "" || claimedTenantID == "" || tenantID != claimedTenantID {
		return docerr.New(docerr.AuthForbidden, "tenant.AssertScope", nil)
	}
	t, err := r.Resolve(ctx, tenantID)
	if err != nil {
		return err
	}
	if t.Status != metadata.TenantActive {
		return docerr.Newf(docerr.AuthForbidden, "tenant.AssertScope", "tenant %q is disabled", tenantID)
	}
	return nil
}

// Invalidate evicts a cached handle, used after a tenant's status changes.
func (r *Registry) Invalidate(tenantID string) {
	r.mu.Lock()
	delete(r.cache, tenantID)
	r.mu.Unlock()
}
