package tenant

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manifold-labs/docsearch/internal/docerr"
	"github.com/manifold-labs/docsearch/internal/metadata"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time                  { return f.now }
func (f *fakeClock) Sleep(d time.Duration)            {}
func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- f.now.Add(d)
	return ch
}

func TestRegistry_Resolve_RejectsMalformedID(t *testing.T) {
	store := metadata.NewMemoryStore()
	r := New(store)

	_, err := r.Resolve(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, docerr.Validation, docerr.KindOf(err))
}

func TestRegistry_Resolve_NotFound(t *testing.T) {
	store := metadata.NewMemoryStore()
	r := New(store)

	_, err := r.Resolve(context.Background(), "acme")
	require.Error(t, err)
	assert.Equal(t, docerr.NotFound, docerr.KindOf(err))
}

func TestRegistry_Resolve_CachesWithinTTL(t *testing.T) {
	store := metadata.NewMemoryStore()
	metadata.SeedTenant(store, metadata.Tenant{ID: "acme", Status: metadata.TenantActive})
	fc := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := New(store, WithClock(fc), WithCacheTTL(5*time.Minute))

	got, err := r.Resolve(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, metadata.TenantActive, got.Status)

	metadata.SeedTenant(store, metadata.Tenant{ID: "acme", Status: metadata.TenantDisabled})
	fc.now = fc.now.Add(time.Minute)
	got, err = r.Resolve(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, metadata.TenantActive, got.Status, "within the TTL the cached handle must be returned")

	fc.now = fc.now.Add(6 * time.Minute)
	got, err = r.Resolve(context.Background(), "acme")
	require.NoError(t, err, "expired cache entry must re-resolve against the store, not error")
	assert.Equal(t, metadata.TenantDisabled, got.Status)
}

func TestRegistry_AssertScope_RejectsMismatch(t *testing.T) {
	store := metadata.NewMemoryStore()
	metadata.SeedTenant(store, metadata.Tenant{ID: "acme", Status: metadata.TenantActive})
	r := New(store)

	err := r.AssertScope(context.Background(), "acme", "other-tenant")
	require.Error(t, err)
	assert.Equal(t, docerr.AuthForbidden, docerr.KindOf(err))
}

func TestRegistry_AssertScope_RejectsDisabledTenant(t *testing.T) {
	store := metadata.NewMemoryStore()
	metadata.SeedTenant(store, metadata.Tenant{ID: "acme", Status: metadata.TenantDisabled})
	r := New(store)

	err := r.AssertScope(context.Background(), "acme", "acme")
	require.Error(t, err)
	assert.Equal(t, docerr.AuthForbidden, docerr.KindOf(err))
}

func TestRegistry_AssertScope_AllowsActiveMatchingTenant(t *testing.T) {
	store := metadata.NewMemoryStore()
	metadata.SeedTenant(store, metadata.Tenant{ID: "acme", Status: metadata.TenantActive})
	r := New(store)

	assert.NoError(t, r.AssertScope(context.Background(), "acme", "acme"))
}
