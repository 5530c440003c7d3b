package chat

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manifold-labs/docsearch/internal/cache"
	"github.com/manifold-labs/docsearch/internal/clock"
	"github.com/manifold-labs/docsearch/internal/docerr"
	"github.com/manifold-labs/docsearch/internal/embedding"
	"github.com/manifold-labs/docsearch/internal/llm"
	"github.com/manifold-labs/docsearch/internal/metadata"
	"github.com/manifold-labs/docsearch/internal/query"
	"github.com/manifold-labs/docsearch/internal/ratelimit"
	"github.com/manifold-labs/docsearch/internal/search"
	"github.com/manifold-labs/docsearch/internal/tenant"
	"github.com/manifold-labs/docsearch/internal/vectorindex"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }
func (f *fakeClock) Sleep(d time.Duration) { f.now = f.now.Add(d) }
func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.now = f.now.Add(d)
	ch <- f.now
	return ch
}

func newManager(t *testing.T, c clock.Clock) (*Manager, metadata.Store) {
	t.Helper()
	store := metadata.NewMemoryStore()
	metadata.SeedTenant(store, metadata.Tenant{ID: "acme", Status: metadata.TenantActive, CreatedAt: c.Now()})
	index := vectorindex.NewMemoryIndex(store)
	mc := cache.NewMemoryCache(1<<20, clock.System{})
	limiter := ratelimit.New(clock.System{})
	runner := &embedding.BatchRunner{Adapter: embedding.NewFakeAdapter(embedding.Dimensions), Sleep: func(context.Context, time.Duration) error { return nil }}
	registry := tenant.New(store)
	se := search.New(store, registry, index, runner, mc, limiter)
	orch := query.New(se, registry, llm.NewFakeProvider(), mc, limiter, query.WithClock(clock.System{}))
	m := New(store, registry, orch, WithClock(c))
	return m, store
}

func TestManager_ProcessTurn_HappyPath(t *testing.T) {
	c := &fakeClock{now: time.Now()}
	m, store := newManager(t, c)
	session, err := m.CreateSession(context.Background(), "acme", "user1", "support")
	require.NoError(t, err)

	res, err := m.ProcessTurn(context.Background(), "acme", session.ID, "user1", "what is your refund policy")
	require.NoError(t, err)
	assert.NotEmpty(t, res.MessageID)
	assert.NotEmpty(t, res.Content)

	msgs, err := store.RecentMessages(context.Background(), "acme", session.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, metadata.RoleUser, msgs[0].Role)
	assert.Equal(t, metadata.RoleSystem, msgs[1].Role)
}

func TestManager_CreateSession_RejectsDisabledTenant(t *testing.T) {
	c := &fakeClock{now: time.Now()}
	m, store := newManager(t, c)
	metadata.SeedTenant(store, metadata.Tenant{ID: "acme", Status: metadata.TenantDisabled})

	_, err := m.CreateSession(context.Background(), "acme", "user1", "support")
	require.Error(t, err)
	assert.Equal(t, docerr.AuthForbidden, docerr.KindOf(err))
}

func TestManager_ProcessTurn_RejectsDisabledTenant(t *testing.T) {
	c := &fakeClock{now: time.Now()}
	store := metadata.NewMemoryStore()
	metadata.SeedTenant(store, metadata.Tenant{ID: "acme", Status: metadata.TenantActive, CreatedAt: c.Now()})
	index := vectorindex.NewMemoryIndex(store)
	mc := cache.NewMemoryCache(1<<20, clock.System{})
	limiter := ratelimit.New(clock.System{})
	runner := &embedding.BatchRunner{Adapter: embedding.NewFakeAdapter(embedding.Dimensions), Sleep: func(context.Context, time.Duration) error { return nil }}
	registry := tenant.New(store, tenant.WithCacheTTL(0))
	se := search.New(store, registry, index, runner, mc, limiter)
	orch := query.New(se, registry, llm.NewFakeProvider(), mc, limiter, query.WithClock(clock.System{}))
	m := New(store, registry, orch, WithClock(c))

	session, err := m.CreateSession(context.Background(), "acme", "user1", "support")
	require.NoError(t, err)

	metadata.SeedTenant(store, metadata.Tenant{ID: "acme", Status: metadata.TenantDisabled})

	_, err = m.ProcessTurn(context.Background(), "acme", session.ID, "user1", "still there?")
	require.Error(t, err)
	assert.Equal(t, docerr.AuthForbidden, docerr.KindOf(err))
}

func TestManager_ProcessTurn_RejectsBlockedPattern(t *testing.T) {
	c := &fakeClock{now: time.Now()}
	m, _ := newManager(t, c)
	session, err := m.CreateSession(context.Background(), "acme", "user1", "support")
	require.NoError(t, err)

	_, err = m.ProcessTurn(context.Background(), "acme", session.ID, "user1", "<script>alert(1)</script>")
	require.Error(t, err)
	assert.Equal(t, docerr.Validation, docerr.KindOf(err))
}

func TestManager_ProcessTurn_RejectsOversizedMessage(t *testing.T) {
	c := &fakeClock{now: time.Now()}
	m, _ := newManager(t, c)
	session, err := m.CreateSession(context.Background(), "acme", "user1", "support")
	require.NoError(t, err)

	_, err = m.ProcessTurn(context.Background(), "acme", session.ID, "user1", strings.Repeat("a", DefaultMaxMessageBytes+1))
	require.Error(t, err)
	assert.Equal(t, docerr.Validation, docerr.KindOf(err))
}

func TestManager_ProcessTurn_SessionNotFound(t *testing.T) {
	c := &fakeClock{now: time.Now()}
	m, _ := newManager(t, c)
	_, err := m.ProcessTurn(context.Background(), "acme", "missing-session", "user1", "hello")
	require.Error(t, err)
	assert.Equal(t, docerr.NotFound, docerr.KindOf(err))
}

func TestManager_ProcessTurn_IdleSessionBecomesReadOnly(t *testing.T) {
	c := &fakeClock{now: time.Now()}
	m, store := newManager(t, c)
	m.timeout = time.Minute
	session, err := m.CreateSession(context.Background(), "acme", "user1", "support")
	require.NoError(t, err)

	c.Sleep(2 * time.Minute)
	_, err = m.ProcessTurn(context.Background(), "acme", session.ID, "user1", "still there?")
	require.Error(t, err)
	assert.Equal(t, docerr.Validation, docerr.KindOf(err))

	updated, ok, err := store.GetSession(context.Background(), "acme", session.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, metadata.SessionInactive, updated.Status)

	_, err = m.ProcessTurn(context.Background(), "acme", session.ID, "user1", "one more try")
	require.Error(t, err)
	assert.Equal(t, docerr.Validation, docerr.KindOf(err))
}
