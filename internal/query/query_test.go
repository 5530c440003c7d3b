package query

import (
	"context"
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
	"github.com/manifold-labs/docsearch/internal/ratelimit"
	"github.com/manifold-labs/docsearch/internal/search"
	"github.com/manifold-labs/docsearch/internal/tenant"
	"github.com/manifold-labs/docsearch/internal/vectorindex"
)

func newOrchestrator(t *testing.T, provider llm.Provider) (*Orchestrator, metadata.Store, vectorindex.Index) {
	t.Helper()
	store := metadata.NewMemoryStore()
	metadata.SeedTenant(store, metadata.Tenant{ID: "acme", Status: metadata.TenantActive})
	index := vectorindex.NewMemoryIndex(store)
	mc := cache.NewMemoryCache(1<<20, clock.System{})
	limiter := ratelimit.New(clock.System{})
	runner := &embedding.BatchRunner{Adapter: embedding.NewFakeAdapter(embedding.Dimensions), Sleep: func(context.Context, time.Duration) error { return nil }}
	registry := tenant.New(store)
	se := search.New(store, registry, index, runner, mc, limiter)
	orch := New(se, registry, provider, mc, limiter, WithClock(clock.System{}))
	return orch, store, index
}

func unitVector() []float32 {
	v := make([]float32, embedding.Dimensions)
	v[0] = 1
	return v
}

func seed(t *testing.T, store metadata.Store, index vectorindex.Index, tenant, doc, chunkID, content string, vec []float32) {
	t.Helper()
	require.NoError(t, store.PersistChunksAndEmbeddings(context.Background(), tenant, []metadata.Chunk{{ID: chunkID, Document: doc, Tenant: tenant, Content: content}}, []metadata.Embedding{{ID: chunkID, Chunk: chunkID, Tenant: tenant, Vector: vec, CreatedAt: time.Now()}}))
	p, err := index.Partition(context.Background(), tenant)
	require.NoError(t, err)
	require.NoError(t, p.AddBatch(context.Background(), []vectorindex.Entry{{ID: chunkID, Vector: vec}}))
}

func TestOrchestrator_Answer_RejectsTenantMismatch(t *testing.T) {
	orch, _, _ := newOrchestrator(t, llm.NewFakeProvider())
	_, err := orch.Answer(context.Background(), "acme", "what is the revenue", nil, SecurityContext{Tenant: "globex"})
	require.Error(t, err)
	assert.Equal(t, docerr.AuthForbidden, docerr.KindOf(err))
}

func TestOrchestrator_Answer_GroundedWhenChunksFound(t *testing.T) {
	orch, store, index := newOrchestrator(t, llm.NewFakeProvider())
	seed(t, store, index, "acme", "doc1", "c1", "quarterly revenue grew 12 percent", unitVector())

	res, err := orch.Answer(context.Background(), "acme", "quarterly revenue grew 12 percent", nil, SecurityContext{Tenant: "acme", Identity: "u1"})
	require.NoError(t, err)
	assert.True(t, res.Grounded)
	assert.Greater(t, res.ConfidenceScore, 0.0)
	assert.Contains(t, res.SourceDocuments, "doc1")
	assert.Contains(t, res.Answer, "quarterly revenue")
}

func TestOrchestrator_Answer_RejectsDisabledTenant(t *testing.T) {
	orch, store, _ := newOrchestrator(t, llm.NewFakeProvider())
	metadata.SeedTenant(store, metadata.Tenant{ID: "acme", Status: metadata.TenantDisabled})

	_, err := orch.Answer(context.Background(), "acme", "what is the revenue", nil, SecurityContext{Tenant: "acme", Identity: "u1"})
	require.Error(t, err)
	assert.Equal(t, docerr.AuthForbidden, docerr.KindOf(err))
}

func TestOrchestrator_Answer_UngroundedWhenNoChunksFound(t *testing.T) {
	orch, _, _ := newOrchestrator(t, llm.NewFakeProvider())
	res, err := orch.Answer(context.Background(), "acme", "anything at all", nil, SecurityContext{Tenant: "acme", Identity: "u1"})
	require.NoError(t, err)
	assert.False(t, res.Grounded)
	assert.Equal(t, 0.0, res.ConfidenceScore)
}

func TestOrchestrator_Answer_CachesSecondCallAsHit(t *testing.T) {
	orch, store, index := newOrchestrator(t, llm.NewFakeProvider())
	seed(t, store, index, "acme", "doc1", "c1", "hello world", unitVector())

	first, err := orch.Answer(context.Background(), "acme", "hello world", nil, SecurityContext{Tenant: "acme", Identity: "u1"})
	require.NoError(t, err)
	assert.False(t, first.CacheHit)

	second, err := orch.Answer(context.Background(), "acme", "hello world", nil, SecurityContext{Tenant: "acme", Identity: "u1"})
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Answer, second.Answer)
}

func TestOrchestrator_Answer_NoPartialCacheOnLLMFailure(t *testing.T) {
	orch, store, index := newOrchestrator(t, llm.NewFlakyFakeProvider(10))
	orch.maxRetries = 1
	orch.retryBackoff = time.Millisecond
	seed(t, store, index, "acme", "doc1", "c1", "hello world", unitVector())

	_, err := orch.Answer(context.Background(), "acme", "hello world", nil, SecurityContext{Tenant: "acme", Identity: "u1"})
	require.Error(t, err)

	_, ok := orch.cache.Get(context.Background(), "acme", cache.KindAnswer, fingerprint("acme", "hello world"))
	assert.False(t, ok, "a failed LLM call must not leave a cache entry")
}

func TestOrchestrator_Answer_TruncatesHistoryWithoutExceedingBudget(t *testing.T) {
	orch, store, index := newOrchestrator(t, llm.NewFakeProvider())
	orch.historyWindow = 20
	seed(t, store, index, "acme", "doc1", "c1", "hello world", unitVector())

	history := []Turn{
		{Role: llm.RoleUser, Content: "a very long first message that should be dropped"},
		{Role: llm.RoleAssistant, Content: "short"},
	}
	msgs := orch.assemblePrompt("hello world", history, nil)
	for _, m := range msgs {
		assert.NotContains(t, m.Content, "very long first message")
	}
}
