// Package search implements the Search Engine (spec C10): rate-limited,
// cached semantic search over a tenant's chunks. Grounded on the teacher's
// internal/rag/service.Service.Retrieve method: embed the query, fetch
// vector candidates, then hydrate payloads from the metadata store,
// narrowed here to a single vector-only retrieval path (the teacher also
// fuses FTS and graph candidates via reciprocal rank fusion, out of scope
// for this spec).
package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/manifold-labs/docsearch/internal/cache"
	"github.com/manifold-labs/docsearch/internal/clock"
	"github.com/manifold-labs/docsearch/internal/docerr"
	"github.com/manifold-labs/docsearch/internal/embedding"
	"github.com/manifold-labs/docsearch/internal/metadata"
	"github.com/manifold-labs/docsearch/internal/obs"
	"github.com/manifold-labs/docsearch/internal/ratelimit"
	"github.com/manifold-labs/docsearch/internal/tenant"
	"github.com/manifold-labs/docsearch/internal/vectorindex"
)

// DefaultTopK and DefaultRateLimitPolicy are the spec's documented defaults
// for an unspecified call (spec §4.8, §4.6).
const DefaultTopK = 10

var DefaultRateLimitPolicy = ratelimit.Policy{MaxRequests: 60, Window: time.Minute}

// ScoredChunk is one search hit: a chunk payload and its similarity score.
type ScoredChunk struct {
	Chunk metadata.Chunk `json:"chunk"`
	Score float64        `json:"score"`
}

// Engine implements search (spec §4.8).
type Engine struct {
	store    metadata.Store
	registry *tenant.Registry
	index    vectorindex.Index
	embed    *embedding.BatchRunner
	cache    cache.Cache
	limiter  *ratelimit.Limiter

	log     zerolog.Logger
	clock   clock.Clock
	metrics obs.Metrics

	rateLimitPolicy ratelimit.Policy
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l zerolog.Logger) Option { return func(e *Engine) { e.log = l } }
func WithClock(c clock.Clock) Option     { return func(e *Engine) { e.clock = c } }
func WithMetrics(m obs.Metrics) Option   { return func(e *Engine) { e.metrics = m } }
func WithRateLimitPolicy(p ratelimit.Policy) Option {
	return func(e *Engine) { e.rateLimitPolicy = p }
}

// New builds an Engine. embed is the same Adapter/retry policy pairing the
// ingestion coordinator uses (spec C5); Search always calls it with a
// one-element batch so the query vector gets the same retry and
// L2-normalization treatment as ingested chunks (spec §4.8 step 3).
func New(store metadata.Store, registry *tenant.Registry, index vectorindex.Index, embed *embedding.BatchRunner, c cache.Cache, limiter *ratelimit.Limiter, opts ...Option) *Engine {
	e := &Engine{
		store: store, registry: registry, index: index, embed: embed, cache: c, limiter: limiter,
		log: zerolog.Nop(), clock: clock.System{}, metrics: obs.NoopMetrics{},
		rateLimitPolicy: DefaultRateLimitPolicy,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Search runs the full contract of spec §4.8: rate-limit, cache lookup,
// embed, vector search, payload hydration, cache write.
func (e *Engine) Search(ctx context.Context, tenant, identity, queryText string, topK int, threshold float64) ([]ScoredChunk, error) {
	if tenant == "" || queryText == "" {
		return nil, docerr.New(docerr.Validation, "search.Search", nil)
	}
	if err := e.registry.AssertScope(ctx, tenant, tenant); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = DefaultTopK
	}

	if err := e.limiter.Allow(tenant, identity, "search", e.rateLimitPolicy); err != nil {
		return nil, err
	}

	fp := fingerprint(queryText, topK, threshold)
	if entry, ok := e.cache.Get(ctx, tenant, cache.KindSearch, fp); ok {
		var cached []ScoredChunk
		if err := json.Unmarshal(entry.Value, &cached); err == nil {
			e.metrics.IncCounter("search_cache_hit_total", map[string]string{"tenant": tenant})
			return cached, nil
		}
	}

	start := e.clock.Now()
	embedded := e.embed.Run(ctx, []string{queryText})
	if len(embedded) != 1 {
		return nil, docerr.New(docerr.Internal, "search.Search", fmt.Errorf("embedding run returned %d results for 1 query", len(embedded)))
	}
	if embedded[0].Err != nil {
		return nil, embedded[0].Err
	}
	queryVec := embedded[0].Vector

	partition, err := e.index.Partition(ctx, tenant)
	if err != nil {
		return nil, docerr.New(docerr.Internal, "search.Search", err)
	}
	matches, err := partition.Search(ctx, queryVec, topK)
	if err != nil {
		return nil, docerr.New(docerr.Internal, "search.Search", err)
	}

	ids := make([]string, 0, len(matches))
	scoreByID := make(map[string]float64, len(matches))
	for _, m := range matches {
		if m.Score < threshold {
			continue
		}
		ids = append(ids, m.ID)
		scoreByID[m.ID] = m.Score
	}

	chunks, err := e.store.GetChunksByIDs(ctx, tenant, ids)
	if err != nil {
		return nil, docerr.New(docerr.Internal, "search.Search", err)
	}

	results := make([]ScoredChunk, len(chunks))
	for i, c := range chunks {
		results[i] = ScoredChunk{Chunk: c, Score: scoreByID[c.ID]}
	}

	e.metrics.ObserveHistogram("search_latency_ms", float64(e.clock.Now().Sub(start).Milliseconds()), map[string]string{"tenant": tenant})
	e.metrics.IncCounter("search_cache_miss_total", map[string]string{"tenant": tenant})

	if payload, err := json.Marshal(results); err == nil {
		e.cache.Set(ctx, tenant, cache.KindSearch, fp, cache.Entry{Format: cache.FormatJSON, Value: payload}, cache.DefaultTTL(cache.KindSearch))
	}

	return results, nil
}

// fingerprint derives a deterministic cache key from the query shape so
// identical calls always land on the same entry (spec §4.8 step 2).
func fingerprint(queryText string, topK int, threshold float64) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%f", queryText, topK, threshold)
	return hex.EncodeToString(h.Sum(nil))
}
