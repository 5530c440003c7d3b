// Package query implements the Query Orchestrator (spec C11): assembling a
// grounded prompt from retrieved chunks and chat history, invoking an LLM
// Provider, and caching the result. Grounded on the teacher's
// internal/rag/service.Service.Retrieve pipeline (query plan → candidates
// → fusion → augment/rerank, each stage timed via metrics) generalized
// here to a single vector-search-then-generate path, and on
// internal/agents/engine.go's prompt-budget-by-chars truncation idiom.
package query

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/manifold-labs/docsearch/internal/cache"
	"github.com/manifold-labs/docsearch/internal/clock"
	"github.com/manifold-labs/docsearch/internal/docerr"
	"github.com/manifold-labs/docsearch/internal/llm"
	"github.com/manifold-labs/docsearch/internal/obs"
	"github.com/manifold-labs/docsearch/internal/ratelimit"
	"github.com/manifold-labs/docsearch/internal/search"
	"github.com/manifold-labs/docsearch/internal/tenant"
)

// Spec defaults for prompt assembly (spec §4.9 step 4-5).
const (
	DefaultHistoryWindowChars = 1000
	DefaultContextWindowChars = 8192 * 4 // chars-per-token heuristic, generalized
	// from the teacher's internal/rag/chunker targetLen (tokens * ~4 chars).
)

var DefaultRateLimitPolicy = ratelimit.Policy{MaxRequests: 30, Window: time.Minute}

const systemPrompt = "You are a grounded document-search assistant. Answer only using the provided context. If the context does not contain the answer, say so plainly."

// SecurityContext is the caller-asserted identity the orchestrator
// validates against the requested tenant (spec §4.9 step 1).
type SecurityContext struct {
	Tenant   string
	Identity string
}

// Turn is one prior chat message fed in as history (spec §4.9 step 4).
type Turn struct {
	Role    llm.Role
	Content string
}

// Result is the orchestrator's output (spec §4.9 step 6).
type Result struct {
	Answer           string
	RelevantChunks   []search.ScoredChunk
	ConfidenceScore  float64
	ProcessingTime   time.Duration
	SourceDocuments  []string
	Model            string
	TokensUsed       int
	CacheHit         bool
	Grounded         bool
}

type cachedResult struct {
	Answer          string                `json:"answer"`
	RelevantChunks  []search.ScoredChunk  `json:"relevant_chunks"`
	ConfidenceScore float64               `json:"confidence_score"`
	SourceDocuments []string              `json:"source_documents"`
	Model           string                `json:"model"`
	TokensUsed      int                   `json:"tokens_used"`
	Grounded        bool                  `json:"grounded"`
}

// Orchestrator implements answer() (spec §4.9).
type Orchestrator struct {
	search   *search.Engine
	registry *tenant.Registry
	llm      llm.Provider
	cache    cache.Cache
	limiter  *ratelimit.Limiter

	log     zerolog.Logger
	clock   clock.Clock
	metrics obs.Metrics

	model           string
	temperature     float64
	maxTokens       int
	topK            int
	threshold       float64
	historyWindow   int
	contextWindow   int
	rateLimitPolicy ratelimit.Policy
	maxRetries      int
	retryBackoff    time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(l zerolog.Logger) Option  { return func(o *Orchestrator) { o.log = l } }
func WithClock(c clock.Clock) Option      { return func(o *Orchestrator) { o.clock = c } }
func WithMetrics(m obs.Metrics) Option    { return func(o *Orchestrator) { o.metrics = m } }
func WithModel(model string) Option       { return func(o *Orchestrator) { o.model = model } }
func WithTemperature(t float64) Option    { return func(o *Orchestrator) { o.temperature = t } }
func WithMaxTokens(n int) Option          { return func(o *Orchestrator) { o.maxTokens = n } }
func WithTopK(k int) Option               { return func(o *Orchestrator) { o.topK = k } }
func WithThreshold(t float64) Option      { return func(o *Orchestrator) { o.threshold = t } }
func WithHistoryWindowChars(n int) Option { return func(o *Orchestrator) { o.historyWindow = n } }
func WithContextWindowChars(n int) Option { return func(o *Orchestrator) { o.contextWindow = n } }
func WithRateLimitPolicy(p ratelimit.Policy) Option {
	return func(o *Orchestrator) { o.rateLimitPolicy = p }
}
func WithRetries(n int, backoff time.Duration) Option {
	return func(o *Orchestrator) { o.maxRetries = n; o.retryBackoff = backoff }
}

// New builds an Orchestrator.
func New(se *search.Engine, registry *tenant.Registry, provider llm.Provider, c cache.Cache, limiter *ratelimit.Limiter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		search: se, registry: registry, llm: provider, cache: c, limiter: limiter,
		log: zerolog.Nop(), clock: clock.System{}, metrics: obs.NoopMetrics{},
		temperature:     llm.DefaultTemperature,
		maxTokens:       llm.DefaultMaxTokens,
		topK:            search.DefaultTopK,
		threshold:       -1,
		historyWindow:   DefaultHistoryWindowChars,
		contextWindow:   DefaultContextWindowChars,
		rateLimitPolicy: DefaultRateLimitPolicy,
		maxRetries:      2,
		retryBackoff:    time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Answer runs the full contract of spec §4.9.
func (o *Orchestrator) Answer(ctx context.Context, tenant, queryText string, history []Turn, sec SecurityContext) (Result, error) {
	start := o.clock.Now()
	if err := o.registry.AssertScope(ctx, tenant, sec.Tenant); err != nil {
		return Result{}, err
	}
	if err := o.limiter.Allow(tenant, sec.Identity, "answer", o.rateLimitPolicy); err != nil {
		return Result{}, err
	}

	fp := fingerprint(tenant, queryText)
	if entry, ok := o.cache.Get(ctx, tenant, cache.KindAnswer, fp); ok {
		var cr cachedResult
		if err := json.Unmarshal(entry.Value, &cr); err == nil {
			o.metrics.IncCounter("answer_cache_hit_total", map[string]string{"tenant": tenant})
			return Result{
				Answer: cr.Answer, RelevantChunks: cr.RelevantChunks, ConfidenceScore: cr.ConfidenceScore,
				ProcessingTime: o.clock.Now().Sub(start), SourceDocuments: cr.SourceDocuments,
				Model: cr.Model, TokensUsed: cr.TokensUsed, CacheHit: true, Grounded: cr.Grounded,
			}, nil
		}
	}

	chunks, err := o.search.Search(ctx, tenant, sec.Identity, queryText, o.topK, o.threshold)
	if err != nil {
		return Result{}, err
	}

	prompt := o.assemblePrompt(queryText, history, chunks)

	resp, err := o.completeWithRetry(ctx, llm.CompletionRequest{
		Model: o.model, Messages: prompt, Temperature: o.temperature, MaxTokens: o.maxTokens, TenantID: tenant,
	})
	if err != nil {
		o.metrics.IncCounter("answer_llm_failure_total", map[string]string{"tenant": tenant})
		return Result{}, err
	}

	confidence := 0.0
	grounded := len(chunks) > 0
	sourceDocs := make([]string, 0, len(chunks))
	seen := make(map[string]bool)
	for _, c := range chunks {
		if c.Score > confidence {
			confidence = c.Score
		}
		if !seen[c.Chunk.Document] {
			seen[c.Chunk.Document] = true
			sourceDocs = append(sourceDocs, c.Chunk.Document)
		}
	}
	if !grounded {
		confidence = 0
	}

	result := Result{
		Answer: resp.Content, RelevantChunks: chunks, ConfidenceScore: confidence,
		ProcessingTime: o.clock.Now().Sub(start), SourceDocuments: sourceDocs,
		Model: resp.Model, TokensUsed: resp.TokensUsed, CacheHit: false, Grounded: grounded,
	}

	if payload, err := json.Marshal(cachedResult{
		Answer: result.Answer, RelevantChunks: result.RelevantChunks, ConfidenceScore: result.ConfidenceScore,
		SourceDocuments: result.SourceDocuments, Model: result.Model, TokensUsed: result.TokensUsed, Grounded: result.Grounded,
	}); err == nil {
		o.cache.Set(ctx, tenant, cache.KindAnswer, fp, cache.Entry{Format: cache.FormatJSON, Value: payload}, cache.DefaultTTL(cache.KindAnswer))
	}

	o.metrics.ObserveHistogram("answer_latency_ms", float64(result.ProcessingTime.Milliseconds()), map[string]string{"tenant": tenant})
	o.metrics.IncCounter("answer_completed_total", map[string]string{"tenant": tenant})
	return result, nil
}

// completeWithRetry retries a TransientUpstream LLM failure with
// exponential backoff before giving up (spec §4.9 Error policy: "if the
// LLM call fails after retries, the call fails with UpstreamFailure").
func (o *Orchestrator) completeWithRetry(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= o.maxRetries; attempt++ {
		if attempt > 0 {
			o.clock.Sleep(o.retryBackoff * time.Duration(1<<uint(attempt-1)))
		}
		resp, err := o.llm.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !docerr.Retryable(err) {
			return llm.CompletionResponse{}, err
		}
	}
	return llm.CompletionResponse{}, docerr.New(docerr.TransientUpstream, "query.completeWithRetry", lastErr)
}

// assemblePrompt builds the message list: a system prompt, truncated chat
// history within historyWindow chars, then retrieved chunks in score order
// up to contextWindow chars without truncating mid-sentence (spec §4.9
// step 4).
func (o *Orchestrator) assemblePrompt(queryText string, history []Turn, chunks []search.ScoredChunk) []llm.Message {
	msgs := []llm.Message{{Role: llm.RoleSystem, Content: systemPrompt}}

	if historyText := truncateHistory(history, o.historyWindow); historyText != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: "Conversation history:\n" + historyText})
	}

	if contextText := assembleContext(chunks, o.contextWindow); contextText != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: "Context:\n" + contextText})
	}

	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: queryText})
	return msgs
}

// truncateHistory keeps the most recent turns that fit within budget chars,
// oldest-first within the kept window (spec §4.9 step 4).
func truncateHistory(history []Turn, budget int) string {
	if budget <= 0 || len(history) == 0 {
		return ""
	}
	var kept []string
	total := 0
	for i := len(history) - 1; i >= 0; i-- {
		line := fmt.Sprintf("%s: %s", history[i].Role, history[i].Content)
		if total+len(line) > budget {
			break
		}
		kept = append([]string{line}, kept...)
		total += len(line)
	}
	return strings.Join(kept, "\n")
}

// assembleContext adds chunks in score order until budget chars is
// exhausted; a chunk that would exceed the budget is omitted whole rather
// than truncated mid-sentence (spec §4.9 step 4).
func assembleContext(chunks []search.ScoredChunk, budget int) string {
	if budget <= 0 {
		return ""
	}
	var parts []string
	total := 0
	for _, c := range chunks {
		if total+len(c.Chunk.Content) > budget {
			continue
		}
		parts = append(parts, c.Chunk.Content)
		total += len(c.Chunk.Content)
	}
	return strings.Join(parts, "\n\n---\n\n")
}

func fingerprint(tenant, queryText string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s", tenant, queryText)
	return hex.EncodeToString(h.Sum(nil))
}
