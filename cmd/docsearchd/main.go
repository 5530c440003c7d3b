// Command docsearchd wires every adapter into one process: metadata store,
// blob store, OCR engine, embedding adapter, vector index, result cache,
// rate limiter, LLM provider, and the ingestion/search/query/chat/jobqueue
// components built on top of them. Grounded on the teacher's
// cmd/orchestrator/main.go wiring shape (flag-driven config path, env
// overlay, graceful shutdown via signal.NotifyContext) and cmd/agentd's
// plain net/http.ServeMux endpoint style.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/manifold-labs/docsearch/internal/blob"
	"github.com/manifold-labs/docsearch/internal/cache"
	"github.com/manifold-labs/docsearch/internal/chat"
	"github.com/manifold-labs/docsearch/internal/clock"
	"github.com/manifold-labs/docsearch/internal/config"
	"github.com/manifold-labs/docsearch/internal/docerr"
	"github.com/manifold-labs/docsearch/internal/embedding"
	"github.com/manifold-labs/docsearch/internal/ingest"
	"github.com/manifold-labs/docsearch/internal/jobqueue"
	"github.com/manifold-labs/docsearch/internal/llm"
	"github.com/manifold-labs/docsearch/internal/metadata"
	"github.com/manifold-labs/docsearch/internal/obs"
	"github.com/manifold-labs/docsearch/internal/ocr"
	"github.com/manifold-labs/docsearch/internal/query"
	"github.com/manifold-labs/docsearch/internal/ratelimit"
	"github.com/manifold-labs/docsearch/internal/search"
	"github.com/manifold-labs/docsearch/internal/tenant"
	"github.com/manifold-labs/docsearch/internal/vectorindex"
)

func main() {
	configPath := flag.String("config", "docsearchd.yaml", "path to YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := obs.InitLogger("docsearchd.log", "info")
	log.Info().Str("config", *configPath).Msg("docsearchd starting")

	baseCtx := context.Background()
	metrics := buildMetrics(cfg.OTel)

	store, err := buildMetadataStore(baseCtx, cfg.Metadata)
	if err != nil {
		log.Fatal().Err(err).Msg("init metadata store")
	}
	blobs, err := buildBlobStore(baseCtx, cfg.Blob)
	if err != nil {
		log.Fatal().Err(err).Msg("init blob store")
	}
	index, err := buildVectorIndex(cfg.VectorIndex, store)
	if err != nil {
		log.Fatal().Err(err).Msg("init vector index")
	}
	resultCache := buildCache(cfg.Cache, log)
	embedAdapter := buildEmbeddingAdapter(cfg.Embedding)
	llmProvider := buildLLMProvider(cfg.LLM)

	runner := &embedding.BatchRunner{
		Adapter: embedAdapter, BatchSize: cfg.Embedding.BatchSize,
		MaxRetries: cfg.Embedding.MaxRetries, RetryDelay: cfg.Embedding.RetryBaseDelay,
		Sleep: func(ctx context.Context, d time.Duration) error { clock.System{}.Sleep(d); return nil },
	}
	limiter := ratelimit.New(clock.System{})
	registry := tenant.New(store, tenant.WithCacheTTL(cfg.Tenant.ResolveCacheTTL), tenant.WithLogger(log))

	ocrEngine := ocr.NewFakeEngine()

	coordinator := ingest.New(store, registry, blobs, ocrEngine, index, runner,
		ingest.WithLogger(log), ingest.WithMetrics(metrics),
		ingest.WithMaxConcurrentOCR(cfg.OCR.MaxConcurrent),
		ingest.WithMaxRetries(cfg.Ingestion.MaxRetries),
		ingest.WithRetryBackoff(cfg.Ingestion.RetryBackoff),
		ingest.WithOCRRetries(cfg.OCR.MaxRetries, cfg.OCR.RetryBaseDelay),
	)

	searchEngine := search.New(store, registry, index, runner, resultCache, limiter,
		search.WithLogger(log), search.WithMetrics(metrics),
		search.WithRateLimitPolicy(ratelimit.Policy{MaxRequests: cfg.RateLimit.Default.MaxRequests, Window: cfg.RateLimit.Default.Window}),
	)

	orchestrator := query.New(searchEngine, registry, llmProvider, resultCache, limiter,
		query.WithLogger(log), query.WithMetrics(metrics),
		query.WithModel(cfg.LLM.Model), query.WithTemperature(cfg.Query.Temperature),
		query.WithMaxTokens(cfg.Query.MaxOutputTokens),
		query.WithHistoryWindowChars(cfg.Query.HistoryWindowChars),
		query.WithContextWindowChars(cfg.Query.ContextWindowTokens*4),
	)

	chatManager := chat.New(store, registry, orchestrator,
		chat.WithLogger(log), chat.WithHistoryMessages(cfg.Chat.HistoryMessages),
		chat.WithSessionTimeout(cfg.Chat.SessionTimeout),
	)

	queue := jobqueue.New(cfg.JobQueue.QueueDepth, coordinator.Process,
		jobqueue.WithLogger(log), jobqueue.WithMetrics(metrics),
		jobqueue.WithWorkers(cfg.JobQueue.Workers),
		jobqueue.WithMaxRetries(cfg.Ingestion.MaxRetries),
		jobqueue.WithRetryBackoff(cfg.Ingestion.RetryBackoff),
	)

	ctx, cancel := signal.NotifyContext(baseCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	queue.Start(ctx)
	defer queue.Stop(cfg.JobQueue.DrainDeadline)

	srv := &server{
		store: store, registry: registry, queue: queue,
		search: searchEngine, query: orchestrator, chat: chatManager,
		log: log, clock: clock.System{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { fmt.Fprintln(w, "ok") })
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) { fmt.Fprintln(w, "ready") })
	mux.HandleFunc("/v1/tenants/{tenant}/documents", srv.handleCreateDocument)
	mux.HandleFunc("/v1/tenants/{tenant}/search", srv.handleSearch)
	mux.HandleFunc("/v1/tenants/{tenant}/query", srv.handleQuery)
	mux.HandleFunc("/v1/tenants/{tenant}/sessions", srv.handleCreateSession)
	mux.HandleFunc("/v1/tenants/{tenant}/sessions/{session}/turns", srv.handleProcessTurn)

	httpSrv := &http.Server{Addr: ":8080", Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	log.Info().Msg("docsearchd listening on :8080")
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func buildMetrics(cfg config.TelemetryConfig) obs.Metrics {
	if !cfg.Enabled {
		return obs.NoopMetrics{}
	}
	return obs.NewOtelMetrics()
}

func buildMetadataStore(ctx context.Context, cfg config.MetadataConfig) (metadata.Store, error) {
	if cfg.Backend == "postgres" {
		return metadata.NewPostgresStore(ctx, cfg.DSN)
	}
	return metadata.NewMemoryStore(), nil
}

func buildBlobStore(ctx context.Context, cfg config.BlobConfig) (blob.Store, error) {
	if cfg.Backend == "s3" {
		return blob.NewS3Store(ctx, blob.S3Config{Bucket: cfg.S3Bucket, Region: cfg.S3Region, Prefix: cfg.S3Prefix})
	}
	return blob.NewMemoryStore(nil), nil
}

func buildVectorIndex(cfg config.VectorIndexConfig, store metadata.Store) (vectorindex.Index, error) {
	if cfg.Backend == "qdrant" {
		return vectorindex.NewQdrantIndex(vectorindex.QdrantConfig{
			DSN: cfg.QdrantDSN, CollectionPrefix: cfg.CollectionPrefix, Dimensions: embedding.Dimensions,
		})
	}
	return vectorindex.NewMemoryIndex(store), nil
}

func buildCache(cfg config.CacheConfig, log zerolog.Logger) cache.Cache {
	if cfg.Backend == "redis" {
		return cache.NewRedisCache(cache.RedisConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}, log)
	}
	return cache.NewMemoryCache(cfg.MaxBytes, clock.System{})
}

func buildEmbeddingAdapter(cfg config.EmbeddingConfig) embedding.Adapter {
	if cfg.Backend == "openai" {
		return embedding.NewOpenAIAdapter(embedding.OpenAIConfig{APIKey: cfg.APIKey, BaseURL: cfg.Endpoint, Model: cfg.Model})
	}
	return embedding.NewFakeAdapter(cfg.Dimensions)
}

func buildLLMProvider(cfg config.LLMConfig) llm.Provider {
	switch cfg.Backend {
	case "anthropic":
		return llm.NewAnthropicProvider(llm.AnthropicConfig{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: cfg.Model}, nil)
	case "openai":
		return llm.NewOpenAIProvider(llm.OpenAIConfig{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: cfg.Model})
	default:
		return llm.NewFakeProvider()
	}
}

// allowedDocumentFormats mirrors internal/ingest's intake allowlist, checked
// again at the HTTP boundary so a bad upload never reaches the job queue
// (spec §6).
var allowedDocumentFormats = map[metadata.DocumentFormat]bool{
	metadata.FormatPDF:  true,
	metadata.FormatDOCX: true,
	metadata.FormatXLSX: true,
}

// server holds handler dependencies; methods below are the thinnest
// possible adaptation of each component's contract onto JSON over HTTP.
type server struct {
	store    metadata.Store
	registry *tenant.Registry
	queue    *jobqueue.Queue
	search   *search.Engine
	query    *query.Orchestrator
	chat     *chat.Manager
	log      zerolog.Logger
	clock    clock.Clock
}

func (s *server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenantID := r.PathValue("tenant")
	claimed := r.Header.Get("X-Tenant-ID")
	if err := s.registry.AssertScope(r.Context(), tenantID, claimed); err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		ID       string `json:"id"`
		Filename string `json:"filename"`
		Format   string `json:"format"`
		BlobRef  string `json:"blob_ref"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if !allowedDocumentFormats[metadata.DocumentFormat(req.Format)] {
		writeError(w, docerr.Newf(docerr.Validation, "docsearchd.handleCreateDocument", "unsupported format %q", req.Format))
		return
	}

	doc := metadata.Document{
		ID: req.ID, Tenant: tenantID, Filename: req.Filename,
		Format: metadata.DocumentFormat(req.Format), BlobRef: req.BlobRef,
		Status: metadata.StatusQueued, CreatedAt: s.clock.Now(), SchemaVersion: metadata.SchemaVersion,
	}
	if err := s.store.CreateDocument(r.Context(), doc); err != nil {
		writeError(w, err)
		return
	}
	if err := s.queue.Enqueue(r.Context(), jobqueue.Job{Tenant: tenantID, Document: doc.ID}); err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"id": doc.ID, "status": string(doc.Status)})
}

func (s *server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenantID := r.PathValue("tenant")
	claimed := r.Header.Get("X-Tenant-ID")
	if err := s.registry.AssertScope(r.Context(), tenantID, claimed); err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		Query     string  `json:"query"`
		TopK      int     `json:"top_k"`
		Threshold float64 `json:"threshold"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	identity := r.Header.Get("X-User-ID")
	results, err := s.search.Search(r.Context(), tenantID, identity, req.Query, req.TopK, req.Threshold)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(results)
}

func (s *server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenantID := r.PathValue("tenant")
	identity := r.Header.Get("X-User-ID")

	var req struct {
		Query   string `json:"query"`
		History []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"history"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	history := make([]query.Turn, 0, len(req.History))
	for _, h := range req.History {
		history = append(history, query.Turn{Role: llm.Role(h.Role), Content: h.Content})
	}

	result, err := s.query.Answer(r.Context(), tenantID, req.Query, history, query.SecurityContext{Tenant: tenantID, Identity: identity})
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

func (s *server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenantID := r.PathValue("tenant")
	var req struct {
		User  string `json:"user"`
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	session, err := s.chat.CreateSession(r.Context(), tenantID, req.User, req.Title)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(session)
}

func (s *server) handleProcessTurn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenantID := r.PathValue("tenant")
	sessionID := r.PathValue("session")
	identity := r.Header.Get("X-User-ID")

	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	result, err := s.chat.ProcessTurn(r.Context(), tenantID, sessionID, identity, req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

// writeError maps a classified error onto an HTTP status, keeping the
// mapping in one place rather than repeating a switch per handler.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch docerr.KindOf(err) {
	case docerr.Validation:
		status = http.StatusBadRequest
	case docerr.AuthForbidden:
		status = http.StatusForbidden
	case docerr.NotFound:
		status = http.StatusNotFound
	case docerr.RateLimited:
		status = http.StatusTooManyRequests
	case docerr.TransientUpstream:
		status = http.StatusBadGateway
	case docerr.PermanentUpstream:
		status = http.StatusUnprocessableEntity
	case docerr.Cancelled:
		status = 499
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

