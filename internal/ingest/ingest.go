// Package ingest implements the Ingestion Coordinator (spec C9): the
// per-document state machine driving a raw upload through OCR, chunking,
// embedding and indexing to completed or failed. Grounded on the teacher's
// internal/rag/service.Service.Ingest method: a per-stage-timed pipeline
// configured through an options-pattern constructor, generalized here from
// a single FTS+vector+graph backend to blob/ocr/chunk/embedding/vectorindex
// adapters plus the tenant-scoped metadata store.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/manifold-labs/docsearch/internal/blob"
	"github.com/manifold-labs/docsearch/internal/chunk"
	"github.com/manifold-labs/docsearch/internal/clock"
	"github.com/manifold-labs/docsearch/internal/docerr"
	"github.com/manifold-labs/docsearch/internal/embedding"
	"github.com/manifold-labs/docsearch/internal/metadata"
	"github.com/manifold-labs/docsearch/internal/obs"
	"github.com/manifold-labs/docsearch/internal/ocr"
	"github.com/manifold-labs/docsearch/internal/tenant"
	"github.com/manifold-labs/docsearch/internal/vectorindex"
)

// allowedFormats is the intake allowlist (spec §6): anything else is
// rejected before a worker ever touches the blob store.
var allowedFormats = map[metadata.DocumentFormat]bool{
	metadata.FormatPDF:  true,
	metadata.FormatDOCX: true,
	metadata.FormatXLSX: true,
}

// idNamespace roots every content-addressed chunk/embedding id so re-ingest
// is idempotent (spec §4.7 step 6, Testable Property 5): the same
// (document, sequence, content) always derives the same id.
var idNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// ProgressEvent reports coordinator progress to an observing transport
// layer without blocking the pipeline (spec §4.7 step 8).
type ProgressEvent struct {
	Tenant   string
	Document string
	Stage    string
	Percent  int
}

// Coordinator drives process() for one document at a time per call; the
// caller (internal/jobqueue, C13) supplies concurrency across documents.
type Coordinator struct {
	store    metadata.Store
	registry *tenant.Registry
	blobs    blob.Store
	ocr      ocr.Engine
	index    vectorindex.Index
	embed    *embedding.BatchRunner
	chunkOpt chunk.Options

	log     zerolog.Logger
	clock   clock.Clock
	metrics obs.Metrics
	sem     *semaphore.Weighted
	progress chan<- ProgressEvent

	maxRetries      int
	retryBackoff    time.Duration
	ocrMaxRetries   int
	ocrRetryBackoff time.Duration
}

// Option configures a Coordinator, mirroring the teacher's rag/service
// Option pattern (WithLogger, WithClock, WithMetrics, ...).
type Option func(*Coordinator)

func WithLogger(l zerolog.Logger) Option            { return func(c *Coordinator) { c.log = l } }
func WithClock(cl clock.Clock) Option               { return func(c *Coordinator) { c.clock = cl } }
func WithMetrics(m obs.Metrics) Option               { return func(c *Coordinator) { c.metrics = m } }
func WithChunkOptions(o chunk.Options) Option        { return func(c *Coordinator) { c.chunkOpt = o } }
func WithMaxConcurrentOCR(n int) Option {
	return func(c *Coordinator) {
		if n <= 0 {
			n = 4
		}
		c.sem = semaphore.NewWeighted(int64(n))
	}
}
func WithMaxRetries(n int) Option            { return func(c *Coordinator) { c.maxRetries = n } }
func WithRetryBackoff(d time.Duration) Option { return func(c *Coordinator) { c.retryBackoff = d } }
func WithOCRRetries(n int, backoff time.Duration) Option {
	return func(c *Coordinator) { c.ocrMaxRetries = n; c.ocrRetryBackoff = backoff }
}
func WithProgress(ch chan<- ProgressEvent) Option { return func(c *Coordinator) { c.progress = ch } }

// New builds a Coordinator. MAX_CONCURRENT_OCR defaults to 4 and MAX_RETRIES
// to 3 (spec §4.7) unless overridden by options.
func New(store metadata.Store, registry *tenant.Registry, blobs blob.Store, eng ocr.Engine, idx vectorindex.Index, runner *embedding.BatchRunner, opts ...Option) *Coordinator {
	c := &Coordinator{
		store: store, registry: registry, blobs: blobs, ocr: eng, index: idx, embed: runner,
		log: zerolog.Nop(), clock: clock.System{}, metrics: obs.NoopMetrics{},
		sem:             semaphore.NewWeighted(4),
		maxRetries:      3,
		retryBackoff:    2 * time.Second,
		ocrMaxRetries:   3,
		ocrRetryBackoff: 2 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Coordinator) emit(tenant, document, stage string, percent int) {
	if c.progress == nil {
		return
	}
	select {
	case c.progress <- ProgressEvent{Tenant: tenant, Document: document, Stage: stage, Percent: percent}:
	default:
		// a slow or absent consumer must never stall the pipeline.
	}
}

// Process runs the full state machine for one document (spec §4.7). It
// returns nil if another worker already owns the document (a lost CAS
// race), not an error.
func (c *Coordinator) Process(ctx context.Context, tenant, documentID string) error {
	log := c.log.With().Str("tenant", tenant).Str("document", documentID).Logger()

	if err := c.registry.AssertScope(ctx, tenant, tenant); err != nil {
		return err
	}

	doc, ok, err := c.store.GetDocument(ctx, tenant, documentID)
	if err != nil {
		return docerr.New(docerr.Internal, "ingest.Process", err)
	}
	if !ok {
		return docerr.New(docerr.NotFound, "ingest.Process", nil)
	}
	if doc.Status == metadata.StatusProcessing {
		log.Debug().Msg("document already owned by another worker")
		return nil
	}
	if doc.Status != metadata.StatusQueued && doc.Status != metadata.StatusFailed {
		return docerr.Newf(docerr.Validation, "ingest.Process", "document %s not eligible from status %s", documentID, doc.Status)
	}
	if doc.RetryCount >= c.maxRetries {
		_ = c.store.SetDocumentError(ctx, tenant, documentID, "retry budget exhausted")
		return docerr.New(docerr.PermanentUpstream, "ingest.Process", nil)
	}
	if !allowedFormats[doc.Format] {
		_ = c.store.SetDocumentError(ctx, tenant, documentID, "unsupported format: "+string(doc.Format))
		return docerr.Newf(docerr.Validation, "ingest.Process", "unsupported format %q", doc.Format)
	}

	owned, err := c.store.CASDocumentStatus(ctx, tenant, documentID, doc.Status, metadata.StatusProcessing, false, "process start")
	if err != nil {
		return docerr.New(docerr.Internal, "ingest.Process", err)
	}
	if !owned {
		log.Debug().Msg("lost CAS race to another worker")
		return nil
	}

	start := c.clock.Now()
	c.emit(tenant, documentID, "guard", 5)

	chunks, vecs, err := c.runPipeline(ctx, log, tenant, doc)
	if err != nil {
		if len(chunks) > 0 {
			return c.failWithPartialChunks(ctx, log, tenant, documentID, chunks, vecs, err)
		}
		return c.handleFailure(ctx, log, tenant, documentID, doc, err)
	}

	c.emit(tenant, documentID, "index", 90)
	if err := c.persistAndIndexWithRetry(ctx, log, tenant, documentID, chunks, vecs); err != nil {
		return c.handleFailure(ctx, log, tenant, documentID, doc, err)
	}

	if err := c.store.SetDocumentCompleted(ctx, tenant, documentID, c.clock.Now()); err != nil {
		return docerr.New(docerr.Internal, "ingest.Process", err)
	}
	c.emit(tenant, documentID, "completed", 100)
	c.metrics.ObserveHistogram("ingest_document_ms", float64(c.clock.Now().Sub(start).Milliseconds()), map[string]string{"tenant": tenant})
	c.metrics.IncCounter("ingest_documents_completed_total", map[string]string{"tenant": tenant})
	return nil
}

// runPipeline executes fetch, OCR, chunk and embed in order, returning
// persistable chunks and their embeddings. It does not mutate document
// status; callers decide how to react to a returned error.
func (c *Coordinator) runPipeline(ctx context.Context, log zerolog.Logger, tenant string, doc metadata.Document) ([]metadata.Chunk, []metadata.Embedding, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, docerr.New(docerr.Cancelled, "ingest.runPipeline", err)
	}

	content, err := c.blobs.Fetch(ctx, doc.BlobRef)
	if err != nil {
		return nil, nil, err
	}
	if len(content) > metadata.MaxFileSizeBytes {
		return nil, nil, docerr.Newf(docerr.Validation, "ingest.runPipeline", "blob %d bytes exceeds max %d", len(content), metadata.MaxFileSizeBytes)
	}
	c.emit(tenant, doc.ID, "fetch", 15)

	blocks, err := c.runOCRWithRetry(ctx, content, string(doc.Format))
	if err != nil {
		return nil, nil, err
	}
	c.emit(tenant, doc.ID, "ocr", 45)

	format := strings.ToLower(string(doc.Format))
	preserveLayout := format == "pdf" || format == "docx"
	chunked := chunk.Split(blocks, chunkOptionsFor(c.chunkOpt, preserveLayout))
	if len(chunked) == 0 {
		return nil, nil, docerr.New(docerr.PermanentUpstream, "ingest.runPipeline", errors.New("no chunks produced"))
	}
	c.emit(tenant, doc.ID, "chunk", 60)

	texts := make([]string, len(chunked))
	for i, ch := range chunked {
		texts[i] = ch.Content
	}
	results := c.embed.Run(ctx, texts)
	c.emit(tenant, doc.ID, "embed", 80)

	chunks := make([]metadata.Chunk, len(chunked))
	embeddings := make([]metadata.Embedding, 0, len(chunked))
	now := c.clock.Now()
	var firstErr error
	for i, ch := range chunked {
		id := contentAddressedID(doc.ID, i, ch.Content)
		chunks[i] = metadata.Chunk{
			ID: id, Document: doc.ID, Tenant: tenant, Sequence: ch.Sequence, Content: ch.Content,
			Metadata: metadata.ChunkMetadata{Page: ch.Page, Layout: ch.Layout, Confidence: ch.Confidence, PreservingLayout: ch.PreservingLayout},
		}
		res := results[i]
		if res.Err != nil {
			chunks[i].Status = "error"
			if firstErr == nil {
				firstErr = res.Err
			}
			continue
		}
		embeddings = append(embeddings, metadata.Embedding{
			ID: id, Chunk: id, Tenant: tenant, Vector: res.Vector, CreatedAt: now,
		})
	}
	if firstErr != nil {
		return chunks, embeddings, firstErr
	}
	return chunks, embeddings, nil
}

// failWithPartialChunks persists whatever chunks runPipeline managed to
// produce before an embedding batch permanently failed (spec Testable
// Property S3): error-status chunks stay visible in the metadata store, but
// nothing from this document reaches the vector index, unlike handleFailure's
// cleanup path which undoes a half-completed persistAndIndexWithRetry.
func (c *Coordinator) failWithPartialChunks(ctx context.Context, log zerolog.Logger, tenant, documentID string, chunks []metadata.Chunk, embeddings []metadata.Embedding, cause error) error {
	cleanupCtx := context.Background()
	if err := c.store.PersistChunksAndEmbeddings(cleanupCtx, tenant, chunks, embeddings); err != nil {
		log.Warn().Err(err).Msg("failed to persist error-status chunks")
	}
	if _, err := c.store.CASDocumentStatus(cleanupCtx, tenant, documentID, metadata.StatusProcessing, metadata.StatusFailed, true, "failed"); err != nil {
		log.Warn().Err(err).Msg("failed to transition document to failed")
	}
	if err := c.store.SetDocumentError(cleanupCtx, tenant, documentID, cause.Error()); err != nil {
		log.Warn().Err(err).Msg("failed to record document error")
	}
	c.emit(tenant, documentID, "failed", 100)
	c.metrics.IncCounter("ingest_documents_failed_total", map[string]string{"tenant": tenant, "reason": "failed"})
	log.Error().Err(cause).Msg("ingestion failed")
	return cause
}

func chunkOptionsFor(opt chunk.Options, preserveLayout bool) chunk.Options {
	opt.PreserveLayout = opt.PreserveLayout || preserveLayout
	return opt
}

// contentAddressedID derives a stable id from (document, sequence, content)
// so re-ingest never produces duplicate chunks/embeddings (spec §4.7 step
// 6), grounded on the same uuid.NewSHA1 derivation internal/vectorindex
// uses for Qdrant point ids.
func contentAddressedID(document string, sequence int, content string) string {
	var buf bytes.Buffer
	buf.WriteString(document)
	buf.WriteByte(0)
	buf.WriteString(strconv.Itoa(sequence))
	buf.WriteByte(0)
	buf.WriteString(content)
	return uuid.NewSHA1(idNamespace, buf.Bytes()).String()
}

// runOCRWithRetry acquires the GPU-resource semaphore for the duration of
// each attempt, releasing it on every exit path, and retries transient
// failures up to ocrMaxRetries with exponential backoff (spec §4.7 step 3).
func (c *Coordinator) runOCRWithRetry(ctx context.Context, content []byte, format string) ([]ocr.Block, error) {
	var lastErr error
	for attempt := 0; attempt <= c.ocrMaxRetries; attempt++ {
		if attempt > 0 {
			c.clock.Sleep(c.ocrRetryBackoff * time.Duration(1<<uint(attempt-1)))
		}
		if err := ctx.Err(); err != nil {
			return nil, docerr.New(docerr.Cancelled, "ingest.runOCRWithRetry", err)
		}
		blocks, err := c.acquireAndProcess(ctx, content, format)
		if err == nil {
			return blocks, nil
		}
		lastErr = err
		if !docerr.Retryable(err) {
			return nil, err
		}
	}
	return nil, docerr.New(docerr.TransientUpstream, "ingest.runOCRWithRetry", lastErr)
}

// acquireAndProcess acquires one GPU permit, guaranteeing its release on
// every exit path including panics and cancellation.
func (c *Coordinator) acquireAndProcess(ctx context.Context, content []byte, format string) ([]ocr.Block, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, docerr.New(docerr.Cancelled, "ingest.acquireAndProcess", err)
	}
	defer c.sem.Release(1)
	return c.ocr.Process(ctx, content, format)
}

// persistAndIndexWithRetry writes metadata before the vector index add
// (spec §4.7 step 6): on restart the index rebuilds from the metadata
// store, so writing metadata first and indexing second means a crash
// between the two steps only costs a redundant, idempotent AddBatch on
// re-ingest, never an orphaned index entry with no backing metadata.
// OCR/chunk/embed are not repeated on retry: they already succeeded and
// re-running them would waste the GPU permit and embedding budget this
// step alone is failing.
func (c *Coordinator) persistAndIndexWithRetry(ctx context.Context, log zerolog.Logger, tenant, documentID string, chunks []metadata.Chunk, embeddings []metadata.Embedding) error {
	partition, err := c.index.Partition(ctx, tenant)
	if err != nil {
		return docerr.New(docerr.Internal, "ingest.persistAndIndexWithRetry", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.retryBackoff * time.Duration(1<<uint(attempt))
			c.clock.Sleep(backoff)
			if _, err := c.store.CASDocumentStatus(ctx, tenant, documentID, metadata.StatusProcessing, metadata.StatusProcessing, true, "index retry"); err != nil {
				log.Warn().Err(err).Msg("failed to record retry attempt")
			}
		}
		if err := ctx.Err(); err != nil {
			return docerr.New(docerr.Cancelled, "ingest.persistAndIndexWithRetry", err)
		}

		if err := c.store.PersistChunksAndEmbeddings(ctx, tenant, chunks, embeddings); err != nil {
			lastErr = err
			continue
		}
		entries := make([]vectorindex.Entry, len(embeddings))
		for i, e := range embeddings {
			entries[i] = vectorindex.Entry{ID: e.ID, Vector: e.Vector}
		}
		if err := partition.AddBatch(ctx, entries); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return docerr.New(docerr.TransientUpstream, "ingest.persistAndIndexWithRetry", lastErr)
}

// handleFailure transitions doc to failed (or cancelled) and runs cleanup,
// removing any partial index entries left by a half-completed persist step
// (spec §4.7 step 7).
func (c *Coordinator) handleFailure(ctx context.Context, log zerolog.Logger, tenant, documentID string, doc metadata.Document, cause error) error {
	reason := "failed"
	if docerr.IsKind(cause, docerr.Cancelled) {
		reason = "cancelled"
	}

	cleanupCtx := context.Background()
	if removed, err := c.store.DeleteDocumentChunks(cleanupCtx, tenant, documentID); err == nil && len(removed) > 0 {
		if partition, perr := c.index.Partition(cleanupCtx, tenant); perr == nil {
			if err := partition.Remove(cleanupCtx, removed); err != nil {
				log.Warn().Err(err).Msg("cleanup: failed to remove partial index entries")
			}
		}
	} else if err != nil {
		log.Warn().Err(err).Msg("cleanup: failed to remove partial chunks")
	}

	if _, err := c.store.CASDocumentStatus(cleanupCtx, tenant, documentID, metadata.StatusProcessing, metadata.StatusFailed, true, reason); err != nil {
		log.Warn().Err(err).Msg("failed to transition document to failed")
	}
	if err := c.store.SetDocumentError(cleanupCtx, tenant, documentID, cause.Error()); err != nil {
		log.Warn().Err(err).Msg("failed to record document error")
	}
	c.emit(tenant, documentID, reason, 100)
	c.metrics.IncCounter("ingest_documents_failed_total", map[string]string{"tenant": tenant, "reason": reason})
	log.Error().Err(cause).Str("reason", reason).Msg("ingestion failed")
	return cause
}
