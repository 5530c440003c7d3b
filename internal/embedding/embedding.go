// Package embedding implements the Embedding Adapter (spec C5): batched,
// retrying, L2-normalized vectorization of chunk text. Grounded on the
// teacher's internal/rag/embedder.Embedder interface (EmbedBatch/Name/
// Dimension/Ping) and its clientEmbedder/deterministicEmbedder split
// between a real HTTP-backed implementation and a hash-based fake for
// tests.
package embedding

import (
	"context"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/manifold-labs/docsearch/internal/docerr"
)

// Dimensions is the fixed vector width the spec mandates (spec §3).
const Dimensions = 1536

// NormLow and NormHigh bound the acceptable L2 norm of a unit vector
// (spec §3: ‖vector‖₂ = 1 ± 1e-2).
const (
	NormLow  = 0.99
	NormHigh = 1.01
)

// Adapter batch-vectorizes chunk text.
type Adapter interface {
	// EmbedBatch returns one vector per input text, in input order. The
	// vectors need not be unit length; BatchRunner L2-normalizes them.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Name() string
	Dimension() int
}

// Result pairs an embedding outcome back to its originating index so a
// permanent per-batch failure can be attributed to the right chunks
// without failing sibling batches (spec §4.3).
type Result struct {
	Index int
	Vector []float32
	Err    error
}

// BatchRunner drives an Adapter with the spec's batching and retry policy:
// up to batchSize texts per call, retried up to maxRetries times with
// exponential backoff (base 2^n · retryDelay), failures attributed
// per-batch without aborting the whole run.
type BatchRunner struct {
	Adapter    Adapter
	BatchSize  int
	MaxRetries int
	RetryDelay time.Duration
	Sleep      func(context.Context, time.Duration) error

	// MaxConcurrency bounds how many batches are in flight to the adapter at
	// once; defaults to 4 when unset.
	MaxConcurrency int
}

// Run embeds all texts, returning one Result per input index. Batches fan
// out concurrently (bounded by MaxConcurrency) the way the teacher's
// web_fetch tool fans out concurrent URL fetches with errgroup.Group and
// SetLimit. A batch that exhausts its retries yields PermanentUpstream-
// classified errors for every text in that batch; other batches are
// unaffected and the run as a whole never fails.
func (r *BatchRunner) Run(ctx context.Context, texts []string) []Result {
	batchSize := r.BatchSize
	if batchSize <= 0 {
		batchSize = 32
	}
	conc := r.MaxConcurrency
	if conc <= 0 {
		conc = 4
	}
	results := make([]Result, len(texts))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(conc)
	for start := 0; start < len(texts); start += batchSize {
		start := start
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]
		g.Go(func() error {
			vecs, err := r.runBatchWithRetry(ctx, batch)
			if err != nil {
				classified := docerr.New(docerr.PermanentUpstream, "embedding.Run", err)
				for i := range batch {
					results[start+i] = Result{Index: start + i, Err: classified}
				}
				return nil
			}
			for i, v := range vecs {
				if len(v) != Dimensions {
					err := fmt.Errorf("embedding: got %d dimensions, want %d", len(v), Dimensions)
					results[start+i] = Result{Index: start + i, Err: docerr.New(docerr.PermanentUpstream, "embedding.Run", err)}
					continue
				}
				nv := normalize(v)
				if n := l2Norm(nv); n < NormLow || n > NormHigh {
					err := fmt.Errorf("embedding: normalized norm %f outside [%f, %f]", n, NormLow, NormHigh)
					results[start+i] = Result{Index: start + i, Err: docerr.New(docerr.PermanentUpstream, "embedding.Run", err)}
					continue
				}
				results[start+i] = Result{Index: start + i, Vector: nv}
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (r *BatchRunner) runBatchWithRetry(ctx context.Context, batch []string) ([][]float32, error) {
	maxRetries := r.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	delay := r.RetryDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := delay * time.Duration(1<<uint(attempt-1))
			if r.Sleep != nil {
				if err := r.Sleep(ctx, backoff); err != nil {
					return nil, err
				}
			}
		}
		vecs, err := r.Adapter.EmbedBatch(ctx, batch)
		if err == nil {
			return vecs, nil
		}
		lastErr = err
		if !docerr.Retryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func l2Norm(v []float32) float64 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	return math.Sqrt(sumSq)
}

func normalize(v []float32) []float32 {
	norm := l2Norm(v)
	if norm == 0 {
		return v
	}
	out := make([]float32, len(v))
	inv := float32(1.0 / norm)
	for i, x := range v {
		out[i] = x * inv
	}
	return out
}
