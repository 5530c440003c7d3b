package embedding

import (
	"context"
	"hash/fnv"
	"sync/atomic"

	"github.com/manifold-labs/docsearch/internal/docerr"
)

// fakeAdapter is a deterministic, hash-based Adapter for tests, grounded on
// the teacher's deterministicEmbedder (internal/rag/embedder): 3-gram
// byte hashing into a fixed-size vector, no network call.
type fakeAdapter struct {
	dim      int
	failNext atomic.Int32
}

// NewFakeAdapter returns an Adapter producing deterministic vectors.
func NewFakeAdapter(dim int) Adapter {
	if dim <= 0 {
		dim = Dimensions
	}
	return &fakeAdapter{dim: dim}
}

// NewFlakyFakeAdapter fails the next failCount EmbedBatch calls with a
// TransientUpstream error, then behaves like NewFakeAdapter — grounded on
// spec Testable Property S2's OCR-analogue for the embedding stage.
func NewFlakyFakeAdapter(dim, failCount int) Adapter {
	if dim <= 0 {
		dim = Dimensions
	}
	a := &fakeAdapter{dim: dim}
	a.failNext.Store(int32(failCount))
	return a
}

func (f *fakeAdapter) Name() string   { return "deterministic" }
func (f *fakeAdapter) Dimension() int { return f.dim }

func (f *fakeAdapter) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	for {
		n := f.failNext.Load()
		if n <= 0 {
			break
		}
		if f.failNext.CompareAndSwap(n, n-1) {
			return nil, docerr.New(docerr.TransientUpstream, "embedding.fake.EmbedBatch", nil)
		}
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.embedOne(t)
	}
	return out, nil
}

func (f *fakeAdapter) embedOne(s string) []float32 {
	v := make([]float32, f.dim)
	b := []byte(s)
	if len(b) < 3 {
		addGram(b, v)
		return v
	}
	for i := 0; i <= len(b)-3; i++ {
		addGram(b[i:i+3], v)
	}
	return v
}

func addGram(gram []byte, v []float32) {
	h := fnv.New64a()
	_, _ = h.Write(gram)
	hv := h.Sum64()
	idx := int(hv % uint64(len(v)))
	w := float32(int32(hv>>32)) / float32(1<<31)
	v[idx] += w
}
