package vectorindex

import (
	"context"
	"sort"
	"sync"

	"github.com/manifold-labs/docsearch/internal/docerr"
	"github.com/manifold-labs/docsearch/internal/metadata"
)

// memPartition is an exact, brute-force inner-product partition: the
// default backend when no ANN service (Qdrant) is configured. Fine for the
// per-tenant scale the spec targets; reader-writer locking lets searches
// run concurrently with each other while serializing against writes.
type memPartition struct {
	mu      sync.RWMutex
	vectors map[string][]float32
}

func newMemPartition() *memPartition {
	return &memPartition{vectors: make(map[string][]float32)}
}

func (p *memPartition) AddBatch(ctx context.Context, entries []Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range entries {
		vec := make([]float32, len(e.Vector))
		copy(vec, e.Vector)
		p.vectors[e.ID] = vec
	}
	return nil
}

func (p *memPartition) Remove(ctx context.Context, ids []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		delete(p.vectors, id)
	}
	return nil
}

func (p *memPartition) Clear(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.vectors = make(map[string][]float32)
	return nil
}

func (p *memPartition) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.vectors)
}

func (p *memPartition) Search(ctx context.Context, query []float32, topK int) ([]Match, error) {
	if topK <= 0 {
		topK = 5
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	matches := make([]Match, 0, len(p.vectors))
	for id, vec := range p.vectors {
		matches = append(matches, Match{ID: id, Score: innerProduct(query, vec)})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func innerProduct(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// memIndex holds one memPartition per tenant, lazily rebuilt from store on
// first access (spec §4.4 Recovery).
type memIndex struct {
	store metadata.Store

	mu         sync.Mutex
	partitions map[string]*memPartition
}

// NewMemoryIndex returns an Index backed by in-process exact search,
// rebuilding each tenant's partition from store on first access.
func NewMemoryIndex(store metadata.Store) Index {
	return &memIndex{store: store, partitions: make(map[string]*memPartition)}
}

func (idx *memIndex) Partition(ctx context.Context, tenant string) (Partition, error) {
	idx.mu.Lock()
	p, ok := idx.partitions[tenant]
	if ok {
		idx.mu.Unlock()
		return p, nil
	}
	p = newMemPartition()
	idx.partitions[tenant] = p
	idx.mu.Unlock()

	embeddings, err := idx.store.ListTenantEmbeddings(ctx, tenant)
	if err != nil {
		return nil, docerr.New(docerr.Internal, "vectorindex.Partition", err)
	}
	entries := make([]Entry, len(embeddings))
	for i, e := range embeddings {
		entries[i] = Entry{ID: e.ID, Vector: e.Vector}
	}
	if err := p.AddBatch(ctx, entries); err != nil {
		return nil, err
	}
	return p, nil
}
