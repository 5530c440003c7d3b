package blob

import (
	"context"
	"sync"

	"github.com/manifold-labs/docsearch/internal/docerr"
)

// memStore is an in-memory Store for tests and local development.
type memStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore returns a Store pre-seeded with contents.
func NewMemoryStore(contents map[string][]byte) Store {
	data := make(map[string][]byte, len(contents))
	for k, v := range contents {
		data[k] = v
	}
	return &memStore{data: data}
}

// Put registers or replaces a blob, for test setup.
func Put(s Store, ref string, content []byte) {
	if m, ok := s.(*memStore); ok {
		m.mu.Lock()
		m.data[ref] = content
		m.mu.Unlock()
	}
}

func (m *memStore) Fetch(ctx context.Context, ref string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[ref]
	if !ok {
		return nil, docerr.Newf(docerr.NotFound, "blob.Fetch", "blob %q not found", ref)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}
