package blob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manifold-labs/docsearch/internal/docerr"
)

func TestMemoryStore_FetchMissingIsNotFound(t *testing.T) {
	s := NewMemoryStore(nil)
	_, err := s.Fetch(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, docerr.NotFound, docerr.KindOf(err))
}

func TestMemoryStore_FetchReturnsStoredBytes(t *testing.T) {
	s := NewMemoryStore(map[string][]byte{"doc-1": []byte("hello")})
	got, err := s.Fetch(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestMemoryStore_FetchCopiesBytes(t *testing.T) {
	s := NewMemoryStore(map[string][]byte{"doc-1": []byte("hello")})
	got, err := s.Fetch(context.Background(), "doc-1")
	require.NoError(t, err)
	got[0] = 'H'

	again, err := s.Fetch(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, byte('h'), again[0], "mutating a fetched slice must not affect stored content")
}
