package vectorindex

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manifold-labs/docsearch/internal/metadata"
)

func TestMemoryIndex_PartitionsAreIsolatedPerTenant(t *testing.T) {
	ctx := context.Background()
	store := metadata.NewMemoryStore()
	idx := NewMemoryIndex(store)

	pa, err := idx.Partition(ctx, "acme")
	require.NoError(t, err)
	require.NoError(t, pa.AddBatch(ctx, []Entry{{ID: "e1", Vector: []float32{1, 0}}}))

	pb, err := idx.Partition(ctx, "globex")
	require.NoError(t, err)
	assert.Equal(t, 0, pb.Len())
	assert.Equal(t, 1, pa.Len())
}

func TestMemoryIndex_RebuildsFromStoreOnFirstAccess(t *testing.T) {
	ctx := context.Background()
	store := metadata.NewMemoryStore()
	require.NoError(t, store.PersistChunksAndEmbeddings(ctx, "acme", nil, []metadata.Embedding{
		{ID: "e1", Chunk: "c1", Vector: []float32{1, 0}, CreatedAt: time.Now()},
		{ID: "e2", Chunk: "c2", Vector: []float32{0, 1}, CreatedAt: time.Now()},
	}))

	idx := NewMemoryIndex(store)
	p, err := idx.Partition(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 2, p.Len())
}

func TestPartition_SearchOrdersByScoreThenID(t *testing.T) {
	ctx := context.Background()
	p := newMemPartition()
	require.NoError(t, p.AddBatch(ctx, []Entry{
		{ID: "b", Vector: []float32{1, 0}},
		{ID: "a", Vector: []float32{1, 0}},
		{ID: "low", Vector: []float32{0, 1}},
	}))

	matches, err := p.Search(ctx, []float32{1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, matches, 3)
	assert.Equal(t, "a", matches[0].ID, "equal scores must break ties by ascending id")
	assert.Equal(t, "b", matches[1].ID)
	assert.Equal(t, "low", matches[2].ID)
}

func TestPartition_SearchRespectsTopK(t *testing.T) {
	ctx := context.Background()
	p := newMemPartition()
	for i := 0; i < 10; i++ {
		require.NoError(t, p.AddBatch(ctx, []Entry{{ID: string(rune('a' + i)), Vector: []float32{float32(i), 0}}}))
	}
	matches, err := p.Search(ctx, []float32{1, 0}, 3)
	require.NoError(t, err)
	assert.Len(t, matches, 3)
}

func TestPartition_RemoveDeletesEntries(t *testing.T) {
	ctx := context.Background()
	p := newMemPartition()
	require.NoError(t, p.AddBatch(ctx, []Entry{{ID: "a", Vector: []float32{1}}, {ID: "b", Vector: []float32{1}}}))
	require.NoError(t, p.Remove(ctx, []string{"a"}))
	assert.Equal(t, 1, p.Len())
}
