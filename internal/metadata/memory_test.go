package metadata

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_CASDocumentStatus_LostRaceReturnsFalse(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateDocument(ctx, Document{ID: "d1", Tenant: "acme", Status: StatusQueued, CreatedAt: time.Now()}))

	ok, err := s.CASDocumentStatus(ctx, "acme", "d1", StatusQueued, StatusProcessing, false, "worker claimed")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CASDocumentStatus(ctx, "acme", "d1", StatusQueued, StatusProcessing, false, "second worker")
	require.NoError(t, err)
	assert.False(t, ok, "a second CAS from the same stale `from` state must lose the race")
}

func TestMemoryStore_TenantIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateDocument(ctx, Document{ID: "d1", Tenant: "acme", Status: StatusQueued, CreatedAt: time.Now()}))

	_, found, err := s.GetDocument(ctx, "other-tenant", "d1")
	require.NoError(t, err)
	assert.False(t, found, "a document must not be visible under a different tenant id")

	docs, err := s.ListDocuments(ctx, "other-tenant")
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestMemoryStore_GetChunksByIDs_PreservesOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	chunks := []Chunk{
		{ID: "c3", Tenant: "acme", Document: "d1", Sequence: 2, Content: "third"},
		{ID: "c1", Tenant: "acme", Document: "d1", Sequence: 0, Content: "first"},
		{ID: "c2", Tenant: "acme", Document: "d1", Sequence: 1, Content: "second"},
	}
	require.NoError(t, s.PersistChunksAndEmbeddings(ctx, "acme", chunks, nil))

	got, err := s.GetChunksByIDs(ctx, "acme", []string{"c2", "c3", "c1"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"c2", "c3", "c1"}, []string{got[0].ID, got[1].ID, got[2].ID})
}

func TestMemoryStore_DeleteDocumentChunks_RemovesEmbeddings(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.PersistChunksAndEmbeddings(ctx, "acme",
		[]Chunk{{ID: "c1", Tenant: "acme", Document: "d1"}},
		[]Embedding{{ID: "e1", Tenant: "acme", Chunk: "c1", Vector: []float32{1, 0}}},
	))

	removed, err := s.DeleteDocumentChunks(ctx, "acme", "d1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c1"}, removed)

	embs, err := s.ListTenantEmbeddings(ctx, "acme")
	require.NoError(t, err)
	assert.Empty(t, embs)
}

func TestMemoryStore_RecentMessages_OldestFirstAndLimited(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendMessage(ctx, Message{
			ID: string(rune('a' + i)), Tenant: "acme", Session: "s1",
			Role: RoleUser, Content: string(rune('a' + i)), CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	msgs, err := s.RecentMessages(ctx, "acme", "s1", 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.True(t, msgs[0].CreatedAt.Before(msgs[1].CreatedAt))
	assert.True(t, msgs[1].CreatedAt.Before(msgs[2].CreatedAt))
	assert.Equal(t, "c", msgs[0].Content)
	assert.Equal(t, "e", msgs[2].Content)
}

func TestMemoryStore_ResetStuckProcessing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateDocument(ctx, Document{ID: "d1", Tenant: "acme", Status: StatusProcessing, CreatedAt: time.Now()}))
	require.NoError(t, s.CreateDocument(ctx, Document{ID: "d2", Tenant: "acme", Status: StatusCompleted, CreatedAt: time.Now()}))
	require.NoError(t, s.CreateDocument(ctx, Document{ID: "d3", Tenant: "other", Status: StatusProcessing, CreatedAt: time.Now()}))

	n, err := s.ResetStuckProcessing(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	d1, _, err := s.GetDocument(ctx, "acme", "d1")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, d1.Status)

	d3, _, err := s.GetDocument(ctx, "other", "d3")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, d3.Status, "reset must not cross tenant boundaries")
}
