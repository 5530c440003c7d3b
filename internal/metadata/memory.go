package metadata

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/manifold-labs/docsearch/internal/docerr"
)

// memStore is an in-memory Store, grounded on the teacher's memChatStore
// (internal/persistence/databases/chat_store_memory.go): one mutex guarding
// plain maps, tenant id folded into every key so cross-tenant access is a
// map miss rather than a filter that can be forgotten.
type memStore struct {
	mu sync.RWMutex

	tenants map[string]Tenant

	docs   map[tenantKey]Document
	audits []IngestAudit

	chunks     map[tenantKey]Chunk
	chunksByID map[string]tenantKey // id -> key, used to scope GetChunksByIDs

	embeddings map[tenantKey]Embedding

	sessions map[tenantKey]ChatSession
	messages map[tenantKey][]Message
}

type tenantKey struct {
	tenant string
	id     string
}

// NewMemoryStore returns a Store suitable for tests and for running without
// a configured Postgres DSN.
func NewMemoryStore() Store {
	return &memStore{
		tenants:    make(map[string]Tenant),
		docs:       make(map[tenantKey]Document),
		chunks:     make(map[tenantKey]Chunk),
		chunksByID: make(map[string]tenantKey),
		embeddings: make(map[tenantKey]Embedding),
		sessions:   make(map[tenantKey]ChatSession),
		messages:   make(map[tenantKey][]Message),
	}
}

func (m *memStore) GetTenant(ctx context.Context, id string) (Tenant, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[id]
	return t, ok, nil
}

func (m *memStore) CreateDocument(ctx context.Context, doc Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := tenantKey{doc.Tenant, doc.ID}
	if _, exists := m.docs[k]; exists {
		return docerr.Newf(docerr.Internal, "metadata.CreateDocument", "document %s already exists", doc.ID)
	}
	if doc.SchemaVersion == "" {
		doc.SchemaVersion = SchemaVersion
	}
	m.docs[k] = doc
	return nil
}

func (m *memStore) GetDocument(ctx context.Context, tenant, id string) (Document, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.docs[tenantKey{tenant, id}]
	return d, ok, nil
}

func (m *memStore) ListDocuments(ctx context.Context, tenant string) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Document, 0)
	for k, d := range m.docs {
		if k.tenant == tenant {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) CASDocumentStatus(ctx context.Context, tenant, id string, from, to DocumentStatus, incrementRetry bool, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := tenantKey{tenant, id}
	d, ok := m.docs[k]
	if !ok {
		return false, docerr.New(docerr.NotFound, "metadata.CASDocumentStatus", nil)
	}
	if d.Status != from {
		return false, nil
	}
	d.Status = to
	if incrementRetry {
		d.RetryCount++
	}
	m.docs[k] = d
	m.audits = append(m.audits, IngestAudit{
		ID: uuidLike(), Tenant: tenant, Document: id, From: from, To: to, Reason: reason, At: time.Now().UTC(),
	})
	return true, nil
}

func (m *memStore) SetDocumentError(ctx context.Context, tenant, id string, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := tenantKey{tenant, id}
	d, ok := m.docs[k]
	if !ok {
		return docerr.New(docerr.NotFound, "metadata.SetDocumentError", nil)
	}
	d.Status = StatusFailed
	d.Error = errMsg
	m.docs[k] = d
	return nil
}

func (m *memStore) SetDocumentCompleted(ctx context.Context, tenant, id string, processedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := tenantKey{tenant, id}
	d, ok := m.docs[k]
	if !ok {
		return docerr.New(docerr.NotFound, "metadata.SetDocumentCompleted", nil)
	}
	d.Status = StatusCompleted
	pa := processedAt
	d.ProcessedAt = &pa
	d.Error = ""
	m.docs[k] = d
	return nil
}

func (m *memStore) ResetStuckProcessing(ctx context.Context, tenant string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, d := range m.docs {
		if k.tenant != tenant || d.Status != StatusProcessing {
			continue
		}
		d.Status = StatusQueued
		m.docs[k] = d
		n++
	}
	return n, nil
}

func (m *memStore) PersistChunksAndEmbeddings(ctx context.Context, tenant string, chunks []Chunk, embeddings []Embedding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range chunks {
		k := tenantKey{tenant, c.ID}
		m.chunks[k] = c
		m.chunksByID[c.ID] = k
	}
	for _, e := range embeddings {
		m.embeddings[tenantKey{tenant, e.ID}] = e
	}
	return nil
}

func (m *memStore) GetChunksByIDs(ctx context.Context, tenant string, ids []string) ([]Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Chunk, 0, len(ids))
	for _, id := range ids {
		k, ok := m.chunksByID[id]
		if !ok || k.tenant != tenant {
			continue
		}
		out = append(out, m.chunks[k])
	}
	return out, nil
}

func (m *memStore) DeleteDocumentChunks(ctx context.Context, tenant, document string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed []string
	for k, c := range m.chunks {
		if k.tenant != tenant || c.Document != document {
			continue
		}
		delete(m.chunks, k)
		delete(m.chunksByID, c.ID)
		removed = append(removed, c.ID)
	}
	for ek, e := range m.embeddings {
		if ek.tenant != tenant {
			continue
		}
		for _, cid := range removed {
			if e.Chunk == cid {
				delete(m.embeddings, ek)
			}
		}
	}
	return removed, nil
}

func (m *memStore) ListTenantEmbeddings(ctx context.Context, tenant string) ([]Embedding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Embedding, 0)
	for k, e := range m.embeddings {
		if k.tenant == tenant {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) CreateSession(ctx context.Context, s ChatSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[tenantKey{s.Tenant, s.ID}] = s
	return nil
}

func (m *memStore) GetSession(ctx context.Context, tenant, id string) (ChatSession, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[tenantKey{tenant, id}]
	return s, ok, nil
}

func (m *memStore) TouchSession(ctx context.Context, tenant, id string, at time.Time, status ChatSessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := tenantKey{tenant, id}
	s, ok := m.sessions[k]
	if !ok {
		return docerr.New(docerr.NotFound, "metadata.TouchSession", nil)
	}
	s.LastActivity = at
	s.Status = status
	m.sessions[k] = s
	return nil
}

func (m *memStore) AppendMessage(ctx context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := tenantKey{msg.Tenant, msg.Session}
	m.messages[k] = append(m.messages[k], msg)
	return nil
}

func (m *memStore) RecentMessages(ctx context.Context, tenant, session string, limit int) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.messages[tenantKey{tenant, session}]
	if limit <= 0 || limit >= len(all) {
		out := make([]Message, len(all))
		copy(out, all)
		return out, nil
	}
	start := len(all) - limit
	out := make([]Message, limit)
	copy(out, all[start:])
	return out, nil
}

// SeedTenant registers a tenant in an in-memory Store for tests and local
// bootstrapping. It is a no-op type assertion failure on a non-memory Store.
func SeedTenant(s Store, t Tenant) {
	if ms, ok := s.(*memStore); ok {
		ms.mu.Lock()
		ms.tenants[t.ID] = t
		ms.mu.Unlock()
	}
}

// uuidLike avoids importing google/uuid into this tiny helper path used only
// for audit-row ids in the memory backend; callers that need real uuids use
// github.com/google/uuid directly (see internal/ingest).
func uuidLike() string {
	return time.Now().UTC().Format("20060102T150405.000000000")
}
