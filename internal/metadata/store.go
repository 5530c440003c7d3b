package metadata

import (
	"context"
	"time"
)

// Store is the transactional metadata store the core depends on (spec §6).
// Every method is tenant-scoped in its signature — there is no call shape
// that can omit the tenant id, satisfying spec §4.1's isolation mandate.
// CAS-style status transitions let the Ingestion Coordinator (C9) detect
// a lost race without a distributed lock.
type Store interface {
	// GetTenant loads a tenant by id, the only lookup the registry (C1)
	// needs to satisfy resolve().
	GetTenant(ctx context.Context, id string) (Tenant, bool, error)
	// CreateDocument inserts a new document with the Status the caller set.
	CreateDocument(ctx context.Context, doc Document) error
	// GetDocument loads a document by id, scoped to tenant.
	GetDocument(ctx context.Context, tenant, id string) (Document, bool, error)
	// ListDocuments returns all documents for tenant (used by recovery scans).
	ListDocuments(ctx context.Context, tenant string) ([]Document, error)
	// CASDocumentStatus atomically transitions a document from `from` to
	// `to`, incrementing retry_count when incrementRetry is true, and
	// appending an IngestAudit row in the same unit of work. Returns false
	// (no error) if the current status doesn't match `from` — the caller
	// lost the race to another worker (spec §4.7 step 1).
	CASDocumentStatus(ctx context.Context, tenant, id string, from, to DocumentStatus, incrementRetry bool, reason string) (bool, error)
	// SetDocumentError records a terminal failure's classification/message.
	SetDocumentError(ctx context.Context, tenant, id string, errMsg string) error
	// SetDocumentCompleted marks a document completed with processedAt set.
	SetDocumentCompleted(ctx context.Context, tenant, id string, processedAt time.Time) error
	// ResetStuckProcessing resets any document left in StatusProcessing for
	// tenant back to StatusQueued — called once at startup (spec §5).
	ResetStuckProcessing(ctx context.Context, tenant string) (int, error)

	// PersistChunksAndEmbeddings writes chunks and their embeddings as one
	// logical unit, content-addressed so re-ingest is idempotent (spec §4.7
	// step 6, Testable Property 5). Must run before the vector index add.
	PersistChunksAndEmbeddings(ctx context.Context, tenant string, chunks []Chunk, embeddings []Embedding) error
	// GetChunksByIDs loads chunk payloads preserving the caller's id order
	// (spec §4.8 step 5).
	GetChunksByIDs(ctx context.Context, tenant string, ids []string) ([]Chunk, error)
	// DeleteDocumentChunks removes all chunks/embeddings owned by document
	// (spec §3: deleting a document deletes its chunks and embeddings).
	DeleteDocumentChunks(ctx context.Context, tenant, document string) ([]string, error)
	// ListTenantEmbeddings returns every persisted embedding for tenant, used
	// to lazily rebuild an in-memory vector index partition on first access
	// after a restart (spec §4.4 Recovery).
	ListTenantEmbeddings(ctx context.Context, tenant string) ([]Embedding, error)

	// CreateSession inserts a new chat session.
	CreateSession(ctx context.Context, s ChatSession) error
	// GetSession loads a session scoped to tenant.
	GetSession(ctx context.Context, tenant, id string) (ChatSession, bool, error)
	// TouchSession updates last_activity and status.
	TouchSession(ctx context.Context, tenant, id string, at time.Time, status ChatSessionStatus) error
	// AppendMessage appends one message to a session's history.
	AppendMessage(ctx context.Context, m Message) error
	// RecentMessages returns the last limit messages for session, oldest
	// first (spec §4.10 step 2).
	RecentMessages(ctx context.Context, tenant, session string, limit int) ([]Message, error)
}
