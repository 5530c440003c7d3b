package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/manifold-labs/docsearch/internal/docerr"
)

// pgStore is the durable Store backend, grounded on the teacher's
// internal/persistence/databases postgres_vector.go and chat_store_postgres.go:
// pgxpool for connection pooling, explicit transactions around multi-table
// writes, plain SQL rather than an ORM.
type pgStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pool against dsn and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, docerr.New(docerr.Internal, "metadata.NewPostgresStore", err)
	}
	s := &pgStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *pgStore) migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS tenants (
	id text PRIMARY KEY,
	status text NOT NULL,
	created_at timestamptz NOT NULL
);
CREATE TABLE IF NOT EXISTS documents (
	id text NOT NULL,
	tenant text NOT NULL,
	filename text NOT NULL,
	format text NOT NULL,
	blob_ref text NOT NULL,
	status text NOT NULL,
	retry_count int NOT NULL DEFAULT 0,
	error text NOT NULL DEFAULT '',
	created_at timestamptz NOT NULL,
	processed_at timestamptz,
	schema_version text NOT NULL DEFAULT '1.0',
	PRIMARY KEY (tenant, id)
);
CREATE TABLE IF NOT EXISTS ingest_audit (
	id text PRIMARY KEY,
	tenant text NOT NULL,
	document text NOT NULL,
	from_status text NOT NULL,
	to_status text NOT NULL,
	reason text NOT NULL DEFAULT '',
	at timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS ingest_audit_doc_idx ON ingest_audit (tenant, document);
CREATE TABLE IF NOT EXISTS chunks (
	id text NOT NULL,
	tenant text NOT NULL,
	document text NOT NULL,
	sequence int NOT NULL,
	content text NOT NULL,
	page int NOT NULL DEFAULT 0,
	layout text NOT NULL DEFAULT '',
	confidence double precision NOT NULL DEFAULT 0,
	preserving_layout boolean NOT NULL DEFAULT false,
	status text NOT NULL DEFAULT '',
	PRIMARY KEY (tenant, id)
);
CREATE INDEX IF NOT EXISTS chunks_document_idx ON chunks (tenant, document);
CREATE TABLE IF NOT EXISTS embeddings (
	id text NOT NULL,
	tenant text NOT NULL,
	chunk text NOT NULL,
	vector double precision[] NOT NULL,
	created_at timestamptz NOT NULL,
	PRIMARY KEY (tenant, id)
);
CREATE INDEX IF NOT EXISTS embeddings_chunk_idx ON embeddings (tenant, chunk);
CREATE TABLE IF NOT EXISTS chat_sessions (
	id text NOT NULL,
	tenant text NOT NULL,
	"user" text NOT NULL,
	title text NOT NULL DEFAULT '',
	status text NOT NULL,
	last_activity timestamptz NOT NULL,
	created_at timestamptz NOT NULL,
	PRIMARY KEY (tenant, id)
);
CREATE TABLE IF NOT EXISTS chat_messages (
	id text PRIMARY KEY,
	tenant text NOT NULL,
	session text NOT NULL,
	role text NOT NULL,
	content text NOT NULL,
	metadata jsonb,
	created_at timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS chat_messages_session_idx ON chat_messages (tenant, session, created_at);
`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return docerr.New(docerr.Internal, "metadata.migrate", err)
	}
	return nil
}

func (s *pgStore) GetTenant(ctx context.Context, id string) (Tenant, bool, error) {
	const q = `SELECT id, status, created_at FROM tenants WHERE id=$1`
	var t Tenant
	err := s.pool.QueryRow(ctx, q, id).Scan(&t.ID, &t.Status, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Tenant{}, false, nil
	}
	if err != nil {
		return Tenant{}, false, docerr.New(docerr.Internal, "metadata.GetTenant", err)
	}
	return t, true, nil
}

func (s *pgStore) CreateDocument(ctx context.Context, doc Document) error {
	if doc.SchemaVersion == "" {
		doc.SchemaVersion = SchemaVersion
	}
	const q = `INSERT INTO documents (id, tenant, filename, format, blob_ref, status, retry_count, error, created_at, processed_at, schema_version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err := s.pool.Exec(ctx, q, doc.ID, doc.Tenant, doc.Filename, doc.Format, doc.BlobRef, doc.Status,
		doc.RetryCount, doc.Error, doc.CreatedAt, doc.ProcessedAt, doc.SchemaVersion)
	if err != nil {
		return docerr.New(docerr.Internal, "metadata.CreateDocument", err)
	}
	return nil
}

func (s *pgStore) GetDocument(ctx context.Context, tenant, id string) (Document, bool, error) {
	const q = `SELECT id, tenant, filename, format, blob_ref, status, retry_count, error, created_at, processed_at, schema_version
		FROM documents WHERE tenant=$1 AND id=$2`
	var d Document
	err := s.pool.QueryRow(ctx, q, tenant, id).Scan(&d.ID, &d.Tenant, &d.Filename, &d.Format, &d.BlobRef,
		&d.Status, &d.RetryCount, &d.Error, &d.CreatedAt, &d.ProcessedAt, &d.SchemaVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, docerr.New(docerr.Internal, "metadata.GetDocument", err)
	}
	return d, true, nil
}

func (s *pgStore) ListDocuments(ctx context.Context, tenant string) ([]Document, error) {
	const q = `SELECT id, tenant, filename, format, blob_ref, status, retry_count, error, created_at, processed_at, schema_version
		FROM documents WHERE tenant=$1 ORDER BY created_at ASC`
	rows, err := s.pool.Query(ctx, q, tenant)
	if err != nil {
		return nil, docerr.New(docerr.Internal, "metadata.ListDocuments", err)
	}
	defer rows.Close()
	out := make([]Document, 0)
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.Tenant, &d.Filename, &d.Format, &d.BlobRef, &d.Status,
			&d.RetryCount, &d.Error, &d.CreatedAt, &d.ProcessedAt, &d.SchemaVersion); err != nil {
			return nil, docerr.New(docerr.Internal, "metadata.ListDocuments", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *pgStore) CASDocumentStatus(ctx context.Context, tenant, id string, from, to DocumentStatus, incrementRetry bool, reason string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, docerr.New(docerr.Internal, "metadata.CASDocumentStatus", err)
	}
	defer tx.Rollback(ctx)

	const upd = `UPDATE documents SET status=$1, retry_count = retry_count + $2
		WHERE tenant=$3 AND id=$4 AND status=$5`
	inc := 0
	if incrementRetry {
		inc = 1
	}
	tag, err := tx.Exec(ctx, upd, to, inc, tenant, id, from)
	if err != nil {
		return false, docerr.New(docerr.Internal, "metadata.CASDocumentStatus", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	const ins = `INSERT INTO ingest_audit (id, tenant, document, from_status, to_status, reason, at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`
	if _, err := tx.Exec(ctx, ins, uuid.NewString(), tenant, id, from, to, reason, time.Now().UTC()); err != nil {
		return false, docerr.New(docerr.Internal, "metadata.CASDocumentStatus", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, docerr.New(docerr.Internal, "metadata.CASDocumentStatus", err)
	}
	return true, nil
}

func (s *pgStore) SetDocumentError(ctx context.Context, tenant, id string, errMsg string) error {
	const q = `UPDATE documents SET status=$1, error=$2 WHERE tenant=$3 AND id=$4`
	tag, err := s.pool.Exec(ctx, q, StatusFailed, errMsg, tenant, id)
	if err != nil {
		return docerr.New(docerr.Internal, "metadata.SetDocumentError", err)
	}
	if tag.RowsAffected() == 0 {
		return docerr.New(docerr.NotFound, "metadata.SetDocumentError", nil)
	}
	return nil
}

func (s *pgStore) SetDocumentCompleted(ctx context.Context, tenant, id string, processedAt time.Time) error {
	const q = `UPDATE documents SET status=$1, processed_at=$2, error='' WHERE tenant=$3 AND id=$4`
	tag, err := s.pool.Exec(ctx, q, StatusCompleted, processedAt, tenant, id)
	if err != nil {
		return docerr.New(docerr.Internal, "metadata.SetDocumentCompleted", err)
	}
	if tag.RowsAffected() == 0 {
		return docerr.New(docerr.NotFound, "metadata.SetDocumentCompleted", nil)
	}
	return nil
}

func (s *pgStore) ResetStuckProcessing(ctx context.Context, tenant string) (int, error) {
	const q = `UPDATE documents SET status=$1 WHERE tenant=$2 AND status=$3`
	tag, err := s.pool.Exec(ctx, q, StatusQueued, tenant, StatusProcessing)
	if err != nil {
		return 0, docerr.New(docerr.Internal, "metadata.ResetStuckProcessing", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *pgStore) PersistChunksAndEmbeddings(ctx context.Context, tenant string, chunks []Chunk, embeddings []Embedding) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return docerr.New(docerr.Internal, "metadata.PersistChunksAndEmbeddings", err)
	}
	defer tx.Rollback(ctx)

	const chunkUpsert = `INSERT INTO chunks (id, tenant, document, sequence, content, page, layout, confidence, preserving_layout, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (tenant, id) DO UPDATE SET content=EXCLUDED.content, sequence=EXCLUDED.sequence,
			page=EXCLUDED.page, layout=EXCLUDED.layout, confidence=EXCLUDED.confidence,
			preserving_layout=EXCLUDED.preserving_layout, status=EXCLUDED.status`
	for _, c := range chunks {
		if _, err := tx.Exec(ctx, chunkUpsert, c.ID, tenant, c.Document, c.Sequence, c.Content,
			c.Metadata.Page, c.Metadata.Layout, c.Metadata.Confidence, c.Metadata.PreservingLayout, c.Status); err != nil {
			return docerr.New(docerr.Internal, "metadata.PersistChunksAndEmbeddings", err)
		}
	}

	const embUpsert = `INSERT INTO embeddings (id, tenant, chunk, vector, created_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (tenant, id) DO UPDATE SET vector=EXCLUDED.vector, created_at=EXCLUDED.created_at`
	for _, e := range embeddings {
		vec := make([]float64, len(e.Vector))
		for i, f := range e.Vector {
			vec[i] = float64(f)
		}
		if _, err := tx.Exec(ctx, embUpsert, e.ID, tenant, e.Chunk, vec, e.CreatedAt); err != nil {
			return docerr.New(docerr.Internal, "metadata.PersistChunksAndEmbeddings", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return docerr.New(docerr.Internal, "metadata.PersistChunksAndEmbeddings", err)
	}
	return nil
}

func (s *pgStore) GetChunksByIDs(ctx context.Context, tenant string, ids []string) ([]Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	const q = `SELECT id, tenant, document, sequence, content, page, layout, confidence, preserving_layout, status
		FROM chunks WHERE tenant=$1 AND id = ANY($2)`
	rows, err := s.pool.Query(ctx, q, tenant, ids)
	if err != nil {
		return nil, docerr.New(docerr.Internal, "metadata.GetChunksByIDs", err)
	}
	defer rows.Close()
	byID := make(map[string]Chunk, len(ids))
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.Tenant, &c.Document, &c.Sequence, &c.Content,
			&c.Metadata.Page, &c.Metadata.Layout, &c.Metadata.Confidence, &c.Metadata.PreservingLayout, &c.Status); err != nil {
			return nil, docerr.New(docerr.Internal, "metadata.GetChunksByIDs", err)
		}
		byID[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, docerr.New(docerr.Internal, "metadata.GetChunksByIDs", err)
	}
	out := make([]Chunk, 0, len(ids))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *pgStore) DeleteDocumentChunks(ctx context.Context, tenant, document string) ([]string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, docerr.New(docerr.Internal, "metadata.DeleteDocumentChunks", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `SELECT id FROM chunks WHERE tenant=$1 AND document=$2`, tenant, document)
	if err != nil {
		return nil, docerr.New(docerr.Internal, "metadata.DeleteDocumentChunks", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, docerr.New(docerr.Internal, "metadata.DeleteDocumentChunks", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, docerr.New(docerr.Internal, "metadata.DeleteDocumentChunks", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM embeddings WHERE tenant=$1 AND chunk = ANY($2)`, tenant, ids); err != nil {
		return nil, docerr.New(docerr.Internal, "metadata.DeleteDocumentChunks", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE tenant=$1 AND document=$2`, tenant, document); err != nil {
		return nil, docerr.New(docerr.Internal, "metadata.DeleteDocumentChunks", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, docerr.New(docerr.Internal, "metadata.DeleteDocumentChunks", err)
	}
	return ids, nil
}

func (s *pgStore) ListTenantEmbeddings(ctx context.Context, tenant string) ([]Embedding, error) {
	const q = `SELECT id, tenant, chunk, vector, created_at FROM embeddings WHERE tenant=$1`
	rows, err := s.pool.Query(ctx, q, tenant)
	if err != nil {
		return nil, docerr.New(docerr.Internal, "metadata.ListTenantEmbeddings", err)
	}
	defer rows.Close()
	out := make([]Embedding, 0)
	for rows.Next() {
		var e Embedding
		var vec []float64
		if err := rows.Scan(&e.ID, &e.Tenant, &e.Chunk, &vec, &e.CreatedAt); err != nil {
			return nil, docerr.New(docerr.Internal, "metadata.ListTenantEmbeddings", err)
		}
		e.Vector = make([]float32, len(vec))
		for i, f := range vec {
			e.Vector[i] = float32(f)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *pgStore) CreateSession(ctx context.Context, sess ChatSession) error {
	const q = `INSERT INTO chat_sessions (id, tenant, "user", title, status, last_activity, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err := s.pool.Exec(ctx, q, sess.ID, sess.Tenant, sess.User, sess.Title, sess.Status, sess.LastActivity, sess.CreatedAt)
	if err != nil {
		return docerr.New(docerr.Internal, "metadata.CreateSession", err)
	}
	return nil
}

func (s *pgStore) GetSession(ctx context.Context, tenant, id string) (ChatSession, bool, error) {
	const q = `SELECT id, tenant, "user", title, status, last_activity, created_at
		FROM chat_sessions WHERE tenant=$1 AND id=$2`
	var sess ChatSession
	err := s.pool.QueryRow(ctx, q, tenant, id).Scan(&sess.ID, &sess.Tenant, &sess.User, &sess.Title,
		&sess.Status, &sess.LastActivity, &sess.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ChatSession{}, false, nil
	}
	if err != nil {
		return ChatSession{}, false, docerr.New(docerr.Internal, "metadata.GetSession", err)
	}
	return sess, true, nil
}

func (s *pgStore) TouchSession(ctx context.Context, tenant, id string, at time.Time, status ChatSessionStatus) error {
	const q = `UPDATE chat_sessions SET last_activity=$1, status=$2 WHERE tenant=$3 AND id=$4`
	tag, err := s.pool.Exec(ctx, q, at, status, tenant, id)
	if err != nil {
		return docerr.New(docerr.Internal, "metadata.TouchSession", err)
	}
	if tag.RowsAffected() == 0 {
		return docerr.New(docerr.NotFound, "metadata.TouchSession", nil)
	}
	return nil
}

func (s *pgStore) AppendMessage(ctx context.Context, m Message) error {
	meta, err := json.Marshal(m.Metadata)
	if err != nil {
		return docerr.New(docerr.Validation, "metadata.AppendMessage", err)
	}
	const q = `INSERT INTO chat_messages (id, tenant, session, role, content, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`
	if _, err := s.pool.Exec(ctx, q, m.ID, m.Tenant, m.Session, m.Role, m.Content, meta, m.CreatedAt); err != nil {
		return docerr.New(docerr.Internal, "metadata.AppendMessage", err)
	}
	return nil
}

func (s *pgStore) RecentMessages(ctx context.Context, tenant, session string, limit int) ([]Message, error) {
	const q = `SELECT id, tenant, session, role, content, metadata, created_at
		FROM chat_messages WHERE tenant=$1 AND session=$2 ORDER BY created_at DESC LIMIT $3`
	n := limit
	if n <= 0 {
		n = 1 << 30
	}
	rows, err := s.pool.Query(ctx, q, tenant, session, n)
	if err != nil {
		return nil, docerr.New(docerr.Internal, "metadata.RecentMessages", err)
	}
	defer rows.Close()
	var rev []Message
	for rows.Next() {
		var m Message
		var meta []byte
		if err := rows.Scan(&m.ID, &m.Tenant, &m.Session, &m.Role, &m.Content, &meta, &m.CreatedAt); err != nil {
			return nil, docerr.New(docerr.Internal, "metadata.RecentMessages", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &m.Metadata); err != nil {
				return nil, docerr.New(docerr.Internal, "metadata.RecentMessages", err)
			}
		}
		rev = append(rev, m)
	}
	if err := rows.Err(); err != nil {
		return nil, docerr.New(docerr.Internal, "metadata.RecentMessages", err)
	}
	out := make([]Message, len(rev))
	for i, m := range rev {
		out[len(rev)-1-i] = m
	}
	return out, nil
}
