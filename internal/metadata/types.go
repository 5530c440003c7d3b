// Package metadata defines the transactional metadata store: documents,
// chunks, embeddings, chat sessions and messages (spec §3, §6). Grounded on
// the teacher's internal/persistence + internal/persistence/databases
// package split: plain entity structs in one file, a Store interface, and
// pluggable backends (postgres via pgx, in-memory for tests).
package metadata

import "time"

// TenantStatus enumerates tenant lifecycle state (spec §3).
type TenantStatus string

const (
	TenantActive   TenantStatus = "active"
	TenantDisabled TenantStatus = "disabled"
)

// Tenant is the root of the isolation boundary: every Document, ChatSession,
// index partition and cache namespace belongs to exactly one Tenant (spec
// §3 Ownership).
type Tenant struct {
	ID        string
	Status    TenantStatus
	CreatedAt time.Time
}

// DocumentStatus is the tagged variant replacing the source's dynamically
// typed status string (spec DESIGN NOTES §9).
type DocumentStatus string

const (
	StatusPending    DocumentStatus = "pending"
	StatusQueued     DocumentStatus = "queued"
	StatusProcessing DocumentStatus = "processing"
	StatusCompleted  DocumentStatus = "completed"
	StatusFailed     DocumentStatus = "failed"
	StatusInvalid    DocumentStatus = "invalid"
)

// DocumentFormat enumerates supported upload formats (spec §6).
type DocumentFormat string

const (
	FormatPDF  DocumentFormat = "pdf"
	FormatDOCX DocumentFormat = "docx"
	FormatXLSX DocumentFormat = "xlsx"
)

// MaxFileSizeBytes is the largest accepted upload (spec §6: 50 MiB).
const MaxFileSizeBytes = 50 << 20

// MaxMetadataBytes bounds any stored metadata blob (spec §6: 1 MiB).
const MaxMetadataBytes = 1 << 20

// SchemaVersion tags persisted documents/chunks/embeddings (spec §6).
const SchemaVersion = "1.0"

// Document is the persisted record driving the ingestion state machine
// (spec §3). Status transitions are owned by the ingest package; this
// struct is the storage-neutral shape.
type Document struct {
	ID          string
	Tenant      string
	Filename    string
	Format      DocumentFormat
	BlobRef     string
	Status      DocumentStatus
	RetryCount  int
	Error       string
	CreatedAt   time.Time
	ProcessedAt *time.Time
	SchemaVersion string
}

// IngestAudit records every document status transition made through
// CASDocumentStatus, including explicit re-ingests; SetDocumentError,
// SetDocumentCompleted and ResetStuckProcessing change status without
// writing one. It satisfies Testable Property 4 (status monotonicity with an
// audit trail on re-ingest) — a feature present in original_source's
// document history tracking that the distilled spec left implicit.
type IngestAudit struct {
	ID        string
	Tenant    string
	Document  string
	From      DocumentStatus
	To        DocumentStatus
	Reason    string
	At        time.Time
}

// ChunkMetadata carries layout provenance for a chunk (spec §4.2).
type ChunkMetadata struct {
	Page             int
	Layout           string // "paragraph" | "table" | "list" | "heading"
	Confidence       float64
	PreservingLayout bool
}

// Chunk belongs to exactly one document (spec §3).
type Chunk struct {
	ID       string
	Document string
	Tenant   string
	Sequence int
	Content  string
	Metadata ChunkMetadata
	Status   string // "" | "error" — set by the ingestion coordinator when the chunk's embedding fails permanently
}

// Embedding is the 1:1 vector attached to a chunk (spec §3).
type Embedding struct {
	ID        string
	Chunk     string
	Tenant    string
	Vector    []float32
	CreatedAt time.Time
}

// ChatSessionStatus enumerates session lifecycle state.
type ChatSessionStatus string

const (
	SessionActive   ChatSessionStatus = "active"
	SessionInactive ChatSessionStatus = "inactive"
)

// ChatSession owns an ordered list of Messages (spec §3).
type ChatSession struct {
	ID           string
	Tenant       string
	User         string
	Title        string
	Status       ChatSessionStatus
	LastActivity time.Time
	CreatedAt    time.Time
}

// MessageRole is the tagged variant for chat message authorship.
type MessageRole string

const (
	RoleUser   MessageRole = "user"
	RoleSystem MessageRole = "system"
)

// MaxMessageBytes bounds a single chat message's content (spec §3: 16 KiB).
const MaxMessageBytes = 16 << 10

// Message is one turn in a chat session's append-only history (spec §3).
type Message struct {
	ID        string
	Session   string
	Tenant    string
	Role      MessageRole
	Content   string
	Metadata  map[string]any
	CreatedAt time.Time
}
