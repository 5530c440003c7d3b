// Package vectorindex implements the Vector Index (spec C6): per-tenant
// partitions supporting batch add, remove, and top-k inner-product search
// over unit vectors. Grounded on the teacher's
// internal/persistence/databases VectorStore family (memory_vector.go,
// qdrant_vector.go): a small Upsert/Delete/SimilaritySearch contract with
// pluggable backends, generalized here with a mandatory tenant dimension —
// spec §4.1 requires it be impossible to construct an index operation that
// omits the tenant id, so Partition (not Index) is the unit callers hold.
package vectorindex

import "context"

// Entry is one vector registered in a partition.
type Entry struct {
	ID     string
	Vector []float32
}

// Match is one top-k search result.
type Match struct {
	ID    string
	Score float64
}

// Partition is a single tenant's vector index: AddBatch, Remove and Search
// never take a tenant argument because the Partition itself is scoped to
// exactly one (spec §3: Index Partition, Partitions never share vectors).
type Partition interface {
	AddBatch(ctx context.Context, entries []Entry) error
	Remove(ctx context.Context, ids []string) error
	// Search returns the top-k matches by inner product, ties broken by
	// ascending id for determinism (spec Testable Property / §4.8).
	Search(ctx context.Context, query []float32, topK int) ([]Match, error)
	Clear(ctx context.Context) error
	Len() int
}

// Index hands out per-tenant Partitions, lazily rebuilding one from the
// metadata store's persisted embeddings on first access after a restart
// (spec §4.4 Recovery).
type Index interface {
	// Partition returns the partition for tenant, creating and (if the
	// in-memory backend just restarted) rebuilding it on first access.
	Partition(ctx context.Context, tenant string) (Partition, error)
}
