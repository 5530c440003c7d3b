package vectorindex

import (
	"context"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/manifold-labs/docsearch/internal/docerr"
)

// qdrantOriginalIDField stores our own chunk/embedding id in the payload
// since Qdrant point ids must be a UUID or a positive integer (grounded on
// the teacher's PAYLOAD_ID_FIELD convention in qdrant_vector.go).
const qdrantOriginalIDField = "_original_id"

// qdrantPartition maps to one Qdrant collection per tenant (collections are
// Qdrant's own partitioning primitive, so "one collection per tenant"
// satisfies the spec's "partitions never share vectors" invariant without
// any payload-level filtering).
type qdrantPartition struct {
	client     *qdrant.Client
	collection string
}

func (p *qdrantPartition) pointID(id string) *qdrant.PointId {
	if _, err := uuid.Parse(id); err == nil {
		return qdrant.NewIDUUID(id)
	}
	return qdrant.NewIDUUID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String())
}

func (p *qdrantPartition) AddBatch(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	points := make([]*qdrant.PointStruct, len(entries))
	for i, e := range entries {
		vec := make([]float32, len(e.Vector))
		copy(vec, e.Vector)
		points[i] = &qdrant.PointStruct{
			Id:      p.pointID(e.ID),
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: qdrant.NewValueMap(map[string]any{qdrantOriginalIDField: e.ID}),
		}
	}
	_, err := p.client.Upsert(ctx, &qdrant.UpsertPoints{CollectionName: p.collection, Points: points})
	if err != nil {
		return docerr.New(docerr.TransientUpstream, "vectorindex.qdrant.AddBatch", err)
	}
	return nil
}

func (p *qdrantPartition) Remove(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = p.pointID(id)
	}
	_, err := p.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: p.collection,
		Points:         qdrant.NewPointsSelector(pointIDs...),
	})
	if err != nil {
		return docerr.New(docerr.TransientUpstream, "vectorindex.qdrant.Remove", err)
	}
	return nil
}

func (p *qdrantPartition) Clear(ctx context.Context) error {
	if err := p.client.DeleteCollection(ctx, p.collection); err != nil {
		return docerr.New(docerr.TransientUpstream, "vectorindex.qdrant.Clear", err)
	}
	return nil
}

func (p *qdrantPartition) Len() int {
	ctx := context.Background()
	count, err := p.client.Count(ctx, &qdrant.CountPoints{CollectionName: p.collection})
	if err != nil {
		return 0
	}
	return int(count)
}

func (p *qdrantPartition) Search(ctx context.Context, query []float32, topK int) ([]Match, error) {
	if topK <= 0 {
		topK = 5
	}
	vec := make([]float32, len(query))
	copy(vec, query)
	limit := uint64(topK)

	hits, err := p.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: p.collection,
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, docerr.New(docerr.TransientUpstream, "vectorindex.qdrant.Search", err)
	}

	matches := make([]Match, 0, len(hits))
	for _, hit := range hits {
		id := hit.Id.GetUuid()
		if hit.Payload != nil {
			if v, ok := hit.Payload[qdrantOriginalIDField]; ok {
				id = v.GetStringValue()
			}
		}
		matches = append(matches, Match{ID: id, Score: float64(hit.Score)})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	return matches, nil
}

// qdrantIndex hands out one collection-backed Partition per tenant.
type qdrantIndex struct {
	client           *qdrant.Client
	collectionPrefix string
	dimensions       int

	mu         sync.Mutex
	partitions map[string]*qdrantPartition
}

// QdrantConfig configures the Qdrant-backed Index.
type QdrantConfig struct {
	DSN              string
	CollectionPrefix string
	Dimensions       int
}

// NewQdrantIndex dials dsn (host:port of Qdrant's gRPC API, default 6334)
// and returns an Index creating one collection per tenant on first access.
func NewQdrantIndex(cfg QdrantConfig) (Index, error) {
	dsn := cfg.DSN
	if !strings.Contains(dsn, "://") {
		dsn = "http://" + dsn
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, docerr.New(docerr.Internal, "vectorindex.NewQdrantIndex", err)
	}
	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := 6334
	if p := parsed.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}
	qcfg := &qdrant.Config{Host: host, Port: port}
	if parsed.Scheme == "https" {
		qcfg.UseTLS = true
	}
	if apiKey := parsed.Query().Get("api_key"); apiKey != "" {
		qcfg.APIKey = apiKey
	}

	client, err := qdrant.NewClient(qcfg)
	if err != nil {
		return nil, docerr.New(docerr.Internal, "vectorindex.NewQdrantIndex", err)
	}

	dim := cfg.Dimensions
	if dim <= 0 {
		dim = 1536
	}
	return &qdrantIndex{
		client:           client,
		collectionPrefix: cfg.CollectionPrefix,
		dimensions:       dim,
		partitions:       make(map[string]*qdrantPartition),
	}, nil
}

func (idx *qdrantIndex) collectionName(tenant string) string {
	if idx.collectionPrefix == "" {
		return tenant
	}
	return idx.collectionPrefix + "_" + tenant
}

func (idx *qdrantIndex) Partition(ctx context.Context, tenant string) (Partition, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	collection := idx.collectionName(tenant)
	if p, ok := idx.partitions[tenant]; ok {
		return p, nil
	}

	exists, err := idx.client.CollectionExists(ctx, collection)
	if err != nil {
		return nil, docerr.New(docerr.TransientUpstream, "vectorindex.Partition", err)
	}
	if !exists {
		err = idx.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(idx.dimensions),
				Distance: qdrant.Distance_Dot,
			}),
		})
		if err != nil {
			return nil, docerr.New(docerr.TransientUpstream, "vectorindex.Partition", err)
		}
	}

	p := &qdrantPartition{client: idx.client, collection: collection}
	idx.partitions[tenant] = p
	return p, nil
}
