package vectorstore

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/qdrant/go-client/qdrant"
)

const (
	payloadDocumentID   = "doc_id"
	payloadPageNumber   = "page_num"
	payloadDocumentName = "document"

	// pageBits is the width reserved for the page number in a point ID.
	pageBits = 20
)

// QdrantStore implements PageStore using Qdrant multi-vector collections
type QdrantStore struct {
	client *qdrant.Client
}

// NewQdrantStore creates a new Qdrant vector store client
// url should be in format "host:port" (e.g., "localhost:6334")
func NewQdrantStore(ctx context.Context, url string) (*QdrantStore, error) {
	host, portStr, err := net.SplitHostPort(url)
	if err != nil {
		// If no port specified, assume default
		host = url
		portStr = "6334"
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant url: %w", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	return &QdrantStore{client: client}, nil
}

// Close closes the Qdrant client connection
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// CreateCollection creates a collection whose points hold one vector per image patch.
// Scores are MaxSim: for every query token the best matching patch, summed.
func (s *QdrantStore) CreateCollection(ctx context.Context, name string, dimension int) error {
	err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimension),
			Distance: qdrant.Distance_Dot,
			MultivectorConfig: &qdrant.MultiVectorConfig{
				Comparator: qdrant.MultiVectorComparator_MaxSim,
			},
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	return nil
}

// DeleteCollection deletes a collection
func (s *QdrantStore) DeleteCollection(ctx context.Context, name string) error {
	if err := s.client.DeleteCollection(ctx, name); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}

	return nil
}

// CollectionExists checks if a collection exists
func (s *QdrantStore) CollectionExists(ctx context.Context, name string) (bool, error) {
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return false, fmt.Errorf("failed to check collection existence: %w", err)
	}

	return exists, nil
}

// Upsert inserts or updates pages in the vector store
func (s *QdrantStore) Upsert(ctx context.Context, name string, points []PagePoint) error {
	if len(points) == 0 {
		return nil
	}

	qpoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		qpoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDNum(PointID(p.DocumentID, p.PageNumber)),
			Vectors: qdrant.NewVectorsMulti(p.Vectors),
			Payload: map[string]*qdrant.Value{
				payloadDocumentID:   qdrant.NewValueInt(int64(p.DocumentID)),
				payloadPageNumber:   qdrant.NewValueInt(int64(p.PageNumber)),
				payloadDocumentName: qdrant.NewValueString(p.DocumentName),
			},
		}
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: name,
		Wait:           qdrant.PtrOf(true),
		Points:         qpoints,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}

	return nil
}

// Search performs a MaxSim search with a multi-vector query
func (s *QdrantStore) Search(ctx context.Context, name string, query [][]float32, limit int) ([]PageHit, error) {
	if limit <= 0 {
		return nil, nil
	}

	response, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: name,
		Query:          qdrant.NewQueryMulti(query),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	hits := make([]PageHit, 0, len(response))
	for _, point := range response {
		hit := pageHit(point.Id, point.Payload)
		hit.Score = point.Score
		hits = append(hits, hit)
	}

	return hits, nil
}

// pageHit reads a hit's location from its payload, falling back to the numeric
// point ID. A location that can be recovered from neither is (-1, -1), which no
// store resolves.
func pageHit(id *qdrant.PointId, payload map[string]*qdrant.Value) PageHit {
	hit := PageHit{DocumentID: -1, PageNumber: -1}
	if id != nil {
		if _, ok := id.GetPointIdOptions().(*qdrant.PointId_Num); ok {
			hit.DocumentID, hit.PageNumber = SplitPointID(id.GetNum())
		}
	}

	if v, ok := payload[payloadDocumentID]; ok {
		hit.DocumentID = int(v.GetIntegerValue())
	}
	if v, ok := payload[payloadPageNumber]; ok {
		hit.PageNumber = int(v.GetIntegerValue())
	}
	if v, ok := payload[payloadDocumentName]; ok {
		hit.DocumentName = v.GetStringValue()
	}
	return hit
}

// PointID packs a (document, page) pair into a numeric point ID.
func PointID(documentID, pageNumber int) uint64 {
	return uint64(documentID)<<pageBits | uint64(pageNumber)
}

// SplitPointID is the inverse of PointID.
func SplitPointID(id uint64) (documentID, pageNumber int) {
	return int(id >> pageBits), int(id & (1<<pageBits - 1))
}

// Ensure QdrantStore implements PageStore
var _ PageStore = (*QdrantStore)(nil)
