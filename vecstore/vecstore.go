// Package vecstore wraps the Qdrant client for the two content collections.
// Points are keyed by deterministic UUIDs derived from the content-addressed
// string ids; the real id travels in the payload.
package vecstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/engramdev/engram/apperr"
)

// Collection names. "content" holds one point per unchunked revision,
// "chunks" one point per chunk of chunked revisions.
const (
	CollectionContent = "content"
	CollectionChunks  = "chunks"
)

// Point is an upsert request: a content-addressed id, its vector, and the
// metadata payload mirrored from the relational row.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// Hit is one similarity-search result.
type Hit struct {
	ID      string
	Score   float32
	Payload map[string]any
}

// Config holds Qdrant connection settings.
type Config struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Dimensions int
}

// Store is a thin wrapper over the Qdrant gRPC client.
type Store struct {
	client *qdrant.Client
	dim    uint64
}

// New connects to Qdrant. Collections are created lazily by
// EnsureCollections.
func New(cfg Config) (*Store, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to qdrant: %v", apperr.ErrStorage, err)
	}
	return &Store{client: client, dim: uint64(cfg.Dimensions)}, nil
}

// Close releases the underlying gRPC connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// EnsureCollections creates the content and chunks collections if they do
// not exist. Idempotent; safe to call on every startup.
func (s *Store) EnsureCollections(ctx context.Context) error {
	for _, name := range []string{CollectionContent, CollectionChunks} {
		exists, err := s.client.CollectionExists(ctx, name)
		if err != nil {
			return fmt.Errorf("%w: checking collection %s: %v", apperr.ErrStorage, name, err)
		}
		if exists {
			continue
		}
		err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     s.dim,
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("%w: creating collection %s: %v", apperr.ErrStorage, name, err)
		}
	}
	return nil
}

// PointUUID derives the deterministic Qdrant point id for a content-addressed
// string id. Qdrant only accepts UUIDs or integers as point ids.
func PointUUID(id string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("engram:"+id)).String()
}

// Upsert writes points into a collection, waiting for the write to apply so
// a following compensation delete always sees them.
func (s *Store) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	qp := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		payload := make(map[string]any, len(p.Payload)+1)
		for k, v := range p.Payload {
			payload[k] = v
		}
		payload["id"] = p.ID

		qp[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(PointUUID(p.ID)),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: qdrant.NewValueMap(payload),
		}
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         qp,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("%w: upserting %d points into %s: %v", apperr.ErrStorage, len(points), collection, err)
	}
	return nil
}

// Query runs a similarity search. filter, when non-nil, requires exact
// payload matches on every key.
func (s *Store) Query(ctx context.Context, collection string, vector []float32, limit int, filter map[string]string) ([]Hit, error) {
	req := &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if len(filter) > 0 {
		var must []*qdrant.Condition
		for k, v := range filter {
			must = append(must, qdrant.NewMatch(k, v))
		}
		req.Filter = &qdrant.Filter{Must: must}
	}

	points, err := s.client.Query(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: querying %s: %v", apperr.ErrStorage, collection, err)
	}

	hits := make([]Hit, 0, len(points))
	for _, p := range points {
		payload := decodePayload(p.Payload)
		id, _ := payload["id"].(string)
		if id == "" {
			// Point written outside this codebase; fall back to the UUID.
			id = p.Id.GetUuid()
		}
		hits = append(hits, Hit{ID: id, Score: p.Score, Payload: payload})
	}
	return hits, nil
}

// DeleteByIDs removes points by their content-addressed string ids. Used as
// the compensation step when a relational write fails after a vector write.
func (s *Store) DeleteByIDs(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewIDUUID(PointUUID(id))
	}

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points:         qdrant.NewPointsSelector(pointIDs...),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("%w: deleting %d points from %s: %v", apperr.ErrStorage, len(ids), collection, err)
	}
	return nil
}

// DeleteByArtifact removes every point of an artifact from both collections
// via a payload filter, covering the content point and all chunk points.
func (s *Store) DeleteByArtifact(ctx context.Context, artifactID string) error {
	for _, collection := range []string{CollectionContent, CollectionChunks} {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: collection,
			Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
				Must: []*qdrant.Condition{qdrant.NewMatch("artifact_id", artifactID)},
			}),
			Wait: qdrant.PtrOf(true),
		})
		if err != nil {
			return fmt.Errorf("%w: deleting artifact %s from %s: %v", apperr.ErrStorage, artifactID, collection, err)
		}
	}
	return nil
}

// HealthCheck pings the Qdrant server.
func (s *Store) HealthCheck(ctx context.Context) error {
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("%w: qdrant health check: %v", apperr.ErrStorage, err)
	}
	return nil
}

// decodePayload converts the Qdrant value map into plain Go values so
// callers never see protobuf types.
func decodePayload(in map[string]*qdrant.Value) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = decodeValue(v)
	}
	return out
}

func decodeValue(v *qdrant.Value) any {
	switch kind := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	case *qdrant.Value_ListValue:
		items := kind.ListValue.GetValues()
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = decodeValue(item)
		}
		return out
	case *qdrant.Value_StructValue:
		return decodePayload(kind.StructValue.GetFields())
	default:
		return nil
	}
}
