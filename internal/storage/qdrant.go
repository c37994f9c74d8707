/**
 * Qdrant Glyph Index for the Vector Text Worker
 *
 * Stores one point per classified glyph: the 32×32 ink-coverage grid of
 * its bitmap plus the recognized text. The index is a corpus of labelled
 * samples for inspection and similarity lookup; it is never consulted
 * during recognition.
 */

package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	qdrant "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// GlyphVectorSize is the dimension of a glyph feature vector (32×32).
const GlyphVectorSize = 1024

// QdrantClient handles vector database operations
type QdrantClient struct {
	client           qdrant.PointsClient
	collectionClient qdrant.CollectionsClient
	conn             *grpc.ClientConn
	collectionName   string
}

// GlyphPoint is one labelled glyph sample
type GlyphPoint struct {
	ID         string
	Vector     []float32
	Text       string
	JobID      string
	RunID      string
	Confidence float64
	Width      float64
	Height     float64
}

// GlyphMatch is a search hit
type GlyphMatch struct {
	ID    string
	Text  string
	JobID string
	RunID string
	Score float32
}

// NewQdrantClient creates a new Qdrant client
func NewQdrantClient(address string, collectionName string) (*QdrantClient, error) {
	if address == "" {
		return nil, fmt.Errorf("qdrant address is required")
	}

	if collectionName == "" {
		return nil, fmt.Errorf("collection name is required")
	}

	// Connect to Qdrant using gRPC
	conn, err := grpc.Dial(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Qdrant: %w", err)
	}

	qc := &QdrantClient{
		client:           qdrant.NewPointsClient(conn),
		collectionClient: qdrant.NewCollectionsClient(conn),
		conn:             conn,
		collectionName:   collectionName,
	}

	if err := qc.ensureCollection(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ensure collection: %w", err)
	}

	return qc, nil
}

// ensureCollection creates the collection if it doesn't exist
func (q *QdrantClient) ensureCollection(ctx context.Context) error {
	listResp, err := q.collectionClient.List(ctx, &qdrant.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}

	for _, col := range listResp.Collections {
		if col.Name == q.collectionName {
			return nil
		}
	}

	_, err = q.collectionClient.Create(ctx, &qdrant.CreateCollection{
		CollectionName: q.collectionName,
		VectorsConfig: &qdrant.VectorsConfig{
			Config: &qdrant.VectorsConfig_Params{
				Params: &qdrant.VectorParams{
					Size:     GlyphVectorSize,
					Distance: qdrant.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	return nil
}

// glyphPointStruct validates a glyph and converts it to a Qdrant point.
// A missing ID is filled in.
func glyphPointStruct(g *GlyphPoint) (*qdrant.PointStruct, error) {
	if len(g.Vector) != GlyphVectorSize {
		return nil, fmt.Errorf("invalid vector dimensions: expected %d, got %d", GlyphVectorSize, len(g.Vector))
	}
	if g.ID == "" {
		g.ID = uuid.New().String()
	}

	return &qdrant.PointStruct{
		Id: &qdrant.PointId{
			PointIdOptions: &qdrant.PointId_Uuid{Uuid: g.ID},
		},
		Vectors: &qdrant.Vectors{
			VectorsOptions: &qdrant.Vectors_Vector{
				Vector: &qdrant.Vector{Data: g.Vector},
			},
		},
		Payload: toPayload(map[string]interface{}{
			"text":       g.Text,
			"job_id":     g.JobID,
			"run_id":     g.RunID,
			"confidence": g.Confidence,
			"width":      g.Width,
			"height":     g.Height,
		}),
	}, nil
}

// UpsertGlyphs stores glyph samples in one request
func (q *QdrantClient) UpsertGlyphs(ctx context.Context, glyphs []*GlyphPoint) error {
	if len(glyphs) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, 0, len(glyphs))
	for i, g := range glyphs {
		ps, err := glyphPointStruct(g)
		if err != nil {
			return fmt.Errorf("glyph %d: %w", i, err)
		}
		points = append(points, ps)
	}

	wait := true
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collectionName,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert glyphs: %w", err)
	}

	return nil
}

// SearchSimilarGlyphs returns the labelled samples closest to vector
func (q *QdrantClient) SearchSimilarGlyphs(ctx context.Context, vector []float32, limit int) ([]GlyphMatch, error) {
	if len(vector) != GlyphVectorSize {
		return nil, fmt.Errorf("invalid query vector dimensions: expected %d, got %d", GlyphVectorSize, len(vector))
	}

	if limit <= 0 {
		limit = 10
	}

	results, err := q.client.Search(ctx, &qdrant.SearchPoints{
		CollectionName: q.collectionName,
		Vector:         vector,
		Limit:          uint64(limit),
		WithPayload: &qdrant.WithPayloadSelector{
			SelectorOptions: &qdrant.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search glyphs: %w", err)
	}

	matches := make([]GlyphMatch, 0, len(results.Result))
	for _, r := range results.Result {
		meta := fromPayload(r.Payload)
		m := GlyphMatch{Score: r.Score}
		if r.Id != nil {
			m.ID = r.Id.GetUuid()
		}
		m.Text, _ = meta["text"].(string)
		m.JobID, _ = meta["job_id"].(string)
		m.RunID, _ = meta["run_id"].(string)
		matches = append(matches, m)
	}

	return matches, nil
}

// runFilter matches every point written by one recognition run
func runFilter(runID string) *qdrant.Filter {
	return &qdrant.Filter{
		Must: []*qdrant.Condition{
			{
				ConditionOneOf: &qdrant.Condition_Field{
					Field: &qdrant.FieldCondition{
						Key: "run_id",
						Match: &qdrant.Match{
							MatchValue: &qdrant.Match_Keyword{Keyword: runID},
						},
					},
				},
			},
		},
	}
}

// DeleteRun removes all glyph samples of one run
func (q *QdrantClient) DeleteRun(ctx context.Context, runID string) error {
	if runID == "" {
		return fmt.Errorf("run ID is required")
	}

	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collectionName,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: runFilter(runID),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete run %s: %w", runID, err)
	}

	return nil
}

// GetCollectionInfo returns collection statistics
func (q *QdrantClient) GetCollectionInfo(ctx context.Context) (map[string]interface{}, error) {
	info, err := q.collectionClient.Get(ctx, &qdrant.GetCollectionInfoRequest{
		CollectionName: q.collectionName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get collection info: %w", err)
	}

	return map[string]interface{}{
		"collection_name": q.collectionName,
		"vectors_count":   info.Result.GetVectorsCount(),
		"points_count":    info.Result.GetPointsCount(),
		"indexed_vectors": info.Result.GetIndexedVectorsCount(),
		"status":          info.Result.GetStatus().String(),
	}, nil
}

// Close closes the Qdrant client connection
func (q *QdrantClient) Close() error {
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

func toPayload(meta map[string]interface{}) map[string]*qdrant.Value {
	payload := make(map[string]*qdrant.Value, len(meta))
	for k, v := range meta {
		switch val := v.(type) {
		case string:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: val}}
		case int:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(val)}}
		case int64:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: val}}
		case float64:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: val}}
		case bool:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_BoolValue{BoolValue: val}}
		default:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: fmt.Sprintf("%v", val)}}
		}
	}
	return payload
}

func fromPayload(payload map[string]*qdrant.Value) map[string]interface{} {
	meta := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		switch val := v.GetKind().(type) {
		case *qdrant.Value_StringValue:
			meta[k] = val.StringValue
		case *qdrant.Value_IntegerValue:
			meta[k] = val.IntegerValue
		case *qdrant.Value_DoubleValue:
			meta[k] = val.DoubleValue
		case *qdrant.Value_BoolValue:
			meta[k] = val.BoolValue
		}
	}
	return meta
}
