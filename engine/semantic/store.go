// Package semantic owns the Qdrant collection that holds Q&A record vectors.
package semantic

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// pointsAPI is the part of pb.PointsClient the store uses.
type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
	Count(ctx context.Context, in *pb.CountPoints, opts ...grpc.CallOption) (*pb.CountResponse, error)
	CreateFieldIndex(ctx context.Context, in *pb.CreateFieldIndexCollection, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
}

// collectionsAPI is the part of pb.CollectionsClient the store uses.
type collectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// VectorStore is the sole owner of all Qdrant operations.
type VectorStore struct {
	conn        *grpc.ClientConn
	points      pointsAPI
	collections collectionsAPI
	collection  string
}

// New creates a VectorStore connected to Qdrant at the given gRPC address.
func New(addr string, collection string) (*VectorStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	return &VectorStore{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
	}, nil
}

// NewWithClients builds a store over existing clients. Close is a no-op.
func NewWithClients(points pointsAPI, collections collectionsAPI, collection string) *VectorStore {
	return &VectorStore{points: points, collections: collections, collection: collection}
}

// Collection returns the collection name.
func (v *VectorStore) Collection() string { return v.collection }

// Close closes the underlying gRPC connection.
func (v *VectorStore) Close() error {
	if v.conn == nil {
		return nil
	}
	return v.conn.Close()
}

func (v *VectorStore) exists(ctx context.Context) (bool, error) {
	list, err := v.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return false, fmt.Errorf("semantic: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == v.collection {
			return true, nil
		}
	}
	return false, nil
}

// EnsureCollection creates the collection, with payload indexes on the
// filter fields, if it doesn't exist.
func (v *VectorStore) EnsureCollection(ctx context.Context, dims int) error {
	ok, err := v.exists(ctx)
	if err != nil || ok {
		return err
	}

	_, err = v.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: v.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dims),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: create collection %s: %w", v.collection, err)
	}

	indexes := []struct {
		field string
		typ   pb.FieldType
	}{
		{FieldCategory, pb.FieldType_FieldTypeKeyword},
		{FieldMainCategory, pb.FieldType_FieldTypeKeyword},
		{FieldImportance, pb.FieldType_FieldTypeFloat},
	}
	wait := true
	for _, ix := range indexes {
		typ := ix.typ
		_, err := v.points.CreateFieldIndex(ctx, &pb.CreateFieldIndexCollection{
			CollectionName: v.collection,
			Wait:           &wait,
			FieldName:      ix.field,
			FieldType:      &typ,
		})
		if err != nil {
			return fmt.Errorf("semantic: index %s.%s: %w", v.collection, ix.field, err)
		}
	}
	return nil
}

// Reset drops the collection if present and creates it empty.
func (v *VectorStore) Reset(ctx context.Context, dims int) error {
	ok, err := v.exists(ctx)
	if err != nil {
		return err
	}
	if ok {
		if err := v.DeleteCollection(ctx); err != nil {
			return err
		}
	}
	return v.EnsureCollection(ctx, dims)
}

// DeleteCollection deletes the collection.
func (v *VectorStore) DeleteCollection(ctx context.Context) error {
	_, err := v.collections.Delete(ctx, &pb.DeleteCollection{
		CollectionName: v.collection,
	})
	if err != nil {
		return fmt.Errorf("semantic: delete collection %s: %w", v.collection, err)
	}
	return nil
}

// PointID maps a record ID to a Qdrant point ID. UUIDs pass through; any
// other string maps to a stable name-based UUID.
func PointID(id string) string {
	if u, err := uuid.Parse(id); err == nil {
		return u.String()
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(id)).String()
}

// Upsert stores embedding records into Qdrant. Called by engine/ingest.
func (v *VectorStore) Upsert(ctx context.Context, records []VectorRecord) error {
	if len(records) == 0 {
		return nil
	}

	points := make([]*pb.PointStruct, len(records))
	for i, r := range records {
		payload := make(map[string]*pb.Value, len(r.Payload)+1)
		for k, val := range r.Payload {
			if pv, ok := toValue(val); ok {
				payload[k] = pv
			}
		}
		payload[FieldRecordID] = stringValue(r.ID)

		points[i] = &pb.PointStruct{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(r.ID)},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: r.Embedding},
				},
			},
			Payload: payload,
		}
	}

	wait := true
	_, err := v.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: v.collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("semantic: upsert %d points: %w", len(records), err)
	}
	return nil
}

// Search performs k-NN similarity search with the filters in opts. Hits
// come back best first.
func (v *VectorStore) Search(ctx context.Context, embedding []float32, opts SearchOptions) ([]SearchResult, error) {
	req := &pb.SearchPoints{
		CollectionName: v.collection,
		Vector:         embedding,
		Limit:          uint64(max(opts.TopK, 1)),
		Filter:         buildFilter(opts),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	if opts.ScoreThreshold > 0 {
		th := opts.ScoreThreshold
		req.ScoreThreshold = &th
	}

	resp, err := v.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("semantic: search: %w", err)
	}

	results := make([]SearchResult, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		sr := SearchResult{
			ID:      r.GetId().GetUuid(),
			Score:   r.GetScore(),
			Payload: make(map[string]any, len(r.GetPayload())),
		}
		for k, val := range r.GetPayload() {
			sr.Payload[k] = fromValue(val)
		}
		if id, ok := sr.Payload[FieldRecordID].(string); ok && id != "" {
			sr.ID = id
		}
		results[i] = sr
	}
	return results, nil
}

// Count returns the exact number of points in the collection.
func (v *VectorStore) Count(ctx context.Context) (uint64, error) {
	exact := true
	resp, err := v.points.Count(ctx, &pb.CountPoints{
		CollectionName: v.collection,
		Exact:          &exact,
	})
	if err != nil {
		return 0, fmt.Errorf("semantic: count %s: %w", v.collection, err)
	}
	return resp.GetResult().GetCount(), nil
}

func buildFilter(opts SearchOptions) *pb.Filter {
	var must []*pb.Condition
	if opts.Category != "" {
		must = append(must, fieldMatch(FieldCategory, opts.Category))
	}
	if opts.MinImportance != nil {
		must = append(must, fieldRangeGte(FieldImportance, *opts.MinImportance))
	}
	if len(must) == 0 {
		return nil
	}
	return &pb.Filter{Must: must}
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}

func fieldRangeGte(key string, gte float64) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key:   key,
				Range: &pb.Range{Gte: &gte},
			},
		},
	}
}
