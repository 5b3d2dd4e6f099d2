package vectorstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/nidhogg/nuka-mind/internal/apperr"
)

// QdrantConfig holds connection settings for a Qdrant instance.
type QdrantConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Collection string `json:"collection"`
}

// defaultSearchLimit bounds unlimited searches against Qdrant.
const defaultSearchLimit = 1000

// QdrantIndex implements Index on a Qdrant collection. It does not join
// relational transactions; callers compensate on failure.
type QdrantIndex struct {
	conn        *grpc.ClientConn
	collections pb.CollectionsClient
	points      pb.PointsClient
	collection  string
	threshold   float64
	logger      *zap.Logger
}

// NewQdrantIndex dials the Qdrant gRPC endpoint.
func NewQdrantIndex(cfg QdrantConfig, threshold float64, logger *zap.Logger) (*QdrantIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	if cfg.Collection == "" {
		cfg.Collection = "nuka_memories"
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect %s: %w", addr, err)
	}
	return &QdrantIndex{
		conn:        conn,
		collections: pb.NewCollectionsClient(conn),
		points:      pb.NewPointsClient(conn),
		collection:  cfg.Collection,
		threshold:   threshold,
		logger:      logger,
	}, nil
}

// EnsureCollection creates the collection if it does not already exist.
func (q *QdrantIndex) EnsureCollection(ctx context.Context, dimension uint64) error {
	_, err := q.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: q.collection})
	if err == nil {
		return nil
	}
	_, err = q.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     dimension,
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", q.collection, err)
	}
	q.logger.Info("Qdrant collection created", zap.String("collection", q.collection), zap.Uint64("dimension", dimension))
	return nil
}

// Upsert inserts or updates a single point.
func (q *QdrantIndex) Upsert(ctx context.Context, e Entry) error {
	return q.UpsertBatch(ctx, []Entry{e})
}

// UpsertBatch sends all points in one request.
func (q *QdrantIndex) UpsertBatch(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	points := make([]*pb.PointStruct, 0, len(entries))
	for _, e := range entries {
		if err := apperr.Required("vector id", e.ID); err != nil {
			return err
		}
		points = append(points, &pb.PointStruct{
			Id:      pointID(e.ID),
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: e.Embedding}}},
			Payload: qdrantPayload(e),
		})
	}
	wait := true
	_, err := q.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points:         points,
	})
	return apperr.Storage("qdrant upsert", err)
}

// Search performs a filtered nearest-neighbour search.
func (q *QdrantIndex) Search(ctx context.Context, query []float32, opts SearchOptions) ([]Match, error) {
	if err := opts.Filter.Validate(); err != nil {
		return nil, err
	}
	limit := uint64(defaultSearchLimit)
	if opts.Limit > 0 {
		limit = uint64(opts.Limit)
	}
	threshold := float32(opts.threshold(q.threshold))

	resp, err := q.points.Search(ctx, &pb.SearchPoints{
		CollectionName: q.collection,
		Vector:         query,
		Filter:         qdrantFilter(opts.Filter),
		Limit:          limit,
		ScoreThreshold: &threshold,
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, apperr.Storage("qdrant search "+q.collection, err)
	}
	matches := make([]Match, 0, len(resp.Result))
	for _, r := range resp.Result {
		matches = append(matches, qdrantMatch(r.Id, r.Score, r.Payload))
	}
	return matches, nil
}

// Delete removes one point.
func (q *QdrantIndex) Delete(ctx context.Context, id string) error {
	wait := true
	_, err := q.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{PointsSelectorOneOf: &pb.PointsSelector_Points{
			Points: &pb.PointsIdsList{Ids: []*pb.PointId{pointID(id)}},
		}},
	})
	return apperr.Storage("qdrant delete "+id, err)
}

// DeleteByFilter removes every point matching f and reports how many matched.
func (q *QdrantIndex) DeleteByFilter(ctx context.Context, f Filter) (int, error) {
	if err := f.Validate(); err != nil {
		return 0, err
	}
	if len(f) == 0 {
		return 0, apperr.Invalid("filter", "delete requires at least one key")
	}
	n, err := q.Count(ctx, f)
	if err != nil {
		return 0, err
	}
	wait := true
	_, err = q.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{PointsSelectorOneOf: &pb.PointsSelector_Filter{
			Filter: qdrantFilter(f),
		}},
	})
	if err != nil {
		return 0, apperr.Storage("qdrant delete by filter", err)
	}
	return n, nil
}

// Count returns the exact number of points matching f.
func (q *QdrantIndex) Count(ctx context.Context, f Filter) (int, error) {
	if err := f.Validate(); err != nil {
		return 0, err
	}
	exact := true
	resp, err := q.points.Count(ctx, &pb.CountPoints{
		CollectionName: q.collection,
		Filter:         qdrantFilter(f),
		Exact:          &exact,
	})
	if err != nil {
		return 0, apperr.Storage("qdrant count", err)
	}
	return int(resp.GetResult().GetCount()), nil
}

// Close tears down the underlying gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.conn.Close()
}

// idField carries the caller's id in the payload. Qdrant only accepts
// UUID or integer point ids.
const idField = "_id"

// idNamespace seeds the UUIDv5 derived from ids that are not UUIDs.
var idNamespace = uuid.MustParse("8f2c6a1e-3d4b-5c7a-9e0f-1b2d3c4e5f60")

func pointID(id string) *pb.PointId {
	u, err := uuid.Parse(id)
	if err != nil || u.String() != id {
		u = uuid.NewSHA1(idNamespace, []byte(id))
	}
	return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: u.String()}}
}

func qdrantPayload(e Entry) map[string]*pb.Value {
	payload := make(map[string]*pb.Value, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		payload[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: v}}
	}
	payload[idField] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: e.ID}}
	return payload
}

func qdrantMatch(id *pb.PointId, score float32, payload map[string]*pb.Value) Match {
	m := Match{ID: id.GetUuid(), Score: float64(score), Metadata: make(Metadata)}
	for k, v := range payload {
		sv, ok := v.Kind.(*pb.Value_StringValue)
		if !ok {
			continue
		}
		if k == idField {
			m.ID = sv.StringValue
			continue
		}
		m.Metadata[k] = sv.StringValue
	}
	return m
}

func qdrantFilter(f Filter) *pb.Filter {
	if len(f) == 0 {
		return nil
	}
	must := make([]*pb.Condition, 0, len(f))
	for k, v := range f {
		must = append(must, &pb.Condition{
			ConditionOneOf: &pb.Condition_Field{
				Field: &pb.FieldCondition{
					Key:   k,
					Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: v}},
				},
			},
		})
	}
	return &pb.Filter{Must: must}
}
