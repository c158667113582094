package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/qdrant/go-client/qdrant"

	"github.com/oldnordic/ltmc/internal/config"
	"github.com/oldnordic/ltmc/internal/errors"
	"github.com/oldnordic/ltmc/internal/logging"
	"github.com/oldnordic/ltmc/pkg/types"
)

// QdrantIndex implements VectorIndex over a Qdrant collection. Points are
// keyed by the sequential vector id; cosine distance over L2-normalised
// vectors is fixed at collection creation.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	dimension  int
	logger     logging.Logger
}

// NewQdrantIndex connects to Qdrant and creates the collection when absent.
func NewQdrantIndex(ctx context.Context, cfg *config.QdrantConfig, dimension int, logger logging.Logger) (*QdrantIndex, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindUnavailable, err, "creating qdrant client").
			WithAdapter(string(KindVector))
	}

	q := &QdrantIndex{
		client:     client,
		collection: cfg.Collection,
		dimension:  dimension,
		logger:     logger.WithComponent("qdrant"),
	}
	if err := q.ensureCollection(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *QdrantIndex) ensureCollection(ctx context.Context) error {
	collections, err := q.client.ListCollections(ctx)
	if err != nil {
		return errors.Wrap(errors.KindUnavailable, err, "listing collections").
			WithAdapter(string(KindVector))
	}
	for _, name := range collections {
		if name == q.collection {
			return nil
		}
	}
	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(q.dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return errors.Wrap(errors.KindUnavailable, err, "creating collection %s", q.collection).
			WithAdapter(string(KindVector))
	}
	q.logger.Info("created qdrant collection", "collection", q.collection, "dimension", q.dimension)
	return nil
}

func (q *QdrantIndex) Kind() Kind     { return KindVector }
func (q *QdrantIndex) Dimension() int { return q.dimension }

// IsAvailable checks collection reachability.
func (q *QdrantIndex) IsAvailable(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := q.client.GetCollectionInfo(probeCtx, q.collection)
	return err == nil
}

// Close shuts the grpc connection down.
func (q *QdrantIndex) Close() error { return q.client.Close() }

// Store upserts the document's vector under its vector id, carrying the
// document identity and version in the point payload.
func (q *QdrantIndex) Store(ctx context.Context, entityID string, p *types.DocumentPayload) error {
	if p.VectorID <= 0 {
		return errors.Validation("document %s has no vector id", entityID).
			WithAdapter(string(KindVector))
	}
	if len(p.Vector) != q.dimension {
		return errors.Validation("vector dimension %d does not match index dimension %d",
			len(p.Vector), q.dimension).WithAdapter(string(KindVector))
	}
	metadata := map[string]any{
		"doc_id":       entityID,
		"content_hash": p.ContentHash,
		"updated_at":   p.UpdatedAt.UTC().UnixNano(),
	}
	if len(p.Tags) > 0 {
		metadata["tags"] = p.Tags
	}
	return q.Upsert(ctx, p.VectorID, p.Vector, metadata)
}

// Retrieve looks a document up by its id through a payload filter.
func (q *QdrantIndex) Retrieve(ctx context.Context, entityID string) (*types.DocumentPayload, error) {
	points, err := q.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: q.collection,
		Filter:         keywordFilter("doc_id", entityID),
		Limit:          qdrant.PtrOf(uint32(1)),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindUnavailable, err, "scrolling for document %s", entityID).
			WithAdapter(string(KindVector))
	}
	if len(points) == 0 {
		return nil, errors.NotFound("document %s not in vector index", entityID).
			WithAdapter(string(KindVector))
	}

	point := points[0]
	payload := point.GetPayload()
	p := &types.DocumentPayload{
		ID:          entityID,
		ContentHash: payloadString(payload, "content_hash"),
		Tags:        payloadStrings(payload, "tags"),
	}
	if nanos := payloadInt(payload, "updated_at"); nanos > 0 {
		p.UpdatedAt = time.Unix(0, nanos).UTC()
	}
	if id := point.GetId(); id != nil {
		p.VectorID = int64(id.GetNum())
	}
	if vectors := point.GetVectors(); vectors != nil {
		if vector := vectors.GetVector(); vector != nil {
			p.Vector = vector.GetData()
		}
	}
	return p, nil
}

// Delete removes every point carrying the document id. Absence is not an
// error.
func (q *QdrantIndex) Delete(ctx context.Context, entityID string) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: keywordFilter("doc_id", entityID),
			},
		},
	})
	if err != nil {
		return errors.Wrap(errors.KindUnavailable, err, "deleting document %s", entityID).
			WithAdapter(string(KindVector))
	}
	return nil
}

// Upsert writes one point keyed by the sequential vector id.
func (q *QdrantIndex) Upsert(ctx context.Context, vectorID int64, vector []float32, metadata map[string]any) error {
	if len(vector) != q.dimension {
		return errors.Validation("vector dimension %d does not match index dimension %d",
			len(vector), q.dimension).WithAdapter(string(KindVector))
	}
	payload := make(map[string]*qdrant.Value, len(metadata))
	for key, val := range metadata {
		payload[key] = toQdrantValue(val)
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points: []*qdrant.PointStruct{{
			Id:      numericPointID(vectorID),
			Vectors: &qdrant.Vectors{VectorsOptions: &qdrant.Vectors_Vector{Vector: &qdrant.Vector{Data: vector}}},
			Payload: payload,
		}},
		Wait: qdrant.PtrOf(true),
	})
	if err != nil {
		return errors.Wrap(errors.KindUnavailable, err, "upserting point %d", vectorID).
			WithAdapter(string(KindVector))
	}
	return nil
}

// SearchVectors returns the top-k nearest neighbours by cosine similarity.
// An empty index yields an empty result, not an error.
func (q *QdrantIndex) SearchVectors(ctx context.Context, query []float32, k int, filter map[string]string) ([]VectorMatch, error) {
	if len(query) != q.dimension {
		return nil, errors.Validation("query dimension %d does not match index dimension %d",
			len(query), q.dimension).WithAdapter(string(KindVector))
	}
	if k <= 0 {
		return nil, nil
	}

	var qf *qdrant.Filter
	if len(filter) > 0 {
		qf = &qdrant.Filter{}
		for key, val := range filter {
			qf.Must = append(qf.Must, keywordCondition(key, val))
		}
	}

	points, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(query...),
		Limit:          qdrant.PtrOf(uint64(k)),
		Filter:         qf,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindUnavailable, err, "querying vectors").
			WithAdapter(string(KindVector))
	}

	matches := make([]VectorMatch, 0, len(points))
	for _, point := range points {
		id := point.GetId()
		if id == nil {
			continue
		}
		matches = append(matches, VectorMatch{
			VectorID: int64(id.GetNum()),
			Score:    float64(point.GetScore()),
			Metadata: fromQdrantPayload(point.GetPayload()),
		})
	}
	return matches, nil
}

// Remove deletes one point by vector id.
func (q *QdrantIndex) Remove(ctx context.Context, vectorID int64) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: []*qdrant.PointId{numericPointID(vectorID)}},
			},
		},
	})
	if err != nil {
		return errors.Wrap(errors.KindUnavailable, err, "removing point %d", vectorID).
			WithAdapter(string(KindVector))
	}
	return nil
}

func numericPointID(id int64) *qdrant.PointId {
	return &qdrant.PointId{PointIdOptions: &qdrant.PointId_Num{Num: uint64(id)}}
}

func keywordCondition(key, value string) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key:   key,
				Match: &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: value}},
			},
		},
	}
}

func keywordFilter(key, value string) *qdrant.Filter {
	return &qdrant.Filter{Must: []*qdrant.Condition{keywordCondition(key, value)}}
}

func toQdrantValue(v any) *qdrant.Value {
	switch val := v.(type) {
	case string:
		return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: val}}
	case int:
		return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(val)}}
	case int64:
		return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: val}}
	case float64:
		return &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: val}}
	case bool:
		return &qdrant.Value{Kind: &qdrant.Value_BoolValue{BoolValue: val}}
	case []string:
		values := make([]*qdrant.Value, len(val))
		for i, s := range val {
			values[i] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
		}
		return &qdrant.Value{Kind: &qdrant.Value_ListValue{ListValue: &qdrant.ListValue{Values: values}}}
	default:
		return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: fmt.Sprintf("%v", val)}}
	}
}

func fromQdrantPayload(payload map[string]*qdrant.Value) map[string]any {
	if len(payload) == 0 {
		return nil
	}
	out := make(map[string]any, len(payload))
	for key, v := range payload {
		switch kind := v.GetKind().(type) {
		case *qdrant.Value_StringValue:
			out[key] = kind.StringValue
		case *qdrant.Value_IntegerValue:
			out[key] = kind.IntegerValue
		case *qdrant.Value_DoubleValue:
			out[key] = kind.DoubleValue
		case *qdrant.Value_BoolValue:
			out[key] = kind.BoolValue
		case *qdrant.Value_ListValue:
			var items []string
			for _, item := range kind.ListValue.GetValues() {
				items = append(items, item.GetStringValue())
			}
			out[key] = items
		}
	}
	return out
}

func payloadString(payload map[string]*qdrant.Value, key string) string {
	if v, ok := payload[key]; ok {
		return v.GetStringValue()
	}
	return ""
}

func payloadInt(payload map[string]*qdrant.Value, key string) int64 {
	if v, ok := payload[key]; ok {
		return v.GetIntegerValue()
	}
	return 0
}

func payloadStrings(payload map[string]*qdrant.Value, key string) []string {
	v, ok := payload[key]
	if !ok {
		return nil
	}
	list := v.GetListValue()
	if list == nil {
		return nil
	}
	out := make([]string, 0, len(list.Values))
	for _, item := range list.Values {
		out = append(out, item.GetStringValue())
	}
	return out
}
