package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// QdrantConfig holds connection settings for the vector adapter.
type QdrantConfig struct {
	// URL points at the Qdrant gRPC endpoint, e.g. http://localhost:6334.
	URL string
	// APIKey is optional; empty means no auth.
	APIKey string
	// MetricsEnabled turns on per-operation metrics collection.
	MetricsEnabled bool
}

// QdrantStore is the vector adapter backing L3 episodic similarity search.
type QdrantStore struct {
	cfg     QdrantConfig
	client  *qdrant.Client
	metrics *MetricsCollector
}

// NewQdrantStore creates an unconnected adapter. Call Connect before use.
func NewQdrantStore(cfg QdrantConfig) *QdrantStore {
	return &QdrantStore{
		cfg:     cfg,
		metrics: NewMetricsCollector("qdrant", cfg.MetricsEnabled),
	}
}

// Name implements Backend.
func (s *QdrantStore) Name() string { return "qdrant" }

// Metrics implements Backend.
func (s *QdrantStore) Metrics() *MetricsCollector { return s.metrics }

// Connect dials the gRPC endpoint and verifies it responds.
func (s *QdrantStore) Connect(ctx context.Context) error {
	host, port, err := parseGRPCEndpoint(s.cfg.URL)
	if err != nil {
		return DataErr("qdrant", "connect", err)
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: s.cfg.APIKey,
	})
	if err != nil {
		return ConnectionErr("qdrant", "connect", err)
	}
	if _, err := client.HealthCheck(ctx); err != nil {
		_ = client.Close()
		return ConnectionErr("qdrant", "connect", err)
	}
	s.client = client
	slog.Info("Qdrant adapter connected", "host", host, "port", port)
	return nil
}

// parseGRPCEndpoint extracts host and port from a URL-shaped endpoint.
func parseGRPCEndpoint(raw string) (string, int, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", 0, fmt.Errorf("parse url: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		host = raw
	}
	port := 6334
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return "", 0, fmt.Errorf("parse port: %w", err)
		}
	}
	return host, port, nil
}

// Disconnect closes the gRPC connection. Idempotent.
func (s *QdrantStore) Disconnect(_ context.Context) error {
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	if err != nil {
		return ConnectionErr("qdrant", "disconnect", err)
	}
	return nil
}

// Ping verifies the backend is reachable.
func (s *QdrantStore) Ping(ctx context.Context) error {
	if s.client == nil {
		return ConnectionErr("qdrant", "ping", errors.New("not connected"))
	}
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return s.wrap("ping", err)
	}
	return nil
}

// wrap classifies a gRPC error into the storage taxonomy.
func (s *QdrantStore) wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return TimeoutErr("qdrant", op, err)
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.NotFound:
			return NotFoundErr("qdrant", op, err)
		case codes.DeadlineExceeded:
			return TimeoutErr("qdrant", op, err)
		case codes.Unavailable:
			return ConnectionErr("qdrant", op, err)
		case codes.InvalidArgument:
			return DataErr("qdrant", op, err)
		}
	}
	return QueryErr("qdrant", op, err)
}

// EnsureCollection creates the collection with cosine distance if absent.
func (s *QdrantStore) EnsureCollection(ctx context.Context, collection string, dimension uint64) (err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("ensure_collection", start, err) }()

	exists, e := s.client.CollectionExists(ctx, collection)
	if e != nil {
		return s.wrap("ensure_collection", e)
	}
	if exists {
		return nil
	}
	e = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     dimension,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if e != nil {
		return s.wrap("ensure_collection", e)
	}
	slog.Info("Qdrant collection created", "collection", collection, "dimension", dimension)
	return nil
}

// UpsertPoint writes one point, replacing any prior point with the id.
func (s *QdrantStore) UpsertPoint(ctx context.Context, collection string, point VectorPoint) (err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("upsert_point", start, err) }()

	payload, e := qdrant.TryValueMap(point.Payload)
	if e != nil {
		return DataErr("qdrant", "upsert_point", fmt.Errorf("convert payload: %w", e))
	}
	_, e = s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDUUID(point.ID),
			Vectors: qdrant.NewVectors(point.Vector...),
			Payload: payload,
		}},
	})
	if e != nil {
		err = s.wrap("upsert_point", e)
	}
	return err
}

// buildFilter renders exact-match payload filters as a must-clause filter.
func buildFilter(filters map[string]any) *qdrant.Filter {
	if len(filters) == 0 {
		return nil
	}
	conds := make([]*qdrant.Condition, 0, len(filters))
	for field, v := range filters {
		switch val := v.(type) {
		case string:
			conds = append(conds, qdrant.NewMatch(field, val))
		case bool:
			conds = append(conds, qdrant.NewMatchBool(field, val))
		case int:
			conds = append(conds, qdrant.NewMatchInt(field, int64(val)))
		case int64:
			conds = append(conds, qdrant.NewMatchInt(field, val))
		default:
			conds = append(conds, qdrant.NewMatch(field, fmt.Sprintf("%v", val)))
		}
	}
	return &qdrant.Filter{Must: conds}
}

// SearchByVector returns the nearest points, best score first.
func (s *QdrantStore) SearchByVector(ctx context.Context, collection string, vector []float32, filters map[string]any, limit uint64) (hits []VectorHit, err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("search_by_vector", start, err) }()

	points, e := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(vector...),
		Filter:         buildFilter(filters),
		Limit:          qdrant.PtrOf(limit),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if e != nil {
		return nil, s.wrap("search_by_vector", e)
	}
	hits = make([]VectorHit, 0, len(points))
	for _, p := range points {
		hits = append(hits, VectorHit{
			Point: VectorPoint{
				ID:      p.GetId().GetUuid(),
				Payload: payloadToMap(p.GetPayload()),
			},
			Score: p.GetScore(),
		})
	}
	return hits, nil
}

// Scroll pages through points by payload filter without scoring.
func (s *QdrantStore) Scroll(ctx context.Context, collection string, filters map[string]any, limit uint32) (points []VectorPoint, err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("scroll", start, err) }()

	res, e := s.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: collection,
		Filter:         buildFilter(filters),
		Limit:          qdrant.PtrOf(limit),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if e != nil {
		return nil, s.wrap("scroll", e)
	}
	points = make([]VectorPoint, 0, len(res))
	for _, p := range res {
		points = append(points, VectorPoint{
			ID:      p.GetId().GetUuid(),
			Payload: payloadToMap(p.GetPayload()),
		})
	}
	return points, nil
}

// DeletePoints removes points by id.
func (s *QdrantStore) DeletePoints(ctx context.Context, collection string, ids []string) (err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("delete_points", start, err) }()

	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewIDUUID(id)
	}
	_, e := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points:         qdrant.NewPointsSelector(pointIDs...),
	})
	if e != nil {
		err = s.wrap("delete_points", e)
	}
	return err
}

// payloadToMap converts a Qdrant payload into plain Go values.
func payloadToMap(payload map[string]*qdrant.Value) map[string]any {
	if len(payload) == 0 {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = valueToAny(v)
	}
	return out
}

func valueToAny(v *qdrant.Value) any {
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
		list := make([]any, len(items))
		for i, item := range items {
			list[i] = valueToAny(item)
		}
		return list
	case *qdrant.Value_StructValue:
		return payloadToMap(kind.StructValue.GetFields())
	default:
		return nil
	}
}
