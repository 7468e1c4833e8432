package storage

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/typesense/typesense-go/v3/typesense"
	"github.com/typesense/typesense-go/v3/typesense/api"
	"github.com/typesense/typesense-go/v3/typesense/api/pointer"
)

// DefaultKnowledgeCollection is the full-text collection holding L4
// knowledge documents.
const DefaultKnowledgeCollection = "knowledge_base"

// TypesenseConfig holds connection settings for the full-text adapter.
type TypesenseConfig struct {
	// URL points at the Typesense HTTP endpoint.
	URL    string
	APIKey string
	// Collection overrides DefaultKnowledgeCollection when set.
	Collection string
	// MetricsEnabled turns on per-operation metrics collection.
	MetricsEnabled bool
}

// TypesenseStore is the full-text adapter backing L4 semantic memory.
type TypesenseStore struct {
	cfg        TypesenseConfig
	collection string
	client     *typesense.Client
	metrics    *MetricsCollector
}

// NewTypesenseStore creates an unconnected adapter. Call Connect before use.
func NewTypesenseStore(cfg TypesenseConfig) *TypesenseStore {
	collection := cfg.Collection
	if collection == "" {
		collection = DefaultKnowledgeCollection
	}
	return &TypesenseStore{
		cfg:        cfg,
		collection: collection,
		metrics:    NewMetricsCollector("typesense", cfg.MetricsEnabled),
	}
}

// Name implements Backend.
func (s *TypesenseStore) Name() string { return "typesense" }

// Metrics implements Backend.
func (s *TypesenseStore) Metrics() *MetricsCollector { return s.metrics }

// Collection returns the collection name this adapter writes to.
func (s *TypesenseStore) Collection() string { return s.collection }

// Connect builds the client and verifies the server responds.
func (s *TypesenseStore) Connect(ctx context.Context) error {
	client := typesense.NewClient(
		typesense.WithServer(s.cfg.URL),
		typesense.WithAPIKey(s.cfg.APIKey),
		typesense.WithConnectionTimeout(10*time.Second),
	)
	healthy, err := client.Health(ctx, 5*time.Second)
	if err != nil {
		return ConnectionErr("typesense", "connect", err)
	}
	if !healthy {
		return ConnectionErr("typesense", "connect", errors.New("server reports unhealthy"))
	}
	s.client = client
	slog.Info("Typesense adapter connected", "collection", s.collection)
	return nil
}

// Disconnect releases the client. The HTTP client has no close; this only
// clears the reference.
func (s *TypesenseStore) Disconnect(_ context.Context) error {
	s.client = nil
	return nil
}

// Ping verifies the backend is reachable.
func (s *TypesenseStore) Ping(ctx context.Context) error {
	if s.client == nil {
		return ConnectionErr("typesense", "ping", errors.New("not connected"))
	}
	healthy, err := s.client.Health(ctx, 5*time.Second)
	if err != nil {
		return s.wrap("ping", err)
	}
	if !healthy {
		return ConnectionErr("typesense", "ping", errors.New("server reports unhealthy"))
	}
	return nil
}

// wrap classifies a typesense-go error into the storage taxonomy.
func (s *TypesenseStore) wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return TimeoutErr("typesense", op, err)
	}
	var httpErr *typesense.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.Status == 404:
			return NotFoundErr("typesense", op, err)
		case httpErr.Status == 408:
			return TimeoutErr("typesense", op, err)
		case httpErr.Status == 422 || httpErr.Status == 400:
			return DataErr("typesense", op, err)
		case httpErr.Status >= 500:
			return ConnectionErr("typesense", op, err)
		}
		return QueryErr("typesense", op, err)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return TimeoutErr("typesense", op, err)
		}
		return ConnectionErr("typesense", op, err)
	}
	return QueryErr("typesense", op, err)
}

// knowledgeSchema is the collection layout for knowledge documents:
// searchable title and content, faceted classification and scoring fields.
func (s *TypesenseStore) knowledgeSchema() *api.CollectionSchema {
	return &api.CollectionSchema{
		Name: s.collection,
		Fields: []api.Field{
			{Name: "title", Type: "string"},
			{Name: "content", Type: "string"},
			{Name: "knowledge_type", Type: "string", Facet: pointer.True()},
			{Name: "category", Type: "string", Facet: pointer.True(), Optional: pointer.True()},
			{Name: "domain", Type: "string", Facet: pointer.True(), Optional: pointer.True()},
			{Name: "tags", Type: "string[]", Facet: pointer.True(), Optional: pointer.True()},
			{Name: "confidence_score", Type: "float", Facet: pointer.True()},
			{Name: "usefulness_score", Type: "float", Facet: pointer.True()},
			{Name: "access_count", Type: "int32", Facet: pointer.True()},
			{Name: "validation_count", Type: "int32", Optional: pointer.True()},
			{Name: "distilled_at", Type: "int64", Facet: pointer.True()},
			{Name: "last_accessed", Type: "int64", Optional: pointer.True()},
			{Name: "source_episode_ids", Type: "string[]", Optional: pointer.True()},
			{Name: "episode_count", Type: "int32", Optional: pointer.True()},
			{Name: "session_id", Type: "string", Facet: pointer.True(), Optional: pointer.True()},
			{Name: "conflict_tag", Type: "string", Optional: pointer.True()},
			{Name: "metadata_json", Type: "string", Optional: pointer.True()},
		},
		DefaultSortingField: pointer.String("usefulness_score"),
	}
}

// EnsureCollection creates the knowledge collection if absent. Idempotent.
func (s *TypesenseStore) EnsureCollection(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("ensure_collection", start, err) }()

	_, e := s.client.Collection(s.collection).Retrieve(ctx)
	if e == nil {
		return nil
	}
	var httpErr *typesense.HTTPError
	if !errors.As(e, &httpErr) || httpErr.Status != 404 {
		return s.wrap("ensure_collection", e)
	}
	if _, e := s.client.Collections().Create(ctx, s.knowledgeSchema()); e != nil {
		return s.wrap("ensure_collection", e)
	}
	slog.Info("Typesense collection created", "collection", s.collection)
	return nil
}

// IndexDocument upserts a document; the "id" field is the identity.
func (s *TypesenseStore) IndexDocument(ctx context.Context, doc map[string]any) (err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("index_document", start, err) }()

	if _, ok := doc["id"]; !ok {
		return DataErr("typesense", "index_document", errors.New("document missing id field"))
	}
	if _, e := s.client.Collection(s.collection).Documents().Upsert(ctx, doc, &api.DocumentIndexParameters{}); e != nil {
		err = s.wrap("index_document", e)
	}
	return err
}

// GetDocument fetches a document by id.
func (s *TypesenseStore) GetDocument(ctx context.Context, id string) (doc map[string]any, err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("get_document", start, err) }()

	doc, e := s.client.Collection(s.collection).Document(id).Retrieve(ctx)
	if e != nil {
		return nil, s.wrap("get_document", e)
	}
	return doc, nil
}

// Search runs a text query with filters and sorting.
func (s *TypesenseStore) Search(ctx context.Context, q FullTextQuery) (hits []FullTextHit, err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("search", start, err) }()

	params := &api.SearchCollectionParams{
		Q:       pointer.String(q.Query),
		QueryBy: pointer.String(q.QueryBy),
	}
	if q.FilterBy != "" {
		params.FilterBy = pointer.String(q.FilterBy)
	}
	if q.SortBy != "" {
		params.SortBy = pointer.String(q.SortBy)
	}
	if q.Limit > 0 {
		params.PerPage = pointer.Int(q.Limit)
	}

	result, e := s.client.Collection(s.collection).Documents().Search(ctx, params)
	if e != nil {
		return nil, s.wrap("search", e)
	}
	if result.Hits == nil {
		return nil, nil
	}
	hits = make([]FullTextHit, 0, len(*result.Hits))
	for _, h := range *result.Hits {
		hit := FullTextHit{}
		if h.Document != nil {
			hit.Document = *h.Document
		}
		if h.TextMatch != nil {
			hit.Score = float64(*h.TextMatch)
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// UpdateDocument applies a partial update to a document.
func (s *TypesenseStore) UpdateDocument(ctx context.Context, id string, partial map[string]any) (err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("update_document", start, err) }()

	if _, e := s.client.Collection(s.collection).Document(id).Update(ctx, partial, &api.DocumentIndexParameters{}); e != nil {
		err = s.wrap("update_document", e)
	}
	return err
}

// DeleteDocument removes a document, reporting whether it existed.
func (s *TypesenseStore) DeleteDocument(ctx context.Context, id string) (existed bool, err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("delete_document", start, err) }()

	if _, e := s.client.Collection(s.collection).Document(id).Delete(ctx); e != nil {
		wrapped := s.wrap("delete_document", e)
		if IsNotFound(wrapped) {
			return false, nil
		}
		return false, wrapped
	}
	return true, nil
}

// DeleteByFilter removes all documents matching a filter expression.
func (s *TypesenseStore) DeleteByFilter(ctx context.Context, filterBy string) (deleted int64, err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("delete_by_filter", start, err) }()

	if filterBy == "" {
		return 0, DataErr("typesense", "delete_by_filter", errors.New("empty filter expression"))
	}
	n, e := s.client.Collection(s.collection).Documents().Delete(ctx, &api.DeleteDocumentsParams{
		FilterBy: pointer.String(filterBy),
	})
	if e != nil {
		return 0, s.wrap("delete_by_filter", e)
	}
	return int64(n), nil
}
