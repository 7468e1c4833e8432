package storage

import (
	"context"
	"time"
)

// Backend is the lifecycle surface every adapter shares. Tiers never hold a
// Backend directly; they receive one of the capability interfaces below and
// the lifecycle comes along with it.
type Backend interface {
	// Name identifies the backend in logs, errors, and metrics.
	Name() string
	// Connect establishes the connection or pool. Safe to call once.
	Connect(ctx context.Context) error
	// Disconnect releases the connection. Idempotent.
	Disconnect(ctx context.Context) error
	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
	// Metrics exposes the adapter's operation metrics.
	Metrics() *MetricsCollector
}

// KVListStore is the capability L1 needs from the key-value backend:
// bounded lists with TTLs plus key management.
type KVListStore interface {
	Backend

	// ListPush pushes values to the head of the list at key.
	ListPush(ctx context.Context, key string, values ...[]byte) error
	// ListTrim keeps only the elements in [start, stop].
	ListTrim(ctx context.Context, key string, start, stop int64) error
	// ListRange returns the elements in [start, stop], head first.
	ListRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)
	// Expire sets the key TTL.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// PushTrimExpire runs push-head, trim-to-window, refresh-TTL as one
	// pipelined unit that commits or fails together.
	PushTrimExpire(ctx context.Context, key string, value []byte, keep int64, ttl time.Duration) error
	// ScanKeys returns all keys matching the glob pattern.
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
	// DeleteKey removes a key, reporting whether it existed.
	DeleteKey(ctx context.Context, key string) (bool, error)
}

// RelationalStore is the capability L1's durable path and L2 need from the
// relational backend: table-generic row operations plus raw SQL for the
// cases filters cannot express.
type RelationalStore interface {
	Backend

	// Insert adds one row.
	Insert(ctx context.Context, table string, row map[string]any) error
	// Update modifies rows matching filters, returning the affected count.
	Update(ctx context.Context, table string, filters, data map[string]any) (int64, error)
	// Query returns rows matching filters. orderBy is a raw ORDER BY body
	// ("ciar_score DESC"); limit <= 0 means unlimited.
	Query(ctx context.Context, table string, filters map[string]any, orderBy string, limit int) ([]map[string]any, error)
	// DeleteByFilters removes rows matching filters, returning the count.
	DeleteByFilters(ctx context.Context, table string, filters map[string]any) (int64, error)
	// Execute runs a raw statement, returning rows affected.
	Execute(ctx context.Context, query string, args ...any) (int64, error)
	// QuerySQL runs a raw SELECT, returning generic rows.
	QuerySQL(ctx context.Context, query string, args ...any) ([]map[string]any, error)
}

// VectorPoint is one entry in a vector collection.
type VectorPoint struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// VectorHit is a similarity search result.
type VectorHit struct {
	Point VectorPoint
	Score float32
}

// VectorSearchStore is the capability L3 needs from the vector backend.
type VectorSearchStore interface {
	Backend

	// EnsureCollection creates the collection if absent. Idempotent.
	EnsureCollection(ctx context.Context, collection string, dimension uint64) error
	// UpsertPoint writes one point, replacing any prior point with the id.
	UpsertPoint(ctx context.Context, collection string, point VectorPoint) error
	// SearchByVector returns the nearest points, optionally restricted by
	// exact-match payload filters, best score first.
	SearchByVector(ctx context.Context, collection string, vector []float32, filters map[string]any, limit uint64) ([]VectorHit, error)
	// Scroll pages through points by payload filter without scoring.
	Scroll(ctx context.Context, collection string, filters map[string]any, limit uint32) ([]VectorPoint, error)
	// DeletePoints removes points by id.
	DeletePoints(ctx context.Context, collection string, ids []string) error
}

// GraphStore is the capability L3 needs from the graph backend: a single
// parameterized-query escape hatch. Safe parameterization is the caller's
// responsibility.
type GraphStore interface {
	Backend

	// ExecuteQuery runs a parameterized query and returns the rows as maps
	// keyed by the query's return aliases.
	ExecuteQuery(ctx context.Context, query string, params map[string]any) ([]map[string]any, error)
}

// FullTextQuery is a search request against the full-text backend.
type FullTextQuery struct {
	// Query is the text query; "*" matches everything.
	Query string
	// QueryBy lists the fields searched, comma separated.
	QueryBy string
	// FilterBy is a backend filter expression, empty for none.
	FilterBy string
	// SortBy is a backend sort expression, empty for backend default.
	SortBy string
	// Limit bounds the number of hits; <= 0 uses the backend default.
	Limit int
}

// FullTextHit is one search result with its backend relevance score.
type FullTextHit struct {
	Document map[string]any
	Score    float64
}

// FullTextStore is the capability L4 needs from the full-text backend.
type FullTextStore interface {
	Backend

	// EnsureCollection creates the document collection if absent. Idempotent.
	EnsureCollection(ctx context.Context) error
	// IndexDocument upserts a document; the "id" field is the identity.
	IndexDocument(ctx context.Context, doc map[string]any) error
	// GetDocument fetches a document by id. Missing ids return KindNotFound.
	GetDocument(ctx context.Context, id string) (map[string]any, error)
	// Search runs a text query with filters and sorting.
	Search(ctx context.Context, q FullTextQuery) ([]FullTextHit, error)
	// UpdateDocument applies a partial update to a document.
	UpdateDocument(ctx context.Context, id string, partial map[string]any) error
	// DeleteDocument removes a document, reporting whether it existed.
	DeleteDocument(ctx context.Context, id string) (bool, error)
	// DeleteByFilter removes all documents matching a filter expression,
	// returning the count removed.
	DeleteByFilter(ctx context.Context, filterBy string) (int64, error)
}
