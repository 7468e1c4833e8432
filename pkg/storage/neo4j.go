package storage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Neo4jConfig holds connection settings for the graph adapter.
type Neo4jConfig struct {
	// URI is a bolt:// or neo4j:// endpoint.
	URI      string
	User     string
	Password string
	// MetricsEnabled turns on per-operation metrics collection.
	MetricsEnabled bool
}

// Neo4jStore is the graph adapter backing L3 episode and entity nodes. It
// deliberately exposes only a parameterized-query surface; query text lives
// with the tier that owns the schema.
type Neo4jStore struct {
	cfg     Neo4jConfig
	driver  neo4j.DriverWithContext
	metrics *MetricsCollector
}

// NewNeo4jStore creates an unconnected adapter. Call Connect before use.
func NewNeo4jStore(cfg Neo4jConfig) *Neo4jStore {
	return &Neo4jStore{
		cfg:     cfg,
		metrics: NewMetricsCollector("neo4j", cfg.MetricsEnabled),
	}
}

// Name implements Backend.
func (s *Neo4jStore) Name() string { return "neo4j" }

// Metrics implements Backend.
func (s *Neo4jStore) Metrics() *MetricsCollector { return s.metrics }

// Connect creates the driver and verifies connectivity.
func (s *Neo4jStore) Connect(ctx context.Context) error {
	driver, err := neo4j.NewDriverWithContext(s.cfg.URI, neo4j.BasicAuth(s.cfg.User, s.cfg.Password, ""))
	if err != nil {
		return DataErr("neo4j", "connect", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return ConnectionErr("neo4j", "connect", err)
	}
	s.driver = driver
	slog.Info("Neo4j adapter connected", "uri", s.cfg.URI)
	return nil
}

// Disconnect closes the driver. Idempotent.
func (s *Neo4jStore) Disconnect(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}
	err := s.driver.Close(ctx)
	s.driver = nil
	if err != nil {
		return ConnectionErr("neo4j", "disconnect", err)
	}
	return nil
}

// Ping verifies the backend is reachable.
func (s *Neo4jStore) Ping(ctx context.Context) error {
	if s.driver == nil {
		return ConnectionErr("neo4j", "ping", errors.New("not connected"))
	}
	if err := s.driver.VerifyConnectivity(ctx); err != nil {
		return s.wrap("ping", err)
	}
	return nil
}

// wrap classifies a driver error into the storage taxonomy.
func (s *Neo4jStore) wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return TimeoutErr("neo4j", op, err)
	case neo4j.IsConnectivityError(err):
		return ConnectionErr("neo4j", op, err)
	case neo4j.IsNeo4jError(err):
		return QueryErr("neo4j", op, err)
	}
	return QueryErr("neo4j", op, err)
}

// ExecuteQuery runs a parameterized query and returns the rows as maps keyed
// by the query's return aliases.
func (s *Neo4jStore) ExecuteQuery(ctx context.Context, query string, params map[string]any) (rows []map[string]any, err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("execute_query", start, err) }()

	result, e := neo4j.ExecuteQuery(ctx, s.driver, query, params, neo4j.EagerResultTransformer)
	if e != nil {
		return nil, s.wrap("execute_query", e)
	}
	rows = make([]map[string]any, 0, len(result.Records))
	for _, rec := range result.Records {
		rows = append(rows, rec.AsMap())
	}
	return rows, nil
}
