package storage

import (
	"context"
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql
)

//go:embed migrations
var migrationsFS embed.FS

// Tables owned by the relational adapter.
const (
	TableActiveContext = "active_context"
	TableWorkingMemory = "working_memory"
)

// PostgresConfig holds connection settings for the relational adapter.
type PostgresConfig struct {
	// URL is a postgres:// connection string.
	URL string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// MetricsEnabled turns on per-operation metrics collection.
	MetricsEnabled bool
	// SkipMigrations disables the startup migration run (tests manage
	// their own schema).
	SkipMigrations bool
}

// PostgresStore is the relational adapter backing the L1 durable path and
// L2 working memory.
type PostgresStore struct {
	cfg     PostgresConfig
	db      *stdsql.DB
	metrics *MetricsCollector
}

// identPattern restricts table and column names to plain identifiers.
var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// NewPostgresStore creates an unconnected adapter. Call Connect before use.
func NewPostgresStore(cfg PostgresConfig) *PostgresStore {
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.ConnMaxIdleTime == 0 {
		cfg.ConnMaxIdleTime = 5 * time.Minute
	}
	return &PostgresStore{
		cfg:     cfg,
		metrics: NewMetricsCollector("postgres", cfg.MetricsEnabled),
	}
}

// Name implements Backend.
func (s *PostgresStore) Name() string { return "postgres" }

// Metrics implements Backend.
func (s *PostgresStore) Metrics() *MetricsCollector { return s.metrics }

// Connect opens the pool, applies pending migrations, and verifies the
// working-memory full-text index exists. A missing index is a fatal
// configuration error.
func (s *PostgresStore) Connect(ctx context.Context) error {
	db, err := stdsql.Open("pgx", s.cfg.URL)
	if err != nil {
		return ConnectionErr("postgres", "connect", fmt.Errorf("open database: %w", err))
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(s.cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return ConnectionErr("postgres", "connect", fmt.Errorf("ping database: %w", err))
	}

	if !s.cfg.SkipMigrations {
		if err := runMigrations(db); err != nil {
			_ = db.Close()
			return QueryErr("postgres", "connect", fmt.Errorf("run migrations: %w", err))
		}
	}

	if err := verifyFullTextIndex(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	slog.Info("Postgres adapter connected",
		"max_open_conns", s.cfg.MaxOpenConns,
		"max_idle_conns", s.cfg.MaxIdleConns)
	return nil
}

// runMigrations applies pending migrations using golang-migrate with the
// embedded migration files, so production deployments need no external SQL.
func runMigrations(db *stdsql.DB) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "memory", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	// Close only the migration source driver. Calling m.Close() would also
	// close the database driver, which closes the shared *sql.DB.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("close migration source: %w", err)
	}

	return nil
}

// verifyFullTextIndex confirms the tsvector GIN index on
// working_memory.content exists. L2 text search depends on it; starting
// without it would silently degrade to sequential scans.
func verifyFullTextIndex(ctx context.Context, db *stdsql.DB) error {
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pg_indexes
		 WHERE schemaname = current_schema()
		   AND tablename = $1 AND indexdef ILIKE '%to_tsvector%'`,
		TableWorkingMemory,
	).Scan(&count)
	if err != nil {
		return QueryErr("postgres", "verify_fts", fmt.Errorf("check tsvector index: %w", err))
	}
	if count == 0 {
		return DataErr("postgres", "verify_fts",
			fmt.Errorf("no tsvector index on %s.content; full-text search is required", TableWorkingMemory))
	}
	return nil
}

// Disconnect closes the pool. Idempotent.
func (s *PostgresStore) Disconnect(_ context.Context) error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return ConnectionErr("postgres", "disconnect", err)
	}
	return nil
}

// Ping verifies the backend is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.db == nil {
		return ConnectionErr("postgres", "ping", errors.New("not connected"))
	}
	if err := s.db.PingContext(ctx); err != nil {
		return s.wrap("ping", err)
	}
	return nil
}

// wrap classifies a database/sql or pgx error into the storage taxonomy.
func (s *PostgresStore) wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, stdsql.ErrNoRows):
		return NotFoundErr("postgres", op, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return TimeoutErr("postgres", op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 is connection exception.
		if strings.HasPrefix(pgErr.Code, "08") {
			return ConnectionErr("postgres", op, err)
		}
		return QueryErr("postgres", op, err)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return TimeoutErr("postgres", op, err)
		}
		return ConnectionErr("postgres", op, err)
	}
	return QueryErr("postgres", op, err)
}

func checkIdent(op string, names ...string) error {
	for _, n := range names {
		if !identPattern.MatchString(n) {
			return DataErr("postgres", op, fmt.Errorf("invalid identifier %q", n))
		}
	}
	return nil
}

// sortedColumns returns map keys in stable order so generated SQL is
// deterministic.
func sortedColumns(m map[string]any) []string {
	cols := make([]string, 0, len(m))
	for c := range m {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// Insert adds one row to table.
func (s *PostgresStore) Insert(ctx context.Context, table string, row map[string]any) (err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("insert", start, err) }()

	if len(row) == 0 {
		return DataErr("postgres", "insert", errors.New("empty row"))
	}
	cols := sortedColumns(row)
	if err = checkIdent("insert", append([]string{table}, cols...)...); err != nil {
		return err
	}

	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = row[c]
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))

	if _, e := s.db.ExecContext(ctx, query, args...); e != nil {
		err = s.wrap("insert", e)
	}
	return err
}

// buildWhere renders filters as "col1 = $n AND col2 = $n+1", appending args.
func buildWhere(filters map[string]any, args *[]any) string {
	if len(filters) == 0 {
		return ""
	}
	conds := make([]string, 0, len(filters))
	for _, c := range sortedColumns(filters) {
		v := filters[c]
		if v == nil {
			conds = append(conds, fmt.Sprintf("%s IS NULL", c))
			continue
		}
		*args = append(*args, v)
		conds = append(conds, fmt.Sprintf("%s = $%d", c, len(*args)))
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

// Update modifies rows matching filters, returning the affected count.
func (s *PostgresStore) Update(ctx context.Context, table string, filters, data map[string]any) (affected int64, err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("update", start, err) }()

	if len(data) == 0 {
		return 0, DataErr("postgres", "update", errors.New("empty update data"))
	}
	cols := sortedColumns(data)
	idents := append([]string{table}, cols...)
	idents = append(idents, sortedColumns(filters)...)
	if err = checkIdent("update", idents...); err != nil {
		return 0, err
	}

	var args []any
	sets := make([]string, len(cols))
	for i, c := range cols {
		args = append(args, data[c])
		sets[i] = fmt.Sprintf("%s = $%d", c, len(args))
	}
	query := fmt.Sprintf("UPDATE %s SET %s%s", table, strings.Join(sets, ", "), buildWhere(filters, &args))

	res, e := s.db.ExecContext(ctx, query, args...)
	if e != nil {
		return 0, s.wrap("update", e)
	}
	affected, _ = res.RowsAffected()
	return affected, nil
}

// Query returns rows matching filters. orderBy is a raw ORDER BY body;
// limit <= 0 means unlimited.
func (s *PostgresStore) Query(ctx context.Context, table string, filters map[string]any, orderBy string, limit int) (rows []map[string]any, err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("query", start, err) }()

	idents := append([]string{table}, sortedColumns(filters)...)
	if err = checkIdent("query", idents...); err != nil {
		return nil, err
	}

	var args []any
	query := fmt.Sprintf("SELECT * FROM %s%s", table, buildWhere(filters, &args))
	if orderBy != "" {
		query += " ORDER BY " + orderBy
	}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, e := s.scanQuery(ctx, query, args...)
	if e != nil {
		return nil, s.wrap("query", e)
	}
	return rows, nil
}

// DeleteByFilters removes rows matching filters, returning the count.
func (s *PostgresStore) DeleteByFilters(ctx context.Context, table string, filters map[string]any) (affected int64, err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("delete_by_filters", start, err) }()

	idents := append([]string{table}, sortedColumns(filters)...)
	if err = checkIdent("delete_by_filters", idents...); err != nil {
		return 0, err
	}

	var args []any
	query := fmt.Sprintf("DELETE FROM %s%s", table, buildWhere(filters, &args))

	res, e := s.db.ExecContext(ctx, query, args...)
	if e != nil {
		return 0, s.wrap("delete_by_filters", e)
	}
	affected, _ = res.RowsAffected()
	return affected, nil
}

// Execute runs a raw statement, returning rows affected.
func (s *PostgresStore) Execute(ctx context.Context, query string, args ...any) (affected int64, err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("execute", start, err) }()

	res, e := s.db.ExecContext(ctx, query, args...)
	if e != nil {
		return 0, s.wrap("execute", e)
	}
	affected, _ = res.RowsAffected()
	return affected, nil
}

// QuerySQL runs a raw SELECT, returning generic rows.
func (s *PostgresStore) QuerySQL(ctx context.Context, query string, args ...any) (rows []map[string]any, err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("query_sql", start, err) }()

	rows, e := s.scanQuery(ctx, query, args...)
	if e != nil {
		return nil, s.wrap("query_sql", e)
	}
	return rows, nil
}

// scanQuery runs a SELECT and scans every row into a map keyed by column.
func (s *PostgresStore) scanQuery(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	rs, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rs.Close() }()

	cols, err := rs.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]any
	for rs.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rs.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
				continue
			}
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	return out, rs.Err()
}
