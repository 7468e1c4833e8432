package tiers

import (
	"context"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/storage"
)

// mockBackend satisfies the shared lifecycle surface for all storage mocks.
type mockBackend struct {
	name    string
	pingErr error
}

func (m *mockBackend) Name() string                       { return m.name }
func (m *mockBackend) Connect(_ context.Context) error    { return nil }
func (m *mockBackend) Disconnect(_ context.Context) error { return nil }
func (m *mockBackend) Ping(_ context.Context) error       { return m.pingErr }
func (m *mockBackend) Metrics() *storage.MetricsCollector {
	return storage.NewMetricsCollector(m.name, false)
}

// mockKVStore is an in-memory KVListStore with LPUSH list semantics.
type mockKVStore struct {
	mockBackend
	lists map[string][][]byte
	ttls  map[string]time.Duration

	pushErr     error
	rangeErr    error
	expireCalls int
}

func newMockKVStore() *mockKVStore {
	return &mockKVStore{
		mockBackend: mockBackend{name: "redis"},
		lists:       make(map[string][][]byte),
		ttls:        make(map[string]time.Duration),
	}
}

func (m *mockKVStore) ListPush(_ context.Context, key string, values ...[]byte) error {
	if m.pushErr != nil {
		return m.pushErr
	}
	for _, v := range values {
		m.lists[key] = append([][]byte{v}, m.lists[key]...)
	}
	return nil
}

func (m *mockKVStore) ListTrim(_ context.Context, key string, start, stop int64) error {
	list := m.lists[key]
	lo, hi := rangeBounds(len(list), start, stop)
	if lo > hi {
		m.lists[key] = nil
		return nil
	}
	m.lists[key] = list[lo : hi+1]
	return nil
}

func (m *mockKVStore) ListRange(_ context.Context, key string, start, stop int64) ([][]byte, error) {
	if m.rangeErr != nil {
		return nil, m.rangeErr
	}
	list := m.lists[key]
	lo, hi := rangeBounds(len(list), start, stop)
	if lo > hi {
		return nil, nil
	}
	out := make([][]byte, hi-lo+1)
	copy(out, list[lo:hi+1])
	return out, nil
}

func (m *mockKVStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.expireCalls++
	m.ttls[key] = ttl
	return nil
}

func (m *mockKVStore) PushTrimExpire(ctx context.Context, key string, value []byte, keep int64, ttl time.Duration) error {
	if m.pushErr != nil {
		return m.pushErr
	}
	if err := m.ListPush(ctx, key, value); err != nil {
		return err
	}
	if err := m.ListTrim(ctx, key, 0, keep-1); err != nil {
		return err
	}
	m.ttls[key] = ttl
	return nil
}

func (m *mockKVStore) ScanKeys(_ context.Context, pattern string) ([]string, error) {
	var keys []string
	for key := range m.lists {
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *mockKVStore) DeleteKey(_ context.Context, key string) (bool, error) {
	_, existed := m.lists[key]
	delete(m.lists, key)
	delete(m.ttls, key)
	return existed, nil
}

func rangeBounds(length int, start, stop int64) (int, int) {
	if stop < 0 {
		stop = int64(length) + stop
	}
	if stop >= int64(length) {
		stop = int64(length) - 1
	}
	if start < 0 {
		start = 0
	}
	return int(start), int(stop)
}

// mockRelStore is an in-memory RelationalStore. Filter-based methods match
// on equality; the raw SQL methods recognize the statements the tiers
// issue, keyed by distinctive substrings.
type mockRelStore struct {
	mockBackend
	tables map[string][]map[string]any

	insertErr error
}

func newMockRelStore() *mockRelStore {
	return &mockRelStore{
		mockBackend: mockBackend{name: "postgres"},
		tables:      make(map[string][]map[string]any),
	}
}

func (m *mockRelStore) Insert(_ context.Context, table string, row map[string]any) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	cp := make(map[string]any, len(row))
	for k, v := range row {
		cp[k] = v
	}
	m.tables[table] = append(m.tables[table], cp)
	return nil
}

func (m *mockRelStore) Update(_ context.Context, table string, filters, data map[string]any) (int64, error) {
	var n int64
	for _, row := range m.tables[table] {
		if rowMatches(row, filters) {
			for k, v := range data {
				row[k] = v
			}
			n++
		}
	}
	return n, nil
}

func (m *mockRelStore) Query(_ context.Context, table string, filters map[string]any, orderBy string, limit int) ([]map[string]any, error) {
	var out []map[string]any
	for _, row := range m.tables[table] {
		if rowMatches(row, filters) {
			out = append(out, row)
		}
	}
	sortRows(out, orderBy)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockRelStore) DeleteByFilters(_ context.Context, table string, filters map[string]any) (int64, error) {
	var kept []map[string]any
	var n int64
	for _, row := range m.tables[table] {
		if rowMatches(row, filters) {
			n++
			continue
		}
		kept = append(kept, row)
	}
	m.tables[table] = kept
	return n, nil
}

func (m *mockRelStore) Execute(_ context.Context, query string, args ...any) (int64, error) {
	switch {
	case strings.Contains(query, "access_count = access_count + 1"):
		for _, row := range m.tables[storage.TableWorkingMemory] {
			if row["fact_id"] == args[1] {
				row["access_count"] = int64(asInt(row["access_count"]) + 1)
				row["last_accessed"] = args[0]
				return 1, nil
			}
		}
		return 0, nil
	case strings.Contains(query, "DELETE FROM working_memory WHERE extracted_at <"):
		cutoff := args[0].(time.Time)
		var kept []map[string]any
		var n int64
		for _, row := range m.tables[storage.TableWorkingMemory] {
			if ts, ok := row["extracted_at"].(time.Time); ok && ts.Before(cutoff) {
				n++
				continue
			}
			kept = append(kept, row)
		}
		m.tables[storage.TableWorkingMemory] = kept
		return n, nil
	case strings.Contains(query, "DELETE FROM active_context WHERE ttl_expires_at <"):
		cutoff := args[0].(time.Time)
		var kept []map[string]any
		var n int64
		for _, row := range m.tables[storage.TableActiveContext] {
			if ts, ok := row["ttl_expires_at"].(time.Time); ok && ts.Before(cutoff) {
				n++
				continue
			}
			kept = append(kept, row)
		}
		m.tables[storage.TableActiveContext] = kept
		return n, nil
	}
	return 0, nil
}

func (m *mockRelStore) QuerySQL(_ context.Context, query string, args ...any) ([]map[string]any, error) {
	switch {
	case strings.Contains(query, "ciar_score >="):
		sessionID, floor := args[0], args[1].(float64)
		limit := asInt(args[2])
		var out []map[string]any
		for _, row := range m.tables[storage.TableWorkingMemory] {
			if row["session_id"] == sessionID && rowScore(row) >= floor {
				out = append(out, row)
			}
		}
		sortRows(out, "ciar_score DESC")
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return out, nil
	case strings.Contains(query, "extracted_at >"):
		sessionID, cutoff := args[0], args[1].(time.Time)
		var out []map[string]any
		for _, row := range m.tables[storage.TableWorkingMemory] {
			ts, _ := row["extracted_at"].(time.Time)
			if row["session_id"] == sessionID && ts.After(cutoff) {
				out = append(out, row)
			}
		}
		sortRows(out, "extracted_at ASC")
		return out, nil
	case strings.Contains(query, "plainto_tsquery"):
		sessionID, _ := args[0].(string)
		needle, _ := args[1].(string)
		var out []map[string]any
		for _, row := range m.tables[storage.TableWorkingMemory] {
			content, _ := row["content"].(string)
			if row["session_id"] == sessionID &&
				strings.Contains(strings.ToLower(content), strings.ToLower(needle)) {
				out = append(out, row)
			}
		}
		return out, nil
	case strings.Contains(query, "COUNT(*)"):
		var n int64
		for _, row := range m.tables[storage.TableWorkingMemory] {
			if row["session_id"] == args[0] {
				n++
			}
		}
		return []map[string]any{{"n": n}}, nil
	}
	return nil, nil
}

func rowMatches(row, filters map[string]any) bool {
	for k, want := range filters {
		if row[k] != want {
			return false
		}
	}
	return true
}

func rowScore(row map[string]any) float64 {
	v, _ := row["ciar_score"].(float64)
	return v
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func sortRows(rows []map[string]any, orderBy string) {
	parts := strings.Fields(orderBy)
	if len(parts) == 0 {
		return
	}
	col := parts[0]
	desc := len(parts) > 1 && strings.EqualFold(parts[1], "DESC")
	sort.SliceStable(rows, func(i, j int) bool {
		less := rowLess(rows[i][col], rows[j][col])
		if desc {
			return !less && !rowEqual(rows[i][col], rows[j][col])
		}
		return less
	})
}

func rowLess(a, b any) bool {
	switch av := a.(type) {
	case time.Time:
		bv, _ := b.(time.Time)
		return av.Before(bv)
	case float64:
		bv, _ := b.(float64)
		return av < bv
	case int64:
		bv, _ := b.(int64)
		return av < bv
	case string:
		bv, _ := b.(string)
		return av < bv
	}
	return false
}

func rowEqual(a, b any) bool { return a == b }

// mockVectorStore is an in-memory VectorSearchStore.
type mockVectorStore struct {
	mockBackend
	collections map[string]uint64
	points      map[string]storage.VectorPoint

	deleteErr error
	score     float32
}

func newMockVectorStore() *mockVectorStore {
	return &mockVectorStore{
		mockBackend: mockBackend{name: "qdrant"},
		collections: make(map[string]uint64),
		points:      make(map[string]storage.VectorPoint),
		score:       0.9,
	}
}

func (m *mockVectorStore) EnsureCollection(_ context.Context, collection string, dimension uint64) error {
	m.collections[collection] = dimension
	return nil
}

func (m *mockVectorStore) UpsertPoint(_ context.Context, _ string, point storage.VectorPoint) error {
	m.points[point.ID] = point
	return nil
}

func (m *mockVectorStore) SearchByVector(_ context.Context, _ string, _ []float32, filters map[string]any, limit uint64) ([]storage.VectorHit, error) {
	var hits []storage.VectorHit
	for _, p := range m.sortedPoints() {
		if !rowMatches(p.Payload, filters) {
			continue
		}
		hits = append(hits, storage.VectorHit{Point: p, Score: m.score})
		if uint64(len(hits)) >= limit {
			break
		}
	}
	return hits, nil
}

func (m *mockVectorStore) Scroll(_ context.Context, _ string, filters map[string]any, limit uint32) ([]storage.VectorPoint, error) {
	var out []storage.VectorPoint
	for _, p := range m.sortedPoints() {
		if !rowMatches(p.Payload, filters) {
			continue
		}
		out = append(out, p)
		if uint32(len(out)) >= limit {
			break
		}
	}
	return out, nil
}

func (m *mockVectorStore) DeletePoints(_ context.Context, _ string, ids []string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	for _, id := range ids {
		delete(m.points, id)
	}
	return nil
}

func (m *mockVectorStore) sortedPoints() []storage.VectorPoint {
	ids := make([]string, 0, len(m.points))
	for id := range m.points {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]storage.VectorPoint, len(ids))
	for i, id := range ids {
		out[i] = m.points[id]
	}
	return out
}

type graphCall struct {
	query  string
	params map[string]any
}

// mockGraphStore records executed queries and answers them from canned
// results keyed by a distinctive query substring.
type mockGraphStore struct {
	mockBackend
	calls   []graphCall
	results map[string][]map[string]any

	execErr error
}

func newMockGraphStore() *mockGraphStore {
	return &mockGraphStore{
		mockBackend: mockBackend{name: "neo4j"},
		results:     make(map[string][]map[string]any),
	}
}

func (m *mockGraphStore) ExecuteQuery(_ context.Context, query string, params map[string]any) ([]map[string]any, error) {
	m.calls = append(m.calls, graphCall{query: query, params: params})
	if m.execErr != nil {
		return nil, m.execErr
	}
	for key, rows := range m.results {
		if strings.Contains(query, key) {
			return rows, nil
		}
	}
	return nil, nil
}

func (m *mockGraphStore) callsContaining(substr string) []graphCall {
	var out []graphCall
	for _, c := range m.calls {
		if strings.Contains(c.query, substr) {
			out = append(out, c)
		}
	}
	return out
}

// mockFullTextStore is an in-memory FullTextStore.
type mockFullTextStore struct {
	mockBackend
	docs      map[string]map[string]any
	ensured   bool
	lastQuery storage.FullTextQuery

	searchHits   []storage.FullTextHit
	updateErr    error
	deleteFilter string
	deleteCount  int64
}

func newMockFullTextStore() *mockFullTextStore {
	return &mockFullTextStore{
		mockBackend: mockBackend{name: "typesense"},
		docs:        make(map[string]map[string]any),
	}
}

func (m *mockFullTextStore) EnsureCollection(_ context.Context) error {
	m.ensured = true
	return nil
}

func (m *mockFullTextStore) IndexDocument(_ context.Context, doc map[string]any) error {
	id, _ := doc["id"].(string)
	cp := make(map[string]any, len(doc))
	for k, v := range doc {
		cp[k] = v
	}
	m.docs[id] = cp
	return nil
}

func (m *mockFullTextStore) GetDocument(_ context.Context, id string) (map[string]any, error) {
	doc, ok := m.docs[id]
	if !ok {
		return nil, storage.NotFoundErr("typesense", "get_document", nil)
	}
	return doc, nil
}

func (m *mockFullTextStore) Search(_ context.Context, q storage.FullTextQuery) ([]storage.FullTextHit, error) {
	m.lastQuery = q
	if m.searchHits != nil {
		return m.searchHits, nil
	}
	session := filterValue(q.FilterBy, "session_id")
	var hits []storage.FullTextHit
	for _, id := range m.sortedIDs() {
		doc := m.docs[id]
		if session != "" && doc["session_id"] != session {
			continue
		}
		hits = append(hits, storage.FullTextHit{Document: doc, Score: 100})
		if q.Limit > 0 && len(hits) >= q.Limit {
			break
		}
	}
	return hits, nil
}

func filterValue(filterBy, field string) string {
	for _, part := range strings.Split(filterBy, " && ") {
		if v, ok := strings.CutPrefix(part, field+":="); ok {
			return v
		}
	}
	return ""
}

func (m *mockFullTextStore) UpdateDocument(_ context.Context, id string, partial map[string]any) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	doc, ok := m.docs[id]
	if !ok {
		return storage.NotFoundErr("typesense", "update_document", nil)
	}
	for k, v := range partial {
		doc[k] = v
	}
	return nil
}

func (m *mockFullTextStore) DeleteDocument(_ context.Context, id string) (bool, error) {
	_, existed := m.docs[id]
	delete(m.docs, id)
	return existed, nil
}

func (m *mockFullTextStore) DeleteByFilter(_ context.Context, filterBy string) (int64, error) {
	m.deleteFilter = filterBy
	return m.deleteCount, nil
}

func (m *mockFullTextStore) sortedIDs() []string {
	ids := make([]string, 0, len(m.docs))
	for id := range m.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
