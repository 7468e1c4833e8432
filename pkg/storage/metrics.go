package storage

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// latencySampleCap bounds the per-operation latency window used for
// percentile estimation. Oldest samples are overwritten ring-style.
const latencySampleCap = 512

// OperationMetrics is a point-in-time aggregate for one adapter operation.
type OperationMetrics struct {
	Operation   string              `json:"operation"`
	Count       int64               `json:"count"`
	Successes   int64               `json:"successes"`
	SuccessRate float64             `json:"success_rate"`
	P50Ms       float64             `json:"p50_ms"`
	P95Ms       float64             `json:"p95_ms"`
	P99Ms       float64             `json:"p99_ms"`
	Errors      map[ErrorKind]int64 `json:"errors,omitempty"`
	BytesIn     int64               `json:"bytes_in,omitempty"`
	BytesOut    int64               `json:"bytes_out,omitempty"`
}

type opRecord struct {
	count     int64
	successes int64
	errors    map[ErrorKind]int64
	bytesIn   int64
	bytesOut  int64

	samples []float64 // latency ring, milliseconds
	next    int
}

func (r *opRecord) observe(ms float64) {
	if len(r.samples) < latencySampleCap {
		r.samples = append(r.samples, ms)
		return
	}
	r.samples[r.next] = ms
	r.next = (r.next + 1) % latencySampleCap
}

// MetricsCollector aggregates per-operation counters and latency percentiles
// for one backend. It is safe for concurrent use. A disabled collector turns
// every method into a no-op so the hot path pays only a branch.
type MetricsCollector struct {
	backend string
	enabled bool

	mu  sync.Mutex
	ops map[string]*opRecord
}

// NewMetricsCollector creates a collector for the named backend.
func NewMetricsCollector(backend string, enabled bool) *MetricsCollector {
	return &MetricsCollector{
		backend: backend,
		enabled: enabled,
		ops:     make(map[string]*opRecord),
	}
}

// Enabled reports whether the collector records anything.
func (m *MetricsCollector) Enabled() bool {
	return m != nil && m.enabled
}

// RecordOperation records one completed operation with its duration and
// outcome. A nil err counts as success; a storage error is bucketed by kind.
func (m *MetricsCollector) RecordOperation(op string, d time.Duration, err error) {
	if !m.Enabled() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.record(op)
	r.count++
	r.observe(float64(d.Microseconds()) / 1000.0)
	if err == nil {
		r.successes++
		return
	}
	kind := KindOf(err)
	if kind == "" {
		kind = KindQuery
	}
	r.errors[kind]++
}

// Observe is a defer-friendly wrapper around RecordOperation:
//
//	start := time.Now()
//	defer func() { metrics.Observe("store", start, err) }()
func (m *MetricsCollector) Observe(op string, start time.Time, err error) {
	m.RecordOperation(op, time.Since(start), err)
}

// RecordBytes adds request/response byte volumes to an operation.
func (m *MetricsCollector) RecordBytes(op string, in, out int64) {
	if !m.Enabled() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.record(op)
	r.bytesIn += in
	r.bytesOut += out
}

func (m *MetricsCollector) record(op string) *opRecord {
	r, ok := m.ops[op]
	if !ok {
		r = &opRecord{errors: make(map[ErrorKind]int64)}
		m.ops[op] = r
	}
	return r
}

// Reset drops all recorded data.
func (m *MetricsCollector) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = make(map[string]*opRecord)
}

// Snapshot returns a copy of the current aggregates keyed by operation name.
func (m *MetricsCollector) Snapshot() map[string]OperationMetrics {
	out := make(map[string]OperationMetrics)
	if !m.Enabled() {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for op, r := range m.ops {
		om := OperationMetrics{
			Operation: op,
			Count:     r.count,
			Successes: r.successes,
			BytesIn:   r.bytesIn,
			BytesOut:  r.bytesOut,
		}
		if r.count > 0 {
			om.SuccessRate = float64(r.successes) / float64(r.count)
		}
		om.P50Ms, om.P95Ms, om.P99Ms = percentiles(r.samples)
		if len(r.errors) > 0 {
			om.Errors = make(map[ErrorKind]int64, len(r.errors))
			for k, v := range r.errors {
				om.Errors[k] = v
			}
		}
		out[op] = om
	}
	return out
}

// percentiles computes p50/p95/p99 over a latency window in milliseconds.
func percentiles(samples []float64) (p50, p95, p99 float64) {
	if len(samples) == 0 {
		return 0, 0, 0
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)
	at := func(p float64) float64 {
		idx := int(p*float64(len(sorted))+0.5) - 1
		if idx < 0 {
			idx = 0
		}
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		return sorted[idx]
	}
	return at(0.50), at(0.95), at(0.99)
}

// sortedOps returns operation names in stable order for the text exports.
func sortedOps(snap map[string]OperationMetrics) []string {
	names := make([]string, 0, len(snap))
	for op := range snap {
		names = append(names, op)
	}
	sort.Strings(names)
	return names
}

// ExportPrometheus renders the snapshot as a Prometheus text block.
func (m *MetricsCollector) ExportPrometheus() string {
	snap := m.Snapshot()
	var b strings.Builder
	b.WriteString("# HELP memory_storage_operations_total Completed adapter operations.\n")
	b.WriteString("# TYPE memory_storage_operations_total counter\n")
	for _, op := range sortedOps(snap) {
		om := snap[op]
		fmt.Fprintf(&b, "memory_storage_operations_total{backend=%q,operation=%q} %d\n",
			m.backend, op, om.Count)
	}
	b.WriteString("# HELP memory_storage_errors_total Failed adapter operations by error kind.\n")
	b.WriteString("# TYPE memory_storage_errors_total counter\n")
	for _, op := range sortedOps(snap) {
		om := snap[op]
		kinds := make([]string, 0, len(om.Errors))
		for k := range om.Errors {
			kinds = append(kinds, string(k))
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			fmt.Fprintf(&b, "memory_storage_errors_total{backend=%q,operation=%q,kind=%q} %d\n",
				m.backend, op, k, om.Errors[ErrorKind(k)])
		}
	}
	b.WriteString("# HELP memory_storage_latency_ms Adapter operation latency quantiles in milliseconds.\n")
	b.WriteString("# TYPE memory_storage_latency_ms summary\n")
	for _, op := range sortedOps(snap) {
		om := snap[op]
		fmt.Fprintf(&b, "memory_storage_latency_ms{backend=%q,operation=%q,quantile=\"0.5\"} %.3f\n",
			m.backend, op, om.P50Ms)
		fmt.Fprintf(&b, "memory_storage_latency_ms{backend=%q,operation=%q,quantile=\"0.95\"} %.3f\n",
			m.backend, op, om.P95Ms)
		fmt.Fprintf(&b, "memory_storage_latency_ms{backend=%q,operation=%q,quantile=\"0.99\"} %.3f\n",
			m.backend, op, om.P99Ms)
	}
	return b.String()
}

// ExportCSV renders the snapshot as CSV with a header row.
func (m *MetricsCollector) ExportCSV() string {
	snap := m.Snapshot()
	var b strings.Builder
	b.WriteString("backend,operation,count,success_rate,p50_ms,p95_ms,p99_ms,errors\n")
	for _, op := range sortedOps(snap) {
		om := snap[op]
		var errTotal int64
		for _, v := range om.Errors {
			errTotal += v
		}
		fmt.Fprintf(&b, "%s,%s,%d,%.4f,%.3f,%.3f,%.3f,%d\n",
			m.backend, op, om.Count, om.SuccessRate, om.P50Ms, om.P95Ms, om.P99Ms, errTotal)
	}
	return b.String()
}

// ExportMarkdown renders the snapshot as a Markdown table.
func (m *MetricsCollector) ExportMarkdown() string {
	snap := m.Snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "### %s storage metrics\n\n", m.backend)
	b.WriteString("| Operation | Count | Success | p50 ms | p95 ms | p99 ms | Errors |\n")
	b.WriteString("|---|---|---|---|---|---|---|\n")
	for _, op := range sortedOps(snap) {
		om := snap[op]
		var errTotal int64
		for _, v := range om.Errors {
			errTotal += v
		}
		fmt.Fprintf(&b, "| %s | %d | %.1f%% | %.3f | %.3f | %.3f | %d |\n",
			op, om.Count, om.SuccessRate*100, om.P50Ms, om.P95Ms, om.P99Ms, errTotal)
	}
	return b.String()
}
