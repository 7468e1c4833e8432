package storage

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecordAndSnapshot(t *testing.T) {
	m := NewMetricsCollector("redis", true)

	m.RecordOperation("store", 2*time.Millisecond, nil)
	m.RecordOperation("store", 4*time.Millisecond, nil)
	m.RecordOperation("store", 6*time.Millisecond, TimeoutErr("redis", "store", errors.New("deadline")))

	snap := m.Snapshot()
	require.Contains(t, snap, "store")
	om := snap["store"]
	assert.Equal(t, int64(3), om.Count)
	assert.Equal(t, int64(2), om.Successes)
	assert.InDelta(t, 2.0/3.0, om.SuccessRate, 0.001)
	assert.Equal(t, int64(1), om.Errors[KindTimeout])
	assert.Greater(t, om.P50Ms, 0.0)
	assert.GreaterOrEqual(t, om.P99Ms, om.P50Ms)
}

func TestMetricsErrorWithoutKindCountsAsQuery(t *testing.T) {
	m := NewMetricsCollector("postgres", true)
	m.RecordOperation("query", time.Millisecond, errors.New("plain failure"))

	snap := m.Snapshot()
	assert.Equal(t, int64(1), snap["query"].Errors[KindQuery])
}

func TestMetricsDisabledIsNoop(t *testing.T) {
	m := NewMetricsCollector("redis", false)
	m.RecordOperation("store", time.Millisecond, nil)
	m.RecordBytes("store", 100, 200)

	assert.False(t, m.Enabled())
	assert.Empty(t, m.Snapshot())
}

func TestMetricsConcurrentRecording(t *testing.T) {
	m := NewMetricsCollector("redis", true)

	const n = 500
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			m.RecordOperation("store", time.Millisecond, nil)
		}()
	}
	wg.Wait()

	snap := m.Snapshot()
	assert.Equal(t, int64(n), snap["store"].Count)
	assert.Equal(t, int64(n), snap["store"].Successes)
}

func TestMetricsLatencyWindowBounded(t *testing.T) {
	m := NewMetricsCollector("redis", true)
	for i := 0; i < latencySampleCap*2; i++ {
		m.RecordOperation("store", time.Duration(i)*time.Microsecond, nil)
	}

	snap := m.Snapshot()
	assert.Equal(t, int64(latencySampleCap*2), snap["store"].Count)
	// Percentiles come from the retained window, not the full history.
	assert.Greater(t, snap["store"].P50Ms, 0.0)
}

func TestMetricsBytes(t *testing.T) {
	m := NewMetricsCollector("qdrant", true)
	m.RecordOperation("upsert_point", time.Millisecond, nil)
	m.RecordBytes("upsert_point", 1024, 16)

	snap := m.Snapshot()
	assert.Equal(t, int64(1024), snap["upsert_point"].BytesIn)
	assert.Equal(t, int64(16), snap["upsert_point"].BytesOut)
}

func TestMetricsExports(t *testing.T) {
	m := NewMetricsCollector("typesense", true)
	m.RecordOperation("search", 3*time.Millisecond, nil)
	m.RecordOperation("search", 5*time.Millisecond, QueryErr("typesense", "search", errors.New("bad filter")))
	m.RecordOperation("index_document", 2*time.Millisecond, nil)

	t.Run("prometheus", func(t *testing.T) {
		out := m.ExportPrometheus()
		assert.Contains(t, out, `memory_storage_operations_total{backend="typesense",operation="search"} 2`)
		assert.Contains(t, out, `memory_storage_errors_total{backend="typesense",operation="search",kind="query"} 1`)
		assert.Contains(t, out, `quantile="0.95"`)
	})

	t.Run("csv", func(t *testing.T) {
		out := m.ExportCSV()
		assert.Contains(t, out, "backend,operation,count,success_rate,p50_ms,p95_ms,p99_ms,errors")
		assert.Contains(t, out, "typesense,index_document,1,1.0000")
		assert.Contains(t, out, "typesense,search,2,0.5000")
	})

	t.Run("markdown", func(t *testing.T) {
		out := m.ExportMarkdown()
		assert.Contains(t, out, "### typesense storage metrics")
		assert.Contains(t, out, "| Operation | Count | Success |")
		assert.Contains(t, out, "| search | 2 | 50.0% |")
	})
}

func TestMetricsReset(t *testing.T) {
	m := NewMetricsCollector("redis", true)
	m.RecordOperation("store", time.Millisecond, nil)
	m.Reset()
	assert.Empty(t, m.Snapshot())
}

func TestPercentiles(t *testing.T) {
	samples := make([]float64, 100)
	for i := range samples {
		samples[i] = float64(i + 1) // 1..100
	}
	p50, p95, p99 := percentiles(samples)
	assert.InDelta(t, 50.0, p50, 1.0)
	assert.InDelta(t, 95.0, p95, 1.0)
	assert.InDelta(t, 99.0, p99, 1.0)

	p50, p95, p99 = percentiles(nil)
	assert.Zero(t, p50)
	assert.Zero(t, p95)
	assert.Zero(t, p99)

	p50, _, p99 = percentiles([]float64{7.5})
	assert.Equal(t, 7.5, p50)
	assert.Equal(t, 7.5, p99)
}
