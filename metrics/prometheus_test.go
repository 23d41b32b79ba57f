package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jnicholls/paradedb"
	"github.com/jnicholls/paradedb/blockstore"
	"github.com/jnicholls/paradedb/fts"
	"github.com/jnicholls/paradedb/host"
	"github.com/jnicholls/paradedb/index"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Metric) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func histogramCount(t *testing.T, h prometheus.Metric) uint64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, h.Write(m))
	return m.GetHistogram().GetSampleCount()
}

func TestPrometheus_Records(t *testing.T) {
	p := NewPrometheus()

	p.RecordFlush(10, time.Millisecond, nil)
	p.RecordFlush(5, time.Millisecond, errors.New("boom"))
	assert.Equal(t, 1.0, counterValue(t, p.flushes.WithLabelValues("ok")))
	assert.Equal(t, 1.0, counterValue(t, p.flushes.WithLabelValues("error")))
	assert.Equal(t, 15.0, counterValue(t, p.flushedOps))
	assert.Equal(t, uint64(2), histogramCount(t, p.flushLatency))

	p.RecordCommit(true, time.Millisecond, nil)
	p.RecordCommit(false, time.Millisecond, nil)
	assert.Equal(t, 1.0, counterValue(t, p.commits.WithLabelValues("true", "ok")))
	assert.Equal(t, 1.0, counterValue(t, p.commits.WithLabelValues("false", "ok")))
	assert.Equal(t, uint64(1), histogramCount(t, p.commitLatency.WithLabelValues("true").(prometheus.Metric)))

	p.RecordMergeLock("merge", true)
	p.RecordMergeLock("merge", false)
	p.RecordMergeLock("delete", false)
	assert.Equal(t, 1.0, counterValue(t, p.mergeLock.WithLabelValues("merge", "acquired")))
	assert.Equal(t, 1.0, counterValue(t, p.mergeLock.WithLabelValues("merge", "busy")))
	assert.Equal(t, 1.0, counterValue(t, p.mergeLock.WithLabelValues("delete", "busy")))

	p.RecordGarbageCollect(3, 7, time.Millisecond, nil)
	assert.Equal(t, 3.0, counterValue(t, p.gcEntries))
	assert.Equal(t, 7.0, counterValue(t, p.gcBlocks))

	p.RecordBulkDelete(100, 4, time.Millisecond)
	assert.Equal(t, 100.0, counterValue(t, p.rowsExamined))
	assert.Equal(t, 4.0, counterValue(t, p.rowsRemoved))

	p.RecordStorageJob("atomic_write", time.Millisecond, nil)
	assert.Equal(t, 1.0, counterValue(t, p.storageJobs.WithLabelValues("atomic_write", "ok")))
}

func TestPrometheus_Handler(t *testing.T) {
	p := NewPrometheus(WithConstLabels(map[string]string{"instance": "test"}))
	p.RecordBulkDelete(2, 1, time.Millisecond)

	srv := httptest.NewServer(p.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `pgsearch_bulk_delete_rows_removed_total{instance="test"} 1`)
	assert.NotContains(t, string(body), "go_goroutines", "runtime collectors are opt in")
}

func TestPrometheus_ProcessCollectors(t *testing.T) {
	p := NewPrometheus(WithProcessCollectors())
	families, err := p.Registry().Gather()
	require.NoError(t, err)

	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "go_goroutines")
}

func TestPrometheus_WiredIntoWriter(t *testing.T) {
	ctx := t.Context()
	p := NewPrometheus()
	h, err := host.New(ctx, blockstore.NewMemoryManager(),
		host.WithAmbient(paradedb.WithMetricsCollector(p)),
	)
	require.NoError(t, err)
	defer h.Close(ctx)

	b := index.NewSchemaBuilder()
	body := b.AddTextField("body", fts.FieldOptions{Indexed: true})
	schema, err := b.Build()
	require.NoError(t, err)

	rel := h.Relation(16384, "docs_idx")
	txn := h.Xacts.Begin()
	w, err := index.Create(ctx, h, rel, txn, schema)
	require.NoError(t, err)
	doc := fts.NewDocument()
	doc.AddText(body, "hello")
	require.NoError(t, w.Insert(ctx, doc, index.NewRowID(0, 1)))
	_, err = w.Commit(ctx, false)
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	assert.Equal(t, 1.0, counterValue(t, p.commits.WithLabelValues("false", "ok")))
	assert.Equal(t, 1.0, counterValue(t, p.flushedOps))
	assert.Positive(t, histogramCount(t, p.flushLatency))
}
