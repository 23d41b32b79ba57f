// Package metrics exports writer pipeline metrics to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/jnicholls/paradedb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pgsearch"

// Prometheus implements paradedb.MetricsCollector on its own registry.
type Prometheus struct {
	reg *prometheus.Registry

	flushes        *prometheus.CounterVec
	flushedOps     prometheus.Counter
	flushLatency   prometheus.Histogram
	commits        *prometheus.CounterVec
	commitLatency  *prometheus.HistogramVec
	mergeLock      *prometheus.CounterVec
	gcEntries      prometheus.Counter
	gcBlocks       prometheus.Counter
	gcRuns         *prometheus.CounterVec
	gcLatency      prometheus.Histogram
	rowsExamined   prometheus.Counter
	rowsRemoved    prometheus.Counter
	bulkLatency    prometheus.Histogram
	storageJobs    *prometheus.CounterVec
	storageLatency *prometheus.HistogramVec
}

var _ paradedb.MetricsCollector = (*Prometheus)(nil)

// Option configures a Prometheus collector.
type Option func(*promOptions)

type promOptions struct {
	process bool
	labels  prometheus.Labels
}

// WithProcessCollectors also registers the Go runtime and process collectors.
func WithProcessCollectors() Option {
	return func(o *promOptions) { o.process = true }
}

// WithConstLabels attaches labels to every exported series.
func WithConstLabels(labels map[string]string) Option {
	return func(o *promOptions) { o.labels = labels }
}

// NewPrometheus creates a collector with a fresh registry.
func NewPrometheus(opts ...Option) *Prometheus {
	var o promOptions
	for _, opt := range opts {
		opt(&o)
	}

	counterOpts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        name,
			Help:        help,
			ConstLabels: o.labels,
		}
	}
	histogramOpts := func(name, help string) prometheus.HistogramOpts {
		return prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        name,
			Help:        help,
			ConstLabels: o.labels,
			Buckets:     prometheus.ExponentialBuckets(0.0001, 2, 16),
		}
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(counterOpts(name, help))
	}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(counterOpts(name, help), labels)
	}
	histogram := func(name, help string) prometheus.Histogram {
		return prometheus.NewHistogram(histogramOpts(name, help))
	}
	histogramVec := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(histogramOpts(name, help), labels)
	}

	p := &Prometheus{
		reg:            prometheus.NewRegistry(),
		flushes:        counterVec("flushes_total", "Pending batches handed to the engine writer.", "result"),
		flushedOps:     counter("flushed_operations_total", "Insert and delete operations flushed."),
		flushLatency:   histogram("flush_duration_seconds", "Time to flush a pending batch."),
		commits:        counterVec("commits_total", "Writer session commits.", "merge", "result"),
		commitLatency:  histogramVec("commit_duration_seconds", "Time to commit a writer session.", "merge"),
		mergeLock:      counterVec("merge_lock_attempts_total", "Merge lock acquisition attempts.", "purpose", "result"),
		gcRuns:         counterVec("gc_runs_total", "Segment metadata garbage collection passes.", "result"),
		gcEntries:      counter("gc_entries_removed_total", "Metadata entries removed by garbage collection."),
		gcBlocks:       counter("gc_blocks_freed_total", "Blocks returned to the free list by garbage collection."),
		gcLatency:      histogram("gc_duration_seconds", "Time spent in a garbage collection pass."),
		rowsExamined:   counter("bulk_delete_rows_examined_total", "Rows examined by bulk delete."),
		rowsRemoved:    counter("bulk_delete_rows_removed_total", "Rows removed by bulk delete."),
		bulkLatency:    histogram("bulk_delete_duration_seconds", "Time spent in a bulk delete scan."),
		storageJobs:    counterVec("storage_jobs_total", "Directory jobs run by the storage worker.", "op", "result"),
		storageLatency: histogramVec("storage_job_duration_seconds", "Time to run a directory job.", "op"),
	}
	p.reg.MustRegister(
		p.flushes, p.flushedOps, p.flushLatency,
		p.commits, p.commitLatency, p.mergeLock,
		p.gcRuns, p.gcEntries, p.gcBlocks, p.gcLatency,
		p.rowsExamined, p.rowsRemoved, p.bulkLatency,
		p.storageJobs, p.storageLatency,
	)
	if o.process {
		p.reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return p
}

// Registry returns the registry the collector registers on.
func (p *Prometheus) Registry() *prometheus.Registry { return p.reg }

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{Registry: p.reg})
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordFlush implements paradedb.MetricsCollector.
func (p *Prometheus) RecordFlush(ops int, duration time.Duration, err error) {
	p.flushes.WithLabelValues(result(err)).Inc()
	p.flushedOps.Add(float64(ops))
	p.flushLatency.Observe(duration.Seconds())
}

// RecordCommit implements paradedb.MetricsCollector.
func (p *Prometheus) RecordCommit(merged bool, duration time.Duration, err error) {
	m := strconv.FormatBool(merged)
	p.commits.WithLabelValues(m, result(err)).Inc()
	p.commitLatency.WithLabelValues(m).Observe(duration.Seconds())
}

// RecordMergeLock implements paradedb.MetricsCollector.
func (p *Prometheus) RecordMergeLock(purpose string, acquired bool) {
	r := "busy"
	if acquired {
		r = "acquired"
	}
	p.mergeLock.WithLabelValues(purpose, r).Inc()
}

// RecordGarbageCollect implements paradedb.MetricsCollector.
func (p *Prometheus) RecordGarbageCollect(entries, blocks int, duration time.Duration, err error) {
	p.gcRuns.WithLabelValues(result(err)).Inc()
	p.gcEntries.Add(float64(entries))
	p.gcBlocks.Add(float64(blocks))
	p.gcLatency.Observe(duration.Seconds())
}

// RecordBulkDelete implements paradedb.MetricsCollector.
func (p *Prometheus) RecordBulkDelete(examined, removed int, duration time.Duration) {
	p.rowsExamined.Add(float64(examined))
	p.rowsRemoved.Add(float64(removed))
	p.bulkLatency.Observe(duration.Seconds())
}

// RecordStorageJob implements paradedb.MetricsCollector.
func (p *Prometheus) RecordStorageJob(op string, duration time.Duration, err error) {
	p.storageJobs.WithLabelValues(op, result(err)).Inc()
	p.storageLatency.WithLabelValues(op).Observe(duration.Seconds())
}
