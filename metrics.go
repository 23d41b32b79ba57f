package paradedb

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics of
// the index writer pipeline.
//
// The metrics package provides a Prometheus implementation.
type MetricsCollector interface {
	// RecordFlush is called after a pending batch was handed to the engine writer.
	RecordFlush(ops int, duration time.Duration, err error)

	// RecordCommit is called after a writer session commit.
	RecordCommit(merged bool, duration time.Duration, err error)

	// RecordMergeLock is called after each merge lock acquisition attempt.
	RecordMergeLock(purpose string, acquired bool)

	// RecordGarbageCollect is called after each metadata garbage collection pass.
	RecordGarbageCollect(entries, blocks int, duration time.Duration, err error)

	// RecordBulkDelete is called after a bulk delete scan.
	RecordBulkDelete(examined, removed int, duration time.Duration)

	// RecordStorageJob is called by the storage worker after each directory job.
	RecordStorageJob(op string, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordFlush(int, time.Duration, error)               {}
func (NoopMetricsCollector) RecordCommit(bool, time.Duration, error)             {}
func (NoopMetricsCollector) RecordMergeLock(string, bool)                        {}
func (NoopMetricsCollector) RecordGarbageCollect(int, int, time.Duration, error) {}
func (NoopMetricsCollector) RecordBulkDelete(int, int, time.Duration)            {}
func (NoopMetricsCollector) RecordStorageJob(string, time.Duration, error)       {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for tests and debugging without external dependencies.
type BasicMetricsCollector struct {
	Flushes          atomic.Int64
	FlushedOps       atomic.Int64
	FlushErrors      atomic.Int64
	Commits          atomic.Int64
	MergingCommits   atomic.Int64
	CommitErrors     atomic.Int64
	LockAcquired     atomic.Int64
	LockBusy         atomic.Int64
	GCRuns           atomic.Int64
	GCEntriesRemoved atomic.Int64
	GCBlocksFreed    atomic.Int64
	RowsExamined     atomic.Int64
	RowsRemoved      atomic.Int64
	StorageJobs      atomic.Int64
	StorageErrors    atomic.Int64
}

// RecordFlush implements MetricsCollector.
func (b *BasicMetricsCollector) RecordFlush(ops int, _ time.Duration, err error) {
	b.Flushes.Add(1)
	b.FlushedOps.Add(int64(ops))
	if err != nil {
		b.FlushErrors.Add(1)
	}
}

// RecordCommit implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCommit(merged bool, _ time.Duration, err error) {
	b.Commits.Add(1)
	if merged {
		b.MergingCommits.Add(1)
	}
	if err != nil {
		b.CommitErrors.Add(1)
	}
}

// RecordMergeLock implements MetricsCollector.
func (b *BasicMetricsCollector) RecordMergeLock(_ string, acquired bool) {
	if acquired {
		b.LockAcquired.Add(1)
	} else {
		b.LockBusy.Add(1)
	}
}

// RecordGarbageCollect implements MetricsCollector.
func (b *BasicMetricsCollector) RecordGarbageCollect(entries, blocks int, _ time.Duration, _ error) {
	b.GCRuns.Add(1)
	b.GCEntriesRemoved.Add(int64(entries))
	b.GCBlocksFreed.Add(int64(blocks))
}

// RecordBulkDelete implements MetricsCollector.
func (b *BasicMetricsCollector) RecordBulkDelete(examined, removed int, _ time.Duration) {
	b.RowsExamined.Add(int64(examined))
	b.RowsRemoved.Add(int64(removed))
}

// RecordStorageJob implements MetricsCollector.
func (b *BasicMetricsCollector) RecordStorageJob(_ string, _ time.Duration, err error) {
	b.StorageJobs.Add(1)
	if err != nil {
		b.StorageErrors.Add(1)
	}
}
