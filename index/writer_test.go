package index

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jnicholls/paradedb"
	"github.com/jnicholls/paradedb/blockstore"
	"github.com/jnicholls/paradedb/fts"
	"github.com/jnicholls/paradedb/host"
	"github.com/jnicholls/paradedb/internal/channel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	h       *host.Host
	rel     host.Relation
	metrics *paradedb.BasicMetricsCollector
	schema  *fts.Schema
	body    fts.Field
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m := &paradedb.BasicMetricsCollector{}
	h, err := host.New(t.Context(), blockstore.NewMemoryManager(),
		host.WithBufferCapacity(256),
		host.WithAmbient(paradedb.WithMetricsCollector(m)),
	)
	require.NoError(t, err)

	b := NewSchemaBuilder()
	body := b.AddTextField("body", fts.FieldOptions{Indexed: true, Stored: true})
	schema, err := b.Build()
	require.NoError(t, err)
	return &fixture{h: h, rel: h.Relation(16384, "docs_idx"), metrics: m, schema: schema, body: body}
}

func (f *fixture) doc(text string) *fts.Document {
	d := fts.NewDocument()
	d.AddText(f.body, text)
	return d
}

func (f *fixture) term(token string) fts.Term { return fts.TermFromText(f.body, token) }

// create builds the index with one document per body and commits the
// building transaction.
func (f *fixture) create(t *testing.T, bodies ...string) {
	t.Helper()
	ctx := t.Context()
	txn := f.h.Xacts.Begin()
	w, err := Create(ctx, f.h, f.rel, txn, f.schema)
	require.NoError(t, err)
	for i, body := range bodies {
		require.NoError(t, w.Insert(ctx, f.doc(body), NewRowID(0, uint16(i+1))))
	}
	require.NoError(t, w.CommitInserts(ctx))
	require.NoError(t, txn.Commit())
}

// session runs fn in a fresh insert session and commits its transaction.
func (f *fixture) session(t *testing.T, fn func(w *Writer)) {
	t.Helper()
	txn := f.h.Xacts.Begin()
	w, err := Open(t.Context(), f.h, f.rel, txn, DirectoryMVCC, ResourcesInsertBatch)
	require.NoError(t, err)
	fn(w)
	require.NoError(t, w.Close())
	require.NoError(t, txn.Commit())
}

func (f *fixture) reader(t *testing.T) *Reader {
	t.Helper()
	r, err := OpenReader(t.Context(), f.h, f.rel, f.h.Xacts.Snapshot())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// hookDir intercepts worker-side directory calls.
type hookDir struct {
	fts.Directory
	onOpenWrite func(path string)
	onSaveMetas func()
}

func (d *hookDir) OpenWrite(ctx context.Context, path string) (fts.WriteHandle, error) {
	if d.onOpenWrite != nil {
		d.onOpenWrite(path)
	}
	return d.Directory.OpenWrite(ctx, path)
}

func (d *hookDir) SaveMetas(ctx context.Context, meta, previous *fts.IndexMeta) error {
	if d.onSaveMetas != nil {
		d.onSaveMetas()
	}
	return d.Directory.SaveMetas(ctx, meta, previous)
}

func (d *hookDir) Close() error {
	if c, ok := d.Directory.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func withHook(hook hookDir) Option {
	return func(o *options) {
		o.wrapDir = func(dir fts.Directory) fts.Directory {
			h := hook
			h.Directory = dir
			return &h
		}
	}
}

func TestRowID(t *testing.T) {
	id := NewRowID(3, 7)
	assert.Equal(t, RowID(3<<16|7), id)
	assert.Equal(t, uint32(3), id.Block())
	assert.Equal(t, uint16(7), id.Offset())
	assert.Equal(t, "(3,7)", id.String())

	v, err := id.Term(0).U64()
	require.NoError(t, err)
	assert.Equal(t, uint64(id), v)

	parsed, err := ParseRowID(" (3,7) ")
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
	for _, bad := range []string{"", "3,7", "(3;7)", "(1,70000)"} {
		_, err := ParseRowID(bad)
		assert.Error(t, err, bad)
	}
}

func TestCreate_RequiresRowIDField(t *testing.T) {
	f := newFixture(t)
	b := fts.NewSchemaBuilder()
	b.AddTextField("body", fts.FieldOptions{Indexed: true})
	schema, err := b.Build()
	require.NoError(t, err)

	_, err = Create(t.Context(), f.h, f.rel, f.h.Xacts.Begin(), schema)
	require.ErrorIs(t, err, fts.ErrSchemaMismatch)
}

func TestCreate_Twice(t *testing.T) {
	f := newFixture(t)
	f.create(t, "alpha")

	_, err := Create(t.Context(), f.h, f.rel, f.h.Xacts.Begin(), f.schema)
	require.Error(t, err)
}

func TestOpen_MissingIndex(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.h.CreateRelation(t.Context(), f.rel))

	_, err := Open(t.Context(), f.h, f.rel, f.h.Xacts.Begin(), DirectoryMVCC, ResourcesInsertBatch)
	require.ErrorIs(t, err, fts.ErrIndexNotFound)
}

// 1500 inserts with a threshold of 1000 flush exactly twice.
func TestWriter_FlushesAtThresholdAndCommit(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	txn := f.h.Xacts.Begin()
	w, err := Create(ctx, f.h, f.rel, txn, f.schema)
	require.NoError(t, err)
	assert.Equal(t, DefaultInsertQueueSize, cap(w.pending))

	for i := range 1500 {
		require.NoError(t, w.Insert(ctx, f.doc(fmt.Sprintf("doc %d", i)), NewRowID(uint32(i/100), uint16(i%100+1))))
		if i == 998 {
			assert.Zero(t, f.metrics.Flushes.Load(), "nothing flushes below the threshold")
		}
	}
	assert.Equal(t, int64(1), f.metrics.Flushes.Load())
	assert.Equal(t, 500, w.Pending())

	_, err = w.Commit(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.metrics.Flushes.Load())
	assert.Equal(t, int64(1500), f.metrics.FlushedOps.Load())
	assert.Equal(t, StateConsumed, w.State())
	require.NoError(t, txn.Commit())

	r := f.reader(t)
	assert.Equal(t, uint64(1500), r.NumDocs())
	ids, err := r.RowIDs()
	require.NoError(t, err)
	assert.Len(t, ids, 1500)
	assert.Contains(t, ids, NewRowID(14, 100))
}

// A consumed writer rejects further use.
func TestWriter_ConsumedByCommit(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	f.create(t)

	txn := f.h.Xacts.Begin()
	w, err := Open(ctx, f.h, f.rel, txn, DirectoryMVCC, ResourcesInsertBatch)
	require.NoError(t, err)
	_, err = w.Commit(ctx, true)
	require.NoError(t, err, "an empty queue commits")

	require.ErrorIs(t, w.Insert(ctx, f.doc("late"), NewRowID(0, 1)), paradedb.ErrWriterConsumed)
	require.ErrorIs(t, w.DeleteTerm(ctx, f.term("late")), paradedb.ErrWriterConsumed)
	_, err = w.Commit(ctx, false)
	require.ErrorIs(t, err, paradedb.ErrWriterConsumed)
	require.ErrorIs(t, w.CommitInserts(ctx), paradedb.ErrWriterConsumed)
	require.ErrorIs(t, w.Vacuum(ctx), paradedb.ErrWriterConsumed)
	require.NoError(t, w.Close())
	require.NoError(t, txn.Commit())
}

func TestWriter_CommitWithOutstandingReferencePanics(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	f.create(t)

	w, err := Open(ctx, f.h, f.rel, f.h.Xacts.Begin(), DirectoryMVCC, ResourcesInsertBatch)
	require.NoError(t, err)
	ref := w.engine.Clone()
	assert.Panics(t, func() { _, _ = w.Commit(ctx, false) })

	ref.Release()
	require.NoError(t, w.engine.IntoInner().Close())
	require.NoError(t, w.handler.Close())
}

func TestWriter_InsertDeleteVisibility(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	f.create(t, "alpha one", "beta two", "alpha three")

	f.session(t, func(w *Writer) {
		require.NoError(t, w.DeleteTerm(ctx, NewRowID(0, 1).Term(w.RowIDField())))
		require.NoError(t, w.Insert(ctx, f.doc("alpha four"), NewRowID(1, 1)))
		require.NoError(t, w.CommitInserts(ctx))
	})

	r := f.reader(t)
	assert.Equal(t, uint64(3), r.NumDocs())
	hits := r.Search(f.term("alpha"))
	require.Len(t, hits, 2)
	var ids []RowID
	for _, hit := range hits {
		id, err := r.RowID(hit)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.ElementsMatch(t, []RowID{NewRowID(0, 3), NewRowID(1, 1)}, ids)

	d, err := r.Doc(hits[0])
	require.NoError(t, err)
	text, ok := d.Text(f.body)
	require.True(t, ok)
	assert.Contains(t, text, "alpha")
}

func TestWriter_UncommittedTransactionInvisible(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	f.create(t, "alpha")

	txn := f.h.Xacts.Begin()
	w, err := Open(ctx, f.h, f.rel, txn, DirectoryMVCC, ResourcesInsertBatch)
	require.NoError(t, err)
	require.NoError(t, w.Insert(ctx, f.doc("beta"), NewRowID(0, 2)))
	require.NoError(t, w.CommitInserts(ctx))

	assert.Equal(t, uint64(1), f.reader(t).NumDocs(), "writer transaction still running")

	own, err := OpenReader(ctx, f.h, f.rel, txn.Snapshot())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), own.NumDocs(), "the session sees its own commit")
	require.NoError(t, own.Close())

	require.NoError(t, txn.Abort())
	assert.Equal(t, uint64(1), f.reader(t).NumDocs())
}

// While one session holds the merge lock for its commit, a
// concurrent CommitInserts commits without merging and skips GC.
func TestCommitInserts_ConcurrentSessions(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	f.create(t, "seed")
	base := f.metrics.GCRuns.Load()
	acquiredBefore := f.metrics.LockAcquired.Load()

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	hook := hookDir{onSaveMetas: func() {
		once.Do(func() {
			close(entered)
			<-release
		})
	}}

	txnA := f.h.Xacts.Begin()
	wa, err := Open(ctx, f.h, f.rel, txnA, DirectoryMVCC, ResourcesInsertBatch, withHook(hook))
	require.NoError(t, err)
	require.NoError(t, wa.Insert(ctx, f.doc("from a"), NewRowID(1, 1)))

	txnB := f.h.Xacts.Begin()
	wb, err := Open(ctx, f.h, f.rel, txnB, DirectoryMVCC, ResourcesInsertBatch)
	require.NoError(t, err)
	require.NoError(t, wb.Insert(ctx, f.doc("from b"), NewRowID(2, 1)))

	errA := make(chan error, 1)
	go func() { errA <- wa.CommitInserts(ctx) }()
	<-entered

	before, err := f.h.Stats(ctx, f.rel)
	require.NoError(t, err)
	require.NoError(t, wb.CommitInserts(ctx))
	assert.Equal(t, int64(1), f.metrics.LockBusy.Load())
	assert.Equal(t, base, f.metrics.GCRuns.Load(), "the busy session does not collect")
	after, err := f.h.Stats(ctx, f.rel)
	require.NoError(t, err)
	assert.Equal(t, before.SegmentEntries+1, after.SegmentEntries, "only the new segment was appended")

	close(release)
	require.NoError(t, <-errA)
	assert.Equal(t, base+1, f.metrics.GCRuns.Load())
	assert.Equal(t, acquiredBefore+1, f.metrics.LockAcquired.Load())

	require.NoError(t, txnA.Commit())
	require.NoError(t, txnB.Commit())
	assert.Equal(t, uint64(3), f.reader(t).NumDocs())
}

func TestCommitInserts_SkipsGCWhenLockHeld(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	f.create(t, "alpha", "beta")

	// Leave dead entries behind: the only segment is fully deleted.
	f.session(t, func(w *Writer) {
		require.NoError(t, w.DeleteTerm(ctx, f.term("alpha")))
		require.NoError(t, w.DeleteTerm(ctx, f.term("beta")))
		_, err := w.Commit(ctx, false)
		require.NoError(t, err)
	})

	g, ok, err := f.h.Locks.AcquireForMerge(ctx, f.rel.ID)
	require.NoError(t, err)
	require.True(t, ok)

	before, err := f.h.Stats(ctx, f.rel)
	require.NoError(t, err)
	gcRuns := f.metrics.GCRuns.Load()
	f.session(t, func(w *Writer) {
		require.NoError(t, w.Insert(ctx, f.doc("gamma"), NewRowID(0, 3)))
		require.NoError(t, w.CommitInserts(ctx))
	})
	after, err := f.h.Stats(ctx, f.rel)
	require.NoError(t, err)
	assert.Equal(t, gcRuns, f.metrics.GCRuns.Load())
	assert.Equal(t, before.SegmentEntries+1, after.SegmentEntries)
	assert.Equal(t, before.FileEntries+3, after.FileEntries)
	g.Release()

	f.session(t, func(w *Writer) {
		require.NoError(t, w.Vacuum(ctx))
	})
	collected, err := f.h.Stats(ctx, f.rel)
	require.NoError(t, err)
	assert.Equal(t, 1, collected.SegmentEntries)
	assert.Equal(t, 4, collected.FileEntries, "schema plus the live segment's files")
	assert.Positive(t, collected.FreeBlocks)
	assert.Equal(t, uint64(1), f.reader(t).NumDocs())
}

func TestCommitInserts_VacuumResourcesNeverLock(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	f.create(t, "alpha")
	locks := f.metrics.LockAcquired.Load() + f.metrics.LockBusy.Load()

	txn := f.h.Xacts.Begin()
	w, err := Open(ctx, f.h, f.rel, txn, DirectoryBulkDelete, ResourcesVacuum)
	require.NoError(t, err)
	assert.False(t, w.WantsMerge())
	require.NoError(t, w.DeleteTerm(ctx, f.term("alpha")))
	require.NoError(t, w.CommitInserts(ctx))
	require.NoError(t, txn.Commit())

	assert.Equal(t, locks, f.metrics.LockAcquired.Load()+f.metrics.LockBusy.Load())
	assert.Zero(t, f.reader(t).NumDocs())
}

func TestVacuum_RequiresEmptyQueue(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	f.create(t, "alpha")

	txn := f.h.Xacts.Begin()
	w, err := Open(ctx, f.h, f.rel, txn, DirectoryMVCC, ResourcesVacuum)
	require.NoError(t, err)
	require.NoError(t, w.Insert(ctx, f.doc("beta"), NewRowID(0, 2)))

	commits := f.metrics.Commits.Load()
	require.ErrorIs(t, w.Vacuum(ctx), paradedb.ErrPendingOperations)
	assert.Equal(t, StateOpen, w.State())
	assert.Equal(t, commits, f.metrics.Commits.Load(), "nothing was committed")

	require.NoError(t, w.Close())
	require.NoError(t, txn.Abort())
	assert.Equal(t, uint64(1), f.reader(t).NumDocs())
}

func TestVacuum_MergesSegments(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	f.create(t)

	for i := range 4 {
		f.session(t, func(w *Writer) {
			require.NoError(t, w.Insert(ctx, f.doc(fmt.Sprintf("doc %d", i)), NewRowID(uint32(i), 1)))
			_, err := w.Commit(ctx, false)
			require.NoError(t, err)
		})
	}
	assert.Len(t, f.reader(t).Searcher().SegmentReaders(), 4)

	policy := fts.LogMergePolicy()
	policy.MinNumSegments = 2
	txn := f.h.Xacts.Begin()
	w, err := Open(ctx, f.h, f.rel, txn, DirectoryMVCC, ResourcesVacuum, WithMergePolicy(policy))
	require.NoError(t, err)
	require.NoError(t, w.Vacuum(ctx))
	require.NoError(t, txn.Commit())

	r := f.reader(t)
	assert.Len(t, r.Searcher().SegmentReaders(), 1)
	assert.Equal(t, uint64(4), r.NumDocs())
}

func TestVacuum_WaitsForMergeLock(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	f.create(t, "alpha")

	g, ok, err := f.h.Locks.AcquireForMerge(ctx, f.rel.ID)
	require.NoError(t, err)
	require.True(t, ok)

	txn := f.h.Xacts.Begin()
	w, err := Open(ctx, f.h, f.rel, txn, DirectoryMVCC, ResourcesVacuum)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- w.Vacuum(ctx) }()

	assert.Never(t, func() bool { return len(done) > 0 }, 50*time.Millisecond, 5*time.Millisecond,
		"vacuum must wait while the lock is held")
	g.Release()
	require.NoError(t, <-done)
	require.NoError(t, txn.Commit())
}

func TestGarbageCollect_KeepsEntriesOfOlderSnapshots(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	f.create(t, "alpha")

	old := f.h.Xacts.Snapshot()
	f.session(t, func(w *Writer) {
		require.NoError(t, w.DeleteTerm(ctx, f.term("alpha")))
		_, err := w.Commit(ctx, false)
		require.NoError(t, err)
	})
	f.session(t, func(w *Writer) {
		require.NoError(t, w.Vacuum(ctx))
	})

	r, err := OpenReader(ctx, f.h, f.rel, old)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r.NumDocs(), "the old snapshot still resolves its segment")
	hits := r.Search(f.term("alpha"))
	require.Len(t, hits, 1)
	_, err = r.Doc(hits[0])
	require.NoError(t, err)
	require.NoError(t, r.Close())

	removed := f.metrics.GCEntriesRemoved.Load()
	f.session(t, func(w *Writer) {
		require.NoError(t, w.Vacuum(ctx))
	})
	assert.Greater(t, f.metrics.GCEntriesRemoved.Load(), removed)
	st, err := f.h.Stats(ctx, f.rel)
	require.NoError(t, err)
	assert.Zero(t, st.SegmentEntries)
	assert.Equal(t, 1, st.FileEntries, "only the schema file is left")
}

func TestGarbageCollect_RequiresGuard(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	f.create(t)

	_, err := GarbageCollect(ctx, f.h, f.rel, nil)
	require.ErrorIs(t, err, ErrGuardRequired)

	g, ok, err := f.h.Locks.AcquireForDelete(ctx, f.rel.ID)
	require.NoError(t, err)
	require.True(t, ok)
	defer g.Release()
	_, err = GarbageCollect(ctx, f.h, f.rel, g)
	require.ErrorIs(t, err, ErrGuardRequired)
}

func TestWriter_WorkerFaultAbortsSession(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	f.create(t, "alpha")

	hook := hookDir{onOpenWrite: func(path string) {
		panic("simulated storage fault writing " + path)
	}}
	txn := f.h.Xacts.Begin()
	w, err := Open(ctx, f.h, f.rel, txn, DirectoryMVCC, ResourcesInsertBatch, withHook(hook))
	require.NoError(t, err)
	require.NoError(t, w.Insert(ctx, f.doc("beta"), NewRowID(0, 2)))

	_, err = w.Commit(ctx, false)
	require.ErrorIs(t, err, paradedb.ErrSessionAborted)
	require.ErrorIs(t, err, channel.ErrWorkerTerminated)
	assert.Equal(t, StateAborted, w.State())
	assert.Equal(t, int64(1), f.metrics.CommitErrors.Load())

	require.ErrorIs(t, w.Insert(ctx, f.doc("gamma"), NewRowID(0, 3)), paradedb.ErrSessionAborted)
	require.NoError(t, w.Close())
	require.NoError(t, txn.Abort())
	assert.Equal(t, uint64(1), f.reader(t).NumDocs())
}

func TestWriter_CloseDiscards(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	f.create(t, "alpha")

	txn := f.h.Xacts.Begin()
	w, err := Open(ctx, f.h, f.rel, txn, DirectoryMVCC, ResourcesInsertBatch, WithQueueSize(1))
	require.NoError(t, err)
	require.NoError(t, w.Insert(ctx, f.doc("beta"), NewRowID(0, 2)))
	require.NoError(t, w.Close())
	require.NoError(t, txn.Commit())

	assert.Equal(t, uint64(1), f.reader(t).NumDocs())
}
