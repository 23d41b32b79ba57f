package vacuum

import (
	"context"
	"testing"
	"time"

	"github.com/jnicholls/paradedb"
	"github.com/jnicholls/paradedb/blockstore"
	"github.com/jnicholls/paradedb/fts"
	"github.com/jnicholls/paradedb/host"
	"github.com/jnicholls/paradedb/index"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	h       *host.Host
	rel     host.Relation
	metrics *paradedb.BasicMetricsCollector
	body    fts.Field
}

// newFixture builds an index holding one document per row id.
func newFixture(t *testing.T, ids ...index.RowID) *fixture {
	t.Helper()
	ctx := t.Context()
	m := &paradedb.BasicMetricsCollector{}
	h, err := host.New(ctx, blockstore.NewMemoryManager(),
		host.WithBufferCapacity(256),
		host.WithAmbient(paradedb.WithMetricsCollector(m)),
	)
	require.NoError(t, err)

	b := index.NewSchemaBuilder()
	body := b.AddTextField("body", fts.FieldOptions{Indexed: true, Stored: true})
	schema, err := b.Build()
	require.NoError(t, err)

	f := &fixture{h: h, rel: h.Relation(16384, "docs_idx"), metrics: m, body: body}
	txn := h.Xacts.Begin()
	w, err := index.Create(ctx, h, f.rel, txn, schema)
	require.NoError(t, err)
	for _, id := range ids {
		doc := fts.NewDocument()
		doc.AddText(body, "row "+id.String())
		require.NoError(t, w.Insert(ctx, doc, id))
	}
	_, err = w.Commit(ctx, false)
	require.NoError(t, err)
	require.NoError(t, txn.Commit())
	return f
}

func (f *fixture) rowIDs(t *testing.T) []index.RowID {
	t.Helper()
	r, err := index.OpenReader(t.Context(), f.h, f.rel, f.h.Xacts.Snapshot())
	require.NoError(t, err)
	defer r.Close()
	ids, err := r.RowIDs()
	require.NoError(t, err)
	return ids
}

func only(dead ...index.RowID) Callback {
	return func(id index.RowID) bool {
		for _, d := range dead {
			if d == id {
				return true
			}
		}
		return false
	}
}

// Rows {1,2,3}, only row 2 is dead.
func TestBulkDelete_RemovesDeadRows(t *testing.T) {
	ctx := t.Context()
	r1, r2, r3 := index.NewRowID(0, 1), index.NewRowID(0, 2), index.NewRowID(0, 3)
	f := newFixture(t, r1, r2, r3)
	opsBefore := f.metrics.FlushedOps.Load()

	var seen []index.RowID
	txn := f.h.Xacts.Begin()
	res, err := BulkDelete(ctx, f.h, f.rel, txn, func(id index.RowID) bool {
		seen = append(seen, id)
		return id == r2
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []index.RowID{r1, r2, r3}, seen, "row id terms are visited in sorted order")
	assert.Equal(t, 3, res.TuplesExamined)
	assert.Equal(t, 1, res.TuplesRemoved)
	assert.Equal(t, int64(1), f.metrics.FlushedOps.Load()-opsBefore, "exactly one delete was queued")
	assert.True(t, res.HoldsCleanupLock())

	stats, err := Cleanup(ctx, f.h, f.rel, txn, res)
	require.NoError(t, err)
	assert.False(t, res.HoldsCleanupLock())
	assert.Equal(t, uint64(2), stats.IndexTuples)
	assert.Equal(t, 1, stats.TuplesRemoved)
	assert.Positive(t, stats.Blocks)
	require.NoError(t, txn.Commit())

	assert.ElementsMatch(t, []index.RowID{r1, r3}, f.rowIDs(t))
	assert.Equal(t, int64(3), f.metrics.RowsExamined.Load())
	assert.Equal(t, int64(1), f.metrics.RowsRemoved.Load())
}

func TestBulkDelete_NothingDead(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t, index.NewRowID(0, 1), index.NewRowID(0, 2))

	txn := f.h.Xacts.Begin()
	res, err := BulkDelete(ctx, f.h, f.rel, txn, only(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.TuplesExamined)
	assert.Zero(t, res.TuplesRemoved)
	assert.False(t, res.HoldsCleanupLock())
	require.NoError(t, txn.Commit())
	assert.Len(t, f.rowIDs(t), 2)
}

func TestBulkDelete_AccumulatesStats(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t, index.NewRowID(0, 1), index.NewRowID(0, 2))

	txn := f.h.Xacts.Begin()
	res, err := BulkDelete(ctx, f.h, f.rel, txn, only(index.NewRowID(0, 1)), &Stats{TuplesExamined: 10, TuplesRemoved: 4})
	require.NoError(t, err)
	defer res.Release()
	assert.Equal(t, 12, res.TuplesExamined)
	assert.Equal(t, 5, res.TuplesRemoved)
	assert.Equal(t, int64(2), f.metrics.RowsExamined.Load())
	assert.Equal(t, int64(1), f.metrics.RowsRemoved.Load())
	require.NoError(t, txn.Commit())
}

func TestBulkDelete_CleanupLockWaitsForReaders(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t, index.NewRowID(0, 1), index.NewRowID(0, 2))

	reader, err := index.OpenReader(ctx, f.h, f.rel, f.h.Xacts.Snapshot())
	require.NoError(t, err)

	txn := f.h.Xacts.Begin()
	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := BulkDelete(ctx, f.h, f.rel, txn, only(index.NewRowID(0, 2)), nil)
		done <- outcome{res, err}
	}()

	assert.Never(t, func() bool { return len(done) > 0 }, 50*time.Millisecond, 5*time.Millisecond,
		"the cleanup lock waits for the open reader")
	assert.Equal(t, uint64(2), reader.NumDocs(), "the reader keeps its snapshot")
	require.NoError(t, reader.Close())

	out := <-done
	require.NoError(t, out.err)
	assert.True(t, out.res.HoldsCleanupLock())
	out.res.Release()
	out.res.Release()
	require.NoError(t, txn.Commit())
	assert.Equal(t, []index.RowID{index.NewRowID(0, 1)}, f.rowIDs(t))
}

func TestBulkDelete_CleanupLockHonoursContext(t *testing.T) {
	f := newFixture(t, index.NewRowID(0, 1))
	reader, err := index.OpenReader(t.Context(), f.h, f.rel, f.h.Xacts.Snapshot())
	require.NoError(t, err)
	defer reader.Close()

	ctx, cancel := context.WithTimeout(t.Context(), 200*time.Millisecond)
	defer cancel()
	txn := f.h.Xacts.Begin()
	_, err = BulkDelete(ctx, f.h, f.rel, txn, only(index.NewRowID(0, 1)), nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NoError(t, txn.Abort())
}

func TestBulkDelete_RunsWhileMergeLockHeld(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t, index.NewRowID(0, 1), index.NewRowID(0, 2))

	g, ok, err := f.h.Locks.AcquireForMerge(ctx, f.rel.ID)
	require.NoError(t, err)
	require.True(t, ok)
	busy := f.metrics.LockBusy.Load()

	txn := f.h.Xacts.Begin()
	res, err := BulkDelete(ctx, f.h, f.rel, txn, only(index.NewRowID(0, 1)), nil)
	require.NoError(t, err)
	assert.Equal(t, busy+1, f.metrics.LockBusy.Load(), "the delete lock was contended")
	assert.Equal(t, 1, res.TuplesRemoved)
	res.Release()
	g.Release()
	require.NoError(t, txn.Commit())
	assert.Equal(t, []index.RowID{index.NewRowID(0, 2)}, f.rowIDs(t))
}
