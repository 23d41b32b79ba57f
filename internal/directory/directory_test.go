package directory

import (
	"context"
	"testing"

	"github.com/jnicholls/paradedb/blockstore"
	"github.com/jnicholls/paradedb/fts"
	"github.com/jnicholls/paradedb/internal/buffer"
	"github.com/jnicholls/paradedb/internal/storage"
	"github.com/jnicholls/paradedb/internal/xact"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rel blockstore.RelID = 16384

type fixture struct {
	pool  *buffer.Pool
	xacts *xact.Manager
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := t.Context()
	smgr := blockstore.NewMemoryManager()
	require.NoError(t, smgr.Create(ctx, rel))
	pool := buffer.NewPool(smgr, buffer.WithCapacity(128))
	require.NoError(t, storage.Init(ctx, pool, rel))
	return fixture{pool: pool, xacts: xact.NewManager()}
}

func (f fixture) mutable(t *testing.T, txn *xact.Txn) *Mutable {
	t.Helper()
	d := NewMutable(f.pool, rel, txn)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func writeFile(t *testing.T, ctx context.Context, d fts.Directory, name, body string) {
	t.Helper()
	w, err := d.OpenWrite(ctx, name)
	require.NoError(t, err)
	require.NoError(t, w.Write(ctx, []byte(body)))
	require.NoError(t, w.Close(ctx))
}

func TestMutable_FilesFollowTransactionVisibility(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)

	t1 := f.xacts.Begin()
	d1 := f.mutable(t, t1)
	writeFile(t, ctx, d1, "a.idx", "hello")

	got, err := d1.AtomicRead(ctx, "a.idx")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got), "own writes are visible")

	t2 := f.xacts.Begin()
	d2 := f.mutable(t, t2)
	ok, err := d2.Exists(ctx, "a.idx")
	require.NoError(t, err)
	assert.False(t, ok, "uncommitted writes of another transaction are invisible")

	require.NoError(t, t1.Commit())
	ok, err = d2.Exists(ctx, "a.idx")
	require.NoError(t, err)
	assert.True(t, ok, "a fresh snapshot per call sees the commit")

	names, err := d2.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.idx"}, names)
	require.NoError(t, t2.Commit())
}

func TestMutable_LargeFileSpansPages(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	txn := f.xacts.Begin()
	d := f.mutable(t, txn)

	data := make([]byte, 3*blockstore.BlockSize+123)
	for i := range data {
		data[i] = byte(i * 7)
	}
	require.NoError(t, d.AtomicWrite(ctx, "big.store", data))

	fh, err := d.OpenRead(ctx, "big.store")
	require.NoError(t, err)
	assert.Equal(t, uint64(len(data)), fh.Len())
	part, err := fh.ReadBytes(ctx, blockstore.BlockSize-10, blockstore.BlockSize+10)
	require.NoError(t, err)
	assert.Equal(t, data[blockstore.BlockSize-10:blockstore.BlockSize+10], part)

	_, err = fh.ReadBytes(ctx, 0, fh.Len()+1)
	assert.Error(t, err)
}

func TestMutable_DeleteAndReplace(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)

	setup := f.xacts.Begin()
	d := f.mutable(t, setup)
	require.NoError(t, d.AtomicWrite(ctx, "schema.json", []byte("v1")))
	writeFile(t, ctx, d, "old.del", "x")
	require.NoError(t, setup.Commit())

	reader := f.xacts.Snapshot()
	defer reader.Release()
	snap := NewSnapshot(f.pool, rel, f.xacts, reader)

	txn := f.xacts.Begin()
	m := f.mutable(t, txn)
	require.NoError(t, m.AtomicWrite(ctx, "schema.json", []byte("v2")))
	require.NoError(t, m.Delete(ctx, "old.del"))
	assert.ErrorIs(t, m.Delete(ctx, "old.del"), fts.ErrFileNotFound)
	require.NoError(t, txn.Commit())

	got, err := m.AtomicRead(ctx, "schema.json")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))

	got, err = snap.AtomicRead(ctx, "schema.json")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got), "an older snapshot keeps its version")
	ok, err := snap.Exists(ctx, "old.del")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMutable_AbortedWritesStayInvisible(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)

	txn := f.xacts.Begin()
	writeFile(t, ctx, f.mutable(t, txn), "lost.idx", "data")
	require.NoError(t, txn.Abort())

	other := f.xacts.Begin()
	ok, err := f.mutable(t, other).Exists(ctx, "lost.idx")
	require.NoError(t, err)
	assert.False(t, ok)
}

func segment(maxDoc uint32, deletes *fts.DeleteMeta) fts.SegmentMeta {
	return fts.SegmentMeta{ID: fts.NewSegmentID(), MaxDoc: maxDoc, Deletes: deletes}
}

func TestMutable_SaveMetasAppliesDifference(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)

	txn := f.xacts.Begin()
	d := f.mutable(t, txn)
	a, b := segment(10, nil), segment(20, nil)
	m1 := &fts.IndexMeta{Segments: []fts.SegmentMeta{a, b}, Opstamp: 5}
	require.NoError(t, d.SaveMetas(ctx, m1, nil))

	loaded, err := d.LoadMetas(ctx)
	require.NoError(t, err)
	assert.Equal(t, fts.Opstamp(5), loaded.Opstamp)
	assert.ElementsMatch(t, m1.Segments, loaded.Segments)

	b2 := b
	b2.Deletes = &fts.DeleteMeta{NumDeleted: 3, Opstamp: 9}
	c := segment(7, nil)
	m2 := &fts.IndexMeta{Segments: []fts.SegmentMeta{b2, c}, Opstamp: 9}
	require.NoError(t, d.SaveMetas(ctx, m2, m1))
	require.NoError(t, txn.Commit())

	loaded, err = f.mutable(t, f.xacts.Begin()).LoadMetas(ctx)
	require.NoError(t, err)
	assert.Equal(t, fts.Opstamp(9), loaded.Opstamp)
	assert.ElementsMatch(t, m2.Segments, loaded.Segments)

	lists := storage.OpenLists(storage.NewAllocator(f.pool, rel))
	all, err := lists.Segments.List(ctx, buffer.StrategyNormal, nil)
	require.NoError(t, err)
	assert.Len(t, all, 4, "replaced versions stay until garbage collection")
}

func TestMutable_SaveMetasConcurrentUpdate(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)

	setup := f.xacts.Begin()
	seg := segment(10, nil)
	base := &fts.IndexMeta{Segments: []fts.SegmentMeta{seg}, Opstamp: 1}
	require.NoError(t, f.mutable(t, setup).SaveMetas(ctx, base, nil))
	require.NoError(t, setup.Commit())

	withDeletes := func(n uint32, stamp fts.Opstamp) *fts.IndexMeta {
		s := seg
		s.Deletes = &fts.DeleteMeta{NumDeleted: n, Opstamp: stamp}
		return &fts.IndexMeta{Segments: []fts.SegmentMeta{s}, Opstamp: stamp}
	}

	t1, t2 := f.xacts.Begin(), f.xacts.Begin()
	d1, d2 := f.mutable(t, t1), f.mutable(t, t2)
	require.NoError(t, d1.SaveMetas(ctx, withDeletes(1, 2), base))

	err := d2.SaveMetas(ctx, withDeletes(2, 3), base)
	assert.ErrorIs(t, err, ErrConcurrentUpdate, "in-progress deleter")

	require.NoError(t, t1.Abort())
	require.NoError(t, d2.SaveMetas(ctx, withDeletes(2, 3), base), "aborted deleter no longer conflicts")
	require.NoError(t, t2.Commit())

	t3 := f.xacts.Begin()
	err = f.mutable(t, t3).SaveMetas(ctx, withDeletes(4, 4), base)
	assert.ErrorIs(t, err, ErrConcurrentUpdate, "stale previous meta")
}

func TestSnapshot_ReadOnly(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	s := f.xacts.Snapshot()
	defer s.Release()
	d := NewSnapshot(f.pool, rel, f.xacts, s, WithStrategy(buffer.StrategyBulkRead))

	_, err := d.OpenWrite(ctx, "x")
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.ErrorIs(t, d.AtomicWrite(ctx, "x", nil), ErrReadOnly)
	assert.ErrorIs(t, d.Delete(ctx, "x"), ErrReadOnly)
	assert.ErrorIs(t, d.SaveMetas(ctx, &fts.IndexMeta{}, nil), ErrReadOnly)

	meta, err := d.LoadMetas(ctx)
	require.NoError(t, err)
	assert.Empty(t, meta.Segments)
}

func TestEngineOnBlockDirectories(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)

	b := fts.NewSchemaBuilder()
	ctid := b.AddU64Field("ctid", fts.FieldOptions{Indexed: true, Fast: true})
	body := b.AddTextField("body", fts.FieldOptions{Indexed: true, Stored: true})
	schema, err := b.Build()
	require.NoError(t, err)

	txn := f.xacts.Begin()
	d := f.mutable(t, txn)
	ix, err := fts.Create(ctx, d, schema, fts.DefaultSettings())
	require.NoError(t, err)
	noMerge := fts.NoMergePolicy()
	w, err := ix.Writer(ctx, fts.WriterOptions{MergePolicy: &noMerge})
	require.NoError(t, err)
	for i := range uint64(100) {
		doc := fts.NewDocument()
		doc.AddU64(ctid, i)
		doc.AddText(body, "row")
		_, err := w.Run(ctx, []fts.UserOperation{fts.AddOperation(doc)})
		require.NoError(t, err)
	}
	_, err = w.Commit(ctx)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	before := f.xacts.Snapshot()
	defer before.Release()
	_, err = fts.Open(ctx, NewSnapshot(f.pool, rel, f.xacts, before), fts.DefaultSettings())
	assert.ErrorIs(t, err, fts.ErrIndexNotFound, "nothing is visible before commit")

	require.NoError(t, txn.Commit())

	after := f.xacts.Snapshot()
	defer after.Release()
	ro, err := fts.Open(ctx, NewSnapshot(f.pool, rel, f.xacts, after), fts.DefaultSettings())
	require.NoError(t, err)
	s, err := ro.Reader(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), s.NumDocs())
	assert.Equal(t, uint64(1), s.Count(fts.TermFromU64(ctid, 42)))
}
