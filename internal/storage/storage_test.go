package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/jnicholls/paradedb/blockstore"
	"github.com/jnicholls/paradedb/internal/buffer"
	"github.com/jnicholls/paradedb/internal/xact"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rel blockstore.RelID = 16384

func newTestLists(t *testing.T) *Lists {
	t.Helper()
	ctx := t.Context()
	smgr := blockstore.NewMemoryManager()
	require.NoError(t, smgr.Create(ctx, rel))
	pool := buffer.NewPool(smgr, buffer.WithCapacity(64))
	require.NoError(t, Init(ctx, pool, rel))
	return OpenLists(NewAllocator(pool, rel))
}

func fileEntry(i int) FileEntry {
	return FileEntry{
		Name:  fmt.Sprintf("segment-%04d.idx", i),
		Start: blockstore.InvalidBlock,
		Len:   uint64(i),
		XMin:  xact.XID(i + 1),
	}
}

func TestInit_Twice(t *testing.T) {
	l := newTestLists(t)
	err := Init(t.Context(), l.Alloc.Pool(), rel)
	assert.ErrorIs(t, err, ErrAlreadyInitialized)
}

func TestLinkedItemList_AddListUpdate(t *testing.T) {
	ctx := t.Context()
	l := newTestLists(t)

	const n = 1000 // spans several pages
	for i := range n {
		require.NoError(t, l.Files.Add(ctx, fileEntry(i)))
	}

	all, err := l.Files.List(ctx, buffer.StrategyNormal, nil)
	require.NoError(t, err)
	require.Len(t, all, n)
	for i, e := range all {
		assert.Equal(t, fileEntry(i), e)
	}

	updated, err := l.Files.Update(ctx, func(e *FileEntry) (bool, error) {
		if e.Len%2 == 0 {
			e.XMax = 9999
			return true, nil
		}
		return false, nil
	})
	require.NoError(t, err)
	assert.Equal(t, n/2, updated)

	live, err := l.Files.List(ctx, buffer.StrategyNormal, func(e FileEntry) bool { return e.XMax == 0 })
	require.NoError(t, err)
	assert.Len(t, live, n/2)
}

func TestLinkedItemList_GarbageCollectFreesPages(t *testing.T) {
	ctx := t.Context()
	l := newTestLists(t)

	const n = 1000
	items := make([]FileEntry, n)
	for i := range n {
		items[i] = fileEntry(i)
	}
	require.NoError(t, l.Files.Add(ctx, items...))

	before, err := l.Alloc.RelationStats(ctx)
	require.NoError(t, err)

	var removed []FileEntry
	throttled := 0
	stats, err := l.Files.GarbageCollect(ctx, GCOptions{
		Strategy: buffer.StrategyVacuum,
		Throttle: func(context.Context, int) error { throttled++; return nil },
	}, func(e FileEntry) bool {
		return e.Len < n-10 // everything but the last 10
	}, func(e FileEntry) error {
		removed = append(removed, e)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, n, stats.Examined)
	assert.Equal(t, n-10, stats.Removed)
	assert.Len(t, removed, n-10)
	assert.Positive(t, stats.PagesFreed)
	assert.Positive(t, throttled)

	after, err := l.Alloc.RelationStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.Blocks, after.Blocks)
	assert.Equal(t, stats.PagesFreed, after.FreeBlocks)

	rest, err := l.Files.List(ctx, buffer.StrategyNormal, nil)
	require.NoError(t, err)
	require.Len(t, rest, 10)
	assert.Equal(t, fileEntry(n-10), rest[0])

	// New pages are taken from the free list before the relation grows.
	require.NoError(t, l.Files.Add(ctx, items...))
	grown, err := l.Alloc.RelationStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, grown.FreeBlocks)
	assert.Less(t, int(grown.Blocks-after.Blocks), stats.PagesFreed+1)
}

func TestLinkedItemList_ConcurrentAdd(t *testing.T) {
	ctx := t.Context()
	l := newTestLists(t)

	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				assert.NoError(t, l.Segments.Add(ctx, SegmentMetaEntry{MaxDoc: uint32(w*1000 + i), XMin: 1}))
			}
		}()
	}
	wg.Wait()

	all, err := l.Segments.List(ctx, buffer.StrategyNormal, nil)
	require.NoError(t, err)
	assert.Len(t, all, 400)
}

func TestChain_WriteReadFree(t *testing.T) {
	ctx := t.Context()
	l := newTestLists(t)

	data := bytes.Repeat([]byte("0123456789abcdef"), 3*PageCapacity/16+7)
	w := NewChainWriter(l.Alloc, buffer.StrategyNormal)
	require.NoError(t, w.Write(ctx, data[:100]))
	require.NoError(t, w.Write(ctx, data[100:]))
	start, length, err := w.Close(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(data)), length)

	r, err := OpenChain(ctx, l.Alloc, start, length, buffer.StrategyBulkRead)
	require.NoError(t, err)

	got := make([]byte, len(data))
	n, err := r.ReadAt(ctx, got, 0)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, data, got)

	// Range straddling a page boundary.
	part := make([]byte, 50)
	_, err = r.ReadAt(ctx, part, PageCapacity-25)
	require.NoError(t, err)
	assert.Equal(t, data[PageCapacity-25:PageCapacity+25], part)

	n, err = r.ReadAt(ctx, make([]byte, 10), length-4)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 4, n)

	_, err = OpenChain(ctx, l.Alloc, start, length+1, buffer.StrategyNormal)
	assert.ErrorIs(t, err, ErrCorrupt)

	require.NoError(t, FreeChain(ctx, l.Alloc, start, buffer.StrategyNormal))
	stats, err := l.Alloc.RelationStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(r.blocks), stats.FreeBlocks)
}

func TestChain_Empty(t *testing.T) {
	ctx := t.Context()
	l := newTestLists(t)

	w := NewChainWriter(l.Alloc, buffer.StrategyNormal)
	start, length, err := w.Close(ctx)
	require.NoError(t, err)
	assert.Equal(t, blockstore.InvalidBlock, start)
	assert.Zero(t, length)

	r, err := OpenChain(ctx, l.Alloc, start, length, buffer.StrategyNormal)
	require.NoError(t, err)
	n, err := r.ReadAt(ctx, nil, 0)
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestAllocator_RefusesReservedBlocks(t *testing.T) {
	ctx := t.Context()
	l := newTestLists(t)
	err := l.Alloc.FreeBlock(ctx, SegmentMetasStart, buffer.StrategyNormal)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestOpenChain_WrongPageKind(t *testing.T) {
	ctx := t.Context()
	l := newTestLists(t)
	_, err := OpenChain(ctx, l.Alloc, DirectoryStart, 0, buffer.StrategyNormal)
	assert.ErrorIs(t, err, ErrCorrupt)
}
