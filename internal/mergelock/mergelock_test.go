package mergelock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jnicholls/paradedb"
	"github.com/jnicholls/paradedb/blockstore"
	"github.com/jnicholls/paradedb/internal/buffer"
	"github.com/jnicholls/paradedb/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rel blockstore.RelID = 16384

func newManager(t *testing.T) (*Manager, *paradedb.BasicMetricsCollector) {
	t.Helper()
	ctx := t.Context()
	smgr := blockstore.NewMemoryManager()
	require.NoError(t, smgr.Create(ctx, rel))
	pool := buffer.NewPool(smgr, buffer.WithCapacity(16))
	require.NoError(t, storage.Init(ctx, pool, rel))
	m := &paradedb.BasicMetricsCollector{}
	return NewManager(pool, nil, m), m
}

func TestAcquireForMerge_Exclusive(t *testing.T) {
	ctx := t.Context()
	m, metrics := newManager(t)

	g, ok, err := m.AcquireForMerge(ctx, rel)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, PurposeMerge, g.Purpose())

	g2, ok, err := m.AcquireForMerge(ctx, rel)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, g2)

	g.Release()
	g.Release()

	g3, ok, err := m.AcquireForMerge(ctx, rel)
	require.NoError(t, err)
	require.True(t, ok)
	g3.Release()

	assert.Equal(t, int64(2), metrics.LockAcquired.Load())
	assert.Equal(t, int64(1), metrics.LockBusy.Load())
}

func TestMergeAndDeleteExcludeEachOther(t *testing.T) {
	ctx := t.Context()
	m, _ := newManager(t)

	del, ok, err := m.AcquireForDelete(ctx, rel)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = m.AcquireForMerge(ctx, rel)
	require.NoError(t, err)
	assert.False(t, ok, "no merge while a bulk delete runs")
	_, ok, err = m.AcquireForDelete(ctx, rel)
	require.NoError(t, err)
	assert.False(t, ok)
	del.Release()

	merge, ok, err := m.AcquireForMerge(ctx, rel)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = m.AcquireForDelete(ctx, rel)
	require.NoError(t, err)
	assert.False(t, ok)
	merge.Release()

	del, ok, err = m.AcquireForDelete(ctx, rel)
	require.NoError(t, err)
	require.True(t, ok)
	del.Release()
}

func TestFailedAcquireLeavesNothingHeld(t *testing.T) {
	ctx := t.Context()
	m, _ := newManager(t)

	del, ok, err := m.AcquireForDelete(ctx, rel)
	require.NoError(t, err)
	require.True(t, ok)
	// The merge attempt locks the merge block, then fails on the delete block.
	_, ok, err = m.AcquireForMerge(ctx, rel)
	require.NoError(t, err)
	require.False(t, ok)
	del.Release()

	g, ok, err := m.AcquireForMerge(ctx, rel)
	require.NoError(t, err)
	assert.True(t, ok, "merge block must have been unlocked by the failed attempt")
	g.Release()
}

func TestWaitForMerge(t *testing.T) {
	ctx := t.Context()
	m, _ := newManager(t)

	g, ok, err := m.AcquireForMerge(ctx, rel)
	require.NoError(t, err)
	require.True(t, ok)

	var acquired atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		g2, err := m.WaitForMerge(ctx, rel)
		if assert.NoError(t, err) {
			acquired.Store(true)
			g2.Release()
		}
	}()

	time.Sleep(20 * time.Millisecond)
	assert.False(t, acquired.Load())
	g.Release()
	wg.Wait()
	assert.True(t, acquired.Load())
}

func TestWaitForMerge_Context(t *testing.T) {
	m, _ := newManager(t)
	g, ok, err := m.AcquireForMerge(t.Context(), rel)
	require.NoError(t, err)
	require.True(t, ok)
	defer g.Release()

	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Millisecond)
	defer cancel()
	_, err = m.WaitForMerge(ctx, rel)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
