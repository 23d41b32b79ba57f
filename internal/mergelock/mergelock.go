// Package mergelock coordinates segment merging, metadata garbage collection
// and bulk deletes between sessions sharing a relation.
//
// Locks are content locks on reserved blocks of the relation, so every
// session using the same buffer pool contends on the same lock. A merge guard
// holds the merge block exclusively and the delete block shared; a delete
// guard holds the delete block exclusively. Merges therefore never overlap a
// bulk delete scan, and neither overlaps another of its kind.
package mergelock

import (
	"context"
	"sync"
	"time"

	"github.com/jnicholls/paradedb"
	"github.com/jnicholls/paradedb/blockstore"
	"github.com/jnicholls/paradedb/internal/buffer"
	"github.com/jnicholls/paradedb/internal/storage"
)

// Purpose names what a guard protects.
type Purpose string

const (
	PurposeMerge  Purpose = "merge"
	PurposeDelete Purpose = "delete"
)

const (
	minBackoff = 2 * time.Millisecond
	maxBackoff = 100 * time.Millisecond
)

// Manager hands out guards for relations of one buffer pool.
type Manager struct {
	pool    *buffer.Pool
	logger  *paradedb.Logger
	metrics paradedb.MetricsCollector
}

// NewManager returns a lock manager. A nil logger or metrics collector
// disables them.
func NewManager(pool *buffer.Pool, logger *paradedb.Logger, metrics paradedb.MetricsCollector) *Manager {
	if logger == nil {
		logger = paradedb.NoopLogger()
	}
	if metrics == nil {
		metrics = paradedb.NoopMetricsCollector{}
	}
	return &Manager{pool: pool, logger: logger, metrics: metrics}
}

type held struct {
	buf       *buffer.Buffer
	exclusive bool
}

// Guard is a held lock. Release it with a deferred call.
type Guard struct {
	rel     blockstore.RelID
	purpose Purpose
	held    []held
	logger  *paradedb.Logger
	once    sync.Once
}

// Purpose returns what the guard was acquired for.
func (g *Guard) Purpose() Purpose { return g.purpose }

// Rel returns the locked relation.
func (g *Guard) Rel() blockstore.RelID { return g.rel }

// Release unlocks and unpins. It is safe to call more than once.
func (g *Guard) Release() {
	if g == nil {
		return
	}
	g.once.Do(func() {
		if len(g.held) == 0 {
			return
		}
		for i := len(g.held) - 1; i >= 0; i-- {
			h := g.held[i]
			if h.exclusive {
				h.buf.UnlockRelease()
			} else {
				h.buf.RUnlockRelease()
			}
		}
		g.held = nil
		g.logger.Debug("merge lock released", "purpose", g.purpose)
	})
}

type want struct {
	blk       blockstore.BlockNumber
	exclusive bool
}

func (p Purpose) blocks() []want {
	if p == PurposeMerge {
		return []want{
			{blk: storage.MergeLockBlock, exclusive: true},
			{blk: storage.DeleteLockBlock, exclusive: false},
		}
	}
	return []want{{blk: storage.DeleteLockBlock, exclusive: true}}
}

// try takes every lock of purpose without blocking, or none of them.
func (m *Manager) try(ctx context.Context, rel blockstore.RelID, purpose Purpose) (*Guard, bool, error) {
	g := &Guard{rel: rel, purpose: purpose, logger: m.logger}
	for _, w := range purpose.blocks() {
		b, err := m.pool.ReadBuffer(ctx, rel, w.blk, buffer.StrategyNormal)
		if err != nil {
			g.Release()
			return nil, false, err
		}
		var ok bool
		if w.exclusive {
			ok = b.TryLock()
		} else {
			ok = b.TryRLock()
		}
		if !ok {
			b.Release()
			g.Release()
			return nil, false, nil
		}
		g.held = append(g.held, held{buf: b, exclusive: w.exclusive})
	}
	return g, true, nil
}

func (m *Manager) acquire(ctx context.Context, rel blockstore.RelID, purpose Purpose) (*Guard, bool, error) {
	g, ok, err := m.try(ctx, rel, purpose)
	if err != nil {
		return nil, false, err
	}
	m.metrics.RecordMergeLock(string(purpose), ok)
	m.logger.WithRelation(uint32(rel)).LogMergeLock(ctx, string(purpose), ok)
	return g, ok, nil
}

// AcquireForMerge takes the merge lock if nobody holds it and no bulk
// delete is running. Not acquiring it is a normal outcome.
func (m *Manager) AcquireForMerge(ctx context.Context, rel blockstore.RelID) (*Guard, bool, error) {
	return m.acquire(ctx, rel, PurposeMerge)
}

// AcquireForDelete takes the delete lock if no merge or other delete holds it.
func (m *Manager) AcquireForDelete(ctx context.Context, rel blockstore.RelID) (*Guard, bool, error) {
	return m.acquire(ctx, rel, PurposeDelete)
}

// WaitForMerge blocks until the merge lock is acquired or ctx is done.
func (m *Manager) WaitForMerge(ctx context.Context, rel blockstore.RelID) (*Guard, error) {
	backoff := minBackoff
	for {
		g, ok, err := m.try(ctx, rel, PurposeMerge)
		if err != nil {
			return nil, err
		}
		if ok {
			m.metrics.RecordMergeLock(string(PurposeMerge), true)
			m.logger.WithRelation(uint32(rel)).LogMergeLock(ctx, string(PurposeMerge), true)
			return g, nil
		}
		t := time.NewTimer(backoff)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
		backoff = min(backoff*2, maxBackoff)
	}
}
