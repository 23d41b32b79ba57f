package buffer

import (
	"context"

	"github.com/jnicholls/paradedb/blockstore"
)

// Buffer is a pinned block. Page contents may only be read under a shared or
// exclusive content lock and modified under an exclusive one.
type Buffer struct {
	pool     *Pool
	f        *frame
	released bool
}

// Block returns the block number held by the buffer.
func (b *Buffer) Block() blockstore.BlockNumber { return b.f.tag.Block }

// Rel returns the relation of the block.
func (b *Buffer) Rel() blockstore.RelID { return b.f.tag.Rel }

// Page returns the page bytes. The first ChecksumSize bytes belong to the pool.
func (b *Buffer) Page() []byte { return b.f.data }

// MarkDirty schedules the page for write-back. Requires the exclusive lock.
func (b *Buffer) MarkDirty() { b.f.dirty.Store(true) }

func (b *Buffer) Lock()    { b.f.content.Lock() }
func (b *Buffer) Unlock()  { b.f.content.Unlock() }
func (b *Buffer) RLock()   { b.f.content.RLock() }
func (b *Buffer) RUnlock() { b.f.content.RUnlock() }

// TryLock attempts the exclusive content lock without blocking.
func (b *Buffer) TryLock() bool { return b.f.content.TryLock() }

// TryRLock attempts the shared content lock without blocking.
func (b *Buffer) TryRLock() bool { return b.f.content.TryRLock() }

// Release drops the pin. Releasing twice is a no-op.
func (b *Buffer) Release() {
	if b.released {
		return
	}
	b.released = true
	b.pool.unpin(b.f)
}

// UnlockRelease drops the exclusive lock and the pin.
func (b *Buffer) UnlockRelease() {
	b.Unlock()
	b.Release()
}

// RUnlockRelease drops the shared lock and the pin.
func (b *Buffer) RUnlockRelease() {
	b.RUnlock()
	b.Release()
}

// LockForCleanup takes the exclusive content lock once the caller's pin is
// the only one on the block. It blocks until concurrent pins are dropped or
// ctx is done.
func (b *Buffer) LockForCleanup(ctx context.Context) error {
	p := b.pool
	for {
		b.Lock()
		p.mu.Lock()
		if b.f.pins == 1 {
			p.mu.Unlock()
			return nil
		}
		if b.f.cleanupQ == nil {
			b.f.cleanupQ = make(chan struct{})
		}
		wait := b.f.cleanupQ
		p.mu.Unlock()
		b.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
