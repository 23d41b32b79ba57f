package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/jnicholls/paradedb/blockstore"
	"github.com/jnicholls/paradedb/internal/buffer"
)

// ChainWriter streams bytes into a new chain of data pages. No page lock is
// held between calls.
type ChainWriter struct {
	alloc    *Allocator
	strategy buffer.Strategy
	start    blockstore.BlockNumber
	last     blockstore.BlockNumber
	pending  []byte
	length   uint64
	closed   bool
}

// NewChainWriter starts an empty chain.
func NewChainWriter(alloc *Allocator, strategy buffer.Strategy) *ChainWriter {
	return &ChainWriter{
		alloc:    alloc,
		strategy: strategy,
		start:    blockstore.InvalidBlock,
		last:     blockstore.InvalidBlock,
		pending:  make([]byte, 0, PageCapacity),
	}
}

// Write buffers p, writing out every page that fills up.
func (w *ChainWriter) Write(ctx context.Context, p []byte) error {
	if w.closed {
		return io.ErrClosedPipe
	}
	for len(p) > 0 {
		if len(w.pending) == PageCapacity {
			if err := w.flushPage(ctx); err != nil {
				return err
			}
		}
		n := min(PageCapacity-len(w.pending), len(p))
		w.pending = append(w.pending, p[:n]...)
		w.length += uint64(n)
		p = p[n:]
	}
	return nil
}

func (w *ChainWriter) flushPage(ctx context.Context) error {
	b, err := w.alloc.Alloc(ctx, KindData, w.strategy)
	if err != nil {
		return err
	}
	p := Page(b.Page())
	copy(p.Payload(), w.pending)
	p.SetUsed(len(w.pending))
	b.MarkDirty()
	blk := b.Block()
	b.UnlockRelease()

	if w.last == blockstore.InvalidBlock {
		w.start = blk
	} else {
		prev, err := w.alloc.pool.ReadBuffer(ctx, w.alloc.rel, w.last, w.strategy)
		if err != nil {
			return err
		}
		prev.Lock()
		Page(prev.Page()).SetNext(blk)
		prev.MarkDirty()
		prev.UnlockRelease()
	}
	w.last = blk
	w.pending = w.pending[:0]
	return nil
}

// Close writes the final page and returns the chain start and byte length.
// An empty chain has no pages and starts at InvalidBlock.
func (w *ChainWriter) Close(ctx context.Context) (blockstore.BlockNumber, uint64, error) {
	if w.closed {
		return w.start, w.length, nil
	}
	w.closed = true
	if len(w.pending) > 0 {
		if err := w.flushPage(ctx); err != nil {
			return blockstore.InvalidBlock, 0, err
		}
	}
	return w.start, w.length, nil
}

// Abandon returns the pages written so far to the free list.
func (w *ChainWriter) Abandon(ctx context.Context) error {
	w.closed = true
	return FreeChain(ctx, w.alloc, w.start, w.strategy)
}

// ChainReader reads a chain written by ChainWriter.
type ChainReader struct {
	alloc    *Allocator
	strategy buffer.Strategy
	blocks   []blockstore.BlockNumber
	length   uint64
}

// OpenChain resolves the pages of the chain starting at start.
func OpenChain(ctx context.Context, alloc *Allocator, start blockstore.BlockNumber, length uint64, strategy buffer.Strategy) (*ChainReader, error) {
	r := &ChainReader{alloc: alloc, strategy: strategy, length: length}

	var total uint64
	for blk := start; blk != blockstore.InvalidBlock; {
		b, err := alloc.pool.ReadBuffer(ctx, alloc.rel, blk, strategy)
		if err != nil {
			return nil, err
		}
		b.RLock()
		p := Page(b.Page())
		if err := expectKind(blk, p, KindData); err != nil {
			b.RUnlockRelease()
			return nil, err
		}
		r.blocks = append(r.blocks, blk)
		total += uint64(p.Used())
		blk = p.Next()
		b.RUnlockRelease()
	}
	if total != length {
		return nil, fmt.Errorf("%w: chain at %s holds %d bytes, want %d", ErrCorrupt, start, total, length)
	}
	return r, nil
}

// Len returns the chain length in bytes.
func (r *ChainReader) Len() uint64 { return r.length }

// ReadAt fills p from offset off. It returns io.EOF if p extends past the end.
func (r *ChainReader) ReadAt(ctx context.Context, p []byte, off uint64) (int, error) {
	if off >= r.length {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := 0
	for n < len(p) && off < r.length {
		idx := off / PageCapacity
		inPage := int(off % PageCapacity)

		b, err := r.alloc.pool.ReadBuffer(ctx, r.alloc.rel, r.blocks[idx], r.strategy)
		if err != nil {
			return n, err
		}
		b.RLock()
		page := Page(b.Page())
		c := copy(p[n:], page.Payload()[inPage:page.Used()])
		b.RUnlockRelease()

		n += c
		off += uint64(c)
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// FreeChain returns every page of the chain starting at start to the free list.
func FreeChain(ctx context.Context, alloc *Allocator, start blockstore.BlockNumber, strategy buffer.Strategy) error {
	for blk := start; blk != blockstore.InvalidBlock; {
		b, err := alloc.pool.ReadBuffer(ctx, alloc.rel, blk, strategy)
		if err != nil {
			return err
		}
		b.Lock()
		p := Page(b.Page())
		if err := expectKind(blk, p, KindData); err != nil {
			b.UnlockRelease()
			return err
		}
		next := p.Next()
		err = alloc.Free(ctx, b)
		b.UnlockRelease()
		if err != nil {
			return err
		}
		blk = next
	}
	return nil
}
