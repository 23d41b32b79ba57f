package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/jnicholls/paradedb/blockstore"
	"github.com/jnicholls/paradedb/internal/buffer"
)

// ErrItemTooLarge is returned when an encoded item does not fit on one page.
var ErrItemTooLarge = errors.New("list item larger than a page")

const itemLenSize = 2

// Codec converts list items to and from their on-page encoding.
type Codec[T any] struct {
	Encode func(T) []byte
	Decode func([]byte) (T, error)
}

// LinkedItemList is a persisted append-only list of items spread over a chain
// of list pages starting at a fixed block.
type LinkedItemList[T any] struct {
	alloc *Allocator
	start blockstore.BlockNumber
	codec Codec[T]
}

// NewLinkedItemList opens the list whose first page is start.
func NewLinkedItemList[T any](alloc *Allocator, start blockstore.BlockNumber, codec Codec[T]) *LinkedItemList[T] {
	return &LinkedItemList[T]{alloc: alloc, start: start, codec: codec}
}

func pageItems(p Page) ([][]byte, error) {
	items := make([][]byte, 0, p.Count())
	payload := p.Payload()
	off := 0
	for range p.Count() {
		if off+itemLenSize > p.Used() {
			return nil, fmt.Errorf("%w: truncated list item", ErrCorrupt)
		}
		n := int(binary.LittleEndian.Uint16(payload[off:]))
		off += itemLenSize
		if off+n > p.Used() {
			return nil, fmt.Errorf("%w: truncated list item", ErrCorrupt)
		}
		items = append(items, payload[off:off+n])
		off += n
	}
	return items, nil
}

func appendItem(p Page, raw []byte) bool {
	used := p.Used()
	if used+itemLenSize+len(raw) > PageCapacity {
		return false
	}
	payload := p.Payload()
	binary.LittleEndian.PutUint16(payload[used:], uint16(len(raw)))
	copy(payload[used+itemLenSize:], raw)
	p.SetUsed(used + itemLenSize + len(raw))
	p.SetCount(p.Count() + 1)
	return true
}

func rewriteItems(p Page, items [][]byte) {
	// items may alias the payload; copy them out first.
	saved := make([][]byte, len(items))
	for i, it := range items {
		saved[i] = append([]byte(nil), it...)
	}
	next := p.Next()
	flags := p.Flags()
	p.Init(KindList)
	p.SetNext(next)
	p.SetFlags(flags)
	for _, it := range saved {
		appendItem(p, it)
	}
}

func (l *LinkedItemList[T]) read(ctx context.Context, blk blockstore.BlockNumber, exclusive bool, strategy buffer.Strategy) (*buffer.Buffer, Page, error) {
	b, err := l.alloc.pool.ReadBuffer(ctx, l.alloc.rel, blk, strategy)
	if err != nil {
		return nil, nil, err
	}
	if exclusive {
		b.Lock()
	} else {
		b.RLock()
	}
	p := Page(b.Page())
	if err := expectKind(blk, p, KindList); err != nil {
		unlockRelease(b, exclusive)
		return nil, nil, err
	}
	return b, p, nil
}

func unlockRelease(b *buffer.Buffer, exclusive bool) {
	if exclusive {
		b.UnlockRelease()
	} else {
		b.RUnlockRelease()
	}
}

// walk visits every page hand over hand. The visited page stays locked until
// the next one is locked.
func (l *LinkedItemList[T]) walk(ctx context.Context, exclusive bool, strategy buffer.Strategy, visit func(b *buffer.Buffer, p Page) error) error {
	var prev *buffer.Buffer
	defer func() {
		if prev != nil {
			unlockRelease(prev, exclusive)
		}
	}()

	for blk := l.start; blk != blockstore.InvalidBlock; {
		if err := ctx.Err(); err != nil {
			return err
		}
		b, p, err := l.read(ctx, blk, exclusive, strategy)
		if err != nil {
			return err
		}
		if prev != nil {
			unlockRelease(prev, exclusive)
		}
		prev = b
		if err := visit(b, p); err != nil {
			return err
		}
		blk = p.Next()
	}
	return nil
}

// Add appends items at the tail of the list.
func (l *LinkedItemList[T]) Add(ctx context.Context, items ...T) error {
	raws := make([][]byte, len(items))
	for i, it := range items {
		raws[i] = l.codec.Encode(it)
		if itemLenSize+len(raws[i]) > PageCapacity {
			return ErrItemTooLarge
		}
	}

	var tail *buffer.Buffer
	for blk := l.start; blk != blockstore.InvalidBlock; {
		b, p, err := l.read(ctx, blk, true, buffer.StrategyNormal)
		if err != nil {
			if tail != nil {
				tail.UnlockRelease()
			}
			return err
		}
		if tail != nil {
			tail.UnlockRelease()
		}
		tail = b
		blk = p.Next()
	}

	for _, raw := range raws {
		p := Page(tail.Page())
		if appendItem(p, raw) {
			tail.MarkDirty()
			continue
		}
		nb, err := l.alloc.Alloc(ctx, KindList, buffer.StrategyNormal)
		if err != nil {
			tail.UnlockRelease()
			return err
		}
		p.SetNext(nb.Block())
		tail.MarkDirty()
		tail.UnlockRelease()
		tail = nb
		appendItem(Page(tail.Page()), raw)
		tail.MarkDirty()
	}
	tail.UnlockRelease()
	return nil
}

// List returns every item accepted by keep (all items if keep is nil).
func (l *LinkedItemList[T]) List(ctx context.Context, strategy buffer.Strategy, keep func(T) bool) ([]T, error) {
	var out []T
	err := l.walk(ctx, false, strategy, func(b *buffer.Buffer, p Page) error {
		raws, err := pageItems(p)
		if err != nil {
			return err
		}
		for _, raw := range raws {
			it, err := l.codec.Decode(raw)
			if err != nil {
				return fmt.Errorf("decode item on block %s: %w", b.Block(), err)
			}
			if keep == nil || keep(it) {
				out = append(out, it)
			}
		}
		return nil
	})
	return out, err
}

// Update calls fn for every item under an exclusive page lock. Items changed
// by fn are written back in place and must keep their encoded size.
func (l *LinkedItemList[T]) Update(ctx context.Context, fn func(*T) (bool, error)) (int, error) {
	updated := 0
	err := l.walk(ctx, true, buffer.StrategyNormal, func(b *buffer.Buffer, p Page) error {
		raws, err := pageItems(p)
		if err != nil {
			return err
		}
		for _, raw := range raws {
			it, err := l.codec.Decode(raw)
			if err != nil {
				return err
			}
			changed, err := fn(&it)
			if err != nil {
				return err
			}
			if !changed {
				continue
			}
			enc := l.codec.Encode(it)
			if len(enc) != len(raw) {
				return fmt.Errorf("%w: in-place update changed item size", ErrCorrupt)
			}
			copy(raw, enc)
			b.MarkDirty()
			updated++
		}
		return nil
	})
	return updated, err
}

// GCOptions tune a garbage collection pass.
type GCOptions struct {
	// Strategy is the buffer access strategy for the scan.
	Strategy buffer.Strategy
	// Throttle is called before each page is visited.
	Throttle func(ctx context.Context, bytes int) error
}

// GCStats summarizes a garbage collection pass.
type GCStats struct {
	Examined   int
	Removed    int
	PagesFreed int
}

// GarbageCollect removes every item for which isDead returns true, calling
// onRemove for each after the item is gone from its page. Emptied pages other
// than the first and the last are unlinked and returned to the free list.
func (l *LinkedItemList[T]) GarbageCollect(ctx context.Context, opts GCOptions, isDead func(T) bool, onRemove func(T) error) (GCStats, error) {
	var (
		stats GCStats
		prev  *buffer.Buffer
	)
	defer func() {
		if prev != nil {
			prev.UnlockRelease()
		}
	}()

	for blk := l.start; blk != blockstore.InvalidBlock; {
		if opts.Throttle != nil {
			if err := opts.Throttle(ctx, blockstore.BlockSize); err != nil {
				return stats, err
			}
		}
		cur, p, err := l.read(ctx, blk, true, opts.Strategy)
		if err != nil {
			return stats, err
		}

		raws, err := pageItems(p)
		if err != nil {
			cur.UnlockRelease()
			return stats, err
		}
		kept := raws[:0:0]
		var dead []T
		for _, raw := range raws {
			it, err := l.codec.Decode(raw)
			if err != nil {
				cur.UnlockRelease()
				return stats, err
			}
			stats.Examined++
			if isDead(it) {
				dead = append(dead, it)
			} else {
				kept = append(kept, raw)
			}
		}
		if len(dead) > 0 {
			rewriteItems(p, kept)
			cur.MarkDirty()
			stats.Removed += len(dead)
		}
		for _, it := range dead {
			if onRemove == nil {
				break
			}
			if err := onRemove(it); err != nil {
				cur.UnlockRelease()
				return stats, err
			}
		}

		next := p.Next()
		if prev != nil && p.Count() == 0 && next != blockstore.InvalidBlock {
			Page(prev.Page()).SetNext(next)
			prev.MarkDirty()
			err := l.alloc.Free(ctx, cur)
			cur.UnlockRelease()
			if err != nil {
				return stats, err
			}
			stats.PagesFreed++
			blk = next
			continue
		}

		if prev != nil {
			prev.UnlockRelease()
		}
		prev = cur
		blk = next
	}
	return stats, nil
}
