package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/jnicholls/paradedb/blockstore"
	"github.com/jnicholls/paradedb/internal/buffer"
)

// Reserved blocks.
const (
	MetaBlock         blockstore.BlockNumber = 0
	CleanupLockBlock  blockstore.BlockNumber = 1
	MergeLockBlock    blockstore.BlockNumber = 2
	DeleteLockBlock   blockstore.BlockNumber = 3
	DirectoryStart    blockstore.BlockNumber = 4
	SegmentMetasStart blockstore.BlockNumber = 5

	firstFreeBlock = SegmentMetasStart + 1
)

const (
	metaMagic   = 0x50444249 // "PDBI"
	metaVersion = 1

	offMagic    = HeaderSize
	offVersion  = offMagic + 4
	offFreeHead = offVersion + 4
	offNFree    = offFreeHead + 4
)

// ErrAlreadyInitialized is returned by Init on a non-empty relation.
var ErrAlreadyInitialized = errors.New("relation already initialized")

// Init lays out the reserved blocks of an empty relation.
func Init(ctx context.Context, pool *buffer.Pool, rel blockstore.RelID) error {
	n, err := pool.NBlocks(ctx, rel)
	if err != nil {
		return err
	}
	if n != 0 {
		return ErrAlreadyInitialized
	}

	kinds := []Kind{KindMeta, KindLock, KindLock, KindLock, KindList, KindList}
	for i, kind := range kinds {
		b, err := pool.NewBuffer(ctx, rel, buffer.StrategyNormal)
		if err != nil {
			return err
		}
		if b.Block() != blockstore.BlockNumber(i) {
			b.Release()
			return fmt.Errorf("%w: reserved block %d landed at %s", ErrCorrupt, i, b.Block())
		}
		b.Lock()
		p := Page(b.Page())
		p.Init(kind)
		if kind == KindMeta {
			binary.LittleEndian.PutUint32(p[offMagic:], metaMagic)
			binary.LittleEndian.PutUint32(p[offVersion:], metaVersion)
			binary.LittleEndian.PutUint32(p[offFreeHead:], uint32(blockstore.InvalidBlock))
		}
		b.MarkDirty()
		b.UnlockRelease()
	}
	return pool.FlushRelation(ctx, rel)
}

// Allocator hands out and recycles pages of one relation.
type Allocator struct {
	pool *buffer.Pool
	rel  blockstore.RelID
}

// NewAllocator returns the allocator of rel.
func NewAllocator(pool *buffer.Pool, rel blockstore.RelID) *Allocator {
	return &Allocator{pool: pool, rel: rel}
}

// Pool returns the buffer pool.
func (a *Allocator) Pool() *buffer.Pool { return a.pool }

// Rel returns the relation.
func (a *Allocator) Rel() blockstore.RelID { return a.rel }

func (a *Allocator) lockMeta(ctx context.Context) (*buffer.Buffer, Page, error) {
	b, err := a.pool.ReadBuffer(ctx, a.rel, MetaBlock, buffer.StrategyNormal)
	if err != nil {
		return nil, nil, err
	}
	b.Lock()
	p := Page(b.Page())
	if err := expectKind(MetaBlock, p, KindMeta); err != nil {
		b.UnlockRelease()
		return nil, nil, err
	}
	if binary.LittleEndian.Uint32(p[offMagic:]) != metaMagic {
		b.UnlockRelease()
		return nil, nil, fmt.Errorf("%w: bad metapage magic", ErrCorrupt)
	}
	return b, p, nil
}

// Alloc returns an exclusively locked, pinned page initialized to kind.
// Pages come from the free list first and from relation extension otherwise.
func (a *Allocator) Alloc(ctx context.Context, kind Kind, strategy buffer.Strategy) (*buffer.Buffer, error) {
	meta, mp, err := a.lockMeta(ctx)
	if err != nil {
		return nil, err
	}
	defer meta.UnlockRelease()

	head := blockstore.BlockNumber(binary.LittleEndian.Uint32(mp[offFreeHead:]))
	if head == blockstore.InvalidBlock {
		b, err := a.pool.NewBuffer(ctx, a.rel, strategy)
		if err != nil {
			return nil, err
		}
		b.Lock()
		Page(b.Page()).Init(kind)
		b.MarkDirty()
		return b, nil
	}

	b, err := a.pool.ReadBuffer(ctx, a.rel, head, strategy)
	if err != nil {
		return nil, err
	}
	b.Lock()
	p := Page(b.Page())
	if err := expectKind(head, p, KindFree); err != nil {
		b.UnlockRelease()
		return nil, err
	}
	binary.LittleEndian.PutUint32(mp[offFreeHead:], uint32(p.Next()))
	binary.LittleEndian.PutUint32(mp[offNFree:], binary.LittleEndian.Uint32(mp[offNFree:])-1)
	meta.MarkDirty()

	p.Init(kind)
	b.MarkDirty()
	return b, nil
}

// Free pushes the page held exclusively in b onto the free list.
// b stays locked and pinned.
func (a *Allocator) Free(ctx context.Context, b *buffer.Buffer) error {
	if b.Block() < firstFreeBlock {
		return fmt.Errorf("%w: cannot free reserved block %s", ErrCorrupt, b.Block())
	}
	meta, mp, err := a.lockMeta(ctx)
	if err != nil {
		return err
	}
	defer meta.UnlockRelease()

	p := Page(b.Page())
	p.Init(KindFree)
	p.SetNext(blockstore.BlockNumber(binary.LittleEndian.Uint32(mp[offFreeHead:])))
	b.MarkDirty()

	binary.LittleEndian.PutUint32(mp[offFreeHead:], uint32(b.Block()))
	binary.LittleEndian.PutUint32(mp[offNFree:], binary.LittleEndian.Uint32(mp[offNFree:])+1)
	meta.MarkDirty()
	return nil
}

// FreeBlock frees blk.
func (a *Allocator) FreeBlock(ctx context.Context, blk blockstore.BlockNumber, strategy buffer.Strategy) error {
	b, err := a.pool.ReadBuffer(ctx, a.rel, blk, strategy)
	if err != nil {
		return err
	}
	b.Lock()
	defer b.UnlockRelease()
	return a.Free(ctx, b)
}

// Stats describes the space usage of a relation.
type Stats struct {
	Blocks     blockstore.BlockNumber
	FreeBlocks int
}

// RelationStats reports the relation size and free list length.
func (a *Allocator) RelationStats(ctx context.Context) (Stats, error) {
	n, err := a.pool.NBlocks(ctx, a.rel)
	if err != nil {
		return Stats{}, err
	}
	meta, err := a.pool.ReadBuffer(ctx, a.rel, MetaBlock, buffer.StrategyNormal)
	if err != nil {
		return Stats{}, err
	}
	meta.RLock()
	defer meta.RUnlockRelease()

	return Stats{
		Blocks:     n,
		FreeBlocks: int(binary.LittleEndian.Uint32(Page(meta.Page())[offNFree:])),
	}, nil
}
