package buffer

import (
	"container/list"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"
	"sync/atomic"

	"github.com/jnicholls/paradedb/blockstore"
	"github.com/jnicholls/paradedb/internal/resource"
)

// ChecksumSize is the number of leading page bytes reserved for the checksum.
const ChecksumSize = 4

// DefaultCapacity is the default number of frames in a pool.
const DefaultCapacity = 1024

var (
	// ErrNoFreeBuffers is returned when every frame is pinned.
	ErrNoFreeBuffers = errors.New("no unpinned buffers available")

	// ErrChecksum is returned when a block read from storage fails verification.
	ErrChecksum = errors.New("page checksum mismatch")
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Tag identifies the block held by a frame.
type Tag struct {
	Rel   blockstore.RelID
	Block blockstore.BlockNumber
}

func (t Tag) String() string {
	return fmt.Sprintf("%d/%s", uint32(t.Rel), t.Block)
}

type frame struct {
	tag     Tag
	data    []byte
	content sync.RWMutex
	dirty   atomic.Bool

	// Guarded by Pool.mu.
	pins     int
	ring     Strategy
	elem     *list.Element
	loading  chan struct{}
	loadErr  error
	cleanupQ chan struct{}
}

// Stats are cumulative pool counters.
type Stats struct {
	Hits      int64
	Reads     int64
	Writes    int64
	Evictions int64
}

// Pool is a fixed-capacity buffer pool.
type Pool struct {
	smgr     blockstore.Manager
	capacity int
	ringSize int
	rc       *resource.Controller

	mu       sync.Mutex
	frames   map[Tag]*frame
	free     map[Strategy]*list.List // unpinned frames per ring, front = least recently used
	ringUsed map[Strategy]int

	hits, reads, writes, evictions atomic.Int64
}

// Option configures a Pool.
type Option func(*Pool)

// WithCapacity sets the number of frames.
func WithCapacity(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.capacity = n
		}
	}
}

// WithRingSize sets how many frames a bulk strategy may occupy.
func WithRingSize(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.ringSize = n
		}
	}
}

// WithResourceController charges frame memory against rc.
func WithResourceController(rc *resource.Controller) Option {
	return func(p *Pool) {
		p.rc = rc
	}
}

// NewPool creates a buffer pool over smgr.
func NewPool(smgr blockstore.Manager, opts ...Option) *Pool {
	p := &Pool{
		smgr:     smgr,
		capacity: DefaultCapacity,
		ringSize: DefaultRingSize,
		frames:   make(map[Tag]*frame),
		free:     make(map[Strategy]*list.List),
		ringUsed: make(map[Strategy]int),
	}
	for _, opt := range opts {
		opt(p)
	}
	for _, s := range []Strategy{StrategyNormal, StrategyBulkRead, StrategyVacuum} {
		p.free[s] = list.New()
	}
	return p
}

// Storage returns the underlying storage manager.
func (p *Pool) Storage() blockstore.Manager { return p.smgr }

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Hits:      p.hits.Load(),
		Reads:     p.reads.Load(),
		Writes:    p.writes.Load(),
		Evictions: p.evictions.Load(),
	}
}

// ReadBuffer pins the given block, reading it from storage if needed.
// The returned Buffer must be released.
func (p *Pool) ReadBuffer(ctx context.Context, rel blockstore.RelID, blk blockstore.BlockNumber, strategy Strategy) (*Buffer, error) {
	tag := Tag{Rel: rel, Block: blk}

	p.mu.Lock()
	if f, ok := p.frames[tag]; ok {
		p.pinLocked(f)
		loading := f.loading
		p.mu.Unlock()
		p.hits.Add(1)

		if loading != nil {
			select {
			case <-loading:
			case <-ctx.Done():
				p.unpin(f)
				return nil, ctx.Err()
			}
			p.mu.Lock()
			err := f.loadErr
			p.mu.Unlock()
			if err != nil {
				p.unpin(f)
				return nil, err
			}
		}
		return &Buffer{pool: p, f: f}, nil
	}

	f, err := p.allocLocked(tag, strategy)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	f.loading = make(chan struct{})
	p.mu.Unlock()

	p.reads.Add(1)
	err = p.smgr.ReadBlock(ctx, rel, blk, f.data)
	if err == nil {
		err = verify(tag, f.data)
	}

	p.mu.Lock()
	close(f.loading)
	f.loading = nil
	f.loadErr = err
	if err != nil {
		// Other waiters hold pins and observe loadErr; the frame is dropped once
		// they are gone.
		delete(p.frames, tag)
	}
	p.mu.Unlock()

	if err != nil {
		p.unpin(f)
		return nil, fmt.Errorf("read block %s: %w", tag, err)
	}
	return &Buffer{pool: p, f: f}, nil
}

// NewBuffer extends rel by one zeroed block and returns it pinned.
func (p *Pool) NewBuffer(ctx context.Context, rel blockstore.RelID, strategy Strategy) (*Buffer, error) {
	zero := make([]byte, blockstore.BlockSize)
	blk, err := p.smgr.Extend(ctx, rel, zero)
	if err != nil {
		return nil, fmt.Errorf("extend relation %d: %w", uint32(rel), err)
	}

	tag := Tag{Rel: rel, Block: blk}
	p.mu.Lock()
	defer p.mu.Unlock()

	if f, ok := p.frames[tag]; ok {
		// Stale frame of a dropped and recreated relation.
		p.pinLocked(f)
		clear(f.data)
		return &Buffer{pool: p, f: f}, nil
	}
	f, err := p.allocLocked(tag, strategy)
	if err != nil {
		return nil, err
	}
	return &Buffer{pool: p, f: f}, nil
}

// NBlocks returns the current size of rel.
func (p *Pool) NBlocks(ctx context.Context, rel blockstore.RelID) (blockstore.BlockNumber, error) {
	return p.smgr.NBlocks(ctx, rel)
}

func (p *Pool) pinLocked(f *frame) {
	if f.pins == 0 && f.elem != nil {
		p.free[f.ring].Remove(f.elem)
		f.elem = nil
	}
	f.pins++
}

func (p *Pool) unpin(f *frame) {
	p.mu.Lock()
	defer p.mu.Unlock()

	f.pins--
	switch {
	case f.pins == 1 && f.cleanupQ != nil:
		close(f.cleanupQ)
		f.cleanupQ = nil
	case f.pins == 0:
		if _, ok := p.frames[f.tag]; !ok {
			p.releaseFrameLocked(f)
			return
		}
		f.elem = p.free[f.ring].PushBack(f)
	}
}

// allocLocked returns a pinned frame for tag, evicting a victim if needed.
func (p *Pool) allocLocked(tag Tag, strategy Strategy) (*frame, error) {
	var f *frame

	if strategy != StrategyNormal && p.ringUsed[strategy] >= p.ringSize {
		f = p.evictLocked(p.free[strategy])
	}
	if f == nil && len(p.frames) < p.capacity && p.chargeLocked() {
		f = &frame{data: make([]byte, blockstore.BlockSize)}
	}
	if f == nil {
		f = p.evictLocked(p.free[StrategyNormal])
	}
	if f == nil {
		f = p.evictLocked(p.free[StrategyBulkRead])
	}
	if f == nil {
		f = p.evictLocked(p.free[StrategyVacuum])
	}
	if f == nil {
		return nil, ErrNoFreeBuffers
	}

	if f.ring != StrategyNormal {
		p.ringUsed[f.ring]--
	}
	f.tag = tag
	f.ring = strategy
	f.pins = 1
	f.loadErr = nil
	f.dirty.Store(false)
	clear(f.data)
	if strategy != StrategyNormal {
		p.ringUsed[strategy]++
	}
	p.frames[tag] = f
	return f, nil
}

func (p *Pool) chargeLocked() bool {
	return p.rc == nil || p.rc.TryAcquireMemory(blockstore.BlockSize)
}

func (p *Pool) releaseFrameLocked(f *frame) {
	if f.ring != StrategyNormal {
		p.ringUsed[f.ring]--
	}
	if p.rc != nil {
		p.rc.ReleaseMemory(blockstore.BlockSize)
	}
}

// evictLocked detaches the least recently used frame of l, writing it back
// first if dirty. Frames whose write-back fails stay cached.
func (p *Pool) evictLocked(l *list.List) *frame {
	for e := l.Front(); e != nil; e = e.Next() {
		f := e.Value.(*frame)
		if f.dirty.Load() {
			if err := p.writeBack(context.Background(), f); err != nil {
				continue
			}
		}
		l.Remove(e)
		f.elem = nil
		delete(p.frames, f.tag)
		p.evictions.Add(1)
		return f
	}
	return nil
}

// writeBack stamps and writes an image of f. The caller holds a pin or p.mu on
// an unpinned frame.
func (p *Pool) writeBack(ctx context.Context, f *frame) error {
	img := make([]byte, blockstore.BlockSize)
	f.content.RLock()
	copy(img, f.data)
	f.dirty.Store(false)
	f.content.RUnlock()

	stamp(img)
	if err := p.smgr.WriteBlock(ctx, f.tag.Rel, f.tag.Block, img); err != nil {
		f.dirty.Store(true)
		return err
	}
	p.writes.Add(1)
	return nil
}

// FlushRelation writes every dirty frame of rel back and syncs the relation.
// The caller must not hold a content lock on a dirty block of rel.
func (p *Pool) FlushRelation(ctx context.Context, rel blockstore.RelID) error {
	p.mu.Lock()
	var dirty []*frame
	for tag, f := range p.frames {
		if tag.Rel == rel && f.loading == nil && f.dirty.Load() {
			p.pinLocked(f)
			dirty = append(dirty, f)
		}
	}
	p.mu.Unlock()

	var errs []error
	for _, f := range dirty {
		errs = append(errs, p.writeBack(ctx, f))
		p.unpin(f)
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	return p.smgr.Sync(ctx, rel)
}

// DropRelation forgets all cached frames of rel without writing them back.
func (p *Pool) DropRelation(rel blockstore.RelID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for tag, f := range p.frames {
		if tag.Rel != rel {
			continue
		}
		delete(p.frames, tag)
		if f.pins == 0 {
			if f.elem != nil {
				p.free[f.ring].Remove(f.elem)
				f.elem = nil
			}
			p.releaseFrameLocked(f)
		}
	}
}

// Close flushes every dirty frame.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	rels := make(map[blockstore.RelID]struct{})
	for tag := range p.frames {
		rels[tag.Rel] = struct{}{}
	}
	p.mu.Unlock()

	var errs []error
	for rel := range rels {
		errs = append(errs, p.FlushRelation(ctx, rel))
	}
	return errors.Join(errs...)
}

func stamp(page []byte) {
	binary.LittleEndian.PutUint32(page[:ChecksumSize], crc32.Checksum(page[ChecksumSize:], castagnoli))
}

func verify(tag Tag, page []byte) error {
	want := binary.LittleEndian.Uint32(page[:ChecksumSize])
	got := crc32.Checksum(page[ChecksumSize:], castagnoli)
	if want == got {
		return nil
	}
	// Freshly extended blocks are all zeroes and have never been stamped.
	if want == 0 && isZero(page) {
		return nil
	}
	return fmt.Errorf("%w: block %s", ErrChecksum, tag)
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
