package blockstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// BlobStore is an abstraction for object storage holding one object per block.
type BlobStore interface {
	// Get returns the content of a blob, or an error satisfying errors.Is(err, ErrNotFound).
	Get(ctx context.Context, key string) ([]byte, error)
	// Put writes a blob atomically.
	Put(ctx context.Context, key string, data []byte) error
	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, key string) error
	// List returns the keys with the given prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// SizeRegister stores the block count of each relation and serializes
// relation extension across processes.
type SizeRegister interface {
	// Load returns the block count, or ErrNotFound if the relation does not exist.
	Load(ctx context.Context, rel RelID) (BlockNumber, error)
	// CompareAndSwap sets the block count to next if it currently is old.
	// An old value of InvalidBlock creates the relation.
	CompareAndSwap(ctx context.Context, rel RelID, old, next BlockNumber) (bool, error)
	Delete(ctx context.Context, rel RelID) error
}

// BlobManager implements Manager on top of a BlobStore and a SizeRegister.
//
// Extension first reserves the block number in the register and then uploads
// the block; a reserved block whose upload never happened reads as zeroes.
type BlobManager struct {
	store BlobStore
	sizes SizeRegister
}

// NewBlobManager creates a blob-backed storage manager.
func NewBlobManager(store BlobStore, sizes SizeRegister) *BlobManager {
	return &BlobManager{store: store, sizes: sizes}
}

func blockKey(rel RelID, blk BlockNumber) string {
	return fmt.Sprintf("%d/%010d", uint32(rel), uint32(blk))
}

func relPrefix(rel RelID) string {
	return fmt.Sprintf("%d/", uint32(rel))
}

func (m *BlobManager) Create(ctx context.Context, rel RelID) error {
	_, err := m.sizes.CompareAndSwap(ctx, rel, InvalidBlock, 0)
	return err
}

func (m *BlobManager) Exists(ctx context.Context, rel RelID) (bool, error) {
	_, err := m.sizes.Load(ctx, rel)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (m *BlobManager) NBlocks(ctx context.Context, rel RelID) (BlockNumber, error) {
	return m.sizes.Load(ctx, rel)
}

func (m *BlobManager) inRange(ctx context.Context, rel RelID, blk BlockNumber) error {
	n, err := m.sizes.Load(ctx, rel)
	if err != nil {
		return err
	}
	if blk >= n {
		return ErrBlockOutOfRange
	}
	return nil
}

func (m *BlobManager) ReadBlock(ctx context.Context, rel RelID, blk BlockNumber, buf []byte) error {
	if err := checkBlock(buf); err != nil {
		return err
	}
	if err := m.inRange(ctx, rel, blk); err != nil {
		return err
	}

	data, err := m.store.Get(ctx, blockKey(rel, blk))
	if errors.Is(err, ErrNotFound) {
		clear(buf)
		return nil
	}
	if err != nil {
		return err
	}
	if len(data) != BlockSize {
		return fmt.Errorf("%w: blob %s has %d bytes", ErrBadBlockSize, blockKey(rel, blk), len(data))
	}
	copy(buf, data)
	return nil
}

func (m *BlobManager) WriteBlock(ctx context.Context, rel RelID, blk BlockNumber, buf []byte) error {
	if err := checkBlock(buf); err != nil {
		return err
	}
	if err := m.inRange(ctx, rel, blk); err != nil {
		return err
	}
	return m.store.Put(ctx, blockKey(rel, blk), buf)
}

func (m *BlobManager) Extend(ctx context.Context, rel RelID, buf []byte) (BlockNumber, error) {
	if err := checkBlock(buf); err != nil {
		return InvalidBlock, err
	}
	for {
		if err := ctx.Err(); err != nil {
			return InvalidBlock, err
		}
		n, err := m.sizes.Load(ctx, rel)
		if err != nil {
			return InvalidBlock, err
		}
		ok, err := m.sizes.CompareAndSwap(ctx, rel, n, n+1)
		if err != nil {
			return InvalidBlock, err
		}
		if !ok {
			continue
		}
		if err := m.store.Put(ctx, blockKey(rel, n), buf); err != nil {
			return InvalidBlock, err
		}
		return n, nil
	}
}

// Sync is a no-op: every Put is durable once it returns.
func (m *BlobManager) Sync(context.Context, RelID) error { return nil }

func (m *BlobManager) Drop(ctx context.Context, rel RelID) error {
	keys, err := m.store.List(ctx, relPrefix(rel))
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := m.store.Delete(ctx, key); err != nil {
			return err
		}
	}
	return m.sizes.Delete(ctx, rel)
}

func (m *BlobManager) Close() error { return nil }

// MemoryBlobStore is an in-memory BlobStore implementation for testing.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryBlobStore creates a new in-memory blob store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

func (s *MemoryBlobStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	copied := make([]byte, len(data))
	copy(copied, data)
	return copied, nil
}

func (s *MemoryBlobStore) Put(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := make([]byte, len(data))
	copy(copied, data)
	s.blobs[key] = copied
	return nil
}

func (s *MemoryBlobStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.blobs, key)
	return nil
}

func (s *MemoryBlobStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for key := range s.blobs {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// MemorySizeRegister is an in-process SizeRegister.
type MemorySizeRegister struct {
	mu    sync.Mutex
	sizes map[RelID]BlockNumber
}

// NewMemorySizeRegister creates an empty register.
func NewMemorySizeRegister() *MemorySizeRegister {
	return &MemorySizeRegister{sizes: make(map[RelID]BlockNumber)}
}

func (r *MemorySizeRegister) Load(_ context.Context, rel RelID) (BlockNumber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.sizes[rel]
	if !ok {
		return 0, ErrNotFound
	}
	return n, nil
}

func (r *MemorySizeRegister) CompareAndSwap(_ context.Context, rel RelID, old, next BlockNumber) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.sizes[rel]
	switch {
	case old == InvalidBlock && ok:
		return false, nil
	case old != InvalidBlock && (!ok || cur != old):
		return false, nil
	}
	r.sizes[rel] = next
	return true, nil
}

func (r *MemorySizeRegister) Delete(_ context.Context, rel RelID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sizes, rel)
	return nil
}
