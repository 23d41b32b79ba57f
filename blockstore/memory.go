package blockstore

import (
	"context"
	"sync"
)

// MemoryManager is an in-memory Manager implementation for testing.
// Thread-safe for concurrent reads and writes.
type MemoryManager struct {
	mu     sync.RWMutex
	rels   map[RelID][][]byte
	closed bool
}

// NewMemoryManager creates a new in-memory storage manager.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		rels: make(map[RelID][][]byte),
	}
}

func (m *MemoryManager) Create(_ context.Context, rel RelID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if _, ok := m.rels[rel]; !ok {
		m.rels[rel] = nil
	}
	return nil
}

func (m *MemoryManager) Exists(_ context.Context, rel RelID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.rels[rel]
	return ok, nil
}

func (m *MemoryManager) NBlocks(_ context.Context, rel RelID) (BlockNumber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	blocks, ok := m.rels[rel]
	if !ok {
		return 0, ErrNotFound
	}
	return BlockNumber(len(blocks)), nil
}

func (m *MemoryManager) ReadBlock(_ context.Context, rel RelID, blk BlockNumber, buf []byte) error {
	if err := checkBlock(buf); err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	blocks, ok := m.rels[rel]
	if !ok {
		return ErrNotFound
	}
	if int(blk) >= len(blocks) {
		return ErrBlockOutOfRange
	}
	copy(buf, blocks[blk])
	return nil
}

func (m *MemoryManager) WriteBlock(_ context.Context, rel RelID, blk BlockNumber, buf []byte) error {
	if err := checkBlock(buf); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	blocks, ok := m.rels[rel]
	if !ok {
		return ErrNotFound
	}
	if int(blk) >= len(blocks) {
		return ErrBlockOutOfRange
	}
	// Copy to prevent external mutation
	copy(blocks[blk], buf)
	return nil
}

func (m *MemoryManager) Extend(_ context.Context, rel RelID, buf []byte) (BlockNumber, error) {
	if err := checkBlock(buf); err != nil {
		return InvalidBlock, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return InvalidBlock, ErrClosed
	}
	blocks, ok := m.rels[rel]
	if !ok {
		return InvalidBlock, ErrNotFound
	}
	copied := make([]byte, BlockSize)
	copy(copied, buf)
	m.rels[rel] = append(blocks, copied)
	return BlockNumber(len(blocks)), nil
}

func (m *MemoryManager) Sync(context.Context, RelID) error { return nil }

func (m *MemoryManager) Drop(_ context.Context, rel RelID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.rels, rel)
	return nil
}

func (m *MemoryManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}
