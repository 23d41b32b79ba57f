package blockstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jnicholls/paradedb/internal/fs"
)

// FileManager implements Manager with one file per relation in a local data
// directory. The directory is locked for exclusive use by one process.
type FileManager struct {
	root string
	fsys fs.FileSystem

	mu     sync.Mutex
	rels   map[RelID]*relFile
	unlock func() error
	closed bool
}

type relFile struct {
	mu      sync.RWMutex
	f       fs.File
	nblocks BlockNumber
}

// FileOption configures a FileManager.
type FileOption func(*FileManager)

// WithFileSystem replaces the file system used by the manager (fault injection in tests).
func WithFileSystem(fsys fs.FileSystem) FileOption {
	return func(m *FileManager) {
		m.fsys = fsys
	}
}

// NewFileManager opens (creating if needed) the data directory root.
func NewFileManager(root string, opts ...FileOption) (*FileManager, error) {
	m := &FileManager{
		root: root,
		fsys: fs.Default,
		rels: make(map[RelID]*relFile),
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := m.fsys.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	unlock, err := lockDir(filepath.Join(root, "LOCK"))
	if err != nil {
		return nil, fmt.Errorf("lock data directory %s: %w", root, err)
	}
	m.unlock = unlock
	return m, nil
}

func (m *FileManager) path(rel RelID) string {
	return filepath.Join(m.root, fmt.Sprintf("%d", uint32(rel)))
}

// open returns the open file of rel, opening it on first use.
func (m *FileManager) open(rel RelID, create bool) (*relFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if rf, ok := m.rels[rel]; ok {
		return rf, nil
	}

	flag := os.O_RDWR
	if create {
		flag |= os.O_CREATE
	}
	f, err := m.fsys.OpenFile(m.path(rel), flag, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	// A torn trailing block from a crashed extend is ignored.
	rf := &relFile{f: f, nblocks: BlockNumber(st.Size() / BlockSize)}
	m.rels[rel] = rf
	return rf, nil
}

func (m *FileManager) Create(_ context.Context, rel RelID) error {
	_, err := m.open(rel, true)
	return err
}

func (m *FileManager) Exists(_ context.Context, rel RelID) (bool, error) {
	m.mu.Lock()
	_, ok := m.rels[rel]
	m.mu.Unlock()
	if ok {
		return true, nil
	}

	_, err := m.fsys.Stat(m.path(rel))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (m *FileManager) NBlocks(_ context.Context, rel RelID) (BlockNumber, error) {
	rf, err := m.open(rel, false)
	if err != nil {
		return 0, err
	}
	rf.mu.RLock()
	defer rf.mu.RUnlock()
	return rf.nblocks, nil
}

func (m *FileManager) ReadBlock(_ context.Context, rel RelID, blk BlockNumber, buf []byte) error {
	if err := checkBlock(buf); err != nil {
		return err
	}
	rf, err := m.open(rel, false)
	if err != nil {
		return err
	}

	rf.mu.RLock()
	defer rf.mu.RUnlock()

	if blk >= rf.nblocks {
		return ErrBlockOutOfRange
	}
	_, err = rf.f.ReadAt(buf, int64(blk)*BlockSize)
	return err
}

func (m *FileManager) WriteBlock(_ context.Context, rel RelID, blk BlockNumber, buf []byte) error {
	if err := checkBlock(buf); err != nil {
		return err
	}
	rf, err := m.open(rel, false)
	if err != nil {
		return err
	}

	rf.mu.RLock()
	defer rf.mu.RUnlock()

	if blk >= rf.nblocks {
		return ErrBlockOutOfRange
	}
	_, err = rf.f.WriteAt(buf, int64(blk)*BlockSize)
	return err
}

func (m *FileManager) Extend(_ context.Context, rel RelID, buf []byte) (BlockNumber, error) {
	if err := checkBlock(buf); err != nil {
		return InvalidBlock, err
	}
	rf, err := m.open(rel, false)
	if err != nil {
		return InvalidBlock, err
	}

	rf.mu.Lock()
	defer rf.mu.Unlock()

	blk := rf.nblocks
	if _, err := rf.f.WriteAt(buf, int64(blk)*BlockSize); err != nil {
		return InvalidBlock, err
	}
	rf.nblocks++
	return blk, nil
}

func (m *FileManager) Sync(_ context.Context, rel RelID) error {
	rf, err := m.open(rel, false)
	if err != nil {
		return err
	}
	return syncFile(rf.f)
}

// Advise implements Advisor.
func (m *FileManager) Advise(_ context.Context, rel RelID, pattern AccessPattern) error {
	rf, err := m.open(rel, false)
	if err != nil {
		return err
	}
	return adviseFile(rf.f, pattern)
}

func (m *FileManager) Drop(_ context.Context, rel RelID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rf, ok := m.rels[rel]; ok {
		_ = rf.f.Close()
		delete(m.rels, rel)
	}
	err := m.fsys.Remove(m.path(rel))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Close closes all relation files and releases the data directory lock.
func (m *FileManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	var errs []error
	for rel, rf := range m.rels {
		errs = append(errs, rf.f.Close())
		delete(m.rels, rel)
	}
	if m.unlock != nil {
		errs = append(errs, m.unlock())
	}
	return errors.Join(errs...)
}
