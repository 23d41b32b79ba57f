// Package wal is an append-only, checksummed log of transaction status
// records with group commit.
package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/jnicholls/paradedb/internal/fs"
)

// Durability controls the durability guarantees of the log.
type Durability int

const (
	// DurabilityAsync relies on OS page cache. Fast but risky.
	DurabilityAsync Durability = iota
	// DurabilitySync waits for fsync before Append returns. Concurrent
	// appends share one fsync.
	DurabilitySync
)

const (
	walMagic      = "PGSXACT\x00" // 8 bytes
	walVersion    = 1             // 4 bytes
	walHeaderSize = 12
)

var (
	ErrIncompatibleVersion = errors.New("incompatible log version")
	ErrInvalidHeader       = errors.New("invalid log header")
)

type Options struct {
	Durability Durability
}

func DefaultOptions() Options {
	return Options{Durability: DurabilitySync}
}

// WAL is an append-only log of transaction status records.
type WAL struct {
	mu     sync.Mutex
	file   fs.File
	path   string
	opts   Options
	offset int64 // end of the last valid record

	// Group commit state
	syncedOffset int64
	syncCond     *sync.Cond // signals the syncer that there is data to sync
	doneCond     *sync.Cond // signals waiters that a sync completed
	closed       bool
	lastErr      error // terminal error of the background syncer
	wg           sync.WaitGroup
}

// Open opens or creates the log at path and returns the records it holds.
// A torn or corrupt tail ends the replay; later appends overwrite it.
func Open(fsys fs.FileSystem, path string, opts Options) (*WAL, []Record, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	f, err := fsys.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}

	var recs []Record
	offset := stat.Size()
	if offset == 0 {
		if err := writeHeader(f); err != nil {
			f.Close()
			return nil, nil, err
		}
		offset = walHeaderSize
	} else {
		if err := checkHeader(f, offset); err != nil {
			f.Close()
			return nil, nil, err
		}
		recs = replay(io.NewSectionReader(f, walHeaderSize, offset-walHeaderSize))
		offset = walHeaderSize + int64(len(recs))*RecordSize
	}

	w := &WAL{
		file:         f,
		path:         path,
		opts:         opts,
		offset:       offset,
		syncedOffset: offset,
	}
	w.syncCond = sync.NewCond(&w.mu)
	w.doneCond = sync.NewCond(&w.mu)

	if opts.Durability == DurabilitySync {
		w.wg.Add(1)
		go w.runSyncer()
	}
	return w, recs, nil
}

func writeHeader(f fs.File) error {
	header := make([]byte, walHeaderSize)
	copy(header[0:8], walMagic)
	binary.LittleEndian.PutUint32(header[8:12], uint32(walVersion))
	if _, err := f.WriteAt(header, 0); err != nil {
		return err
	}
	return f.Sync()
}

func checkHeader(f fs.File, size int64) error {
	if size < walHeaderSize {
		return fmt.Errorf("%w: file too small (%d < %d)", ErrInvalidHeader, size, walHeaderSize)
	}
	header := make([]byte, walHeaderSize)
	if _, err := f.ReadAt(header, 0); err != nil {
		return err
	}
	if string(header[0:8]) != walMagic {
		return fmt.Errorf("%w: invalid magic %q", ErrInvalidHeader, header[0:8])
	}
	if ver := binary.LittleEndian.Uint32(header[8:12]); ver != walVersion {
		return fmt.Errorf("%w: version %d (expected %d)", ErrIncompatibleVersion, ver, walVersion)
	}
	return nil
}

func replay(r io.Reader) []Record {
	br := bufio.NewReader(r)
	var recs []Record
	for {
		rec, err := Decode(br)
		if err != nil {
			return recs
		}
		recs = append(recs, rec)
	}
}

// Path returns the file the log is stored in.
func (w *WAL) Path() string { return w.path }

// Size returns the current size of the log in bytes.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offset
}

func (w *WAL) runSyncer() {
	defer w.wg.Done()
	w.mu.Lock()
	defer w.mu.Unlock()

	for {
		for w.offset <= w.syncedOffset && !w.closed {
			w.syncCond.Wait()
		}
		if w.closed && w.offset <= w.syncedOffset {
			return
		}

		target := w.offset
		w.mu.Unlock()
		err := w.file.Sync()
		w.mu.Lock()

		if err != nil {
			w.lastErr = fmt.Errorf("wal sync failed: %w", err)
			w.doneCond.Broadcast()
			return
		}
		if target > w.syncedOffset {
			w.syncedOffset = target
		}
		w.doneCond.Broadcast()
	}
}

// Append writes a record. With DurabilitySync it returns once the record
// is on stable storage.
func (w *WAL) Append(rec Record) error {
	buf, err := rec.AppendBinary(make([]byte, 0, RecordSize))
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return os.ErrClosed
	}
	if w.lastErr != nil {
		return w.lastErr
	}
	if _, err := w.file.WriteAt(buf, w.offset); err != nil {
		return err
	}
	w.offset += int64(len(buf))
	if w.opts.Durability == DurabilityAsync {
		return nil
	}

	target := w.offset
	w.syncCond.Signal()
	return w.waitLocked(target)
}

// waitLocked waits for the syncer, which drains every write before it
// exits, so closing the log does not strand a waiter.
func (w *WAL) waitLocked(target int64) error {
	for w.syncedOffset < target && w.lastErr == nil {
		w.doneCond.Wait()
	}
	return w.lastErr
}

// Sync ensures all written records are on stable storage.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return os.ErrClosed
	}
	if w.lastErr != nil {
		return w.lastErr
	}
	if w.opts.Durability == DurabilityAsync {
		if err := w.file.Sync(); err != nil {
			return err
		}
		w.syncedOffset = w.offset
		return nil
	}
	w.syncCond.Signal()
	return w.waitLocked(w.offset)
}

// Close syncs outstanding records and closes the file.
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return os.ErrClosed
	}
	w.closed = true
	async := w.opts.Durability == DurabilityAsync
	w.syncCond.Signal()
	w.mu.Unlock()

	w.wg.Wait()
	var err error
	if async {
		err = w.file.Sync()
	}
	return errors.Join(err, w.file.Close())
}
