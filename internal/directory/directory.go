package directory

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/jnicholls/paradedb"
	"github.com/jnicholls/paradedb/blockstore"
	"github.com/jnicholls/paradedb/fts"
	"github.com/jnicholls/paradedb/internal/buffer"
	"github.com/jnicholls/paradedb/internal/storage"
	"github.com/jnicholls/paradedb/internal/xact"
)

var (
	// ErrReadOnly is returned by write operations of a Snapshot directory.
	ErrReadOnly = errors.New("directory: snapshot directory is read-only")

	// ErrConcurrentUpdate is returned by SaveMetas when a segment this
	// writer replaces was already replaced by another transaction.
	ErrConcurrentUpdate = fts.ErrConcurrentUpdate
)

type options struct {
	strategy buffer.Strategy
	logger   *paradedb.Logger
}

// Option configures a directory.
type Option func(*options)

// WithStrategy sets the buffer access strategy for file reads.
func WithStrategy(s buffer.Strategy) Option {
	return func(o *options) { o.strategy = s }
}

// WithLogger sets the directory logger.
func WithLogger(l *paradedb.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func applyOptions(opts []Option) options {
	o := options{strategy: buffer.StrategyNormal, logger: paradedb.NoopLogger()}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// blockDir holds the read side shared by both variants.
type blockDir struct {
	lists *storage.Lists
	xacts *xact.Manager
	opts  options
	// visible resolves entry visibility for one operation.
	visible func() (func(xmin, xmax xact.XID) bool, func())
}

func newBlockDir(pool *buffer.Pool, rel blockstore.RelID, xacts *xact.Manager, opts options) blockDir {
	return blockDir{
		lists: storage.OpenLists(storage.NewAllocator(pool, rel)),
		xacts: xacts,
		opts:  opts,
	}
}

func (d *blockDir) visibleFiles(ctx context.Context, name string) ([]storage.FileEntry, error) {
	vis, done := d.visible()
	defer done()
	return d.lists.Files.List(ctx, buffer.StrategyNormal, func(e storage.FileEntry) bool {
		return (name == "" || e.Name == name) && vis(e.XMin, e.XMax)
	})
}

func (d *blockDir) lookup(ctx context.Context, name string) (storage.FileEntry, error) {
	entries, err := d.visibleFiles(ctx, name)
	if err != nil {
		return storage.FileEntry{}, err
	}
	if len(entries) == 0 {
		return storage.FileEntry{}, fts.ErrFileNotFound
	}
	// The newest entry wins should a reader observe both sides of a replace.
	return slices.MaxFunc(entries, func(a, b storage.FileEntry) int { return cmp.Compare(a.XMin, b.XMin) }), nil
}

type fileHandle struct {
	name  string
	chain *storage.ChainReader
}

func (f *fileHandle) Len() uint64 { return f.chain.Len() }

func (f *fileHandle) ReadBytes(ctx context.Context, from, to uint64) ([]byte, error) {
	if from > to || to > f.chain.Len() {
		return nil, fmt.Errorf("directory: read [%d, %d) outside %s of %d bytes", from, to, f.name, f.chain.Len())
	}
	buf := make([]byte, to-from)
	if _, err := f.chain.ReadAt(ctx, buf, from); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf, nil
}

func (f *fileHandle) Close() error { return nil }

func (d *blockDir) OpenRead(ctx context.Context, path string) (fts.FileHandle, error) {
	e, err := d.lookup(ctx, path)
	if err != nil {
		return nil, err
	}
	chain, err := storage.OpenChain(ctx, d.lists.Alloc, e.Start, e.Len, d.opts.strategy)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &fileHandle{name: path, chain: chain}, nil
}

func (d *blockDir) AtomicRead(ctx context.Context, path string) ([]byte, error) {
	fh, err := d.OpenRead(ctx, path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	return fh.ReadBytes(ctx, 0, fh.Len())
}

func (d *blockDir) Exists(ctx context.Context, path string) (bool, error) {
	_, err := d.lookup(ctx, path)
	if errors.Is(err, fts.ErrFileNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (d *blockDir) List(ctx context.Context) ([]string, error) {
	entries, err := d.visibleFiles(ctx, "")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	slices.Sort(names)
	return slices.Compact(names), nil
}

func (d *blockDir) LoadMetas(ctx context.Context) (*fts.IndexMeta, error) {
	vis, done := d.visible()
	defer done()
	entries, err := d.lists.Segments.List(ctx, buffer.StrategyNormal, func(e storage.SegmentMetaEntry) bool {
		return vis(e.XMin, e.XMax)
	})
	if err != nil {
		return nil, paradedb.NewMetadataError("load segment metas", err)
	}
	meta := &fts.IndexMeta{Segments: make([]fts.SegmentMeta, 0, len(entries))}
	for _, e := range entries {
		meta.Segments = append(meta.Segments, segmentMeta(e))
		meta.Opstamp = max(meta.Opstamp, fts.Opstamp(e.Opstamp))
	}
	return meta, nil
}

func segmentMeta(e storage.SegmentMetaEntry) fts.SegmentMeta {
	m := fts.SegmentMeta{ID: fts.SegmentID(e.SegmentID), MaxDoc: e.MaxDoc}
	if e.NumDeleted > 0 {
		m.Deletes = &fts.DeleteMeta{NumDeleted: e.NumDeleted, Opstamp: fts.Opstamp(e.DeleteOpstamp)}
	}
	return m
}

// matches reports whether e is the persisted form of m.
func matches(e storage.SegmentMetaEntry, m fts.SegmentMeta) bool {
	return fts.SegmentID(e.SegmentID) == m.ID && segmentMeta(e).SameDeletes(m) && e.MaxDoc == m.MaxDoc
}
