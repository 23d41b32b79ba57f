package directory

import (
	"context"
	"fmt"

	"github.com/jnicholls/paradedb"
	"github.com/jnicholls/paradedb/blockstore"
	"github.com/jnicholls/paradedb/fts"
	"github.com/jnicholls/paradedb/internal/buffer"
	"github.com/jnicholls/paradedb/internal/storage"
	"github.com/jnicholls/paradedb/internal/xact"
)

// Mutable is the read-write directory of one transaction.
type Mutable struct {
	blockDir
	txn *xact.Txn
	// pin keeps the GC horizon at or below the session start so files
	// the session has seen stay readable until Close.
	pin *xact.Snapshot
}

var _ fts.Directory = (*Mutable)(nil)

// NewMutable returns a directory writing on behalf of txn.
func NewMutable(pool *buffer.Pool, rel blockstore.RelID, txn *xact.Txn, opts ...Option) *Mutable {
	d := &Mutable{
		blockDir: newBlockDir(pool, rel, txn.Manager(), applyOptions(opts)),
		txn:      txn,
		pin:      txn.Snapshot(),
	}
	d.visible = func() (func(xmin, xmax xact.XID) bool, func()) {
		s := txn.Snapshot()
		return s.Visible, s.Release
	}
	return d
}

// Close releases the directory's horizon pin.
func (d *Mutable) Close() error {
	d.pin.Release()
	return nil
}

type chainWriter struct {
	d    *Mutable
	path string
	cw   *storage.ChainWriter
}

func (w *chainWriter) Write(ctx context.Context, p []byte) error {
	return w.cw.Write(ctx, p)
}

func (w *chainWriter) Close(ctx context.Context) error {
	start, n, err := w.cw.Close(ctx)
	if err != nil {
		return err
	}
	if err := w.d.publish(ctx, w.path, start, n); err != nil {
		return fmt.Errorf("publish %s: %w", w.path, err)
	}
	return nil
}

func (d *Mutable) OpenWrite(_ context.Context, path string) (fts.WriteHandle, error) {
	return &chainWriter{d: d, path: path, cw: storage.NewChainWriter(d.lists.Alloc, buffer.StrategyNormal)}, nil
}

func (d *Mutable) AtomicWrite(ctx context.Context, path string, data []byte) error {
	cw := storage.NewChainWriter(d.lists.Alloc, buffer.StrategyNormal)
	if err := cw.Write(ctx, data); err != nil {
		_ = cw.Abandon(ctx)
		return err
	}
	start, n, err := cw.Close(ctx)
	if err != nil {
		return err
	}
	return d.publish(ctx, path, start, n)
}

// publish registers a file entry, retiring any visible entry of the same name.
func (d *Mutable) publish(ctx context.Context, path string, start blockstore.BlockNumber, n uint64) error {
	if _, err := d.retire(ctx, path); err != nil {
		return err
	}
	return d.lists.Files.Add(ctx, storage.FileEntry{
		Name:  path,
		Start: start,
		Len:   n,
		XMin:  d.txn.XID(),
	})
}

// retire stamps every live visible entry named path with the session XID.
func (d *Mutable) retire(ctx context.Context, path string) (int, error) {
	s := d.txn.Snapshot()
	defer s.Release()
	own := d.txn.XID()
	found := 0
	_, err := d.lists.Files.Update(ctx, func(e *storage.FileEntry) (bool, error) {
		if e.Name != path || !s.Visible(e.XMin, e.XMax) {
			return false, nil
		}
		found++
		if e.XMax != xact.InvalidXID && e.XMax != own && d.xacts.Status(e.XMax) != xact.Aborted {
			// Already being deleted by a concurrent transaction.
			return false, nil
		}
		e.XMax = own
		return true, nil
	})
	return found, err
}

func (d *Mutable) Delete(ctx context.Context, path string) error {
	found, err := d.retire(ctx, path)
	if err != nil {
		return err
	}
	if found == 0 {
		return fts.ErrFileNotFound
	}
	return nil
}

// SaveMetas persists the difference between previous and meta: segments
// that disappeared or whose deletes changed are stamped deleted, new
// versions are appended.
func (d *Mutable) SaveMetas(ctx context.Context, meta, previous *fts.IndexMeta) error {
	if previous == nil {
		previous = &fts.IndexMeta{}
	}
	var removed []fts.SegmentMeta
	for _, p := range previous.Segments {
		if n, ok := meta.Segment(p.ID); !ok || !n.SameDeletes(p) {
			removed = append(removed, p)
		}
	}
	var added []storage.SegmentMetaEntry
	for _, n := range meta.Segments {
		if p, ok := previous.Segment(n.ID); ok && p.SameDeletes(n) {
			continue
		}
		added = append(added, storage.SegmentMetaEntry{
			SegmentID:     [16]byte(n.ID),
			MaxDoc:        n.MaxDoc,
			NumDeleted:    n.NumDeleted(),
			DeleteOpstamp: deleteOpstamp(n),
			Opstamp:       uint64(meta.Opstamp),
			XMin:          d.txn.XID(),
		})
	}

	if len(removed) > 0 {
		if err := d.retireSegments(ctx, removed); err != nil {
			return err
		}
	}
	if len(added) > 0 {
		if err := d.lists.Segments.Add(ctx, added...); err != nil {
			return paradedb.NewMetadataError("append segment metas", err)
		}
	}
	d.opts.logger.DebugContext(ctx, "segment metas saved",
		"opstamp", meta.Opstamp,
		"added", len(added),
		"removed", len(removed),
	)
	return nil
}

func deleteOpstamp(m fts.SegmentMeta) uint64 {
	if m.Deletes == nil {
		return 0
	}
	return uint64(m.Deletes.Opstamp)
}

func (d *Mutable) retireSegments(ctx context.Context, removed []fts.SegmentMeta) error {
	s := d.txn.Snapshot()
	defer s.Release()
	own := d.txn.XID()

	conflict := func(e storage.SegmentMetaEntry) bool {
		return e.XMax != xact.InvalidXID && e.XMax != own && d.xacts.Status(e.XMax) != xact.Aborted
	}
	wanted := func(e storage.SegmentMetaEntry) bool {
		if !s.Visible(e.XMin, e.XMax) {
			return false
		}
		for _, m := range removed {
			if matches(e, m) {
				return true
			}
		}
		return false
	}

	// Check first so a conflict leaves the list untouched.
	current, err := d.lists.Segments.List(ctx, buffer.StrategyNormal, wanted)
	if err != nil {
		return paradedb.NewMetadataError("load segment metas", err)
	}
	if len(current) != len(removed) {
		return fmt.Errorf("%w: %d of %d replaced segments are no longer visible",
			ErrConcurrentUpdate, len(removed)-len(current), len(removed))
	}
	for _, e := range current {
		if conflict(e) {
			return fmt.Errorf("%w: segment %s deleted by transaction %d",
				ErrConcurrentUpdate, fts.SegmentID(e.SegmentID), e.XMax)
		}
	}

	_, err = d.lists.Segments.Update(ctx, func(e *storage.SegmentMetaEntry) (bool, error) {
		if !wanted(*e) || e.XMax == own {
			return false, nil
		}
		if conflict(*e) {
			return false, fmt.Errorf("%w: segment %s deleted by transaction %d",
				ErrConcurrentUpdate, fts.SegmentID(e.SegmentID), e.XMax)
		}
		e.XMax = own
		return true, nil
	})
	return err
}
