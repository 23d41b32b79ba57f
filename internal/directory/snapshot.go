package directory

import (
	"context"

	"github.com/jnicholls/paradedb/blockstore"
	"github.com/jnicholls/paradedb/fts"
	"github.com/jnicholls/paradedb/internal/buffer"
	"github.com/jnicholls/paradedb/internal/xact"
)

// Snapshot is a read-only directory fixed to one transaction snapshot.
type Snapshot struct {
	blockDir
	snap *xact.Snapshot
}

var _ fts.Directory = (*Snapshot)(nil)

// NewSnapshot returns a directory resolving every name through snap. The
// caller keeps ownership of snap and must not release it before the
// directory is done.
func NewSnapshot(pool *buffer.Pool, rel blockstore.RelID, xacts *xact.Manager, snap *xact.Snapshot, opts ...Option) *Snapshot {
	d := &Snapshot{
		blockDir: newBlockDir(pool, rel, xacts, applyOptions(opts)),
		snap:     snap,
	}
	d.visible = func() (func(xmin, xmax xact.XID) bool, func()) {
		return snap.Visible, func() {}
	}
	return d
}

func (d *Snapshot) OpenWrite(context.Context, string) (fts.WriteHandle, error) {
	return nil, ErrReadOnly
}

func (d *Snapshot) AtomicWrite(context.Context, string, []byte) error { return ErrReadOnly }

func (d *Snapshot) Delete(context.Context, string) error { return ErrReadOnly }

func (d *Snapshot) SaveMetas(context.Context, *fts.IndexMeta, *fts.IndexMeta) error {
	return ErrReadOnly
}
