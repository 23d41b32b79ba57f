package channel

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/jnicholls/paradedb/fts"
)

// Directory is an fts.Directory whose every operation is executed by the
// Handler's worker. File handles stay on the worker and are addressed by id.
type Directory struct {
	h      *Handler
	nextID atomic.Uint64

	// Touched only by jobs, hence only by the worker goroutine.
	readers map[uint64]fts.FileHandle
	writers map[uint64]fts.WriteHandle
}

var _ fts.Directory = (*Directory)(nil)

// NewDirectory returns a Directory forwarding to h.
func NewDirectory(h *Handler) *Directory {
	return &Directory{
		h:       h,
		readers: make(map[uint64]fts.FileHandle),
		writers: make(map[uint64]fts.WriteHandle),
	}
}

// Handler returns the handler the directory forwards to.
func (d *Directory) Handler() *Handler { return d.h }

type openedFile struct {
	id  uint64
	len uint64
}

func (d *Directory) OpenRead(ctx context.Context, path string) (fts.FileHandle, error) {
	id := d.nextID.Add(1)
	f, err := SubmitAndWait(ctx, d.h, "open_read", func(dir fts.Directory) (openedFile, error) {
		fh, err := dir.OpenRead(ctx, path)
		if err != nil {
			return openedFile{}, err
		}
		d.readers[id] = fh
		return openedFile{id: id, len: fh.Len()}, nil
	})
	if err != nil {
		return nil, err
	}
	return &remoteFile{d: d, id: f.id, len: f.len}, nil
}

func (d *Directory) OpenWrite(ctx context.Context, path string) (fts.WriteHandle, error) {
	id := d.nextID.Add(1)
	_, err := SubmitAndWait(ctx, d.h, "open_write", func(dir fts.Directory) (struct{}, error) {
		wh, err := dir.OpenWrite(ctx, path)
		if err != nil {
			return struct{}{}, err
		}
		d.writers[id] = wh
		return struct{}{}, nil
	})
	if err != nil {
		return nil, err
	}
	return &remoteWriter{d: d, id: id}, nil
}

func (d *Directory) AtomicRead(ctx context.Context, path string) ([]byte, error) {
	return SubmitAndWait(ctx, d.h, "atomic_read", func(dir fts.Directory) ([]byte, error) {
		return dir.AtomicRead(ctx, path)
	})
}

func (d *Directory) AtomicWrite(ctx context.Context, path string, data []byte) error {
	_, err := SubmitAndWait(ctx, d.h, "atomic_write", func(dir fts.Directory) (struct{}, error) {
		return struct{}{}, dir.AtomicWrite(ctx, path, data)
	})
	return err
}

func (d *Directory) Delete(ctx context.Context, path string) error {
	_, err := SubmitAndWait(ctx, d.h, "delete", func(dir fts.Directory) (struct{}, error) {
		return struct{}{}, dir.Delete(ctx, path)
	})
	return err
}

func (d *Directory) Exists(ctx context.Context, path string) (bool, error) {
	return SubmitAndWait(ctx, d.h, "exists", func(dir fts.Directory) (bool, error) {
		return dir.Exists(ctx, path)
	})
}

func (d *Directory) List(ctx context.Context) ([]string, error) {
	return SubmitAndWait(ctx, d.h, "list", func(dir fts.Directory) ([]string, error) {
		return dir.List(ctx)
	})
}

func (d *Directory) LoadMetas(ctx context.Context) (*fts.IndexMeta, error) {
	return SubmitAndWait(ctx, d.h, "load_metas", func(dir fts.Directory) (*fts.IndexMeta, error) {
		return dir.LoadMetas(ctx)
	})
}

func (d *Directory) SaveMetas(ctx context.Context, meta, previous *fts.IndexMeta) error {
	_, err := SubmitAndWait(ctx, d.h, "save_metas", func(dir fts.Directory) (struct{}, error) {
		return struct{}{}, dir.SaveMetas(ctx, meta, previous)
	})
	return err
}

type remoteFile struct {
	d   *Directory
	id  uint64
	len uint64
}

func (f *remoteFile) Len() uint64 { return f.len }

func (f *remoteFile) ReadBytes(ctx context.Context, from, to uint64) ([]byte, error) {
	return SubmitAndWait(ctx, f.d.h, "read", func(fts.Directory) ([]byte, error) {
		fh, ok := f.d.readers[f.id]
		if !ok {
			return nil, fmt.Errorf("channel: read handle %d is closed", f.id)
		}
		return fh.ReadBytes(ctx, from, to)
	})
}

func (f *remoteFile) Close() error {
	_, err := SubmitAndWait(context.Background(), f.d.h, "close_read", func(fts.Directory) (struct{}, error) {
		fh, ok := f.d.readers[f.id]
		if !ok {
			return struct{}{}, nil
		}
		delete(f.d.readers, f.id)
		return struct{}{}, fh.Close()
	})
	return err
}

type remoteWriter struct {
	d  *Directory
	id uint64
}

func (w *remoteWriter) Write(ctx context.Context, p []byte) error {
	_, err := SubmitAndWait(ctx, w.d.h, "write", func(fts.Directory) (struct{}, error) {
		wh, ok := w.d.writers[w.id]
		if !ok {
			return struct{}{}, fmt.Errorf("channel: write handle %d is closed", w.id)
		}
		return struct{}{}, wh.Write(ctx, p)
	})
	return err
}

func (w *remoteWriter) Close(ctx context.Context) error {
	_, err := SubmitAndWait(ctx, w.d.h, "close_write", func(fts.Directory) (struct{}, error) {
		wh, ok := w.d.writers[w.id]
		if !ok {
			return struct{}{}, fmt.Errorf("channel: write handle %d is closed", w.id)
		}
		delete(w.d.writers, w.id)
		return struct{}{}, wh.Close(ctx)
	})
	return err
}
