package fts

import (
	"bytes"
	"context"
	"encoding/json"
	"slices"
	"sync"
)

const ramMetaFile = "meta.json"

// RAMDirectory keeps files in memory. It is safe for concurrent use.
type RAMDirectory struct {
	mu    sync.RWMutex
	files map[string][]byte
}

var _ Directory = (*RAMDirectory)(nil)

// NewRAMDirectory returns an empty in-memory directory.
func NewRAMDirectory() *RAMDirectory {
	return &RAMDirectory{files: make(map[string][]byte)}
}

type ramFile struct{ data []byte }

func (f *ramFile) Len() uint64 { return uint64(len(f.data)) }

func (f *ramFile) ReadBytes(_ context.Context, from, to uint64) ([]byte, error) {
	if from > to || to > uint64(len(f.data)) {
		return nil, ErrCorrupt
	}
	return f.data[from:to], nil
}

func (f *ramFile) Close() error { return nil }

type ramWriter struct {
	dir  *RAMDirectory
	path string
	buf  bytes.Buffer
}

func (w *ramWriter) Write(_ context.Context, p []byte) error {
	w.buf.Write(p)
	return nil
}

func (w *ramWriter) Close(_ context.Context) error {
	w.dir.mu.Lock()
	defer w.dir.mu.Unlock()
	w.dir.files[w.path] = w.buf.Bytes()
	return nil
}

func (d *RAMDirectory) OpenRead(_ context.Context, path string) (FileHandle, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	data, ok := d.files[path]
	if !ok {
		return nil, ErrFileNotFound
	}
	return &ramFile{data: data}, nil
}

func (d *RAMDirectory) OpenWrite(_ context.Context, path string) (WriteHandle, error) {
	return &ramWriter{dir: d, path: path}, nil
}

func (d *RAMDirectory) AtomicRead(_ context.Context, path string) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	data, ok := d.files[path]
	if !ok {
		return nil, ErrFileNotFound
	}
	return slices.Clone(data), nil
}

func (d *RAMDirectory) AtomicWrite(_ context.Context, path string, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.files[path] = slices.Clone(data)
	return nil
}

func (d *RAMDirectory) Delete(_ context.Context, path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.files[path]; !ok {
		return ErrFileNotFound
	}
	delete(d.files, path)
	return nil
}

func (d *RAMDirectory) Exists(_ context.Context, path string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.files[path]
	return ok, nil
}

func (d *RAMDirectory) List(_ context.Context) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.files))
	for name := range d.files {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (d *RAMDirectory) LoadMetas(ctx context.Context) (*IndexMeta, error) {
	data, err := d.AtomicRead(ctx, ramMetaFile)
	if err != nil {
		return nil, err
	}
	var meta IndexMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// SaveMetas replaces the whole meta file; previous is ignored.
func (d *RAMDirectory) SaveMetas(ctx context.Context, meta, _ *IndexMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return d.AtomicWrite(ctx, ramMetaFile, data)
}
