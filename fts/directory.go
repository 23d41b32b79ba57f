package fts

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// SegmentID identifies a segment. Its string form prefixes the segment's files.
type SegmentID uuid.UUID

// NewSegmentID returns a random segment id.
func NewSegmentID() SegmentID { return SegmentID(uuid.New()) }

// ParseSegmentID parses the string form of a segment id.
func ParseSegmentID(s string) (SegmentID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return SegmentID{}, err
	}
	return SegmentID(id), nil
}

func (id SegmentID) String() string { return uuid.UUID(id).String() }

// Compare orders segment ids bytewise.
func (id SegmentID) Compare(other SegmentID) int {
	return strings.Compare(string(id[:]), string(other[:]))
}

// DeleteMeta records the delete bitset of a segment.
type DeleteMeta struct {
	NumDeleted uint32  `json:"num_deleted"`
	Opstamp    Opstamp `json:"opstamp"`
}

// SegmentMeta describes one published segment.
type SegmentMeta struct {
	ID      SegmentID   `json:"id"`
	MaxDoc  uint32      `json:"max_doc"`
	Deletes *DeleteMeta `json:"deletes,omitempty"`
}

// NumDeleted returns the number of deleted documents.
func (m SegmentMeta) NumDeleted() uint32 {
	if m.Deletes == nil {
		return 0
	}
	return m.Deletes.NumDeleted
}

// NumDocs returns the number of live documents.
func (m SegmentMeta) NumDocs() uint32 { return m.MaxDoc - m.NumDeleted() }

// SameDeletes reports whether m and o carry the same delete bitset.
func (m SegmentMeta) SameDeletes(o SegmentMeta) bool {
	if m.Deletes == nil || o.Deletes == nil {
		return m.Deletes == nil && o.Deletes == nil
	}
	return *m.Deletes == *o.Deletes
}

// IndexFile, FastFile and StoreFile name the immutable files of a segment.
func (m SegmentMeta) IndexFile() string { return m.ID.String() + ".idx" }
func (m SegmentMeta) FastFile() string  { return m.ID.String() + ".fast" }
func (m SegmentMeta) StoreFile() string { return m.ID.String() + ".store" }

// DeleteFile names the delete bitset file, or "" when there are no deletes.
func (m SegmentMeta) DeleteFile() string {
	if m.Deletes == nil {
		return ""
	}
	return fmt.Sprintf("%s.%d.del", m.ID, m.Deletes.Opstamp)
}

// Files lists every file the segment references.
func (m SegmentMeta) Files() []string {
	files := []string{m.IndexFile(), m.FastFile(), m.StoreFile()}
	if del := m.DeleteFile(); del != "" {
		files = append(files, del)
	}
	return files
}

// IndexMeta is the published state of an index.
type IndexMeta struct {
	Segments []SegmentMeta `json:"segments"`
	Opstamp  Opstamp       `json:"opstamp"`
}

// Clone returns a deep copy of m.
func (m *IndexMeta) Clone() *IndexMeta {
	if m == nil {
		return &IndexMeta{}
	}
	out := &IndexMeta{Opstamp: m.Opstamp, Segments: make([]SegmentMeta, len(m.Segments))}
	for i, s := range m.Segments {
		if s.Deletes != nil {
			d := *s.Deletes
			s.Deletes = &d
		}
		out.Segments[i] = s
	}
	return out
}

// Segment returns the meta of segment id.
func (m *IndexMeta) Segment(id SegmentID) (SegmentMeta, bool) {
	i := slices.IndexFunc(m.Segments, func(s SegmentMeta) bool { return s.ID == id })
	if i < 0 {
		return SegmentMeta{}, false
	}
	return m.Segments[i], true
}

// FileHandle reads an immutable file.
type FileHandle interface {
	// Len returns the file length in bytes.
	Len() uint64
	// ReadBytes returns the bytes in [from, to).
	ReadBytes(ctx context.Context, from, to uint64) ([]byte, error)
	Close() error
}

// WriteHandle writes a new file. The file becomes visible on Close.
type WriteHandle interface {
	Write(ctx context.Context, p []byte) error
	Close(ctx context.Context) error
}

// Directory is the storage contract of an index.
//
// Delete marks a file as no longer referenced; implementations may keep it
// readable for concurrent readers. SaveMetas publishes meta, where previous
// is the meta the writer last loaded or saved: implementations may persist
// only the difference.
type Directory interface {
	OpenRead(ctx context.Context, path string) (FileHandle, error)
	OpenWrite(ctx context.Context, path string) (WriteHandle, error)
	AtomicRead(ctx context.Context, path string) ([]byte, error)
	AtomicWrite(ctx context.Context, path string, data []byte) error
	Delete(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
	List(ctx context.Context) ([]string, error)
	LoadMetas(ctx context.Context) (*IndexMeta, error)
	SaveMetas(ctx context.Context, meta, previous *IndexMeta) error
}

// readAll reads a whole file through dir.
func readAll(ctx context.Context, dir Directory, path string) ([]byte, error) {
	h, err := dir.OpenRead(ctx, path)
	if err != nil {
		return nil, fileErr(path, err)
	}
	defer h.Close()
	if h.Len() == 0 {
		return nil, nil
	}
	b, err := h.ReadBytes(ctx, 0, h.Len())
	return b, fileErr(path, err)
}

// writeAll creates path with content data.
func writeAll(ctx context.Context, dir Directory, path string, data []byte) error {
	w, err := dir.OpenWrite(ctx, path)
	if err != nil {
		return fileErr(path, err)
	}
	if err := w.Write(ctx, data); err != nil {
		return fileErr(path, err)
	}
	return fileErr(path, w.Close(ctx))
}

func (id SegmentID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *SegmentID) UnmarshalText(b []byte) error {
	parsed, err := ParseSegmentID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
