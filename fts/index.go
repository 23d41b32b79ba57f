package fts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// SchemaFile holds the JSON encoded schema of an index.
const SchemaFile = "schema.json"

// DefaultDocStoreBlockSize is the uncompressed size of a doc store block.
const DefaultDocStoreBlockSize = 16 * 1024

// Settings are the index-wide options that are not part of the schema.
type Settings struct {
	DocStoreCompression Compression
	DocStoreBlockSize   int
	// DocStoreCompressDedicatedThread compresses doc store blocks on helper
	// goroutines instead of the writing goroutine.
	DocStoreCompressDedicatedThread bool
	Logger                          *slog.Logger
}

// DefaultSettings returns zstd compressed doc store settings.
func DefaultSettings() Settings {
	return Settings{
		DocStoreCompression:             CompressionZstd,
		DocStoreBlockSize:               DefaultDocStoreBlockSize,
		DocStoreCompressDedicatedThread: true,
	}
}

func (s Settings) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.Logger
}

// Index is an opened index: a directory plus its schema.
type Index struct {
	dir      Directory
	schema   *Schema
	settings Settings
}

// Create initializes a new index in dir.
func Create(ctx context.Context, dir Directory, schema *Schema, settings Settings) (*Index, error) {
	exists, err := dir.Exists(ctx, SchemaFile)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, errors.New("fts: index already exists")
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	if err := dir.AtomicWrite(ctx, SchemaFile, data); err != nil {
		return nil, fileErr(SchemaFile, err)
	}
	if err := dir.SaveMetas(ctx, &IndexMeta{}, nil); err != nil {
		return nil, err
	}
	return &Index{dir: dir, schema: schema, settings: settings}, nil
}

// Open opens the index stored in dir.
func Open(ctx context.Context, dir Directory, settings Settings) (*Index, error) {
	data, err := dir.AtomicRead(ctx, SchemaFile)
	if errors.Is(err, ErrFileNotFound) {
		return nil, ErrIndexNotFound
	}
	if err != nil {
		return nil, fileErr(SchemaFile, err)
	}
	var schema Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fileErr(SchemaFile, fmt.Errorf("%w: %v", ErrCorrupt, err))
	}
	return &Index{dir: dir, schema: &schema, settings: settings}, nil
}

func (ix *Index) Schema() *Schema      { return ix.schema }
func (ix *Index) Directory() Directory { return ix.dir }
func (ix *Index) Settings() Settings   { return ix.settings }

// Reader opens a searcher over the currently published segments.
func (ix *Index) Reader(ctx context.Context) (*Searcher, error) {
	meta, err := ix.dir.LoadMetas(ctx)
	if err != nil {
		return nil, err
	}
	return openSearcher(ctx, ix.dir, ix.schema, meta)
}

// DocAddress locates a document inside a Searcher.
type DocAddress struct {
	Segment int
	Doc     uint32
}

// Searcher is a point-in-time view of an index.
type Searcher struct {
	meta    *IndexMeta
	schema  *Schema
	readers []*SegmentReader
}

func openSearcher(ctx context.Context, dir Directory, schema *Schema, meta *IndexMeta) (*Searcher, error) {
	s := &Searcher{meta: meta, schema: schema, readers: make([]*SegmentReader, len(meta.Segments))}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, seg := range meta.Segments {
		g.Go(func() error {
			r, err := OpenSegmentReader(gctx, dir, schema, seg)
			if err != nil {
				return fmt.Errorf("open segment %s: %w", seg.ID, err)
			}
			s.readers[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Searcher) Meta() *IndexMeta                 { return s.meta }
func (s *Searcher) Schema() *Schema                  { return s.schema }
func (s *Searcher) SegmentReaders() []*SegmentReader { return s.readers }

// NumDocs returns the number of live documents.
func (s *Searcher) NumDocs() uint64 {
	var n uint64
	for _, r := range s.readers {
		n += uint64(r.NumDocs())
	}
	return n
}

// Search returns the live documents containing term.
func (s *Searcher) Search(term Term) []DocAddress {
	var out []DocAddress
	for i, r := range s.readers {
		inv, err := r.InvertedIndex(term.Field)
		if err != nil {
			continue
		}
		ti, ok := inv.TermInfo(term)
		if !ok {
			continue
		}
		p := inv.ReadPostings(ti)
		for doc := p.Doc(); doc != Terminated; doc = p.Advance() {
			out = append(out, DocAddress{Segment: i, Doc: doc})
		}
	}
	return out
}

// Count returns the number of live documents containing term.
func (s *Searcher) Count(term Term) uint64 {
	return uint64(len(s.Search(term)))
}

// Doc loads the stored fields of addr.
func (s *Searcher) Doc(addr DocAddress) (*Document, error) {
	if addr.Segment < 0 || addr.Segment >= len(s.readers) {
		return nil, fmt.Errorf("fts: segment ordinal %d out of range", addr.Segment)
	}
	return s.readers[addr.Segment].Doc(addr.Doc)
}
