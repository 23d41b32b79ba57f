package fts

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"slices"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/errgroup"
)

const (
	idxMagic   uint32 = 0x46545349 // "FTSI"
	fastMagic  uint32 = 0x46545346 // "FTSF"
	storeMagic uint32 = 0x46545353 // "FTSS"

	storeFooterTail = 13
)

// segmentData is the in-memory form of a segment before it is written.
type segmentData struct {
	maxDoc   uint32
	postings map[Field]map[string]*roaring.Bitmap
	fast     map[Field][]uint64
	stored   [][]byte
	bytes    int
}

func newSegmentData() *segmentData {
	return &segmentData{
		postings: make(map[Field]map[string]*roaring.Bitmap),
		fast:     make(map[Field][]uint64),
	}
}

func (s *segmentData) addPosting(f Field, term []byte, doc uint32) {
	terms := s.postings[f]
	if terms == nil {
		terms = make(map[string]*roaring.Bitmap)
		s.postings[f] = terms
	}
	bm := terms[string(term)]
	if bm == nil {
		bm = roaring.New()
		terms[string(term)] = bm
		s.bytes += len(term) + 64
	}
	bm.Add(doc)
	s.bytes += 2
}

func (s *segmentData) setFast(f Field, doc uint32, v uint64) {
	col := s.fast[f]
	for uint32(len(col)) <= doc {
		col = append(col, 0)
	}
	col[doc] = v
	s.fast[f] = col
}

// addDocument indexes doc as the next document id.
func (s *segmentData) addDocument(schema *Schema, doc *Document) error {
	id := s.maxDoc
	for _, v := range doc.values {
		entry, err := schema.Entry(v.Field)
		if err != nil {
			return err
		}
		if entry.Indexed {
			switch entry.Type {
			case TypeText:
				for _, tok := range Tokenize(v.Text) {
					s.addPosting(v.Field, []byte(tok), id)
				}
			case TypeU64:
				s.addPosting(v.Field, TermFromU64(v.Field, v.U64).Bytes, id)
			}
		}
		if entry.Fast {
			s.setFast(v.Field, id, v.U64)
		}
	}
	stored, err := encodeStored(schema, doc)
	if err != nil {
		return err
	}
	s.stored = append(s.stored, stored)
	s.bytes += len(stored) + 16
	s.maxDoc++
	return nil
}

// write persists the segment files for meta through dir.
func (s *segmentData) write(ctx context.Context, dir Directory, meta SegmentMeta, settings Settings) error {
	if err := writeAll(ctx, dir, meta.IndexFile(), s.encodeIndex()); err != nil {
		return err
	}
	if err := writeAll(ctx, dir, meta.FastFile(), s.encodeFast()); err != nil {
		return err
	}
	store, err := s.encodeStore(ctx, settings)
	if err != nil {
		return err
	}
	return writeAll(ctx, dir, meta.StoreFile(), store)
}

func sortedFields[V any](m map[Field]V) []Field {
	fields := make([]Field, 0, len(m))
	for f := range m {
		fields = append(fields, f)
	}
	slices.Sort(fields)
	return fields
}

func (s *segmentData) encodeIndex() []byte {
	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, idxMagic)
	fields := sortedFields(s.postings)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(fields)))
	for _, f := range fields {
		terms := s.postings[f]
		keys := make([]string, 0, len(terms))
		for k := range terms {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(f))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(keys)))
		for _, k := range keys {
			bm := terms[k]
			bm.RunOptimize()
			data, _ := bm.ToBytes()
			buf = binary.LittleEndian.AppendUint16(buf, uint16(len(k)))
			buf = append(buf, k...)
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(data)))
			buf = append(buf, data...)
		}
	}
	return binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))
}

func (s *segmentData) encodeFast() []byte {
	fields := sortedFields(s.fast)
	buf := make([]byte, 0, 12+len(fields)*(4+8*int(s.maxDoc)))
	buf = binary.LittleEndian.AppendUint32(buf, fastMagic)
	buf = binary.LittleEndian.AppendUint32(buf, s.maxDoc)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(fields)))
	for _, f := range fields {
		col := s.fast[f]
		buf = binary.LittleEndian.AppendUint32(buf, uint32(f))
		for doc := range s.maxDoc {
			var v uint64
			if int(doc) < len(col) {
				v = col[doc]
			}
			buf = binary.LittleEndian.AppendUint64(buf, v)
		}
	}
	return buf
}

// encodeStore packs stored documents into compressed blocks followed by a
// footer indexing the first document of every block.
func (s *segmentData) encodeStore(ctx context.Context, settings Settings) ([]byte, error) {
	blockSize := settings.DocStoreBlockSize
	if blockSize <= 0 {
		blockSize = DefaultDocStoreBlockSize
	}

	type block struct {
		firstDoc uint32
		raw      []byte
		encoded  []byte
	}
	var blocks []*block
	var cur *block
	for doc, stored := range s.stored {
		if cur == nil || len(cur.raw) >= blockSize {
			cur = &block{firstDoc: uint32(doc)}
			blocks = append(blocks, cur)
		}
		cur.raw = binary.LittleEndian.AppendUint32(cur.raw, uint32(len(stored)))
		cur.raw = append(cur.raw, stored...)
	}

	compress := func(b *block) (err error) {
		b.encoded, err = compressBlock(b.raw, settings.DocStoreCompression)
		return err
	}
	if settings.DocStoreCompressDedicatedThread {
		g, _ := errgroup.WithContext(ctx)
		g.SetLimit(4)
		for _, b := range blocks {
			g.Go(func() error { return compress(b) })
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	} else {
		for _, b := range blocks {
			if err := compress(b); err != nil {
				return nil, err
			}
		}
	}

	var buf []byte
	offsets := make([]uint64, len(blocks))
	for i, b := range blocks {
		offsets[i] = uint64(len(buf))
		buf = append(buf, b.encoded...)
	}
	for i, b := range blocks {
		buf = binary.LittleEndian.AppendUint32(buf, b.firstDoc)
		buf = binary.LittleEndian.AppendUint64(buf, offsets[i])
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(blocks)))
	buf = binary.LittleEndian.AppendUint32(buf, s.maxDoc)
	buf = append(buf, byte(settings.DocStoreCompression))
	return binary.LittleEndian.AppendUint32(buf, storeMagic), nil
}

func encodeDeletes(bm *roaring.Bitmap) ([]byte, error) {
	bm.RunOptimize()
	return bm.ToBytes()
}

func decodeDeletes(data []byte) (*roaring.Bitmap, error) {
	bm := roaring.New()
	if err := bm.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("%w: delete bitset: %v", ErrCorrupt, err)
	}
	return bm, nil
}
