package fts

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
)

// Terminated is returned by Postings once the list is exhausted.
const Terminated uint32 = math.MaxUint32

// SegmentReader gives read access to one segment as of a given meta.
type SegmentReader struct {
	meta     SegmentMeta
	schema   *Schema
	inverted map[Field]*InvertedIndex
	fast     map[Field][]uint64
	store    *storeReader
	deletes  *roaring.Bitmap
}

// OpenSegmentReader loads the files of meta from dir.
func OpenSegmentReader(ctx context.Context, dir Directory, schema *Schema, meta SegmentMeta) (*SegmentReader, error) {
	r := &SegmentReader{
		meta:     meta,
		schema:   schema,
		inverted: make(map[Field]*InvertedIndex),
		fast:     make(map[Field][]uint64),
		deletes:  roaring.New(),
	}

	idx, err := readAll(ctx, dir, meta.IndexFile())
	if err != nil {
		return nil, err
	}
	if err := r.decodeIndex(idx); err != nil {
		return nil, fileErr(meta.IndexFile(), err)
	}

	fast, err := readAll(ctx, dir, meta.FastFile())
	if err != nil {
		return nil, err
	}
	if err := r.decodeFast(fast); err != nil {
		return nil, fileErr(meta.FastFile(), err)
	}

	store, err := readAll(ctx, dir, meta.StoreFile())
	if err != nil {
		return nil, err
	}
	if r.store, err = openStore(store); err != nil {
		return nil, fileErr(meta.StoreFile(), err)
	}

	if del := meta.DeleteFile(); del != "" {
		data, err := readAll(ctx, dir, del)
		if err != nil {
			return nil, err
		}
		if r.deletes, err = decodeDeletes(data); err != nil {
			return nil, fileErr(del, err)
		}
	}
	return r, nil
}

func (r *SegmentReader) decodeIndex(data []byte) error {
	if len(data) < 12 {
		return fmt.Errorf("%w: index file truncated", ErrCorrupt)
	}
	body, sum := data[:len(data)-4], binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(body) != sum {
		return fmt.Errorf("%w: index checksum mismatch", ErrCorrupt)
	}
	if binary.LittleEndian.Uint32(body) != idxMagic {
		return fmt.Errorf("%w: bad index magic", ErrCorrupt)
	}
	nfields := binary.LittleEndian.Uint32(body[4:])
	b := body[8:]
	for range nfields {
		if len(b) < 8 {
			return fmt.Errorf("%w: field header truncated", ErrCorrupt)
		}
		f := Field(binary.LittleEndian.Uint32(b))
		nterms := binary.LittleEndian.Uint32(b[4:])
		b = b[8:]
		inv := &InvertedIndex{
			terms:    make([][]byte, 0, nterms),
			postings: make([]*roaring.Bitmap, 0, nterms),
		}
		for range nterms {
			if len(b) < 2 {
				return fmt.Errorf("%w: term truncated", ErrCorrupt)
			}
			tl := int(binary.LittleEndian.Uint16(b))
			if len(b) < 2+tl+4 {
				return fmt.Errorf("%w: term truncated", ErrCorrupt)
			}
			term := b[2 : 2+tl]
			bl := int(binary.LittleEndian.Uint32(b[2+tl:]))
			b = b[2+tl+4:]
			if len(b) < bl {
				return fmt.Errorf("%w: postings truncated", ErrCorrupt)
			}
			bm := roaring.New()
			if err := bm.UnmarshalBinary(b[:bl]); err != nil {
				return fmt.Errorf("%w: postings: %v", ErrCorrupt, err)
			}
			b = b[bl:]
			inv.terms = append(inv.terms, term)
			inv.postings = append(inv.postings, bm)
		}
		r.inverted[f] = inv
	}
	return nil
}

func (r *SegmentReader) decodeFast(data []byte) error {
	if len(data) < 12 || binary.LittleEndian.Uint32(data) != fastMagic {
		return fmt.Errorf("%w: bad fast field header", ErrCorrupt)
	}
	maxDoc := binary.LittleEndian.Uint32(data[4:])
	nfields := binary.LittleEndian.Uint32(data[8:])
	if maxDoc != r.meta.MaxDoc {
		return fmt.Errorf("%w: fast field max doc %d, segment has %d", ErrCorrupt, maxDoc, r.meta.MaxDoc)
	}
	b := data[12:]
	for range nfields {
		need := 4 + 8*int(maxDoc)
		if len(b) < need {
			return fmt.Errorf("%w: fast column truncated", ErrCorrupt)
		}
		f := Field(binary.LittleEndian.Uint32(b))
		col := make([]uint64, maxDoc)
		for i := range col {
			col[i] = binary.LittleEndian.Uint64(b[4+8*i:])
		}
		r.fast[f] = col
		b = b[need:]
	}
	return nil
}

// Meta returns the segment meta the reader was opened with.
func (r *SegmentReader) Meta() SegmentMeta { return r.meta }

// SegmentID returns the segment id.
func (r *SegmentReader) SegmentID() SegmentID { return r.meta.ID }

// MaxDoc returns the number of documents including deleted ones.
func (r *SegmentReader) MaxDoc() uint32 { return r.meta.MaxDoc }

// NumDocs returns the number of live documents.
func (r *SegmentReader) NumDocs() uint32 { return r.meta.MaxDoc - uint32(r.deletes.GetCardinality()) }

// IsDeleted reports whether doc is in the delete bitset.
func (r *SegmentReader) IsDeleted(doc uint32) bool { return r.deletes.Contains(doc) }

// Deletes returns a copy of the delete bitset.
func (r *SegmentReader) Deletes() *roaring.Bitmap { return r.deletes.Clone() }

// InvertedIndex returns the inverted index of f. Fields without terms yield
// an empty index.
func (r *SegmentReader) InvertedIndex(f Field) (*InvertedIndex, error) {
	entry, err := r.schema.Entry(f)
	if err != nil {
		return nil, err
	}
	if !entry.Indexed {
		return nil, fmt.Errorf("fts: field %q is not indexed", entry.Name)
	}
	inv := r.inverted[f]
	if inv == nil {
		inv = &InvertedIndex{}
	}
	return &InvertedIndex{terms: inv.terms, postings: inv.postings, deletes: r.deletes}, nil
}

// FastU64 returns the fast column of f.
func (r *SegmentReader) FastU64(f Field) (*U64Column, error) {
	entry, err := r.schema.Entry(f)
	if err != nil {
		return nil, err
	}
	if !entry.Fast || entry.Type != TypeU64 {
		return nil, fmt.Errorf("fts: field %q is not a u64 fast field", entry.Name)
	}
	return &U64Column{values: r.fast[f], maxDoc: r.meta.MaxDoc}, nil
}

// Doc loads the stored fields of doc.
func (r *SegmentReader) Doc(doc uint32) (*Document, error) {
	raw, err := r.store.get(doc)
	if err != nil {
		return nil, err
	}
	return decodeStored(raw)
}

// rawPostings returns the postings of term ignoring deletes, or nil.
func (r *SegmentReader) rawPostings(t Term) *roaring.Bitmap {
	inv := r.inverted[t.Field]
	if inv == nil {
		return nil
	}
	i, ok := inv.find(t.Bytes)
	if !ok {
		return nil
	}
	return inv.postings[i]
}

// InvertedIndex is the sorted term dictionary of one field in one segment.
type InvertedIndex struct {
	terms    [][]byte
	postings []*roaring.Bitmap
	deletes  *roaring.Bitmap
}

// TermInfo locates a term inside its dictionary.
type TermInfo struct {
	Ordinal int
	DocFreq uint32
}

func (inv *InvertedIndex) find(term []byte) (int, bool) {
	i := sort.Search(len(inv.terms), func(i int) bool {
		return bytes.Compare(inv.terms[i], term) >= 0
	})
	return i, i < len(inv.terms) && bytes.Equal(inv.terms[i], term)
}

// TermInfo looks up term.
func (inv *InvertedIndex) TermInfo(term Term) (TermInfo, bool) {
	i, ok := inv.find(term.Bytes)
	if !ok {
		return TermInfo{}, false
	}
	return TermInfo{Ordinal: i, DocFreq: uint32(inv.postings[i].GetCardinality())}, true
}

// NumTerms returns the dictionary size.
func (inv *InvertedIndex) NumTerms() int { return len(inv.terms) }

// Terms returns a stream over the dictionary in byte order.
func (inv *InvertedIndex) Terms() *TermStreamer {
	return &TermStreamer{inv: inv, pos: -1}
}

// ReadPostings returns the live documents of the term described by ti.
func (inv *InvertedIndex) ReadPostings(ti TermInfo) *Postings {
	bm := inv.postings[ti.Ordinal]
	if inv.deletes != nil && !inv.deletes.IsEmpty() {
		bm = roaring.AndNot(bm, inv.deletes)
	}
	p := &Postings{it: bm.Iterator()}
	p.Advance()
	return p
}

// TermStreamer iterates a term dictionary.
type TermStreamer struct {
	inv *InvertedIndex
	pos int
}

// Next moves to the next term.
func (s *TermStreamer) Next() bool {
	if s.pos+1 >= len(s.inv.terms) {
		s.pos = len(s.inv.terms)
		return false
	}
	s.pos++
	return true
}

// Key returns the current term bytes.
func (s *TermStreamer) Key() []byte { return s.inv.terms[s.pos] }

// TermInfo returns the current term's location.
func (s *TermStreamer) TermInfo() TermInfo {
	return TermInfo{Ordinal: s.pos, DocFreq: uint32(s.inv.postings[s.pos].GetCardinality())}
}

// Postings iterates document ids in increasing order.
type Postings struct {
	it  roaring.IntIterable
	doc uint32
}

// Doc returns the current document or Terminated.
func (p *Postings) Doc() uint32 { return p.doc }

// Advance moves to the next document and returns it, or Terminated.
func (p *Postings) Advance() uint32 {
	if p.it.HasNext() {
		p.doc = p.it.Next()
	} else {
		p.doc = Terminated
	}
	return p.doc
}

// U64Column is a fast field column.
type U64Column struct {
	values []uint64
	maxDoc uint32
}

// Get returns the value of doc. Documents without a value read as 0.
func (c *U64Column) Get(doc uint32) uint64 {
	if int(doc) >= len(c.values) {
		return 0
	}
	return c.values[doc]
}

// NumDocs returns the column length.
func (c *U64Column) NumDocs() uint32 { return c.maxDoc }

type storeReader struct {
	data      []byte
	codec     Compression
	numDocs   uint32
	firstDocs []uint32
	offsets   []uint64
}

func openStore(data []byte) (*storeReader, error) {
	if len(data) < storeFooterTail {
		return nil, fmt.Errorf("%w: store footer truncated", ErrCorrupt)
	}
	tail := data[len(data)-storeFooterTail:]
	if binary.LittleEndian.Uint32(tail[9:]) != storeMagic {
		return nil, fmt.Errorf("%w: bad store magic", ErrCorrupt)
	}
	nblocks := int(binary.LittleEndian.Uint32(tail))
	s := &storeReader{
		numDocs: binary.LittleEndian.Uint32(tail[4:]),
		codec:   Compression(tail[8]),
	}
	indexStart := len(data) - storeFooterTail - 12*nblocks
	if indexStart < 0 {
		return nil, fmt.Errorf("%w: store block index truncated", ErrCorrupt)
	}
	s.data = data[:indexStart]
	idx := data[indexStart : len(data)-storeFooterTail]
	for i := range nblocks {
		s.firstDocs = append(s.firstDocs, binary.LittleEndian.Uint32(idx[12*i:]))
		s.offsets = append(s.offsets, binary.LittleEndian.Uint64(idx[12*i+4:]))
	}
	return s, nil
}

func (s *storeReader) get(doc uint32) ([]byte, error) {
	if doc >= s.numDocs {
		return nil, fmt.Errorf("fts: document %d out of range (%d docs)", doc, s.numDocs)
	}
	bi := sort.Search(len(s.firstDocs), func(i int) bool { return s.firstDocs[i] > doc }) - 1
	if bi < 0 || s.offsets[bi] > uint64(len(s.data)) {
		return nil, fmt.Errorf("%w: store block index", ErrCorrupt)
	}
	block, _, err := decompressBlock(s.data[s.offsets[bi]:], s.codec)
	if err != nil {
		return nil, err
	}
	for cur := s.firstDocs[bi]; ; cur++ {
		if len(block) < 4 {
			return nil, fmt.Errorf("%w: store block truncated", ErrCorrupt)
		}
		l := int(binary.LittleEndian.Uint32(block))
		if len(block) < 4+l {
			return nil, fmt.Errorf("%w: stored document truncated", ErrCorrupt)
		}
		if cur == doc {
			return block[4 : 4+l], nil
		}
		block = block[4+l:]
	}
}
