package fts

import (
	"github.com/RoaringBitmap/roaring/v2"
)

const unmapped = Terminated

// mergeSegments combines the live documents of readers into one segment.
// docMaps[i][old] is the new id of document old of readers[i], or unmapped.
func mergeSegments(readers []*SegmentReader) (*segmentData, [][]uint32, error) {
	out := newSegmentData()
	docMaps := make([][]uint32, len(readers))
	for i, r := range readers {
		m := make([]uint32, r.MaxDoc())
		for doc := range r.MaxDoc() {
			if r.IsDeleted(doc) {
				m[doc] = unmapped
				continue
			}
			stored, err := r.store.get(doc)
			if err != nil {
				return nil, nil, err
			}
			m[doc] = out.maxDoc
			out.stored = append(out.stored, stored)
			out.bytes += len(stored)
			for f, col := range r.fast {
				out.setFast(f, out.maxDoc, col[doc])
			}
			out.maxDoc++
		}
		docMaps[i] = m
	}

	for i, r := range readers {
		for f, inv := range r.inverted {
			for t, term := range inv.terms {
				var mapped *roaring.Bitmap
				it := inv.postings[t].Iterator()
				for it.HasNext() {
					if nd := docMaps[i][it.Next()]; nd != unmapped {
						if mapped == nil {
							mapped = roaring.New()
						}
						mapped.Add(nd)
					}
				}
				if mapped == nil {
					continue
				}
				terms := out.postings[f]
				if terms == nil {
					terms = make(map[string]*roaring.Bitmap)
					out.postings[f] = terms
				}
				if cur := terms[string(term)]; cur != nil {
					cur.Or(mapped)
				} else {
					terms[string(term)] = mapped
				}
			}
		}
	}
	return out, docMaps, nil
}

// withDeletes returns a copy of r using the delete bitset del.
func (r *SegmentReader) withDeletes(meta SegmentMeta, del *roaring.Bitmap) *SegmentReader {
	c := *r
	c.meta = meta
	c.deletes = del
	return &c
}
