package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/jnicholls/paradedb/blockstore"
	"github.com/jnicholls/paradedb/internal/xact"
)

// FileEntry maps a file name to its data chain.
type FileEntry struct {
	Name  string
	Start blockstore.BlockNumber
	Len   uint64
	XMin  xact.XID
	XMax  xact.XID
}

const fileEntryFixed = 8 + 8 + 4 + 8 + 2

// FileEntryCodec encodes FileEntry list items.
var FileEntryCodec = Codec[FileEntry]{
	Encode: func(e FileEntry) []byte {
		b := make([]byte, fileEntryFixed+len(e.Name))
		binary.LittleEndian.PutUint64(b[0:], uint64(e.XMin))
		binary.LittleEndian.PutUint64(b[8:], uint64(e.XMax))
		binary.LittleEndian.PutUint32(b[16:], uint32(e.Start))
		binary.LittleEndian.PutUint64(b[20:], e.Len)
		binary.LittleEndian.PutUint16(b[28:], uint16(len(e.Name)))
		copy(b[fileEntryFixed:], e.Name)
		return b
	},
	Decode: func(b []byte) (FileEntry, error) {
		if len(b) < fileEntryFixed {
			return FileEntry{}, fmt.Errorf("%w: short file entry", ErrCorrupt)
		}
		n := int(binary.LittleEndian.Uint16(b[28:]))
		if len(b) != fileEntryFixed+n {
			return FileEntry{}, fmt.Errorf("%w: file entry name length", ErrCorrupt)
		}
		return FileEntry{
			XMin:  xact.XID(binary.LittleEndian.Uint64(b[0:])),
			XMax:  xact.XID(binary.LittleEndian.Uint64(b[8:])),
			Start: blockstore.BlockNumber(binary.LittleEndian.Uint32(b[16:])),
			Len:   binary.LittleEndian.Uint64(b[20:]),
			Name:  string(b[fileEntryFixed:]),
		}, nil
	},
}

// SegmentMetaEntry records one committed segment.
type SegmentMetaEntry struct {
	SegmentID     [16]byte
	MaxDoc        uint32
	NumDeleted    uint32
	DeleteOpstamp uint64
	// Opstamp is the opstamp of the commit that produced the entry.
	Opstamp uint64
	XMin    xact.XID
	XMax    xact.XID
}

const segmentMetaSize = 16 + 4 + 4 + 8 + 8 + 8 + 8

// SegmentMetaCodec encodes SegmentMetaEntry list items.
var SegmentMetaCodec = Codec[SegmentMetaEntry]{
	Encode: func(e SegmentMetaEntry) []byte {
		b := make([]byte, segmentMetaSize)
		copy(b[0:16], e.SegmentID[:])
		binary.LittleEndian.PutUint32(b[16:], e.MaxDoc)
		binary.LittleEndian.PutUint32(b[20:], e.NumDeleted)
		binary.LittleEndian.PutUint64(b[24:], e.DeleteOpstamp)
		binary.LittleEndian.PutUint64(b[32:], e.Opstamp)
		binary.LittleEndian.PutUint64(b[40:], uint64(e.XMin))
		binary.LittleEndian.PutUint64(b[48:], uint64(e.XMax))
		return b
	},
	Decode: func(b []byte) (SegmentMetaEntry, error) {
		if len(b) != segmentMetaSize {
			return SegmentMetaEntry{}, fmt.Errorf("%w: segment meta entry size %d", ErrCorrupt, len(b))
		}
		var e SegmentMetaEntry
		copy(e.SegmentID[:], b[0:16])
		e.MaxDoc = binary.LittleEndian.Uint32(b[16:])
		e.NumDeleted = binary.LittleEndian.Uint32(b[20:])
		e.DeleteOpstamp = binary.LittleEndian.Uint64(b[24:])
		e.Opstamp = binary.LittleEndian.Uint64(b[32:])
		e.XMin = xact.XID(binary.LittleEndian.Uint64(b[40:]))
		e.XMax = xact.XID(binary.LittleEndian.Uint64(b[48:]))
		return e, nil
	},
}

// Lists bundles the two persisted lists of an index relation.
type Lists struct {
	Alloc    *Allocator
	Files    *LinkedItemList[FileEntry]
	Segments *LinkedItemList[SegmentMetaEntry]
}

// OpenLists returns the file entry and segment meta lists of a relation.
func OpenLists(alloc *Allocator) *Lists {
	return &Lists{
		Alloc:    alloc,
		Files:    NewLinkedItemList(alloc, DirectoryStart, FileEntryCodec),
		Segments: NewLinkedItemList(alloc, SegmentMetasStart, SegmentMetaCodec),
	}
}
