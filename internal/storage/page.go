package storage

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/jnicholls/paradedb/blockstore"
	"github.com/jnicholls/paradedb/internal/buffer"
)

// ErrCorrupt is returned when a page does not have the expected layout.
var ErrCorrupt = errors.New("corrupt index page")

// Kind identifies the role of a page.
type Kind uint16

const (
	KindUnused Kind = iota
	KindMeta
	KindLock
	KindList
	KindData
	KindFree
)

func (k Kind) String() string {
	switch k {
	case KindUnused:
		return "unused"
	case KindMeta:
		return "meta"
	case KindLock:
		return "lock"
	case KindList:
		return "list"
	case KindData:
		return "data"
	case KindFree:
		return "free"
	default:
		return fmt.Sprintf("Kind(%d)", uint16(k))
	}
}

const (
	offKind  = buffer.ChecksumSize
	offFlags = offKind + 2
	offNext  = offFlags + 2
	offCount = offNext + 4
	offUsed  = offCount + 2

	// HeaderSize is the size of checksum plus page header.
	HeaderSize = offUsed + 2

	// PageCapacity is the number of payload bytes per page.
	PageCapacity = blockstore.BlockSize - HeaderSize
)

// Page is a view over one block.
type Page []byte

func (p Page) Kind() Kind      { return Kind(binary.LittleEndian.Uint16(p[offKind:])) }
func (p Page) Flags() uint16   { return binary.LittleEndian.Uint16(p[offFlags:]) }
func (p Page) Count() int      { return int(binary.LittleEndian.Uint16(p[offCount:])) }
func (p Page) Used() int       { return int(binary.LittleEndian.Uint16(p[offUsed:])) }
func (p Page) Payload() []byte { return p[HeaderSize:] }

func (p Page) Next() blockstore.BlockNumber {
	return blockstore.BlockNumber(binary.LittleEndian.Uint32(p[offNext:]))
}

func (p Page) SetNext(b blockstore.BlockNumber) {
	binary.LittleEndian.PutUint32(p[offNext:], uint32(b))
}

func (p Page) SetFlags(f uint16) { binary.LittleEndian.PutUint16(p[offFlags:], f) }
func (p Page) SetCount(n int)    { binary.LittleEndian.PutUint16(p[offCount:], uint16(n)) }
func (p Page) SetUsed(n int)     { binary.LittleEndian.PutUint16(p[offUsed:], uint16(n)) }

// Init resets the page to an empty page of the given kind.
func (p Page) Init(kind Kind) {
	clear(p[buffer.ChecksumSize:])
	binary.LittleEndian.PutUint16(p[offKind:], uint16(kind))
	p.SetNext(blockstore.InvalidBlock)
}

func expectKind(blk blockstore.BlockNumber, p Page, kinds ...Kind) error {
	got := p.Kind()
	for _, k := range kinds {
		if got == k {
			return nil
		}
	}
	return fmt.Errorf("%w: block %s is %s, want %v", ErrCorrupt, blk, got, kinds)
}
