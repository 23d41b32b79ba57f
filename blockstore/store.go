package blockstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
)

// BlockSize is the size of one relation block in bytes.
const BlockSize = 8192

// RelID identifies a relation.
type RelID uint32

// BlockNumber addresses a block inside a relation.
type BlockNumber uint32

// InvalidBlock marks the absence of a block (end of a page chain, empty list).
const InvalidBlock BlockNumber = math.MaxUint32

func (b BlockNumber) String() string {
	if b == InvalidBlock {
		return "invalid"
	}
	return fmt.Sprintf("%d", uint32(b))
}

var (
	// ErrNotFound is returned when a relation (or blob) does not exist.
	//
	// Implementations should return an error that satisfies `errors.Is(err, ErrNotFound)`.
	// The default maps to `os.ErrNotExist`.
	ErrNotFound = os.ErrNotExist

	// ErrBlockOutOfRange is returned when a block beyond the relation end is addressed.
	ErrBlockOutOfRange = errors.New("block number out of range")

	// ErrBadBlockSize is returned when a buffer is not exactly BlockSize bytes.
	ErrBadBlockSize = errors.New("buffer is not one block")

	// ErrClosed is returned by a manager after Close.
	ErrClosed = errors.New("storage manager closed")
)

// Manager is the block storage manager interface.
type Manager interface {
	// Create creates an empty relation. Creating an existing relation is a no-op.
	Create(ctx context.Context, rel RelID) error
	// Exists reports whether the relation exists.
	Exists(ctx context.Context, rel RelID) (bool, error)
	// NBlocks returns the number of blocks in the relation.
	NBlocks(ctx context.Context, rel RelID) (BlockNumber, error)
	// ReadBlock reads one block into buf, which must be BlockSize bytes.
	ReadBlock(ctx context.Context, rel RelID, blk BlockNumber, buf []byte) error
	// WriteBlock overwrites an existing block.
	WriteBlock(ctx context.Context, rel RelID, blk BlockNumber, buf []byte) error
	// Extend appends buf as a new block and returns its number.
	Extend(ctx context.Context, rel RelID, buf []byte) (BlockNumber, error)
	// Sync makes previous writes of the relation durable.
	Sync(ctx context.Context, rel RelID) error
	// Drop removes the relation and all its blocks.
	Drop(ctx context.Context, rel RelID) error
	Close() error
}

// AccessPattern is a hint about how a relation is about to be read.
type AccessPattern int

const (
	AccessNormal AccessPattern = iota
	AccessSequential
)

// Advisor is an optional interface for managers that can use access hints,
// e.g. to tune kernel read-ahead during bulk scans.
type Advisor interface {
	Advise(ctx context.Context, rel RelID, pattern AccessPattern) error
}

func checkBlock(buf []byte) error {
	if len(buf) != BlockSize {
		return fmt.Errorf("%w: got %d bytes", ErrBadBlockSize, len(buf))
	}
	return nil
}
