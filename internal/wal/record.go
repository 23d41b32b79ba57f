package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// RecordType identifies the type of log record.
type RecordType uint8

const (
	// RecordReserve persists a high-water mark: every XID below it may
	// have been handed out.
	RecordReserve RecordType = 1
	// RecordCommit marks a transaction committed.
	RecordCommit RecordType = 2
	// RecordAbort marks a transaction aborted.
	RecordAbort RecordType = 3
)

func (t RecordType) String() string {
	switch t {
	case RecordReserve:
		return "reserve"
	case RecordCommit:
		return "commit"
	case RecordAbort:
		return "abort"
	default:
		return fmt.Sprintf("RecordType(%d)", uint8(t))
	}
}

// RecordSize is the encoded size of every record:
// [CRC32: 4 bytes] [Type: 1 byte] [XID: 8 bytes].
const RecordSize = 4 + 1 + 8

var (
	ErrInvalidCRC  = errors.New("invalid log record checksum")
	ErrInvalidType = errors.New("invalid log record type")
)

// Record is one transaction status change.
type Record struct {
	Type RecordType
	XID  uint64
}

// AppendBinary appends the encoded record to dst.
func (r Record) AppendBinary(dst []byte) ([]byte, error) {
	if r.Type < RecordReserve || r.Type > RecordAbort {
		return dst, fmt.Errorf("%w: %d", ErrInvalidType, r.Type)
	}
	var buf [RecordSize]byte
	buf[4] = byte(r.Type)
	binary.LittleEndian.PutUint64(buf[5:], r.XID)
	binary.LittleEndian.PutUint32(buf[0:4], crc32.ChecksumIEEE(buf[4:]))
	return append(dst, buf[:]...), nil
}

// Decode reads one record from r. A partial record at the end of r is
// reported as io.ErrUnexpectedEOF.
func Decode(r io.Reader) (Record, error) {
	var buf [RecordSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Record{}, err
	}
	if crc32.ChecksumIEEE(buf[4:]) != binary.LittleEndian.Uint32(buf[0:4]) {
		return Record{}, ErrInvalidCRC
	}
	rec := Record{Type: RecordType(buf[4]), XID: binary.LittleEndian.Uint64(buf[5:])}
	if rec.Type < RecordReserve || rec.Type > RecordAbort {
		return Record{}, fmt.Errorf("%w: %d", ErrInvalidType, rec.Type)
	}
	return rec, nil
}
