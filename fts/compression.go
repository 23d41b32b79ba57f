package fts

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the doc store block codec.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// ParseCompression parses the String form of a Compression.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "none", "":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	}
	return 0, fmt.Errorf("fts: unknown compression %q", s)
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// Block format: [uncompressed u32][compressed u32][data]. A compressed size
// of 0 means the data is stored raw.
const blockHeaderSize = 8

func compressBlock(data []byte, c Compression) ([]byte, error) {
	var compressed []byte
	switch c {
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, err
		}
		compressed = buf[:n]
	case CompressionZstd:
		enc := getZstdEncoder()
		compressed = enc.EncodeAll(data, nil)
		zstdEncoderPool.Put(enc)
	}

	// Not worth it below a 10% saving.
	raw := len(compressed) == 0 || float64(len(compressed)) > float64(len(data))*0.9
	payload := compressed
	if raw {
		payload = data
	}
	out := make([]byte, blockHeaderSize, blockHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(out[0:], uint32(len(data)))
	if !raw {
		binary.LittleEndian.PutUint32(out[4:], uint32(len(compressed)))
	}
	return append(out, payload...), nil
}

// decompressBlock decodes the block at the start of data and returns its
// content plus the encoded length.
func decompressBlock(data []byte, c Compression) ([]byte, int, error) {
	if len(data) < blockHeaderSize {
		return nil, 0, fmt.Errorf("%w: block header truncated", ErrCorrupt)
	}
	size := binary.LittleEndian.Uint32(data[0:])
	csize := binary.LittleEndian.Uint32(data[4:])
	if csize == 0 {
		if uint64(len(data)) < blockHeaderSize+uint64(size) {
			return nil, 0, fmt.Errorf("%w: block truncated", ErrCorrupt)
		}
		return data[blockHeaderSize : blockHeaderSize+size], blockHeaderSize + int(size), nil
	}
	if uint64(len(data)) < blockHeaderSize+uint64(csize) {
		return nil, 0, fmt.Errorf("%w: compressed block truncated", ErrCorrupt)
	}
	src := data[blockHeaderSize : blockHeaderSize+csize]
	out := make([]byte, size)
	switch c {
	case CompressionLZ4:
		n, err := lz4.UncompressBlock(src, out)
		if err != nil {
			return nil, 0, err
		}
		out = out[:n]
	case CompressionZstd:
		dec := getZstdDecoder()
		decoded, err := dec.DecodeAll(src, out[:0])
		zstdDecoderPool.Put(dec)
		if err != nil {
			return nil, 0, err
		}
		out = decoded
	default:
		return nil, 0, fmt.Errorf("%w: compressed block with codec %s", ErrCorrupt, c)
	}
	if uint32(len(out)) != size {
		return nil, 0, fmt.Errorf("%w: decompressed size mismatch", ErrCorrupt)
	}
	return out, blockHeaderSize + int(csize), nil
}
