package store

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/vertti/methpacker/internal/format"
	"github.com/vertti/methpacker/internal/record"
)

// Chunk blob flags, stored in the first byte of every chunk.
const (
	blobRaw        byte = 0
	blobCompressed byte = 1
)

// chunkCodec converts row-major chunk values to compressed column-major
// blobs and back. It is not safe for concurrent use.
type chunkCodec struct {
	codec format.Codec
	zenc  *zstd.Encoder
	zdec  *zstd.Decoder
	raw   []byte // reusable column-major buffer
	comp  []byte // reusable compression buffer
}

func newChunkCodec(c format.Codec) (*chunkCodec, error) {
	cc := &chunkCodec{codec: c}
	switch c {
	case format.CodecNone, format.CodecLZ4:
	case format.CodecZstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			_ = enc.Close()
			return nil, fmt.Errorf("creating zstd decoder: %w", err)
		}
		cc.zenc, cc.zdec = enc, dec
	default:
		return nil, fmt.Errorf("unsupported codec %s", c)
	}
	return cc, nil
}

func (cc *chunkCodec) close() {
	if cc.zenc != nil {
		_ = cc.zenc.Close()
	}
	if cc.zdec != nil {
		cc.zdec.Close()
	}
}

// encode appends the blob for vals (rows × record.Width, row-major) to dst.
func (cc *chunkCodec) encode(vals []int32, dst []byte) ([]byte, error) {
	cc.raw = toColumns(vals, cc.raw[:0])

	switch cc.codec {
	case format.CodecZstd:
		cc.comp = cc.zenc.EncodeAll(cc.raw, cc.comp[:0])
	case format.CodecLZ4:
		bound := lz4.CompressBlockBound(len(cc.raw))
		if cap(cc.comp) < bound {
			cc.comp = make([]byte, bound)
		}
		n, err := lz4.CompressBlock(cc.raw, cc.comp[:bound], nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		cc.comp = cc.comp[:n]
	default:
		cc.comp = cc.comp[:0]
	}

	// Incompressible chunks are stored raw.
	if len(cc.comp) == 0 || len(cc.comp) >= len(cc.raw) {
		dst = append(dst, blobRaw)
		return append(dst, cc.raw...), nil
	}
	dst = append(dst, blobCompressed)
	return append(dst, cc.comp...), nil
}

// decode fills vals from a blob produced by encode.
func (cc *chunkCodec) decode(blob []byte, vals []int32) error {
	if len(blob) == 0 {
		return errors.New("empty chunk blob")
	}
	rawSize := len(vals) * 4
	payload := blob[1:]

	switch blob[0] {
	case blobRaw:
		if len(payload) != rawSize {
			return fmt.Errorf("raw chunk is %d bytes, want %d", len(payload), rawSize)
		}
		fromColumns(payload, vals)
		return nil
	case blobCompressed:
	default:
		return fmt.Errorf("unknown chunk flag %d", blob[0])
	}

	if cap(cc.raw) < rawSize {
		cc.raw = make([]byte, rawSize)
	}
	switch cc.codec {
	case format.CodecZstd:
		out, err := cc.zdec.DecodeAll(payload, cc.raw[:0])
		if err != nil {
			return fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != rawSize {
			return errors.New("decompressed size mismatch")
		}
		cc.raw = out
	case format.CodecLZ4:
		n, err := lz4.UncompressBlock(payload, cc.raw[:rawSize])
		if err != nil {
			return fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != rawSize {
			return errors.New("decompressed size mismatch")
		}
		cc.raw = cc.raw[:rawSize]
	default:
		return fmt.Errorf("compressed chunk in %s store", cc.codec)
	}
	fromColumns(cc.raw, vals)
	return nil
}

// toColumns lays out row-major records column by column so that each field
// compresses against its neighbours.
func toColumns(vals []int32, dst []byte) []byte {
	rows := len(vals) / record.Width
	need := len(vals) * 4
	if cap(dst) < need {
		dst = make([]byte, need)
	}
	dst = dst[:need]
	off := 0
	for c := range record.Width {
		for r := range rows {
			binary.LittleEndian.PutUint32(dst[off:], uint32(vals[r*record.Width+c])) //nolint:gosec // bit-preserving
			off += 4
		}
	}
	return dst
}

func fromColumns(src []byte, vals []int32) {
	rows := len(vals) / record.Width
	off := 0
	for c := range record.Width {
		for r := range rows {
			vals[r*record.Width+c] = int32(binary.LittleEndian.Uint32(src[off:])) //nolint:gosec // bit-preserving
			off += 4
		}
	}
}

// allMissing reports whether vals holds only the fill value.
func allMissing(vals []int32) bool {
	for _, v := range vals {
		if v != record.Missing {
			return false
		}
	}
	return true
}
