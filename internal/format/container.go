// Package format defines the MRS file format for chunked methylation stores.
//
// Layout (little-endian):
//
//	FileHeader | chunk blobs ... | Index | Trailer
//
// The index lists every dataset with its length, a roaring bitmap of the
// chunk ids that are stored, and one ChunkRef per stored chunk in ascending
// chunk id order. Chunks absent from the bitmap hold only the fill value.
package format

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/RoaringBitmap/roaring/v2"
)

// Magic bytes identifying MRS format.
var Magic = [4]byte{'M', 'R', 'S', 0x00}

// TrailerMagic ends every MRS file.
var TrailerMagic = [4]byte{'M', 'R', 'S', 'I'}

// Supported file format versions.
const (
	Version1 uint8 = 1

	CurrentVersion = Version1
)

// Codec identifies the chunk compression.
type Codec uint8

// Chunk codecs. The zero value is the default, zstd.
const (
	CodecZstd Codec = iota
	CodecLZ4
	CodecNone
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecZstd:
		return "zstd"
	case CodecLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// ParseCodec maps a codec name to its value.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "none":
		return CodecNone, nil
	case "zstd", "":
		return CodecZstd, nil
	case "lz4":
		return CodecLZ4, nil
	default:
		return 0, fmt.Errorf("unknown codec %q", name)
	}
}

// ErrCorrupt is returned for structurally invalid files.
var ErrCorrupt = errors.New("corrupt store file")

// HeaderSize is the encoded size of a FileHeader.
const HeaderSize = 11

// TrailerSize is the encoded size of a Trailer.
const TrailerSize = 16

// FileHeader is written at the start of every MRS file.
type FileHeader struct {
	Version   uint8  // Format version
	Codec     Codec  // Chunk compression
	Columns   uint8  // int32 values per row
	ChunkRows uint32 // Rows per chunk
}

// Write serializes the file header to the writer.
func (h *FileHeader) Write(w io.Writer) error {
	if _, err := w.Write(Magic[:]); err != nil {
		return err
	}
	buf := make([]byte, HeaderSize-len(Magic))
	buf[0] = h.Version
	buf[1] = uint8(h.Codec)
	buf[2] = h.Columns
	binary.LittleEndian.PutUint32(buf[3:7], h.ChunkRows)
	_, err := w.Write(buf)
	return err
}

// ReadFileHeader reads and validates a file header.
func ReadFileHeader(r io.Reader) (*FileHeader, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, err
	}
	if magic != Magic {
		return nil, fmt.Errorf("%w: invalid magic bytes", ErrCorrupt)
	}

	buf := make([]byte, HeaderSize-len(Magic))
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &FileHeader{
		Version:   buf[0],
		Codec:     Codec(buf[1]),
		Columns:   buf[2],
		ChunkRows: binary.LittleEndian.Uint32(buf[3:7]),
	}
	if h.Version != CurrentVersion {
		return nil, fmt.Errorf("unsupported format version %d", h.Version)
	}
	if h.ChunkRows == 0 || h.Columns == 0 {
		return nil, fmt.Errorf("%w: zero chunk shape", ErrCorrupt)
	}
	return h, nil
}

// Trailer locates the index at the end of the file.
type Trailer struct {
	IndexOffset uint64
	IndexSize   uint32
}

// Write serializes the trailer.
func (t *Trailer) Write(w io.Writer) error {
	buf := make([]byte, TrailerSize)
	binary.LittleEndian.PutUint64(buf[0:8], t.IndexOffset)
	binary.LittleEndian.PutUint32(buf[8:12], t.IndexSize)
	copy(buf[12:16], TrailerMagic[:])
	_, err := w.Write(buf)
	return err
}

// ParseTrailer decodes the last TrailerSize bytes of a file.
func ParseTrailer(b []byte) (*Trailer, error) {
	if len(b) != TrailerSize || !bytes.Equal(b[12:16], TrailerMagic[:]) {
		return nil, fmt.Errorf("%w: missing trailer", ErrCorrupt)
	}
	return &Trailer{
		IndexOffset: binary.LittleEndian.Uint64(b[0:8]),
		IndexSize:   binary.LittleEndian.Uint32(b[8:12]),
	}, nil
}

// ChunkRef is the location of one stored chunk.
type ChunkRef struct {
	Offset uint64
	Size   uint32
}

// Dataset describes one per-chromosome array.
type Dataset struct {
	Name   string
	Length uint64
	Stored *roaring.Bitmap // chunk ids present in the file
	Chunks []ChunkRef      // one per Stored id, ascending
}

// Ref returns the location of chunk id, or false if the chunk is not stored.
func (d *Dataset) Ref(id uint32) (ChunkRef, bool) {
	if !d.Stored.Contains(id) {
		return ChunkRef{}, false
	}
	return d.Chunks[d.Stored.Rank(id)-1], true
}

// WriteIndex serializes the dataset index.
func WriteIndex(w io.Writer, datasets []Dataset) error {
	var scratch [12]byte
	binary.LittleEndian.PutUint32(scratch[:4], uint32(len(datasets))) //nolint:gosec // bounded by catalog size
	if _, err := w.Write(scratch[:4]); err != nil {
		return err
	}

	for i := range datasets {
		d := &datasets[i]
		if d.Stored.GetCardinality() != uint64(len(d.Chunks)) {
			return fmt.Errorf("dataset %s: %d chunk refs for %d stored chunks", d.Name, len(d.Chunks), d.Stored.GetCardinality())
		}

		binary.LittleEndian.PutUint16(scratch[:2], uint16(len(d.Name))) //nolint:gosec // names are short
		if _, err := w.Write(scratch[:2]); err != nil {
			return err
		}
		if _, err := io.WriteString(w, d.Name); err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(scratch[:8], d.Length)
		if _, err := w.Write(scratch[:8]); err != nil {
			return err
		}

		d.Stored.RunOptimize()
		bm, err := d.Stored.ToBytes()
		if err != nil {
			return fmt.Errorf("serializing chunk bitmap: %w", err)
		}
		binary.LittleEndian.PutUint32(scratch[:4], uint32(len(bm))) //nolint:gosec // bitmap size bounded
		if _, err := w.Write(scratch[:4]); err != nil {
			return err
		}
		if _, err := w.Write(bm); err != nil {
			return err
		}

		for _, ref := range d.Chunks {
			binary.LittleEndian.PutUint64(scratch[0:8], ref.Offset)
			binary.LittleEndian.PutUint32(scratch[8:12], ref.Size)
			if _, err := w.Write(scratch[:12]); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReadIndex parses a dataset index.
func ReadIndex(b []byte) ([]Dataset, error) {
	r := &sliceReader{b: b}

	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	datasets := make([]Dataset, 0, n)
	for range n {
		nameLen, err := r.u16()
		if err != nil {
			return nil, err
		}
		name, err := r.bytes(int(nameLen))
		if err != nil {
			return nil, err
		}
		length, err := r.u64()
		if err != nil {
			return nil, err
		}
		bmLen, err := r.u32()
		if err != nil {
			return nil, err
		}
		bm, err := r.bytes(int(bmLen))
		if err != nil {
			return nil, err
		}
		stored := roaring.New()
		if err := stored.UnmarshalBinary(bm); err != nil {
			return nil, fmt.Errorf("%w: chunk bitmap: %v", ErrCorrupt, err)
		}

		count := stored.GetCardinality()
		if count > uint64(len(b)) {
			return nil, fmt.Errorf("%w: chunk count %d", ErrCorrupt, count)
		}
		chunks := make([]ChunkRef, count)
		for i := range chunks {
			off, err := r.u64()
			if err != nil {
				return nil, err
			}
			size, err := r.u32()
			if err != nil {
				return nil, err
			}
			chunks[i] = ChunkRef{Offset: off, Size: size}
		}

		datasets = append(datasets, Dataset{
			Name:   string(name),
			Length: length,
			Stored: stored,
			Chunks: chunks,
		})
	}
	if len(r.b) != 0 {
		return nil, fmt.Errorf("%w: %d trailing index bytes", ErrCorrupt, len(r.b))
	}
	return datasets, nil
}

type sliceReader struct {
	b []byte
}

func (r *sliceReader) bytes(n int) ([]byte, error) {
	if n < 0 || n > len(r.b) {
		return nil, fmt.Errorf("%w: truncated index", ErrCorrupt)
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out, nil
}

func (r *sliceReader) u16() (uint16, error) {
	b, err := r.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *sliceReader) u32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *sliceReader) u64() (uint64, error) {
	b, err := r.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}
