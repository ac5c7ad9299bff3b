package store

import (
	"bytes"
	"fmt"
	"slices"
	"sync"

	"github.com/vertti/methpacker/internal/format"
	"github.com/vertti/methpacker/internal/mmap"
	"github.com/vertti/methpacker/internal/record"
)

// DefaultReaderCacheChunks is the default decoded-chunk cache size of a Reader.
const DefaultReaderCacheChunks = 64

// Reader serves row ranges from a finished store file.
// It is safe for concurrent use.
type Reader struct {
	m        *mmap.Mapping
	data     []byte
	header   *format.FileHeader
	datasets map[string]*format.Dataset
	names    []string

	mu     sync.Mutex
	codec  *chunkCodec
	cache  *chunkCache
	closed bool
}

// Open maps the store at path and parses its index.
func Open(path string) (*Reader, error) {
	m, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := newReader(m)
	if err != nil {
		_ = m.Close()
		return nil, fmt.Errorf("opening store %s: %w", path, err)
	}
	return r, nil
}

func newReader(m *mmap.Mapping) (*Reader, error) {
	data, err := m.Bytes()
	if err != nil {
		return nil, err
	}
	if len(data) < format.HeaderSize+format.TrailerSize {
		return nil, fmt.Errorf("%w: file too small", format.ErrCorrupt)
	}

	header, err := format.ReadFileHeader(bytes.NewReader(data[:format.HeaderSize]))
	if err != nil {
		return nil, err
	}
	if header.Columns != record.Width {
		return nil, fmt.Errorf("%w: %d columns, want %d", ErrShapeMismatch, header.Columns, record.Width)
	}

	trailer, err := format.ParseTrailer(data[len(data)-format.TrailerSize:])
	if err != nil {
		return nil, err
	}
	indexEnd := trailer.IndexOffset + uint64(trailer.IndexSize)
	if trailer.IndexOffset < format.HeaderSize || indexEnd > uint64(len(data)-format.TrailerSize) {
		return nil, fmt.Errorf("%w: index out of bounds", format.ErrCorrupt)
	}
	list, err := format.ReadIndex(data[trailer.IndexOffset:indexEnd])
	if err != nil {
		return nil, err
	}

	datasets := make(map[string]*format.Dataset, len(list))
	names := make([]string, 0, len(list))
	for i := range list {
		ds := &list[i]
		for _, ref := range ds.Chunks {
			if ref.Offset < format.HeaderSize || ref.Offset+uint64(ref.Size) > trailer.IndexOffset {
				return nil, fmt.Errorf("%w: chunk of %s out of bounds", format.ErrCorrupt, ds.Name)
			}
		}
		datasets[ds.Name] = ds
		names = append(names, ds.Name)
	}
	slices.Sort(names)

	codec, err := newChunkCodec(header.Codec)
	if err != nil {
		return nil, err
	}

	return &Reader{
		m:        m,
		data:     data,
		header:   header,
		datasets: datasets,
		names:    names,
		codec:    codec,
		cache:    newChunkCache(DefaultReaderCacheChunks),
	}, nil
}

// Datasets returns dataset names in lexicographic order.
func (r *Reader) Datasets() []string {
	return slices.Clone(r.names)
}

// Length returns the row count of a dataset.
func (r *Reader) Length(name string) (int, bool) {
	ds, ok := r.datasets[name]
	if !ok {
		return 0, false
	}
	return int(ds.Length), true //nolint:gosec // lengths written from int
}

// Codec returns the chunk compression of the store.
func (r *Reader) Codec() format.Codec {
	return r.header.Codec
}

// ChunkRows returns the rows per chunk of the store.
func (r *Reader) ChunkRows() int {
	return int(r.header.ChunkRows)
}

// ReadRange returns rows [start, end) of a dataset.
func (r *Reader) ReadRange(name string, start, end int) ([]record.Record, error) {
	ds, ok := r.datasets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoDataset, name)
	}
	length := int(ds.Length) //nolint:gosec // lengths written from int
	if start < 0 || end > length || end < start {
		return nil, fmt.Errorf("%w: rows [%d,%d) outside %s of length %d", ErrShapeMismatch, start, end, name, length)
	}

	out := make([]record.Record, end-start)
	if len(out) == 0 {
		return out, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}

	chunkRows := int(r.header.ChunkRows)
	for row := start; row < end; {
		id := row / chunkRows
		first := id * chunkRows
		last := min(first+chunkRows, length, end)

		ch, err := r.chunk(ds, uint32(id), min(chunkRows, length-first)) //nolint:gosec // chunk ids fit uint32
		if err != nil {
			return nil, err
		}
		for i := row; i < last; i++ {
			if ch == nil {
				out[i-start] = record.Sentinel
				continue
			}
			copy(out[i-start][:], ch.vals[(i-first)*record.Width:])
		}
		row = last
	}
	return out, nil
}

// chunk returns the decoded chunk, or nil if the chunk is not stored.
// Callers must hold r.mu.
func (r *Reader) chunk(ds *format.Dataset, id uint32, rows int) (*chunk, error) {
	ref, ok := ds.Ref(id)
	if !ok {
		return nil, nil
	}
	key := chunkKey{dataset: ds.Name, id: id}
	if ch, ok := r.cache.get(key); ok {
		return ch, nil
	}

	ch := &chunk{key: key, vals: make([]int32, rows*record.Width)}
	blob := r.data[ref.Offset : ref.Offset+uint64(ref.Size)]
	if err := r.codec.decode(blob, ch.vals); err != nil {
		return nil, fmt.Errorf("%w: chunk %s/%d: %v", format.ErrCorrupt, ds.Name, id, err)
	}
	r.cache.add(ch)
	return ch, nil
}

// Close unmaps the store.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.codec.close()
	r.cache.drain()
	return r.m.Close()
}
