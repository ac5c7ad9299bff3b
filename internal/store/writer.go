// Package store implements the chunked, compressed columnar store holding one
// fixed-length int32 array of records per chromosome.
//
// A Writer accepts dataset creation and range/scattered writes while a store
// is being built; Close lays the chunks out in canonical order so that equal
// logical contents produce byte-identical files. A Reader serves contiguous
// row ranges from a finished store.
package store

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/vertti/methpacker/internal/format"
	"github.com/vertti/methpacker/internal/record"
)

// DefaultChunkRows is the default number of rows per chunk.
const DefaultChunkRows = 4096

// DefaultCacheChunks is the default number of decoded chunks kept in memory.
const DefaultCacheChunks = 256

var (
	// ErrShapeMismatch is returned when a write does not fit a dataset.
	ErrShapeMismatch = errors.New("dataset shape mismatch")
	// ErrNoDataset is returned for operations on an unknown dataset.
	ErrNoDataset = errors.New("no such dataset")
	// ErrClosed is returned when using a closed writer or reader.
	ErrClosed = errors.New("store closed")
)

// Options configures a Writer.
type Options struct {
	Codec       format.Codec // Chunk compression (default: zstd)
	ChunkRows   int          // Rows per chunk (default: 4096)
	CacheChunks int          // Decoded chunks kept before spilling (default: 256)
}

// Writer builds a store file. It is not safe for concurrent use.
type Writer struct {
	path     string
	opts     Options
	codec    *chunkCodec
	datasets map[string]*writerDataset
	cache    *chunkCache

	staging     *os.File
	stagingSize int64
	blob        []byte // reusable encode buffer
	closed      bool
}

type writerDataset struct {
	name    string
	length  int
	spilled map[uint32]format.ChunkRef // latest staged version of each chunk
}

// Create starts a new store that will be written to path on Close.
func Create(path string, opts *Options) (*Writer, error) {
	o := Options{Codec: format.CodecZstd, ChunkRows: DefaultChunkRows, CacheChunks: DefaultCacheChunks}
	if opts != nil {
		o.Codec = opts.Codec
		if opts.ChunkRows > 0 {
			o.ChunkRows = opts.ChunkRows
		}
		if opts.CacheChunks > 0 {
			o.CacheChunks = opts.CacheChunks
		}
	}

	codec, err := newChunkCodec(o.Codec)
	if err != nil {
		return nil, err
	}

	staging, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".staging-*")
	if err != nil {
		codec.close()
		return nil, fmt.Errorf("creating staging file: %w", err)
	}

	return &Writer{
		path:     path,
		opts:     o,
		codec:    codec,
		datasets: make(map[string]*writerDataset),
		cache:    newChunkCache(o.CacheChunks),
		staging:  staging,
	}, nil
}

// CreateDataset adds a dataset of length rows, every row holding the
// sentinel record.
func (w *Writer) CreateDataset(name string, length int) error {
	if w.closed {
		return ErrClosed
	}
	if length < 0 {
		return fmt.Errorf("dataset %s: negative length %d", name, length)
	}
	if _, ok := w.datasets[name]; ok {
		return fmt.Errorf("dataset %s already exists", name)
	}
	w.datasets[name] = &writerDataset{name: name, length: length, spilled: make(map[uint32]format.ChunkRef)}
	return nil
}

// Shape returns the dataset dimensions (rows, columns).
func (w *Writer) Shape(name string) (int, int, error) {
	ds, ok := w.datasets[name]
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s", ErrNoDataset, name)
	}
	return ds.length, record.Width, nil
}

// WriteRange writes consecutive rows starting at row start. values holds
// whole records, row-major.
func (w *Writer) WriteRange(name string, start int, values []int32) error {
	ds, err := w.dataset(name)
	if err != nil {
		return err
	}
	if len(values)%record.Width != 0 {
		return fmt.Errorf("%w: %d values is not a whole number of rows", ErrShapeMismatch, len(values))
	}
	rows := len(values) / record.Width
	if start < 0 || start+rows > ds.length {
		return fmt.Errorf("%w: rows [%d,%d) outside %s of length %d", ErrShapeMismatch, start, start+rows, name, ds.length)
	}

	chunkRows := w.opts.ChunkRows
	for row := start; row < start+rows; {
		id := row / chunkRows
		first := id * chunkRows
		n := w.chunkLen(ds, id)
		end := min(first+n, start+rows)
		src := values[(row-start)*record.Width : (end-start)*record.Width]

		key := chunkKey{dataset: name, id: uint32(id)} //nolint:gosec // chunk ids fit uint32
		if row == first && end == first+n {
			// Whole chunk replaced: stage it without decoding the old one.
			w.cache.remove(key)
			if err := w.spill(ds, key.id, src); err != nil {
				return err
			}
		} else {
			ch, err := w.load(ds, key)
			if err != nil {
				return err
			}
			copy(ch.vals[(row-first)*record.Width:], src)
			ch.dirty = true
		}
		row = end
	}
	return nil
}

// WritePoints writes recs[i] at row rows[i].
func (w *Writer) WritePoints(name string, rows []int, recs []record.Record) error {
	ds, err := w.dataset(name)
	if err != nil {
		return err
	}
	if len(rows) != len(recs) {
		return fmt.Errorf("%w: %d rows for %d records", ErrShapeMismatch, len(rows), len(recs))
	}

	var ch *chunk
	for i, row := range rows {
		if row < 0 || row >= ds.length {
			return fmt.Errorf("%w: row %d outside %s of length %d", ErrShapeMismatch, row, name, ds.length)
		}
		key := chunkKey{dataset: name, id: uint32(row / w.opts.ChunkRows)} //nolint:gosec // chunk ids fit uint32
		if ch == nil || ch.key != key {
			if ch, err = w.load(ds, key); err != nil {
				return err
			}
		}
		off := (row - int(key.id)*w.opts.ChunkRows) * record.Width
		copy(ch.vals[off:off+record.Width], recs[i][:])
		ch.dirty = true
	}
	return nil
}

func (w *Writer) dataset(name string) (*writerDataset, error) {
	if w.closed {
		return nil, ErrClosed
	}
	ds, ok := w.datasets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoDataset, name)
	}
	return ds, nil
}

func (w *Writer) chunkLen(ds *writerDataset, id int) int {
	return min(w.opts.ChunkRows, ds.length-id*w.opts.ChunkRows)
}

// load returns the decoded chunk for key, reading it back from the staging
// file or filling it with the sentinel on first touch.
func (w *Writer) load(ds *writerDataset, key chunkKey) (*chunk, error) {
	if ch, ok := w.cache.get(key); ok {
		return ch, nil
	}

	ch := &chunk{key: key, vals: make([]int32, w.chunkLen(ds, int(key.id))*record.Width)}
	if ref, ok := ds.spilled[key.id]; ok {
		blob := make([]byte, ref.Size)
		if _, err := w.staging.ReadAt(blob, int64(ref.Offset)); err != nil { //nolint:gosec // offsets are staging-file sizes
			return nil, fmt.Errorf("reading staged chunk: %w", err)
		}
		if err := w.codec.decode(blob, ch.vals); err != nil {
			return nil, fmt.Errorf("decoding staged chunk %s/%d: %w", ds.name, key.id, err)
		}
	} else {
		record.Fill(ch.vals)
	}

	if evicted := w.cache.add(ch); evicted != nil && evicted.dirty {
		if err := w.spill(w.datasets[evicted.key.dataset], evicted.key.id, evicted.vals); err != nil {
			return nil, err
		}
	}
	return ch, nil
}

// spill compresses vals and appends it to the staging file. All-sentinel
// chunks are dropped instead.
func (w *Writer) spill(ds *writerDataset, id uint32, vals []int32) error {
	if allMissing(vals) {
		delete(ds.spilled, id)
		return nil
	}
	var err error
	w.blob, err = w.codec.encode(vals, w.blob[:0])
	if err != nil {
		return fmt.Errorf("encoding chunk %s/%d: %w", ds.name, id, err)
	}
	if _, err := w.staging.Write(w.blob); err != nil {
		return fmt.Errorf("writing staging file: %w", err)
	}
	ds.spilled[id] = format.ChunkRef{Offset: uint64(w.stagingSize), Size: uint32(len(w.blob))} //nolint:gosec // sizes are non-negative
	w.stagingSize += int64(len(w.blob))
	return nil
}

// Close writes the store file and removes the staging file.
func (w *Writer) Close() error {
	if w.closed {
		return ErrClosed
	}
	for _, ch := range w.cache.drain() {
		if !ch.dirty {
			continue
		}
		if err := w.spill(w.datasets[ch.key.dataset], ch.key.id, ch.vals); err != nil {
			w.Discard()
			return err
		}
	}

	err := w.finish()
	w.Discard()
	return err
}

// Discard abandons the store, removing the staging file. It is safe to call
// after Close.
func (w *Writer) Discard() {
	if w.staging != nil {
		name := w.staging.Name()
		_ = w.staging.Close()
		_ = os.Remove(name)
		w.staging = nil
	}
	if !w.closed {
		w.codec.close()
	}
	w.closed = true
}

// finish copies the latest version of every stored chunk into the final file
// in (dataset name, chunk id) order, then writes the index and trailer.
func (w *Writer) finish() error {
	out, err := os.CreateTemp(filepath.Dir(w.path), "."+filepath.Base(w.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating store file: %w", err)
	}
	tmpName := out.Name()
	ok := false
	defer func() {
		if !ok {
			_ = out.Close()
			_ = os.Remove(tmpName)
		}
	}()

	bw := &countingWriter{w: bufio.NewWriterSize(out, 1<<20)}
	header := format.FileHeader{
		Version:   format.CurrentVersion,
		Codec:     w.opts.Codec,
		Columns:   record.Width,
		ChunkRows: uint32(w.opts.ChunkRows), //nolint:gosec // bounded by option validation
	}
	if err := header.Write(bw); err != nil {
		return fmt.Errorf("writing file header: %w", err)
	}

	names := make([]string, 0, len(w.datasets))
	for name := range w.datasets {
		names = append(names, name)
	}
	slices.Sort(names)

	index := make([]format.Dataset, 0, len(names))
	var blob []byte
	for _, name := range names {
		ds := w.datasets[name]
		ids := make([]uint32, 0, len(ds.spilled))
		for id := range ds.spilled {
			ids = append(ids, id)
		}
		slices.Sort(ids)

		entry := format.Dataset{
			Name:   name,
			Length: uint64(ds.length), //nolint:gosec // lengths are non-negative
			Stored: roaring.New(),
			Chunks: make([]format.ChunkRef, 0, len(ids)),
		}
		for _, id := range ids {
			ref := ds.spilled[id]
			if cap(blob) < int(ref.Size) {
				blob = make([]byte, ref.Size)
			}
			blob = blob[:ref.Size]
			if _, err := w.staging.ReadAt(blob, int64(ref.Offset)); err != nil { //nolint:gosec // offsets are staging-file sizes
				return fmt.Errorf("reading staged chunk: %w", err)
			}
			entry.Chunks = append(entry.Chunks, format.ChunkRef{Offset: uint64(bw.n), Size: ref.Size}) //nolint:gosec // n is non-negative
			if _, err := bw.Write(blob); err != nil {
				return fmt.Errorf("writing chunk: %w", err)
			}
		}
		entry.Stored.AddMany(ids)
		index = append(index, entry)
	}

	indexOffset := bw.n
	if err := format.WriteIndex(bw, index); err != nil {
		return fmt.Errorf("writing index: %w", err)
	}
	trailer := format.Trailer{
		IndexOffset: uint64(indexOffset),        //nolint:gosec // n is non-negative
		IndexSize:   uint32(bw.n - indexOffset), //nolint:gosec // index size bounded
	}
	if err := trailer.Write(bw); err != nil {
		return fmt.Errorf("writing trailer: %w", err)
	}

	if err := bw.w.Flush(); err != nil {
		return fmt.Errorf("flushing store file: %w", err)
	}
	if err := out.Sync(); err != nil {
		return fmt.Errorf("syncing store file: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("closing store file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil { //nolint:gosec // store files are world-readable
		return err
	}
	if err := os.Rename(tmpName, w.path); err != nil {
		return fmt.Errorf("renaming store file: %w", err)
	}
	ok = true
	return nil
}

type countingWriter struct {
	w *bufio.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

var _ io.Writer = (*countingWriter)(nil)
