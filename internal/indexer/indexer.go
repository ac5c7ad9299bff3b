// Package indexer populates a store from a methratio stream, either on a
// single goroutine or with a pool of workers synchronised per chromosome.
package indexer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/vertti/methpacker/internal/record"
	"github.com/vertti/methpacker/internal/reference"
)

// DefaultBufferSize is the number of records the sequential indexer buffers
// before a scattered write.
const DefaultBufferSize = 1000

var (
	// ErrUnknownChromosome is returned for input chromosomes missing from the reference.
	ErrUnknownChromosome = errors.New("chromosome not in reference")
	// ErrPositionOutOfRange is returned for positions beyond the chromosome length.
	ErrPositionOutOfRange = errors.New("position beyond chromosome length")
	// ErrUnsortedInput is returned when a chromosome reappears after its block ended.
	ErrUnsortedInput = errors.New("input is not grouped by chromosome")
)

// Store is the write side of the store adapter.
type Store interface {
	CreateDataset(name string, length int) error
	Shape(name string) (rows, cols int, err error)
	WriteRange(name string, start int, values []int32) error
	WritePoints(name string, rows []int, recs []record.Record) error
}

// Source opens a fresh reader over the input. Parallel builds open it once
// per worker.
type Source func() (io.ReadCloser, error)

// Options configures a build.
type Options struct {
	Workers    int          // Number of workers (default: NumCPU; 1 = sequential)
	BufferSize int          // Sequential flush threshold (default: 1000)
	Logger     *slog.Logger // Optional; discards when nil
}

func (o *Options) withDefaults() Options {
	out := Options{}
	if o != nil {
		out = *o
	}
	if out.Workers <= 0 {
		out.Workers = runtime.NumCPU()
	}
	if out.BufferSize <= 0 {
		out.BufferSize = DefaultBufferSize
	}
	if out.Logger == nil {
		out.Logger = slog.New(slog.DiscardHandler)
	}
	return out
}

// Build fills st from the input. One worker selects the sequential path.
func Build(ctx context.Context, src Source, cat *reference.Catalog, st Store, opts *Options) error {
	o := opts.withDefaults()
	if o.Workers == 1 {
		return BuildSequential(ctx, src, cat, st, &o)
	}
	return BuildParallel(ctx, src, cat, st, &o)
}

// createDatasets creates every catalog chromosome, sentinel-filled.
func createDatasets(st Store, cat *reference.Catalog) error {
	for _, chrom := range cat.Sorted() {
		n, _ := cat.Len(chrom)
		if err := st.CreateDataset(chrom, n); err != nil {
			return fmt.Errorf("creating dataset %s: %w", chrom, err)
		}
	}
	return nil
}

func chromLength(cat *reference.Catalog, chrom string) (int, error) {
	n, ok := cat.Len(chrom)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownChromosome, chrom)
	}
	return n, nil
}

func checkPos(chrom string, pos, length int) error {
	if pos >= length {
		return fmt.Errorf("%w: %s:%d (length %d)", ErrPositionOutOfRange, chrom, pos+1, length)
	}
	return nil
}

// FileSource returns a Source for path, transparently decompressing gzip
// input detected by suffix or magic bytes.
func FileSource(path string) Source {
	return func() (io.ReadCloser, error) {
		f, err := os.Open(path) //nolint:gosec // user-specified input
		if err != nil {
			return nil, fmt.Errorf("cannot open input: %w", err)
		}
		return wrapInputMaybeGzip(path, f)
	}
}

type readCloser struct {
	io.Reader
	close func() error
}

func (r readCloser) Close() error { return r.close() }

func wrapInputMaybeGzip(path string, f *os.File) (io.ReadCloser, error) {
	br := bufio.NewReaderSize(f, 1<<20)
	hasGzipMagic, err := inputHasGzipMagic(br)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("cannot inspect input: %w", err)
	}

	if strings.HasSuffix(strings.ToLower(path), ".gz") || hasGzipMagic {
		gz, err := gzip.NewReader(br)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("cannot open gzip input: %w", err)
		}
		return readCloser{Reader: gz, close: func() error {
			_ = gz.Close()
			return f.Close()
		}}, nil
	}

	return readCloser{Reader: br, close: f.Close}, nil
}

func inputHasGzipMagic(br *bufio.Reader) (bool, error) {
	header, err := br.Peek(2)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		return false, err
	}
	return len(header) == 2 && header[0] == 0x1f && header[1] == 0x8b, nil
}

// checkEvery is how many lines pass between context checks.
const checkEvery = 4096
