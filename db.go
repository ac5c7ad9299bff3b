// Package methpacker converts BSMAP methylation-ratio output into a chunked,
// compressed columnar store and serves per-chromosome record ranges from it.
//
// A DB is opened from an existing store, or built from a methratio file and
// a reference FASTA:
//
//	db, err := methpacker.Open(ctx, methpacker.Options{
//		InputPath:     "sample.methratio",
//		ReferencePath: "genome.fa",
//	})
//	if err != nil { ... }
//	defer db.Close()
//
//	recs, err := db.Fetch("Chr1", methpacker.Query{Start: 10, End: 20})
package methpacker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/vertti/methpacker/internal/format"
	"github.com/vertti/methpacker/internal/indexer"
	"github.com/vertti/methpacker/internal/record"
	"github.com/vertti/methpacker/internal/reference"
	"github.com/vertti/methpacker/internal/store"
)

// StoreExt is appended to the input path when no store path is given.
const StoreExt = ".mrs"

// Record is one position: {context, strand, c, ct, g, ga}.
type Record = record.Record

// Symbolic is a record with context and strand decoded to their symbols.
type Symbolic = record.Symbolic

// Sentinel is returned for positions with no observation.
var Sentinel = record.Sentinel

// Codec selects chunk compression.
type Codec = format.Codec

// Chunk codecs.
const (
	CodecZstd = format.CodecZstd
	CodecLZ4  = format.CodecLZ4
	CodecNone = format.CodecNone
)

// ParseCodec parses a codec name ("zstd", "lz4" or "none").
func ParseCodec(s string) (Codec, error) {
	return format.ParseCodec(s)
}

// Options configures Open.
type Options struct {
	InputPath     string // methratio file, optionally gzip-compressed
	StorePath     string // store file (default: InputPath + ".mrs")
	ReferencePath string // FASTA whose .fai supplies chromosome lengths
	Workers       int    // Build workers (default: NumCPU; 1 = sequential)
	Force         bool   // Rebuild even if the store exists
	Verbose       bool   // Debug logging when Logger is nil
	Logger        *Logger
	Codec         Codec // Chunk compression for new stores (default: zstd)
	ChunkRows     int   // Rows per chunk for new stores (default: 4096)
}

// DB is a read handle on a finished store.
// It is safe for concurrent use.
type DB struct {
	path string
	r    *store.Reader
	log  *Logger

	closeOnce sync.Once
	closeErr  error
}

// Open opens the store, building it first when it is missing or Force is set.
// An existing store is opened directly when Force is false or no input is
// given; chromosome lengths then come from the store itself.
func Open(ctx context.Context, opts Options) (*DB, error) {
	log := opts.Logger
	if log == nil {
		level := slog.LevelWarn
		if opts.Verbose {
			level = slog.LevelDebug
		}
		log = NewTextLogger(level)
	}

	storePath := opts.StorePath
	if storePath == "" {
		if opts.InputPath == "" {
			return nil, ErrNoStore
		}
		storePath = opts.InputPath + StoreExt
	}
	log = log.WithStore(storePath)

	exists, err := fileExists(storePath)
	if err != nil {
		return nil, err
	}
	if !exists || (opts.Force && opts.InputPath != "") {
		if err := build(ctx, storePath, opts, log); err != nil {
			return nil, err
		}
	} else {
		log.Debug("opening existing store")
	}

	r, err := store.Open(storePath)
	if err != nil {
		return nil, err
	}
	return &DB{path: storePath, r: r, log: log}, nil
}

func build(ctx context.Context, storePath string, opts Options, log *Logger) error {
	if opts.InputPath == "" {
		return fmt.Errorf("%w: store %s does not exist", ErrInputNotFound, storePath)
	}
	exists, err := fileExists(opts.InputPath)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrInputNotFound, opts.InputPath)
	}
	if opts.ReferencePath == "" {
		return fmt.Errorf("%w: no reference given", ErrReferenceNotFound)
	}

	cat, err := reference.Load(opts.ReferencePath, log.Logger)
	if err != nil {
		return err
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	w, err := store.Create(storePath, &store.Options{Codec: opts.Codec, ChunkRows: opts.ChunkRows})
	if err != nil {
		return err
	}

	start := time.Now()
	err = indexer.Build(ctx, indexer.FileSource(opts.InputPath), cat, w, &indexer.Options{
		Workers: workers,
		Logger:  log.Logger,
	})
	if err != nil {
		w.Discard()
		log.LogBuild(ctx, opts.InputPath, workers, time.Since(start), err)
		return fmt.Errorf("building %s: %w", storePath, err)
	}
	if err := w.Close(); err != nil {
		log.LogBuild(ctx, opts.InputPath, workers, time.Since(start), err)
		return fmt.Errorf("building %s: %w", storePath, err)
	}
	log.LogBuild(ctx, opts.InputPath, workers, time.Since(start), nil)
	return nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Path returns the store file path.
func (db *DB) Path() string {
	return db.path
}

// Chromosomes returns the stored chromosomes in lexicographic order.
func (db *DB) Chromosomes() []string {
	return db.r.Datasets()
}

// Length returns the length of chrom and whether it is stored.
func (db *DB) Length(chrom string) (int, bool) {
	return db.r.Length(chrom)
}

// Codec returns the chunk compression of the store.
func (db *DB) Codec() Codec {
	return db.r.Codec()
}

// ChunkRows returns the rows per chunk of the store.
func (db *DB) ChunkRows() int {
	return db.r.ChunkRows()
}

// Close releases the store. Closing twice is a no-op.
func (db *DB) Close() error {
	db.closeOnce.Do(func() {
		db.closeErr = db.r.Close()
	})
	return db.closeErr
}
