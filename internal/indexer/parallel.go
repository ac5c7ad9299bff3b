package indexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/errgroup"

	"github.com/vertti/methpacker/internal/parser"
	"github.com/vertti/methpacker/internal/record"
	"github.com/vertti/methpacker/internal/reference"
	"github.com/vertti/methpacker/internal/shm"
	"github.com/vertti/methpacker/internal/store"
)

// BuildParallel indexes the input with opts.Workers workers. Worker i reads
// every data line whose index is congruent to i modulo the worker count and
// writes records of the active chromosome into a shared scratch segment.
// A coordinator flushes the segment as one range write per chromosome, so
// the resulting store matches a sequential build.
func BuildParallel(ctx context.Context, src Source, cat *reference.Catalog, st Store, opts *Options) error {
	o := opts.withDefaults()

	if err := createDatasets(st, cat); err != nil {
		return err
	}

	seg, err := shm.Alloc(cat.MaxLength() * record.Width)
	if err != nil {
		return fmt.Errorf("allocating scratch: %w", err)
	}
	defer seg.Release() //nolint:errcheck // released once per build

	b := &parallelBuild{
		src:      src,
		cat:      cat,
		st:       st,
		workers:  o.Workers,
		scratch:  seg.Int32s(),
		rot:      newRotation(o.Workers),
		finished: roaring.New(),
		log:      o.Logger.With("workers", o.Workers),
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() {
		b.rot.abort(context.Cause(gctx))
	})
	defer stop()

	g.Go(b.coordinate)
	for id := range o.Workers {
		g.Go(func() error {
			return b.work(gctx, id)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	b.log.Debug("index built", "chromosomes", b.finished.GetCardinality(), "elapsed", time.Since(start))
	return nil
}

type parallelBuild struct {
	src     Source
	cat     *reference.Catalog
	st      Store
	workers int
	scratch []int32
	rot     *rotation

	// Coordinator only.
	finished *roaring.Bitmap
	log      *slog.Logger
}

func (b *parallelBuild) coordinate() error {
	for {
		more, err := b.rot.step(b.flush, b.prepare)
		if err != nil || !more {
			return err
		}
	}
}

// prepare resets the scratch rows of the chromosome about to become active.
func (b *parallelBuild) prepare(next pendingLine) error {
	id := uint32(b.cat.ID(next.chrom)) //nolint:gosec // workers only park on known chromosomes
	if b.finished.Contains(id) {
		return unsortedError(next.chrom, next.index)
	}
	n, _ := b.cat.Len(next.chrom)
	record.Fill(b.scratch[:n*record.Width])
	return nil
}

// flush writes the scratch rows of chrom to the store.
func (b *parallelBuild) flush(chrom string) error {
	n, _ := b.cat.Len(chrom)
	rows, cols, err := b.st.Shape(chrom)
	if err != nil {
		return fmt.Errorf("writing %s: %w", chrom, err)
	}
	if rows != n || cols != record.Width {
		return fmt.Errorf("%w: dataset %s is %dx%d, want %dx%d",
			store.ErrShapeMismatch, chrom, rows, cols, n, record.Width)
	}
	if err := b.st.WriteRange(chrom, 0, b.scratch[:n*record.Width]); err != nil {
		return fmt.Errorf("writing %s: %w", chrom, err)
	}
	b.finished.Add(uint32(b.cat.ID(chrom))) //nolint:gosec // known chromosome ids are non-negative
	b.log.Debug("chromosome indexed", "chrom", chrom, "phase", b.rot.generation)
	return nil
}

// work runs worker id until its share of the input is exhausted.
func (b *parallelBuild) work(ctx context.Context, id int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rc, err := b.src()
	if err != nil {
		return err
	}
	defer rc.Close() //nolint:errcheck // read-only input

	p := parser.New(rc)
	last := int64(-1)
	if err := skip(p, id); err != nil {
		if errors.Is(err, io.EOF) {
			b.rot.finish(id, last)
			return nil
		}
		return fmt.Errorf("reading input: %w", err)
	}

	var (
		cur    string
		length int
	)
	for n := 1; ; n++ {
		ln, err := p.Next()
		if errors.Is(err, io.EOF) {
			b.rot.finish(id, last)
			return nil
		}
		if err != nil {
			return fmt.Errorf("parsing input: %w", err)
		}
		if n%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		if ln.Chrom != cur {
			if length, err = chromLength(b.cat, ln.Chrom); err != nil {
				return err
			}
			if err := b.rot.transition(id, ln.Index, ln.Chrom, last); err != nil {
				return err
			}
			cur, last = ln.Chrom, -1
		}
		if err := checkPos(ln.Chrom, ln.Pos, length); err != nil {
			return err
		}
		copy(b.scratch[ln.Pos*record.Width:], ln.Record[:])
		last = ln.Index

		if err := skip(p, b.workers-1); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("reading input: %w", err)
		}
	}
}

func skip(p *parser.Parser, n int) error {
	for range n {
		if err := p.Skip(); err != nil {
			return err
		}
	}
	return nil
}

func unsortedError(chrom string, index int64) error {
	return fmt.Errorf("%w: %s reappears at data line %d", ErrUnsortedInput, chrom, index+1)
}
