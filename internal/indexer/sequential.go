package indexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/time/rate"

	"github.com/vertti/methpacker/internal/parser"
	"github.com/vertti/methpacker/internal/record"
	"github.com/vertti/methpacker/internal/reference"
)

// BuildSequential indexes the input on the calling goroutine, buffering
// records and flushing them as scattered writes at every chromosome change
// and whenever the buffer fills.
func BuildSequential(ctx context.Context, src Source, cat *reference.Catalog, st Store, opts *Options) error {
	o := opts.withDefaults()
	log := o.Logger.With("workers", 1)
	if err := ctx.Err(); err != nil {
		return err
	}

	rc, err := src()
	if err != nil {
		return err
	}
	defer rc.Close() //nolint:errcheck // read-only input

	if err := createDatasets(st, cat); err != nil {
		return err
	}

	var (
		p        = parser.New(rc)
		current  string
		length   int
		finished = roaring.New()
		indices  = make([]int, 0, o.BufferSize)
		values   = make([]record.Record, 0, o.BufferSize)
		lines    int64
		progress = rate.Sometimes{Interval: 5 * time.Second}
		start    = time.Now()
	)

	flush := func() error {
		if len(indices) == 0 {
			return nil
		}
		if err := st.WritePoints(current, indices, values); err != nil {
			return fmt.Errorf("writing %s: %w", current, err)
		}
		indices, values = indices[:0], values[:0]
		return nil
	}

	for {
		ln, err := p.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("parsing input: %w", err)
		}
		lines++
		if lines%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		if ln.Chrom != current {
			if current != "" {
				if err := flush(); err != nil {
					return err
				}
				finished.Add(uint32(cat.ID(current))) //nolint:gosec // known chromosome ids are non-negative
				log.Debug("chromosome indexed", "chrom", current)
			}
			if length, err = chromLength(cat, ln.Chrom); err != nil {
				return err
			}
			if finished.Contains(uint32(cat.ID(ln.Chrom))) { //nolint:gosec // known chromosome ids are non-negative
				return unsortedError(ln.Chrom, ln.Index)
			}
			current = ln.Chrom
		}
		if err := checkPos(ln.Chrom, ln.Pos, length); err != nil {
			return err
		}

		indices = append(indices, ln.Pos)
		values = append(values, ln.Record)
		if len(indices) >= o.BufferSize {
			if err := flush(); err != nil {
				return err
			}
		}
		progress.Do(func() {
			log.Debug("indexing", "chrom", current, "lines", lines)
		})
	}

	if err := flush(); err != nil {
		return err
	}
	log.Debug("index built", "lines", lines, "elapsed", time.Since(start))
	return nil
}
