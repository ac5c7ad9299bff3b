// methsynth generates a synthetic reference genome and a matching BSMAP
// methratio file for benchmarking methpack.
//
// Output is deterministic for a given seed:
// - <prefix>.fa and <prefix>.fa.fai hold random chromosomes
// - <prefix>.methratio holds one record per sampled C or G, grouped by
// chromosome in shuffled (non-lexicographic) order
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/vertti/methpacker/internal/reference"
)

const (
	fastaLineWidth  = 60
	methratioHeader = "chr\tpos\tstrand\tcontext\tratio\teff_CT_count\tC_count\tCT_count\trev_G_count\trev_GA_count\tCI_lower\tCI_upper\n"
)

type synthConfig struct {
	prefix  string
	chroms  int
	length  int
	density float64
	gzip    bool
	seed    uint64
}

type chromosome struct {
	name string
	seq  []byte
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg synthConfig
	flag.StringVar(&cfg.prefix, "o", "synth", "output prefix")
	flag.IntVar(&cfg.chroms, "n", 5, "number of chromosomes")
	flag.IntVar(&cfg.length, "l", 100000, "maximum chromosome length")
	flag.Float64Var(&cfg.density, "d", 0.5, "fraction of C/G positions with a record")
	flag.BoolVar(&cfg.gzip, "gz", false, "gzip the methratio output")
	flag.Uint64Var(&cfg.seed, "seed", 42, "random seed for reproducibility")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `methsynth - Generate synthetic methylation data

Writes a random reference (FASTA plus .fai) and a methratio file whose
records sit on the reference's C and G bases.

Usage:
  methsynth -o bench -n 12 -l 5000000
  methpack -i bench.methratio -r bench.fa

Options:
`)
		flag.PrintDefaults()
	}
	flag.Parse()

	if cfg.chroms < 1 || cfg.length < 1 {
		return errors.New("need at least one chromosome of length >= 1")
	}
	if cfg.density < 0 || cfg.density > 1 {
		return errors.New("density must be within [0, 1]")
	}
	return generate(cfg)
}

func generate(cfg synthConfig) error {
	//nolint:gosec // intentionally using math/rand for reproducibility, not security
	rng := rand.New(rand.NewPCG(cfg.seed, cfg.seed))
	chroms := randomGenome(rng, cfg.chroms, cfg.length)

	fastaPath := cfg.prefix + ".fa"
	if err := writeFile(fastaPath, func(w io.Writer) error {
		return writeFASTA(w, chroms)
	}); err != nil {
		return err
	}
	if err := reference.WriteIndex(fastaPath); err != nil {
		return err
	}

	methPath := cfg.prefix + ".methratio"
	if cfg.gzip {
		methPath += ".gz"
	}
	return writeFile(methPath, func(w io.Writer) error {
		if !cfg.gzip {
			return writeMethratio(w, chroms, rng, cfg.density)
		}
		gz := gzip.NewWriter(w)
		if err := writeMethratio(gz, chroms, rng, cfg.density); err != nil {
			return err
		}
		return gz.Close()
	})
}

// randomGenome returns n chromosomes with lengths in [max/2, max].
func randomGenome(rng *rand.Rand, n, maxLen int) []chromosome {
	const bases = "ACGT"
	chroms := make([]chromosome, n)
	for i := range chroms {
		length := maxLen/2 + rng.IntN(maxLen-maxLen/2+1)
		seq := make([]byte, max(length, 1))
		for j := range seq {
			seq[j] = bases[rng.IntN(len(bases))]
		}
		chroms[i] = chromosome{name: fmt.Sprintf("chr%02d", i+1), seq: seq}
	}
	return chroms
}

func writeFile(path string, fill func(io.Writer) error) error {
	f, err := os.Create(path) //nolint:gosec // CLI tool needs to create user-specified files
	if err != nil {
		return fmt.Errorf("creating output: %w", err)
	}
	bw := bufio.NewWriterSize(f, 1<<20)
	if err := fill(bw); err != nil {
		_ = f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func writeFASTA(w io.Writer, chroms []chromosome) error {
	for _, c := range chroms {
		if _, err := fmt.Fprintf(w, ">%s\n", c.name); err != nil {
			return err
		}
		for off := 0; off < len(c.seq); off += fastaLineWidth {
			end := min(off+fastaLineWidth, len(c.seq))
			if _, err := w.Write(c.seq[off:end]); err != nil {
				return err
			}
			if _, err := io.WriteString(w, "\n"); err != nil {
				return err
			}
		}
	}
	return nil
}

// writeMethratio emits records for sampled C (plus strand) and G (minus
// strand) bases. Chromosome blocks are shuffled so file order differs from
// catalog order.
func writeMethratio(w io.Writer, chroms []chromosome, rng *rand.Rand, density float64) error {
	if _, err := io.WriteString(w, methratioHeader); err != nil {
		return err
	}

	order := rng.Perm(len(chroms))
	var line strings.Builder
	for _, ci := range order {
		c := chroms[ci]
		for pos, base := range c.seq {
			var strand string
			switch base {
			case 'C':
				strand = "+"
			case 'G':
				strand = "-"
			default:
				continue
			}
			if rng.Float64() >= density {
				continue
			}

			ct := 1 + rng.IntN(30)
			meth := rng.IntN(ct + 1)
			revG := rng.IntN(4)
			revGA := revG + rng.IntN(4)
			ratio := float64(meth) / float64(ct)

			line.Reset()
			fmt.Fprintf(&line, "%s\t%d\t%s\t%s\t%.3f\t%d.00\t%d\t%d\t%d\t%d\t%.3f\t%.3f\n",
				c.name, pos+1, strand, cytosineContext(c.seq, pos, strand == "-"), ratio, ct,
				meth, ct, revG, revGA, max(ratio-0.1, 0), min(ratio+0.1, 1))
			if _, err := io.WriteString(w, line.String()); err != nil {
				return err
			}
		}
	}
	return nil
}

// cytosineContext classifies the cytosine at pos by the bases 3' of it on its strand.
func cytosineContext(seq []byte, pos int, reverse bool) string {
	next := func(k int) byte {
		if reverse {
			if pos-k < 0 {
				return 'N'
			}
			return complement(seq[pos-k])
		}
		if pos+k >= len(seq) {
			return 'N'
		}
		return seq[pos+k]
	}
	switch {
	case next(1) == 'G':
		return "CG"
	case next(2) == 'G':
		return "CHG"
	default:
		return "CHH"
	}
}

func complement(b byte) byte {
	switch b {
	case 'A':
		return 'T'
	case 'C':
		return 'G'
	case 'G':
		return 'C'
	case 'T':
		return 'A'
	}
	return 'N'
}
