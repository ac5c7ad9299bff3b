// methpack builds methylation-ratio stores and queries them.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/vertti/methpacker"
)

var version = "dev"

const (
	exitSuccess = 0
	exitError   = 1
)

type config struct {
	inputFile  string
	refFile    string
	storeFile  string
	outputFile string
	workers    int
	force      bool
	verbose    bool
	codec      string
	chunkRows  int
	queries    regionList
	symbolic   bool
	ratio      bool
	minCov     int
	maxCov     int
}

// region is one -q argument.
type region struct {
	chrom string
	query methpacker.Query
}

// regionList collects repeated -q flags.
type regionList []region

func (l *regionList) String() string {
	parts := make([]string, len(*l))
	for i, r := range *l {
		parts[i] = r.chrom
	}
	return strings.Join(parts, ",")
}

func (l *regionList) Set(s string) error {
	r, err := parseRegion(s)
	if err != nil {
		return err
	}
	*l = append(*l, r)
	return nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cfg, done, err := parseFlags(args, stderr)
	if err != nil {
		return exitError
	}
	if done {
		return exitSuccess
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := execute(ctx, cfg, stdout, stderr); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitError
	}
	return exitSuccess
}

func parseFlags(args []string, stderr io.Writer) (config, bool, error) {
	var cfg config
	var showVersion, showHelp bool

	fs := flag.NewFlagSet("methpack", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.inputFile, "i", "", "methratio input (plain or gzip)")
	fs.StringVar(&cfg.refFile, "r", "", "reference FASTA (lengths from its .fai)")
	fs.StringVar(&cfg.storeFile, "s", "", "store file (default: <input>.mrs)")
	fs.StringVar(&cfg.outputFile, "o", "", "query output file (default: stdout)")
	fs.IntVar(&cfg.workers, "w", 0, "build workers (default: NumCPU, 1 = sequential)")
	fs.BoolVar(&cfg.force, "f", false, "rebuild the store even if it exists")
	fs.BoolVar(&cfg.verbose, "v", false, "verbose logging")
	fs.StringVar(&cfg.codec, "codec", "zstd", "chunk codec: zstd, lz4 or none")
	fs.IntVar(&cfg.chunkRows, "chunk", 0, "rows per chunk (default: 4096)")
	fs.Var(&cfg.queries, "q", "query region chrom[:start[-end]] (repeatable)")
	fs.BoolVar(&cfg.symbolic, "symbolic", false, "print context and strand symbols")
	fs.BoolVar(&cfg.ratio, "ratio", false, "print methylation ratios")
	fs.IntVar(&cfg.minCov, "min-cov", 0, "minimum coverage (accepted, not applied)")
	fs.IntVar(&cfg.maxCov, "max-cov", 0, "maximum coverage (accepted, not applied)")
	fs.BoolVar(&showVersion, "version", false, "show version and exit")
	fs.BoolVar(&showHelp, "h", false, "show help")

	fs.Usage = func() { usage(fs, stderr) }
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return cfg, true, nil
		}
		return cfg, false, err
	}

	if showHelp {
		fs.Usage()
		return cfg, true, nil
	}

	if showVersion {
		fmt.Fprintf(stderr, "methpack version %s\n", version)
		return cfg, true, nil
	}

	// Handle positional arguments
	if rest := fs.Args(); len(rest) > 0 && cfg.inputFile == "" {
		cfg.inputFile = rest[0]
	}

	if cfg.symbolic && cfg.ratio {
		fmt.Fprintln(stderr, "error: -symbolic and -ratio are mutually exclusive")
		return cfg, false, errors.New("conflicting output flags")
	}
	return cfg, false, nil
}

func usage(fs *flag.FlagSet, w io.Writer) {
	fmt.Fprintf(w, `methpack - Methylation ratio store builder and query tool

Usage:
  methpack -i sample.methratio -r genome.fa [options]     Build store
  methpack -s sample.mrs -q chrom[:start[-end]] [options]  Query store

Options:
`)
	fs.PrintDefaults()
	fmt.Fprintf(w, `
Examples:
  methpack -i sample.methratio -r genome.fa -w 8         Build with 8 workers
  methpack -i sample.methratio.gz -r genome.fa -f        Rebuild from gzip input
  methpack -s sample.mrs -q Chr1:100-200                 Raw records
  methpack -s sample.mrs -q Chr1:100-200 -symbolic       Decoded records
  methpack -s sample.mrs -q Chr2 -ratio                  Ratios for a chromosome
`)
}

// parseRegion parses chrom[:start[-end]] into a query.
func parseRegion(s string) (region, error) {
	chrom, span, hasSpan := strings.Cut(s, ":")
	if chrom == "" {
		return region{}, fmt.Errorf("invalid region %q: missing chromosome", s)
	}
	r := region{chrom: chrom}
	if !hasSpan {
		return r, nil
	}

	from, to, hasEnd := strings.Cut(span, "-")
	start, err := strconv.Atoi(strings.ReplaceAll(from, ",", ""))
	if err != nil {
		return region{}, fmt.Errorf("invalid region %q: bad start: %w", s, err)
	}
	r.query.Start = start
	if hasEnd {
		end, err := strconv.Atoi(strings.ReplaceAll(to, ",", ""))
		if err != nil {
			return region{}, fmt.Errorf("invalid region %q: bad end: %w", s, err)
		}
		r.query.End = end
	}
	return r, nil
}

func execute(ctx context.Context, cfg config, stdout, stderr io.Writer) (err error) {
	codec, err := methpacker.ParseCodec(cfg.codec)
	if err != nil {
		return err
	}

	level := slog.LevelWarn
	if cfg.verbose {
		level = slog.LevelDebug
	}
	logger := methpacker.NewLogger(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	db, err := methpacker.Open(ctx, methpacker.Options{
		InputPath:     cfg.inputFile,
		StorePath:     cfg.storeFile,
		ReferencePath: cfg.refFile,
		Workers:       cfg.workers,
		Force:         cfg.force,
		Verbose:       cfg.verbose,
		Logger:        logger,
		Codec:         codec,
		ChunkRows:     cfg.chunkRows,
	})
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck // read-only handle

	if len(cfg.queries) == 0 {
		logger.Info("store ready", "path", db.Path(), "chromosomes", len(db.Chromosomes()),
			"codec", db.Codec().String(), "chunk_rows", db.ChunkRows())
		return nil
	}

	output, cleanup, err := openOutput(cfg.outputFile, stdout)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := cleanup(); cerr != nil && err == nil {
			err = fmt.Errorf("writing output: %w", cerr)
		}
	}()

	for _, r := range cfg.queries {
		r.query.MinCoverage = cfg.minCov
		r.query.MaxCoverage = cfg.maxCov
		if err := printRegion(output, db, r, cfg); err != nil {
			return err
		}
	}
	return nil
}

func openOutput(path string, stdout io.Writer) (*bufio.Writer, func() error, error) {
	if path == "" || path == "-" {
		bw := bufio.NewWriterSize(stdout, 1<<20)
		return bw, bw.Flush, nil
	}

	f, err := os.Create(path) //nolint:gosec // CLI tool needs to create user-specified files
	if err != nil {
		return nil, nil, fmt.Errorf("cannot create output: %w", err)
	}
	bw := bufio.NewWriterSize(f, 1<<20)
	return bw, func() error {
		if err := bw.Flush(); err != nil {
			_ = f.Close()
			return err
		}
		return f.Close()
	}, nil
}

// printRegion writes one tab-delimited line per position.
func printRegion(w *bufio.Writer, db *methpacker.DB, r region, cfg config) error {
	first := max(r.query.Start, 1)

	switch {
	case cfg.ratio:
		ratios, err := db.Ratios(r.chrom, r.query)
		if err != nil {
			return err
		}
		for i, v := range ratios {
			fmt.Fprintf(w, "%s\t%d\t%s\n", r.chrom, first+i, strconv.FormatFloat(v, 'g', 6, 64))
		}
	case cfg.symbolic:
		syms, err := db.FetchSymbolic(r.chrom, r.query)
		if err != nil {
			return err
		}
		for i, s := range syms {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d\t%d\t%d\t%d\n",
				r.chrom, first+i, orDot(s.Context), orDot(s.Strand), s.C, s.CT, s.G, s.GA)
		}
	default:
		recs, err := db.Fetch(r.chrom, r.query)
		if err != nil {
			return err
		}
		for i, rec := range recs {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
				r.chrom, first+i, rec[0], rec[1], rec[2], rec[3], rec[4], rec[5])
		}
	}
	return nil
}

func orDot(s string) string {
	if s == "" {
		return "."
	}
	return s
}
