// Package reference loads chromosome lengths from a FASTA index (.fai).
package reference

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
)

// ErrReferenceNotFound is returned when the FASTA file does not exist.
var ErrReferenceNotFound = errors.New("reference not found")

// Catalog maps chromosome names to lengths.
type Catalog struct {
	lengths map[string]int
	sorted  []string
}

// NewCatalog builds a catalog from a name to length mapping.
func NewCatalog(lengths map[string]int) *Catalog {
	c := &Catalog{lengths: make(map[string]int, len(lengths))}
	for name, n := range lengths {
		c.lengths[name] = n
		c.sorted = append(c.sorted, name)
	}
	slices.Sort(c.sorted)
	return c
}

// Len returns the length of chrom and whether it is known.
func (c *Catalog) Len(chrom string) (int, bool) {
	n, ok := c.lengths[chrom]
	return n, ok
}

// Sorted returns chromosome names in lexicographic order.
// The returned slice must not be modified.
func (c *Catalog) Sorted() []string {
	return c.sorted
}

// ID returns the position of chrom in Sorted, or -1.
func (c *Catalog) ID(chrom string) int {
	i, ok := slices.BinarySearch(c.sorted, chrom)
	if !ok {
		return -1
	}
	return i
}

// MaxLength returns the longest chromosome length.
func (c *Catalog) MaxLength() int {
	var m int
	for _, n := range c.lengths {
		m = max(m, n)
	}
	return m
}

// ReadFAI parses a FASTA index. Only the name and length columns are
// required; the remaining columns are ignored. The name column is cut at the
// first space so indexes written with full headers resolve by ID.
func ReadFAI(r io.Reader) (*Catalog, error) {
	lengths := make(map[string]int)
	seen := make(map[string]int)
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			return nil, fmt.Errorf("fai line %d: expected name and length", lineNo)
		}
		name, _, _ := strings.Cut(fields[0], " ")
		n, err := strconv.Atoi(fields[1])
		if err != nil || n < 0 {
			return nil, fmt.Errorf("fai line %d: invalid length %q", lineNo, fields[1])
		}
		if prev, ok := seen[name]; ok {
			return nil, fmt.Errorf("fai line %d: %w: %s (first on line %d)", lineNo, ErrDuplicateSequence, name, prev)
		}
		seen[name] = lineNo
		lengths[name] = n
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading fai: %w", err)
	}
	return NewCatalog(lengths), nil
}

// Load returns the catalog for the FASTA at fastaPath, reading
// fastaPath+".fai". When the index is missing the lengths are read from the
// FASTA itself and the index is written next to it; failing to write the
// index is only logged.
func Load(fastaPath string, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if _, err := os.Stat(fastaPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrReferenceNotFound, fastaPath)
		}
		return nil, err
	}

	faiPath := fastaPath + ".fai"
	f, err := os.Open(faiPath) //nolint:gosec // user-specified reference
	if err == nil {
		defer f.Close() //nolint:errcheck // read-only
		return ReadFAI(f)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("opening fai: %w", err)
	}

	logger.Debug("fasta index missing, indexing reference", "fasta", fastaPath)
	lengths, err := ScanFASTA(fastaPath)
	if err != nil {
		return nil, err
	}
	if err := WriteIndex(fastaPath); err != nil {
		logger.Warn("could not write fasta index", "path", faiPath, "error", err)
	}
	return NewCatalog(lengths), nil
}
