// Package parser provides fast parsing of BSMAP methratio files.
//
// A methratio file is tab-delimited with an optional header line:
//
//	chr  pos  strand  context  ratio  eff_CT_count  C_count  CT_count  rev_G_count  rev_GA_count  CI_lower  CI_upper
//
// Only columns 0-3 and 6-9 are used.
package parser

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/vertti/methpacker/internal/record"
)

// MinFields is the number of tab-separated fields a data line must carry.
const MinFields = 10

// headerMarker is the first field of a methratio header line.
const headerMarker = "chr"

// Column indices within a data line.
const (
	colChrom   = 0
	colPos     = 1
	colStrand  = 2
	colContext = 3
	colC       = 6
	colCT      = 7
	colG       = 8
	colGA      = 9
)

// Line is one decoded data line.
type Line struct {
	Index  int64  // 0-based index among data lines (header and comments excluded)
	Chrom  string // chromosome name
	Pos    int    // 0-based position
	Record record.Record
}

// ParseError reports a malformed data line.
type ParseError struct {
	Line  int    // 1-based physical line number
	Field string // offending column, if known
	Err   error
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("line %d: %s: %v", e.Line, e.Field, e.Err)
	}
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

var (
	ErrTooFewFields = errors.New("too few fields")
	ErrNotInteger   = errors.New("not an integer")
	ErrBadPosition  = errors.New("position must be >= 1")
	// ErrNegativeCount rejects counts that would collide with the absent marker.
	ErrNegativeCount = errors.New("count must be >= 0")
)

// Parser reads methratio data lines from an input stream.
type Parser struct {
	reader   *bufio.Reader
	line     []byte // reusable buffer for reading lines
	fields   [][]byte
	lineNo   int
	next     int64
	sawFirst bool

	// last chromosome name, reused while consecutive lines share it
	chrom string
}

// New creates a new methratio parser.
func New(r io.Reader) *Parser {
	return &Parser{
		reader: bufio.NewReaderSize(r, 1<<20), // 1MB buffer
		line:   make([]byte, 0, 256),
		fields: make([][]byte, 0, 12),
	}
}

// Next reads and decodes the next data line.
// Returns io.EOF when no more lines are available.
func (p *Parser) Next() (Line, error) {
	for {
		raw, err := p.readLine()
		if err != nil {
			return Line{}, err
		}
		if len(raw) == 0 || raw[0] == '#' {
			continue
		}

		p.split(raw)
		if !p.sawFirst {
			p.sawFirst = true
			if string(p.fields[0]) == headerMarker {
				continue
			}
		}

		ln, err := p.decode()
		if err != nil {
			return Line{}, err
		}
		ln.Index = p.next
		p.next++
		return ln, nil
	}
}

// Skip advances past the next data line without decoding its fields.
// It is used by strided readers to step over lines owned by other workers.
func (p *Parser) Skip() error {
	for {
		raw, err := p.readLine()
		if err != nil {
			return err
		}
		if len(raw) == 0 || raw[0] == '#' {
			continue
		}
		if !p.sawFirst {
			p.sawFirst = true
			first := raw
			if tab := bytes.IndexByte(raw, '\t'); tab >= 0 {
				first = raw[:tab]
			}
			if string(first) == headerMarker {
				continue
			}
		}
		p.next++
		return nil
	}
}

func (p *Parser) split(raw []byte) {
	p.fields = p.fields[:0]
	for {
		tab := bytes.IndexByte(raw, '\t')
		if tab < 0 {
			p.fields = append(p.fields, raw)
			return
		}
		p.fields = append(p.fields, raw[:tab])
		raw = raw[tab+1:]
	}
}

func (p *Parser) decode() (Line, error) {
	f := p.fields
	if len(f) < MinFields {
		return Line{}, &ParseError{Line: p.lineNo, Err: fmt.Errorf("%w: got %d, need %d", ErrTooFewFields, len(f), MinFields)}
	}

	pos, err := parseInt32(f[colPos])
	if err != nil {
		return Line{}, &ParseError{Line: p.lineNo, Field: "pos", Err: err}
	}
	if pos < 1 {
		return Line{}, &ParseError{Line: p.lineNo, Field: "pos", Err: ErrBadPosition}
	}
	strand, err := record.ParseStrand(f[colStrand])
	if err != nil {
		return Line{}, &ParseError{Line: p.lineNo, Field: "strand", Err: err}
	}
	ctx, err := record.ParseContext(f[colContext])
	if err != nil {
		return Line{}, &ParseError{Line: p.lineNo, Field: "context", Err: err}
	}

	var counts [4]int32
	for i, col := range [...]int{colC, colCT, colG, colGA} {
		counts[i], err = parseInt32(f[col])
		if err != nil {
			return Line{}, &ParseError{Line: p.lineNo, Field: countNames[i], Err: err}
		}
		if counts[i] < 0 {
			return Line{}, &ParseError{Line: p.lineNo, Field: countNames[i], Err: fmt.Errorf("%w: %q", ErrNegativeCount, f[col])}
		}
	}

	if string(f[colChrom]) != p.chrom {
		p.chrom = string(f[colChrom])
	}

	return Line{
		Chrom:  p.chrom,
		Pos:    int(pos) - 1,
		Record: record.New(ctx, strand, counts[0], counts[1], counts[2], counts[3]),
	}, nil
}

var countNames = [...]string{"C_count", "CT_count", "rev_G_count", "rev_GA_count"}

// parseInt32 parses an optionally signed decimal integer without allocating.
func parseInt32(b []byte) (int32, error) {
	if len(b) == 0 {
		return 0, fmt.Errorf("%w: empty", ErrNotInteger)
	}
	neg := false
	digits := b
	switch b[0] {
	case '-':
		neg = true
		digits = b[1:]
	case '+':
		digits = b[1:]
	}
	if len(digits) == 0 {
		return 0, fmt.Errorf("%w: %q", ErrNotInteger, b)
	}

	var n int64
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: %q", ErrNotInteger, b)
		}
		n = n*10 + int64(c-'0')
		if n > math.MaxInt32 {
			return 0, fmt.Errorf("%w: %q overflows int32", ErrNotInteger, b)
		}
	}
	if neg {
		n = -n
	}
	return int32(n), nil
}

// readLine reads a line from the input, stripping the newline.
// Reuses an internal buffer to minimize allocations.
func (p *Parser) readLine() ([]byte, error) {
	p.line = p.line[:0]

	for {
		segment, isPrefix, err := p.reader.ReadLine()
		if err != nil {
			return nil, err
		}

		p.line = append(p.line, segment...)

		if !isPrefix {
			break
		}
	}
	p.lineNo++

	// Trim any trailing CR (for Windows line endings)
	p.line = bytes.TrimSuffix(p.line, []byte{'\r'})

	return p.line, nil
}
