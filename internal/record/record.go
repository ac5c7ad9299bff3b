// Package record defines the fixed-width methylation record stored per
// genomic position.
package record

import (
	"errors"
	"fmt"
)

// Width is the number of int32 fields in a record.
const Width = 6

// Field offsets within a Record.
const (
	FieldContext = iota
	FieldStrand
	FieldC
	FieldCT
	FieldG
	FieldGA
)

// Missing is the reserved value marking absent data. It is part of the
// on-disk format: every slot of a position that was never written holds it.
const Missing int32 = -1

// Record is {context, strand, c, ct, g, ga} for one cytosine position.
type Record [Width]int32

// Sentinel is the record stored at positions with no observed data.
var Sentinel = Record{Missing, Missing, Missing, Missing, Missing, Missing}

// Context is the sequence context of a cytosine site.
type Context uint8

// Known contexts, in on-disk index order.
const (
	CG Context = iota
	CHG
	CHH
)

var contextNames = [...]string{"CG", "CHG", "CHH"}

func (c Context) String() string {
	if int(c) < len(contextNames) {
		return contextNames[c]
	}
	return fmt.Sprintf("Context(%d)", uint8(c))
}

// Strand is the DNA strand a site was observed on.
type Strand uint8

// Known strands, in on-disk index order.
const (
	Plus Strand = iota
	Minus
)

var strandNames = [...]string{"+", "-"}

func (s Strand) String() string {
	if int(s) < len(strandNames) {
		return strandNames[s]
	}
	return fmt.Sprintf("Strand(%d)", uint8(s))
}

var (
	ErrUnknownContext = errors.New("unknown context")
	ErrUnknownStrand  = errors.New("unknown strand")
)

// ParseContext maps CG, CHG or CHH to its index.
func ParseContext(b []byte) (Context, error) {
	for i, name := range contextNames {
		if string(b) == name {
			return Context(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownContext, b)
}

// ParseStrand maps + or - to its index.
func ParseStrand(b []byte) (Strand, error) {
	if len(b) == 1 {
		switch b[0] {
		case '+':
			return Plus, nil
		case '-':
			return Minus, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownStrand, b)
}

// New builds a record from its decoded parts.
func New(ctx Context, strand Strand, c, ct, g, ga int32) Record {
	return Record{int32(ctx), int32(strand), c, ct, g, ga}
}

// IsSentinel reports whether r carries no data.
func (r Record) IsSentinel() bool {
	return r == Sentinel
}

// Coverage returns the CT read depth, or Missing for sentinel records.
func (r Record) Coverage() int32 {
	if r.IsSentinel() {
		return Missing
	}
	return r[FieldCT]
}

// Ratio returns the methylation ratio c/ct, or -1 when there is no data or
// no coverage.
func (r Record) Ratio() float64 {
	cov := r.Coverage()
	if cov <= 0 {
		return -1
	}
	return float64(r[FieldC]) / float64(cov)
}

// Symbolic is a record with context and strand spelled out.
type Symbolic struct {
	Context string
	Strand  string
	C       int32
	CT      int32
	G       int32
	GA      int32
}

// Symbolic decodes the context and strand indices. Sentinel records decode
// to empty symbols with Missing counts.
func (r Record) Symbolic() Symbolic {
	s := Symbolic{C: r[FieldC], CT: r[FieldCT], G: r[FieldG], GA: r[FieldGA]}
	if ci := r[FieldContext]; ci >= 0 && int(ci) < len(contextNames) {
		s.Context = contextNames[ci]
	}
	if si := r[FieldStrand]; si >= 0 && int(si) < len(strandNames) {
		s.Strand = strandNames[si]
	}
	return s
}

// Fill sets every slot of dst to Missing.
func Fill(dst []int32) {
	for i := range dst {
		dst[i] = Missing
	}
}
