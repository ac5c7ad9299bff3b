package methpacker

import (
	"errors"

	"github.com/vertti/methpacker/internal/format"
	"github.com/vertti/methpacker/internal/indexer"
	"github.com/vertti/methpacker/internal/parser"
	"github.com/vertti/methpacker/internal/reference"
	"github.com/vertti/methpacker/internal/store"
)

var (
	// ErrInputNotFound is returned when a build is needed but the input file is missing.
	ErrInputNotFound = errors.New("input not found")
	// ErrNoStore is returned when neither an input nor a store path is given.
	ErrNoStore = errors.New("no input or store given")

	ErrReferenceNotFound  = reference.ErrReferenceNotFound
	ErrDuplicateSequence  = reference.ErrDuplicateSequence
	ErrUnknownChromosome  = indexer.ErrUnknownChromosome
	ErrPositionOutOfRange = indexer.ErrPositionOutOfRange
	ErrUnsortedInput      = indexer.ErrUnsortedInput
	ErrShapeMismatch      = store.ErrShapeMismatch
	ErrCorrupt            = format.ErrCorrupt
	ErrClosed             = store.ErrClosed
)

// ParseError reports a malformed input line.
type ParseError = parser.ParseError
