// Package mmap maps store files read-only into memory.
package mmap

import (
	"errors"
	"os"
	"sync/atomic"
)

// ErrClosed is returned when reading a closed mapping.
var ErrClosed = errors.New("mmap: mapping closed")

// Mapping is a read-only memory-mapped file.
type Mapping struct {
	data   []byte
	closed atomic.Bool
	unmap  func([]byte) error
}

// Open maps the file at path into memory.
func Open(path string) (*Mapping, error) {
	f, err := os.Open(path) //nolint:gosec // caller-specified store
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck // the mapping outlives the descriptor

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	size := fi.Size()
	if size == 0 {
		return &Mapping{}, nil
	}

	data, unmap, err := osMap(f, int(size))
	if err != nil {
		return nil, err
	}
	return &Mapping{data: data, unmap: unmap}, nil
}

// Bytes returns the mapped contents. The slice is valid until Close.
func (m *Mapping) Bytes() ([]byte, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	return m.data, nil
}

// Len returns the mapped size in bytes.
func (m *Mapping) Len() int {
	return len(m.data)
}

// Close unmaps the file. It is idempotent.
func (m *Mapping) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	if m.unmap != nil && m.data != nil {
		return m.unmap(m.data)
	}
	return nil
}
