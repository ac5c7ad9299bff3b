// Package shm allocates shared int32 segments used as scratch space by
// parallel index builds.
package shm

import (
	"errors"
	"sync/atomic"
	"unsafe"
)

// ErrReleased is returned when a released segment is used.
var ErrReleased = errors.New("shm: segment released")

// Segment is a fixed-size int32 region shared by every worker of a build.
// It must be released exactly once when the build finishes.
type Segment struct {
	data     []byte
	words    []int32
	release  func([]byte) error
	released atomic.Bool
}

// Alloc maps a zeroed segment holding n int32 values.
func Alloc(n int) (*Segment, error) {
	if n < 0 {
		return nil, errors.New("shm: negative size")
	}
	if n == 0 {
		return &Segment{}, nil
	}

	data, release, err := osAlloc(n * 4)
	if err != nil {
		return nil, err
	}
	return &Segment{
		data:    data,
		words:   unsafe.Slice((*int32)(unsafe.Pointer(&data[0])), n),
		release: release,
	}, nil
}

// Int32s returns the segment contents. The slice is invalid after Release.
func (s *Segment) Int32s() []int32 {
	return s.words
}

// Len returns the number of int32 values in the segment.
func (s *Segment) Len() int {
	return len(s.words)
}

// Release unmaps the segment. Releasing twice returns ErrReleased.
func (s *Segment) Release() error {
	if s.released.Swap(true) {
		return ErrReleased
	}
	s.words = nil
	if s.release != nil && s.data != nil {
		data := s.data
		s.data = nil
		return s.release(data)
	}
	return nil
}
