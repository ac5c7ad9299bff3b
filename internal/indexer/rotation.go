package indexer

import "sync"

// pendingLine is the first line of a new chromosome a parked worker holds.
type pendingLine struct {
	index int64
	chrom string
	set   bool
}

// rotation is the barrier that moves all workers from one chromosome to the
// next. Exactly one chromosome is active at a time. Workers whose next line
// belongs to another chromosome park in transition until the coordinator
// arms that chromosome. The coordinator flushes the active chromosome once
// every worker is parked or done.
type rotation struct {
	mu   sync.Mutex
	cond *sync.Cond

	active     string
	generation uint64

	ready   []bool // armed for the active chromosome
	done    []bool
	pending []pendingLine
	last    []int64 // last line index each worker wrote in the active phase
	err     error
}

func newRotation(workers int) *rotation {
	r := &rotation{
		ready:   make([]bool, workers),
		done:    make([]bool, workers),
		pending: make([]pendingLine, workers),
		last:    make([]int64, workers),
	}
	for i := range r.last {
		r.last[i] = -1
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// transition parks worker id on the line at index, which belongs to chrom,
// and returns once chrom is active. last is the index of the final line the
// worker wrote before parking, or -1.
func (r *rotation) transition(id int, index int64, chrom string, last int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending[id] = pendingLine{index: index, chrom: chrom, set: true}
	r.last[id] = max(r.last[id], last)
	r.ready[id] = false
	r.cond.Broadcast()

	for {
		if r.err != nil {
			return r.err
		}
		if r.ready[id] {
			if r.active == chrom {
				r.pending[id].set = false
				return nil
			}
			// Armed for someone else's chromosome: stay parked.
			r.ready[id] = false
			r.cond.Broadcast()
		}
		r.cond.Wait()
	}
}

// finish marks worker id as out of input.
func (r *rotation) finish(id int, last int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done[id] = true
	r.ready[id] = false
	r.pending[id].set = false
	r.last[id] = max(r.last[id], last)
	r.cond.Broadcast()
}

// abort fails the build and wakes every waiter. The first error wins.
func (r *rotation) abort(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail(err)
}

func (r *rotation) fail(err error) error {
	if r.err == nil {
		r.err = err
	}
	r.cond.Broadcast()
	return r.err
}

// quorum reports whether every worker is parked or done. Callers hold r.mu.
func (r *rotation) quorum() bool {
	for i := range r.done {
		if r.done[i] {
			continue
		}
		if !r.pending[i].set || r.ready[i] {
			return false
		}
	}
	return true
}

// nextBlock returns the pending line with the smallest index. Every line
// before it has already been written, so its chromosome starts the next block.
func (r *rotation) nextBlock() (pendingLine, bool) {
	var (
		next  pendingLine
		found bool
	)
	for i, p := range r.pending {
		if r.done[i] || !p.set {
			continue
		}
		if !found || p.index < next.index {
			next, found = p, true
		}
	}
	return next, found
}

// lastWritten returns the highest line index written in the active phase.
func (r *rotation) lastWritten() int64 {
	m := int64(-1)
	for _, l := range r.last {
		m = max(m, l)
	}
	return m
}

// step waits for quorum, flushes the active chromosome and arms the next one.
// It returns false once all input is consumed.
func (r *rotation) step(flush func(chrom string) error, prepare func(next pendingLine) error) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for r.err == nil && !r.quorum() {
		r.cond.Wait()
	}
	if r.err != nil {
		return false, r.err
	}

	next, more := r.nextBlock()
	if r.active != "" {
		if last := r.lastWritten(); more && last > next.index {
			return false, r.fail(unsortedError(r.active, last))
		}
		if err := flush(r.active); err != nil {
			return false, r.fail(err)
		}
	}
	if !more {
		return false, nil
	}
	if err := prepare(next); err != nil {
		return false, r.fail(err)
	}

	r.active = next.chrom
	r.generation++
	for i := range r.ready {
		r.last[i] = -1
		r.ready[i] = !r.done[i]
	}
	r.cond.Broadcast()
	return true, nil
}
