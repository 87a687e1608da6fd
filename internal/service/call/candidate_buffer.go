package call

import (
	"peercall-backend/internal/domain"
)

// CandidateBuffer feeds one remote side's candidate sequence to the engine.
//
// The remote sequence is append-only, so the buffer only remembers how much
// of it has been observed. Candidates seen before the remote description is
// applied wait in arrival order; MarkReady replays them and every later
// candidate is applied as soon as it is observed. Each position in the
// sequence reaches apply exactly once.
type CandidateBuffer struct {
	apply    func(domain.ICECandidate) error
	observed int
	pending  []domain.ICECandidate
	ready    bool
}

// NewCandidateBuffer creates a buffer that hands candidates to apply
func NewCandidateBuffer(apply func(domain.ICECandidate) error) *CandidateBuffer {
	return &CandidateBuffer{apply: apply}
}

// Observe takes the remote sequence as currently stored and processes the
// entries not seen before. It returns how many were applied and how many
// were buffered. A sequence shorter than what was already observed is
// ignored.
func (b *CandidateBuffer) Observe(seq []domain.ICECandidate) (applied, buffered int, err error) {
	if len(seq) <= b.observed {
		return 0, 0, nil
	}
	fresh := seq[b.observed:]
	b.observed = len(seq)

	if !b.ready {
		b.pending = append(b.pending, fresh...)
		return 0, len(fresh), nil
	}
	for _, c := range fresh {
		if err := b.apply(c); err != nil {
			return applied, 0, err
		}
		applied++
	}
	return applied, 0, nil
}

// MarkReady must be called right after the remote description was applied.
// It flushes buffered candidates in order; later calls are no-ops.
func (b *CandidateBuffer) MarkReady() (int, error) {
	if b.ready {
		return 0, nil
	}
	b.ready = true

	flushed := 0
	for len(b.pending) > 0 {
		c := b.pending[0]
		b.pending = b.pending[1:]
		if err := b.apply(c); err != nil {
			return flushed, err
		}
		flushed++
	}
	b.pending = nil
	return flushed, nil
}

// Ready reports whether the remote description has been applied
func (b *CandidateBuffer) Ready() bool { return b.ready }

// Pending returns the number of buffered candidates
func (b *CandidateBuffer) Pending() int { return len(b.pending) }

// Observed returns the length of the remote sequence seen so far
func (b *CandidateBuffer) Observed() int { return b.observed }
