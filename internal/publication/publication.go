// Package publication implements the Outbound Publication abstraction: a
// claim-then-commit byte sink with backpressure, backed by the lock-free MPSC
// ring buffer the teacher's matching engine uses to sequence orders
// (internal/matching/engine.OrderSequencer in the source this was adapted
// from). Here the ring buffer carries committed outbound frames from the
// framer thread to the transport writer goroutine instead of orders from gRPC
// handlers to the matching engine.
package publication

import (
	"errors"

	"github.com/wyfcoding/pkg/algorithm"
)

// ErrBackpressure is returned by Commit when the ring buffer is full. The
// session must treat this as "no progress" and retry on the next poll rather
// than buffering unboundedly.
var ErrBackpressure = errors.New("publication: backpressure, no free slot")

// ErrAlreadyResolved is returned by Commit or Abort when the slot has
// already been committed or aborted.
var ErrAlreadyResolved = errors.New("publication: slot already committed or aborted")

// frame is the unit carried across the ring buffer: an already-encoded
// outbound byte sequence plus its destination connection id.
type frame struct {
	connectionID uint64
	data         []byte
}

// Publication is the single-producer side of the outbound byte sink. It is
// owned exclusively by the framer thread; a Reader drains it from the
// transport-writer goroutine.
type Publication struct {
	buffer *algorithm.MpscRingBuffer[frame]
}

// New creates a Publication with the given ring buffer capacity (number of
// in-flight frames, not bytes).
func New(capacity uint64) (*Publication, error) {
	rb, err := algorithm.NewMpscRingBuffer[frame](capacity)
	if err != nil {
		return nil, err
	}
	return &Publication{buffer: rb}, nil
}

// Slot is a claimed, not-yet-committed destination buffer. Buf has exactly
// the length requested by TryClaim; write into it, then call Commit or Abort
// exactly once.
type Slot struct {
	pub          *Publication
	connectionID uint64
	Buf          []byte
	resolved     bool
}

// TryClaim reserves a slot of the given length for connectionID. It never
// blocks and always succeeds: it does not check the ring buffer, so a full
// buffer is reported only by Commit, never by TryClaim.
func (p *Publication) TryClaim(connectionID uint64, length int) (*Slot, error) {
	if length < 0 {
		length = 0
	}
	return &Slot{
		pub:          p,
		connectionID: connectionID,
		Buf:          make([]byte, length),
	}, nil
}

// Commit publishes the slot's contents onto the ring buffer for the
// transport-writer goroutine to drain. Returns ErrBackpressure if the ring
// buffer is full — the caller must retry the whole claim on a later poll,
// since the session must not hold partially-committed state.
func (s *Slot) Commit() error {
	if s.resolved {
		return ErrAlreadyResolved
	}
	s.resolved = true
	f := &frame{connectionID: s.connectionID, data: s.Buf}
	if !s.pub.buffer.Offer(f) {
		return ErrBackpressure
	}
	return nil
}

// Abort discards the slot without publishing it.
func (s *Slot) Abort() error {
	if s.resolved {
		return ErrAlreadyResolved
	}
	s.resolved = true
	return nil
}

// Reader is the consumer side, used by the transport-writer goroutine. It is
// read-only: it never claims slots.
type Reader struct {
	buffer *algorithm.MpscRingBuffer[frame]
}

// NewReader wraps a Publication's underlying buffer for draining.
func NewReader(p *Publication) *Reader {
	return &Reader{buffer: p.buffer}
}

// Poll returns the next committed frame's connection id and bytes, or
// ok=false if nothing is pending.
func (r *Reader) Poll() (connectionID uint64, data []byte, ok bool) {
	f := r.buffer.Poll()
	if f == nil {
		return 0, nil, false
	}
	return f.connectionID, f.data, true
}
