// Package retransmit implements the ILink3 Retransmit Engine of spec.md
// §4.4: a bounded request/fill controller that shapes a detected gap into
// at most MAX_BATCH_SIZE-sized RetransmitRequest batches, keeps at most one
// batch in flight per session, and advances through a queue of batches
// across accepts and rejects alike.
package retransmit

// DefaultMaxBatchSize is the spec's "typically 2500" batch ceiling.
const DefaultMaxBatchSize = 2500

// Batch is one RetransmitRequest worth of work: a contiguous seq range on a
// single uuid (the current uuid, or a prior one for cross-uuid retransmit).
type Batch struct {
	UUID      uint64
	FromSeqNo uint64
	Count     uint32
}

// Engine tracks the queue of batches needed to close a detected gap and the
// at-most-one in-flight batch spec.md §3's invariant requires.
type Engine struct {
	maxBatch uint32
	queue    []Batch
	inFlight *Batch
	fillSeqNo uint64
}

// New returns an Engine that splits gaps into batches of at most maxBatch
// messages. maxBatch <= 0 selects DefaultMaxBatchSize.
func New(maxBatch uint32) *Engine {
	if maxBatch == 0 {
		maxBatch = DefaultMaxBatchSize
	}
	return &Engine{maxBatch: maxBatch}
}

// RequestGap enqueues the batches needed to cover [fromSeqNo,
// toSeqNoInclusive] on uuid, splitting at maxBatch boundaries (spec.md §4.4
// "Large retransmit" scenario).
func (e *Engine) RequestGap(uuid, fromSeqNo, toSeqNoInclusive uint64) {
	if toSeqNoInclusive < fromSeqNo {
		return
	}
	remaining := toSeqNoInclusive - fromSeqNo + 1
	cursor := fromSeqNo
	for remaining > 0 {
		n := uint64(e.maxBatch)
		if remaining < n {
			n = remaining
		}
		e.queue = append(e.queue, Batch{UUID: uuid, FromSeqNo: cursor, Count: uint32(n)})
		cursor += n
		remaining -= n
	}
}

// InFlight reports whether a batch is currently outstanding.
func (e *Engine) InFlight() bool {
	return e.inFlight != nil
}

// Pending reports whether any batch — in flight or queued — remains.
func (e *Engine) Pending() bool {
	return e.inFlight != nil || len(e.queue) > 0
}

// Next pops the next queued batch and marks it in flight, if none is
// already outstanding. The caller is responsible for sending the
// RetransmitRequest this batch describes.
func (e *Engine) Next() (Batch, bool) {
	if e.inFlight != nil || len(e.queue) == 0 {
		return Batch{}, false
	}
	b := e.queue[0]
	e.queue = e.queue[1:]
	e.inFlight = &b
	return b, true
}

// OnAccepted records that the peer accepted the in-flight batch, setting
// the fill watermark (spec.md §4.4: fill_seq_no = from + count).
func (e *Engine) OnAccepted() {
	if e.inFlight == nil {
		return
	}
	e.fillSeqNo = e.inFlight.FromSeqNo + uint64(e.inFlight.Count)
}

// FillSeqNo returns the watermark that completes the in-flight batch, or
// (0, false) if nothing is in flight or nothing has been accepted yet.
func (e *Engine) FillSeqNo() (uint64, bool) {
	if e.inFlight == nil || e.fillSeqNo == 0 {
		return 0, false
	}
	return e.fillSeqNo, true
}

// ObserveFillProgress reports whether nextRecvSeqNo has reached the
// in-flight batch's fill watermark; if so it clears the in-flight batch so
// the next queued one can start.
func (e *Engine) ObserveFillProgress(nextRecvSeqNo uint64) (complete bool) {
	if e.inFlight == nil || e.fillSeqNo == 0 {
		return false
	}
	if nextRecvSeqNo < e.fillSeqNo {
		return false
	}
	e.inFlight = nil
	e.fillSeqNo = 0
	return true
}

// OnReject skips the in-flight batch without stalling the session (spec.md
// §4.4: "do not stall the session; proceed to the next queued batch").
func (e *Engine) OnReject() {
	e.inFlight = nil
	e.fillSeqNo = 0
}
