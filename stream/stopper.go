package stream

import (
	"strings"
	"sync"

	"github.com/BaSui01/streamflow/types"
)

// StopBuffer accumulates streamed text chunks and holds them back until it
// is certain no configured stop sequence can still complete at the buffer
// tail. When a stop sequence does appear, the accumulated text is truncated
// at the stop boundary and the buffer latches into a stopped state: further
// appends are ignored.
//
// A single mutex serializes all state-touching operations, so one consumer
// and any number of producers may use the buffer concurrently. The buffer
// is created per streaming session and discarded after the final Yield.
type StopBuffer struct {
	mu            sync.Mutex
	stopSequences []string
	enforcer      Enforcer
	pending       *types.Chunk
	stopped       bool
}

// NewStopBuffer creates a buffer for the given stop sequences. The enforcer
// is the injected truncation strategy; nil selects LiteralEnforcer. The
// stop-sequence slice is copied and never mutated.
func NewStopBuffer(stopSequences []string, enforcer Enforcer) *StopBuffer {
	if enforcer == nil {
		enforcer = NewLiteralEnforcer()
	}
	stops := make([]string, len(stopSequences))
	copy(stops, stopSequences)
	return &StopBuffer{
		stopSequences: stops,
		enforcer:      enforcer,
	}
}

// Append adds the chunk's text to the pending accumulation. It is a no-op
// once a stop sequence has been detected.
func (b *StopBuffer) Append(chunk types.Chunk) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return
	}
	if b.pending == nil {
		c := chunk
		b.pending = &c
		return
	}
	b.pending.SetText(b.pending.Text + chunk.Text)
}

// ShouldStop runs the enforcer over the full accumulated text. When the
// enforcer returns a modified (truncated) string, the accumulation — and
// its message mirror, if present — is replaced by the truncated value and
// the buffer latches stopped. Returns false when no stop sequences are
// configured or nothing has been accumulated yet.
func (b *StopBuffer) ShouldStop() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return true
	}
	if len(b.stopSequences) == 0 || b.pending == nil {
		return false
	}

	enforced := b.enforcer.Enforce(b.pending.Text, b.stopSequences)
	if enforced == b.pending.Text {
		return false
	}
	b.pending.SetText(enforced)
	b.stopped = true
	return true
}

// CanYield reports whether the pending chunk is safe to release: there must
// be a pending chunk, and no configured stop sequence may still be in
// progress at the tail of the accumulated text. A fragment whose tail
// matches a non-empty prefix of any stop sequence is held back, because the
// remaining suffix may arrive in the next fragment.
func (b *StopBuffer) CanYield() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pending == nil {
		return false
	}
	if b.stopped {
		return true
	}
	return !hasSequenceStarted(b.pending.Text, b.stopSequences)
}

// Yield atomically snapshots the pending chunk, resets the accumulator, and
// returns producer(chunk). The second return value is false when nothing is
// pending. The producer decides the output shape; passing nil returns the
// snapshot unchanged.
func (b *StopBuffer) Yield(producer func(types.Chunk) types.Chunk) (types.Chunk, bool) {
	b.mu.Lock()
	if b.pending == nil {
		b.mu.Unlock()
		return types.Chunk{}, false
	}
	snapshot := *b.pending
	b.pending = nil
	b.mu.Unlock()

	if producer == nil {
		return snapshot, true
	}
	return producer(snapshot), true
}

// Stopped reports whether a stop sequence has been detected.
func (b *StopBuffer) Stopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

// hasSequenceStarted reports whether text ends with any non-empty prefix of
// any stop sequence.
func hasSequenceStarted(text string, stopSequences []string) bool {
	for _, stop := range stopSequences {
		for i := len(stop); i > 0; i-- {
			if strings.HasSuffix(text, stop[:i]) {
				return true
			}
		}
	}
	return false
}
