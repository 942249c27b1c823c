package progress

import "context"

const defaultBuffer = 64

// Stream is a single-consumer ordered event sequence for one pipeline run.
// Producers call Emit; the consumer ranges over Events until it sees a
// terminal event. The channel is never closed — the terminal event is the
// end-of-stream marker, which lets late producer goroutines (cancelled
// analysis units winding down) emit harmlessly into the buffer instead of
// panicking on a closed channel.
type Stream struct {
	ctx context.Context
	ch  chan Event
}

// NewStream creates a Stream bound to the run's context. When the context
// is cancelled, pending Emit calls unblock and further events are dropped.
func NewStream(ctx context.Context) *Stream {
	return &Stream{ctx: ctx, ch: make(chan Event, defaultBuffer)}
}

// Emit delivers an event to the consumer, preserving emission order per
// producer goroutine. Blocks until the consumer takes it, buffer space
// frees up, or the run context is cancelled.
func (s *Stream) Emit(ev Event) {
	select {
	case s.ch <- ev:
	case <-s.ctx.Done():
	}
}

// Events returns the receive side of the stream.
func (s *Stream) Events() <-chan Event {
	return s.ch
}
