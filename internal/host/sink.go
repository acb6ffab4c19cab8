package host

import (
	"errors"

	"forkd/internal/fork"
	"forkd/internal/keystroke"
	"forkd/internal/logging"
)

// BufferedSink adapts a keystroke.Emitter to fork.Sink. When the emitter
// reports ErrWouldBlock the sink freezes and keeps the refused event until
// Retry gets it through.
type BufferedSink struct {
	emitter keystroke.Emitter
	log     *logging.Logger

	frozen  bool
	pending []keystroke.Event
	now     keystroke.Time

	// Emitted and Dropped count events written and lost to emitter errors.
	Emitted uint64
	Dropped uint64
}

// NewBufferedSink wraps emitter.
func NewBufferedSink(emitter keystroke.Emitter, log *logging.Logger) *BufferedSink {
	if log == nil {
		log = logging.Discard()
	}
	return &BufferedSink{emitter: emitter, log: log}
}

// Frozen implements fork.Sink.
func (s *BufferedSink) Frozen() bool { return s.frozen }

// Deliver implements fork.Sink.
func (s *BufferedSink) Deliver(ev keystroke.Event) {
	if s.frozen {
		s.pending = append(s.pending, ev)
		return
	}
	s.write(ev)
}

func (s *BufferedSink) write(ev keystroke.Event) bool {
	err := s.emitter.Emit(ev)
	switch {
	case err == nil:
		s.Emitted++
		return true
	case errors.Is(err, keystroke.ErrWouldBlock):
		s.frozen = true
		s.pending = append(s.pending, ev)
		s.log.Debug("emitter full, freezing", "event", ev.String())
		return false
	default:
		// A broken emitter must not stall the keyboard.
		s.Dropped++
		s.log.Error("emit failed, event lost", "event", ev.String(), "error", err)
		return true
	}
}

// AdvanceTime implements fork.Sink. The emitter has no notion of time; the
// value is kept for diagnostics.
func (s *BufferedSink) AdvanceTime(now keystroke.Time) { s.now = now }

// Wakeup implements fork.Sink.
func (s *BufferedSink) Wakeup() fork.Wakeup { return fork.NoWakeup }

// Retry writes held events. It returns true when the sink thawed.
func (s *BufferedSink) Retry() bool {
	if !s.frozen {
		return false
	}
	s.frozen = false
	held := s.pending
	s.pending = nil
	for i, ev := range held {
		if !s.write(ev) {
			s.pending = append(s.pending, held[i+1:]...)
			return false
		}
	}
	s.log.Debug("emitter accepting again")
	return true
}

// Held returns the number of events waiting for the emitter.
func (s *BufferedSink) Held() int { return len(s.pending) }
