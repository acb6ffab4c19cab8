// Package fork implements the fork-decision automaton for dual-role keys.
//
// A Machine sits between one keyboard and a downstream Sink. Presses of
// forkable keys are held back until the machine can tell whether the key is
// being typed or held as a modifier; the press is then delivered either
// unchanged or rewritten to the key's fork target. Events leave the machine
// in the order they were decided, and a frozen sink simply stops the flow
// until it thaws.
//
// A Machine is not safe for concurrent use. The host serializes every call;
// the internal lock flag only detects reentry, it does not wait.
package fork

import (
	"fmt"
	"sync/atomic"

	"forkd/internal/forkconfig"
	"forkd/internal/history"
	"forkd/internal/keystroke"
	"forkd/internal/logging"
	"forkd/internal/metrics"
	"forkd/internal/queue"
)

// State is the automaton state.
type State uint8

const (
	// Normal: nothing is pending.
	Normal State = iota
	// Suspect: a forkable key is down and undecided.
	Suspect
	// Verify: a second key went down while suspecting.
	Verify
	// Deactivated: the suspect was decided not to fork.
	Deactivated
	// Activated: the suspect was forked.
	Activated
)

var stateNames = [...]string{"normal", "suspect", "verify", "deactivated", "activated"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

func (s State) terminal() bool {
	return s == Deactivated || s == Activated
}

// Item is an event while the machine owns it.
type Item struct {
	Event keystroke.Event
	// Forked is the physical keycode when Event.Code was rewritten by a
	// fork, zero otherwise.
	Forked keystroke.Keycode
}

type wakeupKind uint8

const (
	wakeNone wakeupKind = iota
	wakeNow
	wakeAt
)

// Wakeup is the time at which the host should next call AdvanceTime.
type Wakeup struct {
	kind wakeupKind
	at   keystroke.Time
}

// Wakeup values that carry no time.
var (
	NoWakeup = Wakeup{}
	WakeNow  = Wakeup{kind: wakeNow}
)

// WakeAt requests a call to AdvanceTime at t.
func WakeAt(t keystroke.Time) Wakeup {
	return Wakeup{kind: wakeAt, at: t}
}

// IsNone reports whether no wakeup is needed.
func (w Wakeup) IsNone() bool { return w.kind == wakeNone }

// IsNow reports whether the host should call back without waiting.
func (w Wakeup) IsNow() bool { return w.kind == wakeNow }

// At returns the requested time, if any.
func (w Wakeup) At() (keystroke.Time, bool) {
	return w.at, w.kind == wakeAt
}

func (w Wakeup) String() string {
	switch w.kind {
	case wakeNow:
		return "now"
	case wakeAt:
		return fmt.Sprintf("at %d", w.at)
	default:
		return "none"
	}
}

// Sink receives decided events.
type Sink interface {
	// Frozen reports whether the sink refuses events right now.
	Frozen() bool
	// Deliver hands over one event. It may call back into the machine.
	Deliver(ev keystroke.Event)
	// AdvanceTime tells the sink that no event older than now is pending.
	AdvanceTime(now keystroke.Time)
	// Wakeup is the sink's own timer request, inherited when the machine
	// has nothing pending.
	Wakeup() Wakeup
}

// ThawReceiver is notified when the machine can accept events again after
// its sink thawed.
type ThawReceiver interface {
	NotifyThaw(now keystroke.Time)
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger for decision traces and violations.
func WithLogger(l *logging.Logger) Option {
	return func(m *Machine) { m.log = l }
}

// WithMetrics sets the metrics the machine updates.
func WithMetrics(fm *metrics.ForkMetrics) Option {
	return func(m *Machine) { m.metrics = fm }
}

// WithHistory sets the capacity of the history ring.
func WithHistory(capacity int) Option {
	return func(m *Machine) { m.hist = history.NewRing(capacity) }
}

// WithConfigs replaces the default configuration store.
func WithConfigs(s *forkconfig.Store) Option {
	return func(m *Machine) { m.configs = s }
}

// WithUpstream sets the receiver of thaw notifications.
func WithUpstream(r ThawReceiver) Option {
	return func(m *Machine) { m.upstream = r }
}

// Machine is the fork automaton of one keyboard.
type Machine struct {
	locked atomic.Bool
	closed bool

	state    State
	input    *queue.Queue[Item]
	internal *queue.Queue[Item]
	output   *queue.Queue[Item]

	// forkedTo holds, per physical key, the code its press was delivered
	// as while the key is down. A key mapped to itself is self-forked.
	forkedTo [keystroke.KeycodeCount]keystroke.Keycode

	suspectTime     keystroke.Time
	verificator     keystroke.Keycode
	verificatorTime keystroke.Time
	timeLeft        keystroke.Time

	lastReleased     keystroke.Keycode
	lastReleasedTime keystroke.Time
	lastOutput       keystroke.Time
	now              keystroke.Time

	configs  *forkconfig.Store
	hist     *history.Ring
	sink     Sink
	upstream ThawReceiver
	wakeup   Wakeup

	log     *logging.Logger
	metrics *metrics.ForkMetrics
}

// NewMachine creates a machine delivering to sink. It starts in Normal with
// the default configuration store.
func NewMachine(sink Sink, opts ...Option) *Machine {
	m := &Machine{
		input:    queue.New[Item]("input"),
		internal: queue.New[Item]("internal"),
		output:   queue.New[Item]("output"),
		sink:     sink,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.configs == nil {
		m.configs = forkconfig.NewStore()
	}
	if m.hist == nil {
		m.hist = history.NewRing(history.DefaultCapacity)
	}
	if m.log == nil {
		m.log = logging.Discard()
	}
	if m.metrics == nil {
		m.metrics = metrics.NewForkMetrics(metrics.NewRegistry("forkd", ""))
	}
	return m
}

// State returns the current automaton state.
func (m *Machine) State() State { return m.state }

// Config returns the active configuration. Changes made to it take effect
// at the next decision.
func (m *Machine) Config() *forkconfig.Config { return m.configs.Active() }

// Configs returns the configuration store.
func (m *Machine) Configs() *forkconfig.Store { return m.configs }

// Wakeup returns the wakeup computed by the last call into the machine.
func (m *Machine) Wakeup() Wakeup { return m.wakeup }

// ForkedTo returns the code k's current press was delivered as, or zero
// when k is not held as a fork.
func (m *Machine) ForkedTo(k keystroke.Keycode) keystroke.Keycode {
	if int(k) >= keystroke.KeycodeCount {
		return 0
	}
	return m.forkedTo[k]
}

// Pending returns the lengths of the input, internal and output queues.
func (m *Machine) Pending() (input, internal, output int) {
	return m.input.Len(), m.internal.Len(), m.output.Len()
}
