// Package keystroke provides the keyboard event record shared by the fork
// machine and the device layer, plus sources that read events from input
// devices and sinks that write them to a virtual keyboard.
//
// Platform support:
// - Linux: /dev/input/event* (requires input group or root) and /dev/uinput
// - Other platforms: only the simulated source is available
package keystroke

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Keycode is a physical key number in the Linux evdev code space.
// Zero is reserved and never names a key.
type Keycode uint16

// KeycodeCount bounds the keycode space (KEY_CNT).
const KeycodeCount = 0x300

// Valid reports whether k names a key.
func (k Keycode) Valid() bool {
	return k != 0 && int(k) < KeycodeCount
}

// Time is an event timestamp in milliseconds.
type Time int64

// Now returns the current wall clock as a Time.
func Now() Time {
	return Time(time.Now().UnixMilli())
}

// TimeFromTimeval converts a kernel timeval to a Time.
func TimeFromTimeval(sec, usec int64) Time {
	return Time(sec*1000 + usec/1000)
}

// Kind distinguishes key presses from releases.
type Kind uint8

const (
	Press Kind = iota + 1
	Release
)

func (k Kind) String() string {
	switch k {
	case Press:
		return "press"
	case Release:
		return "release"
	default:
		return "unknown"
	}
}

// Event is a single timestamped key transition.
type Event struct {
	Kind Kind    `json:"kind"`
	Code Keycode `json:"code"`
	Time Time    `json:"time"`
}

// IsPress reports whether the event is a key press.
func (e Event) IsPress() bool { return e.Kind == Press }

// IsRelease reports whether the event is a key release.
func (e Event) IsRelease() bool { return e.Kind == Release }

func (e Event) String() string {
	return fmt.Sprintf("%s %s@%d", KeyName(e.Code), e.Kind, e.Time)
}

// Source delivers key events and pointer activity from an input device.
type Source interface {
	// Start begins reading events.
	Start(ctx context.Context) error

	// Stop stops reading and closes the event channels.
	Stop() error

	// Events returns the channel of key events.
	Events() <-chan Event

	// Motion returns a channel that receives the time of pointer activity.
	Motion() <-chan Time

	// Available returns true if the source can be started on this
	// platform with current permissions.
	Available() (bool, string)
}

// Emitter writes decided key events to the rest of the system.
type Emitter interface {
	// Emit writes one event. A temporarily full device reports ErrWouldBlock.
	Emit(ev Event) error
	Close() error
}

// BaseSource provides the channel plumbing shared by source implementations.
type BaseSource struct {
	mu      sync.RWMutex
	events  chan Event
	motion  chan Time
	running bool
	dropped uint64
}

func (b *BaseSource) init(buffer int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = make(chan Event, buffer)
	b.motion = make(chan Time, 1)
}

// Events returns the key event channel.
func (b *BaseSource) Events() <-chan Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.events
}

// Motion returns the pointer activity channel.
func (b *BaseSource) Motion() <-chan Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.motion
}

// Publish hands a key event to the consumer. It blocks while the consumer
// is behind, since dropping a key transition would leave keys stuck.
func (b *BaseSource) Publish(ctx context.Context, ev Event) {
	b.mu.RLock()
	ch := b.events
	b.mu.RUnlock()
	if ch == nil {
		return
	}
	select {
	case ch <- ev:
	case <-ctx.Done():
	}
}

// PublishMotion reports pointer activity. Bursts collapse into one pending
// notification.
func (b *BaseSource) PublishMotion(t Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.motion == nil {
		return
	}
	select {
	case b.motion <- t:
	default:
		b.dropped++
	}
}

// CloseChannels closes the event channels.
func (b *BaseSource) CloseChannels() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.events != nil {
		close(b.events)
		b.events = nil
	}
	if b.motion != nil {
		close(b.motion)
		b.motion = nil
	}
}

// SetRunning sets the running state.
func (b *BaseSource) SetRunning(running bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running = running
}

// IsRunning returns the running state.
func (b *BaseSource) IsRunning() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// ErrNotAvailable is returned when device access isn't available.
var ErrNotAvailable = errors.New("input devices not available on this platform")

// ErrAlreadyRunning is returned when Start is called while already running.
var ErrAlreadyRunning = errors.New("source already running")

// ErrWouldBlock is returned by an Emitter that cannot accept an event yet.
var ErrWouldBlock = errors.New("emitter would block")

// SimulatedSource is a source for testing that doesn't open a real device.
type SimulatedSource struct {
	BaseSource
	ctx    context.Context
	cancel context.CancelFunc
}

// NewSimulated creates a source for testing.
func NewSimulated() *SimulatedSource {
	return &SimulatedSource{}
}

// Start begins the simulated source.
func (s *SimulatedSource) Start(ctx context.Context) error {
	if s.IsRunning() {
		return ErrAlreadyRunning
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.init(64)
	s.SetRunning(true)
	return nil
}

// Stop stops the simulated source.
func (s *SimulatedSource) Stop() error {
	if !s.IsRunning() {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.SetRunning(false)
	s.CloseChannels()
	return nil
}

// SimulateKey injects a key event.
func (s *SimulatedSource) SimulateKey(kind Kind, code Keycode, t Time) {
	if s.IsRunning() {
		s.Publish(s.ctx, Event{Kind: kind, Code: code, Time: t})
	}
}

// SimulateTap injects a press at t and a release at t+hold.
func (s *SimulatedSource) SimulateTap(code Keycode, t Time, hold Time) {
	s.SimulateKey(Press, code, t)
	s.SimulateKey(Release, code, t+hold)
}

// SimulateMotion injects pointer activity.
func (s *SimulatedSource) SimulateMotion(t Time) {
	if s.IsRunning() {
		s.PublishMotion(t)
	}
}

// Available returns true (simulated is always available).
func (s *SimulatedSource) Available() (bool, string) {
	return true, "simulated source (for testing)"
}

// RecordingEmitter collects emitted events in memory.
type RecordingEmitter struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

// Emit appends ev.
func (r *RecordingEmitter) Emit(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("emitter closed")
	}
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of everything emitted so far.
func (r *RecordingEmitter) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Close marks the emitter closed.
func (r *RecordingEmitter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
