package main

import (
	"fmt"
	"strings"

	"forkd/internal/config"
	"forkd/internal/fork"
	"forkd/internal/forkconfig"
	"forkd/internal/keystroke"
	"forkd/internal/logging"
	"forkd/internal/metrics"
)

// horizon bounds how far past the last script line pending timers run.
const horizon keystroke.Time = 60_000

// maxWakeups stops a machine that keeps asking to be woken without
// moving time forward.
const maxWakeups = 10_000

type simSink struct {
	frozen bool
	events []keystroke.Event
}

func (s *simSink) Frozen() bool { return s.frozen }
func (s *simSink) Deliver(ev keystroke.Event) { s.events = append(s.events, ev) }
func (s *simSink) AdvanceTime(keystroke.Time) {}
func (s *simSink) Wakeup() fork.Wakeup { return fork.NoWakeup }

// Simulator runs a scenario against a machine on a virtual clock.
type Simulator struct {
	machine *fork.Machine
	sink    *simSink
	now     keystroke.Time
	log     *logging.Logger
}

// NewSimulator builds a machine whose active configuration is the
// scenario's profile.
func NewSimulator(s *Scenario, log *logging.Logger, fm *metrics.ForkMetrics) (*Simulator, error) {
	if log == nil {
		log = logging.Discard()
	}
	store := forkconfig.NewStore()
	if s.Profile.Name == "" {
		s.Profile.Name = s.Name
	}
	if err := config.ApplyProfiles(store, &config.Config{
		Profiles:      []config.Profile{s.Profile},
		ActiveProfile: s.Profile.Name,
	}); err != nil {
		return nil, fmt.Errorf("profile %q: %w", s.Profile.Name, err)
	}

	opts := []fork.Option{fork.WithConfigs(store), fork.WithLogger(log)}
	if s.History > 0 {
		opts = append(opts, fork.WithHistory(s.History))
	}
	if fm != nil {
		opts = append(opts, fork.WithMetrics(fm))
	}

	sink := &simSink{}
	return &Simulator{
		machine: fork.NewMachine(sink, opts...),
		sink:    sink,
		log:     log,
	}, nil
}

// advanceTo fires every wakeup due at or before t.
func (s *Simulator) advanceTo(t keystroke.Time) error {
	for i := 0; ; i++ {
		if i == maxWakeups {
			return fmt.Errorf("machine still asks for wakeups at %d", s.now)
		}
		w := s.machine.Wakeup()
		if w.IsNow() {
			s.machine.AdvanceTime(s.now)
			continue
		}
		at, ok := w.At()
		if !ok || at > t {
			break
		}
		if at > s.now {
			s.now = at
		}
		s.machine.AdvanceTime(s.now)
	}
	if t > s.now {
		s.now = t
	}
	return nil
}

// Step applies one action after letting time pass up to its timestamp.
func (s *Simulator) Step(a Action) error {
	if a.Time < s.now {
		return fmt.Errorf("time goes backwards: %d after %d", a.Time, s.now)
	}
	if err := s.advanceTo(a.Time); err != nil {
		return err
	}

	switch a.Kind {
	case actKey:
		s.machine.ProcessEvent(a.Event)
	case actMotion:
		s.machine.Force()
	case actFreeze:
		s.sink.frozen = true
	case actThaw:
		s.sink.frozen = false
		s.machine.NotifyThaw(s.now)
	case actConfigure:
		v, err := s.machine.Configure(a.Request)
		if err != nil {
			return fmt.Errorf("%s: %w", a.Request, err)
		}
		s.log.Debug("configured", "request", a.Request.String(), "result", v)
	case actTick:
	}
	return nil
}

// Run executes script lines in order, then lets pending timers expire.
func (s *Simulator) Run(script []string) error {
	for n, line := range script {
		if strings.TrimSpace(line) == "" || strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		a, err := ParseAction(line)
		if err != nil {
			return fmt.Errorf("line %d: %w", n+1, err)
		}
		if err := s.Step(a); err != nil {
			return fmt.Errorf("line %d: %w", n+1, err)
		}
	}
	return s.advanceTo(s.now + horizon)
}

// Delivered returns the events the sink accepted, formatted as "key kind@ms".
func (s *Simulator) Delivered() []string {
	out := make([]string, len(s.sink.events))
	for i, ev := range s.sink.events {
		out[i] = ev.String()
	}
	return out
}

// Machine exposes the simulated machine for inspection.
func (s *Simulator) Machine() *fork.Machine { return s.machine }

// Check compares delivered events with the expectation. A scenario
// without expectations always passes.
func Check(expect, got []string) error {
	if len(expect) == 0 {
		return nil
	}
	var diff []string
	for i := 0; i < len(expect) || i < len(got); i++ {
		var want, have string
		if i < len(expect) {
			want = strings.TrimSpace(expect[i])
		}
		if i < len(got) {
			have = got[i]
		}
		if want != have {
			diff = append(diff, fmt.Sprintf("  #%d: want %q, got %q", i, want, have))
		}
	}
	if len(diff) > 0 {
		return fmt.Errorf("%d mismatches:\n%s", len(diff), strings.Join(diff, "\n"))
	}
	return nil
}
