package fork

import (
	"forkd/internal/keystroke"
)

// drain runs the automaton until it runs out of work or the sink freezes.
// A timed drain may resolve pending decisions at now; force confirms the
// pending suspect once.
func (m *Machine) drain(now keystroke.Time, timed, force bool) {
	for !m.sink.Frozen() {
		if m.state.terminal() {
			m.reset()
		}

		if it, err := m.input.PopFront(); err == nil {
			m.stepByKey(it)
		} else if timed && m.state != Normal {
			m.stepByTime(now)
			if m.timeLeft > 0 {
				break
			}
		} else if force && m.state != Normal {
			force = false
			m.stepByForce()
		} else {
			break
		}
		m.tryOutput()
	}
	m.updateGauges()
}

// reset returns a decided machine to Normal. Whatever was buffered behind
// the decided key goes back in front of the input, ahead of newer events.
func (m *Machine) reset() {
	m.state = Normal
	m.verificator = 0
	if !m.internal.Empty() {
		m.input.PrependFrom(m.internal)
	}
}

func (m *Machine) stepByKey(it Item) {
	m.timeLeft = 0
	key := it.Event.Code

	// Autorepeat of a key already forked to something else. A press that
	// follows a buffered release of the key is a real re-press.
	if it.Event.IsPress() {
		if to := m.forkedTo[key]; to != 0 && to != key && !m.releaseBuffered(key) {
			m.metrics.QuickIgnores.Inc()
			m.trace("quick ignore", "key", key, "forked", to)
			return
		}
	}

	switch m.state {
	case Normal:
		m.applyNormal(it)
	case Suspect:
		m.applySuspect(it)
	case Verify:
		m.applyVerify(it)
	default:
		m.violation("key event in terminal state", "state", m.state)
		m.internal.PushBack(it)
	}
}

func (m *Machine) releaseBuffered(key keystroke.Keycode) bool {
	found := false
	m.internal.Each(func(it Item) bool {
		found = it.Event.Code == key && it.Event.IsRelease()
		return !found
	})
	return found
}

func (m *Machine) applyNormal(it Item) {
	cfg := m.configs.Active()
	ev := it.Event
	key := ev.Code

	switch {
	case ev.IsPress() && cfg.Forkable(key) && ev.Time >= m.lastOutput+cfg.ClearInterval:
		quickRepress := m.lastReleased == key && ev.Time-m.lastReleasedTime <= cfg.RepeatMax
		if m.forkedTo[key] == 0 && !quickRepress {
			m.state = Suspect
			m.suspectTime = ev.Time
			m.timeLeft = cfg.VerificationInterval(key, 0)
			m.internal.PushBack(it)
			m.trace("suspect", "key", key, "time_left", m.timeLeft)
			return
		}
		// Re-pressed right after a release, or still self-forked: the
		// user wants the key itself, typically to repeat it.
		m.forkedTo[key] = key
		m.metrics.SelfForks.Inc()
		m.trace("self fork", "key", key)
		m.emit(it)

	case ev.IsRelease() && m.forkedTo[key] != 0:
		to := m.forkedTo[key]
		if to == key || cfg.ConsiderForks {
			m.lastReleased = key
			m.lastReleasedTime = ev.Time
		}
		if to != key {
			it.Event.Code = to
			it.Forked = key
		}
		m.forkedTo[key] = 0
		m.emit(it)

	default:
		if ev.IsRelease() {
			m.lastReleased = key
			m.lastReleasedTime = ev.Time
		}
		m.emit(it)
	}
}

func (m *Machine) applySuspect(it Item) {
	cfg := m.configs.Active()
	ev := it.Event
	key := ev.Code
	suspected := m.suspected()

	m.timeLeft = cfg.VerificationInterval(suspected, 0) - (ev.Time - m.suspectTime)
	if m.timeLeft <= 0 {
		m.confirmFork(&it, ev.Time)
		return
	}

	if ev.IsRelease() {
		if key == suspected {
			m.timeLeft = 0
			m.confirmNonFork(&it, ev.Time)
			return
		}
		m.internal.PushBack(it)
		return
	}

	if key == suspected {
		if cfg.Repeatable(key) {
			// Autorepeat of a repeatable key means it is being typed.
			m.forkedTo[suspected] = suspected
			m.timeLeft = 0
			m.confirmNonFork(&it, ev.Time)
			return
		}
		// Keep the repeat for after the decision instead of losing it.
		m.internal.PushBack(it)
		return
	}

	m.verificator = key
	m.verificatorTime = ev.Time
	m.state = Verify
	m.timeLeft = cfg.VerificationInterval(suspected, key) - (ev.Time - m.suspectTime)
	if overlap := cfg.OverlapTolerance(suspected, key); m.timeLeft > overlap {
		m.timeLeft = overlap
	}
	m.internal.PushBack(it)
	m.trace("verify", "suspect", suspected, "verificator", key, "time_left", m.timeLeft)
}

func (m *Machine) applyVerify(it Item) {
	ev := it.Event
	key := ev.Code
	suspected := m.suspected()

	m.timeLeft = m.remaining(suspected, ev.Time)
	if m.timeLeft <= 0 {
		m.confirmFork(&it, ev.Time)
		return
	}

	switch {
	case ev.IsRelease() && key == suspected:
		m.timeLeft = 0
		m.confirmNonFork(&it, ev.Time)
	case ev.IsRelease() && key == m.verificator:
		// The overlap still counts from the first verificator press.
		m.verificator = 0
		m.internal.PushBack(it)
	default:
		m.internal.PushBack(it)
	}
}

// remaining returns how long the suspect still has to be held at t before
// it forks: the verification interval, and in Verify also the overlap
// tolerance, whichever runs out first.
func (m *Machine) remaining(suspected keystroke.Keycode, t keystroke.Time) keystroke.Time {
	cfg := m.configs.Active()
	left := cfg.VerificationInterval(suspected, m.verificator) - (t - m.suspectTime)
	if m.state == Verify && left > 0 {
		overlap := cfg.OverlapTolerance(suspected, m.verificator) - (t - m.verificatorTime)
		if overlap < left {
			left = overlap
		}
	}
	return left
}

func (m *Machine) stepByTime(now keystroke.Time) {
	if m.internal.Empty() {
		m.log.Error("timer step with nothing buffered, resetting",
			"state", m.state, "time", now)
		m.metrics.Violations.Inc()
		m.state = Normal
		m.timeLeft = 0
		return
	}

	suspected := m.suspected()
	m.timeLeft = m.remaining(suspected, now)
	if m.timeLeft <= 0 {
		m.timeLeft = 0
		m.confirmFork(nil, now)
		return
	}
	m.trace("woken early", "suspect", suspected, "time_left", m.timeLeft)
}

func (m *Machine) stepByForce() {
	switch m.state {
	case Suspect, Verify:
	case Normal:
		return
	default:
		m.violation("force in terminal state", "state", m.state)
		return
	}
	if m.internal.Empty() {
		m.violation("force with nothing buffered", "state", m.state)
		m.state = Normal
		return
	}
	m.timeLeft = 0
	m.metrics.Forced.Inc()
	m.confirmFork(nil, m.now)
}

// confirmFork delivers the suspected key as its fork target. trigger, when
// not nil, is the event that settled the decision; it is buffered so that
// it is processed again after the reset.
func (m *Machine) confirmFork(trigger *Item, at keystroke.Time) {
	if m.timeLeft < 0 {
		m.timeLeft = 0
	}
	head, err := m.internal.PopFront()
	if err != nil {
		m.violation("fork with nothing buffered", "state", m.state)
		m.state = Deactivated
		if trigger != nil {
			m.internal.PushBack(*trigger)
		}
		return
	}

	key := head.Event.Code
	target := m.configs.Active().ForkTarget(key)
	if target == 0 {
		// The key stopped being forkable while it was suspected.
		m.state = Deactivated
		if trigger != nil {
			m.internal.PushBack(*trigger)
		}
		m.metrics.RecordDecision(false, int64(at-m.suspectTime))
		m.trace("fork target gone, not forking", "key", key)
		m.emit(head)
		return
	}

	head.Forked = key
	head.Event.Code = target
	m.forkedTo[key] = target
	m.state = Activated
	if trigger != nil {
		m.internal.PushBack(*trigger)
	}
	m.metrics.RecordDecision(true, int64(at-m.suspectTime))
	m.trace("fork", "key", key, "target", target, "held", at-m.suspectTime)
	m.emit(head)
}

// confirmNonFork delivers the suspected key unchanged.
func (m *Machine) confirmNonFork(trigger *Item, at keystroke.Time) {
	m.state = Deactivated
	m.internal.PushBack(*trigger)
	head, _ := m.internal.PopFront()
	m.metrics.RecordDecision(false, int64(at-m.suspectTime))
	m.trace("no fork", "key", head.Event.Code, "held", at-m.suspectTime)
	m.emit(head)
}

func (m *Machine) suspected() keystroke.Keycode {
	head, _ := m.internal.Front()
	return head.Event.Code
}

func (m *Machine) emit(it Item) {
	m.lastOutput = it.Event.Time
	m.output.PushBack(it)
}

func (m *Machine) trace(msg string, args ...any) {
	if m.configs.Active().Debug > 0 {
		m.log.Debug(msg, args...)
	}
}
