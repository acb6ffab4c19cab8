package fork

import (
	"fmt"

	"forkd/internal/history"
	"forkd/internal/keystroke"
)

// lock takes the machine for one operation. Reentry is a bug in the
// caller: it is reported and the operation is skipped.
func (m *Machine) lock(op string) bool {
	if !m.locked.CompareAndSwap(false, true) {
		m.violation("machine lock reentered", "op", op)
		return false
	}
	return true
}

func (m *Machine) unlock() {
	m.locked.Store(false)
}

// violation reports a broken internal invariant. Builds tagged forkdebug
// panic instead of carrying on.
func (m *Machine) violation(msg string, args ...any) {
	m.metrics.Violations.Inc()
	m.log.Error(msg, args...)
	if debugAssertions {
		panic(fmt.Sprintf("fork: %s %v", msg, args))
	}
}

func (m *Machine) observe(t keystroke.Time) {
	if t > m.now {
		m.now = t
	}
}

// ProcessEvent accepts one key event from the device. Events must arrive
// with non-decreasing times.
func (m *Machine) ProcessEvent(ev keystroke.Event) {
	if !ev.Code.Valid() {
		m.log.Warn("dropping event with invalid keycode", "code", int(ev.Code))
		return
	}
	if m.closed {
		m.log.Warn("dropping event for closed machine", "time", ev.Time)
		return
	}
	if !m.lock("process event") {
		return
	}
	defer m.unlock()

	m.observe(ev.Time)
	m.metrics.EventsIn.Inc()
	m.input.PushBack(Item{Event: ev})
	m.drain(0, false, false)
	m.setWakeup(ev.Time)
}

// AdvanceTime lets pending decisions time out at now.
func (m *Machine) AdvanceTime(now keystroke.Time) {
	if !m.lock("advance time") {
		return
	}
	defer m.unlock()

	m.observe(now)
	m.stepInTime(now)
}

// NotifyThaw resumes delivery after the sink thawed. When everything is
// delivered the thaw is passed on upstream.
func (m *Machine) NotifyThaw(now keystroke.Time) {
	if !m.lock("notify thaw") {
		return
	}
	m.observe(now)
	m.stepInTime(now)

	if m.sink.Frozen() || m.upstream == nil {
		m.unlock()
		return
	}
	m.setWakeup(now)
	m.unlock()
	m.upstream.NotifyThaw(now)
}

// Force confirms the pending suspect as a fork regardless of time, as
// pointer activity does: a key held while using the mouse is a modifier.
func (m *Machine) Force() {
	if !m.lock("force") {
		return
	}
	defer m.unlock()

	m.drain(0, false, true)
	m.setWakeup(m.now)
}

func (m *Machine) stepInTime(now keystroke.Time) {
	m.tryOutput()
	m.drain(now, true, false)

	if m.internal.Empty() && m.input.Empty() && !m.sink.Frozen() {
		m.unlock()
		m.sink.AdvanceTime(now)
		m.locked.Store(true)
	}
	m.setWakeup(now)
}

// tryOutput delivers decided events until the sink freezes. The lock is
// dropped around each delivery because the sink may call back in.
func (m *Machine) tryOutput() {
	for !m.sink.Frozen() {
		it, err := m.output.PopFront()
		if err != nil {
			return
		}
		m.hist.Record(history.Entry{
			Time:   it.Event.Time,
			Key:    it.Event.Code,
			Forked: it.Forked,
			Press:  it.Event.IsPress(),
		})
		m.metrics.EventsOut.Inc()

		m.unlock()
		m.sink.Deliver(it.Event)
		m.locked.Store(true)
	}
	if !m.output.Empty() {
		m.metrics.FrozenStalls.Inc()
	}
}

func (m *Machine) setWakeup(now keystroke.Time) {
	switch {
	case m.timeLeft > 0:
		m.wakeup = WakeAt(now + m.timeLeft)
	case m.internal.Empty():
		m.wakeup = m.sink.Wakeup()
	default:
		m.wakeup = WakeNow
	}
}

func (m *Machine) updateGauges() {
	m.metrics.SetQueues(m.input.Len(), m.internal.Len(), m.output.Len())
	m.metrics.State.Set(int64(m.state))
}

// Close detaches the machine from its device. Decided events are delivered
// if the sink accepts them; anything still pending is discarded.
func (m *Machine) Close() error {
	if m.closed {
		return nil
	}
	if !m.lock("close") {
		return fmt.Errorf("fork: close while machine is busy")
	}
	defer m.unlock()

	m.tryOutput()
	dropped := m.input.Clear() + m.internal.Clear() + m.output.Clear()
	if dropped > 0 {
		m.log.Warn("discarding undelivered events", "count", dropped, "state", m.state)
	}
	m.state = Normal
	m.timeLeft = 0
	m.wakeup = NoWakeup
	m.closed = true
	m.updateGauges()
	return nil
}
