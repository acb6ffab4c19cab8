package fork

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forkd/internal/keystroke"
)

func TestWakeupComputation(t *testing.T) {
	m, sink := newTestMachine(t)
	sink.wake = WakeAt(999)

	feed(m, press(keyJ, 0))
	assert.Equal(t, WakeAt(999), m.Wakeup(), "idle machine inherits the sink's wakeup")

	feed(m, press(keyF, 10))
	assert.Equal(t, WakeAt(210), m.Wakeup())

	feed(m, press(keyK, 60))
	assert.Equal(t, WakeAt(160), m.Wakeup())
}

func TestWakeupString(t *testing.T) {
	assert.Equal(t, "none", NoWakeup.String())
	assert.Equal(t, "now", WakeNow.String())
	assert.Equal(t, "at 5", WakeAt(5).String())

	at, ok := WakeAt(5).At()
	assert.True(t, ok)
	assert.Equal(t, keystroke.Time(5), at)
	_, ok = WakeNow.At()
	assert.False(t, ok)
}

func TestBackpressurePauseAndResume(t *testing.T) {
	up := &thawCounter{}
	m, sink := newTestMachine(t, WithUpstream(up))
	sink.onDeliver = func(keystroke.Event) { sink.frozen = true }

	feed(m, press(keyF, 0), press(keyJ, 20), release(keyJ, 150))
	assert.Equal(t, []string{"leftctrl press@0"}, sink.delivered())
	assert.Equal(t, Activated, m.State(), "decision made, reset waits for the sink")
	assert.True(t, m.Wakeup().IsNow())

	// Frozen sinks get nothing, whatever arrives meanwhile.
	feed(m, press(keyK, 160), release(keyK, 170))
	m.AdvanceTime(180)
	assert.Len(t, sink.events, 1)
	in, internal, _ := m.Pending()
	assert.Equal(t, 2, in)
	assert.Equal(t, 2, internal)

	// Thaw while the sink keeps freezing after each event.
	for i := 0; i < 10 && len(sink.events) < 5; i++ {
		sink.frozen = false
		m.NotifyThaw(200)
	}
	assert.Equal(t, []string{
		"leftctrl press@0",
		"j press@20",
		"j release@150",
		"k press@160",
		"k release@170",
	}, sink.delivered())
	assert.Empty(t, up.times, "upstream is only thawed once the sink accepts more")

	sink.onDeliver = nil
	sink.frozen = false
	m.NotifyThaw(210)
	assert.Equal(t, []keystroke.Time{210}, up.times)
	assert.Contains(t, sink.advanced, keystroke.Time(210))
	assert.Len(t, sink.events, 5)
	assert.Equal(t, uint64(5), m.metrics.EventsOut.Value())
}

func TestNoThawUpstreamWhileFrozen(t *testing.T) {
	up := &thawCounter{}
	m, sink := newTestMachine(t, WithUpstream(up))
	sink.frozen = true

	feed(m, press(keyJ, 0))
	m.NotifyThaw(10)

	assert.Empty(t, up.times)
	assert.Empty(t, sink.events)
	assert.Empty(t, sink.advanced)
}

func TestAdvanceTimeReachesSinkWhenIdle(t *testing.T) {
	m, sink := newTestMachine(t)

	m.AdvanceTime(5)
	feed(m, press(keyF, 10))
	m.AdvanceTime(20)

	assert.Equal(t, []keystroke.Time{5}, sink.advanced, "time must not pass a pending event")
}

func TestDeliveryMayReenter(t *testing.T) {
	m, sink := newTestMachine(t)
	sink.onDeliver = func(ev keystroke.Event) { m.AdvanceTime(ev.Time) }

	feed(m, press(keyF, 0), release(keyF, 100))

	assert.Equal(t, []string{"f press@0", "f release@100"}, sink.delivered())
	assert.Zero(t, m.metrics.Violations.Value())
	assert.Equal(t, Normal, m.State())
}

func TestLockReentryIsReported(t *testing.T) {
	if debugAssertions {
		t.Skip("reentry panics in debug builds")
	}
	m, sink := newTestMachine(t)
	calls := 0
	sink.onFrozen = func() {
		calls++
		if calls == 1 {
			m.Force()
		}
	}

	feed(m, press(keyJ, 0))

	assert.Equal(t, uint64(1), m.metrics.Violations.Value())
	assert.Equal(t, []string{"j press@0"}, sink.delivered())
}

func TestSwitchConfigReplays(t *testing.T) {
	m, sink := newTestMachine(t)

	feed(m, press(keyF, 0), press(keyJ, 50))
	require.Equal(t, Verify, m.State())

	require.NoError(t, m.SwitchConfig(0))
	assert.Equal(t, []string{"f press@0", "j press@50"}, sink.delivered())
	assert.Equal(t, Normal, m.State())
	assert.Equal(t, uint64(1), m.metrics.Replays.Value())
	assert.Equal(t, uint64(1), m.metrics.ConfigSwitches.Value())
}

func TestSwitchConfigFailures(t *testing.T) {
	m, sink := newTestMachine(t)
	feed(m, press(keyF, 0))

	assert.Error(t, m.SwitchConfig(1))
	assert.Error(t, m.SwitchConfig(42))
	assert.Equal(t, Suspect, m.State())
	assert.Empty(t, sink.events)
	assert.Zero(t, m.metrics.Replays.Value())
}

func TestSwitchConfigDeadlineCountsFromNow(t *testing.T) {
	m, sink := newTestMachine(t)
	m.Config().Verification = 1000

	feed(m, press(keyF, 0))
	m.AdvanceTime(250)
	require.Equal(t, WakeAt(1000), m.Wakeup())

	clone, err := m.CloneConfig(1, "quick")
	require.NoError(t, err)
	clone.Verification = 300
	require.NoError(t, m.SwitchConfig(clone.ID))
	assert.Equal(t, Suspect, m.State())
	assert.Equal(t, WakeAt(300), m.Wakeup())

	m.AdvanceTime(300)
	assert.Equal(t, []string{"leftctrl press@0"}, sink.delivered())

	// A deadline that has already passed is decided by the switch itself.
	feed(m, release(keyF, 320), press(keyF, 500))
	m.AdvanceTime(750)
	clone, err = m.CloneConfig(clone.ID, "quicker")
	require.NoError(t, err)
	clone.Verification = 200
	require.NoError(t, m.SwitchConfig(clone.ID))
	assert.Equal(t, Normal, m.State())
	assert.Equal(t, []string{
		"leftctrl press@0",
		"leftctrl release@320",
		"leftctrl press@500",
	}, sink.delivered())
}

// TestReplayMatchesFreshMachine checks that undecided events replayed after
// a switch end up where a machine running the new configuration from the
// start would have put them.
func TestReplayMatchesFreshMachine(t *testing.T) {
	tests := []struct {
		name    string
		events  []keystroke.Event
		advance keystroke.Time
		after   []keystroke.Event
		tune    func(m *Machine)
	}{
		{
			name:    "shorter verification",
			events:  []keystroke.Event{press(keyF, 0), press(keyJ, 20)},
			advance: 40,
			tune:    func(m *Machine) { m.Config().Verification = 40 },
		},
		{
			name:    "longer overlap",
			events:  []keystroke.Event{press(keyF, 0), press(keyJ, 20)},
			advance: 130,
			after:   []keystroke.Event{release(keyF, 160)},
			tune:    func(m *Machine) { m.Config().Overlap = 180 },
		},
		{
			name:    "not forkable",
			events:  []keystroke.Event{press(keyF, 0), press(keyK, 30)},
			advance: 30,
			tune:    func(m *Machine) { _ = m.Config().SetFork(keyF, 0) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fresh, want := newTestMachine(t)
			tt.tune(fresh)
			feed(fresh, tt.events...)
			fresh.AdvanceTime(tt.advance)
			feed(fresh, tt.after...)

			m, got := newTestMachine(t)
			clone, err := m.CloneConfig(1, "tuned")
			require.NoError(t, err)
			feed(m, tt.events...)

			require.NoError(t, m.SwitchConfig(clone.ID))
			tt.tune(m)
			m.Reconsider()
			m.AdvanceTime(tt.advance)
			feed(m, tt.after...)

			assert.Equal(t, want.delivered(), got.delivered())
			assert.Equal(t, fresh.State(), m.State())
		})
	}
}

func TestCloseDiscardsPending(t *testing.T) {
	m, sink := newTestMachine(t)
	feed(m, press(keyJ, 0), press(keyF, 10))

	require.NoError(t, m.Close())
	assert.Equal(t, []string{"j press@0"}, sink.delivered())
	assert.True(t, m.Status().Closed)
	assert.True(t, m.Wakeup().IsNone())

	feed(m, release(keyJ, 20))
	assert.Len(t, sink.events, 1)
	assert.NoError(t, m.Close())
}
