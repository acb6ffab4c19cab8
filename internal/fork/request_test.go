package fork

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forkd/internal/forkconfig"
	"forkd/internal/keystroke"
)

func TestDecodeRequest(t *testing.T) {
	tests := []struct {
		op    int
		param forkconfig.Param
		nargs int
	}{
		{0, forkconfig.ParamHistorySize, 0},
		{4, forkconfig.ParamOverlap, 0},
		{6, forkconfig.ParamOverlap, 2},
		{8, forkconfig.ParamVerification, 0},
		{21, forkconfig.ParamKeyFork, 1},
		{25, forkconfig.ParamKeyRepeatable, 1},
		{32, forkconfig.ParamSwitch, 0},
		{36, forkconfig.ParamClone, 0},
		{44, forkconfig.ParamServerDump, 0},
	}
	for _, tt := range tests {
		r := DecodeRequest(tt.op)
		assert.Equal(t, tt.param, r.Param, "op %d", tt.op)
		assert.Equal(t, tt.nargs, r.NArgs, "op %d", tt.op)
		assert.Equal(t, tt.op, r.Op())
	}
}

func TestRequestString(t *testing.T) {
	r := DecodeRequest(21, int(keyF), int(keyCtrl))
	assert.Equal(t, "fork/1 [33 29]", r.String())

	r = DecodeRequest(3, 1, 2, 3)
	assert.Equal(t, "history-size/3 [1 2 3]", r.String())
}

func TestConfigureTimings(t *testing.T) {
	m, _ := newTestMachine(t)

	_, err := m.Configure(DecodeRequest(8, 150))
	require.NoError(t, err)
	assert.Equal(t, 150, m.ConfigureGet(DecodeRequest(8)))

	_, err = m.Configure(DecodeRequest(4, 60))
	require.NoError(t, err)
	assert.Equal(t, 60, m.ConfigureGet(DecodeRequest(4)))
	assert.Equal(t, 150, m.ConfigureGet(DecodeRequest(8)), "overlap must not touch verification")

	_, err = m.Configure(DecodeRequest(6, int(keyF), int(keyJ), 30))
	require.NoError(t, err)
	assert.Equal(t, 30, m.ConfigureGet(DecodeRequest(6, int(keyF), int(keyJ))))
	assert.Equal(t, keystroke.Time(30), m.Config().OverlapTolerance(keyF, keyJ))
	assert.Equal(t, keystroke.Time(60), m.Config().OverlapTolerance(keyF, keyK))
}

func TestConfigureKeys(t *testing.T) {
	m, _ := newTestMachine(t)

	_, err := m.Configure(DecodeRequest(21, int(keyJ), int(keystroke.KeyLeftShift)))
	require.NoError(t, err)
	assert.Equal(t, int(keystroke.KeyLeftShift), m.ConfigureGet(DecodeRequest(21, int(keyJ))))
	assert.True(t, m.Config().Forkable(keyJ))

	_, err = m.Configure(DecodeRequest(25, int(keyJ), 1))
	require.NoError(t, err)
	assert.Equal(t, 1, m.ConfigureGet(DecodeRequest(25, int(keyJ))))

	_, err = m.Configure(DecodeRequest(21, keystroke.KeycodeCount, 0))
	assert.ErrorIs(t, err, forkconfig.ErrBadKeycode)
	_, err = m.Configure(DecodeRequest(21, -1, 0))
	assert.ErrorIs(t, err, forkconfig.ErrBadKeycode)
}

func TestConfigureRejectsBadScope(t *testing.T) {
	m, _ := newTestMachine(t)

	_, err := m.Configure(DecodeRequest(11, 1, 2, 3))
	assert.ErrorIs(t, err, forkconfig.ErrUnknownParam)

	_, err = m.Configure(DecodeRequest(20, 1))
	assert.ErrorIs(t, err, forkconfig.ErrUnknownParam, "fork has no global value")

	assert.Zero(t, m.ConfigureGet(DecodeRequest(20)))
	assert.Zero(t, m.ConfigureGet(DecodeRequest(63<<2)))
	assert.Zero(t, m.ConfigureGet(DecodeRequest(11, 1, 2)))
}

func TestConfigureMachineRequests(t *testing.T) {
	m, sink := newTestMachine(t)

	_, err := m.Configure(DecodeRequest(0, 3))
	require.NoError(t, err)
	assert.Equal(t, 3, m.ConfigureGet(DecodeRequest(0)))
	_, err = m.Configure(DecodeRequest(0, -1))
	assert.Error(t, err)

	id, err := m.Configure(DecodeRequest(36, 1))
	require.NoError(t, err)
	assert.Equal(t, 2, id)
	assert.Equal(t, 1, m.ConfigureGet(DecodeRequest(32)), "clone must not switch")
	_, err = m.Configure(DecodeRequest(36, 7))
	assert.ErrorIs(t, err, forkconfig.ErrNotFound)

	_, err = m.Configure(DecodeRequest(32, 2))
	require.NoError(t, err)
	assert.Equal(t, 2, m.ConfigureGet(DecodeRequest(32)))
	assert.Equal(t, int(keyCtrl), m.ConfigureGet(DecodeRequest(21, int(keyF))), "clone keeps the forks")

	_, err = m.Configure(DecodeRequest(32, 2))
	assert.ErrorIs(t, err, forkconfig.ErrAlreadyActive)

	feed(m, press(keyJ, 0), release(keyJ, 10))
	require.Len(t, sink.events, 2)
	n, err := m.Configure(DecodeRequest(44))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestHistoryCapacity(t *testing.T) {
	m, _ := newTestMachine(t, WithHistory(2))

	feed(m, press(keyJ, 0), release(keyJ, 10), press(keyK, 20))

	hist := m.History(10)
	require.Len(t, hist, 2)
	assert.Equal(t, keyK, hist[0].Key)
	assert.Equal(t, keystroke.Time(10), hist[1].Time)

	dump := m.DumpHistory()
	require.Len(t, dump, 2)
	assert.Equal(t, keystroke.Time(10), dump[0].Time, "dump runs oldest first")

	require.NoError(t, m.SetHistorySize(0))
	assert.Empty(t, m.History(10))
}

func TestStatus(t *testing.T) {
	m, _ := newTestMachine(t)

	s := m.Status()
	assert.Equal(t, "normal", s.State)
	assert.Equal(t, 1, s.ConfigID)
	assert.Equal(t, "default", s.ConfigName)
	assert.Equal(t, 2, s.Configs)
	assert.Empty(t, s.Forked)

	feed(m, press(keyF, 0), press(keyJ, 30))
	s = m.Status()
	assert.Equal(t, "verify", s.State)
	assert.Equal(t, 2, s.Internal)
	assert.Equal(t, int64(100), s.TimeLeft)
	assert.Equal(t, "at 130", s.Wakeup)

	m.AdvanceTime(200)
	s = m.Status()
	assert.Equal(t, "normal", s.State)
	assert.Equal(t, []ForkedKey{{Key: keyF, Target: keyCtrl}}, s.Forked)
	assert.Equal(t, 2, s.History)
	assert.Equal(t, 100, s.HistoryCap)
}
