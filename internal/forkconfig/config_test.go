package forkconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forkd/internal/keystroke"
)

const (
	keyF    = keystroke.KeyF
	keyJ    = keystroke.KeyJ
	keyCtrl = keystroke.KeyLeftCtrl
)

func TestNewDefaults(t *testing.T) {
	c := New("x")
	assert.Equal(t, keystroke.Time(DefaultVerification), c.Verification)
	assert.Equal(t, keystroke.Time(DefaultOverlap), c.Overlap)
	assert.Equal(t, keystroke.Time(DefaultRepeatMax), c.RepeatMax)
	assert.Equal(t, keystroke.Time(0), c.ClearInterval)
	assert.True(t, c.ConsiderForks)
	assert.Empty(t, c.ForkableKeys())
}

func TestTimingFallbackChain(t *testing.T) {
	c := New("x")
	c.Verification = 250
	c.Overlap = 90

	// Global only.
	assert.Equal(t, keystroke.Time(250), c.VerificationInterval(keyF, keyJ))
	assert.Equal(t, keystroke.Time(90), c.OverlapTolerance(keyF, keyJ))

	// Key default.
	require.NoError(t, c.Set(ParamVerification, 300, keyF, 0))
	require.NoError(t, c.Set(ParamOverlap, 40, keyF, 0))
	assert.Equal(t, keystroke.Time(300), c.VerificationInterval(keyF, keyJ))
	assert.Equal(t, keystroke.Time(40), c.OverlapTolerance(keyF, keyJ))

	// Pair specific.
	require.NoError(t, c.Set(ParamVerification, 500, keyF, keyJ))
	assert.Equal(t, keystroke.Time(500), c.VerificationInterval(keyF, keyJ))
	assert.Equal(t, keystroke.Time(300), c.VerificationInterval(keyF, keystroke.KeyK))

	// A zero pair entry falls back instead of meaning zero.
	require.NoError(t, c.Set(ParamVerification, 0, keyF, keyJ))
	assert.Equal(t, keystroke.Time(300), c.VerificationInterval(keyF, keyJ))
	require.NoError(t, c.Set(ParamVerification, 0, keyF, 0))
	assert.Equal(t, keystroke.Time(250), c.VerificationInterval(keyF, keyJ))
}

func TestGetSetScopes(t *testing.T) {
	c := New("x")

	tests := []struct {
		name  string
		param Param
		keys  []keystroke.Keycode
		value int
	}{
		{"global verification", ParamVerification, nil, 180},
		{"global overlap", ParamOverlap, nil, 70},
		{"clear interval", ParamClearInterval, nil, 20},
		{"repeat max", ParamRepeatMax, nil, 60},
		{"consider forks", ParamConsiderForks, nil, 0},
		{"debug", ParamDebug, nil, 2},
		{"fork", ParamKeyFork, []keystroke.Keycode{keyF}, int(keyCtrl)},
		{"repeatable", ParamKeyRepeatable, []keystroke.Keycode{keyF}, 1},
		{"pair verification", ParamVerification, []keystroke.Keycode{keyF, keyJ}, 400},
		{"pair overlap", ParamOverlap, []keystroke.Keycode{keyF, keyJ}, 30},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, c.Set(tt.param, tt.value, tt.keys...))
			got, err := c.Get(tt.param, tt.keys...)
			require.NoError(t, err)
			assert.Equal(t, tt.value, got)
		})
	}
}

func TestGlobalOverlapDoesNotTouchVerification(t *testing.T) {
	c := New("x")
	require.NoError(t, c.Set(ParamOverlap, 33))
	assert.Equal(t, keystroke.Time(DefaultVerification), c.Verification)
	assert.Equal(t, keystroke.Time(33), c.Overlap)
}

func TestUnknownScope(t *testing.T) {
	c := New("x")
	_, err := c.Get(ParamKeyFork)
	assert.ErrorIs(t, err, ErrUnknownParam)
	assert.ErrorIs(t, c.Set(ParamRepeatMax, 1, keyF), ErrUnknownParam)
	assert.ErrorIs(t, c.Set(ParamKeyFork, 1, keyF, keyJ), ErrUnknownParam)
	assert.ErrorIs(t, c.Set(ParamKeyFork, 1, keystroke.Keycode(keystroke.KeycodeCount)), ErrBadKeycode)
	assert.ErrorIs(t, c.Set(ParamKeyFork, 5000, keyF), ErrBadKeycode)
	assert.ErrorIs(t, c.SetFork(0, keyCtrl), ErrBadKeycode)
}

func TestCloneIsDeep(t *testing.T) {
	c := New("x")
	require.NoError(t, c.SetFork(keyF, keyCtrl))
	require.NoError(t, c.Set(ParamOverlap, 20, keyF, keyJ))

	cp := c.Clone("y")
	require.NoError(t, cp.SetFork(keyF, 0))
	require.NoError(t, cp.Set(ParamOverlap, 99, keyF, keyJ))

	assert.Equal(t, keyCtrl, c.ForkTarget(keyF))
	assert.Equal(t, keystroke.Time(20), c.OverlapTolerance(keyF, keyJ))
	assert.Equal(t, "y", cp.Name)
}

func TestPairs(t *testing.T) {
	c := New("x")
	require.NoError(t, c.Set(ParamVerification, 300, keyF, 0))
	require.NoError(t, c.Set(ParamOverlap, 50, keyF, 0))
	require.NoError(t, c.Set(ParamOverlap, 10, keyF, keyJ))

	pairs := c.Pairs()
	require.Len(t, pairs, 2)
	for _, p := range pairs {
		switch p.Twin {
		case 0:
			assert.Equal(t, keystroke.Time(300), p.Verification)
			assert.Equal(t, keystroke.Time(50), p.Overlap)
		case keyJ:
			assert.Equal(t, keystroke.Time(0), p.Verification)
			assert.Equal(t, keystroke.Time(10), p.Overlap)
		}
	}
}

func TestParseParam(t *testing.T) {
	for p := ParamHistorySize; p <= ParamClientDump; p++ {
		got, err := ParseParam(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	_, err := ParseParam("nope")
	assert.Error(t, err)
}
