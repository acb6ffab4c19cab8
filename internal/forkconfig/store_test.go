package forkconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(s *Store) []int {
	var out []int
	for _, c := range s.All() {
		out = append(out, c.ID)
	}
	return out
}

func TestNewStore(t *testing.T) {
	s := NewStore()
	assert.Equal(t, []int{1, 0}, ids(s))
	assert.Equal(t, "default", s.Active().Name)
	assert.Equal(t, "no-fork", s.Find(0).Name)
	assert.Empty(t, s.Find(0).ForkableKeys())
}

func TestSwitchToRelinksAtHead(t *testing.T) {
	s := NewStore()
	s.Add(New("two"))
	s.Add(New("three"))
	// Added configurations follow the active one.
	require.Equal(t, []int{1, 3, 2, 0}, ids(s))

	require.NoError(t, s.SwitchTo(2))
	assert.Equal(t, []int{2, 1, 3, 0}, ids(s))

	require.NoError(t, s.SwitchTo(0))
	assert.Equal(t, []int{0, 2, 1, 3}, ids(s))
	assert.Equal(t, "no-fork", s.Active().Name)
}

func TestSwitchToFailures(t *testing.T) {
	s := NewStore()
	assert.ErrorIs(t, s.SwitchTo(1), ErrAlreadyActive)
	assert.ErrorIs(t, s.SwitchTo(42), ErrNotFound)
	assert.Equal(t, []int{1, 0}, ids(s))
}

func TestSwitchKeepsMutations(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Active().SetFork(keyF, keyCtrl))
	require.NoError(t, s.SwitchTo(0))
	require.NoError(t, s.SwitchTo(1))
	assert.Equal(t, keyCtrl, s.Active().ForkTarget(keyF))
}

func TestStoreClone(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Active().SetFork(keyF, keyCtrl))

	c, err := s.Clone(1, "")
	require.NoError(t, err)
	assert.Equal(t, 2, c.ID)
	assert.Equal(t, "default-copy", c.Name)
	assert.Equal(t, keyCtrl, c.ForkTarget(keyF))
	assert.Equal(t, 1, s.Active().ID)

	_, err = s.Clone(9, "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindByName(t *testing.T) {
	s := NewStore()
	s.Add(New("gaming"))
	assert.NotNil(t, s.FindByName("gaming"))
	assert.Nil(t, s.FindByName("missing"))
}
