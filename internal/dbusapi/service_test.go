package dbusapi

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forkd/internal/fork"
	"forkd/internal/forkconfig"
	"forkd/internal/history"
	"forkd/internal/host"
	"forkd/internal/ipc"
	"forkd/internal/keystroke"
)

type fakeController struct {
	active   int
	ids      map[int]bool
	set      []fork.Request
	entries  []history.Entry
	stopped  bool
	nextID   int
	lastSeen int
}

func newFakeController() *fakeController {
	return &fakeController{active: 1, ids: map[int]bool{0: true, 1: true}, nextID: 2}
}

func (f *fakeController) Configure(ctx context.Context, r fork.Request) (int, error) {
	if f.stopped {
		return 0, host.ErrNotRunning
	}
	switch r.Param {
	case forkconfig.ParamSwitch:
		id := r.Args[0]
		if !f.ids[id] {
			return 0, forkconfig.ErrNotFound
		}
		if id == f.active {
			return 0, forkconfig.ErrAlreadyActive
		}
		f.active = id
		return 0, nil
	case forkconfig.ParamClone:
		if !f.ids[r.Args[0]] {
			return 0, forkconfig.ErrNotFound
		}
		id := f.nextID
		f.nextID++
		f.ids[id] = true
		return id, nil
	}
	if r.NArgs > 0 && r.Args[0] >= keystroke.KeycodeCount {
		return 0, forkconfig.ErrBadKeycode
	}
	f.set = append(f.set, r)
	return 0, nil
}

func (f *fakeController) ConfigureGet(ctx context.Context, r fork.Request) (int, error) {
	if f.stopped {
		return 0, host.ErrNotRunning
	}
	if r.Param == forkconfig.ParamSwitch {
		return f.active, nil
	}
	return 200, nil
}

func (f *fakeController) History(ctx context.Context, n int) ([]history.Entry, error) {
	f.lastSeen = n
	if n > len(f.entries) {
		n = len(f.entries)
	}
	return f.entries[:n], nil
}

func (f *fakeController) Status(ctx context.Context) (fork.Status, error) {
	if f.stopped {
		return fork.Status{}, host.ErrNotRunning
	}
	return fork.Status{State: "normal", ConfigID: f.active, Configs: len(f.ids)}, nil
}

type recordingBroadcaster struct {
	events []*ipc.Event
}

func (r *recordingBroadcaster) Broadcast(ev *ipc.Event) {
	r.events = append(r.events, ev)
}

type signal struct {
	name   string
	values []interface{}
}

type recordingEmitter struct {
	signals []signal
}

func (r *recordingEmitter) Emit(path dbus.ObjectPath, name string, values ...interface{}) error {
	r.signals = append(r.signals, signal{name: name, values: values})
	return nil
}

func newTestObject() (*object, *fakeController, *recordingBroadcaster) {
	ctrl := newFakeController()
	events := &recordingBroadcaster{}
	svc := New(Config{Controller: ctrl, Events: events})
	return &object{svc: svc}, ctrl, events
}

func TestConfigureAndGet(t *testing.T) {
	obj, ctrl, events := newTestObject()

	// fork/1 on f (33) to leftctrl (29).
	_, derr := obj.Configure(":1.7", 21, 33, 29, 0)
	require.Nil(t, derr)
	require.Len(t, ctrl.set, 1)
	assert.Equal(t, forkconfig.ParamKeyFork, ctrl.set[0].Param)
	assert.Equal(t, [3]int{33, 29, 0}, ctrl.set[0].Args)

	require.Len(t, events.events, 1)
	assert.Equal(t, ipc.EventConfigChanged, events.events[0].Type)
	assert.Equal(t, "dbus::1.7", events.events[0].Data.(*ipc.ConfigEvent).Origin)

	v, derr := obj.Get(8, 0, 0)
	require.Nil(t, derr)
	assert.Equal(t, int32(200), v)
}

func TestConfigureErrorsAreNamed(t *testing.T) {
	obj, ctrl, events := newTestObject()

	_, derr := obj.Configure(":1.7", 21, 0x400, 29, 0)
	require.NotNil(t, derr)
	assert.Equal(t, ErrorInvalid, derr.Name)

	derr = obj.SwitchConfig(":1.7", 9)
	require.NotNil(t, derr)
	assert.Equal(t, ErrorNotFound, derr.Name)

	derr = obj.SwitchConfig(":1.7", 1)
	require.NotNil(t, derr)
	assert.Equal(t, ErrorAlreadyActive, derr.Name)

	assert.Empty(t, events.events, "failed requests publish nothing")

	ctrl.stopped = true
	_, derr = obj.Status()
	require.NotNil(t, derr)
	assert.Equal(t, ErrorNotRunning, derr.Name)
}

func TestCloneAndSwitch(t *testing.T) {
	obj, ctrl, events := newTestObject()

	id, derr := obj.CloneConfig(":1.9", 1)
	require.Nil(t, derr)
	assert.Equal(t, int32(2), id)

	require.Nil(t, obj.SwitchConfig(":1.9", id))
	assert.Equal(t, 2, ctrl.active)

	require.Len(t, events.events, 2)
	sw := events.events[1]
	assert.Equal(t, ipc.EventConfigSwitched, sw.Type)
	ce := sw.Data.(*ipc.ConfigEvent)
	assert.Equal(t, 1, ce.From)
	assert.Equal(t, 2, ce.To)
}

func TestHistoryAndStatus(t *testing.T) {
	obj, ctrl, _ := newTestObject()
	ctrl.entries = []history.Entry{
		{Time: 30, Key: keystroke.KeyLeftCtrl, Forked: keystroke.KeyF},
		{Time: 20, Key: keystroke.KeyJ, Press: true},
		{Time: 10, Key: keystroke.KeyLeftCtrl, Forked: keystroke.KeyF, Press: true},
	}

	got, derr := obj.History(":1.2", 2)
	require.Nil(t, derr)
	assert.Equal(t, 2, ctrl.lastSeen)
	assert.Equal(t, []Entry{
		{Time: 30, Key: uint16(keystroke.KeyLeftCtrl), Forked: uint16(keystroke.KeyF)},
		{Time: 20, Key: uint16(keystroke.KeyJ), Press: true},
	}, got)

	s, derr := obj.Status()
	require.Nil(t, derr)
	var st fork.Status
	require.NoError(t, json.Unmarshal([]byte(s), &st))
	assert.Equal(t, "normal", st.State)
	assert.Equal(t, 2, st.Configs)
}

func TestBroadcastEmitsSignals(t *testing.T) {
	svc := New(Config{Controller: newFakeController()})

	// Without a connection nothing is emitted.
	svc.Broadcast(&ipc.Event{Type: ipc.EventConfigReloaded, Data: "/etc/forkd.toml"})

	em := &recordingEmitter{}
	svc.emit = em
	svc.Broadcast(&ipc.Event{Type: ipc.EventConfigSwitched, Data: &ipc.ConfigEvent{Origin: "ipc:forkctl", From: 1, To: 2}})
	svc.Broadcast(&ipc.Event{Type: ipc.EventConfigChanged, Data: &ipc.ConfigEvent{Origin: "ipc:forkctl", Request: "verification/0 [250]"}})
	svc.Broadcast(&ipc.Event{Type: ipc.EventConfigReloaded, Data: "/etc/forkd.toml"})
	svc.Broadcast(&ipc.Event{Type: ipc.EventDaemonShutdown})

	require.Len(t, em.signals, 3)
	assert.Equal(t, Interface+".ConfigSwitched", em.signals[0].name)
	assert.Equal(t, []interface{}{int32(1), int32(2), "ipc:forkctl"}, em.signals[0].values)
	assert.Equal(t, Interface+".ConfigChanged", em.signals[1].name)
	assert.Equal(t, Interface+".ConfigReloaded", em.signals[2].name)
	assert.Equal(t, []interface{}{"/etc/forkd.toml"}, em.signals[2].values)
}

func TestStopWithoutStart(t *testing.T) {
	svc := New(Config{Controller: newFakeController()})
	assert.NoError(t, svc.Stop())
}
