package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forkd/internal/fork"
	"forkd/internal/forkconfig"
	"forkd/internal/history"
	"forkd/internal/host"
	"forkd/internal/ipc"
	"forkd/internal/keystroke"
	"forkd/internal/store"
)

type fixture struct {
	dir     string
	socket  string
	source  *keystroke.SimulatedSource
	emitter *keystroke.RecordingEmitter
	adapter *host.Adapter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		dir:     t.TempDir(),
		source:  keystroke.NewSimulated(),
		emitter: &keystroke.RecordingEmitter{},
	}
	f.adapter = host.New(f.source, f.emitter, host.Config{Device: "test-kbd"})
	require.NoError(t, f.adapter.Start(context.Background()))
	t.Cleanup(func() { f.adapter.Stop() })

	h := ipc.NewDaemonHandler(ipc.HandlerConfig{Controller: f.adapter, Version: "test", Device: "test-kbd"})
	f.socket = filepath.Join(f.dir, "forkd.sock")
	server := ipc.NewServer(ipc.ServerConfig{SocketPath: f.socket, Version: "test", Device: "test-kbd"}, h)
	h.SetEvents(server)
	require.NoError(t, server.Start())
	t.Cleanup(func() { server.Stop() })
	return f
}

// run executes forkctl with args against the fixture and returns stdout.
func (f *fixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	a := &app{runtimeDir: f.dir}
	cmd := newRootCmd(a)
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--socket", f.socket}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestParseRequest(t *testing.T) {
	tests := []struct {
		param string
		keys  []string
		want  fork.Request
	}{
		{"verification", nil, fork.Request{Param: forkconfig.ParamVerification}},
		{"fork", []string{"f"}, fork.Request{Param: forkconfig.ParamKeyFork, NArgs: 1, Args: [3]int{33}}},
		{"overlap", []string{"f", "j"}, fork.Request{Param: forkconfig.ParamOverlap, NArgs: 2, Args: [3]int{33, 36}}},
		{"21", []string{"33"}, fork.Request{Param: forkconfig.ParamKeyFork, NArgs: 1, Args: [3]int{33}}},
	}
	for _, tt := range tests {
		got, err := parseRequest(tt.param, tt.keys)
		require.NoError(t, err, tt.param)
		assert.Equal(t, tt.want, got, tt.param)
	}

	_, err := parseRequest("bogus", nil)
	assert.Error(t, err)
	_, err = parseRequest("fork", []string{"nosuchkey"})
	assert.Error(t, err)
	_, err = parseRequest("overlap", []string{"a", "b", "c"})
	assert.Error(t, err)
}

func TestParseSet(t *testing.T) {
	r, err := parseSet([]string{"fork", "f", "leftctrl"})
	require.NoError(t, err)
	assert.Equal(t, fork.Request{Param: forkconfig.ParamKeyFork, NArgs: 1, Args: [3]int{33, 29}}, r)

	r, err = parseSet([]string{"repeatable", "j", "on"})
	require.NoError(t, err)
	assert.Equal(t, 1, r.Args[1])

	r, err = parseSet([]string{"verification", "250"})
	require.NoError(t, err)
	assert.Equal(t, 8, r.Op())
	assert.Equal(t, 250, r.Args[0])

	_, err = parseSet([]string{"verification", "soon"})
	assert.Error(t, err)
	_, err = parseSet([]string{"21", "33", "29", "1"})
	assert.Error(t, err, "too many operands")
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "leftctrl", formatValue(forkconfig.ParamKeyFork, 29))
	assert.Equal(t, "none", formatValue(forkconfig.ParamKeyFork, 0))
	assert.Equal(t, "on", formatValue(forkconfig.ParamKeyRepeatable, 1))
	assert.Equal(t, "250", formatValue(forkconfig.ParamVerification, 250))
}

func TestSetGetSwitch(t *testing.T) {
	f := newFixture(t)

	_, err := f.run(t, "set", "fork", "f", "leftctrl")
	require.NoError(t, err)
	out, err := f.run(t, "get", "fork", "f")
	require.NoError(t, err)
	assert.Equal(t, "leftctrl\n", out)

	_, err = f.run(t, "set", "verification", "275")
	require.NoError(t, err)
	out, err = f.run(t, "get", "8")
	require.NoError(t, err)
	assert.Equal(t, "275\n", out)

	_, err = f.run(t, "set", "fork", "nosuchkey", "leftctrl")
	assert.Error(t, err)

	out, err = f.run(t, "clone", "--activate")
	require.NoError(t, err)
	assert.Equal(t, "2\n", out)
	out, err = f.run(t, "get", "switch")
	require.NoError(t, err)
	assert.Equal(t, "2\n", out)

	_, err = f.run(t, "switch", "2")
	assert.NoError(t, err, "already active is not an error")
	_, err = f.run(t, "switch", "9")
	assert.ErrorIs(t, err, forkconfig.ErrNotFound)
}

func TestStatus(t *testing.T) {
	f := newFixture(t)

	out, err := f.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "forkd test")
	assert.Contains(t, out, "test-kbd")
	assert.Contains(t, out, "1 default")

	out, err = f.run(t, "--json", "status")
	require.NoError(t, err)
	var st ipc.StatusResponse
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, "normal", st.Machine.State)
	assert.Equal(t, 2, st.Machine.Configs)
}

func TestHistoryAndDump(t *testing.T) {
	f := newFixture(t)

	now := keystroke.Now()
	f.source.SimulateTap(keystroke.KeyJ, now, 30)
	f.source.SimulateTap(keystroke.KeyK, now+50, 30)
	require.Eventually(t, func() bool { return len(f.emitter.Events()) == 4 }, 2*time.Second, 5*time.Millisecond)

	out, err := f.run(t, "history", "-n", "2")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "TIME")
	assert.Contains(t, lines[1], "k")
	assert.Contains(t, lines[1], "up", "newest first")

	out, err = f.run(t, "--json", "dump")
	require.NoError(t, err)
	var entries []history.Entry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 4)
	assert.Equal(t, keystroke.KeyJ, entries[0].Key)
	assert.True(t, entries[0].Press, "oldest first")

	out, err = f.run(t, "dump", "--server")
	require.NoError(t, err)
	assert.Equal(t, "4 entries written to the daemon log\n", out)
}

func TestArchiveCommands(t *testing.T) {
	f := newFixture(t)
	dbPath := filepath.Join(f.dir, "history.db")
	cfgPath := filepath.Join(f.dir, "config.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("[history]\narchive_path = \""+dbPath+"\"\n"), 0600))

	st, err := store.Open(dbPath)
	require.NoError(t, err)
	_, err = st.Archive(context.Background(), "morning", "test-kbd", []history.Entry{
		{Time: 10, Key: keystroke.KeyLeftCtrl, Forked: keystroke.KeyF, Press: true},
		{Time: 20, Key: keystroke.KeyLeftCtrl, Forked: keystroke.KeyF},
	})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	out, err := f.run(t, "--config", cfgPath, "archive", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "morning")
	assert.Contains(t, out, "test-kbd")

	out, err = f.run(t, "--config", cfgPath, "archive", "show", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "leftctrl")
	assert.Contains(t, out, "FORKED FROM")

	out, err = f.run(t, "--config", cfgPath, "archive", "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "all snapshots verified")

	_, err = f.run(t, "archive")
	assert.Error(t, err, "the fixture daemon has no archive")
}

func TestConfigCommands(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(f.dir, "new.toml")

	out, err := f.run(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)
	_, err = f.run(t, "config", "init", path)
	assert.Error(t, err, "existing file is kept")

	out, err = f.run(t, "--config", path, "config", "check")
	require.NoError(t, err)
	assert.Contains(t, out, "ok")

	out, err = f.run(t, "--config", path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "[device]")

	out, err = f.run(t, "config", "schema")
	require.NoError(t, err)
	assert.True(t, json.Valid([]byte(out)))
}

func TestWatch(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf, false)
	events := make(chan *ipc.Event, 3)
	events <- &ipc.Event{Type: ipc.EventConfigSwitched, Data: map[string]any{"origin": "ipc:forkctl", "from": 1.0, "to": 2.0}}
	events <- &ipc.Event{Type: ipc.EventConfigReloaded, Data: "/etc/forkd/config.toml"}
	events <- &ipc.Event{Type: ipc.EventDaemonShutdown, Data: "terminated"}

	require.NoError(t, watch(context.Background(), events, p))
	out := buf.String()
	assert.Contains(t, out, "switched 1 → 2 by ipc:forkctl")
	assert.Contains(t, out, "reloaded /etc/forkd/config.toml")
	assert.Contains(t, out, "shutdown terminated")
}

func TestNotRunning(t *testing.T) {
	a := &app{runtimeDir: t.TempDir()}
	cmd := newRootCmd(a)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--socket", filepath.Join(a.runtimeDir, "none.sock"), "status"})
	assert.ErrorIs(t, cmd.Execute(), ipc.ErrDaemonNotRunning)

	cmd = newRootCmd(a)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"stop"})
	assert.ErrorContains(t, cmd.Execute(), "not running")
}
