package ipc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forkd/internal/fork"
	"forkd/internal/forkconfig"
	"forkd/internal/history"
	"forkd/internal/host"
	"forkd/internal/keystroke"
)

func TestMessageFraming(t *testing.T) {
	var buf bytes.Buffer
	msg := NewBinaryMessage(MsgConfigure, 42, EncodeRequest(fork.DecodeRequest(21, 33, 29)))
	require.NoError(t, msg.Write(&buf))
	assert.Equal(t, HeaderSize+ConfigureSize, buf.Len())

	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgConfigure, got.Header.Type)
	assert.Equal(t, uint32(42), got.Header.RequestID)
	assert.Equal(t, FlagBinary, got.Header.Flags)

	r, err := DecodeRequestPayload(got.Payload)
	require.NoError(t, err)
	assert.Equal(t, 21, r.Op())
	assert.Equal(t, [3]int{33, 29, 0}, r.Args)
}

func TestReadMessageRejectsBadHeaders(t *testing.T) {
	var buf bytes.Buffer
	bad := NewMessage(MsgPing, 1, nil)
	bad.Header.Magic = 0xdeadbeef
	require.NoError(t, bad.Write(&buf))
	_, err := ReadMessage(&buf)
	assert.ErrorContains(t, err, "magic")

	buf.Reset()
	h := Header{Magic: ProtocolMagic, Version: ProtocolVersion, Type: MsgStatusRequest, Length: MaxPayload + 1}
	require.NoError(t, h.Write(&buf))
	_, err = ReadMessage(&buf)
	assert.ErrorContains(t, err, "exceeds")
}

func TestBinaryPayloads(t *testing.T) {
	_, err := DecodeRequestPayload(make([]byte, 12))
	assert.Error(t, err)

	v, err := DecodeInt32(EncodeInt32(-3))
	require.NoError(t, err)
	assert.Equal(t, -3, v)

	entries := []history.Entry{
		{Time: 100, Key: keystroke.KeyLeftCtrl, Forked: keystroke.KeyF, Press: true},
		{Time: 180, Key: keystroke.KeyLeftCtrl, Forked: keystroke.KeyF},
	}
	b := EncodeHistory(entries)
	assert.Len(t, b, 4+2*history.RecordSize)
	got, err := DecodeHistory(b)
	require.NoError(t, err)
	assert.Equal(t, entries, got)

	_, err = DecodeHistory(b[:len(b)-1])
	assert.Error(t, err)

	empty, err := DecodeHistory(EncodeHistory(nil))
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{forkconfig.ErrNotFound, ErrNotFound},
		{fmt.Errorf("switch: %w", forkconfig.ErrAlreadyActive), ErrAlreadyActive},
		{forkconfig.ErrBadKeycode, ErrInvalidRequest},
		{forkconfig.ErrUnknownParam, ErrInvalidRequest},
		{fork.ErrBusy, ErrBusy},
		{host.ErrNotRunning, ErrNotInitialized},
		{errors.New("boom"), ErrInternalError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorCode(tt.err), tt.err.Error())
	}
}

type fakeArchiver struct {
	mu      sync.Mutex
	label   string
	device  string
	entries []history.Entry
}

func (f *fakeArchiver) Archive(ctx context.Context, label, device string, entries []history.Entry) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.label, f.device, f.entries = label, device, entries
	return 7, nil
}

type fixture struct {
	adapter *host.Adapter
	source  *keystroke.SimulatedSource
	emitter *keystroke.RecordingEmitter
	server  *Server
	client  *IPCClient
}

func newFixture(t *testing.T, archive Archiver) *fixture {
	t.Helper()
	store := forkconfig.NewStore()
	store.Active().Verification = 60000

	f := &fixture{
		source:  keystroke.NewSimulated(),
		emitter: &keystroke.RecordingEmitter{},
	}
	f.adapter = host.New(f.source, f.emitter, host.Config{Device: "test-kbd"}, fork.WithConfigs(store))
	require.NoError(t, f.adapter.Start(context.Background()))
	t.Cleanup(func() { f.adapter.Stop() })

	h := NewDaemonHandler(HandlerConfig{
		Controller: f.adapter,
		Archive:    archive,
		Version:    "test",
		Device:     "test-kbd",
	})
	socket := filepath.Join(t.TempDir(), "forkd.sock")
	f.server = NewServer(ServerConfig{SocketPath: socket, Version: "test", Device: "test-kbd"}, h)
	h.SetEvents(f.server)
	require.NoError(t, f.server.Start())
	t.Cleanup(func() { f.server.Stop() })

	f.client = NewClient(ClientConfig{SocketPath: socket, ClientName: "test", ClientVersion: "test"})
	require.NoError(t, f.client.Connect())
	t.Cleanup(func() { f.client.Close() })
	return f
}

func TestClientHandshake(t *testing.T) {
	f := newFixture(t, nil)

	assert.True(t, f.client.IsConnected())
	assert.Equal(t, "test", f.client.ServerVersion())
	assert.Equal(t, "test-kbd", f.client.Device())
	assert.NotEmpty(t, f.client.SessionID())
	assert.NoError(t, f.client.Ping())
	assert.Eventually(t, func() bool { return f.server.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestServerRefusesSecondListener(t *testing.T) {
	f := newFixture(t, nil)

	other := NewServer(ServerConfig{SocketPath: f.server.SocketPath()}, nil)
	assert.ErrorIs(t, other.Start(), ErrSocketInUse)
	assert.NoError(t, f.client.Ping())
}

func TestListenReplacesStaleSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stale.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	// Keep the file behind when closing, as a crashed daemon would.
	ln.(*net.UnixListener).SetUnlinkOnClose(false)
	require.NoError(t, ln.Close())

	ln, err = listenUnix(path)
	require.NoError(t, err)
	defer ln.Close()

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
}

func TestListenRefusesRegularFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forkd.sock")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))

	_, err := listenUnix(path)
	assert.ErrorContains(t, err, "not a socket")
	data, _ := os.ReadFile(path)
	assert.Equal(t, "x", string(data))
}

func TestPeerIsSelf(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peer.sock")
	ln, err := listenUnix(path)
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, err := net.Dial("unix", path)
		if err == nil {
			defer c.Close()
			time.Sleep(100 * time.Millisecond)
		}
	}()
	conn, err := ln.Accept()
	require.NoError(t, err)
	defer conn.Close()

	p, err := peerOf(conn)
	require.NoError(t, err)
	assert.Equal(t, os.Getuid(), p.uid)
	assert.True(t, p.trusted())
}

func TestConfigureOverSocket(t *testing.T) {
	f := newFixture(t, nil)
	c := f.client

	_, err := c.Configure(fork.DecodeRequest(21, int(keystroke.KeyF), int(keystroke.KeyLeftCtrl)))
	require.NoError(t, err)
	v, err := c.Get(fork.DecodeRequest(21, int(keystroke.KeyF)))
	require.NoError(t, err)
	assert.Equal(t, int(keystroke.KeyLeftCtrl), v)

	v, err = c.Get(fork.DecodeRequest(8))
	require.NoError(t, err)
	assert.Equal(t, 60000, v)

	_, err = c.Configure(fork.DecodeRequest(21, keystroke.KeycodeCount, 0))
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, ErrInvalidRequest, remote.Code)

	id, err := c.CloneConfig(1)
	require.NoError(t, err)
	assert.Equal(t, 2, id)

	assert.ErrorIs(t, c.SwitchConfig(9), forkconfig.ErrNotFound)
	assert.ErrorIs(t, c.SwitchConfig(1), forkconfig.ErrAlreadyActive)
	require.NoError(t, c.SwitchConfig(2))

	v, err = c.Get(fork.DecodeRequest(32))
	require.NoError(t, err)
	assert.Equal(t, 2, v, "active id")

	st, err := c.Status()
	require.NoError(t, err)
	assert.Equal(t, "test", st.Version)
	assert.Equal(t, "test-kbd", st.Device)
	assert.False(t, st.Archive)
	assert.Equal(t, 2, st.Machine.ConfigID)
	assert.Equal(t, 3, st.Machine.Configs)
	assert.Equal(t, "normal", st.Machine.State)
}

func TestHistoryOverSocket(t *testing.T) {
	archive := &fakeArchiver{}
	f := newFixture(t, archive)

	now := keystroke.Now()
	f.source.SimulateTap(keystroke.KeyJ, now, 30)
	f.source.SimulateTap(keystroke.KeyK, now+50, 30)
	require.Eventually(t, func() bool { return len(f.emitter.Events()) == 4 }, 2*time.Second, 5*time.Millisecond)

	all, err := f.client.DumpHistory(-1)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, keystroke.KeyK, all[0].Key)
	assert.False(t, all[0].Press, "newest first")

	two, err := f.client.DumpHistory(2)
	require.NoError(t, err)
	assert.Equal(t, all[:2], two)

	resp, err := f.client.Archive("session", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(7), resp.SnapshotID)
	assert.Equal(t, 3, resp.Entries)

	archive.mu.Lock()
	defer archive.mu.Unlock()
	assert.Equal(t, "session", archive.label)
	assert.Equal(t, "test-kbd", archive.device)
	require.Len(t, archive.entries, 3)
	assert.Equal(t, keystroke.KeyJ, archive.entries[0].Key)
	assert.False(t, archive.entries[0].Press, "oldest first")
	assert.Equal(t, all[0], archive.entries[2])
}

func TestArchiveDisabled(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.client.Archive("", 0)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, ErrNotInitialized, remote.Code)
}

func TestConfigEventsAreStreamed(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.client.Subscribe(EventConfigSwitched))

	id, err := f.client.CloneConfig(1)
	require.NoError(t, err)
	require.NoError(t, f.client.SwitchConfig(id))

	select {
	case ev := <-f.client.Events():
		assert.Equal(t, EventConfigSwitched, ev.Type)
		data, ok := ev.Data.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "ipc:test", data["origin"])
		assert.Equal(t, float64(1), data["from"])
		assert.Equal(t, float64(2), data["to"])
	case <-time.After(2 * time.Second):
		t.Fatal("no switch event")
	}
}

func TestStoppedControllerIsReported(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.adapter.Stop())

	_, err := f.client.Status()
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, ErrNotInitialized, remote.Code)
}

func TestRequestRateLimit(t *testing.T) {
	f := newFixture(t, nil)

	socket := filepath.Join(t.TempDir(), "limited.sock")
	limited := NewServer(ServerConfig{SocketPath: socket, Version: "test", RequestsPerSec: 1}, NewDaemonHandler(HandlerConfig{
		Controller: f.adapter,
		Version:    "test",
	}))
	require.NoError(t, limited.Start())
	t.Cleanup(func() { limited.Stop() })

	c := NewClient(ClientConfig{SocketPath: socket, ClientName: "flood", ClientVersion: "test"})
	require.NoError(t, c.Connect())
	t.Cleanup(func() { c.Close() })

	var busy int
	for i := 0; i < 5; i++ {
		_, err := c.Status()
		var remote *RemoteError
		if errors.As(err, &remote) && remote.Code == ErrBusy {
			busy++
		}
	}
	assert.Greater(t, busy, 0)

	// The default fixture server has no limit.
	for i := 0; i < 5; i++ {
		_, err := f.client.Status()
		require.NoError(t, err)
	}
}
