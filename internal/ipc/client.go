package ipc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"forkd/internal/fork"
	"forkd/internal/forkconfig"
	"forkd/internal/history"
)

var (
	ErrNotConnected     = errors.New("not connected to daemon")
	ErrConnectionLost   = errors.New("connection to daemon lost")
	ErrTimeout          = errors.New("request timeout")
	ErrDaemonNotRunning = errors.New("daemon is not running")
)

// RemoteError is a failure reported by the daemon.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("daemon: %s (code %d)", e.Message, e.Code)
}

// Is matches remote failures against the local sentinels they stand for.
func (e *RemoteError) Is(target error) bool {
	switch e.Code {
	case ErrNotFound:
		return target == forkconfig.ErrNotFound
	case ErrAlreadyActive:
		return target == forkconfig.ErrAlreadyActive
	case ErrBusy:
		return target == fork.ErrBusy
	}
	return false
}

type ClientConfig struct {
	SocketPath     string
	ClientName     string
	ClientVersion  string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	// IdleTimeout is how long the connection may stay silent before the
	// client pings the daemon.
	IdleTimeout time.Duration
}

func DefaultClientConfig(runtimeDir string) ClientConfig {
	return ClientConfig{
		SocketPath:     DefaultSocketPath(runtimeDir),
		ClientName:     "forkctl",
		ClientVersion:  "dev",
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 10 * time.Second,
		IdleTimeout:    60 * time.Second,
	}
}

// IPCClient holds one session with the daemon. Requests may be issued
// from several goroutines; responses are matched by request id.
type IPCClient struct {
	cfg ClientConfig
	seq atomic.Uint32

	mu        sync.Mutex
	conn      net.Conn
	pending   map[uint32]chan *Message
	sessionID string
	version   string
	device    string

	wmu    sync.Mutex
	events chan *Event
	done   chan struct{}
	reader sync.WaitGroup
	closed sync.Once
}

func NewClient(cfg ClientConfig) *IPCClient {
	def := DefaultClientConfig("")
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	return &IPCClient{
		cfg:     cfg,
		pending: make(map[uint32]chan *Message),
		events:  make(chan *Event, 100),
		done:    make(chan struct{}),
	}
}

// Connect dials the socket and performs the handshake. A missing or
// refusing socket yields ErrDaemonNotRunning.
func (c *IPCClient) Connect() error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	conn, err := net.DialTimeout("unix", c.cfg.SocketPath, c.cfg.ConnectTimeout)
	if err != nil {
		c.mu.Unlock()
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED) {
			return ErrDaemonNotRunning
		}
		return fmt.Errorf("connect: %w", err)
	}
	c.conn = conn
	c.mu.Unlock()

	c.reader.Add(1)
	go c.read(conn)

	if err := c.handshake(); err != nil {
		c.disconnect(conn)
		return fmt.Errorf("handshake: %w", err)
	}
	return nil
}

// Close ends the session. The Events channel is closed once the reader has
// stopped.
func (c *IPCClient) Close() error {
	c.closed.Do(func() {
		close(c.done)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			c.disconnect(conn)
		}
		c.reader.Wait()
		close(c.events)
	})
	return nil
}

// disconnect forgets conn and fails the requests waiting on it.
func (c *IPCClient) disconnect(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}
	conn.Close()
	c.conn = nil
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *IPCClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// SessionID is the id the daemon assigned at handshake.
func (c *IPCClient) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *IPCClient) ServerVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Device is the keyboard the daemon serves.
func (c *IPCClient) Device() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device
}

// Events delivers subscribed events. Events arriving while the channel is
// full are dropped.
func (c *IPCClient) Events() <-chan *Event {
	return c.events
}

func (c *IPCClient) handshake() error {
	var ack HandshakeResponse
	err := c.call(MsgHandshake, &HandshakeRequest{
		ClientVersion:   c.cfg.ClientVersion,
		ClientName:      c.cfg.ClientName,
		ProtocolVersion: ProtocolVersion,
	}, MsgHandshakeAck, &ack)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sessionID, c.version, c.device = ack.SessionID, ack.ServerVersion, ack.Device
	c.mu.Unlock()
	return nil
}

func (c *IPCClient) write(conn net.Conn, m *Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.RequestTimeout))
	return m.Write(conn)
}

// roundTrip writes m and waits for the message that answers it.
func (c *IPCClient) roundTrip(m *Message, timeout time.Duration) (*Message, error) {
	id := m.Header.RequestID
	ch := make(chan *Message, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(conn, m); err != nil {
		c.disconnect(conn)
		return nil, fmt.Errorf("write message: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrConnectionLost
		}
		return resp, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-c.done:
		return nil, ErrNotConnected
	}
}

// expect turns an error message into a RemoteError and rejects responses
// of the wrong type.
func expect(resp *Message, want MessageType) error {
	switch resp.Header.Type {
	case want:
		return nil
	case MsgError:
		var e ErrorResponse
		if err := Decode(resp.Payload, &e); err != nil {
			return fmt.Errorf("undecodable error response: %w", err)
		}
		return &RemoteError{Code: e.Code, Message: e.Message}
	default:
		return fmt.Errorf("unexpected response: %s", resp.Header.Type)
	}
}

// call exchanges JSON payloads. in and out may be nil.
func (c *IPCClient) call(t MessageType, in any, want MessageType, out any) error {
	var data []byte
	if in != nil {
		var err error
		if data, err = Encode(in); err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
	}
	resp, err := c.roundTrip(NewMessage(t, c.seq.Add(1), data), c.cfg.RequestTimeout)
	if err != nil {
		return err
	}
	if err := expect(resp, want); err != nil {
		return err
	}
	if out == nil || len(resp.Payload) == 0 {
		return nil
	}
	return Decode(resp.Payload, out)
}

// callBinary exchanges fixed-layout payloads.
func (c *IPCClient) callBinary(t MessageType, in []byte, want MessageType) ([]byte, error) {
	resp, err := c.roundTrip(NewBinaryMessage(t, c.seq.Add(1), in), c.cfg.RequestTimeout)
	if err != nil {
		return nil, err
	}
	if err := expect(resp, want); err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// read routes incoming messages until conn fails.
func (c *IPCClient) read(conn net.Conn) {
	defer c.reader.Done()
	defer c.disconnect(conn)

	for {
		conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
		m, err := ReadMessage(conn)
		var ne net.Error
		switch {
		case err == nil:
		case errors.As(err, &ne) && ne.Timeout():
			if c.write(conn, NewMessage(MsgPing, c.seq.Add(1), nil)) != nil {
				return
			}
			continue
		default:
			return
		}

		switch m.Header.Type {
		case MsgPing:
			c.write(conn, NewMessage(MsgPong, m.Header.RequestID, nil))
		case MsgEvent:
			var ev Event
			if Decode(m.Payload, &ev) == nil {
				select {
				case c.events <- &ev:
				default:
				}
			}
		default:
			// Sent under mu so disconnect cannot close ch meanwhile.
			c.mu.Lock()
			if ch, ok := c.pending[m.Header.RequestID]; ok {
				select {
				case ch <- m:
				default:
				}
			}
			c.mu.Unlock()
		}
	}
}

// Ping checks that the daemon answers.
func (c *IPCClient) Ping() error {
	resp, err := c.roundTrip(NewMessage(MsgPing, c.seq.Add(1), nil), 5*time.Second)
	if err != nil {
		return err
	}
	return expect(resp, MsgPong)
}

// Configure sends a write request and returns its result: the new id for
// clone, the entry count for server-dump, zero otherwise.
func (c *IPCClient) Configure(r fork.Request) (int, error) {
	b, err := c.callBinary(MsgConfigure, EncodeRequest(r), MsgConfigureResp)
	if err != nil {
		return 0, err
	}
	return DecodeInt32(b)
}

// Get sends a read request.
func (c *IPCClient) Get(r fork.Request) (int, error) {
	b, err := c.callBinary(MsgGetConfigure, EncodeRequest(r), MsgGetConfigureResp)
	if err != nil {
		return 0, err
	}
	return DecodeInt32(b)
}

func (c *IPCClient) SwitchConfig(id int) error {
	_, err := c.Configure(fork.Request{Param: forkconfig.ParamSwitch, Args: [3]int{id}})
	return err
}

// CloneConfig copies configuration id and returns the id of the copy.
func (c *IPCClient) CloneConfig(id int) (int, error) {
	return c.Configure(fork.Request{Param: forkconfig.ParamClone, Args: [3]int{id}})
}

// DumpHistory returns up to n recent events, newest first. A negative n
// asks for the whole history.
func (c *IPCClient) DumpHistory(n int) ([]history.Entry, error) {
	var payload []byte
	if n >= 0 {
		payload = EncodeInt32(n)
	}
	b, err := c.callBinary(MsgDumpHistory, payload, MsgDumpHistoryResp)
	if err != nil {
		return nil, err
	}
	return DecodeHistory(b)
}

func (c *IPCClient) Status() (*StatusResponse, error) {
	var st StatusResponse
	if err := c.call(MsgStatusRequest, nil, MsgStatusResponse, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Archive asks the daemon to store its history in the archive database.
func (c *IPCClient) Archive(label string, count int) (*ArchiveResponse, error) {
	var res ArchiveResponse
	if err := c.call(MsgArchiveHistory, &ArchiveRequest{Label: label, Count: count}, MsgArchiveHistoryResp, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Subscribe subscribes to events; no events means all of them.
func (c *IPCClient) Subscribe(events ...EventType) error {
	var res SubscribeResponse
	if err := c.call(MsgSubscribe, &SubscribeRequest{Events: events}, MsgSubscribeResp, &res); err != nil {
		return err
	}
	if !res.Success {
		return errors.New("subscription failed")
	}
	return nil
}

func (c *IPCClient) Unsubscribe() error {
	return c.call(MsgUnsubscribe, nil, MsgUnsubscribeResp, nil)
}
