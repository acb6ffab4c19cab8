package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"forkd/internal/logging"
	"forkd/internal/security"
)

// Handler answers the requests the server does not handle itself.
type Handler interface {
	HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error)
}

type HandlerFunc func(ctx context.Context, client *Client, msg *Message) (*Message, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	return f(ctx, client, msg)
}

// Client is one accepted connection.
type Client struct {
	ID          string
	PID         int // 0 when the platform does not report it
	ConnectedAt time.Time

	conn    net.Conn
	limiter *security.RateLimiter
	wmu     sync.Mutex

	mu       sync.Mutex
	name     string
	version  string
	lastSeen time.Time
	subs     map[EventType]bool
}

// Origin names the client in audit records.
func (c *Client) Origin() string {
	if c == nil {
		return "ipc"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.name != "" {
		return "ipc:" + c.name
	}
	return "ipc:" + c.ID
}

func (c *Client) wants(t EventType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[t]
}

func (c *Client) send(m *Message, timeout time.Duration) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return m.Write(c.conn)
}

type ServerConfig struct {
	SocketPath     string
	Version        string
	Device         string // reported in the handshake
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxConnections int
	// AllowOtherUsers skips the peer credential check.
	AllowOtherUsers bool
	// RequestsPerSec limits each connection, with bursts of twice as many.
	// 0 disables the limit.
	RequestsPerSec int
	Logger         *logging.Logger
}

// DefaultSocketPath returns the socket path inside runtimeDir.
func DefaultSocketPath(runtimeDir string) string {
	return filepath.Join(runtimeDir, "forkd.sock")
}

func DefaultServerConfig(runtimeDir string) ServerConfig {
	return ServerConfig{
		SocketPath:     DefaultSocketPath(runtimeDir),
		Version:        "dev",
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxConnections: 32,
		RequestsPerSec: 50,
	}
}

// Server accepts control connections on a unix socket and streams events
// to subscribed clients.
type Server struct {
	cfg     ServerConfig
	handler Handler
	log     *logging.Logger

	ln        net.Listener
	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   atomic.Bool
	lastID    atomic.Uint64
	seq       atomic.Uint32

	mu      sync.RWMutex
	clients map[string]*Client
	events  chan *Event
}

func NewServer(cfg ServerConfig, handler Handler) *Server {
	def := DefaultServerConfig("")
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		handler: handler,
		log:     log.WithComponent("ipc"),
		ctx:     ctx,
		cancel:  cancel,
		clients: make(map[string]*Client),
		events:  make(chan *Event, 100),
	}
}

// Start binds the socket. It fails with ErrSocketInUse while another
// daemon answers on it.
func (s *Server) Start() error {
	ln, err := listenUnix(s.cfg.SocketPath)
	if err != nil {
		return err
	}
	s.ln = ln
	s.startedAt = time.Now()
	s.running.Store(true)

	s.wg.Add(2)
	go s.fanOut()
	go s.accept()

	s.log.Info("listening", "socket", s.cfg.SocketPath)
	return nil
}

// Stop closes every connection and removes the socket. Connections get
// five seconds to wind down.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.cancel()
	s.ln.Close()

	s.mu.Lock()
	for _, c := range s.clients {
		c.conn.Close()
	}
	close(s.events)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.log.Warn("timed out waiting for connections to close")
	}

	if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Server) SocketPath() string   { return s.cfg.SocketPath }
func (s *Server) StartedAt() time.Time { return s.startedAt }

func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Broadcast queues event for subscribed clients. Events are dropped while
// the queue is full or the server is stopped.
func (s *Server) Broadcast(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running.Load() {
		return
	}
	select {
	case s.events <- event:
	default:
		s.log.Warn("event queue full, dropping event", "type", event.Type)
	}
}

func (s *Server) fanOut() {
	defer s.wg.Done()
	for ev := range s.events {
		payload, err := Encode(ev)
		if err != nil {
			s.log.Error("encode event", "error", err)
			continue
		}
		s.mu.RLock()
		for _, c := range s.clients {
			if c.wants(ev.Type) {
				go c.send(NewMessage(MsgEvent, s.seq.Add(1), payload), s.cfg.WriteTimeout)
			}
		}
		s.mu.RUnlock()
	}
}

// admit checks the peer and the connection limit and registers conn.
func (s *Server) admit(conn net.Conn) (*Client, error) {
	p, err := peerOf(conn)
	if err != nil {
		return nil, fmt.Errorf("peer credentials: %w", err)
	}
	if !s.cfg.AllowOtherUsers && !p.trusted() {
		return nil, fmt.Errorf("peer uid %d is not allowed", p.uid)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.clients) >= s.cfg.MaxConnections {
		return nil, fmt.Errorf("connection limit %d reached", s.cfg.MaxConnections)
	}
	now := time.Now()
	c := &Client{
		ID:          "client-" + strconv.FormatUint(s.lastID.Add(1), 10),
		PID:         p.pid,
		ConnectedAt: now,
		conn:        conn,
		limiter:     security.NewRateLimiter(float64(s.cfg.RequestsPerSec), 2*s.cfg.RequestsPerSec),
		lastSeen:    now,
	}
	s.clients[c.ID] = c
	return c, nil
}

func (s *Server) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}
		c, err := s.admit(conn)
		if err != nil {
			s.log.Warn("refusing connection", "error", err)
			conn.Close()
			continue
		}
		s.log.Debug("client connected", "client", c.ID, "pid", c.PID)
		s.wg.Add(1)
		go s.serve(c)
	}
}

func (s *Server) serve(c *Client) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.clients, c.ID)
		s.mu.Unlock()
		c.conn.Close()
	}()

	for s.ctx.Err() == nil {
		c.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		msg, err := ReadMessage(c.conn)
		var ne net.Error
		switch {
		case err == nil:
		case errors.As(err, &ne) && ne.Timeout():
			// Idle: probe the client and keep waiting.
			c.send(NewMessage(MsgPing, s.seq.Add(1), nil), s.cfg.WriteTimeout)
			continue
		case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			return
		default:
			s.log.Debug("dropping client", "client", c.ID, "error", err)
			return
		}

		c.mu.Lock()
		c.lastSeen = time.Now()
		c.mu.Unlock()

		resp := s.dispatch(c, msg)
		if resp == nil {
			continue
		}
		if err := c.send(resp, s.cfg.WriteTimeout); err != nil {
			return
		}
	}
}

// dispatch answers connection-level messages itself and passes the rest
// to the handler.
func (s *Server) dispatch(c *Client, msg *Message) *Message {
	id := msg.Header.RequestID
	if msg.Header.Type != MsgPong && !c.limiter.Allow() {
		s.log.Debug("rate limited", "client", c.ID, "type", msg.Header.Type)
		return NewErrorMessage(id, ErrBusy, "rate limit exceeded")
	}

	var (
		resp *Message
		err  error
	)
	switch msg.Header.Type {
	case MsgPing:
		resp = NewMessage(MsgPong, id, nil)
	case MsgPong:
	case MsgHandshake:
		resp, err = s.handshake(c, msg)
	case MsgSubscribe:
		resp, err = s.subscribe(c, msg)
	case MsgUnsubscribe:
		c.mu.Lock()
		c.subs = nil
		c.mu.Unlock()
		resp = NewMessage(MsgUnsubscribeResp, id, nil)
	default:
		if s.handler == nil {
			return NewErrorMessage(id, ErrInvalidRequest, "no handler")
		}
		resp, err = s.handler.HandleMessage(s.ctx, c, msg)
	}
	if err != nil {
		return NewErrorMessage(id, ErrInternalError, err.Error())
	}
	return resp
}

func (s *Server) handshake(c *Client, msg *Message) (*Message, error) {
	var req HandshakeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid handshake"), nil
	}
	c.mu.Lock()
	c.name, c.version = req.ClientName, req.ClientVersion
	c.mu.Unlock()

	return NewResponse(MsgHandshakeAck, msg.Header.RequestID, &HandshakeResponse{
		ServerVersion:   s.cfg.Version,
		ProtocolVersion: ProtocolVersion,
		SessionID:       c.ID,
		Device:          s.cfg.Device,
	})
}

func (s *Server) subscribe(c *Client, msg *Message) (*Message, error) {
	var req SubscribeRequest
	if len(msg.Payload) > 0 {
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid subscribe request"), nil
		}
	}
	events := req.Events
	if len(events) == 0 {
		events = allEvents
	}
	subs := make(map[EventType]bool, len(events))
	for _, t := range events {
		subs[t] = true
	}
	c.mu.Lock()
	c.subs = subs
	c.mu.Unlock()

	return NewResponse(MsgSubscribeResp, msg.Header.RequestID, &SubscribeResponse{
		Success:        true,
		SubscriptionID: c.ID,
	})
}
