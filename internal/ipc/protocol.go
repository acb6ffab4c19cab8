// Package ipc carries the fork configuration protocol between forkd and its
// clients over a unix socket.
//
// Every message is a 16-byte header followed by a payload. Configuration
// requests and history records use fixed binary layouts; status and
// archive payloads are JSON.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"forkd/internal/fork"
	"forkd/internal/history"
)

const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x464F524B // "FORK"
)

type MessageType uint16

const (
	// 0x00xx: connection control
	MsgPing         MessageType = 0x0001
	MsgPong         MessageType = 0x0002
	MsgHandshake    MessageType = 0x0003
	MsgHandshakeAck MessageType = 0x0004
	MsgError        MessageType = 0x0005

	// 0x01xx: fork configuration
	MsgConfigure        MessageType = 0x0100
	MsgConfigureResp    MessageType = 0x0101
	MsgGetConfigure     MessageType = 0x0102
	MsgGetConfigureResp MessageType = 0x0103

	// 0x02xx: decision history
	MsgDumpHistory        MessageType = 0x0200
	MsgDumpHistoryResp    MessageType = 0x0201
	MsgArchiveHistory     MessageType = 0x0202
	MsgArchiveHistoryResp MessageType = 0x0203

	MsgStatusRequest  MessageType = 0x0300
	MsgStatusResponse MessageType = 0x0301

	// 0x05xx: event stream
	MsgSubscribe       MessageType = 0x0500
	MsgSubscribeResp   MessageType = 0x0501
	MsgUnsubscribe     MessageType = 0x0502
	MsgUnsubscribeResp MessageType = 0x0503
	MsgEvent           MessageType = 0x0504
)

var messageNames = map[MessageType]string{
	MsgPing:               "ping",
	MsgPong:               "pong",
	MsgHandshake:          "handshake",
	MsgHandshakeAck:       "handshake-ack",
	MsgError:              "error",
	MsgConfigure:          "configure",
	MsgConfigureResp:      "configure-resp",
	MsgGetConfigure:       "get-configure",
	MsgGetConfigureResp:   "get-configure-resp",
	MsgDumpHistory:        "dump-history",
	MsgDumpHistoryResp:    "dump-history-resp",
	MsgArchiveHistory:     "archive-history",
	MsgArchiveHistoryResp: "archive-history-resp",
	MsgStatusRequest:      "status",
	MsgStatusResponse:     "status-resp",
	MsgSubscribe:          "subscribe",
	MsgSubscribeResp:      "subscribe-resp",
	MsgUnsubscribe:        "unsubscribe",
	MsgUnsubscribeResp:    "unsubscribe-resp",
	MsgEvent:              "event",
}

func (t MessageType) String() string {
	if name, ok := messageNames[t]; ok {
		return name
	}
	return fmt.Sprintf("message(0x%04x)", uint16(t))
}

// EventType names what a streamed Event reports.
type EventType uint16

const (
	EventConfigSwitched EventType = 0x0001
	EventConfigChanged  EventType = 0x0002
	EventConfigReloaded EventType = 0x0003
	EventDeviceDetached EventType = 0x0004
	EventDaemonShutdown EventType = 0x0005
)

// allEvents is what an empty subscription subscribes to.
var allEvents = []EventType{
	EventConfigSwitched,
	EventConfigChanged,
	EventConfigReloaded,
	EventDeviceDetached,
	EventDaemonShutdown,
}

// HeaderSize is the encoded length of a Header.
const HeaderSize = 16

// MaxPayload bounds the payload of a single message.
const MaxPayload = 16 * 1024 * 1024

// Header flags describe how the payload is laid out.
const (
	FlagBinary uint8 = 0x01
	FlagJSON   uint8 = 0x04
)

// Header precedes every payload. On the wire it is magic, version, flags,
// type, request id and payload length, big-endian.
type Header struct {
	Magic     uint32
	Version   uint8
	Flags     uint8
	Type      MessageType
	RequestID uint32
	Length    uint32
}

func (h *Header) appendTo(b []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, h.Magic)
	b = append(b, h.Version, h.Flags)
	b = binary.BigEndian.AppendUint16(b, uint16(h.Type))
	b = binary.BigEndian.AppendUint32(b, h.RequestID)
	return binary.BigEndian.AppendUint32(b, h.Length)
}

func (h *Header) Write(w io.Writer) error {
	_, err := w.Write(h.appendTo(make([]byte, 0, HeaderSize)))
	return err
}

// check rejects headers this build cannot read.
func (h *Header) check() error {
	switch {
	case h.Magic != ProtocolMagic:
		return fmt.Errorf("bad magic %#08x", h.Magic)
	case h.Version > ProtocolVersion:
		return fmt.Errorf("protocol version %d is newer than %d", h.Version, ProtocolVersion)
	case h.Length > MaxPayload:
		return fmt.Errorf("payload of %d bytes exceeds %d", h.Length, MaxPayload)
	}
	return nil
}

type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage builds a message with a JSON payload.
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Flags:     FlagJSON,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// NewBinaryMessage builds a message whose payload has a fixed layout.
func NewBinaryMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	m := NewMessage(msgType, requestID, payload)
	m.Header.Flags = FlagBinary
	return m
}

// Write sends header and payload in one call so that concurrent writers
// serialized by the caller never interleave partial frames.
func (m *Message) Write(w io.Writer) error {
	h := m.Header
	h.Length = uint32(len(m.Payload))
	buf := h.appendTo(make([]byte, 0, HeaderSize+len(m.Payload)))
	_, err := w.Write(append(buf, m.Payload...))
	return err
}

// ReadMessage reads one frame.
func ReadMessage(r io.Reader) (*Message, error) {
	var raw [HeaderSize]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return nil, err
	}
	m := &Message{Header: Header{
		Magic:     binary.BigEndian.Uint32(raw[0:]),
		Version:   raw[4],
		Flags:     raw[5],
		Type:      MessageType(binary.BigEndian.Uint16(raw[6:])),
		RequestID: binary.BigEndian.Uint32(raw[8:]),
		Length:    binary.BigEndian.Uint32(raw[12:]),
	}}
	if err := m.Header.check(); err != nil {
		return nil, err
	}
	if m.Header.Length > 0 {
		m.Payload = make([]byte, m.Header.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Binary payloads

// ConfigureSize is the payload length of configure and get-configure:
// the operation followed by three operands, all big-endian int32.
const ConfigureSize = 16

// EncodeRequest lays out a configuration request.
func EncodeRequest(r fork.Request) []byte {
	b := make([]byte, 0, ConfigureSize)
	b = binary.BigEndian.AppendUint32(b, uint32(int32(r.Op())))
	for _, a := range r.Args {
		b = binary.BigEndian.AppendUint32(b, uint32(int32(a)))
	}
	return b
}

// DecodeRequestPayload parses a configure or get-configure payload.
func DecodeRequestPayload(b []byte) (fork.Request, error) {
	if len(b) != ConfigureSize {
		return fork.Request{}, fmt.Errorf("configure payload is %d bytes, want %d", len(b), ConfigureSize)
	}
	var args [3]int
	for i := range args {
		args[i] = int(int32(binary.BigEndian.Uint32(b[4+4*i:])))
	}
	op := int(int32(binary.BigEndian.Uint32(b[0:4])))
	return fork.DecodeRequest(op, args[:]...), nil
}

// EncodeInt32 lays out a single int32 result.
func EncodeInt32(v int) []byte {
	return binary.BigEndian.AppendUint32(nil, uint32(int32(v)))
}

// DecodeInt32 parses a single int32 result.
func DecodeInt32(b []byte) (int, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("int32 payload is %d bytes", len(b))
	}
	return int(int32(binary.BigEndian.Uint32(b))), nil
}

// EncodeHistory lays out a dump-history response: a big-endian uint32
// record count followed by that many history records.
func EncodeHistory(entries []history.Entry) []byte {
	b := binary.BigEndian.AppendUint32(make([]byte, 0, 4+len(entries)*history.RecordSize), uint32(len(entries)))
	return append(b, history.Encode(entries)...)
}

// DecodeHistory parses a dump-history response.
func DecodeHistory(b []byte) ([]history.Entry, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("history payload is %d bytes", len(b))
	}
	n := int(binary.BigEndian.Uint32(b[0:4]))
	if len(b)-4 != n*history.RecordSize {
		return nil, fmt.Errorf("history payload announces %d records in %d bytes", n, len(b)-4)
	}
	return history.Decode(b[4:])
}

// JSON payloads

// HandshakeRequest is sent by the client to initiate connection
type HandshakeRequest struct {
	ClientVersion   string `json:"client_version"`
	ClientName      string `json:"client_name"`
	ProtocolVersion uint8  `json:"protocol_version"`
}

// HandshakeResponse is sent by the server to acknowledge connection
type HandshakeResponse struct {
	ServerVersion   string `json:"server_version"`
	ProtocolVersion uint8  `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	Device          string `json:"device,omitempty"`
}

// ErrorResponse is sent when an operation fails
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Error codes
const (
	ErrUnknown        = 1
	ErrInvalidRequest = 2
	ErrNotFound       = 3
	ErrPermission     = 4
	ErrInternalError  = 5
	ErrAlreadyActive  = 6
	ErrNotInitialized = 7
	ErrBusy           = 8
)

// StatusResponse contains daemon and machine status
type StatusResponse struct {
	Version   string         `json:"version"`
	Uptime    time.Duration  `json:"uptime"`
	StartedAt time.Time      `json:"started_at"`
	Device    string         `json:"device"`
	Archive   bool           `json:"archive"`
	Machine   fork.Status    `json:"machine"`
	Metrics   map[string]any `json:"metrics,omitempty"`
}

// ArchiveRequest asks the daemon to copy its history into the archive.
type ArchiveRequest struct {
	Label string `json:"label,omitempty"`
	// Count limits the number of most recent entries; zero means all.
	Count int `json:"count,omitempty"`
}

// ArchiveResponse reports an archived snapshot.
type ArchiveResponse struct {
	SnapshotID int64 `json:"snapshot_id"`
	Entries    int   `json:"entries"`
}

// SubscribeRequest requests event subscription
type SubscribeRequest struct {
	Events []EventType `json:"events"` // Empty means all events
}

// SubscribeResponse acknowledges subscription
type SubscribeResponse struct {
	Success        bool   `json:"success"`
	SubscriptionID string `json:"subscription_id"`
}

// Event is a streamed event
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// ConfigEvent describes a configuration change.
type ConfigEvent struct {
	Origin  string `json:"origin"`
	Request string `json:"request,omitempty"`
	From    int    `json:"from,omitempty"`
	To      int    `json:"to,omitempty"`
}

// Encode encodes a payload to JSON bytes
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode decodes JSON bytes to a payload
func Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// NewErrorMessage creates an error message
func NewErrorMessage(requestID uint32, code int, message string) *Message {
	payload, _ := Encode(&ErrorResponse{
		Code:    code,
		Message: message,
	})
	return NewMessage(MsgError, requestID, payload)
}

// NewResponse creates a response message
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}
