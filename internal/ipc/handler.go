package ipc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"forkd/internal/fork"
	"forkd/internal/forkconfig"
	"forkd/internal/history"
	"forkd/internal/host"
	"forkd/internal/logging"
)

// Controller is the part of the daemon that owns the fork machine.
// host.Adapter implements it.
type Controller interface {
	Configure(ctx context.Context, r fork.Request) (int, error)
	ConfigureGet(ctx context.Context, r fork.Request) (int, error)
	History(ctx context.Context, n int) ([]history.Entry, error)
	DumpHistory(ctx context.Context) ([]history.Entry, error)
	Status(ctx context.Context) (fork.Status, error)
}

// Archiver stores history snapshots. store.Archive implements it.
type Archiver interface {
	Archive(ctx context.Context, label, device string, entries []history.Entry) (int64, error)
}

// Broadcaster publishes events to subscribed clients.
type Broadcaster interface {
	Broadcast(event *Event)
}

// MetricsSource supplies counters for status responses.
type MetricsSource func() map[string]any

// DaemonHandler implements Handler for forkd.
type DaemonHandler struct {
	ctrl      Controller
	archive   Archiver
	audit     *logging.AuditLogger
	events    Broadcaster
	metrics   MetricsSource
	log       *logging.Logger
	version   string
	device    string
	startedAt time.Time
}

// HandlerConfig configures a DaemonHandler. Everything but Controller is
// optional.
type HandlerConfig struct {
	Controller Controller
	Archive    Archiver
	Audit      *logging.AuditLogger
	Events     Broadcaster
	Metrics    MetricsSource
	Logger     *logging.Logger
	Version    string
	Device     string
}

// NewDaemonHandler creates a new daemon handler
func NewDaemonHandler(cfg HandlerConfig) *DaemonHandler {
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}
	return &DaemonHandler{
		ctrl:      cfg.Controller,
		archive:   cfg.Archive,
		audit:     cfg.Audit,
		events:    cfg.Events,
		metrics:   cfg.Metrics,
		log:       log.WithComponent("ipc"),
		version:   cfg.Version,
		device:    cfg.Device,
		startedAt: time.Now(),
	}
}

// SetEvents sets where configuration events are published. The server is
// usually built after its handler.
func (h *DaemonHandler) SetEvents(b Broadcaster) {
	h.events = b
}

// HandleMessage implements Handler
func (h *DaemonHandler) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgConfigure:
		return h.handleConfigure(ctx, client, msg)

	case MsgGetConfigure:
		return h.handleGetConfigure(ctx, client, msg)

	case MsgDumpHistory:
		return h.handleDumpHistory(ctx, client, msg)

	case MsgArchiveHistory:
		return h.handleArchiveHistory(ctx, client, msg)

	case MsgStatusRequest:
		return h.handleStatus(ctx, client, msg)

	default:
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest,
			fmt.Sprintf("unknown message type: %s", msg.Header.Type)), nil
	}
}

// ErrorCode maps a daemon error to its protocol code.
func ErrorCode(err error) int {
	switch {
	case errors.Is(err, forkconfig.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, forkconfig.ErrAlreadyActive):
		return ErrAlreadyActive
	case errors.Is(err, forkconfig.ErrUnknownParam), errors.Is(err, forkconfig.ErrBadKeycode):
		return ErrInvalidRequest
	case errors.Is(err, fork.ErrBusy):
		return ErrBusy
	case errors.Is(err, host.ErrNotRunning):
		return ErrNotInitialized
	default:
		return ErrInternalError
	}
}

func errorMessage(requestID uint32, err error) *Message {
	return NewErrorMessage(requestID, ErrorCode(err), err.Error())
}

func (h *DaemonHandler) handleConfigure(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	r, err := DecodeRequestPayload(msg.Payload)
	if err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, err.Error()), nil
	}
	origin := client.Origin()

	var from int
	if r.Param == forkconfig.ParamSwitch && r.NArgs == 0 {
		from, _ = h.ctrl.ConfigureGet(ctx, r)
	}

	result, err := h.ctrl.Configure(ctx, r)
	host.AuditConfigure(ctx, h.audit, origin, r, from, result, err)
	if err != nil {
		h.log.Debug("configure failed", "client", origin, "request", r.String(), "error", err)
		return errorMessage(msg.Header.RequestID, err), nil
	}
	h.publish(origin, r, from, result)
	return NewBinaryMessage(MsgConfigureResp, msg.Header.RequestID, EncodeInt32(result)), nil
}

func (h *DaemonHandler) publish(origin string, r fork.Request, from, result int) {
	if h.events == nil {
		return
	}
	if ev := ConfigureEvent(origin, r, from, result); ev != nil {
		h.events.Broadcast(ev)
	}
}

// ConfigureEvent describes a successful configure request as a streamed
// event. Requests that change nothing yield nil.
func ConfigureEvent(origin string, r fork.Request, from, result int) *Event {
	ev := &Event{Type: EventConfigChanged, Data: &ConfigEvent{Origin: origin, Request: r.String()}}
	if r.NArgs == 0 {
		switch r.Param {
		case forkconfig.ParamSwitch:
			ev = &Event{Type: EventConfigSwitched, Data: &ConfigEvent{Origin: origin, From: from, To: r.Args[0]}}
		case forkconfig.ParamClone:
			ev.Data = &ConfigEvent{Origin: origin, Request: r.String(), From: r.Args[0], To: result}
		case forkconfig.ParamServerDump:
			return nil
		}
	}
	return ev
}

func (h *DaemonHandler) handleGetConfigure(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	r, err := DecodeRequestPayload(msg.Payload)
	if err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, err.Error()), nil
	}
	v, err := h.ctrl.ConfigureGet(ctx, r)
	if err != nil {
		return errorMessage(msg.Header.RequestID, err), nil
	}
	return NewBinaryMessage(MsgGetConfigureResp, msg.Header.RequestID, EncodeInt32(v)), nil
}

// handleDumpHistory answers with up to count entries, newest first. The
// request payload is a single int32 count; an empty payload asks for the
// whole history.
func (h *DaemonHandler) handleDumpHistory(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	n := -1
	if len(msg.Payload) > 0 {
		v, err := DecodeInt32(msg.Payload)
		if err != nil || v < 0 {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid history count"), nil
		}
		n = v
	}

	var (
		entries []history.Entry
		err     error
	)
	if n < 0 {
		st, serr := h.ctrl.Status(ctx)
		if serr != nil {
			return errorMessage(msg.Header.RequestID, serr), nil
		}
		n = st.HistoryCap
	}
	entries, err = h.ctrl.History(ctx, n)
	if err != nil {
		return errorMessage(msg.Header.RequestID, err), nil
	}
	if h.audit != nil {
		h.audit.LogHistoryDump(ctx, client.Origin(), n, len(entries))
	}
	return NewBinaryMessage(MsgDumpHistoryResp, msg.Header.RequestID, EncodeHistory(entries)), nil
}

func (h *DaemonHandler) handleArchiveHistory(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	var req ArchiveRequest
	if len(msg.Payload) > 0 {
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
		}
	}
	if h.archive == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrNotInitialized, "history archive is disabled"), nil
	}

	// The server dump is oldest first, which is the archive order.
	entries, err := h.ctrl.DumpHistory(ctx)
	if err != nil {
		return errorMessage(msg.Header.RequestID, err), nil
	}
	if req.Count > 0 && len(entries) > req.Count {
		entries = entries[len(entries)-req.Count:]
	}

	id, err := h.archive.Archive(ctx, req.Label, h.device, entries)
	if err != nil {
		h.log.Error("archive history", "error", err)
		return NewErrorMessage(msg.Header.RequestID, ErrInternalError, "archive failed"), nil
	}
	if h.audit != nil {
		h.audit.LogHistoryDump(ctx, client.Origin(), req.Count, len(entries))
	}
	h.log.Info("archived history", "client", client.Origin(), "snapshot", id, "entries", len(entries))

	return NewResponse(MsgArchiveHistoryResp, msg.Header.RequestID, &ArchiveResponse{
		SnapshotID: id,
		Entries:    len(entries),
	})
}

func (h *DaemonHandler) handleStatus(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	st, err := h.ctrl.Status(ctx)
	if err != nil {
		return errorMessage(msg.Header.RequestID, err), nil
	}

	resp := &StatusResponse{
		Version:   h.version,
		Uptime:    time.Since(h.startedAt),
		StartedAt: h.startedAt,
		Device:    h.device,
		Archive:   h.archive != nil,
		Machine:   st,
	}
	if h.metrics != nil {
		resp.Metrics = h.metrics()
	}
	return NewResponse(MsgStatusResponse, msg.Header.RequestID, resp)
}
