// Package dbusapi exposes the fork machine on D-Bus as org.forkd.Fork1.
//
// The object mirrors the control socket: Configure and Get take the same
// wire operations, History returns recent events newest first, and
// configuration changes are announced as signals.
package dbusapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"forkd/internal/fork"
	"forkd/internal/forkconfig"
	"forkd/internal/history"
	"forkd/internal/host"
	"forkd/internal/ipc"
	"forkd/internal/logging"
)

// D-Bus names.
const (
	BusName    = "org.forkd.Fork1"
	ObjectPath = dbus.ObjectPath("/org/forkd/Fork1")
	Interface  = "org.forkd.Fork1"

	ErrorNotFound      = Interface + ".Error.NotFound"
	ErrorAlreadyActive = Interface + ".Error.AlreadyActive"
	ErrorInvalid       = Interface + ".Error.Invalid"
	ErrorBusy          = Interface + ".Error.Busy"
	ErrorNotRunning    = Interface + ".Error.NotRunning"
	ErrorFailed        = Interface + ".Error.Failed"
)

// callTimeout bounds each method call on the machine.
const callTimeout = 2 * time.Second

// Controller is the part of host.Adapter the object calls.
type Controller interface {
	Configure(ctx context.Context, r fork.Request) (int, error)
	ConfigureGet(ctx context.Context, r fork.Request) (int, error)
	History(ctx context.Context, n int) ([]history.Entry, error)
	Status(ctx context.Context) (fork.Status, error)
}

// Entry is a history entry as marshalled on the bus, signature (xqqb).
type Entry struct {
	Time   int64
	Key    uint16
	Forked uint16
	Press  bool
}

type emitter interface {
	Emit(path dbus.ObjectPath, name string, values ...interface{}) error
}

// Config configures a Service.
type Config struct {
	Controller Controller
	Audit      *logging.AuditLogger
	Logger     *logging.Logger

	// Events receives the changes made over D-Bus, usually the control
	// socket server so its subscribers see them too.
	Events ipc.Broadcaster
}

// Service owns the bus connection and the exported object.
type Service struct {
	ctrl   Controller
	audit  *logging.AuditLogger
	log    *logging.Logger
	events ipc.Broadcaster

	mu   sync.Mutex
	conn *dbus.Conn
	emit emitter
}

// New creates a service. It is not on any bus until Start.
func New(cfg Config) *Service {
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}
	return &Service{
		ctrl:   cfg.Controller,
		audit:  cfg.Audit,
		log:    log.WithComponent("dbus"),
		events: cfg.Events,
	}
}

// Start connects to bus ("session" or "system"), exports the object and
// claims BusName.
func (s *Service) Start(bus string) error {
	var (
		conn *dbus.Conn
		err  error
	)
	switch bus {
	case "", "session":
		conn, err = dbus.ConnectSessionBus()
	case "system":
		conn, err = dbus.ConnectSystemBus()
	default:
		return fmt.Errorf("dbus: unknown bus %q", bus)
	}
	if err != nil {
		return fmt.Errorf("dbus: connect %s bus: %w", bus, err)
	}

	obj := &object{svc: s}
	if err := conn.Export(obj, ObjectPath, Interface); err != nil {
		conn.Close()
		return fmt.Errorf("dbus: export object: %w", err)
	}
	if err := conn.Export(introspect.Introspectable(introspectXML), ObjectPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		conn.Close()
		return fmt.Errorf("dbus: export introspection: %w", err)
	}

	reply, err := conn.RequestName(BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return fmt.Errorf("dbus: request name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return fmt.Errorf("dbus: name %s already taken", BusName)
	}

	s.mu.Lock()
	s.conn = conn
	s.emit = conn
	s.mu.Unlock()

	s.log.Info("exported on bus", "bus", bus, "name", BusName)
	return nil
}

// Stop releases the name and closes the connection.
func (s *Service) Stop() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.emit = nil
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	conn.ReleaseName(BusName)
	return conn.Close()
}

// Broadcast turns a daemon event into the matching signal. It lets the
// service sit next to the control socket server behind one broadcaster.
func (s *Service) Broadcast(ev *ipc.Event) {
	s.mu.Lock()
	em := s.emit
	s.mu.Unlock()
	if em == nil {
		return
	}

	var err error
	switch ev.Type {
	case ipc.EventConfigSwitched:
		if ce, ok := ev.Data.(*ipc.ConfigEvent); ok {
			err = em.Emit(ObjectPath, Interface+".ConfigSwitched", int32(ce.From), int32(ce.To), ce.Origin)
		}
	case ipc.EventConfigChanged:
		if ce, ok := ev.Data.(*ipc.ConfigEvent); ok {
			err = em.Emit(ObjectPath, Interface+".ConfigChanged", ce.Request, ce.Origin)
		}
	case ipc.EventConfigReloaded:
		path, _ := ev.Data.(string)
		err = em.Emit(ObjectPath, Interface+".ConfigReloaded", path)
	case ipc.EventDeviceDetached:
		err = em.Emit(ObjectPath, Interface+".DeviceDetached")
	}
	if err != nil {
		s.log.Warn("emit signal failed", "event", ev.Type, "error", err)
	}
}

// dbusError maps a daemon error to a named D-Bus error.
func dbusError(err error) *dbus.Error {
	name := ErrorFailed
	switch {
	case errors.Is(err, forkconfig.ErrNotFound):
		name = ErrorNotFound
	case errors.Is(err, forkconfig.ErrAlreadyActive):
		name = ErrorAlreadyActive
	case errors.Is(err, forkconfig.ErrUnknownParam), errors.Is(err, forkconfig.ErrBadKeycode):
		name = ErrorInvalid
	case errors.Is(err, fork.ErrBusy):
		name = ErrorBusy
	case errors.Is(err, host.ErrNotRunning):
		name = ErrorNotRunning
	}
	return dbus.NewError(name, []interface{}{err.Error()})
}

func origin(sender dbus.Sender) string {
	return "dbus:" + string(sender)
}

func (s *Service) configure(sender dbus.Sender, r fork.Request) (int32, *dbus.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	var from int
	if r.Param == forkconfig.ParamSwitch && r.NArgs == 0 {
		from, _ = s.ctrl.ConfigureGet(ctx, r)
	}

	result, err := s.ctrl.Configure(ctx, r)
	host.AuditConfigure(ctx, s.audit, origin(sender), r, from, result, err)
	if err != nil {
		s.log.Debug("configure failed", "sender", string(sender), "request", r.String(), "error", err)
		return 0, dbusError(err)
	}
	if s.events != nil {
		if ev := ipc.ConfigureEvent(origin(sender), r, from, result); ev != nil {
			s.events.Broadcast(ev)
		}
	}
	return int32(result), nil
}

func (s *Service) get(r fork.Request) (int32, *dbus.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	v, err := s.ctrl.ConfigureGet(ctx, r)
	if err != nil {
		return 0, dbusError(err)
	}
	return int32(v), nil
}

func (s *Service) history(sender dbus.Sender, n uint32) ([]Entry, *dbus.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	entries, err := s.ctrl.History(ctx, int(n))
	if err != nil {
		return nil, dbusError(err)
	}
	if s.audit != nil {
		s.audit.LogHistoryDump(ctx, origin(sender), int(n), len(entries))
	}

	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[i] = Entry{
			Time:   int64(e.Time),
			Key:    uint16(e.Key),
			Forked: uint16(e.Forked),
			Press:  e.Press,
		}
	}
	return out, nil
}

func (s *Service) status() (string, *dbus.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	st, err := s.ctrl.Status(ctx)
	if err != nil {
		return "", dbusError(err)
	}
	data, err := json.Marshal(st)
	if err != nil {
		return "", dbusError(err)
	}
	return string(data), nil
}
