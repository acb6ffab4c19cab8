package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// AuditEventType names what changed.
type AuditEventType string

const (
	AuditEventConfigSet    AuditEventType = "config_set"
	AuditEventConfigSwitch AuditEventType = "config_switch"
	AuditEventConfigClone  AuditEventType = "config_clone"
	AuditEventConfigReload AuditEventType = "config_reload"
	AuditEventHistoryDump  AuditEventType = "history_dump"
	AuditEventDeviceAttach AuditEventType = "device_attach"
	AuditEventDeviceDetach AuditEventType = "device_detach"
	AuditEventError        AuditEventType = "error"
	AuditEventStartup      AuditEventType = "startup"
	AuditEventShutdown     AuditEventType = "shutdown"
)

// AuditEvent records a change made to a running daemon and who made it.
// Origin is "ipc:<client>", "dbus:<sender>", "config" or "cli".
type AuditEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType AuditEventType `json:"event_type"`
	Component string         `json:"component"`
	Device    string         `json:"device,omitempty"`
	Origin    string         `json:"origin,omitempty"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource,omitempty"`
	Result    string         `json:"result"`
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// AuditLoggerConfig places the audit file. Rotation settings mean the same
// as in Config.
type AuditLoggerConfig struct {
	FilePath   string
	MaxSize    int64
	MaxAge     int
	MaxBackups int
	Compress   bool

	Component string
	// Device names the keyboard the daemon is attached to.
	Device string
}

// DefaultAuditConfig keeps three months of audit history next to the log.
func DefaultAuditConfig() *AuditLoggerConfig {
	return &AuditLoggerConfig{
		FilePath:   stateFile("audit.log"),
		MaxSize:    10,
		MaxAge:     90,
		MaxBackups: 5,
		Compress:   true,
		Component:  "forkd",
	}
}

// AuditLogger writes one JSON line per control-plane change. The zero
// value, without a file, drops events.
type AuditLogger struct {
	config *AuditLoggerConfig
	mu     sync.Mutex
	file   *Rotator
}

// NewAuditLogger opens the audit file.
func NewAuditLogger(cfg *AuditLoggerConfig) (*AuditLogger, error) {
	if cfg == nil {
		cfg = DefaultAuditConfig()
	}
	file, err := NewRotator(&Config{
		FilePath:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("audit log: %w", err)
	}
	return &AuditLogger{config: cfg, file: file}, nil
}

// Log fills in the timestamp, component and device, then appends ev.
func (a *AuditLogger) Log(_ context.Context, ev AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file == nil {
		return nil
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if a.config != nil {
		if ev.Component == "" {
			ev.Component = a.config.Component
		}
		if ev.Device == "" {
			ev.Device = a.config.Device
		}
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	if _, err := a.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// outcome fills Result and Error from err.
func outcome(ev AuditEvent, err error) AuditEvent {
	ev.Result = "success"
	if err != nil {
		ev.Result, ev.Error = "failure", err.Error()
	}
	return ev
}

// LogConfigSet records a parameter write. keys holds zero, one or two keycodes.
func (a *AuditLogger) LogConfigSet(ctx context.Context, origin, param string, keys []int, value int, err error) error {
	return a.Log(ctx, outcome(AuditEvent{
		EventType: AuditEventConfigSet,
		Origin:    origin,
		Action:    "parameter_set",
		Resource:  param,
		Details:   map[string]any{"keys": keys, "value": value},
	}, err))
}

// LogConfigSwitch records a change of the active configuration.
func (a *AuditLogger) LogConfigSwitch(ctx context.Context, origin string, from, to int, err error) error {
	return a.Log(ctx, outcome(AuditEvent{
		EventType: AuditEventConfigSwitch,
		Origin:    origin,
		Action:    "configuration_switched",
		Resource:  fmt.Sprintf("config/%d", to),
		Details:   map[string]any{"from": from, "to": to},
	}, err))
}

// LogConfigClone records a configuration created as a copy of another.
func (a *AuditLogger) LogConfigClone(ctx context.Context, origin string, src, dst int, name string) error {
	return a.Log(ctx, outcome(AuditEvent{
		EventType: AuditEventConfigClone,
		Origin:    origin,
		Action:    "configuration_cloned",
		Resource:  fmt.Sprintf("config/%d", dst),
		Details:   map[string]any{"source": src, "name": name},
	}, nil))
}

func (a *AuditLogger) LogConfigReload(ctx context.Context, path string, err error) error {
	return a.Log(ctx, outcome(AuditEvent{
		EventType: AuditEventConfigReload,
		Origin:    "config",
		Action:    "file_reloaded",
		Resource:  path,
	}, err))
}

// LogHistoryDump records who read the decision history. requested is -1
// when the request asked for everything.
func (a *AuditLogger) LogHistoryDump(ctx context.Context, origin string, requested, returned int) error {
	return a.Log(ctx, outcome(AuditEvent{
		EventType: AuditEventHistoryDump,
		Origin:    origin,
		Action:    "history_dumped",
		Details:   map[string]any{"requested": requested, "returned": returned},
	}, nil))
}

func (a *AuditLogger) LogDevice(ctx context.Context, attached bool, path string) error {
	ev := AuditEvent{EventType: AuditEventDeviceAttach, Action: "device_attached", Resource: path}
	if !attached {
		ev.EventType, ev.Action = AuditEventDeviceDetach, "device_detached"
	}
	return a.Log(ctx, outcome(ev, nil))
}

func (a *AuditLogger) LogError(ctx context.Context, operation string, err error, details map[string]any) error {
	return a.Log(ctx, outcome(AuditEvent{
		EventType: AuditEventError,
		Action:    operation,
		Details:   details,
	}, err))
}

func (a *AuditLogger) LogStartup(ctx context.Context, version string, details map[string]any) error {
	if details == nil {
		details = make(map[string]any)
	}
	details["version"] = version
	return a.Log(ctx, outcome(AuditEvent{
		EventType: AuditEventStartup,
		Action:    "daemon_started",
		Details:   details,
	}, nil))
}

func (a *AuditLogger) LogShutdown(ctx context.Context, reason string) error {
	return a.Log(ctx, outcome(AuditEvent{
		EventType: AuditEventShutdown,
		Action:    "daemon_stopped",
		Details:   map[string]any{"reason": reason},
	}, nil))
}

// Rotate starts a new audit file.
func (a *AuditLogger) Rotate() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	return a.file.Rotate()
}

func (a *AuditLogger) Sync() error {
	if a.file == nil {
		return nil
	}
	return a.file.Sync()
}

func (a *AuditLogger) Close() error {
	if a.file == nil {
		return nil
	}
	return a.file.Close()
}
