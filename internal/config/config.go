// Package config reads the forkd configuration file. Files may be TOML,
// YAML or JSON, and FORKD_* environment variables override them.
package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"forkd/internal/logging"
	"forkd/internal/security"
)

// Version is the newest configuration schema this build reads.
const Version = 1

type Config struct {
	Version int `toml:"version" json:"version" yaml:"version"`

	// Device selects the keyboard and pointers to serve.
	Device DeviceConfig `toml:"device" json:"device" yaml:"device"`

	IPC IPCConfig `toml:"ipc" json:"ipc" yaml:"ipc"`

	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Metrics also serves the health endpoints.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	History HistoryConfig `toml:"history" json:"history" yaml:"history"`

	DBus DBusConfig `toml:"dbus" json:"dbus" yaml:"dbus"`

	// Profiles are the fork configurations loaded into the machine.
	Profiles []Profile `toml:"profiles" json:"profiles" yaml:"profiles"`

	// ActiveProfile names the profile to switch to after loading.
	// Empty keeps whichever configuration is active.
	ActiveProfile string `toml:"active_profile" json:"active_profile" yaml:"active_profile"`
}

type DeviceConfig struct {
	// Keyboard is the evdev node to read. Empty picks the first keyboard.
	Keyboard string `toml:"keyboard" json:"keyboard" yaml:"keyboard"`

	// Pointers are evdev nodes whose motion forces pending decisions.
	// Empty picks every pointer device.
	Pointers []string `toml:"pointers" json:"pointers" yaml:"pointers"`

	// Grab takes the keyboard exclusively so that only forkd sees it.
	Grab bool `toml:"grab" json:"grab" yaml:"grab"`

	// VirtualName is the name of the uinput keyboard events are written to.
	VirtualName string `toml:"virtual_name" json:"virtual_name" yaml:"virtual_name"`

	// RetryIntervalMs is how often a blocked output device is retried.
	RetryIntervalMs int `toml:"retry_interval_ms" json:"retry_interval_ms" yaml:"retry_interval_ms"`
}

// IPCConfig configures the control socket.
type IPCConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// SocketPath defaults to forkd.sock in the runtime dir.
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`

	// TimeoutSec is how long a connection may idle before it is pinged.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`

	// AllowOtherUsers accepts peers other than our own user and root.
	AllowOtherUsers bool `toml:"allow_other_users" json:"allow_other_users" yaml:"allow_other_users"`

	// RequestsPerSec limits each connection; 0 means unlimited.
	RequestsPerSec int `toml:"requests_per_sec" json:"requests_per_sec" yaml:"requests_per_sec"`
}

type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is text or json.
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is stdout, stderr, file, or both (stderr and file).
	Output string `toml:"output" json:"output" yaml:"output"`

	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// The file rotates at MaxSizeMB or at midnight, keeping MaxBackups
	// numbered backups no older than MaxAgeDays, gzipped if Compress.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	Compress bool `toml:"compress" json:"compress" yaml:"compress"`

	// RedactKeys keeps keycodes out of the log.
	RedactKeys bool `toml:"redact_keys" json:"redact_keys" yaml:"redact_keys"`

	// AuditPath is the audit log file. Empty disables auditing.
	AuditPath string `toml:"audit_path" json:"audit_path" yaml:"audit_path"`
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Address serves /metrics, /healthz, /readyz and /health.
	Address string `toml:"address" json:"address" yaml:"address"`
}

type HistoryConfig struct {
	// Capacity is how many delivered events are kept in memory.
	Capacity int `toml:"capacity" json:"capacity" yaml:"capacity"`

	// Archive stores history dumps in the SQLite database at ArchivePath.
	Archive bool `toml:"archive" json:"archive" yaml:"archive"`

	ArchivePath string `toml:"archive_path" json:"archive_path" yaml:"archive_path"`
}

type DBusConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Bus is "session" or "system".
	Bus string `toml:"bus" json:"bus" yaml:"bus"`
}

// DefaultConfig is what an empty file means.
func DefaultConfig() *Config {
	return &Config{
		Version: Version,
		Device: DeviceConfig{
			Grab:            true,
			VirtualName:     "forkd virtual keyboard",
			RetryIntervalMs: 5,
		},
		IPC: IPCConfig{
			Enabled:        true,
			MaxConnections: 32,
			TimeoutSec:     60,
			RequestsPerSec: 50,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(StateDir(), "forkd.log"),
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Metrics: MetricsConfig{
			Address: "127.0.0.1:9465",
		},
		History: HistoryConfig{
			Capacity:    100,
			ArchivePath: filepath.Join(DataDir(), "history.db"),
		},
		DBus: DBusConfig{
			Bus: "session",
		},
	}
}

// ConfigPath is where forkctl config init writes a new file.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

// Load reads, overrides from the environment and validates the file at
// path. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

// Validate reports every invalid field; the error matches
// ErrInvalidConfig.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

func (c *Config) Clone() *Config {
	cp := *c
	cp.Device.Pointers = append([]string(nil), c.Device.Pointers...)
	cp.Profiles = make([]Profile, len(c.Profiles))
	for i, p := range c.Profiles {
		cp.Profiles[i] = p.clone()
	}
	return &cp
}

// SocketPath is the configured socket, or forkd.sock in runtimeDir.
func (c *Config) SocketPath(runtimeDir string) string {
	if c.IPC.SocketPath != "" {
		return c.IPC.SocketPath
	}
	return filepath.Join(runtimeDir, "forkd.sock")
}

func (c *Config) RetryInterval() time.Duration {
	return time.Duration(c.Device.RetryIntervalMs) * time.Millisecond
}

// LoggerConfig translates the logging section.
func (c *Config) LoggerConfig() (*logging.Config, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Logging.Format)
	if err != nil {
		return nil, err
	}
	lc := logging.DefaultConfig()
	lc.Level = level
	lc.Format = format
	lc.Output = c.Logging.Output
	if c.Logging.FilePath != "" {
		lc.FilePath = c.Logging.FilePath
	}
	lc.MaxSize = int64(c.Logging.MaxSizeMB)
	lc.MaxBackups = c.Logging.MaxBackups
	lc.MaxAge = c.Logging.MaxAgeDays
	lc.Compress = c.Logging.Compress
	lc.RedactKeys = c.Logging.RedactKeys
	return lc, nil
}

// SaveConfig writes cfg atomically, encoded by the extension of path
// (TOML unless .json, .yaml or .yml).
func SaveConfig(cfg *Config, path string) error {
	f, err := security.CreateAtomic(path, security.PermPrivateFile)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}

	switch filepath.Ext(path) {
	case ".json":
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		err = enc.Encode(cfg)
	case ".yaml", ".yml":
		enc := yaml.NewEncoder(f)
		enc.SetIndent(2)
		err = enc.Encode(cfg)
		if err == nil {
			err = enc.Close()
		}
	default:
		err = toml.NewEncoder(f).Encode(cfg)
	}
	if err != nil {
		f.Abort()
		return fmt.Errorf("encode config: %w", err)
	}
	return f.Commit()
}
