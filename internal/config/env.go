package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// envOverrides holds raw FORKD_* values. Nil fields are unset.
type envOverrides struct {
	Keyboard      *string  `env:"FORKD_KEYBOARD"`
	Pointers      []string `env:"FORKD_POINTERS" envSeparator:","`
	Grab          *bool    `env:"FORKD_GRAB"`
	SocketPath    *string  `env:"FORKD_SOCKET"`
	LogLevel      *string  `env:"FORKD_LOG_LEVEL"`
	LogFormat     *string  `env:"FORKD_LOG_FORMAT"`
	LogOutput     *string  `env:"FORKD_LOG_OUTPUT"`
	RedactKeys    *bool    `env:"FORKD_REDACT_KEYS"`
	AuditPath     *string  `env:"FORKD_AUDIT_LOG"`
	Metrics       *bool    `env:"FORKD_METRICS"`
	MetricsAddr   *string  `env:"FORKD_METRICS_ADDR"`
	HistorySize   *int     `env:"FORKD_HISTORY_SIZE"`
	Archive       *bool    `env:"FORKD_ARCHIVE"`
	ArchivePath   *string  `env:"FORKD_ARCHIVE_PATH"`
	DBus          *bool    `env:"FORKD_DBUS"`
	DBusBus       *string  `env:"FORKD_DBUS_BUS"`
	ActiveProfile *string  `env:"FORKD_PROFILE"`
}

// ApplyEnvOverrides overrides configuration values from FORKD_*
// environment variables.
func (c *Config) ApplyEnvOverrides() error {
	var e envOverrides
	if err := env.Parse(&e); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	setString(&c.Device.Keyboard, e.Keyboard)
	if len(e.Pointers) > 0 {
		c.Device.Pointers = e.Pointers
	}
	setBool(&c.Device.Grab, e.Grab)
	setString(&c.IPC.SocketPath, e.SocketPath)
	setString(&c.Logging.Level, e.LogLevel)
	setString(&c.Logging.Format, e.LogFormat)
	setString(&c.Logging.Output, e.LogOutput)
	setBool(&c.Logging.RedactKeys, e.RedactKeys)
	setString(&c.Logging.AuditPath, e.AuditPath)
	setBool(&c.Metrics.Enabled, e.Metrics)
	setString(&c.Metrics.Address, e.MetricsAddr)
	if e.HistorySize != nil {
		c.History.Capacity = *e.HistorySize
	}
	setBool(&c.History.Archive, e.Archive)
	setString(&c.History.ArchivePath, e.ArchivePath)
	setBool(&c.DBus.Enabled, e.DBus)
	setString(&c.DBus.Bus, e.DBusBus)
	setString(&c.ActiveProfile, e.ActiveProfile)
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}
