package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"forkd/internal/keystroke"
)

// ErrInvalidConfig matches every error returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError is one rejected field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "config: " + e.Field + ": " + e.Message
}

// ValidationErrors lists every rejected field of a configuration.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i := range e {
		msgs[i] = e[i].Error()
	}
	return strings.Join(msgs, "; ")
}

func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// checker accumulates problems while walking a configuration.
type checker struct {
	errs ValidationErrors
}

func (c *checker) fail(field, format string, args ...any) {
	c.errs = append(c.errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (c *checker) oneOf(field, v string, valid ...string) {
	for _, s := range valid {
		if v == s {
			return
		}
	}
	c.fail(field, "%q is not one of %s", v, strings.Join(valid, ", "))
}

func (c *checker) atLeast(field string, v, min int) {
	if v < min {
		c.fail(field, "must be at least %d, got %d", min, v)
	}
}

func (c *checker) within(field string, v, min, max int) {
	if v < min || v > max {
		c.fail(field, "must be between %d and %d, got %d", min, max, v)
	}
}

func (c *checker) required(field, v string) {
	if v == "" {
		c.fail(field, "required")
	}
}

func (c *checker) key(field, name string) {
	if _, err := keystroke.ParseKeycode(name); err != nil {
		c.fail(field, "%v", err)
	}
}

// timing checks an optional millisecond setting.
func (c *checker) timing(field string, v *int) {
	if v != nil {
		c.within(field, *v, 0, 60000)
	}
}

// ValidateConfig reports every invalid field of cfg at once.
func ValidateConfig(cfg *Config) error {
	var c checker
	c.within("version", cfg.Version, 1, Version)

	c.within("device.retry_interval_ms", cfg.Device.RetryIntervalMs, 1, 1000)
	c.required("device.virtual_name", cfg.Device.VirtualName)

	if ipc := cfg.IPC; ipc.Enabled {
		c.atLeast("ipc.max_connections", ipc.MaxConnections, 1)
		c.atLeast("ipc.timeout_sec", ipc.TimeoutSec, 1)
		c.atLeast("ipc.requests_per_sec", ipc.RequestsPerSec, 0)
	}

	lg := cfg.Logging
	c.oneOf("logging.level", lg.Level, "debug", "info", "warn", "warning", "error")
	c.oneOf("logging.format", lg.Format, "text", "json")
	c.oneOf("logging.output", lg.Output, "stdout", "stderr", "file", "both")
	if lg.Output == "file" || lg.Output == "both" {
		c.required("logging.file_path", lg.FilePath)
		c.atLeast("logging.max_size_mb", lg.MaxSizeMB, 1)
	}
	c.atLeast("logging.max_backups", lg.MaxBackups, 0)
	c.atLeast("logging.max_age_days", lg.MaxAgeDays, 0)

	if cfg.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(cfg.Metrics.Address); err != nil {
			c.fail("metrics.address", "%v", err)
		}
	}

	c.atLeast("history.capacity", cfg.History.Capacity, 0)
	if cfg.History.Archive {
		c.required("history.archive_path", cfg.History.ArchivePath)
	}

	if cfg.DBus.Enabled {
		c.oneOf("dbus.bus", cfg.DBus.Bus, "session", "system")
	}

	c.profiles(cfg.Profiles, cfg.ActiveProfile)

	if len(c.errs) > 0 {
		return c.errs
	}
	return nil
}

func (c *checker) profiles(profiles []Profile, active string) {
	// The store always holds these two.
	names := map[string]bool{"no-fork": true, "default": true}
	seen := make(map[string]bool, len(profiles))

	for i, p := range profiles {
		f := fmt.Sprintf("profiles[%d]", i)
		c.required(f+".name", p.Name)
		if p.Name != "" && seen[p.Name] {
			c.fail(f+".name", "duplicate profile name %q", p.Name)
		}
		seen[p.Name] = true
		names[p.Name] = true

		c.timing(f+".verification_ms", p.Verification)
		c.timing(f+".overlap_ms", p.Overlap)
		c.timing(f+".repeat_max_ms", p.RepeatMax)
		c.timing(f+".clear_interval_ms", p.ClearInterval)

		for j, k := range p.Keys {
			kf := fmt.Sprintf("%s.keys[%d]", f, j)
			c.key(kf+".key", k.Key)
			if k.Fork != "" {
				c.key(kf+".fork", k.Fork)
			}
		}
		for j, pr := range p.Pairs {
			pf := fmt.Sprintf("%s.pairs[%d]", f, j)
			c.key(pf+".key", pr.Key)
			if pr.Twin != "" {
				c.key(pf+".twin", pr.Twin)
			}
			c.within(pf+".verification_ms", pr.Verification, 0, 60000)
			c.within(pf+".overlap_ms", pr.Overlap, 0, 60000)
		}
	}

	if active != "" && !names[active] {
		c.fail("active_profile", "no profile named %q", active)
	}
}
