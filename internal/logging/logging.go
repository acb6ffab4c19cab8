// Package logging sets up forkd's slog loggers, the audit trail of control
// changes and crash reports.
//
// Fork decisions are traced with the keycodes involved, which amounts to a
// record of what was typed. RedactKeys replaces those attributes so that
// logs can be kept without keeping keystrokes.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
)

// Level is a slog level.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Format selects the slog handler.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// Config describes where and how a Logger writes.
type Config struct {
	Level  Level
	Format Format

	// Output is "stderr", "stdout", "file" or "both" (stderr and file).
	Output string

	// FilePath is used when Output includes the file. Rotation happens at
	// MaxSize megabytes or at midnight; MaxBackups numbered backups younger
	// than MaxAge days are kept, gzipped when Compress is set.
	FilePath   string
	MaxSize    int64
	MaxAge     int
	MaxBackups int
	Compress   bool

	AddSource bool

	// RedactKeys replaces keycode attributes with a placeholder.
	RedactKeys bool

	// Component is attached to every record as "component".
	Component string
}

// DefaultConfig logs info and above to stderr as text.
func DefaultConfig() *Config {
	return &Config{
		Level:      LevelInfo,
		Format:     FormatText,
		Output:     "stderr",
		FilePath:   stateFile("forkd.log"),
		MaxSize:    20,
		MaxAge:     14,
		MaxBackups: 5,
		Compress:   true,
		Component:  "forkd",
	}
}

// stateFile places name under $XDG_STATE_HOME/forkd.
func stateFile(name string) string {
	dir := os.Getenv("XDG_STATE_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = os.TempDir()
		}
		dir = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(dir, "forkd", name)
}

// Logger is a slog.Logger that may own a rotating log file. Loggers derived
// with WithComponent share the file of their parent.
type Logger struct {
	*slog.Logger
	config *Config
	file   *Rotator
}

// New builds a Logger from cfg, opening the log file if Output asks for one.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var (
		w    io.Writer = os.Stderr
		file *Rotator
		err  error
	)
	output := strings.ToLower(cfg.Output)
	if output == "file" || output == "both" {
		if file, err = NewRotator(cfg); err != nil {
			return nil, fmt.Errorf("log file: %w", err)
		}
	}
	switch output {
	case "stdout":
		w = os.Stdout
	case "file":
		w = file
	case "both":
		w = io.MultiWriter(os.Stderr, file)
	}

	return &Logger{Logger: slog.New(newHandler(cfg, w)), config: cfg, file: file}, nil
}

// NewWithWriter builds a Logger that writes to w only.
func NewWithWriter(cfg *Config, w io.Writer) *Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Logger{Logger: slog.New(newHandler(cfg, w)), config: cfg}
}

// Discard returns a Logger with every level disabled.
func Discard() *Logger {
	cfg := DefaultConfig()
	cfg.Level = LevelError + 1
	return NewWithWriter(cfg, io.Discard)
}

func newHandler(cfg *Config, w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if shouldRedact(a.Key, cfg.RedactKeys) {
				a.Value = slog.StringValue("[REDACTED]")
			}
			return a
		},
	}

	var h slog.Handler
	if cfg.Format == FormatJSON {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	if cfg.Component != "" {
		h = h.WithAttrs([]slog.Attr{slog.String("component", cfg.Component)})
	}
	return h
}

// keycodeAttrs are the attribute names under which keycodes are logged.
var keycodeAttrs = map[string]bool{
	"key":         true,
	"twin":        true,
	"forked":      true,
	"target":      true,
	"suspect":     true,
	"verificator": true,
	"event":       true,
}

var secretWords = []string{"password", "secret", "token", "credential"}

func shouldRedact(key string, redactKeys bool) bool {
	key = strings.ToLower(key)
	if redactKeys && keycodeAttrs[key] {
		return true
	}
	for _, w := range secretWords {
		if strings.Contains(key, w) {
			return true
		}
	}
	return false
}

// Config returns the configuration the logger was built with.
func (l *Logger) Config() *Config { return l.config }

// WithComponent returns a child logger tagged with another component name.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With(slog.String("component", name)),
		config: l.config,
		file:   l.file,
	}
}

// Rotate starts a new log file. It does nothing for loggers without one.
func (l *Logger) Rotate() error {
	if l.file == nil {
		return nil
	}
	return l.file.Rotate()
}

func (l *Logger) Sync() error {
	if l.file == nil {
		return nil
	}
	return l.file.Sync()
}

// Close closes the log file. Child loggers must not be used afterwards.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

var defaultLogger atomic.Pointer[Logger]

// Default returns the logger installed by SetDefault, or a stderr logger
// with the default configuration.
func Default() *Logger {
	if l := defaultLogger.Load(); l != nil {
		return l
	}
	l := NewWithWriter(DefaultConfig(), os.Stderr)
	if defaultLogger.CompareAndSwap(nil, l) {
		return l
	}
	return defaultLogger.Load()
}

// SetDefault installs l as the package default and as slog's default.
func SetDefault(l *Logger) {
	defaultLogger.Store(l)
	slog.SetDefault(l.Logger)
}

// ParseLevel accepts debug, info, warn (or warning) and error, in any case.
func ParseLevel(s string) (Level, error) {
	var l slog.Level
	switch strings.ToLower(s) {
	case "debug", "info", "warn", "error":
	case "warning":
		s = "warn"
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %q", s)
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return LevelInfo, err
	}
	return l, nil
}

// ParseFormat accepts "text" or "json"; empty means text.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	}
	return FormatText, fmt.Errorf("unknown log format: %q", s)
}
