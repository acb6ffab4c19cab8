package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"forkd/internal/security"
)

// CrashReport is written as JSON for every recovered panic.
type CrashReport struct {
	Timestamp  time.Time      `json:"timestamp"`
	Version    string         `json:"version"`
	GoVersion  string         `json:"go_version"`
	Platform   string         `json:"platform"`
	Goroutines int            `json:"goroutines"`
	PanicValue string         `json:"panic_value"`
	StackTrace string         `json:"stack_trace"`
	Component  string         `json:"component,omitempty"`
	Device     string         `json:"device,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
}

// CrashHandler recovers panics and leaves a report behind.
//
// A panic on the event loop would leave the keyboard grabbed with nothing
// forwarding its keys, so the host recovers, reports and releases the
// device instead of dying with it held.
type CrashHandler struct {
	dir       string
	version   string
	component string
	onCrash   func(CrashReport)

	mu     sync.Mutex
	device string
}

type CrashHandlerConfig struct {
	// CrashDir defaults to $XDG_STATE_HOME/forkd/crashes.
	CrashDir  string
	Version   string
	Component string

	// OnCrash runs after the report is written.
	OnCrash func(CrashReport)
}

func NewCrashHandler(cfg *CrashHandlerConfig) *CrashHandler {
	if cfg == nil {
		cfg = &CrashHandlerConfig{}
	}
	dir := cfg.CrashDir
	if dir == "" {
		dir = stateFile("crashes")
	}
	return &CrashHandler{
		dir:       dir,
		version:   cfg.Version,
		component: cfg.Component,
		onCrash:   cfg.OnCrash,
	}
}

// SetDevice records the keyboard the process is attached to.
func (h *CrashHandler) SetDevice(device string) {
	h.mu.Lock()
	h.device = device
	h.mu.Unlock()
}

// Recover runs fn and turns a panic into a report.
func (h *CrashHandler) Recover(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.HandlePanic(r, nil)
		}
	}()
	fn()
}

// RecoverGoroutine is deferred first thing in long-lived goroutines.
func (h *CrashHandler) RecoverGoroutine() {
	if r := recover(); r != nil {
		h.HandlePanic(r, map[string]any{"goroutine": true})
	}
}

// HandlePanic writes a report for value and prints a summary to stderr.
func (h *CrashHandler) HandlePanic(value any, info map[string]any) {
	h.mu.Lock()
	device := h.device
	h.mu.Unlock()

	report := CrashReport{
		Timestamp:  time.Now().UTC(),
		Version:    h.version,
		GoVersion:  runtime.Version(),
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
		Goroutines: runtime.NumGoroutine(),
		PanicValue: fmt.Sprint(value),
		StackTrace: string(debug.Stack()),
		Component:  h.component,
		Device:     device,
		Context:    info,
	}

	path, err := h.write(report)
	if h.onCrash != nil {
		h.onCrash(report)
	}

	fmt.Fprintf(os.Stderr, "panic: %s\n%s", report.PanicValue, report.StackTrace)
	if err != nil {
		fmt.Fprintf(os.Stderr, "crash report not written: %v\n", err)
		return
	}
	fmt.Fprintf(os.Stderr, "crash report: %s\n", path)
}

func (h *CrashHandler) write(r CrashReport) (string, error) {
	if err := os.MkdirAll(h.dir, security.PermPrivateDir); err != nil {
		return "", err
	}
	stamp := r.Timestamp.Format("20060102-150405.000")
	name := "crash-" + stamp + ".json"
	if r.Component != "" {
		name = "crash-" + r.Component + "-" + stamp + ".json"
	}
	path := filepath.Join(h.dir, name)

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return path, security.WriteFileAtomic(path, data, security.PermPrivateFile)
}

func (h *CrashHandler) reportFiles() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(h.dir, "crash-*.json"))
	sort.Strings(files)
	return files, err
}

// Reports reads back the reports in the crash directory, oldest first.
// Unreadable files are skipped.
func (h *CrashHandler) Reports() ([]CrashReport, error) {
	files, err := h.reportFiles()
	if err != nil {
		return nil, err
	}
	var out []CrashReport
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			continue
		}
		var r CrashReport
		if json.Unmarshal(data, &r) == nil {
			out = append(out, r)
		}
	}
	return out, nil
}

// Prune removes reports last modified more than maxAge ago and returns how
// many it removed.
func (h *CrashHandler) Prune(maxAge time.Duration) (int, error) {
	files, err := h.reportFiles()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	n := 0
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if os.Remove(f) == nil {
			n++
		}
	}
	return n, nil
}
