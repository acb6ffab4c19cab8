package host

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"forkd/internal/security"
)

// ErrAlreadyRunning is returned by Acquire while another daemon holds the
// PID file.
var ErrAlreadyRunning = errors.New("forkd is already running")

// DaemonState is what a running forkd records about itself for forkctl.
type DaemonState struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Version   string    `json:"version"`
	Device    string    `json:"device,omitempty"`
	Socket    string    `json:"socket,omitempty"`
}

// DaemonManager owns the runtime directory of one daemon: a locked PID
// file while the daemon lives, and a state file beside it.
type DaemonManager struct {
	dir  string
	lock *security.LockedFile
}

func NewDaemonManager(dir string) *DaemonManager {
	return &DaemonManager{dir: dir}
}

// DefaultRuntimeDir is $XDG_RUNTIME_DIR/forkd, or a per-user directory in
// the temp dir when no runtime dir is set.
func DefaultRuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "forkd")
	}
	return filepath.Join(os.TempDir(), "forkd-"+strconv.Itoa(os.Getuid()))
}

func (m *DaemonManager) Dir() string       { return m.dir }
func (m *DaemonManager) pidPath() string   { return filepath.Join(m.dir, "forkd.pid") }
func (m *DaemonManager) statePath() string { return filepath.Join(m.dir, "forkd.state") }

// Acquire takes the PID file lock and records our PID. The lock is held
// until Cleanup, so of two daemons racing to start only one gets here.
func (m *DaemonManager) Acquire() error {
	if m.lock != nil {
		return nil
	}
	if err := security.EnsurePrivateDir(m.dir); err != nil {
		return fmt.Errorf("create runtime dir: %w", err)
	}
	lock, err := security.OpenLocked(m.pidPath(), security.PermPrivateFile)
	switch {
	case errors.Is(err, security.ErrLocked):
		return ErrAlreadyRunning
	case err != nil:
		return err
	}
	if err := lock.Replace([]byte(strconv.Itoa(os.Getpid()) + "\n")); err != nil {
		lock.Close()
		return err
	}
	m.lock = lock
	return nil
}

// Cleanup removes both files and drops the lock. A manager that never
// acquired the lock leaves the files of the running daemon alone.
func (m *DaemonManager) Cleanup() {
	if m.lock == nil {
		return
	}
	os.Remove(m.pidPath())
	os.Remove(m.statePath())
	m.lock.Close()
	m.lock = nil
}

// ReadPID returns the PID in the PID file, live or not.
func (m *DaemonManager) ReadPID() (int, error) {
	data, err := os.ReadFile(m.pidPath())
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("malformed PID file %s", m.pidPath())
	}
	return pid, nil
}

// alive probes pid with signal 0.
func alive(pid int) bool {
	p, err := os.FindProcess(pid)
	return err == nil && p.Signal(syscall.Signal(0)) == nil
}

// IsRunning reports whether the PID file names a live process.
func (m *DaemonManager) IsRunning() bool {
	pid, err := m.ReadPID()
	return err == nil && alive(pid)
}

func (m *DaemonManager) WriteState(state *DaemonState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	return security.WriteFileAtomic(m.statePath(), data, security.PermPrivateFile)
}

func (m *DaemonManager) ReadState() (*DaemonState, error) {
	data, err := os.ReadFile(m.statePath())
	if err != nil {
		return nil, err
	}
	var st DaemonState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse %s: %w", m.statePath(), err)
	}
	return &st, nil
}

// SignalStop asks the daemon to release the keyboard and exit.
func (m *DaemonManager) SignalStop() error { return m.signal(syscall.SIGTERM) }

// SignalReload makes the daemon reread its configuration file and reopen
// its logs.
func (m *DaemonManager) SignalReload() error { return m.signal(syscall.SIGHUP) }

func (m *DaemonManager) signal(sig os.Signal) error {
	pid, err := m.ReadPID()
	if err != nil {
		return fmt.Errorf("read PID: %w", err)
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Signal(sig)
}

// WaitForStop polls until the daemon is gone or timeout passes.
func (m *DaemonManager) WaitForStop(timeout time.Duration) error {
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	deadline := time.After(timeout)
	for m.IsRunning() {
		select {
		case <-tick.C:
		case <-deadline:
			return fmt.Errorf("daemon did not stop within %v", timeout)
		}
	}
	return nil
}

// DaemonStatus combines the PID probe with the recorded state.
type DaemonStatus struct {
	Running bool
	PID     int
	Uptime  time.Duration
	DaemonState
}

func (m *DaemonManager) Status() *DaemonStatus {
	var st DaemonStatus
	if pid, err := m.ReadPID(); err == nil && alive(pid) {
		st.Running, st.PID = true, pid
	}
	if rec, err := m.ReadState(); err == nil {
		st.DaemonState = *rec
		if st.Running {
			st.Uptime = time.Since(rec.StartedAt)
		}
	}
	return &st
}
