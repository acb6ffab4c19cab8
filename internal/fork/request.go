package fork

import (
	"errors"
	"fmt"

	"forkd/internal/forkconfig"
	"forkd/internal/history"
	"forkd/internal/keystroke"
)

// ErrBusy is returned when a control request arrives while the machine is
// running an event.
var ErrBusy = errors.New("fork: machine busy")

// Request is one configuration protocol call. On the wire the operation is
// a single number, param<<2 | nargs, followed by up to three operands.
// nargs selects the scope: 0 global, 1 per key, 2 per key pair.
type Request struct {
	Param forkconfig.Param
	NArgs int
	Args  [3]int
}

// DecodeRequest splits a wire operation into a Request.
func DecodeRequest(op int, args ...int) Request {
	r := Request{
		Param: forkconfig.Param(op >> 2),
		NArgs: op & 3,
	}
	copy(r.Args[:], args)
	return r
}

// Op returns the wire operation of r.
func (r Request) Op() int {
	return int(r.Param)<<2 | r.NArgs
}

func (r Request) String() string {
	n := r.NArgs + 1
	if n < 1 || n > len(r.Args) {
		n = len(r.Args)
	}
	return fmt.Sprintf("%s/%d %v", r.Param, r.NArgs, r.Args[:n])
}

func keycode(v int) (keystroke.Keycode, error) {
	if v < 0 || v >= keystroke.KeycodeCount {
		return 0, forkconfig.ErrBadKeycode
	}
	return keystroke.Keycode(v), nil
}

// keys returns the keycode operands of a per-key or per-pair request.
func (r Request) keys() ([]keystroke.Keycode, error) {
	if r.NArgs < 0 || r.NArgs > 2 {
		return nil, forkconfig.ErrUnknownParam
	}
	out := make([]keystroke.Keycode, r.NArgs)
	for i := range out {
		k, err := keycode(r.Args[i])
		if err != nil {
			return nil, err
		}
		out[i] = k
	}
	return out, nil
}

// Configure applies a write request to the active configuration. Special
// global requests act on the machine: history-size resizes the history,
// switch activates a configuration, clone copies one and returns the new
// id, server-dump logs the history and returns the number of entries.
func (m *Machine) Configure(r Request) (int, error) {
	keys, err := r.keys()
	if err != nil {
		return 0, err
	}
	value := r.Args[r.NArgs]

	if r.NArgs == 0 {
		switch r.Param {
		case forkconfig.ParamHistorySize:
			return 0, m.SetHistorySize(value)
		case forkconfig.ParamSwitch:
			return 0, m.SwitchConfig(value)
		case forkconfig.ParamClone:
			c, err := m.CloneConfig(value, "")
			if err != nil {
				return 0, err
			}
			return c.ID, nil
		case forkconfig.ParamServerDump:
			return len(m.DumpHistory()), nil
		}
	}

	if err := m.configs.Active().Set(r.Param, value, keys...); err != nil {
		m.log.Debug("configure rejected", "request", r.String(), "error", err)
		return 0, err
	}
	m.trace("configured", "request", r.String())
	return 0, nil
}

// ConfigureGet answers a read request. Requests that name nothing readable
// yield zero.
func (m *Machine) ConfigureGet(r Request) int {
	keys, err := r.keys()
	if err != nil {
		return 0
	}
	if r.NArgs == 0 {
		switch r.Param {
		case forkconfig.ParamHistorySize:
			return m.hist.Cap()
		case forkconfig.ParamSwitch:
			return m.configs.Active().ID
		}
	}
	v, err := m.configs.Active().Get(r.Param, keys...)
	if err != nil {
		return 0
	}
	return v
}

// SwitchConfig makes configuration id active and reconsiders every
// undecided event under it. An unknown or already active id changes
// nothing.
func (m *Machine) SwitchConfig(id int) error {
	if !m.lock("switch config") {
		return ErrBusy
	}
	defer m.unlock()

	from := m.configs.Active().ID
	if err := m.configs.SwitchTo(id); err != nil {
		m.log.Warn("not switching configuration", "from", from, "to", id, "error", err)
		return err
	}
	m.metrics.ConfigSwitches.Inc()
	m.log.Info("switched configuration", "from", from, "to", id,
		"name", m.configs.Active().Name)
	m.replay()
	return nil
}

// Reconsider re-runs every undecided event against the active
// configuration, as after a switch. Used when the configuration was
// replaced in place.
func (m *Machine) Reconsider() {
	if !m.lock("reconsider") {
		return
	}
	defer m.unlock()
	m.replay()
}

func (m *Machine) replay() {
	if !m.internal.Empty() {
		m.metrics.Replays.Inc()
		m.trace("replaying", "count", m.internal.Len())
		m.input.PrependFrom(m.internal)
	}
	m.state = Normal
	m.verificator = 0
	m.timeLeft = 0
	// Deadlines count from the last time seen, not from the replayed events.
	m.drain(m.now, true, false)
	m.setWakeup(m.now)
}

// CloneConfig copies configuration id into a new inactive configuration.
func (m *Machine) CloneConfig(id int, name string) (*forkconfig.Config, error) {
	c, err := m.configs.Clone(id, name)
	if err != nil {
		m.log.Warn("not cloning configuration", "id", id, "error", err)
		return nil, err
	}
	m.log.Info("cloned configuration", "from", id, "to", c.ID, "name", c.Name)
	return c, nil
}

// SetHistorySize resizes the history, keeping the newest entries.
func (m *Machine) SetHistorySize(n int) error {
	if n < 0 {
		return fmt.Errorf("fork: negative history size %d", n)
	}
	m.hist.Resize(n)
	return nil
}

// History returns up to n of the most recently delivered events, newest
// first.
func (m *Machine) History(n int) []history.Entry {
	return m.hist.Snapshot(n)
}

// DumpHistory logs the whole history, oldest first, and returns it.
func (m *Machine) DumpHistory() []history.Entry {
	entries := m.hist.Entries()
	m.log.Info("history dump", "count", len(entries), "capacity", m.hist.Cap())
	var prev keystroke.Time
	for i, e := range entries {
		delta := keystroke.Time(0)
		if i > 0 {
			delta = e.Time - prev
		}
		prev = e.Time
		m.log.Info("history", "event", e.String(), "delta", delta)
	}
	return entries
}

// ForkedKey is a key currently held as a fork.
type ForkedKey struct {
	Key    keystroke.Keycode `json:"key"`
	Target keystroke.Keycode `json:"target"`
}

// Status is a snapshot of the machine for diagnostics.
type Status struct {
	State      string      `json:"state"`
	ConfigID   int         `json:"config_id"`
	ConfigName string      `json:"config_name"`
	Configs    int         `json:"configs"`
	Input      int         `json:"input"`
	Internal   int         `json:"internal"`
	Output     int         `json:"output"`
	TimeLeft   int64       `json:"time_left_ms"`
	Wakeup     string      `json:"wakeup"`
	History    int         `json:"history"`
	HistoryCap int         `json:"history_capacity"`
	Forked     []ForkedKey `json:"forked,omitempty"`
	Closed     bool        `json:"closed,omitempty"`
}

// Status returns a snapshot of the machine.
func (m *Machine) Status() Status {
	cfg := m.configs.Active()
	s := Status{
		State:      m.state.String(),
		ConfigID:   cfg.ID,
		ConfigName: cfg.Name,
		Configs:    len(m.configs.All()),
		Input:      m.input.Len(),
		Internal:   m.internal.Len(),
		Output:     m.output.Len(),
		TimeLeft:   int64(m.timeLeft),
		Wakeup:     m.wakeup.String(),
		History:    m.hist.Len(),
		HistoryCap: m.hist.Cap(),
		Closed:     m.closed,
	}
	for k, to := range m.forkedTo {
		if to != 0 {
			s.Forked = append(s.Forked, ForkedKey{Key: keystroke.Keycode(k), Target: to})
		}
	}
	return s
}
