package host

import (
	"context"

	"forkd/internal/fork"
	"forkd/internal/forkconfig"
	"forkd/internal/history"
	"forkd/internal/logging"
)

// Configure applies a configuration request on the event loop.
func (a *Adapter) Configure(ctx context.Context, r fork.Request) (int, error) {
	var (
		result int
		cerr   error
	)
	if err := a.Do(ctx, func(m *fork.Machine) {
		result, cerr = m.Configure(r)
	}); err != nil {
		return 0, err
	}
	return result, cerr
}

// ConfigureGet answers a read request on the event loop.
func (a *Adapter) ConfigureGet(ctx context.Context, r fork.Request) (int, error) {
	var result int
	err := a.Do(ctx, func(m *fork.Machine) {
		result = m.ConfigureGet(r)
	})
	return result, err
}

// SwitchConfig activates configuration id.
func (a *Adapter) SwitchConfig(ctx context.Context, id int) error {
	var serr error
	if err := a.Do(ctx, func(m *fork.Machine) {
		serr = m.SwitchConfig(id)
	}); err != nil {
		return err
	}
	return serr
}

// History returns up to n recent events, newest first.
func (a *Adapter) History(ctx context.Context, n int) ([]history.Entry, error) {
	var entries []history.Entry
	err := a.Do(ctx, func(m *fork.Machine) {
		entries = m.History(n)
	})
	return entries, err
}

// DumpHistory logs the whole history and returns it, oldest first.
func (a *Adapter) DumpHistory(ctx context.Context) ([]history.Entry, error) {
	var entries []history.Entry
	err := a.Do(ctx, func(m *fork.Machine) {
		entries = m.DumpHistory()
	})
	return entries, err
}

// Status returns a snapshot of the machine.
func (a *Adapter) Status(ctx context.Context) (fork.Status, error) {
	var st fork.Status
	err := a.Do(ctx, func(m *fork.Machine) {
		st = m.Status()
	})
	return st, err
}

// UpdateConfigs lets fn edit the configuration store in place and then
// reconsiders every undecided event under the result.
func (a *Adapter) UpdateConfigs(ctx context.Context, fn func(s *forkconfig.Store) error) error {
	var ferr error
	if err := a.Do(ctx, func(m *fork.Machine) {
		if ferr = fn(m.Configs()); ferr == nil {
			m.Reconsider()
		}
	}); err != nil {
		return err
	}
	return ferr
}

// AuditConfigure writes the audit record of a configure request made on
// behalf of origin. from is the active configuration id before a switch.
func AuditConfigure(ctx context.Context, audit *logging.AuditLogger, origin string, r fork.Request, from, result int, err error) {
	if audit == nil {
		return
	}
	value := r.Args[r.NArgs]
	if r.NArgs == 0 {
		switch r.Param {
		case forkconfig.ParamSwitch:
			audit.LogConfigSwitch(ctx, origin, from, value, err)
			return
		case forkconfig.ParamClone:
			if err == nil {
				audit.LogConfigClone(ctx, origin, value, result, "")
			}
			return
		case forkconfig.ParamServerDump:
			audit.LogHistoryDump(ctx, origin, -1, result)
			return
		}
	}
	keys := make([]int, r.NArgs)
	copy(keys, r.Args[:r.NArgs])
	audit.LogConfigSet(ctx, origin, r.Param.String(), keys, value, err)
}
