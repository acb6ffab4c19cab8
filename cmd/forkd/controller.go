package main

import (
	"context"
	"sync"

	"forkd/internal/fork"
	"forkd/internal/forkconfig"
	"forkd/internal/history"
	"forkd/internal/host"
	"forkd/internal/ipc"
	"forkd/internal/logging"
)

// archiver is the part of store.Store the daemon writes dumps to.
type archiver interface {
	Archive(ctx context.Context, label, device string, entries []history.Entry) (int64, error)
}

// controller serves the control socket and the bus. A server-dump request
// additionally copies the dumped entries into the archive when one is open.
type controller struct {
	*host.Adapter

	archive archiver
	device  string
	log     *logging.Logger
}

func (c *controller) Configure(ctx context.Context, r fork.Request) (int, error) {
	n, err := c.Adapter.Configure(ctx, r)
	if err != nil || c.archive == nil || r.NArgs != 0 || r.Param != forkconfig.ParamServerDump {
		return n, err
	}

	// The dump has already gone to the log. History is newest first and
	// the archive keeps the log's order.
	entries, herr := c.Adapter.History(ctx, n)
	if herr != nil {
		c.log.Warn("server dump not archived", "error", herr)
		return n, nil
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	id, aerr := c.archive.Archive(ctx, "server-dump", c.device, entries)
	if aerr != nil {
		c.log.Warn("server dump not archived", "error", aerr)
		return n, nil
	}
	c.log.Debug("server dump archived", "snapshot", id, "entries", len(entries))
	return n, nil
}

// fanout hands each event to every target. The control socket server and
// the D-Bus service both sit behind one.
type fanout struct {
	mu      sync.RWMutex
	targets []ipc.Broadcaster
}

func (f *fanout) add(b ipc.Broadcaster) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, b)
}

func (f *fanout) Broadcast(ev *ipc.Event) {
	f.mu.RLock()
	targets := f.targets
	f.mu.RUnlock()
	for _, t := range targets {
		t.Broadcast(ev)
	}
}
