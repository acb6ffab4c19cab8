// Package host runs a fork machine for one keyboard.
//
// An Adapter owns a single goroutine that feeds the machine everything it
// reacts to: key events from the device, pointer activity, timer expiries,
// thaw retries of the virtual keyboard, and control requests. The machine
// itself is never touched from any other goroutine.
package host

import (
	"context"
	"errors"
	"sync"
	"time"

	"forkd/internal/fork"
	"forkd/internal/keystroke"
	"forkd/internal/logging"
)

var (
	// ErrNotRunning is returned for requests to a stopped adapter.
	ErrNotRunning = errors.New("host: adapter not running")

	// ErrAdapterRunning is returned when Start is called twice.
	ErrAdapterRunning = errors.New("host: adapter already running")
)

// DefaultRetryInterval is how often a frozen virtual keyboard is retried.
const DefaultRetryInterval = 5 * time.Millisecond

// Config configures an Adapter.
type Config struct {
	// Device names the keyboard in logs and audit records.
	Device string

	// RetryInterval is the delay between writes to a full emitter.
	RetryInterval time.Duration

	// Clock returns the current time on the device's time base. Defaults
	// to keystroke.Now, which matches evdev timestamps.
	Clock func() keystroke.Time

	Logger *logging.Logger
	Audit  *logging.AuditLogger
	Crash  *logging.CrashHandler
}

type request struct {
	fn   func(m *fork.Machine)
	done chan struct{}
}

// Adapter connects a keystroke source and emitter through a fork machine.
type Adapter struct {
	cfg     Config
	log     *logging.Logger
	source  keystroke.Source
	emitter keystroke.Emitter
	sink    *BufferedSink
	machine *fork.Machine

	requests chan request

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error
}

// New creates an adapter. opts configure the machine; the adapter adds
// itself as the machine's thaw receiver.
func New(source keystroke.Source, emitter keystroke.Emitter, cfg Config, opts ...fork.Option) *Adapter {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = keystroke.Now
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}
	log = log.WithComponent("host")

	a := &Adapter{
		cfg:      cfg,
		log:      log,
		source:   source,
		emitter:  emitter,
		requests: make(chan request),
	}
	a.sink = NewBufferedSink(emitter, log)
	a.machine = fork.NewMachine(a.sink, append(opts, fork.WithUpstream(a))...)
	return a
}

// Start opens the source and starts the event loop.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.done != nil {
		return ErrAdapterRunning
	}
	if err := a.source.Start(ctx); err != nil {
		return err
	}

	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})
	a.running = true

	if a.cfg.Audit != nil {
		a.cfg.Audit.LogDevice(ctx, true, a.cfg.Device)
	}
	a.log.Info("device attached", "device", a.cfg.Device)

	go a.run(ctx, a.source.Events(), a.source.Motion())
	return nil
}

// Stop ends the event loop, closes the machine and releases the devices.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	if a.done == nil {
		a.mu.Unlock()
		return nil
	}
	a.cancel()
	done := a.done
	a.mu.Unlock()

	<-done

	a.stopOnce.Do(func() {
		var errs []error
		if err := a.source.Stop(); err != nil {
			errs = append(errs, err)
		}
		if err := a.emitter.Close(); err != nil {
			errs = append(errs, err)
		}
		a.stopErr = errors.Join(errs...)
	})
	return a.stopErr
}

// Done is closed when the event loop has exited, either through Stop or
// because the device went away.
func (a *Adapter) Done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done
}

// Running reports whether the event loop is active.
func (a *Adapter) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Do runs fn on the event loop and waits for it. fn must not keep m.
func (a *Adapter) Do(ctx context.Context, fn func(m *fork.Machine)) error {
	a.mu.Lock()
	running, done := a.running, a.done
	a.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	req := request{fn: fn, done: make(chan struct{})}
	select {
	case a.requests <- req:
	case <-done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req.done:
		return nil
	case <-done:
		return ErrNotRunning
	}
}

// NotifyThaw implements fork.ThawReceiver. The device never blocks on the
// machine, so the thaw ends here.
func (a *Adapter) NotifyThaw(now keystroke.Time) {
	a.log.Debug("machine drained after thaw", "time", now)
}

func (a *Adapter) run(ctx context.Context, events <-chan keystroke.Event, motion <-chan keystroke.Time) {
	defer a.finish()
	if a.cfg.Crash != nil {
		defer a.cfg.Crash.RecoverGoroutine()
	}

	t := &timers{
		wake:  time.NewTimer(time.Hour),
		retry: time.NewTimer(time.Hour),
	}
	t.wake.Stop()
	t.retry.Stop()
	defer t.wake.Stop()
	defer t.retry.Stop()

	for {
		a.arm(t)

		select {
		case <-ctx.Done():
			a.closeMachine("stopped")
			return

		case ev, ok := <-events:
			if !ok {
				a.closeMachine("device closed")
				if a.cfg.Audit != nil {
					a.cfg.Audit.LogDevice(context.Background(), false, a.cfg.Device)
				}
				return
			}
			a.machine.ProcessEvent(ev)

		case _, ok := <-motion:
			if !ok {
				motion = nil
				continue
			}
			a.machine.Force()

		case <-t.wake.C:
			a.machine.AdvanceTime(a.cfg.Clock())

		case <-t.retry.C:
			t.retrying = false
			if a.sink.Retry() {
				a.machine.NotifyThaw(a.cfg.Clock())
			}

		case req := <-a.requests:
			req.fn(a.machine)
			close(req.done)
		}
	}
}

// arm sets the timers from the machine's wakeup. While the emitter is full
// only the retry timer runs: the machine cannot make progress before the
// thaw, and a wake-now request would spin.
func (a *Adapter) arm(t *timers) {
	t.wake.Stop()

	if a.sink.Frozen() {
		if !t.retrying {
			t.retry.Reset(a.cfg.RetryInterval)
			t.retrying = true
		}
		return
	}
	if t.retrying {
		t.retry.Stop()
		t.retrying = false
	}

	w := a.machine.Wakeup()
	switch {
	case w.IsNow():
		t.wake.Reset(0)
	case !w.IsNone():
		at, _ := w.At()
		d := time.Duration(at-a.cfg.Clock()) * time.Millisecond
		if d < 0 {
			d = 0
		}
		t.wake.Reset(d)
	}
}

type timers struct {
	wake     *time.Timer
	retry    *time.Timer
	retrying bool
}

func (a *Adapter) closeMachine(reason string) {
	// One last attempt so that decided events reach the emitter.
	a.sink.Retry()
	if err := a.machine.Close(); err != nil {
		a.log.Error("closing machine", "error", err)
	}
	if held := a.sink.Held(); held > 0 {
		a.log.Warn("emitter never accepted events", "count", held)
	}
	a.log.Info("device detached", "device", a.cfg.Device, "reason", reason,
		"emitted", a.sink.Emitted, "dropped", a.sink.Dropped)
}

func (a *Adapter) finish() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.running = false
	close(a.done)
}
