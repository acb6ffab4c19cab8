package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"forkd/internal/config"
	"forkd/internal/dbusapi"
	"forkd/internal/fork"
	"forkd/internal/forkconfig"
	"forkd/internal/health"
	"forkd/internal/host"
	"forkd/internal/ipc"
	"forkd/internal/keystroke"
	"forkd/internal/logging"
	"forkd/internal/metrics"
	"forkd/internal/store"
)

// maxBacklog is the output queue length above which the machine reports
// itself degraded.
const maxBacklog = 64

// crashRetention is how long crash reports are kept.
const crashRetention = 30 * 24 * time.Hour

// devices opens the keyboard to read and the keyboard to write.
type devices func(cfg *config.Config) (keystroke.Source, keystroke.Emitter, error)

func linuxDevices(cfg *config.Config) (keystroke.Source, keystroke.Emitter, error) {
	vk, err := keystroke.OpenVirtualKeyboard(cfg.Device.VirtualName)
	if err != nil {
		return nil, nil, fmt.Errorf("open virtual keyboard: %w", err)
	}
	return keystroke.NewLinuxSource(cfg.Device.Keyboard, cfg.Device.Pointers, cfg.Device.Grab), vk, nil
}

// daemon wires the fork machine to its control surfaces.
type daemon struct {
	version    string
	runtimeDir string
	loader     *config.Loader
	cfg        *config.Config
	device     string

	log   *logging.Logger
	audit *logging.AuditLogger
	crash *logging.CrashHandler

	forkMetrics *metrics.ForkMetrics
	httpSrv     *metrics.Server
	httpAddr    string
	checker     *health.Checker

	adapter *host.Adapter
	ctrl    *controller
	archive *store.Store
	server  *ipc.Server
	handler *ipc.DaemonHandler
	bus     *dbusapi.Service
	events  *fanout
	manager *host.DaemonManager

	startedAt time.Time
	cancel    context.CancelFunc
	stopOnce  sync.Once
}

func newDaemon(version, runtimeDir string, loader *config.Loader, cfg *config.Config, log *logging.Logger) *daemon {
	device := cfg.Device.Keyboard
	if device == "" {
		device = "auto"
	}
	return &daemon{
		version:    version,
		runtimeDir: runtimeDir,
		loader:     loader,
		cfg:        cfg,
		device:     device,
		log:        log,
		events:     &fanout{},
		manager:    host.NewDaemonManager(runtimeDir),
	}
}

// start brings up every part in dependency order. On error the parts
// already started are stopped again.
func (d *daemon) start(ctx context.Context, open devices) (err error) {
	if err := d.manager.Acquire(); err != nil {
		return fmt.Errorf("pid file: %w", err)
	}
	defer func() {
		if err != nil {
			d.stop("startup failed")
		}
	}()

	ctx, d.cancel = context.WithCancel(ctx)
	d.startedAt = time.Now()

	if err := d.openLogs(); err != nil {
		return err
	}

	registry := metrics.NewRegistry("forkd", "")
	d.forkMetrics = metrics.NewForkMetrics(registry)

	configs := forkconfig.NewStore()
	if err := config.ApplyProfiles(configs, d.cfg); err != nil {
		return fmt.Errorf("load profiles: %w", err)
	}

	source, emitter, err := open(d.cfg)
	if err != nil {
		return err
	}
	d.adapter = host.New(source, emitter, host.Config{
		Device:        d.device,
		RetryInterval: d.cfg.RetryInterval(),
		Logger:        d.log,
		Audit:         d.audit,
		Crash:         d.crash,
	},
		fork.WithLogger(d.log),
		fork.WithMetrics(d.forkMetrics),
		fork.WithHistory(d.cfg.History.Capacity),
		fork.WithConfigs(configs),
	)

	d.ctrl = &controller{Adapter: d.adapter, device: d.device, log: d.log.WithComponent("archive")}
	if d.cfg.History.Archive {
		d.archive, err = store.Open(d.cfg.History.ArchivePath)
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		d.ctrl.archive = d.archive
		d.snapshotConfig(ctx, "startup")
	}

	if err := d.adapter.Start(ctx); err != nil {
		return fmt.Errorf("start device: %w", err)
	}

	if d.cfg.IPC.Enabled {
		if err := d.startIPC(); err != nil {
			return err
		}
	}
	if d.cfg.DBus.Enabled {
		d.startDBus()
	}
	if d.cfg.Metrics.Enabled {
		if err := d.startHTTP(registry); err != nil {
			return err
		}
	}

	socket := ""
	if d.server != nil {
		socket = d.server.SocketPath()
	}
	if err := d.manager.WriteState(&host.DaemonState{
		PID:       os.Getpid(),
		StartedAt: d.startedAt,
		Version:   d.version,
		Device:    d.device,
		Socket:    socket,
	}); err != nil {
		d.log.Warn("write state file", "error", err)
	}

	d.loader.OnChange(func(cfg *config.Config) { d.applyConfig(ctx, cfg) })
	if err := d.loader.Watch(); err != nil {
		d.log.Warn("config file not watched", "path", d.loader.Path(), "error", err)
	}

	if d.checker != nil {
		d.checker.SetReady(true)
	}
	if d.audit != nil {
		d.audit.LogStartup(ctx, d.version, map[string]interface{}{
			"device":  d.device,
			"socket":  socket,
			"archive": d.archive != nil,
			"configs": len(configs.All()),
		})
	}
	d.log.Info("forkd started", "version", d.version, "device", d.device, "socket", socket)
	return nil
}

func (d *daemon) openLogs() error {
	if path := d.cfg.Logging.AuditPath; path != "" {
		audit, err := logging.NewAuditLogger(&logging.AuditLoggerConfig{
			FilePath:   path,
			MaxSize:    int64(d.cfg.Logging.MaxSizeMB),
			MaxAge:     d.cfg.Logging.MaxAgeDays,
			MaxBackups: d.cfg.Logging.MaxBackups,
			Compress:   d.cfg.Logging.Compress,
			Component:  "forkd",
			Device:     d.device,
		})
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		d.audit = audit
	}

	d.crash = logging.NewCrashHandler(&logging.CrashHandlerConfig{
		CrashDir:  filepath.Join(config.StateDir(), "crashes"),
		Version:   d.version,
		Component: "forkd",
		OnCrash: func(report logging.CrashReport) {
			if d.audit != nil {
				d.audit.LogError(context.Background(), "crash", errors.New(report.PanicValue), nil)
			}
		},
	})
	d.crash.SetDevice(d.device)
	if n, err := d.crash.Prune(crashRetention); err != nil {
		d.log.Warn("prune crash reports", "error", err)
	} else if n > 0 {
		d.log.Debug("pruned crash reports", "count", n)
	}
	return nil
}

func (d *daemon) startIPC() error {
	var archive ipc.Archiver
	if d.archive != nil {
		archive = d.archive
	}
	d.handler = ipc.NewDaemonHandler(ipc.HandlerConfig{
		Controller: d.ctrl,
		Archive:    archive,
		Audit:      d.audit,
		Events:     d.events,
		Metrics:    d.forkMetrics.Snapshot,
		Logger:     d.log,
		Version:    d.version,
		Device:     d.device,
	})
	d.server = ipc.NewServer(ipc.ServerConfig{
		SocketPath:      d.cfg.SocketPath(d.runtimeDir),
		Version:         d.version,
		Device:          d.device,
		ReadTimeout:     time.Duration(d.cfg.IPC.TimeoutSec) * time.Second,
		MaxConnections:  d.cfg.IPC.MaxConnections,
		AllowOtherUsers: d.cfg.IPC.AllowOtherUsers,
		RequestsPerSec:  d.cfg.IPC.RequestsPerSec,
		Logger:          d.log,
	}, d.handler)
	if err := d.server.Start(); err != nil {
		return fmt.Errorf("start control socket: %w", err)
	}
	d.events.add(d.server)
	return nil
}

// startDBus exports the bus object. A missing bus is not fatal.
func (d *daemon) startDBus() {
	svc := dbusapi.New(dbusapi.Config{
		Controller: d.ctrl,
		Audit:      d.audit,
		Logger:     d.log,
		Events:     d.events,
	})
	if err := svc.Start(d.cfg.DBus.Bus); err != nil {
		d.log.Warn("d-bus disabled", "error", err)
		return
	}
	d.bus = svc
	d.events.add(svc)
}

func (d *daemon) startHTTP(registry *metrics.Registry) error {
	d.checker = health.NewChecker()
	d.checker.RegisterFunc("machine", true, health.MachineCheck(d.adapter.Status, maxBacklog))
	d.checker.RegisterFunc("memory", false, health.MemoryCheck(256<<20))
	if filepath.IsAbs(d.device) {
		d.checker.RegisterFunc("keyboard", true, health.DeviceCheck(d.device))
	}
	if d.archive != nil {
		d.checker.RegisterFunc("archive", false, health.ArchiveCheck(d.archive.Ping))
		d.checker.RegisterFunc("disk", false, health.DiskSpaceCheck(filepath.Dir(d.cfg.History.ArchivePath), 64<<20))
	}

	d.httpSrv = metrics.NewServer(d.cfg.Metrics.Address, registry)
	for pattern, h := range d.checker.Routes() {
		d.httpSrv.Handle(pattern, h)
	}
	addr, err := d.httpSrv.Start()
	if err != nil {
		d.httpSrv = nil
		return fmt.Errorf("start metrics server: %w", err)
	}
	d.httpAddr = addr
	d.log.Info("metrics listening", "address", addr)
	return nil
}

// applyConfig loads a changed configuration file into the running machine.
// Device, socket and bus settings only take effect on restart.
func (d *daemon) applyConfig(ctx context.Context, cfg *config.Config) {
	err := d.adapter.UpdateConfigs(ctx, func(s *forkconfig.Store) error {
		return config.ApplyProfiles(s, cfg)
	})
	if err == nil && cfg.History.Capacity != d.cfg.History.Capacity {
		_, err = d.adapter.Configure(ctx, fork.Request{
			Param: forkconfig.ParamHistorySize,
			Args:  [3]int{cfg.History.Capacity},
		})
	}
	if d.audit != nil {
		d.audit.LogConfigReload(ctx, d.loader.Path(), err)
	}
	if err != nil {
		d.log.Error("config reload failed", "path", d.loader.Path(), "error", err)
		return
	}

	if !reflect.DeepEqual(cfg.Device, d.cfg.Device) || cfg.IPC != d.cfg.IPC || cfg.DBus != d.cfg.DBus {
		d.log.Warn("device, ipc and dbus changes apply after restart")
	}
	d.cfg = cfg
	d.snapshotConfig(ctx, "reload")
	d.events.Broadcast(&ipc.Event{Type: ipc.EventConfigReloaded, Data: d.loader.Path()})
	d.log.Info("config reloaded", "path", d.loader.Path(), "profiles", len(cfg.Profiles))
}

// reopenLogs moves the log files aside, as on SIGHUP.
func (d *daemon) reopenLogs() {
	if err := d.log.Rotate(); err != nil {
		d.log.Warn("rotate log", "error", err)
	}
	if d.audit != nil {
		if err := d.audit.Rotate(); err != nil {
			d.log.Warn("rotate audit log", "error", err)
		}
	}
}

// reload rereads the configuration file, as on SIGHUP.
func (d *daemon) reload(ctx context.Context) {
	if _, err := d.loader.Reload(); err != nil {
		if d.audit != nil {
			d.audit.LogConfigReload(ctx, d.loader.Path(), err)
		}
		d.log.Error("config reload failed", "path", d.loader.Path(), "error", err)
	}
}

func (d *daemon) snapshotConfig(ctx context.Context, reason string) {
	if d.archive == nil {
		return
	}
	data, err := json.Marshal(d.cfg)
	if err == nil {
		_, err = d.archive.SaveConfigSnapshot(ctx, d.cfg.Version, data, reason)
	}
	if err != nil {
		d.log.Warn("config snapshot failed", "error", err)
	}
}

// detached reports a keyboard that went away.
func (d *daemon) detached(ctx context.Context) {
	if d.audit != nil {
		d.audit.LogDevice(ctx, false, d.device)
	}
	d.events.Broadcast(&ipc.Event{Type: ipc.EventDeviceDetached, Data: d.device})
	d.log.Warn("keyboard detached", "device", d.device)
}

// sample copies the queue depths into the gauges.
func (d *daemon) sample(ctx context.Context) {
	st, err := d.adapter.Status(ctx)
	if err != nil {
		return
	}
	d.forkMetrics.SetQueues(st.Input, st.Internal, st.Output)
	d.forkMetrics.UpdateUptime()
}

// stop tears everything down in reverse order. It is safe on a partially
// started daemon and runs once.
func (d *daemon) stop(reason string) {
	d.stopOnce.Do(func() { d.shutdown(reason) })
}

func (d *daemon) shutdown(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if d.checker != nil {
		d.checker.SetReady(false)
	}
	d.events.Broadcast(&ipc.Event{Type: ipc.EventDaemonShutdown, Data: reason})

	if err := d.loader.Close(); err != nil {
		d.log.Warn("close config watcher", "error", err)
	}
	if d.server != nil {
		if err := d.server.Stop(); err != nil {
			d.log.Warn("stop control socket", "error", err)
		}
	}
	if d.bus != nil {
		if err := d.bus.Stop(); err != nil {
			d.log.Warn("stop d-bus", "error", err)
		}
	}
	if d.adapter != nil {
		if err := d.adapter.Stop(); err != nil {
			d.log.Warn("release devices", "error", err)
		}
	}
	if d.httpSrv != nil {
		if err := d.httpSrv.Stop(ctx); err != nil {
			d.log.Warn("stop metrics server", "error", err)
		}
	}
	if d.archive != nil {
		if err := d.archive.Close(); err != nil {
			d.log.Warn("close archive", "error", err)
		}
	}
	if d.cancel != nil {
		d.cancel()
	}
	d.manager.Cleanup()

	if d.audit != nil {
		d.audit.LogShutdown(ctx, reason)
		d.audit.Close()
	}
	d.log.Info("forkd stopped", "reason", reason)
}
