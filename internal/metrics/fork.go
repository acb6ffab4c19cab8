package metrics

import (
	"context"
	"net"
	"net/http"
	"time"
)

// ForkMetrics holds the counters a fork machine updates.
type ForkMetrics struct {
	registry *Registry

	// Counters
	EventsIn       *Counter
	EventsOut      *Counter
	Forks          *Counter
	NonForks       *Counter
	QuickIgnores   *Counter
	SelfForks      *Counter
	Forced         *Counter
	Replays        *Counter
	FrozenStalls   *Counter
	Violations     *Counter
	ConfigSwitches *Counter

	// Gauges
	InputDepth    *Gauge
	InternalDepth *Gauge
	OutputDepth   *Gauge
	State         *Gauge
	UptimeSeconds *Gauge

	// Histograms
	DecisionLatency *Histogram
}

// startTime records when metrics were initialized.
var startTime = time.Now()

// NewForkMetrics creates and registers the fork machine metrics.
func NewForkMetrics(registry *Registry) *ForkMetrics {
	if registry == nil {
		registry = NewRegistry("forkd", "")
	}

	return &ForkMetrics{
		registry: registry,

		EventsIn: registry.RegisterCounter(
			"events_in_total",
			"Key events accepted from the device",
			nil,
		),
		EventsOut: registry.RegisterCounter(
			"events_out_total",
			"Key events delivered downstream",
			nil,
		),
		Forks: registry.RegisterCounter(
			"forks_total",
			"Keys delivered as their fork target",
			nil,
		),
		NonForks: registry.RegisterCounter(
			"non_forks_total",
			"Suspected keys delivered as themselves",
			nil,
		),
		QuickIgnores: registry.RegisterCounter(
			"quick_ignores_total",
			"Autorepeat presses of forked keys discarded",
			nil,
		),
		SelfForks: registry.RegisterCounter(
			"self_forks_total",
			"Forkable presses passed through because of repeat suppression",
			nil,
		),
		Forced: registry.RegisterCounter(
			"forced_total",
			"Forks forced by pointer activity",
			nil,
		),
		Replays: registry.RegisterCounter(
			"replays_total",
			"Re-evaluations of undecided events after reconfiguration",
			nil,
		),
		FrozenStalls: registry.RegisterCounter(
			"frozen_stalls_total",
			"Times output stopped because the sink was frozen",
			nil,
		),
		Violations: registry.RegisterCounter(
			"invariant_violations_total",
			"Internal consistency violations detected and recovered",
			nil,
		),
		ConfigSwitches: registry.RegisterCounter(
			"config_switches_total",
			"Active configuration changes",
			nil,
		),

		InputDepth: registry.RegisterGauge(
			"input_queue_depth",
			"Events waiting in the input queue",
			nil,
		),
		InternalDepth: registry.RegisterGauge(
			"internal_queue_depth",
			"Undecided events held by the machine",
			nil,
		),
		OutputDepth: registry.RegisterGauge(
			"output_queue_depth",
			"Decided events waiting for the sink",
			nil,
		),
		State: registry.RegisterGauge(
			"state",
			"Current machine state (0 normal, 1 suspect, 2 verify)",
			nil,
		),
		UptimeSeconds: registry.RegisterGauge(
			"uptime_seconds",
			"Number of seconds the daemon has been running",
			nil,
		),

		DecisionLatency: registry.RegisterHistogram(
			"decision_latency_ms",
			"Time from a suspected press to its fork decision, in milliseconds",
			nil,
			HoldBuckets,
		),
	}
}

// RecordDecision records a fork or non-fork decision made after latency ms.
func (m *ForkMetrics) RecordDecision(forked bool, latencyMs int64) {
	if forked {
		m.Forks.Inc()
	} else {
		m.NonForks.Inc()
	}
	m.DecisionLatency.Observe(float64(latencyMs))
}

// SetQueues updates the queue depth gauges.
func (m *ForkMetrics) SetQueues(input, internal, output int) {
	m.InputDepth.Set(int64(input))
	m.InternalDepth.Set(int64(internal))
	m.OutputDepth.Set(int64(output))
}

// UpdateUptime updates the uptime gauge.
func (m *ForkMetrics) UpdateUptime() {
	m.UptimeSeconds.Set(int64(time.Since(startTime).Seconds()))
}

// Snapshot returns a snapshot of the fork metrics.
func (m *ForkMetrics) Snapshot() map[string]any {
	m.UpdateUptime()
	return m.registry.Snapshot()
}

// Registry returns the registry the metrics live in.
func (m *ForkMetrics) Registry() *Registry {
	return m.registry
}

// Server exposes a registry over HTTP at /metrics. Additional handlers,
// such as health probes, can be mounted with Handle.
type Server struct {
	mux    *http.ServeMux
	server *http.Server
}

// NewServer creates a metrics server listening on addr.
func NewServer(addr string, registry *Registry) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", registry.HTTPHandler())
	return &Server{
		mux: mux,
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handle mounts an extra handler.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Start begins serving in the background and returns the bound address.
func (s *Server) Start() (string, error) {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return "", err
	}
	go func() { _ = s.server.Serve(ln) }()
	return ln.Addr().String(), nil
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
