// Package health aggregates component checks of the daemon and serves them
// as liveness, readiness and health endpoints.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// CheckResult is what one check reports. The checker fills in
// LastChecked and Duration.
type CheckResult struct {
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Duration    time.Duration  `json:"duration_ns"`
	Error       string         `json:"error,omitempty"`
}

type Check func(ctx context.Context) CheckResult

// Component is a named check. A critical component that fails makes the
// daemon unhealthy; any other failure only degrades it.
type Component struct {
	Name     string
	Critical bool
	Check    Check
	Timeout  time.Duration
}

const defaultTimeout = 5 * time.Second

type entry struct {
	comp Component
	last CheckResult
}

// Checker runs registered components and remembers their last results.
type Checker struct {
	started time.Time
	ready   atomic.Bool

	mu      sync.Mutex
	entries map[string]*entry
}

func NewChecker() *Checker {
	return &Checker{started: time.Now(), entries: make(map[string]*entry)}
}

// Register adds comp, replacing a component of the same name. Its status
// is unknown until the next Check.
func (c *Checker) Register(comp *Component) {
	e := &entry{comp: *comp, last: CheckResult{Status: StatusUnknown}}
	if e.comp.Timeout <= 0 {
		e.comp.Timeout = defaultTimeout
	}
	c.mu.Lock()
	c.entries[comp.Name] = e
	c.mu.Unlock()
}

func (c *Checker) RegisterFunc(name string, critical bool, check Check) {
	c.Register(&Component{Name: name, Critical: critical, Check: check})
}

func (c *Checker) Unregister(name string) {
	c.mu.Lock()
	delete(c.entries, name)
	c.mu.Unlock()
}

// SetReady marks whether the daemon is serving keys.
func (c *Checker) SetReady(ready bool) { c.ready.Store(ready) }
func (c *Checker) IsReady() bool       { return c.ready.Load() }

// run executes one component under its timeout. A check that panics or
// overruns is unhealthy; an overrunning check is left to finish on its own.
func run(ctx context.Context, comp Component) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, comp.Timeout)
	defer cancel()

	start := time.Now()
	done := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- CheckResult{Status: StatusUnhealthy, Message: "check panicked", Error: fmt.Sprint(r)}
			}
		}()
		done <- comp.Check(ctx)
	}()

	var res CheckResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res = CheckResult{Status: StatusUnhealthy, Message: "check timed out", Error: ctx.Err().Error()}
	}
	res.LastChecked = start
	res.Duration = time.Since(start)
	return res
}

// Check runs every component concurrently and returns the fresh results.
func (c *Checker) Check(ctx context.Context) map[string]CheckResult {
	c.mu.Lock()
	comps := make([]Component, 0, len(c.entries))
	for _, e := range c.entries {
		comps = append(comps, e.comp)
	}
	c.mu.Unlock()

	results := make(map[string]CheckResult, len(comps))
	var (
		wg  sync.WaitGroup
		rmu sync.Mutex
	)
	for _, comp := range comps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := run(ctx, comp)

			rmu.Lock()
			results[comp.Name] = res
			rmu.Unlock()

			c.mu.Lock()
			if e, ok := c.entries[comp.Name]; ok {
				e.last = res
			}
			c.mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

// OverallStatus folds the last results: a failed critical component makes
// the whole unhealthy, an unchecked critical one unknown, and any other
// problem degraded.
func (c *Checker) OverallStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	overall := StatusHealthy
	for _, e := range c.entries {
		switch st := e.last.Status; {
		case st == StatusUnhealthy && e.comp.Critical:
			return StatusUnhealthy
		case st == StatusUnknown && e.comp.Critical:
			overall = StatusUnknown
		case st == StatusUnhealthy, st == StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}
	return overall
}

type HealthResponse struct {
	Status     Status                 `json:"status"`
	Ready      bool                   `json:"ready"`
	Uptime     string                 `json:"uptime"`
	Components map[string]CheckResult `json:"components,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Routes returns the probe handlers keyed by the path they are served on:
// /healthz answers while the process runs, /readyz once the daemon holds a
// keyboard and no critical check fails, and /health reports everything,
// running the checks first when asked with ?full=true.
func (c *Checker) Routes() map[string]http.Handler {
	return map[string]http.Handler{
		"/healthz": http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"status": "alive", "timestamp": time.Now()})
		}),
		"/readyz": http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			if !c.IsReady() {
				writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "timestamp": time.Now()})
				return
			}
			st := c.OverallStatus()
			code := http.StatusOK
			if st == StatusUnhealthy {
				code = http.StatusServiceUnavailable
			}
			writeJSON(w, code, map[string]any{"status": st, "ready": true, "timestamp": time.Now()})
		}),
		"/health": http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			resp := HealthResponse{Ready: c.IsReady(), Uptime: time.Since(c.started).Round(time.Second).String()}
			if r.URL.Query().Get("full") == "true" {
				resp.Components = c.Check(r.Context())
			}
			resp.Status = c.OverallStatus()
			resp.Timestamp = time.Now()

			code := http.StatusOK
			if resp.Status != StatusHealthy && resp.Status != StatusDegraded {
				code = http.StatusServiceUnavailable
			}
			writeJSON(w, code, resp)
		}),
	}
}
