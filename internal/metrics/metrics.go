// Package metrics keeps forkd's counters, gauges and histograms and
// exposes them in the Prometheus text format.
//
// Counters track fork decisions, gauges track queue depths, and histograms
// track how long keys stay undecided.
package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// Labels are constant labels attached to a metric.
type Labels map[string]string

// render formats the labels plus extra key/value pairs as {k="v",...}.
func (l Labels) render(extra ...string) string {
	pairs := make([]string, 0, len(l)+len(extra)/2)
	for k, v := range l {
		pairs = append(pairs, k+"="+strconv.Quote(v))
	}
	sort.Strings(pairs)
	for i := 0; i+1 < len(extra); i += 2 {
		pairs = append(pairs, extra[i]+"="+strconv.Quote(extra[i+1]))
	}
	if len(pairs) == 0 {
		return ""
	}
	return "{" + strings.Join(pairs, ",") + "}"
}

type desc struct {
	name   string
	help   string
	labels Labels
}

func (d *desc) Name() string { return d.name }
func (d *desc) Help() string { return d.help }

// collector is what a Registry knows how to print and reset.
type collector interface {
	Name() string
	Help() string
	kind() string
	samples(w io.Writer)
	snapshot(into map[string]any)
	reset()
}

// Counter only goes up.
type Counter struct {
	desc
	v atomic.Uint64
}

func NewCounter(name, help string, labels Labels) *Counter {
	return &Counter{desc: desc{name, help, labels}}
}

func (c *Counter) Inc()          { c.v.Add(1) }
func (c *Counter) Add(n uint64)  { c.v.Add(n) }
func (c *Counter) Value() uint64 { return c.v.Load() }

func (c *Counter) kind() string { return "counter" }
func (c *Counter) reset()       { c.v.Store(0) }
func (c *Counter) samples(w io.Writer) {
	fmt.Fprintf(w, "%s%s %d\n", c.name, c.labels.render(), c.Value())
}
func (c *Counter) snapshot(m map[string]any) { m[c.name] = c.Value() }

// Gauge holds a value that moves both ways.
type Gauge struct {
	desc
	v atomic.Int64
}

func NewGauge(name, help string, labels Labels) *Gauge {
	return &Gauge{desc: desc{name, help, labels}}
}

func (g *Gauge) Set(v int64)  { g.v.Store(v) }
func (g *Gauge) Add(d int64)  { g.v.Add(d) }
func (g *Gauge) Inc()         { g.v.Add(1) }
func (g *Gauge) Dec()         { g.v.Add(-1) }
func (g *Gauge) Value() int64 { return g.v.Load() }

func (g *Gauge) kind() string { return "gauge" }
func (g *Gauge) reset()       { g.v.Store(0) }
func (g *Gauge) samples(w io.Writer) {
	fmt.Fprintf(w, "%s%s %d\n", g.name, g.labels.render(), g.Value())
}
func (g *Gauge) snapshot(m map[string]any) { m[g.name] = g.Value() }

// HoldBuckets bound key hold and decision latency observations, in
// milliseconds.
var HoldBuckets = []float64{5, 10, 25, 50, 80, 100, 150, 200, 300, 500, 1000, 2000}

// DepthBuckets bound queue depth observations.
var DepthBuckets = []float64{0, 1, 2, 4, 8, 16, 32, 64}

// Histogram counts observations into buckets with inclusive upper bounds.
type Histogram struct {
	desc
	bounds []float64

	mu   sync.Mutex
	hits []uint64 // per bucket, the last one is +Inf
	sum  float64
	n    uint64
}

// NewHistogram copies and sorts bounds; nil means HoldBuckets.
func NewHistogram(name, help string, labels Labels, bounds []float64) *Histogram {
	if bounds == nil {
		bounds = HoldBuckets
	}
	b := append([]float64(nil), bounds...)
	sort.Float64s(b)
	return &Histogram{desc: desc{name, help, labels}, bounds: b, hits: make([]uint64, len(b)+1)}
}

func (h *Histogram) Observe(v float64) {
	i := sort.SearchFloat64s(h.bounds, v)
	h.mu.Lock()
	h.hits[i]++
	h.sum += v
	h.n++
	h.mu.Unlock()
}

func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.n
}

func (h *Histogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

// Mean is zero before the first observation.
func (h *Histogram) Mean() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.n == 0 {
		return 0
	}
	return h.sum / float64(h.n)
}

func (h *Histogram) kind() string { return "histogram" }

func (h *Histogram) reset() {
	h.mu.Lock()
	clear(h.hits)
	h.sum, h.n = 0, 0
	h.mu.Unlock()
}

func (h *Histogram) samples(w io.Writer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var cum uint64
	for i, b := range h.bounds {
		cum += h.hits[i]
		fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, h.labels.render("le", strconv.FormatFloat(b, 'g', -1, 64)), cum)
	}
	cum += h.hits[len(h.bounds)]
	fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, h.labels.render("le", "+Inf"), cum)
	fmt.Fprintf(w, "%s_sum%s %g\n", h.name, h.labels.render(), h.sum)
	fmt.Fprintf(w, "%s_count%s %d\n", h.name, h.labels.render(), h.n)
}

func (h *Histogram) snapshot(m map[string]any) {
	m[h.name+"_sum"] = h.Sum()
	m[h.name+"_count"] = h.Count()
	m[h.name+"_mean"] = h.Mean()
}

// Registry names metrics namespace_subsystem_name and prints them sorted.
type Registry struct {
	prefix string

	mu      sync.RWMutex
	metrics map[string]collector
}

func NewRegistry(namespace, subsystem string) *Registry {
	var parts []string
	for _, p := range []string{namespace, subsystem} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	prefix := strings.Join(parts, "_")
	if prefix != "" {
		prefix += "_"
	}
	return &Registry{prefix: prefix, metrics: make(map[string]collector)}
}

// register returns the metric already under name, or stores a new one.
// Reusing a name for a different kind of metric is a programming error.
func register[T collector](r *Registry, name string, mk func(full string) T) T {
	full := r.prefix + name
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.metrics[full]; ok {
		m, ok := old.(T)
		if !ok {
			panic(fmt.Sprintf("metrics: %s registered as %s", full, old.kind()))
		}
		return m
	}
	m := mk(full)
	r.metrics[full] = m
	return m
}

func (r *Registry) RegisterCounter(name, help string, labels Labels) *Counter {
	return register(r, name, func(full string) *Counter { return NewCounter(full, help, labels) })
}

func (r *Registry) RegisterGauge(name, help string, labels Labels) *Gauge {
	return register(r, name, func(full string) *Gauge { return NewGauge(full, help, labels) })
}

func (r *Registry) RegisterHistogram(name, help string, labels Labels, bounds []float64) *Histogram {
	return register(r, name, func(full string) *Histogram { return NewHistogram(full, help, labels, bounds) })
}

// GetCounter looks a counter up by its unprefixed name.
func (r *Registry) GetCounter(name string) *Counter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, _ := r.metrics[r.prefix+name].(*Counter)
	return c
}

func (r *Registry) sorted() []collector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]collector, 0, len(r.metrics))
	for _, m := range r.metrics {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// WritePrometheus writes every metric in the text exposition format.
func (r *Registry) WritePrometheus(w io.Writer) error {
	var b strings.Builder
	for _, m := range r.sorted() {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s %s\n", m.Name(), m.Help(), m.Name(), m.kind())
		m.samples(&b)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// Snapshot maps metric names to current values. Histograms contribute
// their sum, count and mean.
func (r *Registry) Snapshot() map[string]any {
	out := make(map[string]any)
	for _, m := range r.sorted() {
		m.snapshot(out)
	}
	return out
}

func (r *Registry) Reset() {
	for _, m := range r.sorted() {
		m.reset()
	}
}

// HTTPHandler serves the text format, or the snapshot as JSON when the
// client asks for application/json.
func (r *Registry) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if strings.Contains(req.Header.Get("Accept"), "application/json") {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(r.Snapshot())
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_ = r.WritePrometheus(w)
	})
}
