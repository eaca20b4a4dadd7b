// Package metrics provides Prometheus-compatible metrics for examguard.
//
// Metrics are registered once by name and label set. Families sharing a
// name are written together with a single HELP/TYPE header, in sorted
// order, so scrapes are stable.
package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MetricType represents the type of metric.
type MetricType int

const (
	// TypeCounter is a monotonically increasing counter.
	TypeCounter MetricType = iota
	// TypeGauge is a value that can go up and down.
	TypeGauge
	// TypeHistogram is a distribution of values.
	TypeHistogram
)

// String returns the string representation of the metric type.
func (t MetricType) String() string {
	switch t {
	case TypeCounter:
		return "counter"
	case TypeGauge:
		return "gauge"
	case TypeHistogram:
		return "histogram"
	default:
		return "unknown"
	}
}

// Labels represents metric labels.
type Labels map[string]string

// String returns the Prometheus rendering of the labels, sorted by key.
func (l Labels) String() string {
	if len(l) == 0 {
		return ""
	}

	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(l))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf(`%s="%s"`, k, escapeLabel(l[k])))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func escapeLabel(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return strings.ReplaceAll(v, "\n", `\n`)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	labels Labels
	value  atomic.Uint64
}

// NewCounter creates a new Counter.
func NewCounter(name, help string, labels Labels) *Counter {
	return &Counter{name: name, help: help, labels: labels}
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.value.Add(1) }

// Add adds the given value to the counter.
func (c *Counter) Add(v uint64) { c.value.Add(v) }

// Value returns the current value.
func (c *Counter) Value() uint64 { return c.value.Load() }

// Name returns the metric name.
func (c *Counter) Name() string { return c.name }

// Gauge is a value that can go up and down.
type Gauge struct {
	name   string
	help   string
	labels Labels
	value  atomic.Int64
}

// NewGauge creates a new Gauge.
func NewGauge(name, help string, labels Labels) *Gauge {
	return &Gauge{name: name, help: help, labels: labels}
}

// Set sets the gauge to the given value.
func (g *Gauge) Set(v int64) { g.value.Store(v) }

// Inc increments the gauge by 1.
func (g *Gauge) Inc() { g.value.Add(1) }

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() { g.value.Add(-1) }

// Value returns the current value.
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram tracks the distribution of values. counts holds per-bucket
// (not cumulative) observations; the last slot is +Inf.
type Histogram struct {
	name    string
	help    string
	labels  Labels
	buckets []float64

	mu     sync.Mutex
	counts []uint64
	sum    float64
	count  uint64
}

// DurationBuckets are buckets for duration histograms (in seconds).
var DurationBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// SizeBuckets are buckets for snapshot sizes (in bytes).
var SizeBuckets = []float64{
	1 << 10, 8 << 10, 32 << 10, 128 << 10, 512 << 10, 1 << 20, 5 << 20,
}

// NewHistogram creates a new Histogram.
func NewHistogram(name, help string, labels Labels, buckets []float64) *Histogram {
	if buckets == nil {
		buckets = DurationBuckets
	}
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)

	return &Histogram{
		name:    name,
		help:    help,
		labels:  labels,
		buckets: sorted,
		counts:  make([]uint64, len(sorted)+1),
	}
}

// Observe records a value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += v
	h.count++
	// First bucket whose upper bound is >= v.
	h.counts[sort.SearchFloat64s(h.buckets, v)]++
}

// ObserveDuration records a duration in seconds.
func (h *Histogram) ObserveDuration(d time.Duration) {
	h.Observe(d.Seconds())
}

// Sum returns the sum of observed values.
func (h *Histogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

// Count returns the count of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Cumulative returns the cumulative bucket counts, +Inf last.
func (h *Histogram) Cumulative() []uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]uint64, len(h.counts))
	var acc uint64
	for i, c := range h.counts {
		acc += c
		out[i] = acc
	}
	return out
}

// Registry holds all registered metrics.
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram

	namespace string
}

// NewRegistry creates a new Registry. Every metric name is prefixed with
// namespace.
func NewRegistry(namespace string) *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
		namespace:  namespace,
	}
}

func (r *Registry) fullName(name string) string {
	if r.namespace == "" {
		return name
	}
	return r.namespace + "_" + name
}

func key(name string, labels Labels) string {
	return name + labels.String()
}

// Counter returns the counter for name and labels, registering it on first use.
func (r *Registry) Counter(name, help string, labels Labels) *Counter {
	full := r.fullName(name)
	k := key(full, labels)

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[k]; ok {
		return c
	}
	c := NewCounter(full, help, labels)
	r.counters[k] = c
	return c
}

// Gauge returns the gauge for name and labels, registering it on first use.
func (r *Registry) Gauge(name, help string, labels Labels) *Gauge {
	full := r.fullName(name)
	k := key(full, labels)

	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[k]; ok {
		return g
	}
	g := NewGauge(full, help, labels)
	r.gauges[k] = g
	return g
}

// Histogram returns the histogram for name and labels, registering it on
// first use. buckets are only used at registration.
func (r *Registry) Histogram(name, help string, labels Labels, buckets []float64) *Histogram {
	full := r.fullName(name)
	k := key(full, labels)

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[k]; ok {
		return h
	}
	h := NewHistogram(full, help, labels, buckets)
	r.histograms[k] = h
	return h
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WritePrometheus writes metrics in Prometheus text format.
func (r *Registry) WritePrometheus(w io.Writer) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	header := func(seen map[string]bool, name, help, typ string) {
		if seen[name] {
			return
		}
		seen[name] = true
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s %s\n", name, typ)
	}
	seen := make(map[string]bool)

	for _, k := range sortedKeys(r.counters) {
		c := r.counters[k]
		header(seen, c.name, c.help, "counter")
		fmt.Fprintf(w, "%s%s %d\n", c.name, c.labels.String(), c.Value())
	}

	for _, k := range sortedKeys(r.gauges) {
		g := r.gauges[k]
		header(seen, g.name, g.help, "gauge")
		fmt.Fprintf(w, "%s%s %d\n", g.name, g.labels.String(), g.Value())
	}

	for _, k := range sortedKeys(r.histograms) {
		h := r.histograms[k]
		header(seen, h.name, h.help, "histogram")

		labelStr := h.labels.String()
		prefix := "{"
		if labelStr != "" {
			prefix = labelStr[:len(labelStr)-1] + ","
		}
		cum := h.Cumulative()
		for i, bucket := range h.buckets {
			fmt.Fprintf(w, "%s_bucket%sle=\"%g\"} %d\n", h.name, prefix, bucket, cum[i])
		}
		fmt.Fprintf(w, "%s_bucket%sle=\"+Inf\"} %d\n", h.name, prefix, cum[len(cum)-1])
		fmt.Fprintf(w, "%s_sum%s %g\n", h.name, labelStr, h.Sum())
		fmt.Fprintf(w, "%s_count%s %d\n", h.name, labelStr, h.Count())
	}

	return nil
}

// Snapshot returns a flat view of all metrics keyed by name and labels.
func (r *Registry) Snapshot() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make(map[string]any)
	for k, c := range r.counters {
		snapshot[k] = c.Value()
	}
	for k, g := range r.gauges {
		snapshot[k] = g.Value()
	}
	for _, h := range r.histograms {
		snapshot[h.name+"_sum"+h.labels.String()] = h.Sum()
		snapshot[h.name+"_count"+h.labels.String()] = h.Count()
	}
	return snapshot
}

// HTTPHandler returns an HTTP handler for metrics. Clients asking for JSON
// get the snapshot.
func (r *Registry) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if strings.Contains(req.Header.Get("Accept"), "application/json") {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(r.Snapshot())
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.WritePrometheus(w)
	})
}
