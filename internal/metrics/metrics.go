// Package metrics provides Prometheus-compatible metrics for basin.
//
// Counters, gauges, and histograms register against a Registry which
// renders the Prometheus text format or JSON. The watch daemon exposes
// the registry over HTTP; short-lived commands read snapshots.
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

// MetricType distinguishes the three metric kinds the registry renders.
type MetricType int

const (
	// TypeCounter only ever goes up.
	TypeCounter MetricType = iota
	// TypeGauge moves in both directions.
	TypeGauge
	// TypeHistogram buckets a distribution of observations.
	TypeHistogram
)

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

// Labels attach dimension key/value pairs to a metric.
type Labels map[string]string

// String renders labels as {k1="v1",k2="v2"}, keys sorted.
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
		parts = append(parts, fmt.Sprintf(`%s="%s"`, k, l[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// withLabel renders labels extended by one extra pair, for histogram
// bucket lines.
func (l Labels) withLabel(key, value string) string {
	extended := make(Labels, len(l)+1)
	for k, v := range l {
		extended[k] = v
	}
	extended[key] = value
	return extended.String()
}

// Counter is an atomically incremented monotonic count.
type Counter struct {
	name   string
	help   string
	labels Labels
	value  atomic.Uint64
}

// NewCounter creates an unregistered counter.
func NewCounter(name, help string, labels Labels) *Counter {
	return &Counter{name: name, help: help, labels: labels}
}

// Inc adds one.
func (c *Counter) Inc() { c.value.Add(1) }

// Add adds v.
func (c *Counter) Add(v uint64) { c.value.Add(v) }

// Value reads the current count.
func (c *Counter) Value() uint64 { return c.value.Load() }

// Name returns the full metric name.
func (c *Counter) Name() string { return c.name }

// Type reports TypeCounter.
func (c *Counter) Type() MetricType { return TypeCounter }

// Gauge is an atomically updated instantaneous value.
type Gauge struct {
	name   string
	help   string
	labels Labels
	value  atomic.Int64
}

// NewGauge creates an unregistered gauge.
func NewGauge(name, help string, labels Labels) *Gauge {
	return &Gauge{name: name, help: help, labels: labels}
}

// Set replaces the value.
func (g *Gauge) Set(v int64) { g.value.Store(v) }

// Inc adds one.
func (g *Gauge) Inc() { g.value.Add(1) }

// Dec subtracts one.
func (g *Gauge) Dec() { g.value.Add(-1) }

// Add adds v, which may be negative.
func (g *Gauge) Add(v int64) { g.value.Add(v) }

// Value reads the current value.
func (g *Gauge) Value() int64 { return g.value.Load() }

// Name returns the full metric name.
func (g *Gauge) Name() string { return g.name }

// Type reports TypeGauge.
func (g *Gauge) Type() MetricType { return TypeGauge }

// Histogram buckets observations against a fixed sorted boundary set.
// counts[i] holds observations <= buckets[i]; the final slot is the
// +Inf overflow.
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

// DefaultBuckets suit sub-second latencies.
var DefaultBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// DurationBuckets extend the defaults for operations that can take
// minutes, in seconds.
var DurationBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// SizeBuckets cover blob payloads from 100 B to 100 MB.
var SizeBuckets = []float64{
	100, 1000, 10000, 100000, 1000000, 10000000, 100000000,
}

// NewHistogram creates a new Histogram. Nil buckets select the
// defaults.
func NewHistogram(name, help string, labels Labels, buckets []float64) *Histogram {
	if buckets == nil {
		buckets = DefaultBuckets
	}

	sorted := make([]float64, len(buckets))
	copy(sorted, buckets)
	sort.Float64s(sorted)

	return &Histogram{
		name:    name,
		help:    help,
		labels:  labels,
		buckets: sorted,
		counts:  make([]uint64, len(sorted)+1),
	}
}

// Observe files v into its bucket. SearchFloat64s finds the first
// boundary >= v, so boundary-equal values land in their own bucket and
// anything past the last boundary lands in the overflow slot.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += v
	h.count++

	idx := sort.SearchFloat64s(h.buckets, v)
	h.counts[idx]++
}

// ObserveDuration observes d in seconds.
func (h *Histogram) ObserveDuration(d time.Duration) {
	h.Observe(d.Seconds())
}

// Timer starts a timer whose Stop observes the elapsed time.
func (h *Histogram) Timer() *HistogramTimer {
	return &HistogramTimer{histogram: h, start: time.Now()}
}

// Name returns the full metric name.
func (h *Histogram) Name() string { return h.name }

// Type reports TypeHistogram.
func (h *Histogram) Type() MetricType { return TypeHistogram }

// Sum returns the running sum of observations.
func (h *Histogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

// Count returns the total number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Mean returns the mean observation, 0 when empty.
func (h *Histogram) Mean() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 {
		return 0
	}
	return h.sum / float64(h.count)
}

// HistogramTimer observes elapsed wall time on Stop.
type HistogramTimer struct {
	histogram *Histogram
	start     time.Time
}

// Stop records the elapsed duration and returns it.
func (t *HistogramTimer) Stop() time.Duration {
	d := time.Since(t.start)
	t.histogram.ObserveDuration(d)
	return d
}

// Registry holds registered metrics and renders them.
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram

	namespace string
	subsystem string
}

// NewRegistry creates a Registry. Metric names are prefixed with the
// namespace and subsystem when set.
func NewRegistry(namespace, subsystem string) *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
		namespace:  namespace,
		subsystem:  subsystem,
	}
}

func (r *Registry) fullName(name string) string {
	full := name
	if r.subsystem != "" {
		full = r.subsystem + "_" + full
	}
	if r.namespace != "" {
		full = r.namespace + "_" + full
	}
	return full
}

// RegisterCounter registers a counter under the prefixed name.
// Registering an existing name returns the original, so packages can
// re-register without coordination.
func (r *Registry) RegisterCounter(name, help string, labels Labels) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()

	full := r.fullName(name)
	if existing, ok := r.counters[full]; ok {
		return existing
	}

	c := NewCounter(full, help, labels)
	r.counters[full] = c
	return c
}

// RegisterGauge registers a gauge under the prefixed name, returning
// the original on re-registration.
func (r *Registry) RegisterGauge(name, help string, labels Labels) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()

	full := r.fullName(name)
	if existing, ok := r.gauges[full]; ok {
		return existing
	}

	g := NewGauge(full, help, labels)
	r.gauges[full] = g
	return g
}

// RegisterHistogram registers a histogram under the prefixed name,
// returning the original on re-registration.
func (r *Registry) RegisterHistogram(name, help string, labels Labels, buckets []float64) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()

	full := r.fullName(name)
	if existing, ok := r.histograms[full]; ok {
		return existing
	}

	h := NewHistogram(full, help, labels, buckets)
	r.histograms[full] = h
	return h
}

// GetCounter looks up a counter by its unprefixed name, nil if absent.
func (r *Registry) GetCounter(name string) *Counter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters[r.fullName(name)]
}

// GetGauge looks up a gauge by its unprefixed name, nil if absent.
func (r *Registry) GetGauge(name string) *Gauge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gauges[r.fullName(name)]
}

// GetHistogram looks up a histogram by its unprefixed name, nil if
// absent.
func (r *Registry) GetHistogram(name string) *Histogram {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.histograms[r.fullName(name)]
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WritePrometheus writes all metrics in the Prometheus text format,
// sorted by name so output is stable.
func (r *Registry) WritePrometheus(w io.Writer) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range sortedKeys(r.counters) {
		c := r.counters[name]
		fmt.Fprintf(w, "# HELP %s %s\n", c.name, c.help)
		fmt.Fprintf(w, "# TYPE %s counter\n", c.name)
		fmt.Fprintf(w, "%s%s %d\n", c.name, c.labels.String(), c.Value())
	}

	for _, name := range sortedKeys(r.gauges) {
		g := r.gauges[name]
		fmt.Fprintf(w, "# HELP %s %s\n", g.name, g.help)
		fmt.Fprintf(w, "# TYPE %s gauge\n", g.name)
		fmt.Fprintf(w, "%s%s %d\n", g.name, g.labels.String(), g.Value())
	}

	for _, name := range sortedKeys(r.histograms) {
		h := r.histograms[name]
		h.mu.Lock()
		fmt.Fprintf(w, "# HELP %s %s\n", h.name, h.help)
		fmt.Fprintf(w, "# TYPE %s histogram\n", h.name)

		cumulative := uint64(0)
		for i, bucket := range h.buckets {
			cumulative += h.counts[i]
			le := h.labels.withLabel("le", fmt.Sprintf("%g", bucket))
			fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, le, cumulative)
		}
		cumulative += h.counts[len(h.buckets)]
		fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, h.labels.withLabel("le", "+Inf"), cumulative)
		fmt.Fprintf(w, "%s_sum%s %g\n", h.name, h.labels.String(), h.sum)
		fmt.Fprintf(w, "%s_count%s %d\n", h.name, h.labels.String(), h.count)
		h.mu.Unlock()
	}

	return nil
}

// WriteJSON writes all metrics as an indented JSON document.
func (r *Registry) WriteJSON(w io.Writer) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	doc := make(map[string]any)

	for name, c := range r.counters {
		doc[name] = map[string]any{
			"type":  "counter",
			"help":  c.help,
			"value": c.Value(),
		}
	}

	for name, g := range r.gauges {
		doc[name] = map[string]any{
			"type":  "gauge",
			"help":  g.help,
			"value": g.Value(),
		}
	}

	for name, h := range r.histograms {
		h.mu.Lock()
		buckets := make(map[string]uint64, len(h.buckets)+1)
		cumulative := uint64(0)
		for i, bucket := range h.buckets {
			cumulative += h.counts[i]
			buckets[fmt.Sprintf("%g", bucket)] = cumulative
		}
		cumulative += h.counts[len(h.buckets)]
		buckets["+Inf"] = cumulative

		mean := 0.0
		if h.count > 0 {
			mean = h.sum / float64(h.count)
		}
		doc[name] = map[string]any{
			"type":    "histogram",
			"help":    h.help,
			"buckets": buckets,
			"sum":     h.sum,
			"count":   h.count,
			"mean":    mean,
		}
		h.mu.Unlock()
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

// Snapshot returns current values keyed by metric name.
func (r *Registry) Snapshot() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make(map[string]any)

	for name, c := range r.counters {
		snapshot[name] = c.Value()
	}
	for name, g := range r.gauges {
		snapshot[name] = g.Value()
	}
	for name, h := range r.histograms {
		snapshot[name+"_sum"] = h.Sum()
		snapshot[name+"_count"] = h.Count()
		snapshot[name+"_mean"] = h.Mean()
	}

	return snapshot
}

// Reset zeroes all metrics.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.counters {
		c.value.Store(0)
	}
	for _, g := range r.gauges {
		g.value.Store(0)
	}
	for _, h := range r.histograms {
		h.mu.Lock()
		h.sum = 0
		h.count = 0
		for i := range h.counts {
			h.counts[i] = 0
		}
		h.mu.Unlock()
	}
}

// HTTPHandler serves the registry, negotiating JSON against the
// Prometheus text format by Accept header.
func (r *Registry) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if strings.Contains(req.Header.Get("Accept"), "application/json") {
			w.Header().Set("Content-Type", "application/json")
			r.WriteJSON(w)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.WritePrometheus(w)
	})
}

var defaultRegistry = NewRegistry("basin", "")

// Default returns the process-wide registry every basin metric
// registers against.
func Default() *Registry {
	return defaultRegistry
}

// SetDefault swaps the process-wide registry, for tests that need an
// isolated one.
func SetDefault(r *Registry) {
	defaultRegistry = r
}
