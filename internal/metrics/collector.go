// Package metrics counts messages, replies and pipeline runs and renders
// them in the Prometheus text exposition format.
package metrics

import (
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide collector the dispatcher reports to.
var Collector = NewMetricsCollector()

type kind string

const (
	kindCounter   kind = "counter"
	kindGauge     kind = "gauge"
	kindHistogram kind = "histogram"
)

// family is every series sharing one metric name.
type family struct {
	name   string
	help   string
	kind   kind
	series map[string]any // labels -> *Counter | *Gauge | *Histogram
}

// MetricsCollector owns metric families keyed by name.
type MetricsCollector struct {
	mu        sync.Mutex
	families  map[string]*family
	startTime time.Time
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{families: make(map[string]*family), startTime: time.Now()}
}

// Uptime returns how long the collector has been running.
func (c *MetricsCollector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Counter only goes up.
type Counter struct{ value atomic.Int64 }

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Add(n int64)  { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct{ value atomic.Int64 }

func (g *Gauge) Set(v int64)  { g.value.Store(v) }
func (g *Gauge) Inc()         { g.value.Add(1) }
func (g *Gauge) Dec()         { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram counts observations into cumulative buckets.
type Histogram struct {
	mu     sync.Mutex
	bounds []float64 // sorted upper bounds, +Inf implied
	counts []int64   // per bound, cumulative
	count  int64
	sum    float64
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, le := range h.bounds {
		if v <= le {
			h.counts[i]++
		}
	}
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// series returns the metric for name and labels, creating it with newFn on
// first use. Registering one name with two kinds is a programming error.
func (c *MetricsCollector) series(name, help string, k kind, labels string, newFn func() any) any {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.families[name]
	if !ok {
		f = &family{name: name, help: help, kind: k, series: make(map[string]any)}
		c.families[name] = f
	}
	if f.kind != k {
		panic(fmt.Sprintf("metrics: %s registered as %s, requested as %s", name, f.kind, k))
	}
	m, ok := f.series[labels]
	if !ok {
		m = newFn()
		f.series[labels] = m
	}
	return m
}

// Counter returns or creates the counter series name{labels}.
func (c *MetricsCollector) Counter(name, help, labels string) *Counter {
	return c.series(name, help, kindCounter, labels, func() any { return &Counter{} }).(*Counter)
}

// Gauge returns or creates the gauge series name{labels}.
func (c *MetricsCollector) Gauge(name, help, labels string) *Gauge {
	return c.series(name, help, kindGauge, labels, func() any { return &Gauge{} }).(*Gauge)
}

// Histogram returns or creates the histogram series name{labels}. Buckets
// only apply when the series is created.
func (c *MetricsCollector) Histogram(name, help, labels string, buckets []float64) *Histogram {
	return c.series(name, help, kindHistogram, labels, func() any {
		bounds := slices.Clone(buckets)
		slices.Sort(bounds)
		return &Histogram{bounds: bounds, counts: make([]int64, len(bounds))}
	}).(*Histogram)
}

// Handler renders every family, sorted by name and labels.
func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		var sb strings.Builder
		c.render(&sb)
		io.WriteString(w, sb.String())
	}
}

func (c *MetricsCollector) render(sb *strings.Builder) {
	writeHeader(sb, "vitalya_uptime_seconds", "Time since start in seconds", kindGauge)
	fmt.Fprintf(sb, "vitalya_uptime_seconds %d\n", int64(c.Uptime().Seconds()))

	c.mu.Lock()
	families := make([]*family, 0, len(c.families))
	for _, f := range c.families {
		families = append(families, f)
	}
	c.mu.Unlock()
	slices.SortFunc(families, func(a, b *family) int { return strings.Compare(a.name, b.name) })

	for _, f := range families {
		c.mu.Lock()
		labelSets := slices.Sorted(maps.Keys(f.series))
		metrics := make([]any, len(labelSets))
		for i, l := range labelSets {
			metrics[i] = f.series[l]
		}
		c.mu.Unlock()

		writeHeader(sb, f.name, f.help, f.kind)
		for i, labels := range labelSets {
			switch m := metrics[i].(type) {
			case *Counter:
				writeSample(sb, f.name, labels, strconv.FormatInt(m.Value(), 10))
			case *Gauge:
				writeSample(sb, f.name, labels, strconv.FormatInt(m.Value(), 10))
			case *Histogram:
				writeHistogram(sb, f.name, labels, m)
			}
		}
	}
}

func writeHeader(sb *strings.Builder, name, help string, k kind) {
	fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, k)
}

func writeSample(sb *strings.Builder, name, labels, value string) {
	if labels == "" {
		fmt.Fprintf(sb, "%s %s\n", name, value)
		return
	}
	fmt.Fprintf(sb, "%s{%s} %s\n", name, labels, value)
}

func writeHistogram(sb *strings.Builder, name, labels string, h *Histogram) {
	h.mu.Lock()
	defer h.mu.Unlock()

	prefix := ""
	if labels != "" {
		prefix = labels + ","
	}
	for i, le := range h.bounds {
		fmt.Fprintf(sb, "%s_bucket{%sle=\"%g\"} %d\n", name, prefix, le, h.counts[i])
	}
	fmt.Fprintf(sb, "%s_bucket{%sle=\"+Inf\"} %d\n", name, prefix, h.count)
	writeSample(sb, name+"_sum", labels, strconv.FormatFloat(h.sum, 'f', -1, 64))
	writeSample(sb, name+"_count", labels, strconv.FormatInt(h.count, 10))
}

var (
	MessagesTotal = Collector.Counter("vitalya_messages_total", "Total messages received", "")
	IgnoredTotal  = Collector.Counter("vitalya_messages_ignored_total", "Messages that produced no reply", "")
	InFlight      = Collector.Gauge("vitalya_messages_in_flight", "Messages currently being handled", "")

	PipelineLatency = Collector.Histogram("vitalya_pipeline_latency_seconds", "Image pipeline run latency in seconds", "",
		[]float64{0.1, 0.5, 1, 2, 5, 10, 30, 60})
)

// RepliesTotal counts replies sent for one command kind.
func RepliesTotal(kind string) *Counter {
	return Collector.Counter("vitalya_replies_total", "Replies sent by command", fmt.Sprintf("kind=%q", kind))
}

// PipelineAborts counts image pipeline runs aborted at stage.
func PipelineAborts(stage string) *Counter {
	return Collector.Counter("vitalya_pipeline_aborts_total", "Image pipeline runs aborted by stage", fmt.Sprintf("stage=%q", stage))
}
