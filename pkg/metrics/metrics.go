package metrics

import (
    "fmt"
    "net/http"
    "sort"
    "strings"
    "sync"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promhttp"
    dto "github.com/prometheus/client_model/go"
)

// Package metrics is a thin façade over a process-wide Prometheus registry.
// Families are created lazily on first use; callers pass a family name plus a
// label map and never hold collector handles themselves.

type registry struct {
    mu        sync.Mutex
    reg       *prometheus.Registry
    counters  map[string]*prometheus.CounterVec
    gauges    map[string]*prometheus.GaugeVec
    summaries map[string]*prometheus.SummaryVec
}

var def = newRegistry()

func newRegistry() *registry {
    return &registry{
        reg:       prometheus.NewRegistry(),
        counters:  make(map[string]*prometheus.CounterVec),
        gauges:    make(map[string]*prometheus.GaugeVec),
        summaries: make(map[string]*prometheus.SummaryVec),
    }
}

func labelNames(labels map[string]string) []string {
    names := make([]string, 0, len(labels))
    for k := range labels {
        names = append(names, k)
    }
    sort.Strings(names)
    return names
}

// key folds the family name with its label schema so that a family is always
// registered with one consistent label set.
func key(name string, labels map[string]string) string {
    return name + "{" + strings.Join(labelNames(labels), ",") + "}"
}

// Inc increments a counter family by 1 for the given label values.
func Inc(name string, labels map[string]string) {
    def.mu.Lock()
    defer def.mu.Unlock()
    k := key(name, labels)
    c, ok := def.counters[k]
    if !ok {
        c = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, labelNames(labels))
        if err := def.reg.Register(c); err != nil {
            return
        }
        def.counters[k] = c
    }
    c.With(labels).Inc()
}

// SetGauge sets a gauge family to v for the given label values.
func SetGauge(name string, labels map[string]string, v float64) {
    def.mu.Lock()
    defer def.mu.Unlock()
    k := key(name, labels)
    g, ok := def.gauges[k]
    if !ok {
        g = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name}, labelNames(labels))
        if err := def.reg.Register(g); err != nil {
            return
        }
        def.gauges[k] = g
    }
    g.With(labels).Set(v)
}

// AddGauge adds v (may be negative) to a gauge family.
func AddGauge(name string, labels map[string]string, v float64) {
    def.mu.Lock()
    defer def.mu.Unlock()
    k := key(name, labels)
    g, ok := def.gauges[k]
    if !ok {
        g = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name}, labelNames(labels))
        if err := def.reg.Register(g); err != nil {
            return
        }
        def.gauges[k] = g
    }
    g.With(labels).Add(v)
}

// ObserveSummary records an observation in a summary family.
func ObserveSummary(name string, labels map[string]string, v float64) {
    def.mu.Lock()
    defer def.mu.Unlock()
    k := key(name, labels)
    s, ok := def.summaries[k]
    if !ok {
        s = prometheus.NewSummaryVec(prometheus.SummaryOpts{
            Name:       name,
            Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
        }, labelNames(labels))
        if err := def.reg.Register(s); err != nil {
            return
        }
        def.summaries[k] = s
    }
    s.With(labels).Observe(v)
}

// Reset drops every registered family. Test helper.
func Reset() {
    def.mu.Lock()
    defer def.mu.Unlock()
    fresh := newRegistry()
    def.reg = fresh.reg
    def.counters = fresh.counters
    def.gauges = fresh.gauges
    def.summaries = fresh.summaries
}

// Handler serves the registry in Prometheus exposition format.
func Handler() http.Handler {
    return promhttp.HandlerFor(def.reg, promhttp.HandlerOpts{})
}

// DumpProm renders the current registry state as exposition-style lines.
// Intended for tests and the debug endpoint, not for scraping.
func DumpProm() string {
    def.mu.Lock()
    reg := def.reg
    def.mu.Unlock()

    mfs, err := reg.Gather()
    if err != nil {
        return ""
    }
    var b strings.Builder
    for _, mf := range mfs {
        for _, m := range mf.GetMetric() {
            b.WriteString(mf.GetName())
            writeLabels(&b, m)
            switch mf.GetType() {
            case dto.MetricType_COUNTER:
                fmt.Fprintf(&b, " %v\n", m.GetCounter().GetValue())
            case dto.MetricType_GAUGE:
                fmt.Fprintf(&b, " %v\n", m.GetGauge().GetValue())
            case dto.MetricType_SUMMARY:
                fmt.Fprintf(&b, "_count %v\n", m.GetSummary().GetSampleCount())
            default:
                b.WriteString("\n")
            }
        }
    }
    return b.String()
}

func writeLabels(b *strings.Builder, m *dto.Metric) {
    if len(m.GetLabel()) == 0 {
        return
    }
    b.WriteString("{")
    for i, lp := range m.GetLabel() {
        if i > 0 {
            b.WriteString(",")
        }
        fmt.Fprintf(b, "%s=%q", lp.GetName(), lp.GetValue())
    }
    b.WriteString("}")
}
