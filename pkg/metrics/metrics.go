// Metrics primitives for the rtcontrol host
//
// Provides counters and gauges with Prometheus text-format output for
// external scraping. Purely observational: nothing in this package may
// gate or alter scheduling decisions.
//
// Copyright (C) 2026  Realtime Control Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// MetricType represents the type of metric
type MetricType int

const (
	TypeCounter MetricType = iota
	TypeGauge
)

func (t MetricType) String() string {
	switch t {
	case TypeCounter:
		return "counter"
	case TypeGauge:
		return "gauge"
	default:
		return "unknown"
	}
}

// Metric is anything the registry can render.
type Metric interface {
	Name() string
	Help() string
	Type() MetricType
	Write(sb *strings.Builder)
}

// Counter is a monotonically increasing value, optionally broken out by
// a single label.
type Counter struct {
	name  string
	help  string
	label string

	mu     sync.Mutex
	series map[string]*atomic.Uint64
}

// NewCounter creates a counter. label may be empty for a single series.
func NewCounter(name, help, label string) *Counter {
	return &Counter{
		name:   name,
		help:   help,
		label:  label,
		series: make(map[string]*atomic.Uint64),
	}
}

func (c *Counter) Name() string     { return c.name }
func (c *Counter) Help() string     { return c.help }
func (c *Counter) Type() MetricType { return TypeCounter }

func (c *Counter) cell(labelValue string) *atomic.Uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	cell, ok := c.series[labelValue]
	if !ok {
		cell = &atomic.Uint64{}
		c.series[labelValue] = cell
	}
	return cell
}

// Inc increments the series by one.
func (c *Counter) Inc(labelValue string) {
	c.cell(labelValue).Add(1)
}

// Add increments the series by delta.
func (c *Counter) Add(labelValue string, delta uint64) {
	c.cell(labelValue).Add(delta)
}

// Set forces the series to a value. Used when mirroring an externally
// maintained monotonic count.
func (c *Counter) Set(labelValue string, value uint64) {
	c.cell(labelValue).Store(value)
}

// Get returns the series value.
func (c *Counter) Get(labelValue string) uint64 {
	return c.cell(labelValue).Load()
}

// Write renders the counter in Prometheus text format.
func (c *Counter) Write(sb *strings.Builder) {
	writeHeader(sb, c.name, c.help, "counter")
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range sortedKeys(c.series) {
		writeSample(sb, c.name, c.label, key, float64(c.series[key].Load()))
	}
}

// Gauge is a value that can go up and down, optionally broken out by a
// single label.
type Gauge struct {
	name  string
	help  string
	label string

	mu     sync.Mutex
	series map[string]float64
}

// NewGauge creates a gauge. label may be empty for a single series.
func NewGauge(name, help, label string) *Gauge {
	return &Gauge{
		name:   name,
		help:   help,
		label:  label,
		series: make(map[string]float64),
	}
}

func (g *Gauge) Name() string     { return g.name }
func (g *Gauge) Help() string     { return g.help }
func (g *Gauge) Type() MetricType { return TypeGauge }

// Set stores the series value.
func (g *Gauge) Set(labelValue string, value float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.series[labelValue] = value
}

// Get returns the series value.
func (g *Gauge) Get(labelValue string) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.series[labelValue]
}

// Write renders the gauge in Prometheus text format.
func (g *Gauge) Write(sb *strings.Builder) {
	writeHeader(sb, g.name, g.help, "gauge")
	g.mu.Lock()
	defer g.mu.Unlock()
	keys := make([]string, 0, len(g.series))
	for k := range g.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		writeSample(sb, g.name, g.label, key, g.series[key])
	}
}

// Registry holds metrics for rendering.
type Registry struct {
	mu      sync.Mutex
	metrics []Metric
	byName  map[string]Metric
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Metric)}
}

// Register adds a metric. Duplicate names are rejected.
func (r *Registry) Register(m Metric) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[m.Name()]; ok {
		return fmt.Errorf("metrics: duplicate metric %q", m.Name())
	}
	r.metrics = append(r.metrics, m)
	r.byName[m.Name()] = m
	return nil
}

// MustRegister registers and panics on duplicates. Wiring-time only.
func (r *Registry) MustRegister(ms ...Metric) {
	for _, m := range ms {
		if err := r.Register(m); err != nil {
			panic(err)
		}
	}
}

// Render produces the full Prometheus text exposition.
func (r *Registry) Render() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sb strings.Builder
	for _, m := range r.metrics {
		m.Write(&sb)
	}
	return sb.String()
}

func writeHeader(sb *strings.Builder, name, help, typ string) {
	sb.WriteString("# HELP ")
	sb.WriteString(name)
	sb.WriteString(" ")
	sb.WriteString(help)
	sb.WriteString("\n# TYPE ")
	sb.WriteString(name)
	sb.WriteString(" ")
	sb.WriteString(typ)
	sb.WriteString("\n")
}

func writeSample(sb *strings.Builder, name, label, labelValue string, value float64) {
	sb.WriteString(name)
	if label != "" && labelValue != "" {
		sb.WriteString("{")
		sb.WriteString(label)
		sb.WriteString(`="`)
		sb.WriteString(escapeLabel(labelValue))
		sb.WriteString(`"}`)
	}
	sb.WriteString(" ")
	sb.WriteString(strconv.FormatFloat(value, 'g', -1, 64))
	sb.WriteString("\n")
}

func escapeLabel(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return s
}

func sortedKeys(m map[string]*atomic.Uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
