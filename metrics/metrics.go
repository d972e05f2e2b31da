// Package metrics is a small process-local registry with a Prometheus
// text exposition handler. Deliberately dependency-free: the service
// exports a dozen counters and flag gauges, not histograms.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
)

type Counter struct {
	name string
	help string
	v    atomic.Int64
}

func (c *Counter) Inc()         { c.v.Add(1) }
func (c *Counter) Add(n int64)  { c.v.Add(n) }
func (c *Counter) Value() int64 { return c.v.Load() }

type Gauge struct {
	name string
	help string
	v    atomic.Int64
}

func (g *Gauge) Set(n int64)    { g.v.Store(n) }
func (g *Gauge) SetBool(b bool) {
	if b {
		g.v.Store(1)
	} else {
		g.v.Store(0)
	}
}
func (g *Gauge) Value() int64 { return g.v.Load() }

type Registry struct {
	mu       sync.Mutex
	counters map[string]*Counter
	gauges   map[string]*Gauge
}

func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]*Counter),
		gauges:   make(map[string]*Gauge),
	}
}

// Counter returns the named counter, registering it on first use.
func (r *Registry) Counter(name, help string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c := &Counter{name: name, help: help}
	r.counters[name] = c
	return c
}

func (r *Registry) Gauge(name, help string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[name]; ok {
		return g
	}
	g := &Gauge{name: name, help: help}
	r.gauges[name] = g
	return g
}

// Handler serves the registry in Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		r.mu.Lock()
		counters := make([]*Counter, 0, len(r.counters))
		for _, c := range r.counters {
			counters = append(counters, c)
		}
		gauges := make([]*Gauge, 0, len(r.gauges))
		for _, g := range r.gauges {
			gauges = append(gauges, g)
		}
		r.mu.Unlock()

		sort.Slice(counters, func(i, j int) bool { return counters[i].name < counters[j].name })
		sort.Slice(gauges, func(i, j int) bool { return gauges[i].name < gauges[j].name })

		for _, c := range counters {
			if c.help != "" {
				fmt.Fprintf(w, "# HELP %s %s\n", c.name, c.help)
			}
			fmt.Fprintf(w, "# TYPE %s counter\n%s %d\n", c.name, c.name, c.Value())
		}
		for _, g := range gauges {
			if g.help != "" {
				fmt.Fprintf(w, "# HELP %s %s\n", g.name, g.help)
			}
			fmt.Fprintf(w, "# TYPE %s gauge\n%s %d\n", g.name, g.name, g.Value())
		}
	})
}
