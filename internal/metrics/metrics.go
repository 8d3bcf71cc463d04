// Package metrics collects and exposes Prometheus metrics for exofork.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kahiteam/exofork/internal/events"
)

// Collector holds all exofork Prometheus metrics.
type Collector struct {
	registry *prometheus.Registry

	// Environment lifecycle.
	EnvsCreated   prometheus.Counter
	EnvsDestroyed *prometheus.CounterVec
	EnvsLive      prometheus.Gauge

	// Page faults.
	PageFaults      *prometheus.CounterVec
	PageFaultsFatal *prometheus.CounterVec

	ProgramsStarted *prometheus.CounterVec
	BuildInfo       *prometheus.GaugeVec
}

// New creates and registers all exofork metrics.
func New() *Collector {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c := &Collector{
		registry: reg,

		EnvsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "exofork_envs_created_total",
				Help: "Total number of environments allocated.",
			},
		),

		EnvsDestroyed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exofork_envs_destroyed_total",
				Help: "Total number of environments destroyed, by reason.",
			},
			[]string{"reason"},
		),

		EnvsLive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "exofork_envs_live",
				Help: "Number of environments currently allocated.",
			},
		),

		PageFaults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exofork_page_faults_total",
				Help: "Total number of user page faults, by access kind.",
			},
			[]string{"access"},
		),

		PageFaultsFatal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exofork_page_faults_fatal_total",
				Help: "Total number of page faults that destroyed their environment.",
			},
			[]string{"reason"},
		),

		ProgramsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exofork_programs_started_total",
				Help: "Total number of user programs booted, by kind.",
			},
			[]string{"kind"},
		),

		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "exofork_info",
				Help: "Build information about exofork.",
			},
			[]string{"version", "go_version"},
		),
	}

	reg.MustRegister(
		c.EnvsCreated,
		c.EnvsDestroyed,
		c.EnvsLive,
		c.PageFaults,
		c.PageFaultsFatal,
		c.ProgramsStarted,
		c.BuildInfo,
	)

	return c
}

// Handler returns an http.Handler that serves the metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Attach feeds the collector from kernel events published on bus.
func (c *Collector) Attach(bus *events.Bus) {
	bus.Subscribe(events.EnvCreated, func(events.Event) {
		c.EnvsCreated.Inc()
		c.EnvsLive.Inc()
	})
	bus.Subscribe(events.EnvDestroyed, func(e events.Event) {
		c.EnvsDestroyed.WithLabelValues(e.Data["reason"]).Inc()
		c.EnvsLive.Dec()
	})
	bus.Subscribe(events.PageFault, func(e events.Event) {
		c.PageFaults.WithLabelValues(e.Data["access"]).Inc()
	})
	bus.Subscribe(events.PageFaultFatal, func(e events.Event) {
		c.PageFaultsFatal.WithLabelValues(e.Data["reason"]).Inc()
	})
}

// WatchFrames exports the free frame count reported by free.
func (c *Collector) WatchFrames(free func() int) {
	c.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "exofork_frames_free",
			Help: "Number of unallocated physical frames.",
		},
		func() float64 { return float64(free()) },
	))
}

// SetBuildInfo sets the constant build info gauge.
func (c *Collector) SetBuildInfo(version, goVersion string) {
	c.BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// IncProgramStart increments the boot counter for a program kind.
func (c *Collector) IncProgramStart(kind string) {
	c.ProgramsStarted.WithLabelValues(kind).Inc()
}
