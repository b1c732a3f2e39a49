package perf

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector exposes computation counters to Prometheus. A nil Collector drops every observation.
type Collector struct {
	registry *prometheus.Registry

	SpfRuns         *prometheus.CounterVec
	SpfDuration     *prometheus.HistogramVec
	NodesSettled    *prometheus.HistogramVec
	Routes          *prometheus.CounterVec
	FloodDeliveries prometheus.Counter
	FloodSuppressed prometheus.Counter
	Failures        *prometheus.CounterVec
}

func NewCollector() *Collector {
	return NewCollectorWith(prometheus.NewRegistry())
}

func NewCollectorWith(reg *prometheus.Registry) *Collector {
	c := &Collector{registry: reg}
	c.SpfRuns = promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "spfsim_spf_runs_total",
			Help: "Shortest path computations by level and kind",
		},
		[]string{"level", "kind"},
	)
	c.SpfDuration = promauto.With(reg).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spfsim_spf_duration_seconds",
			Help:    "Duration of shortest path computations",
			Buckets: []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 1},
		},
		[]string{"kind"},
	)
	c.NodesSettled = promauto.With(reg).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spfsim_spf_nodes_settled",
			Help:    "Nodes settled per computation",
			Buckets: []float64{1, 10, 100, 1000, 10000},
		},
		[]string{"level"},
	)
	c.Routes = promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "spfsim_routes_total",
			Help: "Routes processed by synthesis, by resulting install state",
		},
		[]string{"state"},
	)
	c.FloodDeliveries = promauto.With(reg).NewCounter(
		prometheus.CounterOpts{
			Name: "spfsim_flood_deliveries_total",
			Help: "Change descriptors delivered to a node",
		},
	)
	c.FloodSuppressed = promauto.With(reg).NewCounter(
		prometheus.CounterOpts{
			Name: "spfsim_flood_suppressed_total",
			Help: "Deliveries dropped because the node already held the change",
		},
	)
	c.Failures = promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "spfsim_failures_total",
			Help: "Per route collaborator failures",
		},
		[]string{"source"},
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) ObserveRun(level, kind string, settled int, d time.Duration) {
	if c == nil {
		return
	}
	c.SpfRuns.WithLabelValues(level, kind).Inc()
	c.SpfDuration.WithLabelValues(kind).Observe(d.Seconds())
	c.NodesSettled.WithLabelValues(level).Observe(float64(settled))
}

func (c *Collector) ObserveRoute(state string) {
	if c == nil {
		return
	}
	c.Routes.WithLabelValues(state).Inc()
}

func (c *Collector) ObserveFlood(delivered, suppressed int) {
	if c == nil {
		return
	}
	c.FloodDeliveries.Add(float64(delivered))
	c.FloodSuppressed.Add(float64(suppressed))
}

func (c *Collector) ObserveFailure(source string) {
	if c == nil {
		return
	}
	c.Failures.WithLabelValues(source).Inc()
}
