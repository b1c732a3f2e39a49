package perf

import (
	"expvar"
	"net/http"

	"github.com/encodeous/metric"
)

var (
	SpfLatency        = metric.NewHistogram("1m1s")
	PrcLatency        = metric.NewHistogram("1m1s")
	SynthesisLatency  = metric.NewHistogram("1m1s")
	SpfRunsPerSecond  = metric.NewCounter("10s1s")
	FloodDeliveries   = metric.NewCounter("10s1s")
	RoutesTouched     = metric.NewCounter("10s1s")
	RoutesSwept       = metric.NewCounter("10s1s")
	InstallFailures   = metric.NewCounter("10s1s")
	TraceCacheLookups = metric.NewCounter("10s1s")
)

func init() {
	http.Handle("/debug/metrics", metric.Handler(metric.Exposed))
	expvar.Publish("spfsim:SpfLatency (µs)", SpfLatency)
	expvar.Publish("spfsim:PrcLatency (µs)", PrcLatency)
	expvar.Publish("spfsim:SynthesisLatency (µs)", SynthesisLatency)
	expvar.Publish("spfsim:SpfRuns/s", SpfRunsPerSecond)
	expvar.Publish("spfsim:FloodDeliveries/s", FloodDeliveries)
	expvar.Publish("spfsim:RoutesTouched/s", RoutesTouched)
	expvar.Publish("spfsim:RoutesSwept/s", RoutesSwept)
	expvar.Publish("spfsim:InstallFailures/s", InstallFailures)
	expvar.Publish("spfsim:TraceCacheLookups/s", TraceCacheLookups)
}
