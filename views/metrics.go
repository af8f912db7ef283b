package views

import "github.com/prometheus/client_golang/prometheus"

var BuildCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "viewdb",
	Subsystem: "views",
	Name:      "builds",
}, []string{"view", "mode", "reason"})

var BuildResults = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "viewdb",
	Subsystem: "views",
	Name:      "build_results",
}, []string{"view", "result", "type"})

var BuildDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "viewdb",
	Subsystem: "views",
	Name:      "build_duration",
	Buckets:   []float64{0, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
}, []string{"view", "mode"})

var BuildProgress = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "viewdb",
	Subsystem: "views",
	Name:      "build_processed_records",
}, []string{"view"})

var ViewStates = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "viewdb",
	Subsystem: "views",
	Name:      "state",
}, []string{"view"})

var CacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "viewdb",
	Subsystem: "views",
	Name:      "group_cache",
}, []string{"view", "result"})

// Collectors lists the package metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		BuildCount,
		BuildResults,
		BuildDuration,
		BuildProgress,
		ViewStates,
		CacheHits,
	}
}
