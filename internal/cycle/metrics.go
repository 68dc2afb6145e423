package cycle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics is the cycle pipeline's prometheus surface — the teacher's
// go.mod carries client_golang but no package ever registers a
// collector with it; this is where that dependency earns its keep.
type metrics struct {
	cyclesTotal    *prometheus.CounterVec
	cycleDuration  prometheus.Histogram
	proposalsTotal *prometheus.CounterVec
	rejectedTotal  *prometheus.CounterVec
	executedTotal  *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		cyclesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spotcycle",
			Name:      "cycles_total",
			Help:      "Completed cycles by terminal status.",
		}, []string{"status"}),
		cycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "spotcycle",
			Name:      "cycle_duration_seconds",
			Help:      "Wall-clock duration of one cycle pipeline run.",
			Buckets:   prometheus.DefBuckets,
		}),
		proposalsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spotcycle",
			Name:      "proposals_total",
			Help:      "Trade proposals generated, by origin (exit/entry).",
		}, []string{"origin"}),
		rejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spotcycle",
			Name:      "rejected_total",
			Help:      "Proposals rejected, by rule.",
		}, []string{"rule"}),
		executedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spotcycle",
			Name:      "executed_total",
			Help:      "Proposals placed through the exchange port, by terminal state.",
		}, []string{"status"}),
	}
}
