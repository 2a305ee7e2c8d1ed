package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments the scan loop. A nil Registerer yields unregistered
// collectors, which is what tests use.
type Metrics struct {
	Sessions      *prometheus.CounterVec
	TicksFired    prometheus.Counter
	TicksSkipped  prometheus.Counter
	Outcomes      *prometheus.CounterVec
	TickFailures  *prometheus.CounterVec
	VerifyLatency prometheus.Histogram
	InFlight      prometheus.Gauge
}

// NewMetrics registers the controller collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Sessions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kiosk",
			Subsystem: "scanner",
			Name:      "sessions_total",
			Help:      "Scan session start attempts by result.",
		}, []string{"result"}),
		TicksFired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kiosk",
			Subsystem: "scanner",
			Name:      "ticks_fired_total",
			Help:      "Ticks that submitted a verification request.",
		}),
		TicksSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kiosk",
			Subsystem: "scanner",
			Name:      "ticks_skipped_total",
			Help:      "Ticks dropped because a request was still in flight.",
		}),
		Outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kiosk",
			Subsystem: "scanner",
			Name:      "outcomes_total",
			Help:      "Verification outcomes by classification.",
		}, []string{"classification"}),
		TickFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kiosk",
			Subsystem: "scanner",
			Name:      "tick_failures_total",
			Help:      "Absorbed tick failures by error class.",
		}, []string{"class"}),
		VerifyLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kiosk",
			Subsystem: "scanner",
			Name:      "verify_latency_seconds",
			Help:      "Matcher round trip latency.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8},
		}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "kiosk",
			Subsystem: "scanner",
			Name:      "requests_in_flight",
			Help:      "Outstanding verification requests (0 or 1).",
		}),
	}
}
