package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Inflight       prometheus.Gauge
	MapTransitions *prometheus.CounterVec
	Analyses       *prometheus.CounterVec
	Feedback       *prometheus.CounterVec
	Sessions       prometheus.Gauge
}

// NewMetrics creates the service collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "triage_inflight_requests",
			Help: "Network operations currently holding the busy indicator.",
		}),
		MapTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "triage_map_transitions_total",
			Help: "Map renderer state transitions.",
		}, []string{"from", "to"}),
		Analyses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "triage_analyses_total",
			Help: "Completed analysis calls by outcome.",
		}, []string{"outcome"}),
		Feedback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "triage_feedback_total",
			Help: "Feedback submissions by helpfulness.",
		}, []string{"helpful"}),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "triage_sessions",
			Help: "Open symptom-intake sessions.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Inflight, m.MapTransitions, m.Analyses, m.Feedback, m.Sessions)
	}
	return m
}
