package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Rejected     *prometheus.CounterVec
	FallbackUsed prometheus.Counter
	CircuitOpen  prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carbon_ratelimit_rejected_total",
			Help: "Requests rejected by the per-caller rate limiter",
		}, []string{"class"}),
		FallbackUsed: factory.NewCounter(prometheus.CounterOpts{
			Name: "carbon_ratelimit_fallback_checks_total",
			Help: "Rate limit checks answered by the in-memory fallback",
		}),
		CircuitOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "carbon_ratelimit_circuit_open",
			Help: "1 while the shared rate limit store is bypassed",
		}),
	}
}

func (m *Metrics) IncrementRejected(class string) {
	m.Rejected.WithLabelValues(class).Inc()
}

func (m *Metrics) IncrementFallback() {
	m.FallbackUsed.Inc()
}

func (m *Metrics) SetCircuitOpen(open bool) {
	if open {
		m.CircuitOpen.Set(1)
		return
	}
	m.CircuitOpen.Set(0)
}
