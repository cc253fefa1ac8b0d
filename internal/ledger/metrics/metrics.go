package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the credit ledger.
type Metrics struct {
	CreditsMinted     prometheus.Counter
	CreditsVerified   prometheus.Counter
	CO2Minted         prometheus.Counter
	OperationDuration *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CreditsMinted: factory.NewCounter(prometheus.CounterOpts{
			Name: "carbon_credits_minted_total",
			Help: "Total number of credits minted",
		}),
		CreditsVerified: factory.NewCounter(prometheus.CounterOpts{
			Name: "carbon_credits_verified_total",
			Help: "Total number of credits verified by an oracle",
		}),
		CO2Minted: factory.NewCounter(prometheus.CounterOpts{
			Name: "carbon_co2_minted_kg_total",
			Help: "Kilograms of CO2 reduction represented by minted credits",
		}),
		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "carbon_ledger_operation_duration_seconds",
			Help:    "Duration of credit ledger operations",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}, []string{"operation"}),
	}
}

// IncrementMinted records one credit worth co2Kg kilograms.
func (m *Metrics) IncrementMinted(co2Kg int64) {
	m.CreditsMinted.Inc()
	m.CO2Minted.Add(float64(co2Kg))
}

func (m *Metrics) IncrementVerified() {
	m.CreditsVerified.Inc()
}

func (m *Metrics) ObserveOperation(op string, start time.Time) {
	m.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
