package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the oracle authority set.
type Metrics struct {
	OraclesAuthorized prometheus.Counter
	Rejections        prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		OraclesAuthorized: factory.NewCounter(prometheus.CounterOpts{
			Name: "carbon_oracles_authorized_total",
			Help: "Total number of authorize calls that granted or confirmed oracle authority",
		}),
		Rejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "carbon_oracle_authorize_rejected_total",
			Help: "Authorize calls rejected because the caller is not an oracle",
		}),
	}
}

func (m *Metrics) IncrementAuthorized() {
	m.OraclesAuthorized.Inc()
}

func (m *Metrics) IncrementRejected() {
	m.Rejections.Inc()
}
