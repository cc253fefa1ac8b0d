package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for listings and trades.
type Metrics struct {
	CreditsListed     prometheus.Counter
	CreditsTraded     prometheus.Counter
	TradeValue        prometheus.Counter
	Refunds           prometheus.Counter
	SettlementFailed  prometheus.Counter
	Reversals         *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CreditsListed: factory.NewCounter(prometheus.CounterOpts{
			Name: "carbon_credits_listed_total",
			Help: "Total number of successful list calls, including re-listings",
		}),
		CreditsTraded: factory.NewCounter(prometheus.CounterOpts{
			Name: "carbon_credits_traded_total",
			Help: "Total number of completed purchases",
		}),
		TradeValue: factory.NewCounter(prometheus.CounterOpts{
			Name: "carbon_trade_value_total",
			Help: "Sum of sale prices paid to sellers",
		}),
		Refunds: factory.NewCounter(prometheus.CounterOpts{
			Name: "carbon_trade_refunds_total",
			Help: "Sum of overpayment refunded to buyers",
		}),
		SettlementFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "carbon_settlement_failures_total",
			Help: "Purchases aborted because value transfer failed",
		}),
		Reversals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carbon_settlement_reversals_total",
			Help: "Settlements paid back because the ledger transaction did not commit, by outcome",
		}, []string{"outcome"}),
		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "carbon_market_operation_duration_seconds",
			Help:    "Duration of marketplace operations",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}, []string{"operation"}),
	}
}

func (m *Metrics) IncrementListed() {
	m.CreditsListed.Inc()
}

// IncrementTraded records a sale at price with refund returned to the buyer.
func (m *Metrics) IncrementTraded(price, refund int64) {
	m.CreditsTraded.Inc()
	m.TradeValue.Add(float64(price))
	if refund > 0 {
		m.Refunds.Add(float64(refund))
	}
}

func (m *Metrics) IncrementSettlementFailed() {
	m.SettlementFailed.Inc()
}

// IncrementReversal counts one reversal batch; ok is false when it could not
// be applied and the books need manual repair.
func (m *Metrics) IncrementReversal(ok bool) {
	outcome := "applied"
	if !ok {
		outcome = "failed"
	}
	m.Reversals.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveOperation(op string, start time.Time) {
	m.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
