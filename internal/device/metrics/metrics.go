package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the device registry.
type Metrics struct {
	DevicesRegistered prometheus.Counter
	StatusChanges     *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
}

// New registers the device metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		DevicesRegistered: factory.NewCounter(prometheus.CounterOpts{
			Name: "carbon_devices_registered_total",
			Help: "Total number of devices registered",
		}),
		StatusChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carbon_device_status_changes_total",
			Help: "Device active-flag changes by resulting state",
		}, []string{"active"}),
		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "carbon_device_operation_duration_seconds",
			Help:    "Duration of device registry operations",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}, []string{"operation"}),
	}
}

func (m *Metrics) IncrementRegistered() {
	m.DevicesRegistered.Inc()
}

func (m *Metrics) IncrementStatusChange(active bool) {
	label := "false"
	if active {
		label = "true"
	}
	m.StatusChanges.WithLabelValues(label).Inc()
}

// ObserveOperation records the duration of op. Call with time.Now() at the start.
func (m *Metrics) ObserveOperation(op string, start time.Time) {
	m.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
