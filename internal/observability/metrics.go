package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus metrics registry and standard meters.
type Metrics struct {
	Registry          *prometheus.Registry
	OperationDuration *prometheus.HistogramVec
	OperationTotal    *prometheus.CounterVec
	BytesProcessed    *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec
	TransfersInFlight prometheus.Gauge
}

// NewMetrics creates a custom Prometheus registry with the standard meters.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	opDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lfs_walrus_operation_duration_seconds",
		Help:    "Duration of operations in seconds.",
		Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 30, 60, 180, 600},
	}, []string{"operation", "status"})

	opTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lfs_walrus_operation_total",
		Help: "Total number of operations.",
	}, []string{"operation", "status"})

	bytesProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lfs_walrus_bytes_processed_total",
		Help: "Total bytes stored or fetched.",
	}, []string{"direction"})

	errorsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lfs_walrus_errors_total",
		Help: "Total number of errors by kind.",
	}, []string{"operation", "kind"})

	inFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lfs_walrus_transfers_in_flight",
		Help: "Transfer requests currently being processed by the agent.",
	})

	reg.MustRegister(opDuration, opTotal, bytesProcessed, errorsTotal, inFlight)

	return &Metrics{
		Registry:          reg,
		OperationDuration: opDuration,
		OperationTotal:    opTotal,
		BytesProcessed:    bytesProcessed,
		ErrorsTotal:       errorsTotal,
		TransfersInFlight: inFlight,
	}
}
