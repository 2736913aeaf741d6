package objstore

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// clientMetrics holds the Prometheus collectors of one Client.
type clientMetrics struct {
	operations *prometheus.CounterVec   // by operation, result
	latency    *prometheus.HistogramVec // by operation
	retries    *prometheus.CounterVec   // by operation
	inFlight   prometheus.GaugeFunc
}

func newClientMetrics(reg prometheus.Registerer, backend string, limiter *ConcurrencyLimiter) (*clientMetrics, error) {
	if reg == nil {
		return nil, nil // Metrics disabled
	}

	labels := prometheus.Labels{"backend": backend}
	m := &clientMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "objstore",
			Name:        "operations_total",
			Help:        "Total number of remote storage operations by result",
			ConstLabels: labels,
		}, []string{"operation", "result"}),

		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "objstore",
			Name:        "operation_duration_seconds",
			Help:        "Remote storage operation duration in seconds",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"operation"}),

		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "objstore",
			Name:        "retries_total",
			Help:        "Total number of retried backend calls",
			ConstLabels: labels,
		}, []string{"operation"}),

		inFlight: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "objstore",
			Name:        "inflight_requests",
			Help:        "Backend calls currently holding a concurrency permit",
			ConstLabels: labels,
		}, func() float64 { return float64(limiter.InFlight()) }),
	}

	for _, c := range []prometheus.Collector{m.operations, m.latency, m.retries, m.inFlight} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "registering remote storage metrics")
		}
	}
	return m, nil
}

func (m *clientMetrics) observe(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, resultLabel(err)).Inc()
	m.latency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *clientMetrics) retried(op string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(op).Inc()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotModified):
		return "not_modified"
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrVersionNotFound):
		return "not_found"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	}
	return "error"
}
