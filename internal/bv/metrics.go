package bv

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ManagerMetrics counts remote transfers. A nil *ManagerMetrics records nothing.
type ManagerMetrics struct {
	operations *prometheus.CounterVec
	bytes      *prometheus.CounterVec
	retries    *prometheus.CounterVec
	inflight   prometheus.Gauge
	duration   *prometheus.HistogramVec
}

// NewManagerMetrics creates the transfer metrics and registers them with reg.
// A nil reg leaves them unregistered.
func NewManagerMetrics(reg prometheus.Registerer) (*ManagerMetrics, error) {
	m := &ManagerMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bv",
			Subsystem: "remote",
			Name:      "operations_total",
			Help:      "Remote operations by kind and outcome.",
		}, []string{"op", "result"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bv",
			Subsystem: "remote",
			Name:      "bytes_total",
			Help:      "Bytes transferred to and from remote storage.",
		}, []string{"direction"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bv",
			Subsystem: "remote",
			Name:      "retries_total",
			Help:      "Retried remote operations.",
		}, []string{"op"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bv",
			Subsystem: "remote",
			Name:      "uploads_in_flight",
			Help:      "Uploads currently running.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bv",
			Subsystem: "remote",
			Name:      "operation_duration_seconds",
			Help:      "Duration of remote operations including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"op"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.operations, m.bytes, m.retries, m.inflight, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *ManagerMetrics) observe(op Op, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.operations.WithLabelValues(string(op), result).Inc()
	m.duration.WithLabelValues(string(op)).Observe(elapsed.Seconds())
}

func (m *ManagerMetrics) retried(op Op) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(string(op)).Inc()
}

func (m *ManagerMetrics) transferred(direction string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.bytes.WithLabelValues(direction).Add(float64(n))
}

func (m *ManagerMetrics) uploadStarted() {
	if m != nil {
		m.inflight.Inc()
	}
}

func (m *ManagerMetrics) uploadDone() {
	if m != nil {
		m.inflight.Dec()
	}
}
