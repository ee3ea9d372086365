package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/yamakiller/velcro-framework-sub001/pkg/metrics"
)

// requestMetrics is the Prometheus implementation of metrics.RequestMetrics.
type requestMetrics struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec
	bytesRead        prometheus.Counter
}

// NewRequestMetrics creates request metrics on the global registry.
//
// Returns a no-op implementation if metrics are not enabled (InitRegistry not
// called).
func NewRequestMetrics() metrics.RequestMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopRequestMetrics()
	}
	return NewRequestMetricsWith(metrics.GetRegistry())
}

// NewRequestMetricsWith creates request metrics registered on reg.
func NewRequestMetricsWith(reg prometheus.Registerer) metrics.RequestMetrics {
	return &requestMetrics{
		requestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "velcro_streamer_requests_total",
				Help: "Total number of finished requests by command and status",
			},
			[]string{"command", "status"},
		),
		requestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "velcro_streamer_request_duration_milliseconds",
				Help: "Time from submission to callback in milliseconds",
				Buckets: []float64{
					0.1,  // 100µs
					0.5,  // 500µs
					1,    // 1ms
					5,    // 5ms
					10,   // 10ms
					50,   // 50ms
					100,  // 100ms
					500,  // 500ms
					1000, // 1s
				},
			},
			[]string{"command"},
		),
		requestsInFlight: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "velcro_streamer_requests_in_flight",
				Help: "Current number of submitted requests without a callback",
			},
			[]string{"command"},
		),
		bytesRead: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "velcro_streamer_bytes_read_total",
				Help: "Total bytes delivered to callers",
			},
		),
	}
}

func (m *requestMetrics) RecordRequest(command, status string, duration time.Duration) {
	m.requestsTotal.WithLabelValues(command, status).Inc()
	m.requestDuration.WithLabelValues(command).Observe(float64(duration.Microseconds()) / 1000)
}

func (m *requestMetrics) RecordRequestStart(command string) {
	m.requestsInFlight.WithLabelValues(command).Inc()
}

func (m *requestMetrics) RecordRequestEnd(command string) {
	m.requestsInFlight.WithLabelValues(command).Dec()
}

func (m *requestMetrics) RecordBytesRead(n int64) {
	m.bytesRead.Add(float64(n))
}
