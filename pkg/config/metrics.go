package config

import (
	"github.com/yamakiller/velcro-framework-sub001/pkg/metrics"
	promMetrics "github.com/yamakiller/velcro-framework-sub001/pkg/metrics/prometheus"
)

// MetricsResult contains all metrics-related components created from configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// Requests records per-request outcomes (never nil, uses noop if disabled)
	Requests metrics.RequestMetrics
}

// InitializeMetrics creates and initializes all metrics components based on configuration.
//
// If metrics are enabled in the configuration:
//   - Initializes the global Prometheus registry
//   - Registers a collector exporting the statistics of source
//   - Creates the metrics HTTP server
//
// If metrics are disabled it returns a nil server and no-op request metrics.
func InitializeMetrics(cfg *Config, source metrics.StatisticsSource) *MetricsResult {
	if !cfg.Metrics.Enabled {
		return &MetricsResult{
			Server:   nil,
			Requests: metrics.NewNoopRequestMetrics(),
		}
	}

	metrics.InitRegistry()

	if source != nil {
		metrics.GetRegistry().MustRegister(metrics.NewStreamerCollector(source))
	}

	server := metrics.NewServer(metrics.ServerConfig{
		Port: cfg.Metrics.Port,
	})

	return &MetricsResult{
		Server:   server,
		Requests: promMetrics.NewRequestMetrics(),
	}
}
