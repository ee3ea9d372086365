// Package metrics exposes streamer statistics and request outcomes to
// Prometheus.
//
// All metrics are optional. If the registry is not initialized, callers get
// no-op implementations.
//
// Usage:
//
//	metrics.InitRegistry()
//	metrics.GetRegistry().MustRegister(metrics.NewStreamerCollector(sched))
//	requests := prommetrics.NewRequestMetrics()
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// registry is written once by InitRegistry and read many times.
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry initializes the global Prometheus registry.
//
// It must be called before creating any metrics instances. Subsequent calls
// are ignored.
func InitRegistry() {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
	})
}

// GetRegistry returns the global Prometheus registry.
//
// Returns nil if InitRegistry has not been called.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}
