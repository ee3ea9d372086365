package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/yamakiller/velcro-framework-sub001/pkg/streamer"
)

// StatisticsSource is anything that can report a statistics snapshot. The
// scheduler implements it.
type StatisticsSource interface {
	Statistics() []streamer.Statistic
}

// Sources merges the statistics of several sources, in order.
type Sources []StatisticsSource

func (s Sources) Statistics() []streamer.Statistic {
	var stats []streamer.Statistic
	for _, src := range s {
		stats = append(stats, src.Statistics()...)
	}
	return stats
}

// StreamerCollector exports every statistic of a source as a gauge
// labelled with its scope and name.
type StreamerCollector struct {
	source StatisticsSource
	stat   *prometheus.Desc
	up     *prometheus.Desc
}

// NewStreamerCollector creates a collector reading from source on every
// scrape.
func NewStreamerCollector(source StatisticsSource) *StreamerCollector {
	return &StreamerCollector{
		source: source,
		stat: prometheus.NewDesc(
			"velcro_streamer_statistic",
			"Most recent value of a streamer stage statistic",
			[]string{"scope", "name"}, nil,
		),
		up: prometheus.NewDesc(
			"velcro_streamer_up",
			"Whether the streamer is reporting statistics",
			nil, nil,
		),
	}
}

func (c *StreamerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.stat
	ch <- c.up
}

func (c *StreamerCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.source.Statistics()

	up := 0.0
	if len(stats) > 0 {
		up = 1
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, up)

	// A scrape must not carry the same label set twice; the last sample wins.
	type key struct{ scope, name string }
	latest := make(map[key]float64, len(stats))
	order := make([]key, 0, len(stats))
	for _, s := range stats {
		k := key{s.Scope, s.Name}
		if _, seen := latest[k]; !seen {
			order = append(order, k)
		}
		latest[k] = s.Value
	}
	for _, k := range order {
		ch <- prometheus.MustNewConstMetric(c.stat, prometheus.GaugeValue, latest[k], k.scope, k.name)
	}
}
