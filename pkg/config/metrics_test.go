package config

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yamakiller/velcro-framework-sub001/pkg/metrics"
	"github.com/yamakiller/velcro-framework-sub001/pkg/streamer"
)

type fixedSource []streamer.Statistic

func (s fixedSource) Statistics() []streamer.Statistic { return s }

func TestInitializeMetrics_Disabled(t *testing.T) {
	result := InitializeMetrics(GetDefaultConfig(), nil)
	assert.Nil(t, result.Server)
	require.NotNil(t, result.Requests)
	result.Requests.RecordBytesRead(1)
}

func TestInitializeMetrics_Enabled(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 9191

	source := fixedSource{streamer.NewStatistic("scheduler", "requests_submitted", 3)}
	result := InitializeMetrics(cfg, source)

	require.NotNil(t, result.Server)
	assert.Equal(t, 9191, result.Server.Port())
	require.True(t, metrics.IsEnabled())

	result.Requests.RecordBytesRead(64)

	count, err := testutil.GatherAndCount(metrics.GetRegistry(), "velcro_streamer_statistic", "velcro_streamer_bytes_read_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
