package config

import (
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/yamakiller/velcro-framework-sub001/pkg/streamer/blockcache"
	"github.com/yamakiller/velcro-framework-sub001/pkg/streamer/decompressor"
	"github.com/yamakiller/velcro-framework-sub001/pkg/streamer/device"
)

// DefaultMetricsPort is the port of the metrics endpoint when none is set.
const DefaultMetricsPort = 9090

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - Stage-specific defaults are applied by the stage factories
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	cfg.Scheduler.ApplyDefaults()

	if len(cfg.Stack) == 0 {
		cfg.Stack = defaultStack()
	}
	for i := range cfg.Stack {
		cfg.Stack[i].Type = strings.ToLower(strings.TrimSpace(cfg.Stack[i].Type))
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = DefaultMetricsPort
	}
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// defaultStack returns the full stack with every stage at its defaults.
func defaultStack() []StageConfig {
	return []StageConfig{
		{Type: StageDecompressor, Options: optionsOf(decompressor.DefaultConfig())},
		{Type: StageBlockCache, Options: optionsOf(blockcache.DefaultConfig())},
		{Type: StageStorageDevice, Options: optionsOf(device.DefaultConfig())},
	}
}

// optionsOf flattens a stage configuration into the options map form used
// in configuration files.
func optionsOf(stageCfg any) map[string]any {
	options := make(map[string]any)
	if err := mapstructure.Decode(stageCfg, &options); err != nil {
		return map[string]any{}
	}
	return options
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		Stack: defaultStack(),
	}

	ApplyDefaults(cfg)
	return cfg
}
