package config

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/yamakiller/velcro-framework-sub001/internal/logger"
	"github.com/yamakiller/velcro-framework-sub001/pkg/compression"
	"github.com/yamakiller/velcro-framework-sub001/pkg/streamer"
	"github.com/yamakiller/velcro-framework-sub001/pkg/streamer/blockcache"
	"github.com/yamakiller/velcro-framework-sub001/pkg/streamer/decompressor"
	"github.com/yamakiller/velcro-framework-sub001/pkg/streamer/device"
	"github.com/yamakiller/velcro-framework-sub001/pkg/streamer/scheduler"
)

// CreateStack builds and chains the stages listed in cfg.Stack, top to
// bottom, and returns the top stage.
//
// Supported types:
//   - "decompressor": pkg/streamer/decompressor, decoding with compressor
//   - "block_cache": pkg/streamer/blockcache
//   - "storage_device": pkg/streamer/device on the local file system
func CreateStack(cfg *Config, compressor *compression.Compressor) (streamer.Stage, error) {
	if len(cfg.Stack) == 0 {
		return nil, fmt.Errorf("stack: no stages configured")
	}

	stages := make([]streamer.Stage, 0, len(cfg.Stack))
	for i, stageCfg := range cfg.Stack {
		stage, err := createStage(stageCfg, compressor)
		if err != nil {
			return nil, fmt.Errorf("stack[%d]: %w", i, err)
		}
		stages = append(stages, stage)
	}

	return streamer.Chain(stages...), nil
}

// CreateScheduler builds the stack and a scheduler on top of it. The
// scheduler is not started.
func CreateScheduler(cfg *Config, compressor *compression.Compressor) (*scheduler.Scheduler, error) {
	stack, err := CreateStack(cfg, compressor)
	if err != nil {
		return nil, err
	}
	return scheduler.New(stack, cfg.Scheduler), nil
}

func createStage(cfg StageConfig, compressor *compression.Compressor) (streamer.Stage, error) {
	switch cfg.Type {
	case StageDecompressor:
		stageCfg := decompressor.DefaultConfig()
		if err := decodeStageOptions(cfg.Options, &stageCfg); err != nil {
			return nil, fmt.Errorf("decompressor: %w", err)
		}
		logger.Debug("Stage %s: max_jobs=%d", cfg.Type, stageCfg.MaxJobs)
		return decompressor.New(stageCfg, compressor), nil

	case StageBlockCache:
		stageCfg := blockcache.DefaultConfig()
		if err := decodeStageOptions(cfg.Options, &stageCfg); err != nil {
			return nil, fmt.Errorf("block cache: %w", err)
		}
		if err := stageCfg.Validate(); err != nil {
			return nil, fmt.Errorf("block cache: %w", err)
		}
		logger.Debug("Stage %s: block_size=%s block_count=%d", cfg.Type, stageCfg.BlockSize, stageCfg.BlockCount)
		return blockcache.New(stageCfg), nil

	case StageStorageDevice:
		stageCfg := device.DefaultConfig()
		if err := decodeStageOptions(cfg.Options, &stageCfg); err != nil {
			return nil, fmt.Errorf("storage device: %w", err)
		}
		stageCfg.ApplyDefaults()
		if err := stageCfg.Validate(); err != nil {
			return nil, fmt.Errorf("storage device: %w", err)
		}
		logger.Debug("Stage %s: channels=%d unbuffered=%t", cfg.Type, stageCfg.Channels, stageCfg.Unbuffered)
		return device.New(stageCfg, nil), nil

	default:
		return nil, fmt.Errorf("unknown stage type: %q", cfg.Type)
	}
}

// decodeStageOptions decodes options over the defaults already held by out
// and validates the result against its struct tags. Unknown keys are errors.
func decodeStageOptions(options map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       configDecodeHooks(),
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(options); err != nil {
		return fmt.Errorf("failed to decode options: %w", err)
	}

	if err := validate.Struct(out); err != nil {
		return formatValidationError(err)
	}
	return nil
}
