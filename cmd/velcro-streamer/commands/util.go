package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/yamakiller/velcro-framework-sub001/internal/logger"
	"github.com/yamakiller/velcro-framework-sub001/pkg/compression"
	"github.com/yamakiller/velcro-framework-sub001/pkg/config"
	"github.com/yamakiller/velcro-framework-sub001/pkg/metrics"
	"github.com/yamakiller/velcro-framework-sub001/pkg/streamer"
	"github.com/yamakiller/velcro-framework-sub001/pkg/streamer/scheduler"
)

// loadConfig loads the file given with --config, or the default file when it
// exists, or the built-in defaults.
func loadConfig() (*config.Config, error) {
	if GetConfigFile() != "" {
		return config.MustLoad(GetConfigFile())
	}
	return config.Load("")
}

// InitLogger configures the logger from cfg.
func InitLogger(cfg *config.Config) error {
	return logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
}

// engine is a running scheduler plus the request metrics it reports to.
type engine struct {
	sched      *scheduler.Scheduler
	compressor *compression.Compressor
	requests   metrics.RequestMetrics
}

// startEngine builds the configured stack and starts its scheduler.
func startEngine(cfg *config.Config, requests metrics.RequestMetrics) (*engine, error) {
	if requests == nil {
		requests = metrics.NewNoopRequestMetrics()
	}

	compressor := compression.NewCompressor()
	sched, err := config.CreateScheduler(cfg, compressor)
	if err != nil {
		compressor.Close()
		return nil, fmt.Errorf("failed to create stack: %w", err)
	}
	sched.Start()

	return &engine{sched: sched, compressor: compressor, requests: requests}, nil
}

func (e *engine) stop() error {
	defer e.compressor.Close()
	return e.sched.Stop()
}

// result is what a callback reports about a finished request.
type result struct {
	command string
	status  streamer.Status
	err     error
	elapsed time.Duration
	bytes   int64

	// Set for metadata commands.
	found bool
	size  int64
}

// submit queues a request built by setup. The returned channel receives
// exactly one result.
func (e *engine) submit(setup func(r *streamer.Request)) <-chan result {
	done := make(chan result, 1)
	r := e.sched.CreateRequest()
	setup(r)

	command := r.Command().Name()
	start := time.Now()
	e.requests.RecordRequestStart(command)

	r.SetCallback(func(r *streamer.Request) {
		res := result{
			command: command,
			status:  r.Status(),
			err:     r.Err(),
			elapsed: time.Since(start),
		}
		switch cmd := r.Command().(type) {
		case *streamer.Read:
			res.bytes = cmd.Size
		case *streamer.CompressedRead:
			res.bytes = cmd.Size
		case *streamer.FileExists:
			res.found = cmd.Found
		case *streamer.FileMetaData:
			res.found, res.size = cmd.Found, cmd.Size
		}

		e.requests.RecordRequestEnd(command)
		e.requests.RecordRequest(command, res.status.String(), res.elapsed)
		if res.status == streamer.StatusCompleted {
			e.requests.RecordBytesRead(res.bytes)
		}
		done <- res
	})
	e.sched.QueueRequest(r)
	return done
}

// wait blocks for a result or until ctx is done.
func wait(ctx context.Context, ch <-chan result) (result, error) {
	select {
	case res := <-ch:
		if res.status != streamer.StatusCompleted {
			if res.err != nil {
				return res, fmt.Errorf("%s %s: %w", res.command, res.status, res.err)
			}
			return res, fmt.Errorf("%s %s", res.command, res.status)
		}
		return res, nil
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
}
