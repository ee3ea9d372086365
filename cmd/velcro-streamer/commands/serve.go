package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/yamakiller/velcro-framework-sub001/internal/logger"
	"github.com/yamakiller/velcro-framework-sub001/pkg/config"
	"github.com/yamakiller/velcro-framework-sub001/pkg/metrics"
	"github.com/yamakiller/velcro-framework-sub001/pkg/streamer"
	"github.com/yamakiller/velcro-framework-sub001/pkg/watch"
)

var serveReportInterval time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the streamer with metrics and file watching",
	Long: `Run the scheduler and its stack until interrupted. Depending on the
configuration this also serves Prometheus metrics and watches directories so
changed files are evicted from the caches.

Examples:
  # Run with the default configuration file
  velcro-streamer serve

  # Log stage reports every minute
  velcro-streamer serve --report-interval 1m

  # Override the log level
  VELCRO_LOGGING_LEVEL=DEBUG velcro-streamer serve --config /etc/velcro/streamer.yaml`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().DurationVar(&serveReportInterval, "report-interval", 0, "Submit a statistics report at this interval (0: never)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}
	if err := InitLogger(cfg); err != nil {
		return err
	}

	logger.Info("Log level: %s, format: %s", cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s", configSource())

	e, err := startEngine(cfg, nil)
	if err != nil {
		return err
	}

	var w *watch.Watcher
	if cfg.Watch.Enabled {
		if w, err = watch.New(e.sched, cfg.Watch.Paths); err != nil {
			_ = e.stop()
			return err
		}
	}

	metricsResult := config.InitializeMetrics(cfg, statisticsSources(e.sched, w))
	e.requests = metricsResult.Requests

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	if metricsResult.Server != nil {
		g.Go(func() error {
			return metricsResult.Server.Start(gctx)
		})
	}

	if w != nil {
		g.Go(func() error {
			return w.Run(gctx)
		})
	}

	if serveReportInterval > 0 {
		g.Go(func() error {
			return reportLoop(gctx, e, w, serveReportInterval)
		})
	}

	logger.Info("Streamer is running. Press Ctrl+C to stop.")

	<-gctx.Done()
	logger.Info("Shutdown signal received, stopping...")

	runErr := g.Wait()
	if err := e.stop(); err != nil {
		logger.Error("Scheduler shutdown error: %v", err)
		if runErr == nil {
			runErr = err
		}
	}
	if runErr != nil {
		return fmt.Errorf("streamer stopped with error: %w", runErr)
	}

	logger.Info("Streamer stopped gracefully")
	return nil
}

// statisticsSources merges the scheduler's statistics with the watcher's, if
// one is running.
func statisticsSources(sched metrics.StatisticsSource, w *watch.Watcher) metrics.Sources {
	sources := metrics.Sources{sched}
	if w != nil {
		sources = append(sources, w)
	}
	return sources
}

// reportLoop asks every stage to log its statistics at each interval. The
// watcher is not a stage and logs its own.
func reportLoop(ctx context.Context, e *engine, w *watch.Watcher, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.submit(func(r *streamer.Request) {
				r.SetReport(streamer.ReportStatistics)
			})
			if w != nil {
				for _, s := range w.Statistics() {
					logger.With("scope", s.Scope).Info("statistic", "name", s.Name, "value", s.Value)
				}
			}
		}
	}
}

func configSource() string {
	if GetConfigFile() != "" {
		return GetConfigFile()
	}
	return config.GetDefaultConfigPath()
}
