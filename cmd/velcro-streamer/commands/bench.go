package commands

import (
	"cmp"
	"fmt"
	"io"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/yamakiller/velcro-framework-sub001/internal/bytesize"
	"github.com/yamakiller/velcro-framework-sub001/pkg/streamer"
)

var (
	benchRequests    int
	benchConcurrency int
	benchReadSize    string
	benchDeadline    time.Duration
	benchSeed        uint64
)

var benchCmd = &cobra.Command{
	Use:   "bench <file>",
	Short: "Measure random read throughput through the configured stack",
	Long: `Issue random reads against a file from several goroutines and report the
throughput along with the statistics of every stage.

Examples:
  # 1000 reads of 64 KiB from 16 goroutines
  velcro-streamer bench /data/level.pak

  # Small reads with a deadline so late ones are promoted
  velcro-streamer bench /data/level.pak --size 4KiB --deadline 5ms -n 10000`,
	Args: cobra.ExactArgs(1),
	RunE: runBench,
}

func init() {
	benchCmd.Flags().IntVarP(&benchRequests, "requests", "n", 1000, "Number of reads")
	benchCmd.Flags().IntVarP(&benchConcurrency, "concurrency", "c", 16, "Reads in flight at once")
	benchCmd.Flags().StringVar(&benchReadSize, "size", "64KiB", "Size of each read")
	benchCmd.Flags().DurationVar(&benchDeadline, "deadline", 0, "Deadline of each read relative to submission (0: none)")
	benchCmd.Flags().Uint64Var(&benchSeed, "seed", 1, "Seed of the offset generator")
}

func runBench(cmd *cobra.Command, args []string) error {
	readSize, err := bytesize.Parse(benchReadSize)
	if err != nil {
		return err
	}
	if benchRequests < 1 || benchConcurrency < 1 {
		return fmt.Errorf("--requests and --concurrency must be positive")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := InitLogger(cfg); err != nil {
		return err
	}

	e, err := startEngine(cfg, nil)
	if err != nil {
		return err
	}
	defer func() { _ = e.stop() }()

	path := args[0]
	ctx := cmd.Context()

	meta, err := wait(ctx, e.submit(func(r *streamer.Request) { r.SetFileMetaData(path) }))
	if err != nil {
		return err
	}
	if !meta.found {
		return fmt.Errorf("%s: %w", path, streamer.ErrFileNotFound)
	}
	size := min(readSize.Int64(), meta.size)
	if size <= 0 {
		return fmt.Errorf("%s is empty", path)
	}

	rng := rand.New(rand.NewPCG(benchSeed, benchSeed))
	offsets := make([]int64, benchRequests)
	for i := range offsets {
		offsets[i] = rng.Int64N(meta.size - size + 1)
	}

	latencies := make([]time.Duration, benchRequests)
	var total int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(benchConcurrency)

	start := time.Now()
	for i, offset := range offsets {
		g.Go(func() error {
			buf := make([]byte, size)
			deadline := streamer.NoDeadline
			if benchDeadline > 0 {
				deadline = time.Now().Add(benchDeadline)
			}
			res, err := wait(gctx, e.submit(func(r *streamer.Request) {
				r.SetRead(path, buf, offset, deadline, streamer.PriorityNormal)
			}))
			if err != nil {
				return err
			}
			latencies[i] = res.elapsed
			return nil
		})
		total += size
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	printBenchReport(cmd.OutOrStdout(), total, elapsed, latencies, e.sched.Statistics())
	return nil
}

func printBenchReport(w io.Writer, total int64, elapsed time.Duration, latencies []time.Duration, stats []streamer.Statistic) {
	slices.Sort(latencies)
	percentile := func(p float64) time.Duration {
		return latencies[int(p*float64(len(latencies)-1))]
	}

	fmt.Fprintf(w, "Reads:      %s\n", humanize.Comma(int64(len(latencies))))
	fmt.Fprintf(w, "Bytes:      %s\n", humanize.IBytes(uint64(total)))
	fmt.Fprintf(w, "Elapsed:    %v\n", elapsed.Round(time.Millisecond))
	if secs := elapsed.Seconds(); secs > 0 {
		fmt.Fprintf(w, "Throughput: %s/s\n", humanize.IBytes(uint64(float64(total)/secs)))
	}
	fmt.Fprintf(w, "Latency:    p50 %v  p90 %v  p99 %v\n",
		percentile(0.5).Round(time.Microsecond),
		percentile(0.9).Round(time.Microsecond),
		percentile(0.99).Round(time.Microsecond))

	if len(stats) == 0 {
		return
	}
	slices.SortStableFunc(stats, func(a, b streamer.Statistic) int { return cmp.Compare(a.Scope, b.Scope) })
	fmt.Fprintln(w, "\nStatistics:")
	for _, s := range stats {
		fmt.Fprintf(w, "  %-14s %-24s %s\n", s.Scope, s.Name, humanize.Ftoa(s.Value))
	}
}
