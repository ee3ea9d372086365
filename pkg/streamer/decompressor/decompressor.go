// Package decompressor implements the stage that serves CompressedRead
// requests. The compressed range is read from the archive by the stages
// below, then decoded on a bounded pool of background jobs.
package decompressor

import (
	"fmt"
	"math"
	"slices"
	"sync/atomic"
	"time"

	"github.com/yamakiller/velcro-framework-sub001/internal/logger"
	"github.com/yamakiller/velcro-framework-sub001/pkg/compression"
	"github.com/yamakiller/velcro-framework-sub001/pkg/streamer"
)

// StageName is the name the stage reports in logs and statistics.
const StageName = "decompressor"

// Config configures a Decompressor.
type Config struct {
	// MaxJobs bounds the number of payloads decoded at the same time.
	MaxJobs int `mapstructure:"max_jobs" yaml:"max_jobs" validate:"min=1,max=256"`
}

// DefaultConfig returns the configuration used when no options are given.
func DefaultConfig() Config {
	return Config{MaxJobs: 2}
}

// ApplyDefaults fills zero fields with DefaultConfig values.
func (c *Config) ApplyDefaults() {
	if c.MaxJobs == 0 {
		c.MaxJobs = DefaultConfig().MaxJobs
	}
}

type job struct {
	request    *streamer.Request
	read       *streamer.CompressedRead
	compressed []byte
	started    time.Time

	done     atomic.Bool
	output   []byte
	err      error
	canceled bool
}

// Decompressor is the decompression stage.
type Decompressor struct {
	streamer.BaseStage

	cfg        Config
	compressor *compression.Compressor

	running []*job
	waiting []*job

	jobTimes          *streamer.AverageWindow
	bytesDecompressed uint64
	jobsFailed        uint64
}

// New creates a decompression stage decoding with compressor. A nil
// compressor gets a private one.
func New(cfg Config, compressor *compression.Compressor) *Decompressor {
	cfg.ApplyDefaults()
	if compressor == nil {
		compressor = compression.NewCompressor()
	}
	return &Decompressor{
		BaseStage:  streamer.NewBaseStage(StageName),
		cfg:        cfg,
		compressor: compressor,
		jobTimes:   streamer.NewAverageWindow(32),
	}
}

// Config returns the effective configuration.
func (d *Decompressor) Config() Config { return d.cfg }

func (d *Decompressor) PrepareRequest(r *streamer.Request) {
	cmd, ok := r.Command().(*streamer.CompressedRead)
	if !ok {
		d.BaseStage.PrepareRequest(r)
		return
	}

	ctx := d.Context()
	info := cmd.Info
	if info.UncompressedSize < 0 || !streamer.InRange(info.ArchiveOffset, info.CompressedSize, math.MaxInt64) {
		ctx.MarkRequestAsCompleted(r, streamer.StatusFailed,
			fmt.Errorf("compressed read %s: invalid payload of %d bytes at offset %d: %w",
				info.ArchivePath, info.CompressedSize, info.ArchiveOffset, streamer.ErrReadPastEOF))
		return
	}
	if !streamer.InRange(cmd.Offset, cmd.Size, info.UncompressedSize) {
		ctx.MarkRequestAsCompleted(r, streamer.StatusFailed,
			fmt.Errorf("compressed read %s of %d bytes at offset %d of %d bytes: %w",
				info.ArchivePath, cmd.Size, cmd.Offset, info.UncompressedSize, streamer.ErrReadPastEOF))
		return
	}
	if int64(len(cmd.Output)) < cmd.Size {
		ctx.MarkRequestAsCompleted(r, streamer.StatusFailed,
			fmt.Errorf("compressed read %s: output buffer holds %d of %d bytes: %w",
				info.ArchivePath, len(cmd.Output), cmd.Size, streamer.ErrShortRead))
		return
	}
	if cmd.Size == 0 {
		ctx.MarkRequestAsCompleted(r, streamer.StatusCompleted, nil)
		return
	}

	r.SetProcessing()
	child := ctx.CreateChild(r)

	if info.Algorithm == compression.AlgorithmNone {
		// Stored uncompressed: read the window straight into the caller's
		// buffer.
		child.SetCommand(&streamer.Read{
			Path:   info.ArchivePath,
			Output: cmd.Output[:cmd.Size],
			Offset: info.ArchiveOffset + cmd.Offset,
			Size:   cmd.Size,
		})
		d.Next().PrepareRequest(child)
		return
	}

	compressed := make([]byte, info.CompressedSize)
	child.SetCommand(&streamer.Read{
		Path:   info.ArchivePath,
		Output: compressed,
		Offset: info.ArchiveOffset,
		Size:   info.CompressedSize,
	})
	r.SetChildrenDoneHook(func(parent *streamer.Request) {
		d.archiveRead(parent, cmd, compressed)
	})
	d.Next().PrepareRequest(child)
}

// archiveRead runs once the compressed bytes of r have been read.
func (d *Decompressor) archiveRead(r *streamer.Request, cmd *streamer.CompressedRead, compressed []byte) {
	if status, err := r.ChildFailure(); status != streamer.StatusCompleted {
		d.Context().MarkRequestAsCompleted(r, status, err)
		return
	}
	if r.CancelRequested() {
		d.Context().MarkRequestAsCompleted(r, streamer.StatusCanceled, streamer.ErrCanceled)
		return
	}

	j := &job{request: r, read: cmd, compressed: compressed}
	if len(d.running) < d.cfg.MaxJobs {
		d.start(j)
		return
	}
	d.waiting = append(d.waiting, j)
}

func (d *Decompressor) start(j *job) {
	j.started = time.Now()
	d.running = append(d.running, j)

	ctx := d.Context()
	info := j.read.Info
	go func() {
		j.output, j.err = d.compressor.Decompress(info.Algorithm, j.compressed, info.UncompressedSize)
		j.done.Store(true)
		ctx.WakeUp()
	}()
}

func (d *Decompressor) QueueRequest(r *streamer.Request) {
	switch cmd := r.Command().(type) {
	case *streamer.Cancel:
		d.cancel(cmd.Target)
	case *streamer.Report:
		if cmd.Kind == streamer.ReportStatistics {
			for _, s := range d.collect(nil) {
				logger.Info("%s.%s = %.3f", s.Scope, s.Name, s.Value)
			}
		}
	}
	d.BaseStage.QueueRequest(r)
}

func (d *Decompressor) cancel(target streamer.Handle) {
	ctx := d.Context()
	d.waiting = slices.DeleteFunc(d.waiting, func(j *job) bool {
		if !ctx.IsDescendant(target, j.request) {
			return false
		}
		ctx.MarkRequestAsCompleted(j.request, streamer.StatusCanceled, streamer.ErrCanceled)
		return true
	})
	// Running jobs cannot be interrupted; their result is dropped.
	for _, j := range d.running {
		if ctx.IsDescendant(target, j.request) {
			j.canceled = true
		}
	}
}

func (d *Decompressor) ExecuteRequests() bool {
	progress := false
	ctx := d.Context()

	d.running = slices.DeleteFunc(d.running, func(j *job) bool {
		if !j.done.Load() {
			return false
		}
		progress = true
		d.finish(ctx, j)
		return true
	})

	for len(d.waiting) > 0 && len(d.running) < d.cfg.MaxJobs {
		j := d.waiting[0]
		d.waiting = d.waiting[1:]
		d.start(j)
		progress = true
	}

	if d.Next().ExecuteRequests() {
		progress = true
	}
	return progress
}

func (d *Decompressor) finish(ctx *streamer.Context, j *job) {
	d.jobTimes.Push(float64(time.Since(j.started).Microseconds()) / 1000.0)

	switch {
	case j.canceled:
		ctx.MarkRequestAsCompleted(j.request, streamer.StatusCanceled, streamer.ErrCanceled)
	case j.err != nil:
		d.jobsFailed++
		ctx.MarkRequestAsCompleted(j.request, streamer.StatusFailed,
			fmt.Errorf("%s: %w: %w", j.read.Info.ArchivePath, streamer.ErrDecompression, j.err))
	default:
		d.bytesDecompressed += uint64(len(j.output))
		copy(j.read.Output[:j.read.Size], j.output[j.read.Offset:j.read.Offset+j.read.Size])
		ctx.MarkRequestAsCompleted(j.request, streamer.StatusCompleted, nil)
	}
}

func (d *Decompressor) UpdateStatus(status *streamer.StackStatus) {
	d.Next().UpdateStatus(status)
	status.IsIdle = status.IsIdle && len(d.running) == 0 && len(d.waiting) == 0
}

// UpdateCompletionEstimates adds the expected decode time on top of the
// estimate the lower stages gave the archive read.
func (d *Decompressor) UpdateCompletionEstimates(now time.Time, internal, pending []*streamer.Request) {
	d.Next().UpdateCompletionEstimates(now, internal, pending)

	jobTime := time.Duration(d.jobTimes.Average() * float64(time.Millisecond))
	queued := time.Duration(len(d.running)+len(d.waiting)) * jobTime / time.Duration(d.cfg.MaxJobs)
	for _, list := range [][]*streamer.Request{internal, pending} {
		for _, r := range list {
			if _, ok := r.Command().(*streamer.CompressedRead); ok {
				r.SetEstimatedCompletion(now.Add(queued + jobTime))
			}
		}
	}
}

func (d *Decompressor) collect(stats []streamer.Statistic) []streamer.Statistic {
	scope := d.Name()
	return append(stats,
		streamer.NewStatistic(scope, "jobs_running", float64(len(d.running))),
		streamer.NewStatistic(scope, "jobs_waiting", float64(len(d.waiting))),
		streamer.NewStatistic(scope, "decompress_time_ms", d.jobTimes.Average()),
		streamer.NewStatistic(scope, "bytes_decompressed", float64(d.bytesDecompressed)),
		streamer.NewStatistic(scope, "jobs_failed", float64(d.jobsFailed)),
	)
}

func (d *Decompressor) CollectStatistics(stats []streamer.Statistic) []streamer.Statistic {
	return d.Next().CollectStatistics(d.collect(stats))
}
