// Package device implements the storage device, the leaf stage of the
// streaming stack. It owns a bounded number of I/O channels, a small cache of
// open file handles and a metadata cache, corrects alignment for unbuffered
// reads and estimates when queued reads will complete.
package device

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yamakiller/velcro-framework-sub001/internal/bytesize"
	"github.com/yamakiller/velcro-framework-sub001/internal/logger"
	"github.com/yamakiller/velcro-framework-sub001/internal/ratelimiter"
	"github.com/yamakiller/velcro-framework-sub001/pkg/streamer"
)

// StageName is the name the device reports in logs and statistics.
const StageName = "storage_device"

// Config configures a Device.
type Config struct {
	// Channels is the number of reads that may be in flight at once.
	Channels int `mapstructure:"channels" yaml:"channels" validate:"min=1,max=1024"`

	// MaxFileHandles bounds the handle cache.
	MaxFileHandles int `mapstructure:"max_file_handles" yaml:"max_file_handles" validate:"min=1"`

	// MetadataCacheSize is rounded up to a power of two.
	MetadataCacheSize int `mapstructure:"metadata_cache_size" yaml:"metadata_cache_size" validate:"min=1"`

	// Unbuffered opens files bypassing the page cache where supported.
	Unbuffered bool `mapstructure:"unbuffered" yaml:"unbuffered"`

	// SectorSize is the transfer alignment of unbuffered reads.
	SectorSize bytesize.ByteSize `mapstructure:"sector_size" yaml:"sector_size" validate:"required"`

	// MemoryAlignment is the buffer address alignment of unbuffered reads.
	MemoryAlignment bytesize.ByteSize `mapstructure:"memory_alignment" yaml:"memory_alignment" validate:"required"`

	// SeekPenalty is added to estimates when a read does not continue where
	// the previous one ended.
	SeekPenalty time.Duration `mapstructure:"seek_penalty" yaml:"seek_penalty" validate:"min=0"`

	// FileSwitchPenalty is added to estimates when a read targets another file.
	FileSwitchPenalty time.Duration `mapstructure:"file_switch_penalty" yaml:"file_switch_penalty" validate:"min=0"`

	// ThroughputWindow is the number of completed reads averaged for the
	// throughput estimate.
	ThroughputWindow int `mapstructure:"throughput_window" yaml:"throughput_window" validate:"min=1"`

	// MaxReadsPerSecond caps the issue rate. Zero disables the limit.
	MaxReadsPerSecond uint `mapstructure:"max_reads_per_second" yaml:"max_reads_per_second"`

	// ReadBurst is the number of reads that may be issued back to back when
	// the issue rate is capped.
	ReadBurst uint `mapstructure:"read_burst" yaml:"read_burst"`
}

// DefaultConfig returns the configuration used when no options are given.
func DefaultConfig() Config {
	return Config{
		Channels:          8,
		MaxFileHandles:    32,
		MetadataCacheSize: 64,
		Unbuffered:        false,
		SectorSize:        4 * bytesize.KiB,
		MemoryAlignment:   4 * bytesize.KiB,
		SeekPenalty:       100 * time.Microsecond,
		FileSwitchPenalty: 250 * time.Microsecond,
		ThroughputWindow:  64,
	}
}

// ApplyDefaults fills zero fields with DefaultConfig values.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.Channels == 0 {
		c.Channels = d.Channels
	}
	if c.MaxFileHandles == 0 {
		c.MaxFileHandles = d.MaxFileHandles
	}
	if c.MetadataCacheSize == 0 {
		c.MetadataCacheSize = d.MetadataCacheSize
	}
	if c.SectorSize == 0 {
		c.SectorSize = d.SectorSize
	}
	if c.MemoryAlignment == 0 {
		c.MemoryAlignment = d.MemoryAlignment
	}
	if c.SeekPenalty == 0 {
		c.SeekPenalty = d.SeekPenalty
	}
	if c.FileSwitchPenalty == 0 {
		c.FileSwitchPenalty = d.FileSwitchPenalty
	}
	if c.ThroughputWindow == 0 {
		c.ThroughputWindow = d.ThroughputWindow
	}
	if c.MaxReadsPerSecond > 0 && c.ReadBurst == 0 {
		c.ReadBurst = uint(c.Channels)
	}
}

// Validate checks the constraints struct tags cannot express.
func (c *Config) Validate() error {
	if !isPowerOfTwo(c.SectorSize.Int64()) {
		return fmt.Errorf("sector_size must be a power of two, got %d", c.SectorSize)
	}
	if !isPowerOfTwo(c.MemoryAlignment.Int64()) {
		return fmt.Errorf("memory_alignment must be a power of two, got %d", c.MemoryAlignment)
	}
	return nil
}

// defaultThroughput is assumed until the first reads complete, in bytes per
// microsecond (100 MB/s).
const defaultThroughput = 100.0

// Device is the leaf stage that performs reads against the platform.
type Device struct {
	streamer.BaseStage

	cfg      Config
	platform Platform
	handles  *handleCache
	meta     *metadataCache
	limiter  *ratelimiter.RateLimiter

	slots     []readSlot
	freeSlots int
	pending   []*streamer.Request

	transfers sync.WaitGroup
	wakeArmed atomic.Bool

	// Rolling sums of completed transfers.
	bytesWindow *streamer.AverageWindow
	usWindow    *streamer.AverageWindow

	lastPath   string
	lastOffset int64

	readsIssued uint64
	readsFailed uint64
}

// New creates a device reading through platform. A nil platform uses the
// local file system.
func New(cfg Config, platform Platform) *Device {
	cfg.ApplyDefaults()
	if platform == nil {
		platform = NewOSPlatform()
	}

	d := &Device{
		BaseStage:   streamer.NewBaseStage(StageName),
		cfg:         cfg,
		platform:    platform,
		handles:     newHandleCache(platform, cfg.MaxFileHandles, cfg.Unbuffered, cfg.ThroughputWindow),
		meta:        newMetadataCache(cfg.MetadataCacheSize),
		slots:       make([]readSlot, cfg.Channels),
		freeSlots:   cfg.Channels,
		bytesWindow: streamer.NewAverageWindow(cfg.ThroughputWindow),
		usWindow:    streamer.NewAverageWindow(cfg.ThroughputWindow),
		lastOffset:  -1,
	}
	if cfg.MaxReadsPerSecond > 0 {
		d.limiter = ratelimiter.New(cfg.MaxReadsPerSecond, cfg.ReadBurst)
	}
	return d
}

// Config returns the effective configuration.
func (d *Device) Config() Config { return d.cfg }

func (d *Device) PrepareRequest(r *streamer.Request) {
	d.Context().PushPreparedRequest(r)
}

func (d *Device) QueueRequest(r *streamer.Request) {
	ctx := d.Context()

	switch cmd := r.Command().(type) {
	case *streamer.Read:
		d.pending = append(d.pending, r)

	case *streamer.FileExists:
		_, exists, err := d.metadata(cmd.Path)
		if err != nil {
			ctx.MarkRequestAsCompleted(r, streamer.StatusFailed, err)
			return
		}
		cmd.Found = exists
		ctx.MarkRequestAsCompleted(r, streamer.StatusCompleted, nil)

	case *streamer.FileMetaData:
		size, exists, err := d.metadata(cmd.Path)
		if err != nil {
			ctx.MarkRequestAsCompleted(r, streamer.StatusFailed, err)
			return
		}
		cmd.Size, cmd.Found = size, exists
		if !exists {
			ctx.MarkRequestAsCompleted(r, streamer.StatusFailed,
				fmt.Errorf("%s: %w", cmd.Path, streamer.ErrFileNotFound))
			return
		}
		ctx.MarkRequestAsCompleted(r, streamer.StatusCompleted, nil)

	case *streamer.Cancel:
		d.cancel(cmd.Target)
		ctx.MarkRequestAsCompleted(r, streamer.StatusCompleted, nil)

	case *streamer.Flush:
		d.handles.flush(cmd.Path)
		d.meta.drop(cmd.Path)
		ctx.MarkRequestAsCompleted(r, streamer.StatusCompleted, nil)

	case *streamer.FlushAll:
		d.handles.flushAll()
		d.meta.clear()
		ctx.MarkRequestAsCompleted(r, streamer.StatusCompleted, nil)

	case *streamer.Report:
		switch cmd.Kind {
		case streamer.ReportFileHandles:
			d.handles.report(d.Name())
		case streamer.ReportStatistics:
			for _, s := range d.CollectStatistics(nil) {
				logger.Info("%s.%s = %.3f", s.Scope, s.Name, s.Value)
			}
		}
		ctx.MarkRequestAsCompleted(r, streamer.StatusCompleted, nil)

	default:
		d.CompleteAtLeaf(r)
	}
}

// metadata answers from the metadata cache, falling back to the platform.
func (d *Device) metadata(path string) (int64, bool, error) {
	if size, exists, ok := d.meta.lookup(path); ok {
		return size, exists, nil
	}
	size, exists, err := d.platform.Stat(path)
	if err != nil {
		return 0, false, fmt.Errorf("stat %s: %w", path, err)
	}
	d.meta.store(path, size, exists)
	return size, exists, nil
}

func (d *Device) cancel(target streamer.Handle) {
	ctx := d.Context()

	d.pending = slices.DeleteFunc(d.pending, func(r *streamer.Request) bool {
		if !ctx.IsDescendant(target, r) {
			return false
		}
		ctx.MarkRequestAsCompleted(r, streamer.StatusCanceled, streamer.ErrCanceled)
		return true
	})

	for i := range d.slots {
		slot := &d.slots[i]
		if !slot.active || !ctx.IsDescendant(target, slot.request) {
			continue
		}
		// A transfer that already started cannot be stopped; it completes
		// normally on the next poll.
		if !slot.token.cancel() && logger.IsDebugEnabled() {
			logger.Debug("%s: cancel of %s raced with its transfer", d.Name(), slot.request)
		}
	}
}

func (d *Device) ExecuteRequests() bool {
	progress := d.pollTransfers()
	if d.issueReads() {
		progress = true
	}
	return progress
}

// pollTransfers completes every finished slot.
func (d *Device) pollTransfers() bool {
	progress := false
	for i := range d.slots {
		slot := &d.slots[i]
		if !slot.active || !slot.token.finished() {
			continue
		}
		d.completeSlot(slot)
		progress = true
	}
	return progress
}

func (d *Device) completeSlot(slot *readSlot) {
	ctx := d.Context()
	req, read, tok := slot.request, slot.read, slot.token

	d.handles.release(slot.handle)

	switch tok.state.Load() {
	case transferCanceled:
		ctx.MarkRequestAsCompleted(req, streamer.StatusCanceled, streamer.ErrCanceled)

	default:
		elapsed := time.Since(slot.start)
		needed := slot.delta + read.Size
		if tok.n > 0 {
			d.bytesWindow.Push(float64(tok.n))
			d.usWindow.Push(float64(max(elapsed.Microseconds(), 1)))
		}

		switch {
		case int64(tok.n) < needed:
			d.readsFailed++
			err := tok.err
			if err == nil || errors.Is(err, io.EOF) {
				err = streamer.ErrShortRead
			} else {
				err = fmt.Errorf("%w: %w", streamer.ErrShortRead, err)
			}
			ctx.MarkRequestAsCompleted(req, streamer.StatusFailed,
				fmt.Errorf("read %s at %d: %w", read.Path, read.Offset, err))
		default:
			if slot.scratch != nil {
				copy(read.Output[:read.Size], slot.scratch[slot.delta:needed])
			}
			ctx.MarkRequestAsCompleted(req, streamer.StatusCompleted, nil)
		}
	}

	slot.reset()
	d.freeSlots++
}

// issueReads starts queued reads while channels are free.
func (d *Device) issueReads() bool {
	progress := false
	for d.freeSlots > 0 && len(d.pending) > 0 {
		if d.limiter != nil && !d.limiter.Allow() {
			d.armWakeUp(d.limiter.Delay())
			break
		}

		req := d.pending[0]
		issued, err := d.issue(req)
		if errors.Is(err, errHandleCacheFull) {
			// Retried once a transfer completes and frees a handle.
			break
		}
		d.pending = d.pending[1:]
		if err != nil {
			d.readsFailed++
			d.Context().MarkRequestAsCompleted(req, streamer.StatusFailed, err)
		}
		progress = progress || issued || err != nil
	}
	return progress
}

func (d *Device) armWakeUp(delay time.Duration) {
	if !d.wakeArmed.CompareAndSwap(false, true) {
		return
	}
	ctx := d.Context()
	time.AfterFunc(delay, func() {
		d.wakeArmed.Store(false)
		ctx.WakeUp()
	})
}

func (d *Device) issue(req *streamer.Request) (bool, error) {
	read := req.Command().(*streamer.Read)

	size, exists, err := d.metadata(read.Path)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, fmt.Errorf("read %s: %w", read.Path, streamer.ErrFileNotFound)
	}
	if !streamer.InRange(read.Offset, read.Size, size) {
		return false, fmt.Errorf("read %s of %d bytes at offset %d of %d bytes: %w",
			read.Path, read.Size, read.Offset, size, streamer.ErrReadPastEOF)
	}
	if int64(len(read.Output)) < read.Size {
		return false, fmt.Errorf("read %s: output buffer holds %d of %d bytes: %w",
			read.Path, len(read.Output), read.Size, streamer.ErrShortRead)
	}
	if read.Size == 0 {
		d.Context().MarkRequestAsCompleted(req, streamer.StatusCompleted, nil)
		return true, nil
	}

	handle, err := d.handles.acquire(read.Path, read.SharedRead, d.Context().Now())
	if err != nil {
		return false, err
	}

	slot := d.claimSlot()
	slot.active = true
	slot.request = req
	slot.read = read
	slot.handle = handle
	slot.token = &transfer{}
	slot.start = time.Now()

	buf := read.Output[:read.Size]
	offset := read.Offset
	if handle.direct {
		sector := d.cfg.SectorSize.Int64()
		alignedOffset := AlignDown(read.Offset, sector)
		slot.delta = read.Offset - alignedOffset
		slot.length = AlignUp(slot.delta+read.Size, sector)
		if slot.delta != 0 || slot.length != read.Size || !isMemoryAligned(buf, d.cfg.MemoryAlignment.Int()) {
			slot.scratch = alignedBuffer(int(slot.length), d.cfg.MemoryAlignment.Int())
			buf = slot.scratch
			offset = alignedOffset
		}
	}

	req.SetProcessing()
	d.readsIssued++
	d.lastPath = read.Path
	d.lastOffset = read.Offset + read.Size

	ctx := d.Context()
	tok, file := slot.token, handle.file
	d.transfers.Add(1)
	go func() {
		defer d.transfers.Done()
		tok.run(file, buf, offset)
		ctx.WakeUp()
	}()
	return true, nil
}

func (d *Device) claimSlot() *readSlot {
	for i := range d.slots {
		if !d.slots[i].active {
			d.freeSlots--
			return &d.slots[i]
		}
	}
	panic("device: no free read slot")
}

// InFlight returns the number of occupied channels.
func (d *Device) InFlight() int { return len(d.slots) - d.freeSlots }

func (d *Device) UpdateStatus(status *streamer.StackStatus) {
	available := d.freeSlots - len(d.pending)
	status.NumAvailableSlots = min(status.NumAvailableSlots, available)
	status.IsIdle = status.IsIdle && d.freeSlots == len(d.slots) && len(d.pending) == 0
}

func (d *Device) UpdateRecommendations(rec *streamer.Recommendations) {
	if d.cfg.Unbuffered {
		rec.MemoryAlignment = max(rec.MemoryAlignment, d.cfg.MemoryAlignment.Int())
		rec.SizeAlignment = max(rec.SizeAlignment, d.cfg.SectorSize.Int())
	}
	if rec.MaxConcurrentRequests == 0 || rec.MaxConcurrentRequests > d.cfg.Channels {
		rec.MaxConcurrentRequests = d.cfg.Channels
	}
}

func (d *Device) CollectStatistics(stats []streamer.Statistic) []streamer.Statistic {
	scope := d.Name()
	if d.limiter != nil {
		stats = append(stats, streamer.NewStatistic(scope, "rate_limit_tokens", d.limiter.Tokens()))
	}
	return append(stats,
		streamer.NewStatistic(scope, "available_slots", float64(d.freeSlots)),
		streamer.NewStatistic(scope, "throughput_mbps", d.throughput()), // bytes/µs == MB/s
		streamer.NewStatistic(scope, "open_time_ms", d.handles.openTimes.Average()),
		streamer.NewStatistic(scope, "close_time_ms", d.handles.closeTimes.Average()),
		streamer.NewStatistic(scope, "file_handles_open", float64(d.handles.len())),
		streamer.NewStatistic(scope, "handle_cache_hit_rate", d.handles.hitRate()),
		streamer.NewStatistic(scope, "reads_issued", float64(d.readsIssued)),
		streamer.NewStatistic(scope, "reads_failed", float64(d.readsFailed)),
	)
}

// Close waits for running transfers and closes every handle. It must only be
// called once the scheduler goroutine has stopped.
func (d *Device) Close() error {
	for i := range d.slots {
		if d.slots[i].active {
			d.slots[i].token.cancel()
		}
	}
	d.transfers.Wait()
	d.handles.closeAll()
	return nil
}
