// Package blockcache implements a fixed-size, block-granular read-through
// cache stage.
//
// Reads are split into up to three pieces: a partial leading block (prolog),
// a block-aligned interior (main) and a partial trailing block (epilog). The
// prolog and epilog are served from cache blocks keyed by (path, block
// offset); the main range is forwarded downstream untouched. A read that fits
// in a single block is cached as a whole.
package blockcache

import (
	"fmt"
	"slices"
	"time"

	"github.com/yamakiller/velcro-framework-sub001/internal/bytesize"
	"github.com/yamakiller/velcro-framework-sub001/internal/logger"
	"github.com/yamakiller/velcro-framework-sub001/pkg/streamer"
)

// StageName is the name the cache reports in logs and statistics.
const StageName = "block_cache"

// Config configures a BlockCache.
type Config struct {
	// BlockSize must be a power of two.
	BlockSize bytesize.ByteSize `mapstructure:"block_size" yaml:"block_size" validate:"required"`

	// BlockCount bounds both the memory used and the number of concurrent
	// downstream fetches.
	BlockCount int `mapstructure:"block_count" yaml:"block_count" validate:"min=1"`
}

// DefaultConfig returns the configuration used when no options are given.
func DefaultConfig() Config {
	return Config{
		BlockSize:  64 * bytesize.KiB,
		BlockCount: 32,
	}
}

// ApplyDefaults fills zero fields with DefaultConfig values.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.BlockSize == 0 {
		c.BlockSize = d.BlockSize
	}
	if c.BlockCount == 0 {
		c.BlockCount = d.BlockCount
	}
}

// Validate checks the constraints struct tags cannot express.
func (c *Config) Validate() error {
	bs := c.BlockSize.Int64()
	if bs <= 0 || bs&(bs-1) != 0 {
		return fmt.Errorf("block_size must be a power of two, got %d", c.BlockSize)
	}
	return nil
}

// block is one cache slot. A block is either empty, resident (valid) or
// being filled (fetch set).
type block struct {
	path     string
	offset   int64
	size     int64
	fileSize int64
	valid    bool

	lastTouched uint64
	fetch       streamer.Handle
	waiting     []*section
}

func (b *block) inFlight() bool { return !b.fetch.IsZero() }

func (b *block) holds(path string, offset int64) bool {
	return (b.valid || b.inFlight()) && b.path == path && b.offset == offset
}

func (b *block) reset() {
	*b = block{}
}

// section is the part of a read served by one cache block.
type section struct {
	owner       *streamer.Request
	wait        *streamer.Request
	path        string
	fileSize    int64
	blockOffset int64
	readOffset  int64
	output      []byte
}

// sizeResult carries the outcome of an internal file size lookup.
type sizeResult struct {
	owner streamer.Handle
	size  int64
	err   error
}

// BlockCache is the caching stage.
type BlockCache struct {
	streamer.BaseStage

	cfg       Config
	blockSize int64
	memory    []byte
	blocks    []block
	tick      uint64

	sizePending  []*streamer.Request
	sizeResolved []sizeResult

	delayed     []*section
	blockFreed  bool
	numInFlight int

	readRequests      uint64
	cacheableRequests uint64
	sections          uint64
	hits              uint64
}

// New creates a cache with cfg.BlockCount blocks of cfg.BlockSize bytes.
func New(cfg Config) *BlockCache {
	cfg.ApplyDefaults()
	return &BlockCache{
		BaseStage: streamer.NewBaseStage(StageName),
		cfg:       cfg,
		blockSize: cfg.BlockSize.Int64(),
		memory:    make([]byte, cfg.BlockSize.Int64()*int64(cfg.BlockCount)),
		blocks:    make([]block, cfg.BlockCount),
	}
}

// Config returns the effective configuration.
func (c *BlockCache) Config() Config { return c.cfg }

func (c *BlockCache) blockData(idx int) []byte {
	start := int64(idx) * c.blockSize
	return c.memory[start : start+c.blockSize]
}

func (c *BlockCache) QueueRequest(r *streamer.Request) {
	switch cmd := r.Command().(type) {
	case *streamer.Read:
		r.SetProcessing()
		c.readRequests++
		c.queueRead(r, cmd)

	case *streamer.Cancel:
		c.cancel(cmd.Target)
		c.Next().QueueRequest(r)

	case *streamer.Flush:
		c.flush(func(b *block) bool { return b.path == cmd.Path })
		c.Next().QueueRequest(r)

	case *streamer.FlushAll:
		c.flush(func(*block) bool { return true })
		c.Next().QueueRequest(r)

	case *streamer.Report:
		if cmd.Kind == streamer.ReportStatistics {
			for _, s := range c.collect(nil) {
				logger.Info("%s.%s = %.3f", s.Scope, s.Name, s.Value)
			}
		}
		c.Next().QueueRequest(r)

	default:
		c.BaseStage.QueueRequest(r)
	}
}

func (c *BlockCache) queueRead(r *streamer.Request, read *streamer.Read) {
	if size, ok := c.knownFileSize(read.Path); ok {
		c.split(r, read, size)
		return
	}

	// The file length is needed before the read can be split. The lookup is
	// parentless so that its completion never finishes the read by itself.
	ctx := c.Context()
	owner := r.Handle()
	lookup := ctx.CreateRequest()
	lookup.SetFileMetaData(read.Path)
	lookup.SetCallback(func(m *streamer.Request) {
		md := m.Command().(*streamer.FileMetaData)
		res := sizeResult{owner: owner, size: md.Size}
		if m.Status() != streamer.StatusCompleted {
			res.err = m.Err()
			if res.err == nil {
				res.err = streamer.ErrFileNotFound
			}
		}
		c.sizeResolved = append(c.sizeResolved, res)
	})
	c.sizePending = append(c.sizePending, r)
	c.Next().QueueRequest(lookup)
}

// knownFileSize returns the length of path when a block already holds part
// of it.
func (c *BlockCache) knownFileSize(path string) (int64, bool) {
	for i := range c.blocks {
		b := &c.blocks[i]
		if (b.valid || b.inFlight()) && b.path == path {
			return b.fileSize, true
		}
	}
	return 0, false
}

// split services the cacheable pieces of r and forwards the rest.
func (c *BlockCache) split(r *streamer.Request, read *streamer.Read, fileSize int64) {
	ctx := c.Context()

	if !streamer.InRange(read.Offset, read.Size, fileSize) {
		ctx.MarkRequestAsCompleted(r, streamer.StatusFailed,
			fmt.Errorf("read %s of %d bytes at offset %d of %d bytes: %w",
				read.Path, read.Size, read.Offset, fileSize, streamer.ErrReadPastEOF))
		return
	}
	if int64(len(read.Output)) < read.Size {
		ctx.MarkRequestAsCompleted(r, streamer.StatusFailed,
			fmt.Errorf("read %s: output buffer holds %d of %d bytes: %w", read.Path, len(read.Output), read.Size, streamer.ErrShortRead))
		return
	}
	if read.Size == 0 {
		ctx.MarkRequestAsCompleted(r, streamer.StatusCompleted, nil)
		return
	}

	start, end := read.Offset, read.Offset+read.Size
	bs := c.blockSize
	first := start &^ (bs - 1)
	last := (end - 1) &^ (bs - 1)

	var pieces [2][2]int64
	n := 0
	mainStart, mainEnd := start, end

	if first == last {
		pieces[n] = [2]int64{start, end}
		n++
		mainStart, mainEnd = end, end
	} else {
		if start != first {
			pieces[n] = [2]int64{start, first + bs}
			n++
			mainStart = first + bs
		}
		if end&(bs-1) != 0 {
			pieces[n] = [2]int64{last, end}
			n++
			mainEnd = last
		}
	}

	if n > 0 {
		c.cacheableRequests++
	}

	if mainStart < mainEnd {
		child := ctx.CreateChild(r)
		child.SetCommand(&streamer.Read{
			Path:       read.Path,
			Output:     read.Output[mainStart-start : mainEnd-start],
			Offset:     mainStart,
			Size:       mainEnd - mainStart,
			SharedRead: read.SharedRead,
		})
		c.Next().QueueRequest(child)
	}

	for i := 0; i < n; i++ {
		from, to := pieces[i][0], pieces[i][1]
		c.sections++
		c.service(&section{
			owner:       r,
			path:        read.Path,
			fileSize:    fileSize,
			blockOffset: from &^ (bs - 1),
			readOffset:  from,
			output:      read.Output[from-start : to-start],
		})
	}

	if r.PendingChildren() == 0 {
		ctx.MarkRequestAsCompleted(r, streamer.StatusCompleted, nil)
	}
}

// service copies a section from a resident block, attaches it to an
// in-flight fetch, or starts a fetch in a recycled block. When every block
// is busy the section is delayed until one frees up.
func (c *BlockCache) service(sec *section) {
	ctx := c.Context()
	c.tick++

	if idx := c.find(sec.path, sec.blockOffset); idx >= 0 {
		b := &c.blocks[idx]
		b.lastTouched = c.tick
		c.hits++
		if b.valid {
			if err := c.copyOut(idx, sec); err != nil {
				c.finishSection(sec, streamer.StatusFailed, err)
				return
			}
			c.finishSection(sec, streamer.StatusCompleted, nil)
			return
		}
		c.attachWait(sec)
		b.waiting = append(b.waiting, sec)
		return
	}

	idx := c.recyclable()
	if idx < 0 {
		c.attachWait(sec)
		c.delayed = append(c.delayed, sec)
		return
	}

	b := &c.blocks[idx]
	b.reset()
	b.path = sec.path
	b.offset = sec.blockOffset
	b.fileSize = sec.fileSize
	b.size = min(c.blockSize, sec.fileSize-sec.blockOffset)
	b.lastTouched = c.tick

	fetch := ctx.CreateRequest()
	fetch.SetRead(sec.path, c.blockData(idx)[:b.size], sec.blockOffset, sec.owner.Deadline(), sec.owner.Priority())
	fetch.SetCompletionHook(func(f *streamer.Request) { c.fetchDone(idx, f) })
	b.fetch = fetch.Handle()
	c.numInFlight++

	c.attachWait(sec)
	b.waiting = append(b.waiting, sec)
	c.Next().QueueRequest(fetch)
}

// attachWait makes the owner of sec wait for the section to be serviced.
func (c *BlockCache) attachWait(sec *section) {
	if sec.wait != nil {
		return
	}
	sec.wait = c.Context().CreateChild(sec.owner)
	sec.wait.SetCommand(&streamer.Wait{})
}

// finishSection completes the wait of sec, if it has one.
func (c *BlockCache) finishSection(sec *section, status streamer.Status, err error) {
	if sec.wait != nil {
		c.Context().MarkRequestAsCompleted(sec.wait, status, err)
		sec.wait = nil
	} else if status != streamer.StatusCompleted {
		// Served synchronously: fail the owner directly.
		c.Context().MarkRequestAsCompleted(sec.owner, status, err)
	}
}

func (c *BlockCache) copyOut(idx int, sec *section) error {
	b := &c.blocks[idx]
	from := sec.readOffset - b.offset
	to := from + int64(len(sec.output))
	if to > b.size {
		return fmt.Errorf("read %s at %d: block holds %d bytes: %w", sec.path, sec.readOffset, b.size, streamer.ErrReadPastEOF)
	}
	copy(sec.output, c.blockData(idx)[from:to])
	return nil
}

func (c *BlockCache) find(path string, offset int64) int {
	for i := range c.blocks {
		if c.blocks[i].holds(path, offset) {
			return i
		}
	}
	return -1
}

// recyclable returns the least recently touched block that is not being
// filled, or -1.
func (c *BlockCache) recyclable() int {
	best := -1
	for i := range c.blocks {
		b := &c.blocks[i]
		if b.inFlight() {
			continue
		}
		if best < 0 || b.lastTouched < c.blocks[best].lastTouched {
			best = i
		}
	}
	return best
}

// fetchDone runs when the downstream read filling block idx finishes. It
// fans the data out to every waiting section.
func (c *BlockCache) fetchDone(idx int, f *streamer.Request) {
	b := &c.blocks[idx]
	if b.fetch != f.Handle() {
		return
	}
	b.fetch = streamer.Handle{}
	c.numInFlight--
	c.blockFreed = true

	waiting := b.waiting
	b.waiting = nil

	if f.Status() != streamer.StatusCompleted {
		err := f.Err()
		if err == nil {
			err = streamer.ErrChildFailed
		}
		b.reset()
		for _, sec := range waiting {
			c.finishSection(sec, streamer.StatusFailed, err)
		}
		return
	}

	b.valid = true
	for _, sec := range waiting {
		if err := c.copyOut(idx, sec); err != nil {
			c.finishSection(sec, streamer.StatusFailed, err)
			continue
		}
		c.finishSection(sec, streamer.StatusCompleted, nil)
	}
}

// cancel drops every section and size lookup belonging to target.
func (c *BlockCache) cancel(target streamer.Handle) {
	ctx := c.Context()

	c.sizePending = slices.DeleteFunc(c.sizePending, func(r *streamer.Request) bool {
		if !ctx.IsDescendant(target, r) {
			return false
		}
		ctx.MarkRequestAsCompleted(r, streamer.StatusCanceled, streamer.ErrCanceled)
		return true
	})

	drop := func(sec *section) bool {
		if !ctx.IsDescendant(target, sec.wait) {
			return false
		}
		c.finishSection(sec, streamer.StatusCanceled, streamer.ErrCanceled)
		return true
	}
	c.delayed = slices.DeleteFunc(c.delayed, drop)
	for i := range c.blocks {
		if len(c.blocks[i].waiting) > 0 {
			c.blocks[i].waiting = slices.DeleteFunc(c.blocks[i].waiting, drop)
		}
	}
}

// flush resets every block selected by match that is not being filled.
func (c *BlockCache) flush(match func(*block) bool) {
	for i := range c.blocks {
		b := &c.blocks[i]
		if b.inFlight() || !b.valid || !match(b) {
			continue
		}
		b.reset()
		c.blockFreed = true
	}
}

func (c *BlockCache) ExecuteRequests() bool {
	progress := false

	if len(c.sizeResolved) > 0 {
		resolved := c.sizeResolved
		c.sizeResolved = nil
		for _, res := range resolved {
			c.resolveSize(res)
		}
		progress = true
	}

	if c.blockFreed && len(c.delayed) > 0 {
		c.blockFreed = false
		if c.retryDelayed() {
			progress = true
		}
	}

	if c.Next().ExecuteRequests() {
		progress = true
	}
	return progress
}

func (c *BlockCache) resolveSize(res sizeResult) {
	i := slices.IndexFunc(c.sizePending, func(r *streamer.Request) bool { return r.Handle() == res.owner })
	if i < 0 {
		return // canceled meanwhile
	}
	r := c.sizePending[i]
	c.sizePending = slices.Delete(c.sizePending, i, i+1)

	read := r.Command().(*streamer.Read)
	if res.err != nil {
		c.Context().MarkRequestAsCompleted(r, streamer.StatusFailed, fmt.Errorf("read %s: %w", read.Path, res.err))
		return
	}
	c.split(r, read, res.size)
}

// retryDelayed services delayed sections in arrival order until blocks run
// out again.
func (c *BlockCache) retryDelayed() bool {
	progress := false
	for len(c.delayed) > 0 {
		sec := c.delayed[0]
		if c.find(sec.path, sec.blockOffset) < 0 && c.recyclable() < 0 {
			break
		}
		c.delayed = c.delayed[1:]
		c.service(sec)
		progress = true
	}
	if len(c.delayed) == 0 {
		c.delayed = nil
	}
	return progress
}

// resident reports whether read can be served entirely from valid blocks.
func (c *BlockCache) resident(read *streamer.Read) bool {
	fileSize, ok := c.knownFileSize(read.Path)
	if !ok || read.Size <= 0 || !streamer.InRange(read.Offset, read.Size, fileSize) {
		return false
	}
	bs := c.blockSize
	start, end := read.Offset, read.Offset+read.Size
	first := start &^ (bs - 1)
	last := (end - 1) &^ (bs - 1)
	if last-first > bs {
		return false
	}
	for off := first; off <= last; off += bs {
		idx := c.find(read.Path, off)
		if idx < 0 || !c.blocks[idx].valid {
			return false
		}
	}
	// Two blocks with an aligned end would forward the second one.
	return first == last || (start != first && end&(bs-1) != 0)
}

func (c *BlockCache) UpdateCompletionEstimates(now time.Time, internal, pending []*streamer.Request) {
	c.Next().UpdateCompletionEstimates(now, internal, pending)

	for _, list := range [][]*streamer.Request{internal, pending} {
		for _, r := range list {
			if read, ok := r.Command().(*streamer.Read); ok && c.resident(read) {
				r.SetEstimatedCompletion(now)
			}
		}
	}
}

func (c *BlockCache) UpdateStatus(status *streamer.StackStatus) {
	c.Next().UpdateStatus(status)

	free := len(c.blocks) - c.numInFlight
	status.NumAvailableSlots = min(status.NumAvailableSlots, free)
	status.IsIdle = status.IsIdle && c.numInFlight == 0 && len(c.delayed) == 0 &&
		len(c.sizePending) == 0 && len(c.sizeResolved) == 0
}

func (c *BlockCache) UpdateRecommendations(rec *streamer.Recommendations) {
	c.Next().UpdateRecommendations(rec)
	rec.SizeAlignment = max(rec.SizeAlignment, int(c.blockSize))
}

func (c *BlockCache) collect(stats []streamer.Statistic) []streamer.Statistic {
	scope := c.Name()
	hitRate, cacheableRate := 0.0, 0.0
	if c.sections > 0 {
		hitRate = float64(c.hits) / float64(c.sections)
	}
	if c.readRequests > 0 {
		cacheableRate = float64(c.cacheableRequests) / float64(c.readRequests)
	}
	return append(stats,
		streamer.NewStatistic(scope, "hit_rate", hitRate),
		streamer.NewStatistic(scope, "cacheable_rate", cacheableRate),
		streamer.NewStatistic(scope, "delayed_sections", float64(len(c.delayed))),
		streamer.NewStatistic(scope, "blocks_in_flight", float64(c.numInFlight)),
	)
}

func (c *BlockCache) CollectStatistics(stats []streamer.Statistic) []streamer.Statistic {
	return c.Next().CollectStatistics(c.collect(stats))
}

// ResidentBlocks returns the number of blocks holding valid data.
func (c *BlockCache) ResidentBlocks() int {
	n := 0
	for i := range c.blocks {
		if c.blocks[i].valid {
			n++
		}
	}
	return n
}
