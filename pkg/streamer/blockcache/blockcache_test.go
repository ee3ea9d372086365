package blockcache

import (
	"errors"
	"math"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yamakiller/velcro-framework-sub001/internal/bytesize"
	"github.com/yamakiller/velcro-framework-sub001/pkg/streamer"
)

// ============================================================================
// Test Helpers
// ============================================================================

var errDisk = errors.New("disk on fire")

// memoryStage is a leaf serving files from memory. Reads are completed in
// ExecuteRequests unless hold is set.
type memoryStage struct {
	streamer.BaseStage

	files  map[string][]byte
	broken map[string]bool
	hold   bool

	queued []*streamer.Request
	reads  []readRecord
}

type readRecord struct {
	path   string
	offset int64
	size   int64
}

func newMemoryStage(files map[string][]byte) *memoryStage {
	return &memoryStage{
		BaseStage: streamer.NewBaseStage("memory"),
		files:     files,
		broken:    make(map[string]bool),
	}
}

func (m *memoryStage) QueueRequest(r *streamer.Request) {
	ctx := m.Context()
	switch cmd := r.Command().(type) {
	case *streamer.FileMetaData:
		data, ok := m.files[cmd.Path]
		cmd.Size, cmd.Found = int64(len(data)), ok
		if !ok {
			ctx.MarkRequestAsCompleted(r, streamer.StatusFailed, streamer.ErrFileNotFound)
			return
		}
		ctx.MarkRequestAsCompleted(r, streamer.StatusCompleted, nil)
	case *streamer.Read:
		m.reads = append(m.reads, readRecord{cmd.Path, cmd.Offset, cmd.Size})
		m.queued = append(m.queued, r)
	case *streamer.Cancel:
		m.queued = slices.DeleteFunc(m.queued, func(q *streamer.Request) bool {
			if ctx.IsDescendant(cmd.Target, q) {
				ctx.MarkRequestAsCompleted(q, streamer.StatusCanceled, streamer.ErrCanceled)
				return true
			}
			return false
		})
		ctx.MarkRequestAsCompleted(r, streamer.StatusCompleted, nil)
	default:
		m.BaseStage.QueueRequest(r)
	}
}

func (m *memoryStage) ExecuteRequests() bool {
	if m.hold || len(m.queued) == 0 {
		return false
	}
	ctx := m.Context()
	for _, r := range m.queued {
		read := r.Command().(*streamer.Read)
		if m.broken[read.Path] {
			ctx.MarkRequestAsCompleted(r, streamer.StatusFailed, errDisk)
			continue
		}
		copy(read.Output[:read.Size], m.files[read.Path][read.Offset:read.Offset+read.Size])
		ctx.MarkRequestAsCompleted(r, streamer.StatusCompleted, nil)
	}
	m.queued = nil
	return true
}

func (m *memoryStage) UpdateStatus(status *streamer.StackStatus) {
	status.IsIdle = status.IsIdle && len(m.queued) == 0
}

type fixture struct {
	ctx   *streamer.Context
	cache *BlockCache
	mem   *memoryStage
}

func newFixture(blockSize bytesize.ByteSize, blockCount int, files map[string][]byte) *fixture {
	ctx := streamer.NewContext(64)
	cache := New(Config{BlockSize: blockSize, BlockCount: blockCount})
	mem := newMemoryStage(files)
	streamer.Chain(cache, mem)
	cache.SetContext(ctx)
	mem.SetContext(ctx)
	return &fixture{ctx: ctx, cache: cache, mem: mem}
}

// run drives the stack until nothing makes progress.
func (f *fixture) run() {
	for {
		progress := f.cache.ExecuteRequests()
		if f.ctx.FinalizeCompletedRequests() {
			progress = true
		}
		if !progress {
			return
		}
	}
}

type outcome struct {
	status streamer.Status
	err    error
	data   []byte
}

func (f *fixture) read(path string, offset int64, size int) (*streamer.Request, *outcome) {
	out := &outcome{status: -1}
	buf := make([]byte, size)
	r := f.ctx.CreateRequest()
	r.SetRead(path, buf, offset, streamer.NoDeadline, streamer.PriorityNormal)
	r.SetCallback(func(req *streamer.Request) {
		out.status, out.err = req.Status(), req.Err()
		out.data = append([]byte(nil), buf...)
	})
	f.cache.QueueRequest(r)
	return r, out
}

func (f *fixture) control(set func(r *streamer.Request)) *outcome {
	out := &outcome{status: -1}
	r := f.ctx.CreateRequest()
	set(r)
	r.SetCallback(func(req *streamer.Request) { out.status = req.Status() })
	f.cache.QueueRequest(r)
	return out
}

func (f *fixture) stat(name string) float64 {
	for _, s := range f.cache.CollectStatistics(nil) {
		if s.Scope == StageName && s.Name == name {
			return s.Value
		}
	}
	return -1
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*13 + i/256)
	}
	return b
}

// ============================================================================
// Scenarios
// ============================================================================

func TestRepeatedReadServedFromCache(t *testing.T) {
	content := pattern(4 * 4096)
	f := newFixture(4096, 4, map[string][]byte{"F": content})

	_, a := f.read("F", 0, 4096)
	_, b := f.read("F", 0, 4096)
	f.run()

	require.Equal(t, streamer.StatusCompleted, a.status, "%v", a.err)
	require.Equal(t, streamer.StatusCompleted, b.status, "%v", b.err)
	assert.Equal(t, content[:4096], a.data)
	assert.Equal(t, content[:4096], b.data)
	assert.Equal(t, []readRecord{{"F", 0, 4096}}, f.mem.reads, "B must not trigger a second fetch")
	assert.Equal(t, 1, f.cache.ResidentBlocks())

	hitRate := f.stat("hit_rate")
	assert.InDelta(t, 0.5, hitRate, 1e-9)
	assert.InDelta(t, 1.0, f.stat("cacheable_rate"), 1e-9)

	_, c := f.read("F", 0, 4096)
	f.run()
	assert.Equal(t, content[:4096], c.data)
	assert.Len(t, f.mem.reads, 1)
	assert.Greater(t, f.stat("hit_rate"), hitRate)
}

func TestOverlappingReadsAgree(t *testing.T) {
	content := pattern(40000)

	tests := []struct {
		name   string
		first  [2]int64
		second [2]int64
	}{
		{"inside one block", [2]int64{10, 100}, [2]int64{50, 200}},
		{"prolog and epilog", [2]int64{100, 9000}, [2]int64{5000, 12000}},
		{"second hits prolog block", [2]int64{4000, 20000}, [2]int64{3000, 4200}},
		{"tail of file", [2]int64{38000, 40000}, [2]int64{36000, 39999}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(4096, 8, map[string][]byte{"F": content})

			_, a := f.read("F", tt.first[0], int(tt.first[1]-tt.first[0]))
			f.run()
			_, b := f.read("F", tt.second[0], int(tt.second[1]-tt.second[0]))
			f.run()

			require.Equal(t, streamer.StatusCompleted, a.status, "%v", a.err)
			require.Equal(t, streamer.StatusCompleted, b.status, "%v", b.err)
			assert.Equal(t, content[tt.first[0]:tt.first[1]], a.data)
			assert.Equal(t, content[tt.second[0]:tt.second[1]], b.data)
		})
	}
}

func TestSplitIntoPrologMainEpilog(t *testing.T) {
	content := pattern(5 * 4096)
	f := newFixture(4096, 4, map[string][]byte{"F": content})

	_, out := f.read("F", 100, 3*4096-50)
	f.run()

	require.Equal(t, streamer.StatusCompleted, out.status, "%v", out.err)
	assert.Equal(t, content[100:3*4096+50], out.data)
	assert.ElementsMatch(t, []readRecord{
		{"F", 4096, 2 * 4096},
		{"F", 0, 4096},
		{"F", 3 * 4096, 4096},
	}, f.mem.reads)
	assert.Equal(t, 2, f.cache.ResidentBlocks())
}

func TestAlignedReadIsNotCached(t *testing.T) {
	content := pattern(4 * 4096)
	f := newFixture(4096, 4, map[string][]byte{"F": content})

	_, out := f.read("F", 0, 2*4096)
	f.run()

	require.Equal(t, streamer.StatusCompleted, out.status)
	assert.Equal(t, content[:2*4096], out.data)
	assert.Equal(t, []readRecord{{"F", 0, 2 * 4096}}, f.mem.reads)
	assert.Zero(t, f.cache.ResidentBlocks())
	assert.Zero(t, f.stat("cacheable_rate"))
}

func TestLastBlockFetchIsClamped(t *testing.T) {
	content := pattern(5000)
	f := newFixture(4096, 2, map[string][]byte{"F": content})

	_, out := f.read("F", 4500, 500)
	f.run()

	require.Equal(t, streamer.StatusCompleted, out.status, "%v", out.err)
	assert.Equal(t, content[4500:], out.data)
	assert.Equal(t, []readRecord{{"F", 4096, 904}}, f.mem.reads)
}

func TestOverReadRejected(t *testing.T) {
	f := newFixture(4096, 2, map[string][]byte{"F": pattern(1000)})

	_, out := f.read("F", 900, 200)
	f.run()

	assert.Equal(t, streamer.StatusFailed, out.status)
	assert.ErrorIs(t, out.err, streamer.ErrReadPastEOF)
	assert.Empty(t, f.mem.reads)
}

func TestHugeReadRangeRejected(t *testing.T) {
	tests := []struct {
		name         string
		offset, size int64
	}{
		{"huge size", 10, math.MaxInt64 - 10},
		{"huge offset", math.MaxInt64 - 10, 100},
		{"negative size", 10, -5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(4096, 2, map[string][]byte{"F": pattern(1000)})

			// Prime the cache so the range check runs against a known size.
			_, warm := f.read("F", 0, 10)
			f.run()
			require.Equal(t, streamer.StatusCompleted, warm.status)
			reads := len(f.mem.reads)

			out := &outcome{status: -1}
			r := f.ctx.CreateRequest()
			r.SetCommand(&streamer.Read{Path: "F", Output: make([]byte, 16), Offset: tt.offset, Size: tt.size})
			r.SetCallback(func(req *streamer.Request) { out.status, out.err = req.Status(), req.Err() })
			f.cache.UpdateCompletionEstimates(time.Now(), nil, []*streamer.Request{r})
			f.cache.QueueRequest(r)
			f.run()

			assert.Equal(t, streamer.StatusFailed, out.status)
			assert.ErrorIs(t, out.err, streamer.ErrReadPastEOF)
			assert.Len(t, f.mem.reads, reads)
		})
	}
}

func TestMissingFile(t *testing.T) {
	f := newFixture(4096, 2, map[string][]byte{})

	_, out := f.read("nope", 0, 10)
	f.run()

	assert.Equal(t, streamer.StatusFailed, out.status)
	assert.ErrorIs(t, out.err, streamer.ErrFileNotFound)
}

func TestFetchFailureFailsWaiters(t *testing.T) {
	f := newFixture(4096, 2, map[string][]byte{"F": pattern(4096)})
	f.mem.broken["F"] = true

	_, a := f.read("F", 0, 100)
	_, b := f.read("F", 50, 100)
	f.run()

	assert.Equal(t, streamer.StatusFailed, a.status)
	assert.Equal(t, streamer.StatusFailed, b.status)
	assert.ErrorIs(t, a.err, errDisk)
	assert.Len(t, f.mem.reads, 1)
	assert.Zero(t, f.cache.ResidentBlocks(), "failed block must not be served")
}

// ============================================================================
// Backpressure
// ============================================================================

func TestFetchesBoundedByBlockCount(t *testing.T) {
	content := pattern(8 * 4096)
	f := newFixture(4096, 2, map[string][]byte{"F": content})
	f.mem.hold = true

	outs := make([]*outcome, 4)
	for i := range outs {
		_, outs[i] = f.read("F", int64(i)*4096+10, 100)
	}
	f.run()

	assert.Len(t, f.mem.reads, 2, "in-flight fetches never exceed the block count")
	assert.Equal(t, 2.0, f.stat("delayed_sections"))
	assert.Equal(t, 2.0, f.stat("blocks_in_flight"))

	status := streamer.StackStatus{NumAvailableSlots: 10, IsIdle: true}
	f.cache.UpdateStatus(&status)
	assert.Zero(t, status.NumAvailableSlots)
	assert.False(t, status.IsIdle)

	f.mem.hold = false
	f.run()

	for i, out := range outs {
		require.Equal(t, streamer.StatusCompleted, out.status, "read %d: %v", i, out.err)
		off := int64(i)*4096 + 10
		assert.Equal(t, content[off:off+100], out.data)
	}
	assert.Len(t, f.mem.reads, 4)
	assert.Zero(t, f.stat("delayed_sections"))

	status = streamer.StackStatus{NumAvailableSlots: 10, IsIdle: true}
	f.cache.UpdateStatus(&status)
	assert.True(t, status.IsIdle)
}

func TestCancelDelayedSection(t *testing.T) {
	content := pattern(4 * 4096)
	f := newFixture(4096, 1, map[string][]byte{"F": content})
	f.mem.hold = true

	_, a := f.read("F", 10, 100)
	target, b := f.read("F", 4096+10, 100)
	f.run()
	require.Equal(t, 1.0, f.stat("delayed_sections"))

	target.RequestCancel()
	cancel := f.control(func(r *streamer.Request) { r.SetCancel(target) })
	f.run()

	assert.Equal(t, streamer.StatusCompleted, cancel.status)
	assert.Equal(t, streamer.StatusCanceled, b.status)
	assert.Zero(t, f.stat("delayed_sections"))

	f.mem.hold = false
	f.run()
	assert.Equal(t, streamer.StatusCompleted, a.status)
	assert.Len(t, f.mem.reads, 1)
}

func TestCancelCompletedRequestIsNoop(t *testing.T) {
	f := newFixture(4096, 2, map[string][]byte{"F": pattern(4096)})

	target, a := f.read("F", 0, 10)
	f.run()
	require.Equal(t, streamer.StatusCompleted, a.status)

	cancel := f.control(func(r *streamer.Request) { r.SetCancel(target) })
	f.run()
	assert.Equal(t, streamer.StatusCompleted, cancel.status)
	assert.Equal(t, streamer.StatusCompleted, a.status)
}

// ============================================================================
// Flush
// ============================================================================

func TestFlushAllIdempotent(t *testing.T) {
	f := newFixture(4096, 4, map[string][]byte{"F": pattern(4 * 4096), "G": pattern(4096)})

	f.read("F", 0, 100)
	f.read("G", 0, 100)
	f.run()
	require.Equal(t, 2, f.cache.ResidentBlocks())

	for i := 0; i < 2; i++ {
		out := f.control(func(r *streamer.Request) { r.SetFlushAll() })
		f.run()
		assert.Equal(t, streamer.StatusCompleted, out.status)
		assert.Zero(t, f.cache.ResidentBlocks())
		for j := range f.cache.blocks {
			assert.Equal(t, block{}, f.cache.blocks[j])
		}
	}
}

func TestFlushPath(t *testing.T) {
	f := newFixture(4096, 4, map[string][]byte{"F": pattern(4096), "G": pattern(4096)})

	f.read("F", 0, 100)
	f.read("G", 0, 100)
	f.run()

	out := f.control(func(r *streamer.Request) { r.SetFlush("F") })
	f.run()
	assert.Equal(t, streamer.StatusCompleted, out.status)
	assert.Equal(t, 1, f.cache.ResidentBlocks())
	assert.Equal(t, -1, f.cache.find("F", 0))
	assert.GreaterOrEqual(t, f.cache.find("G", 0), 0)

	// F is fetched again after the flush.
	f.read("F", 0, 100)
	f.run()
	assert.Len(t, f.mem.reads, 3)
}

// ============================================================================
// Estimates and recommendations
// ============================================================================

func TestResidentReadsEstimatedNow(t *testing.T) {
	f := newFixture(4096, 4, map[string][]byte{"F": pattern(4 * 4096)})
	f.read("F", 0, 100)
	f.run()

	now := time.Unix(500, 0)
	hit := f.ctx.CreateRequest()
	hit.SetRead("F", make([]byte, 10), 20, streamer.NoDeadline, streamer.PriorityNormal)
	miss := f.ctx.CreateRequest()
	miss.SetRead("F", make([]byte, 10), 3*4096, streamer.NoDeadline, streamer.PriorityNormal)
	miss.SetEstimatedCompletion(now.Add(time.Hour))

	f.cache.UpdateCompletionEstimates(now, nil, []*streamer.Request{hit, miss})
	assert.Equal(t, now, hit.EstimatedCompletion())
	assert.Equal(t, now.Add(time.Hour), miss.EstimatedCompletion())
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{BlockSize: 3000, BlockCount: 1}
	assert.Error(t, cfg.Validate())

	cfg = Config{}
	cfg.ApplyDefaults()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultConfig(), cfg)
}
