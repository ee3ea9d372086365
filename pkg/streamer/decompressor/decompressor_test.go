package decompressor

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yamakiller/velcro-framework-sub001/pkg/compression"
	"github.com/yamakiller/velcro-framework-sub001/pkg/streamer"
	"github.com/yamakiller/velcro-framework-sub001/pkg/streamer/device"
)

// ============================================================================
// Test Helpers
// ============================================================================

type fixture struct {
	ctx   *streamer.Context
	dec   *Decompressor
	dev   *device.Device
	stack streamer.Stage
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	dec := New(cfg, nil)
	dev := device.New(device.DefaultConfig(), nil)
	stack := streamer.Chain(dec, dev)

	ctx := streamer.NewContext(16)
	for stage := stack; stage != nil; stage = stage.Next() {
		stage.SetContext(ctx)
	}
	t.Cleanup(func() { _ = dev.Close() })

	return &fixture{ctx: ctx, dec: dec, dev: dev, stack: stack}
}

// submit prepares r and queues whatever the stack hands back, the way the
// scheduler does.
func (f *fixture) submit(r *streamer.Request) {
	f.stack.PrepareRequest(r)
	for _, p := range f.ctx.PopPreparedRequests() {
		f.stack.QueueRequest(p)
	}
}

func (f *fixture) drive(t *testing.T, done func() bool) {
	t.Helper()

	timeout := time.After(5 * time.Second)
	for !done() {
		progress := f.stack.ExecuteRequests()
		if f.ctx.FinalizeCompletedRequests() {
			progress = true
		}
		if progress {
			continue
		}
		select {
		case <-f.ctx.WakeChannel():
		case <-timeout:
			t.Fatal("timed out waiting for the stack")
		}
	}
}

type outcome struct {
	status streamer.Status
	err    error
	done   bool
}

func (f *fixture) compressedRead(info streamer.CompressionInfo, output []byte, offset int64) *outcome {
	out := &outcome{}
	r := f.ctx.CreateRequest()
	r.SetCompressedRead(info, output, offset, streamer.NoDeadline, streamer.PriorityNormal)
	r.SetCallback(func(req *streamer.Request) {
		out.status, out.err, out.done = req.Status(), req.Err(), true
	})
	f.submit(r)
	return out
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 97)
	}
	return b
}

// writeArchive stores data compressed with algo after a header of junk bytes
// and returns the matching CompressionInfo.
func writeArchive(t *testing.T, algo compression.Algorithm, data []byte) streamer.CompressionInfo {
	t.Helper()

	c := compression.NewCompressor()
	defer c.Close()
	packed, err := c.Compress(algo, data)
	require.NoError(t, err)

	header := []byte("ARCHIVEHEADER---")
	path := filepath.Join(t.TempDir(), "archive.pak")
	require.NoError(t, os.WriteFile(path, append(header, packed...), 0o644))

	return streamer.CompressionInfo{
		Algorithm:        algo,
		ArchivePath:      path,
		ArchiveOffset:    int64(len(header)),
		CompressedSize:   int64(len(packed)),
		UncompressedSize: int64(len(data)),
	}
}

func (f *fixture) stat(name string) float64 {
	for _, s := range f.stack.CollectStatistics(nil) {
		if s.Scope == StageName && s.Name == name {
			return s.Value
		}
	}
	return -1
}

// ============================================================================
// Decompression
// ============================================================================

func TestCompressedReadWindow(t *testing.T) {
	data := payload(64 * 1024)

	tests := []struct {
		name   string
		algo   compression.Algorithm
		offset int64
		size   int
	}{
		{"zstd full", compression.AlgorithmZstd, 0, len(data)},
		{"zstd window", compression.AlgorithmZstd, 1000, 5000},
		{"lz4 window", compression.AlgorithmLZ4, 4096, 4096},
		{"gzip tail", compression.AlgorithmGzip, int64(len(data) - 10), 10},
		{"snappy head", compression.AlgorithmSnappy, 0, 1},
		{"stored window", compression.AlgorithmNone, 333, 777},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, DefaultConfig())
			info := writeArchive(t, tt.algo, data)

			buf := make([]byte, tt.size)
			out := f.compressedRead(info, buf, tt.offset)
			f.drive(t, func() bool { return out.done })

			require.Equal(t, streamer.StatusCompleted, out.status, "%v", out.err)
			assert.Equal(t, data[tt.offset:tt.offset+int64(tt.size)], buf)
		})
	}
}

func TestStoredReadSkipsDecoder(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	data := payload(4096)
	info := writeArchive(t, compression.AlgorithmNone, data)

	buf := make([]byte, 100)
	out := f.compressedRead(info, buf, 50)
	f.drive(t, func() bool { return out.done })

	require.Equal(t, streamer.StatusCompleted, out.status)
	assert.Equal(t, data[50:150], buf)
	assert.Equal(t, float64(0), f.stat("bytes_decompressed"))
}

func TestCorruptPayloadFails(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	path := filepath.Join(t.TempDir(), "broken.pak")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a zstd frame"), 0o644))
	info := streamer.CompressionInfo{
		Algorithm:        compression.AlgorithmZstd,
		ArchivePath:      path,
		CompressedSize:   27,
		UncompressedSize: 1024,
	}

	out := f.compressedRead(info, make([]byte, 16), 0)
	f.drive(t, func() bool { return out.done })

	assert.Equal(t, streamer.StatusFailed, out.status)
	assert.ErrorIs(t, out.err, streamer.ErrDecompression)
	assert.Equal(t, float64(1), f.stat("jobs_failed"))
}

func TestCompressedReadValidation(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	info := writeArchive(t, compression.AlgorithmZstd, payload(1024))

	tests := []struct {
		name   string
		output []byte
		offset int64
		want   error
	}{
		{"past end", make([]byte, 100), 1000, streamer.ErrReadPastEOF},
		{"negative offset", make([]byte, 10), -1, streamer.ErrReadPastEOF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := f.compressedRead(info, tt.output, tt.offset)
			f.drive(t, func() bool { return out.done })

			assert.Equal(t, streamer.StatusFailed, out.status)
			assert.ErrorIs(t, out.err, tt.want)
		})
	}
}

func TestHugeRangesRejected(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	info := writeArchive(t, compression.AlgorithmZstd, payload(1024))

	tests := []struct {
		name         string
		info         func(streamer.CompressionInfo) streamer.CompressionInfo
		offset, size int64
	}{
		{
			name:   "huge size",
			info:   func(i streamer.CompressionInfo) streamer.CompressionInfo { return i },
			offset: 10,
			size:   math.MaxInt64 - 10,
		},
		{
			name:   "huge offset",
			info:   func(i streamer.CompressionInfo) streamer.CompressionInfo { return i },
			offset: math.MaxInt64 - 10,
			size:   16,
		},
		{
			name: "negative compressed size",
			info: func(i streamer.CompressionInfo) streamer.CompressionInfo {
				i.CompressedSize = -1
				return i
			},
			size: 16,
		},
		{
			name: "payload end overflows",
			info: func(i streamer.CompressionInfo) streamer.CompressionInfo {
				i.ArchiveOffset = math.MaxInt64 - 10
				return i
			},
			size: 16,
		},
		{
			name: "negative uncompressed size",
			info: func(i streamer.CompressionInfo) streamer.CompressionInfo {
				i.UncompressedSize = -1
				return i
			},
			size: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := &outcome{}
			r := f.ctx.CreateRequest()
			r.SetCommand(&streamer.CompressedRead{
				Info:   tt.info(info),
				Output: make([]byte, 16),
				Offset: tt.offset,
				Size:   tt.size,
			})
			r.SetCallback(func(req *streamer.Request) {
				out.status, out.err, out.done = req.Status(), req.Err(), true
			})
			f.submit(r)
			f.drive(t, func() bool { return out.done })

			assert.Equal(t, streamer.StatusFailed, out.status)
			assert.ErrorIs(t, out.err, streamer.ErrReadPastEOF)
		})
	}
}

func TestMissingArchiveFails(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	info := streamer.CompressionInfo{
		Algorithm:        compression.AlgorithmLZ4,
		ArchivePath:      filepath.Join(t.TempDir(), "absent.pak"),
		CompressedSize:   10,
		UncompressedSize: 100,
	}

	out := f.compressedRead(info, make([]byte, 10), 0)
	f.drive(t, func() bool { return out.done })

	assert.Equal(t, streamer.StatusFailed, out.status)
	assert.ErrorIs(t, out.err, streamer.ErrFileNotFound)
}

func TestJobsAreBounded(t *testing.T) {
	f := newFixture(t, Config{MaxJobs: 1})
	data := payload(32 * 1024)
	info := writeArchive(t, compression.AlgorithmZstd, data)

	const reads = 4
	outs := make([]*outcome, reads)
	bufs := make([][]byte, reads)
	for i := range outs {
		bufs[i] = make([]byte, 1024)
		outs[i] = f.compressedRead(info, bufs[i], int64(i*1024))
	}

	maxRunning := 0
	f.drive(t, func() bool {
		maxRunning = max(maxRunning, len(f.dec.running))
		for _, o := range outs {
			if !o.done {
				return false
			}
		}
		return true
	})

	assert.Equal(t, 1, maxRunning)
	for i, o := range outs {
		require.Equal(t, streamer.StatusCompleted, o.status, "%v", o.err)
		assert.Equal(t, data[i*1024:(i+1)*1024], bufs[i])
	}
	assert.Equal(t, float64(reads*len(data)), f.stat("bytes_decompressed"))
}

func TestCancelWaitingJob(t *testing.T) {
	f := newFixture(t, Config{MaxJobs: 1})
	info := writeArchive(t, compression.AlgorithmZstd, payload(8*1024))

	first := f.ctx.CreateRequest()
	first.SetCompressedRead(info, make([]byte, 10), 0, streamer.NoDeadline, streamer.PriorityNormal)
	second := f.ctx.CreateRequest()
	second.SetCompressedRead(info, make([]byte, 10), 10, streamer.NoDeadline, streamer.PriorityNormal)

	var firstStatus, secondStatus streamer.Status = -1, -1
	first.SetCallback(func(r *streamer.Request) { firstStatus = r.Status() })
	second.SetCallback(func(r *streamer.Request) { secondStatus = r.Status() })
	f.submit(first)
	f.submit(second)

	// Wait until both archive reads landed and the second job is queued.
	f.drive(t, func() bool { return len(f.dec.waiting) == 1 || secondStatus != -1 })

	if secondStatus == -1 {
		second.RequestCancel()
		cancel := f.ctx.CreateRequest()
		cancel.SetCancel(second)
		f.submit(cancel)
		f.ctx.FinalizeCompletedRequests()
		assert.Equal(t, streamer.StatusCanceled, secondStatus)
		assert.Empty(t, f.dec.waiting)
	}

	f.drive(t, func() bool { return firstStatus != -1 })
	assert.Equal(t, streamer.StatusCompleted, firstStatus)
	assert.NotEqual(t, streamer.StatusFailed, secondStatus)
}

func TestDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, 2, New(Config{}, nil).Config().MaxJobs)
}
