package commands

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yamakiller/velcro-framework-sub001/pkg/streamer"
	"github.com/yamakiller/velcro-framework-sub001/pkg/streamer/device"
	"github.com/yamakiller/velcro-framework-sub001/pkg/streamer/scheduler"
	"github.com/yamakiller/velcro-framework-sub001/pkg/watch"
)

// execute runs the root command with args and returns what it printed.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	// Flags are package globals and survive between executions.
	cfgFile = ""
	readOffset, readSize, readOutput, readAlgorithm = 0, 0, "", ""
	readArchiveOffset, readCompressedSize, readUncompressedSize = 0, 0, 0
	initForce = false

	var out bytes.Buffer
	root := GetRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

// writeTestConfig creates a default configuration file.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	_, err := execute(t, "init", "--config", path)
	require.NoError(t, err)
	return path
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "velcro-streamer dev")
}

func TestInitRefusesOverwrite(t *testing.T) {
	path := writeTestConfig(t)

	_, err := execute(t, "init", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	out, err := execute(t, "init", "--config", path, "--force")
	require.NoError(t, err)
	assert.Contains(t, out, path)
}

func TestReadWholeFile(t *testing.T) {
	cfg := writeTestConfig(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "data.bin")
	data := bytes.Repeat([]byte("0123456789abcdef"), 1024)
	require.NoError(t, os.WriteFile(src, data, 0644))
	dst := filepath.Join(dir, "copy.bin")

	out, err := execute(t, "read", src, "--config", cfg, "-o", dst)
	require.NoError(t, err)
	assert.Contains(t, out, "16 KiB")

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestReadRange(t *testing.T) {
	cfg := writeTestConfig(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "data.bin")
	require.NoError(t, os.WriteFile(src, []byte("hello, streaming world"), 0644))
	dst := filepath.Join(dir, "range.bin")

	_, err := execute(t, "read", src, "--config", cfg, "--offset", "7", "--size", "9", "-o", dst)
	require.NoError(t, err)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "streaming", string(got))
}

func TestReadCompressed(t *testing.T) {
	cfg := writeTestConfig(t)
	dir := t.TempDir()

	plain := bytes.Repeat([]byte("compressible "), 500)
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	payload := enc.EncodeAll(plain, nil)
	require.NoError(t, enc.Close())

	header := []byte("ARCHIVE-HEADER--")
	archive := filepath.Join(dir, "archive.bin")
	require.NoError(t, os.WriteFile(archive, append(header, payload...), 0644))
	dst := filepath.Join(dir, "plain.bin")

	_, err = execute(t, "read", archive, "--config", cfg,
		"--algorithm", "zstd",
		"--archive-offset", "16",
		"--compressed-size", strconv.Itoa(len(payload)),
		"--uncompressed-size", strconv.Itoa(len(plain)),
		"-o", dst)
	require.NoError(t, err)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestReadMissingFile(t *testing.T) {
	cfg := writeTestConfig(t)
	_, err := execute(t, "read", filepath.Join(t.TempDir(), "missing.bin"), "--config", cfg)
	assert.Error(t, err)
}

func TestReadMissingConfig(t *testing.T) {
	_, err := execute(t, "read", "whatever.bin", "--config", filepath.Join(t.TempDir(), "none.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration file not found")
}

func TestBench(t *testing.T) {
	cfg := writeTestConfig(t)
	src := filepath.Join(t.TempDir(), "data.bin")
	require.NoError(t, os.WriteFile(src, bytes.Repeat([]byte{7}, 256*1024), 0644))

	out, err := execute(t, "bench", src, "--config", cfg, "-n", "50", "-c", "4", "--size", "8KiB", "--deadline", "5ms")
	require.NoError(t, err)
	assert.Contains(t, out, "Reads:      50")
	assert.Contains(t, out, "Throughput:")
}

func TestStatisticsSourcesIncludeWatcher(t *testing.T) {
	sched := scheduler.New(device.New(device.DefaultConfig(), nil), scheduler.DefaultConfig())

	names := func(stats []streamer.Statistic) []string {
		var out []string
		for _, s := range stats {
			out = append(out, s.Scope+"."+s.Name)
		}
		return out
	}

	assert.NotContains(t, names(statisticsSources(sched, nil).Statistics()), "watch.flushes_submitted")

	w, err := watch.New(sched, []string{t.TempDir()})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, w.Run(ctx))

	got := names(statisticsSources(sched, w).Statistics())
	assert.Contains(t, got, "watch.flushes_submitted")
	assert.Contains(t, got, "watch.flush_alls_submitted")
}
