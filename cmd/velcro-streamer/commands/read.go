package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/yamakiller/velcro-framework-sub001/pkg/compression"
	"github.com/yamakiller/velcro-framework-sub001/pkg/streamer"
)

var (
	readOffset           int64
	readSize             int64
	readOutput           string
	readTimeout          time.Duration
	readAlgorithm        string
	readArchiveOffset    int64
	readCompressedSize   int64
	readUncompressedSize int64
)

var readCmd = &cobra.Command{
	Use:   "read <file>",
	Short: "Read a file through the configured stack",
	Long: `Read a byte range of a file through the configured stack and report
how long it took.

Without --size the whole file from --offset is read. With --algorithm the file
is treated as an archive holding one compressed payload, described by
--archive-offset, --compressed-size and --uncompressed-size.

Examples:
  # Read a whole file and discard the data
  velcro-streamer read /data/level.pak

  # Read 4 KiB at offset 1 MiB into a file
  velcro-streamer read /data/level.pak --offset 1048576 --size 4096 -o chunk.bin

  # Read the decompressed stream of a zstd payload
  velcro-streamer read /data/archive.bin --algorithm zstd \
    --archive-offset 512 --compressed-size 8000 --uncompressed-size 65536`,
	Args: cobra.ExactArgs(1),
	RunE: runRead,
}

func init() {
	readCmd.Flags().Int64Var(&readOffset, "offset", 0, "Offset to start reading at")
	readCmd.Flags().Int64Var(&readSize, "size", 0, "Number of bytes to read (default: rest of the file)")
	readCmd.Flags().StringVarP(&readOutput, "output", "o", "", "Write the data to this file")
	readCmd.Flags().DurationVar(&readTimeout, "timeout", 30*time.Second, "Give up after this long")
	readCmd.Flags().StringVar(&readAlgorithm, "algorithm", "", "Compression algorithm of the payload (none, gzip, lz4, snappy, zstd)")
	readCmd.Flags().Int64Var(&readArchiveOffset, "archive-offset", 0, "Offset of the compressed payload in the archive")
	readCmd.Flags().Int64Var(&readCompressedSize, "compressed-size", 0, "Size of the compressed payload")
	readCmd.Flags().Int64Var(&readUncompressedSize, "uncompressed-size", 0, "Size of the decompressed stream")
}

func runRead(cmd *cobra.Command, args []string) error {
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

	ctx, cancel := context.WithTimeout(cmd.Context(), readTimeout)
	defer cancel()

	path := args[0]
	var setup func(r *streamer.Request)
	var buf []byte

	if readAlgorithm != "" {
		algo, err := compression.ParseAlgorithm(readAlgorithm)
		if err != nil {
			return err
		}
		info := streamer.CompressionInfo{
			Algorithm:        algo,
			ArchivePath:      path,
			ArchiveOffset:    readArchiveOffset,
			CompressedSize:   readCompressedSize,
			UncompressedSize: readUncompressedSize,
		}
		size := readSize
		if size == 0 {
			size = readUncompressedSize - readOffset
		}
		if size <= 0 {
			return fmt.Errorf("nothing to read at offset %d", readOffset)
		}
		buf = make([]byte, size)
		setup = func(r *streamer.Request) {
			r.SetCompressedRead(info, buf, readOffset, streamer.NoDeadline, streamer.PriorityNormal)
		}
	} else {
		size := readSize
		if size == 0 {
			meta, err := wait(ctx, e.submit(func(r *streamer.Request) { r.SetFileMetaData(path) }))
			if err != nil {
				return err
			}
			if !meta.found {
				return fmt.Errorf("%s: %w", path, streamer.ErrFileNotFound)
			}
			size = meta.size - readOffset
		}
		if size <= 0 {
			return fmt.Errorf("nothing to read at offset %d", readOffset)
		}
		buf = make([]byte, size)
		setup = func(r *streamer.Request) {
			r.SetRead(path, buf, readOffset, streamer.NoDeadline, streamer.PriorityNormal)
		}
	}

	res, err := wait(ctx, e.submit(setup))
	if err != nil {
		return err
	}

	if readOutput != "" {
		if err := os.WriteFile(readOutput, buf, 0644); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
	}

	printReadSummary(cmd.OutOrStdout(), path, res)
	return nil
}

func printReadSummary(w io.Writer, path string, res result) {
	rate := "n/a"
	if secs := res.elapsed.Seconds(); secs > 0 {
		rate = humanize.IBytes(uint64(float64(res.bytes)/secs)) + "/s"
	}
	fmt.Fprintf(w, "Read %s (%s) from %s in %v (%s)\n",
		humanize.IBytes(uint64(res.bytes)), humanize.Comma(res.bytes), path, res.elapsed.Round(time.Microsecond), rate)
}
