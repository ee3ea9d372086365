// Package compression implements the codecs used for compressed reads.
//
// Payloads are raw codec streams without any framing of their own: the
// algorithm and the sizes travel with the request, so the archive only stores
// the compressed bytes.
package compression

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm identifies a compression codec.
type Algorithm int

const (
	AlgorithmNone Algorithm = iota
	AlgorithmGzip
	AlgorithmLZ4
	AlgorithmSnappy
	AlgorithmZstd
)

func (a Algorithm) String() string {
	switch a {
	case AlgorithmNone:
		return "none"
	case AlgorithmGzip:
		return "gzip"
	case AlgorithmLZ4:
		return "lz4"
	case AlgorithmSnappy:
		return "snappy"
	case AlgorithmZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// ParseAlgorithm parses a codec name. The empty string means none.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return AlgorithmNone, nil
	case "gzip":
		return AlgorithmGzip, nil
	case "lz4":
		return AlgorithmLZ4, nil
	case "snappy":
		return AlgorithmSnappy, nil
	case "zstd":
		return AlgorithmZstd, nil
	default:
		return AlgorithmNone, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (a Algorithm) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Algorithm) UnmarshalText(text []byte) error {
	parsed, err := ParseAlgorithm(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

var (
	ErrUnsupportedAlgorithm = errors.New("unsupported compression algorithm")
	ErrSizeMismatch         = errors.New("decompressed size mismatch")
)

// Compressor encodes and decodes payloads. It is safe for concurrent use;
// decompression jobs run on their own goroutines.
type Compressor struct {
	zstdOnce sync.Once
	zstdErr  error
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
}

// NewCompressor creates a Compressor. Codec state is built lazily.
func NewCompressor() *Compressor {
	return &Compressor{}
}

func (c *Compressor) initZstd() error {
	c.zstdOnce.Do(func() {
		c.zstdEnc, c.zstdErr = zstd.NewWriter(nil)
		if c.zstdErr != nil {
			return
		}
		c.zstdDec, c.zstdErr = zstd.NewReader(nil)
	})
	return c.zstdErr
}

// Compress encodes data with algo.
func (c *Compressor) Compress(algo Algorithm, data []byte) ([]byte, error) {
	switch algo {
	case AlgorithmNone:
		return append([]byte(nil), data...), nil

	case AlgorithmGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil

	case AlgorithmLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil

	case AlgorithmSnappy:
		return snappy.Encode(nil, data), nil

	case AlgorithmZstd:
		if err := c.initZstd(); err != nil {
			return nil, err
		}
		return c.zstdEnc.EncodeAll(data, nil), nil

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedAlgorithm, algo)
	}
}

// Decompress decodes src, which must expand to exactly size bytes, into a
// new buffer.
func (c *Compressor) Decompress(algo Algorithm, src []byte, size int64) ([]byte, error) {
	var (
		out []byte
		err error
	)

	switch algo {
	case AlgorithmNone:
		out = append([]byte(nil), src...)

	case AlgorithmGzip:
		var r *gzip.Reader
		if r, err = gzip.NewReader(bytes.NewReader(src)); err != nil {
			return nil, err
		}
		out, err = readExactly(r, size)
		_ = r.Close()

	case AlgorithmLZ4:
		out, err = readExactly(lz4.NewReader(bytes.NewReader(src)), size)

	case AlgorithmSnappy:
		out, err = snappy.Decode(make([]byte, size), src)

	case AlgorithmZstd:
		if err = c.initZstd(); err != nil {
			return nil, err
		}
		out, err = c.zstdDec.DecodeAll(src, make([]byte, 0, size))

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedAlgorithm, algo)
	}

	if err != nil {
		return nil, fmt.Errorf("%s: %w", algo, err)
	}
	if int64(len(out)) != size {
		return nil, fmt.Errorf("%s: %w: got %d, want %d", algo, ErrSizeMismatch, len(out), size)
	}
	return out, nil
}

func readExactly(r io.Reader, size int64) ([]byte, error) {
	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	// Trailing data means the stream is larger than advertised.
	var extra [1]byte
	if n, _ := r.Read(extra[:]); n > 0 {
		return nil, ErrSizeMismatch
	}
	return out, nil
}

// Close releases codec resources.
func (c *Compressor) Close() {
	if c.zstdDec != nil {
		c.zstdDec.Close()
	}
	if c.zstdEnc != nil {
		_ = c.zstdEnc.Close()
	}
}
