package compression

import (
	"bytes"
	"errors"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("streamed block payload 0123456789 "), 512)

	compressor := NewCompressor()
	defer compressor.Close()

	for _, algo := range []Algorithm{AlgorithmNone, AlgorithmGzip, AlgorithmLZ4, AlgorithmSnappy, AlgorithmZstd} {
		t.Run(algo.String(), func(t *testing.T) {
			packed, err := compressor.Compress(algo, data)
			if err != nil {
				t.Fatalf("Compress: %v", err)
			}
			if algo != AlgorithmNone && len(packed) >= len(data) {
				t.Errorf("expected %s to shrink repetitive data, got %d >= %d", algo, len(packed), len(data))
			}

			out, err := compressor.Decompress(algo, packed, int64(len(data)))
			if err != nil {
				t.Fatalf("Decompress: %v", err)
			}
			if !bytes.Equal(out, data) {
				t.Fatal("round trip changed the payload")
			}
		})
	}
}

func TestDecompressSizeMismatch(t *testing.T) {
	compressor := NewCompressor()
	defer compressor.Close()

	data := []byte("abcdefghijklmnopqrstuvwxyz")
	for _, algo := range []Algorithm{AlgorithmGzip, AlgorithmLZ4, AlgorithmZstd} {
		packed, err := compressor.Compress(algo, data)
		if err != nil {
			t.Fatalf("%s: Compress: %v", algo, err)
		}
		if _, err := compressor.Decompress(algo, packed, int64(len(data))+10); err == nil {
			t.Errorf("%s: expected an error for an oversized expectation", algo)
		}
	}
}

func TestDecompressCorrupt(t *testing.T) {
	compressor := NewCompressor()
	defer compressor.Close()

	for _, algo := range []Algorithm{AlgorithmGzip, AlgorithmLZ4, AlgorithmSnappy, AlgorithmZstd} {
		if _, err := compressor.Decompress(algo, []byte("definitely not compressed"), 64); err == nil {
			t.Errorf("%s: expected an error for garbage input", algo)
		}
	}
}

func TestParseAlgorithm(t *testing.T) {
	tests := []struct {
		in      string
		want    Algorithm
		wantErr bool
	}{
		{"", AlgorithmNone, false},
		{"none", AlgorithmNone, false},
		{"GZIP", AlgorithmGzip, false},
		{"lz4", AlgorithmLZ4, false},
		{" snappy ", AlgorithmSnappy, false},
		{"zstd", AlgorithmZstd, false},
		{"brotli", AlgorithmNone, true},
	}

	for _, tt := range tests {
		got, err := ParseAlgorithm(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseAlgorithm(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if tt.wantErr && !errors.Is(err, ErrUnsupportedAlgorithm) {
			t.Errorf("ParseAlgorithm(%q) error should wrap ErrUnsupportedAlgorithm", tt.in)
		}
		if got != tt.want {
			t.Errorf("ParseAlgorithm(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestAlgorithmText(t *testing.T) {
	var a Algorithm
	if err := a.UnmarshalText([]byte("zstd")); err != nil {
		t.Fatal(err)
	}
	text, _ := a.MarshalText()
	if string(text) != "zstd" {
		t.Fatalf("MarshalText = %q", text)
	}
}
