// Package bytesize provides a byte count that decodes from human-readable
// strings such as "64KiB", "4k" or "1MB" in configuration files.
package bytesize

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// ByteSize is a size in bytes.
type ByteSize uint64

const (
	B   ByteSize = 1
	KiB ByteSize = 1024
	MiB ByteSize = 1024 * KiB
	GiB ByteSize = 1024 * MiB
)

// Parse parses a size. Plain numbers are bytes; SI ("MB") and IEC ("MiB")
// suffixes are both accepted.
func Parse(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty byte size string")
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return ByteSize(n), nil
}

// UnmarshalText implements encoding.TextUnmarshaler so mapstructure and
// viper can decode sizes directly.
func (b *ByteSize) UnmarshalText(text []byte) error {
	size, err := Parse(string(text))
	if err != nil {
		return err
	}
	*b = size
	return nil
}

// MarshalText implements encoding.TextMarshaler. Unlike String the output
// is exact, so sizes survive a round trip through a config file.
func (b ByteSize) MarshalText() ([]byte, error) {
	units := []struct {
		size ByteSize
		name string
	}{{GiB, "GiB"}, {MiB, "MiB"}, {KiB, "KiB"}}
	for _, u := range units {
		if b >= u.size && b%u.size == 0 {
			return []byte(fmt.Sprintf("%d %s", b/u.size, u.name)), nil
		}
	}
	return []byte(fmt.Sprintf("%d", uint64(b))), nil
}

// String formats the size with IEC units, e.g. "64 KiB".
func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// Int returns the size as an int.
func (b ByteSize) Int() int { return int(b) }

// Int64 returns the size as an int64.
func (b ByteSize) Int64() int64 { return int64(b) }
