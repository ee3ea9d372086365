package device

import (
	"errors"
	"io/fs"
	"os"
)

// File is an open handle the device reads from. ReadAt is called from
// transfer goroutines, one transfer per handle at a time or more.
type File interface {
	ReadAt(p []byte, off int64) (int, error)
	Close() error
}

// Platform is the operating-system boundary of the device: opening handles
// and querying file metadata. Transfers go through File.ReadAt.
type Platform interface {
	// Open opens path for reading. When unbuffered is set the platform tries
	// to bypass the page cache; direct reports whether it succeeded, in which
	// case every transfer must be sector aligned.
	Open(path string, unbuffered, shared bool) (f File, direct bool, err error)

	// Stat returns the size of path. A missing file is reported with
	// exists == false and a nil error.
	Stat(path string) (size int64, exists bool, err error)
}

// OSPlatform is the Platform backed by the local file system.
type OSPlatform struct{}

// NewOSPlatform returns the local file system platform.
func NewOSPlatform() *OSPlatform { return &OSPlatform{} }

func (OSPlatform) Open(path string, unbuffered, shared bool) (File, bool, error) {
	return openFile(path, unbuffered, shared)
}

func (OSPlatform) Stat(path string) (int64, bool, error) {
	return statFile(path)
}

func openBuffered(path string) (File, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	return f, false, nil
}

func statPortable(path string) (int64, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if info.IsDir() {
		return 0, false, nil
	}
	return info.Size(), true, nil
}
