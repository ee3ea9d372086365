//go:build linux

package device

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// openFile opens path with O_DIRECT when unbuffered reads are requested.
// File systems that refuse O_DIRECT (tmpfs, some overlays) answer EINVAL, in
// which case the handle is opened buffered instead. The shared flag needs no
// handling: POSIX opens never lock out writers.
func openFile(path string, unbuffered, _ bool) (File, bool, error) {
	if !unbuffered {
		f, direct, err := openBuffered(path)
		if err == nil {
			if of, ok := f.(*os.File); ok {
				_ = unix.Fadvise(int(of.Fd()), 0, 0, unix.FADV_RANDOM)
			}
		}
		return f, direct, err
	}

	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_DIRECT|unix.O_CLOEXEC, 0)
	if errors.Is(err, unix.EINVAL) {
		return openBuffered(path)
	}
	if err != nil {
		return nil, false, &os.PathError{Op: "open", Path: path, Err: err}
	}
	return os.NewFile(uintptr(fd), path), true, nil
}

func statFile(path string) (int64, bool, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ENOTDIR) {
			return 0, false, nil
		}
		return 0, false, &os.PathError{Op: "stat", Path: path, Err: err}
	}
	if st.Mode&unix.S_IFMT == unix.S_IFDIR {
		return 0, false, nil
	}
	return st.Size, true, nil
}
