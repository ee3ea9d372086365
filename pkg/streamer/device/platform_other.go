//go:build !linux

package device

// Unbuffered reads are only implemented on Linux; elsewhere every handle is
// buffered and transfers need no alignment.
func openFile(path string, _, _ bool) (File, bool, error) {
	return openBuffered(path)
}

func statFile(path string) (int64, bool, error) {
	return statPortable(path)
}
