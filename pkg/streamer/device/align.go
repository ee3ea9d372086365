package device

import "unsafe"

// IsAligned reports whether value is a multiple of alignment. alignment must
// be a power of two.
func IsAligned(value, alignment int64) bool {
	return value&(alignment-1) == 0
}

// AlignUp rounds value up to the next multiple of alignment.
func AlignUp(value, alignment int64) int64 {
	return (value + alignment - 1) &^ (alignment - 1)
}

// AlignDown rounds value down to a multiple of alignment.
func AlignDown(value, alignment int64) int64 {
	return value &^ (alignment - 1)
}

// isPowerOfTwo reports whether v is a positive power of two.
func isPowerOfTwo(v int64) bool {
	return v > 0 && v&(v-1) == 0
}

// isMemoryAligned reports whether the first byte of buf sits on an alignment
// boundary. An empty slice counts as aligned.
func isMemoryAligned(buf []byte, alignment int) bool {
	if len(buf) == 0 {
		return true
	}
	addr := uintptr(unsafe.Pointer(&buf[0]))
	return addr&uintptr(alignment-1) == 0
}

// alignedBuffer returns a size byte slice whose first byte is aligned to
// alignment, as O_DIRECT transfers require.
func alignedBuffer(size, alignment int) []byte {
	buf := make([]byte, size+alignment)
	addr := uintptr(unsafe.Pointer(&buf[0]))
	offset := int(uintptr(alignment)-(addr&uintptr(alignment-1))) & (alignment - 1)
	return buf[offset : offset+size : offset+size]
}
