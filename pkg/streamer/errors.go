package streamer

import "errors"

// ============================================================================
// Standard Streamer Errors
// ============================================================================

// These errors are attached to requests that end in StatusFailed or
// StatusCanceled and are available through Request.Err(). Stages wrap them
// with context:
//
//	ctx.MarkRequestAsCompleted(req, StatusFailed,
//	    fmt.Errorf("read %s: %w", path, streamer.ErrShortRead))
//
// Callers check them with errors.Is.

var (
	// ErrCanceled indicates the request was canceled by a Cancel command
	// before it could complete.
	ErrCanceled = errors.New("request canceled")

	// ErrFileNotFound indicates the file a request refers to does not exist.
	ErrFileNotFound = errors.New("file not found")

	// ErrReadPastEOF indicates a read whose range ends beyond the end of the
	// file. It is rejected before reaching the OS layer and points to a bug in
	// how the request was built.
	ErrReadPastEOF = errors.New("read past end of file")

	// ErrShortRead indicates the OS returned fewer bytes than requested.
	ErrShortRead = errors.New("short read")

	// ErrUnsupportedCommand indicates a command reached a stage that has no way
	// to service or forward it.
	ErrUnsupportedCommand = errors.New("unsupported command")

	// ErrDecompression indicates the compressed payload of a CompressedRead
	// could not be decoded.
	ErrDecompression = errors.New("decompression failed")

	// ErrChildFailed is attached to a parent request when one of its child
	// requests failed without a more specific error.
	ErrChildFailed = errors.New("child request failed")
)
