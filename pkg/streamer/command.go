package streamer

import (
	"time"

	"github.com/yamakiller/velcro-framework-sub001/pkg/compression"
)

// Command is the payload of a Request. The set of commands is closed: stages
// dispatch on the concrete type with a type switch.
type Command interface {
	// Name returns a short human-readable name used in logs and statistics.
	Name() string

	isCommand()
}

// Read reads Size bytes starting at Offset of Path into Output.
type Read struct {
	Path   string
	Output []byte
	Offset int64
	Size   int64

	// SharedRead allows the file to be opened while other processes hold it
	// for writing.
	SharedRead bool
}

// InRange reports whether size bytes at offset fit in a file of length bytes.
// It never computes offset+size, so huge values cannot wrap around.
func InRange(offset, size, length int64) bool {
	return offset >= 0 && size >= 0 && offset <= length-size
}

// CompressionInfo describes where the compressed form of a logical file lives.
type CompressionInfo struct {
	Algorithm        compression.Algorithm
	ArchivePath      string
	ArchiveOffset    int64
	CompressedSize   int64
	UncompressedSize int64
}

// CompressedRead reads Size bytes starting at Offset of the decompressed
// stream described by Info into Output.
type CompressedRead struct {
	Info   CompressionInfo
	Output []byte
	Offset int64
	Size   int64
}

// FileExists checks whether Path exists. Found is set on completion.
type FileExists struct {
	Path  string
	Found bool
}

// FileMetaData retrieves the size of Path. Size and Found are set on completion.
type FileMetaData struct {
	Path  string
	Size  int64
	Found bool
}

// Cancel cancels Target and everything derived from it.
type Cancel struct {
	Target Handle
}

// Reschedule changes the deadline and priority of Target.
type Reschedule struct {
	Target   Handle
	Deadline time.Time
	Priority Priority
}

// Flush drops every cached state for Path.
type Flush struct {
	Path string
}

// FlushAll drops every cached state.
type FlushAll struct{}

// ReportKind selects what a Report command writes to the log.
type ReportKind int

const (
	ReportStatistics ReportKind = iota
	ReportFileHandles
)

func (k ReportKind) String() string {
	switch k {
	case ReportStatistics:
		return "statistics"
	case ReportFileHandles:
		return "file_handles"
	default:
		return "unknown"
	}
}

// Report asks every stage to log information about its state.
type Report struct {
	Kind ReportKind
}

// Wait is completed by the stage that created it, typically when some other
// piece of work it depends on finishes.
type Wait struct{}

// RequestLink keeps Value reachable until the request is finalized.
type RequestLink struct {
	Value any
}

func (*Read) Name() string           { return "read" }
func (*CompressedRead) Name() string { return "compressed_read" }
func (*FileExists) Name() string     { return "file_exists" }
func (*FileMetaData) Name() string   { return "file_metadata" }
func (*Cancel) Name() string         { return "cancel" }
func (*Reschedule) Name() string     { return "reschedule" }
func (*Flush) Name() string          { return "flush" }
func (*FlushAll) Name() string       { return "flush_all" }
func (*Report) Name() string         { return "report" }
func (*Wait) Name() string           { return "wait" }
func (*RequestLink) Name() string    { return "request_link" }

func (*Read) isCommand()           {}
func (*CompressedRead) isCommand() {}
func (*FileExists) isCommand()     {}
func (*FileMetaData) isCommand()   {}
func (*Cancel) isCommand()         {}
func (*Reschedule) isCommand()     {}
func (*Flush) isCommand()          {}
func (*FlushAll) isCommand()       {}
func (*Report) isCommand()         {}
func (*Wait) isCommand()           {}
func (*RequestLink) isCommand()    {}

// IsReadCommand reports whether cmd moves file data. Only those commands
// carry a meaningful priority, deadline and completion estimate.
func IsReadCommand(cmd Command) bool {
	switch cmd.(type) {
	case *Read, *CompressedRead:
		return true
	default:
		return false
	}
}
