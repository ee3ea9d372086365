package metrics

import "time"

// RequestMetrics records the outcome of requests submitted to the streamer.
//
// Implementations are optional. Callers that get nil should use
// NewNoopRequestMetrics.
type RequestMetrics interface {
	// RecordRequest records a finished request.
	//
	//   - command: command name ("read", "compressed_read", ...)
	//   - status: terminal status ("completed", "failed", "canceled")
	//   - duration: time from submission to callback
	RecordRequest(command, status string, duration time.Duration)

	// RecordRequestStart increments the in-flight gauge for command.
	RecordRequestStart(command string)

	// RecordRequestEnd decrements the in-flight gauge for command.
	RecordRequestEnd(command string)

	// RecordBytesRead adds n bytes delivered to callers.
	RecordBytesRead(n int64)
}

// NewNoopRequestMetrics returns a RequestMetrics that discards everything.
func NewNoopRequestMetrics() RequestMetrics {
	return noopRequestMetrics{}
}

type noopRequestMetrics struct{}

func (noopRequestMetrics) RecordRequest(command, status string, duration time.Duration) {}
func (noopRequestMetrics) RecordRequestStart(command string)                            {}
func (noopRequestMetrics) RecordRequestEnd(command string)                              {}
func (noopRequestMetrics) RecordBytesRead(n int64)                                      {}
