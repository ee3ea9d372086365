package streamer

import (
	"fmt"
	"math"
	"time"
)

// Priority orders requests that are both late. Higher values win.
type Priority uint8

const (
	PriorityLowest      Priority = 0
	PriorityBelowNormal Priority = 64
	PriorityNormal      Priority = 128
	PriorityAboveNormal Priority = 192
	PriorityHighest     Priority = 255
)

// NoDeadline is the deadline of requests that are never late.
var NoDeadline = time.Unix(0, 0).Add(time.Duration(math.MaxInt64))

// Status is the lifecycle state of a request.
type Status int32

const (
	StatusPending Status = iota
	StatusProcessing
	StatusCompleted
	StatusFailed
	StatusCanceled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusProcessing:
		return "processing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// Request is one unit of work flowing through the stage stack.
//
// A request is obtained from the Scheduler (or, for stage-internal work, from
// the Context), filled in with one of the Set* methods and then queued. It is
// owned by the stack until its callback has run; after that the request is
// returned to the pool and must not be touched again. Data produced by the
// request (read bytes, file sizes) must be consumed inside the callback.
//
// Apart from the setters used before queueing, a request is only read and
// written on the scheduler goroutine.
type Request struct {
	handle  Handle
	command Command
	status  Status
	err     error

	priority            Priority
	deadline            time.Time
	estimatedCompletion time.Time
	queuedAt            time.Time

	parent          Handle
	pendingChildren int
	childFailed     bool
	childCanceled   bool
	childErr        error
	cancelRequested bool

	// Completion requested while children were still outstanding.
	deferred       bool
	deferredStatus Status
	deferredErr    error

	callback       func(*Request)
	onCompletion   func(*Request)
	onChildrenDone func(*Request)
}

func (r *Request) reset() {
	h := r.handle
	*r = Request{handle: h}
	r.priority = PriorityLowest
	r.deadline = NoDeadline
}

// Handle returns the stable pool address of the request.
func (r *Request) Handle() Handle { return r.handle }

// Command returns the command payload.
func (r *Request) Command() Command { return r.command }

// Status returns the lifecycle state.
func (r *Request) Status() Status { return r.status }

// Err returns the reason of a Failed or Canceled request.
func (r *Request) Err() error { return r.err }

// Priority returns the scheduling priority.
func (r *Request) Priority() Priority { return r.priority }

// Deadline returns the time by which the request should complete.
func (r *Request) Deadline() time.Time { return r.deadline }

// EstimatedCompletion returns the latest completion estimate.
func (r *Request) EstimatedCompletion() time.Time { return r.estimatedCompletion }

// SetEstimatedCompletion stores a completion estimate computed by a stage.
func (r *Request) SetEstimatedCompletion(t time.Time) { r.estimatedCompletion = t }

// InPanic reports whether the request is expected to miss its deadline.
func (r *Request) InPanic() bool {
	return IsReadCommand(r.command) && r.estimatedCompletion.After(r.deadline)
}

// QueuedAt returns when the request was handed to the Scheduler.
func (r *Request) QueuedAt() time.Time { return r.queuedAt }

// MarkQueued records the submission time.
func (r *Request) MarkQueued(t time.Time) { r.queuedAt = t }

// Parent returns the handle of the request this one was derived from.
func (r *Request) Parent() Handle { return r.parent }

// PendingChildren returns the number of children that have not been finalized.
func (r *Request) PendingChildren() int { return r.pendingChildren }

// CancelRequested reports whether a Cancel command targeted this request.
func (r *Request) CancelRequested() bool { return r.cancelRequested }

// RequestCancel flags the request as targeted by a Cancel command.
func (r *Request) RequestCancel() { r.cancelRequested = true }

// SetProcessing moves a pending request into StatusProcessing.
func (r *Request) SetProcessing() {
	if r.status == StatusPending {
		r.status = StatusProcessing
	}
}

// setStatus applies a transition. Terminal states are sticky.
func (r *Request) setStatus(status Status, err error) bool {
	if r.status.IsTerminal() {
		return false
	}
	r.status = status
	r.err = err
	return true
}

// SetCallback registers the function invoked on the scheduler goroutine once
// the request reaches a terminal state.
func (r *Request) SetCallback(cb func(*Request)) { r.callback = cb }

// SetCompletionHook registers a stage-internal function invoked before the
// user callback.
func (r *Request) SetCompletionHook(hook func(*Request)) { r.onCompletion = hook }

// SetChildrenDoneHook replaces the default aggregation performed when the
// last child of the request is finalized. The hook is responsible for
// completing the request.
func (r *Request) SetChildrenDoneHook(hook func(*Request)) { r.onChildrenDone = hook }

// ChildFailure returns the aggregated outcome of the children finalized so
// far: StatusFailed, StatusCanceled or StatusCompleted.
func (r *Request) ChildFailure() (Status, error) {
	switch {
	case r.childFailed:
		if r.cancelRequested {
			return StatusCanceled, ErrCanceled
		}
		if r.childErr != nil {
			return StatusFailed, r.childErr
		}
		return StatusFailed, ErrChildFailed
	case r.childCanceled:
		if r.cancelRequested {
			return StatusCanceled, ErrCanceled
		}
		return StatusFailed, fmt.Errorf("%w: %w", ErrChildFailed, ErrCanceled)
	default:
		return StatusCompleted, nil
	}
}

// SetCommand installs a command payload.
func (r *Request) SetCommand(cmd Command) { r.command = cmd }

// SetSchedule sets deadline and priority. They only matter for reads.
func (r *Request) SetSchedule(deadline time.Time, priority Priority) {
	if deadline.IsZero() {
		deadline = NoDeadline
	}
	r.deadline = deadline
	r.priority = priority
}

// SetRead turns the request into a read of len(output) bytes at offset.
func (r *Request) SetRead(path string, output []byte, offset int64, deadline time.Time, priority Priority) {
	r.command = &Read{Path: path, Output: output, Offset: offset, Size: int64(len(output))}
	r.SetSchedule(deadline, priority)
}

// SetCompressedRead turns the request into a read of the decompressed stream
// described by info.
func (r *Request) SetCompressedRead(info CompressionInfo, output []byte, offset int64, deadline time.Time, priority Priority) {
	r.command = &CompressedRead{Info: info, Output: output, Offset: offset, Size: int64(len(output))}
	r.SetSchedule(deadline, priority)
}

// SetFileExists turns the request into an existence check.
func (r *Request) SetFileExists(path string) {
	r.command = &FileExists{Path: path}
}

// SetFileMetaData turns the request into a size query.
func (r *Request) SetFileMetaData(path string) {
	r.command = &FileMetaData{Path: path}
}

// SetCancel turns the request into a cancellation of target.
func (r *Request) SetCancel(target *Request) {
	r.command = &Cancel{Target: target.Handle()}
}

// SetReschedule turns the request into a deadline/priority update of target.
func (r *Request) SetReschedule(target *Request, deadline time.Time, priority Priority) {
	if deadline.IsZero() {
		deadline = NoDeadline
	}
	r.command = &Reschedule{Target: target.Handle(), Deadline: deadline, Priority: priority}
}

// SetFlush turns the request into a cache flush of path.
func (r *Request) SetFlush(path string) {
	r.command = &Flush{Path: path}
}

// SetFlushAll turns the request into a flush of every cache.
func (r *Request) SetFlushAll() {
	r.command = &FlushAll{}
}

// SetReport turns the request into a report of kind.
func (r *Request) SetReport(kind ReportKind) {
	r.command = &Report{Kind: kind}
}

func (r *Request) String() string {
	name := "empty"
	if r.command != nil {
		name = r.command.Name()
	}
	return fmt.Sprintf("Request{%s, %s, %s}", r.handle, name, r.status)
}
