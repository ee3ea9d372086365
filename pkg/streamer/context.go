package streamer

import (
	"time"

	"github.com/yamakiller/velcro-framework-sub001/internal/logger"
)

// Context is the state shared by the scheduler and every stage of one stack:
// the request pool, the worker wake-up signal and the lists of prepared and
// completed requests.
//
// Apart from Pool and WakeUp, a Context is only used from the scheduler
// goroutine.
type Context struct {
	pool *Pool
	wake chan struct{}

	prepared  []*Request
	completed []*Request

	now func() time.Time
}

// NewContext creates a context whose pool starts with poolSize requests.
func NewContext(poolSize int) *Context {
	return &Context{
		pool: NewPool(poolSize),
		wake: make(chan struct{}, 1),
		now:  time.Now,
	}
}

// Pool returns the request arena.
func (c *Context) Pool() *Pool { return c.pool }

// Now returns the clock used for estimates and statistics.
func (c *Context) Now() time.Time { return c.now() }

// SetClock replaces the clock. Intended for tests.
func (c *Context) SetClock(now func() time.Time) { c.now = now }

// WakeUp signals the scheduler goroutine that there is work to do. It never
// blocks and is safe to call from any goroutine.
func (c *Context) WakeUp() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// WakeChannel returns the channel WakeUp signals.
func (c *Context) WakeChannel() <-chan struct{} { return c.wake }

// CreateRequest allocates a parentless request.
func (c *Context) CreateRequest() *Request {
	return c.pool.Acquire()
}

// CreateChild allocates a request derived from parent. The child inherits the
// parent's deadline and priority, and the parent does not complete until the
// child has been finalized.
func (c *Context) CreateChild(parent *Request) *Request {
	r := c.pool.Acquire()
	r.parent = parent.handle
	r.priority = parent.priority
	r.deadline = parent.deadline
	r.estimatedCompletion = parent.estimatedCompletion
	parent.pendingChildren++
	return r
}

// Resolve returns the live request h refers to, or nil.
func (c *Context) Resolve(h Handle) *Request {
	return c.pool.Resolve(h)
}

// PushPreparedRequest hands a request back to the scheduler for ordering.
func (c *Context) PushPreparedRequest(r *Request) {
	c.prepared = append(c.prepared, r)
}

// PreparedRequests returns the requests prepared since the last pop.
func (c *Context) PreparedRequests() []*Request { return c.prepared }

// PopPreparedRequests returns and clears the prepared list.
func (c *Context) PopPreparedRequests() []*Request {
	out := c.prepared
	c.prepared = nil
	return out
}

// MarkRequestAsCompleted moves r into a terminal state and schedules it for
// finalization. A request that is already terminal is left untouched. When r
// still has outstanding children, the transition is recorded and applied once
// the last child is finalized.
func (c *Context) MarkRequestAsCompleted(r *Request, status Status, err error) {
	if r.status.IsTerminal() {
		return
	}
	if r.pendingChildren > 0 {
		if !r.deferred || status != StatusCompleted {
			r.deferred = true
			r.deferredStatus = status
			r.deferredErr = err
		}
		return
	}
	if r.setStatus(status, err) {
		c.completed = append(c.completed, r)
	}
}

// HasCompletedRequests reports whether finalization has work to do.
func (c *Context) HasCompletedRequests() bool { return len(c.completed) > 0 }

// FinalizeCompletedRequests runs the completion hooks and user callbacks of
// every completed request, updates their parents and returns the requests to
// the pool. It reports whether any request was finalized.
func (c *Context) FinalizeCompletedRequests() bool {
	if len(c.completed) == 0 {
		return false
	}

	// Callbacks may complete further requests, which are appended and handled
	// in the same pass.
	for i := 0; i < len(c.completed); i++ {
		r := c.completed[i]
		c.completed[i] = nil

		if r.onCompletion != nil {
			r.onCompletion(r)
		}
		if r.callback != nil {
			r.callback(r)
		}

		if parent := c.pool.Resolve(r.parent); parent != nil {
			c.childFinalized(parent, r)
		} else if !r.parent.IsZero() {
			logger.Warn("Request %s finalized after its parent %s", r, r.parent)
		}

		c.pool.Release(r)
	}
	c.completed = c.completed[:0]
	return true
}

func (c *Context) childFinalized(parent, child *Request) {
	switch child.status {
	case StatusFailed:
		parent.childFailed = true
		if parent.childErr == nil {
			parent.childErr = child.err
		}
	case StatusCanceled:
		parent.childCanceled = true
	}

	parent.pendingChildren--
	if parent.pendingChildren > 0 {
		return
	}

	if parent.deferred {
		status, err := parent.deferredStatus, parent.deferredErr
		if status == StatusCompleted {
			status, err = parent.ChildFailure()
		}
		parent.deferred = false
		c.MarkRequestAsCompleted(parent, status, err)
		return
	}
	if parent.onChildrenDone != nil {
		parent.onChildrenDone(parent)
		return
	}
	status, err := parent.ChildFailure()
	c.MarkRequestAsCompleted(parent, status, err)
}

// IsDescendant reports whether r is target or was derived from it.
func (c *Context) IsDescendant(target Handle, r *Request) bool {
	if target.IsZero() {
		return false
	}
	for cur := r; cur != nil; cur = c.pool.Resolve(cur.parent) {
		if cur.handle == target {
			return true
		}
	}
	return false
}
