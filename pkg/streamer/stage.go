package streamer

import (
	"fmt"
	"time"
)

// StackStatus is the aggregate state of a stage chain.
type StackStatus struct {
	// NumAvailableSlots is how many more requests the stack can accept before
	// it starts queueing internally. Every stage clamps it to its own capacity.
	NumAvailableSlots int

	// IsIdle is true when no stage has outstanding work.
	IsIdle bool
}

// Recommendations describes how callers should size and align requests to get
// the best out of the stack.
type Recommendations struct {
	MemoryAlignment       int
	SizeAlignment         int
	MaxConcurrentRequests int
}

// Stage is one layer of the streaming pipeline. Stages form a singly linked
// chain; a stage either services a request itself or forwards it to Next.
//
// Every method is called from the scheduler goroutine.
type Stage interface {
	// Name identifies the stage in logs and statistics.
	Name() string

	// SetNext links the stage to the one below it.
	SetNext(next Stage)

	// Next returns the stage below, or nil for the leaf.
	Next() Stage

	// SetContext gives the stage access to the shared request arena.
	SetContext(ctx *Context)

	// PrepareRequest may split r into requests that go back to the scheduler
	// for ordering. Requests that need no preparation are pushed onto the
	// context's prepared list unchanged.
	PrepareRequest(r *Request)

	// QueueRequest takes ownership of r for later execution.
	QueueRequest(r *Request)

	// ExecuteRequests performs one non-blocking unit of work and reports
	// whether any progress was made.
	ExecuteRequests() bool

	// UpdateStatus merges the stage's capacity and idle state into status.
	UpdateStatus(status *StackStatus)

	// UpdateCompletionEstimates sets the estimated completion time of the
	// stage's queued requests, then of internal and pending. Deeper stages
	// estimate first.
	UpdateCompletionEstimates(now time.Time, internal, pending []*Request)

	// UpdateRecommendations narrows rec to what the stage supports.
	UpdateRecommendations(rec *Recommendations)

	// CollectStatistics appends the stage's samples to stats.
	CollectStatistics(stats []Statistic) []Statistic
}

// BaseStage implements the forwarding behaviour shared by every stage. Stages
// embed it and override what they handle themselves.
//
// A BaseStage without a next stage behaves as a leaf: control commands are
// completed and everything else fails with ErrUnsupportedCommand.
type BaseStage struct {
	name string
	next Stage
	ctx  *Context
}

// NewBaseStage returns a BaseStage named name.
func NewBaseStage(name string) BaseStage {
	return BaseStage{name: name}
}

func (s *BaseStage) Name() string { return s.name }

func (s *BaseStage) SetNext(next Stage) { s.next = next }

func (s *BaseStage) Next() Stage { return s.next }

func (s *BaseStage) SetContext(ctx *Context) { s.ctx = ctx }

// Context returns the context set by the scheduler.
func (s *BaseStage) Context() *Context { return s.ctx }

func (s *BaseStage) PrepareRequest(r *Request) {
	if s.next != nil {
		s.next.PrepareRequest(r)
		return
	}
	s.ctx.PushPreparedRequest(r)
}

func (s *BaseStage) QueueRequest(r *Request) {
	if s.next != nil {
		s.next.QueueRequest(r)
		return
	}
	s.CompleteAtLeaf(r)
}

// CompleteAtLeaf finishes a request that reached the bottom of the chain
// without being serviced.
func (s *BaseStage) CompleteAtLeaf(r *Request) {
	switch r.command.(type) {
	case *Cancel, *Reschedule, *Flush, *FlushAll, *Report, *Wait, *RequestLink:
		s.ctx.MarkRequestAsCompleted(r, StatusCompleted, nil)
	default:
		s.ctx.MarkRequestAsCompleted(r, StatusFailed,
			fmt.Errorf("%s: %w: %s", s.name, ErrUnsupportedCommand, commandName(r.command)))
	}
}

func (s *BaseStage) ExecuteRequests() bool {
	if s.next != nil {
		return s.next.ExecuteRequests()
	}
	return false
}

func (s *BaseStage) UpdateStatus(status *StackStatus) {
	if s.next != nil {
		s.next.UpdateStatus(status)
	}
}

func (s *BaseStage) UpdateCompletionEstimates(now time.Time, internal, pending []*Request) {
	if s.next != nil {
		s.next.UpdateCompletionEstimates(now, internal, pending)
	}
}

func (s *BaseStage) UpdateRecommendations(rec *Recommendations) {
	if s.next != nil {
		s.next.UpdateRecommendations(rec)
	}
}

func (s *BaseStage) CollectStatistics(stats []Statistic) []Statistic {
	if s.next != nil {
		return s.next.CollectStatistics(stats)
	}
	return stats
}

// Chain links stages top to bottom and returns the first one.
func Chain(stages ...Stage) Stage {
	if len(stages) == 0 {
		return nil
	}
	for i := 0; i < len(stages)-1; i++ {
		stages[i].SetNext(stages[i+1])
	}
	return stages[0]
}

func commandName(cmd Command) string {
	if cmd == nil {
		return "empty"
	}
	return cmd.Name()
}
