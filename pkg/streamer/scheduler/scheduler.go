// Package scheduler owns the worker goroutine of a streaming stack. It accepts
// requests from any goroutine, orders them by deadline, priority and locality,
// and drives the stage chain until the work is done.
package scheduler

import (
	"io"
	"math"
	"sync"
	"time"

	"github.com/yamakiller/velcro-framework-sub001/internal/logger"
	"github.com/yamakiller/velcro-framework-sub001/pkg/streamer"
)

// StageName is the scope of the scheduler's own statistics.
const StageName = "scheduler"

// Config configures a Scheduler.
type Config struct {
	// PoolSize is the initial number of requests in the arena. The arena grows
	// on demand.
	PoolSize int `mapstructure:"pool_size" yaml:"pool_size" validate:"min=1"`

	// StatisticsInterval is how often the statistics snapshot is refreshed
	// while the worker is busy. It is always refreshed before parking.
	StatisticsInterval time.Duration `mapstructure:"statistics_interval" yaml:"statistics_interval" validate:"min=0"`
}

// DefaultConfig returns the configuration used when no options are given.
func DefaultConfig() Config {
	return Config{
		PoolSize:           1024,
		StatisticsInterval: time.Second,
	}
}

// ApplyDefaults fills zero fields with DefaultConfig values.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()
	if c.PoolSize == 0 {
		c.PoolSize = defaults.PoolSize
	}
	if c.StatisticsInterval == 0 {
		c.StatisticsInterval = defaults.StatisticsInterval
	}
}

// Scheduler runs a stage chain on a dedicated goroutine.
//
// CreateRequest, QueueRequest, SuspendProcessing, ResumeProcessing,
// Recommendations and Statistics are safe for concurrent use. Request
// callbacks run on the worker goroutine and must not block.
type Scheduler struct {
	cfg   Config
	stack streamer.Stage
	ctx   *streamer.Context

	recommendations streamer.Recommendations

	// Submissions not yet seen by the worker.
	mu          sync.Mutex
	outstanding []*streamer.Request

	// Worker-only state.
	pending    []*streamer.Request
	ready      []*streamer.Request
	lastPath   string
	lastOffset int64
	latency    *streamer.AverageWindow
	inPanic    int
	submitted  uint64
	lastStats  time.Time

	suspendMu sync.Mutex
	resumed   *sync.Cond
	suspended bool
	stopping  bool

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}

	statsMu sync.RWMutex
	stats   []streamer.Statistic
}

// New creates a scheduler driving stack, the head of a chain built with
// streamer.Chain. The worker is not started until Start.
func New(stack streamer.Stage, cfg Config) *Scheduler {
	cfg.ApplyDefaults()

	s := &Scheduler{
		cfg:     cfg,
		stack:   stack,
		ctx:     streamer.NewContext(cfg.PoolSize),
		latency: streamer.NewAverageWindow(128),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.resumed = sync.NewCond(&s.suspendMu)

	for stage := stack; stage != nil; stage = stage.Next() {
		stage.SetContext(s.ctx)
	}

	s.recommendations = streamer.Recommendations{
		MemoryAlignment:       1,
		SizeAlignment:         1,
		MaxConcurrentRequests: math.MaxInt32,
	}
	stack.UpdateRecommendations(&s.recommendations)
	status := streamer.StackStatus{NumAvailableSlots: math.MaxInt32, IsIdle: true}
	stack.UpdateStatus(&status)
	if status.NumAvailableSlots < s.recommendations.MaxConcurrentRequests {
		s.recommendations.MaxConcurrentRequests = status.NumAvailableSlots
	}

	return s
}

// Context returns the context shared with the stages.
func (s *Scheduler) Context() *streamer.Context { return s.ctx }

// CreateRequest allocates a request to be filled in and queued.
func (s *Scheduler) CreateRequest() *streamer.Request {
	return s.ctx.CreateRequest()
}

// CreateRequestBatch allocates n requests, appending them to out.
func (s *Scheduler) CreateRequestBatch(out []*streamer.Request, n int) []*streamer.Request {
	return s.ctx.Pool().AcquireBatch(out, n)
}

// QueueRequest submits r. The caller must not touch r after this call until
// its callback has run.
func (s *Scheduler) QueueRequest(r *streamer.Request) {
	s.prepareSubmission(r)

	s.mu.Lock()
	s.outstanding = append(s.outstanding, r)
	s.mu.Unlock()

	s.ctx.WakeUp()
}

// QueueRequestBatch submits every request of batch at once.
func (s *Scheduler) QueueRequestBatch(batch []*streamer.Request) {
	for _, r := range batch {
		s.prepareSubmission(r)
	}

	s.mu.Lock()
	s.outstanding = append(s.outstanding, batch...)
	s.mu.Unlock()

	s.ctx.WakeUp()
}

func (s *Scheduler) prepareSubmission(r *streamer.Request) {
	r.MarkQueued(time.Now())
	r.SetCompletionHook(s.recordLatency)
}

func (s *Scheduler) recordLatency(r *streamer.Request) {
	if r.QueuedAt().IsZero() {
		return
	}
	s.latency.Push(float64(time.Since(r.QueuedAt()).Microseconds()) / 1000.0)
}

// SuspendProcessing parks the worker at its next loop iteration. I/O already
// handed to the device keeps running but no callbacks fire.
func (s *Scheduler) SuspendProcessing() {
	s.suspendMu.Lock()
	s.suspended = true
	s.suspendMu.Unlock()
}

// ResumeProcessing undoes SuspendProcessing.
func (s *Scheduler) ResumeProcessing() {
	s.suspendMu.Lock()
	s.suspended = false
	s.suspendMu.Unlock()
	s.resumed.Broadcast()
	s.ctx.WakeUp()
}

// Recommendations returns the alignment and concurrency hints gathered from
// the stack at construction.
func (s *Scheduler) Recommendations() streamer.Recommendations {
	return s.recommendations
}

// Statistics returns the most recent statistics snapshot.
func (s *Scheduler) Statistics() []streamer.Statistic {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	return append([]streamer.Statistic(nil), s.stats...)
}

// Start launches the worker goroutine. Calling Start more than once has no
// effect.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		logger.Info("Streamer scheduler started (pool=%d, max_concurrent=%d)",
			s.cfg.PoolSize, s.recommendations.MaxConcurrentRequests)
		go s.run()
	})
}

// Stop stops the worker and closes the stages that hold resources. Requests
// still queued are abandoned without callbacks.
func (s *Scheduler) Stop() error {
	s.stopOnce.Do(func() {
		s.suspendMu.Lock()
		s.stopping = true
		s.suspendMu.Unlock()
		s.resumed.Broadcast()
		close(s.stop)
	})

	// A scheduler that never started has no worker to wait for.
	s.startOnce.Do(func() { close(s.done) })
	<-s.done

	var firstErr error
	for stage := s.stack; stage != nil; stage = stage.Next() {
		closer, ok := stage.(io.Closer)
		if !ok {
			continue
		}
		if err := closer.Close(); err != nil {
			logger.Warn("Closing stage %s: %v", stage.Name(), err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	logger.Info("Streamer scheduler stopped")
	return firstErr
}

func (s *Scheduler) waitIfSuspended() bool {
	s.suspendMu.Lock()
	defer s.suspendMu.Unlock()
	for s.suspended && !s.stopping {
		s.resumed.Wait()
	}
	return !s.stopping
}

func (s *Scheduler) run() {
	defer close(s.done)

	for {
		if !s.waitIfSuspended() {
			return
		}

		s.migrate()
		s.prepare()
		s.schedule()

		for {
			progress := s.dispatch()
			if s.ctx.FinalizeCompletedRequests() {
				progress = true
			}
			if s.stack.ExecuteRequests() {
				progress = true
			}
			if len(s.ctx.PreparedRequests()) > 0 {
				s.ready = append(s.ready, s.ctx.PopPreparedRequests()...)
				s.schedule()
				progress = true
			}
			if !progress {
				break
			}
			if time.Since(s.lastStats) >= s.cfg.StatisticsInterval {
				s.snapshot()
			}
		}

		s.snapshot()

		select {
		case <-s.ctx.WakeChannel():
		case <-s.stop:
			return
		}
	}
}

// migrate moves submissions into the worker's pending list.
func (s *Scheduler) migrate() {
	s.mu.Lock()
	incoming := s.outstanding
	s.outstanding = nil
	s.mu.Unlock()

	s.submitted += uint64(len(incoming))
	s.pending = append(s.pending, incoming...)
}

// prepare runs every pending request through the stages' PrepareRequest and
// collects what they hand back.
func (s *Scheduler) prepare() {
	for _, r := range s.pending {
		s.stack.PrepareRequest(r)
	}
	clear(s.pending)
	s.pending = s.pending[:0]
	s.ready = append(s.ready, s.ctx.PopPreparedRequests()...)
}

// schedule resolves control commands against the ready queue, refreshes the
// completion estimates and sorts the queue.
func (s *Scheduler) schedule() {
	s.resolveControl()

	s.stack.UpdateCompletionEstimates(s.ctx.Now(), s.ready, s.pending)

	s.inPanic = 0
	for _, r := range s.ready {
		if r.InPanic() {
			s.inPanic++
		}
	}
	sortRequests(s.ready, s.lastPath, s.lastOffset)
}

// resolveControl applies Cancel and Reschedule to requests the scheduler still
// holds. The commands stay in the queue so the stages see them too.
func (s *Scheduler) resolveControl() {
	var control []streamer.Command
	for _, r := range s.ready {
		switch r.Command().(type) {
		case *streamer.Cancel, *streamer.Reschedule:
			control = append(control, r.Command())
		}
	}

	for _, c := range control {
		switch cmd := c.(type) {
		case *streamer.Cancel:
			s.cancelReady(cmd.Target)
		case *streamer.Reschedule:
			s.rescheduleReady(cmd)
		}
	}
}

func (s *Scheduler) cancelReady(target streamer.Handle) {
	t := s.ctx.Resolve(target)
	if t == nil || t.Status().IsTerminal() {
		return
	}
	t.RequestCancel()

	kept := s.ready[:0]
	for _, r := range s.ready {
		if _, isCancel := r.Command().(*streamer.Cancel); !isCancel && s.ctx.IsDescendant(target, r) {
			s.ctx.MarkRequestAsCompleted(r, streamer.StatusCanceled, streamer.ErrCanceled)
			continue
		}
		kept = append(kept, r)
	}
	clear(s.ready[len(kept):])
	s.ready = kept
}

func (s *Scheduler) rescheduleReady(cmd *streamer.Reschedule) {
	t := s.ctx.Resolve(cmd.Target)
	if t == nil || t.Status().IsTerminal() || !streamer.IsReadCommand(t.Command()) {
		return
	}
	t.SetSchedule(cmd.Deadline, cmd.Priority)
	for _, r := range s.ready {
		if r != t && s.ctx.IsDescendant(cmd.Target, r) {
			r.SetSchedule(cmd.Deadline, cmd.Priority)
		}
	}
}

// dispatch hands ready requests to the stack while it has room. Flush and
// FlushAll wait until the stack is idle.
func (s *Scheduler) dispatch() bool {
	if len(s.ready) == 0 {
		return false
	}

	status := s.status()
	n := 0
loop:
	for _, r := range s.ready {
		switch cmd := r.Command().(type) {
		case *streamer.Cancel, *streamer.Reschedule, *streamer.Report, *streamer.Wait, *streamer.RequestLink:
			s.stack.QueueRequest(r)
		case *streamer.Flush, *streamer.FlushAll:
			if !status.IsIdle {
				break loop
			}
			s.stack.QueueRequest(r)
			status = s.status()
		default:
			if status.NumAvailableSlots <= 0 {
				break loop
			}
			if path, _, end, ok := location(cmd); ok {
				s.lastPath, s.lastOffset = path, end
			}
			s.stack.QueueRequest(r)
			status.NumAvailableSlots--
			status.IsIdle = false
		}
		n++
	}

	if n == 0 {
		return false
	}
	clear(s.ready[:n])
	s.ready = s.ready[n:]
	return true
}

func (s *Scheduler) status() streamer.StackStatus {
	status := streamer.StackStatus{NumAvailableSlots: math.MaxInt32, IsIdle: true}
	s.stack.UpdateStatus(&status)
	return status
}

func (s *Scheduler) snapshot() {
	s.lastStats = time.Now()

	stats := []streamer.Statistic{
		streamer.NewStatistic(StageName, "ready_queue_length", float64(len(s.ready))),
		streamer.NewStatistic(StageName, "request_latency_ms", s.latency.Average()),
		streamer.NewStatistic(StageName, "requests_in_panic", float64(s.inPanic)),
		streamer.NewStatistic(StageName, "requests_submitted", float64(s.submitted)),
		streamer.NewStatistic(StageName, "requests_in_use", float64(s.ctx.Pool().InUse())),
	}
	stats = s.stack.CollectStatistics(stats)

	s.statsMu.Lock()
	s.stats = stats
	s.statsMu.Unlock()
}
