package streamer

import (
	"fmt"
	"sync"
)

// Handle is a stable, non-owning reference to a pooled Request. A handle
// stays valid until the request is released; after that Pool.Resolve returns
// nil for it, even when the slot has been reused.
//
// The zero Handle never refers to a request.
type Handle struct {
	index      uint32
	generation uint32
}

// IsZero reports whether h is the empty handle.
func (h Handle) IsZero() bool { return h.generation == 0 }

func (h Handle) String() string {
	return fmt.Sprintf("%d#%d", h.index, h.generation)
}

// Pool is an arena of requests. Requests are allocated from any goroutine
// and released by the scheduler goroutine once finalized.
type Pool struct {
	mu       sync.Mutex
	requests []*Request
	inUse    []bool
	free     []uint32
}

// NewPool creates a pool with room for capacity requests. The pool grows on
// demand.
func NewPool(capacity int) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	p := &Pool{
		requests: make([]*Request, 0, capacity),
		inUse:    make([]bool, 0, capacity),
		free:     make([]uint32, 0, capacity),
	}
	p.grow(capacity)
	return p
}

// grow must be called with mu held.
func (p *Pool) grow(n int) {
	for i := 0; i < n; i++ {
		idx := uint32(len(p.requests))
		r := &Request{handle: Handle{index: idx, generation: 1}}
		r.reset()
		p.requests = append(p.requests, r)
		p.inUse = append(p.inUse, false)
		p.free = append(p.free, idx)
	}
}

func (p *Pool) acquireLocked() *Request {
	if len(p.free) == 0 {
		p.grow(max(len(p.requests), 1))
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.inUse[idx] = true
	return p.requests[idx]
}

// Acquire returns a fresh request in StatusPending.
func (p *Pool) Acquire() *Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquireLocked()
}

// AcquireBatch appends n fresh requests to out and returns the extended slice.
func (p *Pool) AcquireBatch(out []*Request, n int) []*Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < n; i++ {
		out = append(out, p.acquireLocked())
	}
	return out
}

// Release returns r to the pool. Every outstanding handle to r becomes stale.
func (p *Pool) Release(r *Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := r.handle.index
	if int(idx) >= len(p.requests) || p.requests[idx] != r || !p.inUse[idx] {
		return
	}
	r.handle.generation++
	if r.handle.generation == 0 {
		r.handle.generation = 1
	}
	r.reset()
	p.inUse[idx] = false
	p.free = append(p.free, idx)
}

// Resolve returns the live request h refers to, or nil.
func (p *Pool) Resolve(h Handle) *Request {
	if h.IsZero() {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if int(h.index) >= len(p.requests) || !p.inUse[h.index] {
		return nil
	}
	r := p.requests[h.index]
	if r.handle != h {
		return nil
	}
	return r
}

// InUse returns the number of requests currently handed out.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests) - len(p.free)
}

// Capacity returns the number of requests the pool holds.
func (p *Pool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}
