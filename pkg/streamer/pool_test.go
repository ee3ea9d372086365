package streamer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolAcquireRelease(t *testing.T) {
	pool := NewPool(2)

	a := pool.Acquire()
	b := pool.Acquire()
	require.NotEqual(t, a.Handle(), b.Handle())
	assert.Equal(t, 2, pool.InUse())

	assert.Same(t, a, pool.Resolve(a.Handle()))

	h := a.Handle()
	pool.Release(a)
	assert.Nil(t, pool.Resolve(h), "released handle must be stale")
	assert.Equal(t, 1, pool.InUse())

	// The slot is reused with a new generation.
	c := pool.Acquire()
	assert.Same(t, a, c)
	assert.NotEqual(t, h, c.Handle())
	assert.Nil(t, pool.Resolve(h))
	assert.Same(t, c, pool.Resolve(c.Handle()))
}

func TestPoolReleaseResetsRequest(t *testing.T) {
	pool := NewPool(1)

	r := pool.Acquire()
	r.SetRead("a.bin", make([]byte, 8), 4, NoDeadline, PriorityHighest)
	r.SetCallback(func(*Request) {})
	pool.Release(r)

	r = pool.Acquire()
	assert.Nil(t, r.Command())
	assert.Equal(t, StatusPending, r.Status())
	assert.Equal(t, PriorityLowest, r.Priority())
	assert.Equal(t, NoDeadline, r.Deadline())
	assert.Nil(t, r.callback)
}

func TestPoolGrows(t *testing.T) {
	pool := NewPool(1)

	reqs := pool.AcquireBatch(nil, 10)
	require.Len(t, reqs, 10)
	assert.GreaterOrEqual(t, pool.Capacity(), 10)

	seen := make(map[Handle]bool)
	for _, r := range reqs {
		assert.False(t, seen[r.Handle()])
		seen[r.Handle()] = true
		assert.Same(t, r, pool.Resolve(r.Handle()))
	}
}

func TestPoolDoubleRelease(t *testing.T) {
	pool := NewPool(4)
	r := pool.Acquire()
	pool.Release(r)
	pool.Release(r)
	assert.Equal(t, 0, pool.InUse())
	assert.Len(t, pool.AcquireBatch(nil, 4), 4)
	assert.Equal(t, 4, pool.InUse())
}

func TestPoolZeroHandle(t *testing.T) {
	pool := NewPool(1)
	assert.Nil(t, pool.Resolve(Handle{}))
	assert.True(t, Handle{}.IsZero())
}

func TestPoolConcurrentAcquire(t *testing.T) {
	pool := NewPool(8)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		all []*Request
	)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			batch := pool.AcquireBatch(nil, 50)
			mu.Lock()
			all = append(all, batch...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	seen := make(map[*Request]bool, len(all))
	for _, r := range all {
		require.False(t, seen[r], "request handed out twice")
		seen[r] = true
	}
	assert.Equal(t, 400, pool.InUse())
}
