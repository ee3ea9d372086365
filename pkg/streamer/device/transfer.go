package device

import (
	"sync/atomic"
	"time"

	"github.com/yamakiller/velcro-framework-sub001/pkg/streamer"
)

const (
	transferPending int32 = iota
	transferRunning
	transferDone
	transferCanceled
)

// transfer is the completion token of one asynchronous read. The transfer
// goroutine moves it from pending to running to done; cancel only succeeds
// while it is still pending.
type transfer struct {
	state atomic.Int32
	n     int
	err   error
}

// cancel reports whether the transfer was stopped before it started. A false
// result means the read is running or finished and will complete normally.
func (t *transfer) cancel() bool {
	return t.state.CompareAndSwap(transferPending, transferCanceled)
}

func (t *transfer) finished() bool {
	s := t.state.Load()
	return s == transferDone || s == transferCanceled
}

// readSlot is one I/O channel.
type readSlot struct {
	active  bool
	request *streamer.Request
	read    *streamer.Read
	handle  *handleEntry
	token   *transfer
	start   time.Time

	// Unbuffered reads that needed alignment land in scratch first; the
	// caller's bytes start delta bytes in.
	scratch []byte
	delta   int64
	length  int64
}

func (s *readSlot) reset() {
	*s = readSlot{}
}

// run performs the transfer on the calling goroutine.
func (t *transfer) run(f File, buf []byte, offset int64) {
	if !t.state.CompareAndSwap(transferPending, transferRunning) {
		return
	}
	n, err := f.ReadAt(buf, offset)
	t.n, t.err = n, err
	t.state.Store(transferDone)
}
