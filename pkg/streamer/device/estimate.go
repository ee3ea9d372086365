package device

import (
	"time"

	"github.com/yamakiller/velcro-framework-sub001/pkg/streamer"
)

// throughput returns the average transfer speed in bytes per microsecond.
func (d *Device) throughput() float64 {
	us := d.usWindow.Sum()
	if us <= 0 {
		return defaultThroughput
	}
	return d.bytesWindow.Sum() / us
}

// estimator walks reads in the order the device will service them and
// advances a virtual clock by the expected cost of each one.
type estimator struct {
	now        time.Time
	throughput float64
	seek       time.Duration
	fileSwitch time.Duration

	path   string
	offset int64
}

func (e *estimator) transferTime(size int64) time.Duration {
	return time.Duration(float64(size)/e.throughput) * time.Microsecond
}

func (e *estimator) add(r *streamer.Request) {
	read, ok := r.Command().(*streamer.Read)
	if !ok {
		return
	}
	switch {
	case read.Path != e.path:
		e.now = e.now.Add(e.fileSwitch + e.seek)
	case read.Offset != e.offset:
		e.now = e.now.Add(e.seek)
	}
	e.now = e.now.Add(e.transferTime(read.Size))
	e.path, e.offset = read.Path, read.Offset+read.Size
	r.SetEstimatedCompletion(e.now)
}

// UpdateCompletionEstimates estimates reads in flight, then the device's own
// queue, then internal and pending. Reads in flight run in parallel: queued
// work starts once the earliest of them finishes.
func (d *Device) UpdateCompletionEstimates(now time.Time, internal, pending []*streamer.Request) {
	e := estimator{
		now:        now,
		throughput: d.throughput(),
		seek:       d.cfg.SeekPenalty,
		fileSwitch: d.cfg.FileSwitchPenalty,
		path:       d.lastPath,
		offset:     d.lastOffset,
	}

	var earliest time.Time
	for i := range d.slots {
		slot := &d.slots[i]
		if !slot.active {
			continue
		}
		done := slot.start.Add(e.transferTime(slot.read.Size))
		if done.Before(now) {
			done = now
		}
		slot.request.SetEstimatedCompletion(done)
		if earliest.IsZero() || done.Before(earliest) {
			earliest = done
		}
	}
	if d.freeSlots == 0 && earliest.After(e.now) {
		e.now = earliest
	}

	for _, r := range d.pending {
		e.add(r)
	}
	for _, r := range internal {
		e.add(r)
	}
	for _, r := range pending {
		e.add(r)
	}
}
