package scheduler

import (
	"cmp"
	"slices"

	"github.com/yamakiller/velcro-framework-sub001/pkg/streamer"
)

// orderKey is the sort key of a ready request. Keys compare
// lexicographically, which makes the ordering a strict weak order by
// construction:
//
//  1. tier: Cancel and Reschedule before everything else
//  2. calm: reads expected to miss their deadline before the others
//  3. for late reads: higher priority, then earlier deadline
//     for the others: same file as the last read, then closest offset to
//     where the last read ended
//
// Commands that are not reads sort after calm reads. Requests with equal
// keys keep their queue order.
type orderKey struct {
	tier int
	calm int
	a    int64
	b    int64
}

func compareKeys(x, y orderKey) int {
	if c := cmp.Compare(x.tier, y.tier); c != 0 {
		return c
	}
	if c := cmp.Compare(x.calm, y.calm); c != 0 {
		return c
	}
	if c := cmp.Compare(x.a, y.a); c != 0 {
		return c
	}
	return cmp.Compare(x.b, y.b)
}

// location returns the file and the [start, end) range a read-derived
// command touches.
func location(cmd streamer.Command) (path string, start, end int64, ok bool) {
	switch c := cmd.(type) {
	case *streamer.Read:
		return c.Path, c.Offset, c.Offset + c.Size, true
	case *streamer.CompressedRead:
		return c.Info.ArchivePath, c.Info.ArchiveOffset, c.Info.ArchiveOffset + c.Info.CompressedSize, true
	default:
		return "", 0, 0, false
	}
}

func keyOf(r *streamer.Request, lastPath string, lastOffset int64) orderKey {
	switch r.Command().(type) {
	case *streamer.Cancel, *streamer.Reschedule:
		return orderKey{tier: 0}
	}

	path, offset, _, ok := location(r.Command())
	if !ok {
		return orderKey{tier: 1, calm: 1, a: 2}
	}

	if r.InPanic() {
		return orderKey{
			tier: 1,
			calm: 0,
			a:    -int64(r.Priority()),
			b:    r.Deadline().UnixNano(),
		}
	}

	key := orderKey{tier: 1, calm: 1, a: 1}
	if path == lastPath {
		key.a = 0
		key.b = offset - lastOffset
		if key.b < 0 {
			key.b = -key.b
		}
	}
	return key
}

// sortRequests orders reqs in place for dispatch, given the file and end
// offset of the last read handed to the stack.
func sortRequests(reqs []*streamer.Request, lastPath string, lastOffset int64) {
	if len(reqs) < 2 {
		return
	}

	type keyed struct {
		key orderKey
		req *streamer.Request
	}
	items := make([]keyed, len(reqs))
	for i, r := range reqs {
		items[i] = keyed{key: keyOf(r, lastPath, lastOffset), req: r}
	}
	slices.SortStableFunc(items, func(x, y keyed) int {
		return compareKeys(x.key, y.key)
	})
	for i := range items {
		reqs[i] = items[i].req
	}
}
