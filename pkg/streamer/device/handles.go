package device

import (
	"container/list"
	"errors"
	"fmt"
	"time"

	"github.com/yamakiller/velcro-framework-sub001/internal/logger"
	"github.com/yamakiller/velcro-framework-sub001/pkg/streamer"
)

// errHandleCacheFull is returned when every cached handle has reads in
// flight. It is transient: the read stays queued and is retried once a
// transfer completes.
var errHandleCacheFull = errors.New("file handle cache full")

// handleCache is an LRU cache of open file handles. Entries with active reads
// are never evicted. Only the scheduler goroutine touches it.
type handleCache struct {
	platform   Platform
	maxSize    int
	unbuffered bool

	entries map[string]*list.Element
	lru     *list.List

	hits   uint64
	misses uint64

	openTimes  *streamer.AverageWindow
	closeTimes *streamer.AverageWindow
}

type handleEntry struct {
	path        string
	file        File
	direct      bool
	activeReads int
	lastUsed    time.Time
}

func newHandleCache(platform Platform, maxSize int, unbuffered bool, window int) *handleCache {
	if maxSize < 1 {
		maxSize = 1
	}
	return &handleCache{
		platform:   platform,
		maxSize:    maxSize,
		unbuffered: unbuffered,
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
		openTimes:  streamer.NewAverageWindow(window),
		closeTimes: streamer.NewAverageWindow(window),
	}
}

// acquire returns an open handle for path and counts one more active read
// against it.
func (c *handleCache) acquire(path string, shared bool, now time.Time) (*handleEntry, error) {
	if elem, ok := c.entries[path]; ok {
		c.hits++
		c.lru.MoveToFront(elem)
		entry := elem.Value.(*handleEntry)
		entry.activeReads++
		entry.lastUsed = now
		return entry, nil
	}

	if c.lru.Len() >= c.maxSize && !c.evictLRU() {
		return nil, errHandleCacheFull
	}

	c.misses++
	start := time.Now()
	file, direct, err := c.platform.Open(path, c.unbuffered, shared)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	c.openTimes.Push(float64(time.Since(start).Microseconds()) / 1000.0)

	entry := &handleEntry{
		path:        path,
		file:        file,
		direct:      direct,
		activeReads: 1,
		lastUsed:    now,
	}
	c.entries[path] = c.lru.PushFront(entry)
	return entry, nil
}

func (c *handleCache) release(entry *handleEntry) {
	if entry.activeReads > 0 {
		entry.activeReads--
	}
}

// evictLRU closes the least recently used idle handle.
func (c *handleCache) evictLRU() bool {
	for elem := c.lru.Back(); elem != nil; elem = elem.Prev() {
		entry := elem.Value.(*handleEntry)
		if entry.activeReads > 0 {
			continue
		}
		c.remove(elem)
		return true
	}
	return false
}

func (c *handleCache) remove(elem *list.Element) {
	entry := elem.Value.(*handleEntry)
	start := time.Now()
	if err := entry.file.Close(); err != nil {
		logger.Warn("close %s: %v", entry.path, err)
	}
	c.closeTimes.Push(float64(time.Since(start).Microseconds()) / 1000.0)

	c.lru.Remove(elem)
	delete(c.entries, entry.path)
}

// flush closes the handle for path unless reads are still using it.
func (c *handleCache) flush(path string) {
	if elem, ok := c.entries[path]; ok && elem.Value.(*handleEntry).activeReads == 0 {
		c.remove(elem)
	}
}

// flushAll closes every idle handle.
func (c *handleCache) flushAll() {
	for elem := c.lru.Back(); elem != nil; {
		prev := elem.Prev()
		if elem.Value.(*handleEntry).activeReads == 0 {
			c.remove(elem)
		}
		elem = prev
	}
}

// closeAll closes every handle. Callers must make sure no transfer is
// running.
func (c *handleCache) closeAll() {
	for c.lru.Len() > 0 {
		c.remove(c.lru.Back())
	}
}

func (c *handleCache) len() int { return c.lru.Len() }

func (c *handleCache) hitRate() float64 {
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}

func (c *handleCache) report(scope string) {
	logger.Info("%s: %d/%d file handles open", scope, c.lru.Len(), c.maxSize)
	for elem := c.lru.Front(); elem != nil; elem = elem.Next() {
		entry := elem.Value.(*handleEntry)
		logger.Info("  %s (direct=%t, active=%d, last used %s)",
			entry.path, entry.direct, entry.activeReads, entry.lastUsed.Format(time.RFC3339Nano))
	}
}
