// Package watch invalidates streamer caches when files change on disk.
//
// The watcher follows a set of directories and submits a Flush request for
// every file that is written, created, removed or renamed. If the kernel
// drops events it falls back to a FlushAll.
package watch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/yamakiller/velcro-framework-sub001/internal/logger"
	"github.com/yamakiller/velcro-framework-sub001/pkg/streamer"
)

// Submitter accepts requests. The scheduler implements it.
type Submitter interface {
	CreateRequest() *streamer.Request
	QueueRequest(r *streamer.Request)
}

// invalidatingOps are the operations after which cached data may be stale.
const invalidatingOps = fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename

// Watcher submits flushes for changed files.
type Watcher struct {
	submitter Submitter
	watcher   *fsnotify.Watcher
	paths     []string

	flushes   atomic.Uint64
	flushAlls atomic.Uint64
}

// New creates a watcher following every directory in paths. Directories are
// not watched recursively.
func New(submitter Submitter, paths []string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	w := &Watcher{submitter: submitter, watcher: fw}
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			_ = fw.Close()
			return nil, fmt.Errorf("invalid watch path %q: %w", p, err)
		}
		if err := fw.Add(abs); err != nil {
			_ = fw.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", abs, err)
		}
		w.paths = append(w.paths, abs)
	}
	return w, nil
}

// Paths returns the absolute paths being watched.
func (w *Watcher) Paths() []string { return w.paths }

// Run handles events until ctx is done or the watcher fails. The watcher is
// closed on return.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() { _ = w.watcher.Close() }()

	logger.Info("Watching %d path(s) for changes", len(w.paths))

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&invalidatingOps == 0 {
				continue
			}
			logger.Debug("Watch: %s %s", event.Op, event.Name)
			w.flush(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				logger.Warn("Watch: events lost, flushing every cache")
				w.flushAll()
				continue
			}
			return fmt.Errorf("watcher error: %w", err)
		}
	}
}

func (w *Watcher) flush(path string) {
	r := w.submitter.CreateRequest()
	r.SetFlush(path)
	w.submitter.QueueRequest(r)
	w.flushes.Add(1)
}

func (w *Watcher) flushAll() {
	r := w.submitter.CreateRequest()
	r.SetFlushAll()
	w.submitter.QueueRequest(r)
	w.flushAlls.Add(1)
}

// Statistics reports how many flushes the watcher has submitted.
func (w *Watcher) Statistics() []streamer.Statistic {
	return []streamer.Statistic{
		streamer.NewStatistic("watch", "flushes_submitted", float64(w.flushes.Load())),
		streamer.NewStatistic("watch", "flush_alls_submitted", float64(w.flushAlls.Load())),
	}
}
