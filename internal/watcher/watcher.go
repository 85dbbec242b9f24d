package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"resultd/internal/logging"

	"github.com/fsnotify/fsnotify"
)

const (
	DefaultSlice      = 500 * time.Millisecond
	defaultBufferSize = 256
)

type DirectoryWatcher struct {
	root      string
	source    *fsnotify.Watcher
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	slice     time.Duration
	logger    *logging.Logger
	opts      Options
	watched   int
	received  atomic.Uint64
}

// NewDirectoryWatcher registers root and every directory below it. Only a
// failure on root itself is returned; nested failures are logged and skipped.
func NewDirectoryWatcher(root string, opts Options) (*DirectoryWatcher, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch %s: not a directory", root)
	}

	source, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := source.Add(root); err != nil {
		_ = source.Close()
		return nil, fmt.Errorf("watch %s: %w", root, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	if opts.Slice <= 0 {
		opts.Slice = DefaultSlice
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}

	watcher := &DirectoryWatcher{
		root:    root,
		source:  source,
		events:  make(chan Event, opts.BufferSize),
		done:    make(chan struct{}),
		slice:   opts.Slice,
		logger:  logger.Component("watcher"),
		opts:    opts,
		watched: 1,
	}
	for _, dir := range collectRecursiveDirs(root) {
		if err := source.Add(dir); err != nil {
			watcher.logger.Warn("watch add failed", map[string]string{
				"path":  dir,
				"error": err.Error(),
			})
			continue
		}
		watcher.watched++
	}
	watcher.logger.Debug("watch registered", map[string]string{
		"root":           root,
		"active_watches": strconv.Itoa(watcher.watched),
	})

	go watcher.forward()
	return watcher, nil
}

func collectRecursiveDirs(root string) []string {
	dirs := []string{}
	_ = filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !entry.IsDir() || path == root {
			return nil
		}
		dirs = append(dirs, path)
		return nil
	})
	return dirs
}

func (watcher *DirectoryWatcher) Root() string {
	return watcher.root
}

// Watched reports how many directories were registered.
func (watcher *DirectoryWatcher) Watched() int {
	return watcher.watched
}

// Poll waits up to wait (the configured slice when zero) for the next event.
// ok is false when the slice elapsed without one.
func (watcher *DirectoryWatcher) Poll(ctx context.Context, wait time.Duration) (Event, bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if wait <= 0 {
		wait = watcher.slice
	}
	select {
	case <-watcher.done:
		return Event{}, false, ErrWatcherClosed
	default:
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case event, ok := <-watcher.events:
		if !ok {
			return Event{}, false, ErrWatcherClosed
		}
		return event, true, nil
	case <-watcher.done:
		return Event{}, false, ErrWatcherClosed
	case <-ctx.Done():
		return Event{}, false, ctx.Err()
	case <-timer.C:
		return Event{}, false, nil
	}
}

// Close releases the native watch handle. Calls after the first are no-ops.
func (watcher *DirectoryWatcher) Close() error {
	if watcher == nil {
		return nil
	}
	watcher.closeOnce.Do(func() {
		close(watcher.done)
		watcher.closeErr = watcher.source.Close()
	})
	return watcher.closeErr
}

func (watcher *DirectoryWatcher) Closed() bool {
	select {
	case <-watcher.done:
		return true
	default:
		return false
	}
}

func (watcher *DirectoryWatcher) forward() {
	defer close(watcher.events)
	for {
		select {
		case raw, ok := <-watcher.source.Events:
			if !ok {
				return
			}
			event, keep := translate(raw)
			if !keep {
				continue
			}
			watcher.received.Add(1)
			select {
			case watcher.events <- event:
			case <-watcher.done:
				return
			}
		case err, ok := <-watcher.source.Errors:
			if !ok {
				return
			}
			watcher.opts.Metrics.IncWatcherError()
			watcher.logger.Warn("watcher error", map[string]string{
				"root":  watcher.root,
				"error": err.Error(),
			})
		case <-watcher.done:
			return
		}
	}
}

func translate(raw fsnotify.Event) (Event, bool) {
	var kind Kind
	switch {
	case raw.Has(fsnotify.Create):
		kind = KindCreated
	case raw.Has(fsnotify.Write):
		kind = KindModified
	default:
		return Event{}, false
	}
	return Event{Path: raw.Name, Kind: kind, Timestamp: time.Now().UTC()}, true
}

// Received counts events forwarded to Poll since creation.
func (watcher *DirectoryWatcher) Received() uint64 {
	return watcher.received.Load()
}
