package tasks

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"photopipe/internal/fsutil"
)

// DatasetWatcher monitors a directory tree and reports directories whose
// matching frames have stopped changing for the settle delay. Once a
// directory has been reported, writes to the frames it held at that point are
// ignored; only a frame with a new name makes it pending again.
type DatasetWatcher struct {
	watcher *fsnotify.Watcher
	root    string
	matcher *fsutil.FrameMatcher
	settle  time.Duration
	log     *slog.Logger

	// Ready receives settled dataset directories.
	Ready chan string

	mu       sync.Mutex
	pending  map[string]time.Time
	reported map[string]map[string]bool
}

// NewDatasetWatcher creates a watcher over root. Nothing is watched until Run.
func NewDatasetWatcher(root string, m *fsutil.FrameMatcher, settle time.Duration, logger *slog.Logger) (*DatasetWatcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if settle <= 0 {
		settle = 30 * time.Second
	}
	return &DatasetWatcher{
		watcher: watcher,
		root:    abs,
		matcher: m,
		settle:  settle,
		log:     logger,
		Ready:    make(chan string, 100),
		pending:  make(map[string]time.Time),
		reported: make(map[string]map[string]bool),
	}, nil
}

// Run watches the tree until ctx is done. Ready is closed when Run returns.
func (w *DatasetWatcher) Run(ctx context.Context) error {
	defer close(w.Ready)
	defer w.watcher.Close()

	if err := w.addTree(w.root, false); err != nil {
		return err
	}
	w.log.Info("watching directory tree", "root", w.root, "prefix", w.matcher.Prefix(), "settle", w.settle.String())

	tick := w.settle / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Error("filesystem watcher error", "error", err)
		case now := <-ticker.C:
			for _, dir := range w.settled(now) {
				w.markReported(dir)
				select {
				case w.Ready <- dir:
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
}

func (w *DatasetWatcher) handle(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}
	info, err := os.Stat(event.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if event.Op&fsnotify.Create != 0 && !fsutil.IsHidden(event.Name) {
			if err := w.addTree(event.Name, true); err != nil {
				w.log.Warn("cannot watch new directory", "dir", event.Name, "error", err)
			}
		}
		return
	}
	name := filepath.Base(event.Name)
	if !w.matcher.Match(name) {
		return
	}
	dir := filepath.Dir(event.Name)
	if !w.unseen(dir, []string{name}) {
		w.log.Debug("frame rewritten in processed dataset", "file", event.Name)
		return
	}
	w.touch(dir, time.Now())
}

// addTree watches dir and everything below it. With scan set, directories
// that already hold frames are marked pending, covering files written before
// the watch was in place.
func (w *DatasetWatcher) addTree(dir string, scan bool) error {
	return fsutil.WalkDirs(dir, func(path string) error {
		if err := w.watcher.Add(path); err != nil {
			return err
		}
		w.log.Debug("watching directory", "dir", path)
		if scan {
			if frames, err := fsutil.ListFrames(path, w.matcher); err == nil && w.unseen(path, baseNames(frames)) {
				w.touch(path, time.Now())
			}
		}
		return nil
	})
}

func (w *DatasetWatcher) touch(dir string, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[dir] = at
}

// settled removes and returns, sorted, the pending directories quiet since
// before now minus the settle delay.
func (w *DatasetWatcher) settled(now time.Time) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for dir, last := range w.pending {
		if now.Sub(last) >= w.settle {
			out = append(out, dir)
			delete(w.pending, dir)
		}
	}
	sort.Strings(out)
	return out
}

// markReported records the frames dir holds as it is sent on Ready.
func (w *DatasetWatcher) markReported(dir string) {
	frames, err := fsutil.ListFrames(dir, w.matcher)
	if err != nil {
		w.log.Warn("cannot list reported dataset", "dir", dir, "error", err)
		return
	}
	seen := make(map[string]bool, len(frames))
	for _, name := range baseNames(frames) {
		seen[name] = true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reported[dir] = seen
}

// unseen reports whether any of names is missing from the frames dir held
// when it was last reported.
func (w *DatasetWatcher) unseen(dir string, names []string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	seen := w.reported[dir]
	for _, name := range names {
		if !seen[name] {
			return true
		}
	}
	return false
}

func baseNames(paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = filepath.Base(p)
	}
	return out
}
