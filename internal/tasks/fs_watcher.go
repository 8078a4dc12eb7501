package tasks

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"meteorcal/internal/fsutil"
)

// DefaultSettle is how long a capture directory must stay quiet before
// it is reported.
const DefaultSettle = 2 * time.Second

// CaptureEvent reports a capture directory that received new frames.
type CaptureEvent struct {
	Dir    string    `json:"dir"`
	Frames []string  `json:"frames"`
	Time   time.Time `json:"time"`
}

// CaptureWatcher monitors station capture trees for new FITS frames and
// reports each directory once writes to it have settled.
type CaptureWatcher struct {
	roots  []string
	settle time.Duration
	log    *slog.Logger

	mu      sync.Mutex
	pending map[string][]string
}

// NewCaptureWatcher creates a watcher over roots. New subdirectories
// (monthly capture directories) are picked up as they appear.
func NewCaptureWatcher(roots []string, settle time.Duration, logger *slog.Logger) *CaptureWatcher {
	if settle <= 0 {
		settle = DefaultSettle
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CaptureWatcher{roots: roots, settle: settle, log: logger, pending: map[string][]string{}}
}

// Run processes file system events until ctx is cancelled, calling cb for
// every settled directory. cb runs on the watcher goroutine.
func (cw *CaptureWatcher) Run(ctx context.Context, cb func(CaptureEvent)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	for _, root := range cw.roots {
		if err := addDirsRecursive(w, root); err != nil {
			return err
		}
		cw.log.Info("watching capture directory", "root", root)
	}

	ticker := time.NewTicker(cw.settle / 4)
	defer ticker.Stop()
	lastWrite := map[string]time.Time{}

	for {
		select {
		case <-ctx.Done():
			cw.log.Info("capture watcher stopped")
			return nil

		case now := <-ticker.C:
			for dir, at := range lastWrite {
				if now.Sub(at) < cw.settle {
					continue
				}
				delete(lastWrite, dir)
				cw.mu.Lock()
				frames := cw.pending[dir]
				delete(cw.pending, dir)
				cw.mu.Unlock()
				if len(frames) > 0 && cb != nil {
					cb(CaptureEvent{Dir: dir, Frames: frames, Time: now})
				}
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(w, ev.Name); addErr != nil {
						cw.log.Warn("cannot watch new directory", "path", ev.Name, "error", addErr)
					}
					continue
				}
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 || !fsutil.IsFrameFile(ev.Name) {
				continue
			}
			dir := filepath.Dir(ev.Name)
			lastWrite[dir] = time.Now()
			cw.mu.Lock()
			if !contains(cw.pending[dir], ev.Name) {
				cw.pending[dir] = append(cw.pending[dir], ev.Name)
			}
			cw.mu.Unlock()

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			cw.log.Error("capture watcher error", "error", watchErr)
		}
	}
}

// Pending returns the number of directories with unsettled frames.
func (cw *CaptureWatcher) Pending() int {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return len(cw.pending)
}

func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
