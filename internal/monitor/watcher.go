package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watcher reports page snapshots written into a directory. Each create or
// write of an .html file is delivered as a one-node childList batch, so a
// Monitor can debounce a browser's repeated saves like live DOM mutations.
type Watcher struct {
	dir     string
	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

// NewWatcher starts watching dir.
func NewWatcher(dir string) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}
	return &Watcher{dir: dir, watcher: w, logger: slog.Default()}, nil
}

// Run delivers snapshot events to fn until ctx is cancelled or the watcher
// is closed.
func (w *Watcher) Run(ctx context.Context, fn func(path string, b Batch)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !IsSnapshot(event.Name) {
				continue
			}
			fn(event.Name, Batch{{Type: ChildList, Added: 1}})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", "dir", w.dir, "error", err)
		}
	}
}

func (w *Watcher) Close() error {
	return w.watcher.Close()
}

// IsSnapshot reports whether path names a saved HTML page.
func IsSnapshot(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		return true
	}
	return false
}
