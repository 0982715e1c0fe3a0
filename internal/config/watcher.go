package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches the config file and the rules directory for changes and
// triggers a debounced reload callback, per the ambient stack's hot-reload
// requirement.
type Watcher struct {
	fsw      *fsnotify.Watcher
	logger   *slog.Logger
	debounce time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewWatcher creates a Watcher with a default 100ms debounce interval.
func NewWatcher(logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	return &Watcher{fsw: fsw, logger: logger, debounce: 100 * time.Millisecond}, nil
}

// Add registers a file or directory to watch. Call before Watch.
func (w *Watcher) Add(path string) error {
	if path == "" {
		return nil
	}
	return w.fsw.Add(path)
}

// Watch blocks, invoking onReload (debounced) whenever a watched YAML file
// changes, until ctx is cancelled or Close is called.
func (w *Watcher) Watch(ctx context.Context, onReload func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.shouldProcess(event) {
				continue
			}
			w.logger.Debug("config watcher event", "path", event.Name, "op", event.Op.String())
			w.trigger(onReload)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) shouldProcess(event fsnotify.Event) bool {
	if event.Op&fsnotify.Chmod == fsnotify.Chmod {
		return false
	}
	ext := strings.ToLower(filepath.Ext(event.Name))
	return ext == ".yaml" || ext == ".yml" || ext == ".json"
}

func (w *Watcher) trigger(onReload func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, onReload)
}

// Close stops the watcher and releases its file descriptor.
func (w *Watcher) Close() error {
	w.mu.Lock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return w.fsw.Close()
}
