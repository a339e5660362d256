package source

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// fileWatcher watches a policy file or directory tree and calls onChange,
// debounced, whenever a policy document is written, created, renamed or
// removed.
type fileWatcher struct {
	path     string
	watcher  *fsnotify.Watcher
	debounce *Debouncer
	logger   *slog.Logger
}

func newFileWatcher(path string, debounce time.Duration, logger *slog.Logger) (*fileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &fileWatcher{
		path:     path,
		watcher:  w,
		debounce: NewDebouncer(debounce),
		logger:   logger,
	}, nil
}

// run blocks until ctx is done.
func (fw *fileWatcher) run(ctx context.Context, onChange func()) error {
	defer fw.debounce.Stop()
	defer fw.watcher.Close()

	if err := fw.addPath(fw.path); err != nil {
		return fmt.Errorf("failed to watch %s: %w", fw.path, err)
	}
	fw.logger.Info("watching policy files", "path", fw.path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}

			// New subdirectories must be watched explicitly.
			if event.Op&fsnotify.Create == fsnotify.Create {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := fw.addPath(event.Name); err != nil {
						fw.logger.Warn("failed to watch new directory", "path", event.Name, "error", err)
					}
					fw.debounce.Trigger(onChange)
					continue
				}
			}

			if !shouldProcessEvent(event) {
				continue
			}
			fw.logger.Debug("policy file event", "path", event.Name, "op", event.Op.String())
			fw.debounce.Trigger(onChange)

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			fw.logger.Error("policy file watcher error", "error", err)
		}
	}
}

func (fw *fileWatcher) addPath(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		// Watch the parent so atomic replace-by-rename is observed.
		return fw.watcher.Add(filepath.Dir(path))
	}
	return filepath.Walk(path, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !fi.IsDir() {
			return nil
		}
		if p != path && strings.HasPrefix(fi.Name(), ".") && fi.Name() != "..data" {
			return filepath.SkipDir
		}
		return fw.watcher.Add(p)
	})
}

// shouldProcessEvent drops chmod-only events and files that are not policy
// documents. Kubernetes ConfigMap mounts swap a "..data" symlink, which is
// always processed.
func shouldProcessEvent(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	if filepath.Base(event.Name) == "..data" {
		return true
	}
	return policyFile(event.Name)
}

// Debouncer collapses bursts of events into one callback after a quiet period.
type Debouncer struct {
	interval time.Duration
	timer    *time.Timer
	mu       sync.Mutex
	stopped  bool
}

// NewDebouncer creates a debouncer.
func NewDebouncer(interval time.Duration) *Debouncer {
	return &Debouncer{interval: interval}
}

// Trigger (re)arms the timer. Only the last callback in a burst runs.
func (d *Debouncer) Trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.interval, func() {
		d.mu.Lock()
		stopped := d.stopped
		d.mu.Unlock()
		if !stopped {
			callback()
		}
	})
}

// Stop cancels any pending callback.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
