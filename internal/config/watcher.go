package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads the settings file when it changes on disk and hands
// the result to an apply func.
type Watcher struct {
	path     string
	apply    func(*File) error
	logger   *zap.Logger
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

// NewWatcher creates a stopped watcher for path.
func NewWatcher(path string, apply func(*File) error, logger *zap.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &Watcher{
		path:     abs,
		apply:    apply,
		logger:   logger,
		watcher:  fw,
		debounce: 250 * time.Millisecond,
		done:     make(chan struct{}),
	}, nil
}

// Start watches the file's directory, so editors that replace the file
// on save are still seen.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}
	w.running = true
	go w.run(ctx)

	w.logger.Info("watching config file", zap.String("path", w.path))
	return nil
}

// Close stops the watcher and waits for its loop to exit.
func (w *Watcher) Close() error {
	w.mu.Lock()
	running := w.running
	w.running = false
	w.mu.Unlock()

	err := w.watcher.Close()
	if running {
		<-w.done
	}
	return err
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug("config file changed", zap.String("op", event.Op.String()))
			// Editors often emit several events for one save
			pending = time.After(w.debounce)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))

		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	f, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping current settings", zap.Error(err))
		return
	}
	if err := w.apply(f); err != nil {
		w.logger.Warn("config rejected, keeping current settings", zap.Error(err))
		return
	}
	w.logger.Info("config reloaded", zap.String("path", w.path))
}
