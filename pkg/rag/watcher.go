package rag

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher re-syncs a pipeline whenever files under a directory change.
// Filesystem events are debounced so editor save bursts trigger one sync.
type Watcher struct {
	pipeline *Pipeline
	loader   Loader
	path     string
	debounce time.Duration
	logger   *slog.Logger
}

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	// Path is the directory to watch. Required.
	Path string

	// Loader produces the documents on each sync; typically a
	// DirectoryLoader over the same path. Required.
	Loader Loader

	// Debounce defaults to 2s.
	Debounce time.Duration

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// NewWatcher creates a watcher bound to a pipeline.
func NewWatcher(pipeline *Pipeline, cfg WatcherConfig) *Watcher {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Watcher{
		pipeline: pipeline,
		loader:   cfg.Loader,
		path:     cfg.Path,
		debounce: cfg.Debounce,
		logger:   cfg.Logger,
	}
}

// Run watches until ctx is cancelled. Each debounced change burst triggers
// one Sync pass.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(w.path); err != nil {
		return err
	}

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Watcher error", "error", err)

		case <-timerC:
			timer = nil
			timerC = nil
			stats, err := w.pipeline.Sync(ctx, w.loader)
			if err != nil {
				w.logger.Warn("Watch-triggered sync failed", "error", err)
				continue
			}
			w.logger.Info("Watch-triggered sync finished", "stats", stats.String())
		}
	}
}
