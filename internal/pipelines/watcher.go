package pipelines

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/alekspetrov/warden/internal/logging"
)

const debounce = 250 * time.Millisecond

// Watcher re-syncs the definition file whenever it changes on disk.
type Watcher struct {
	path    string
	store   Store
	watcher *fsnotify.Watcher
	log     *slog.Logger

	// onSync is called after every sync attempt (tests).
	onSync func(error)
}

// NewWatcher watches the directory holding path, so editors that replace the
// file via rename are still seen.
func NewWatcher(st Store, path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}
	return &Watcher{
		path:    filepath.Clean(path),
		store:   st,
		watcher: fw,
		log:     logging.WithComponent("pipelines"),
	}, nil
}

// Run processes events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer func() { _ = w.watcher.Close() }()

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			err := SyncFile(w.store, w.path)
			if err != nil {
				w.log.Error("Pipeline reload failed", slog.String("path", w.path), slog.Any("error", err))
			} else {
				w.log.Info("Pipelines reloaded", slog.String("path", w.path))
			}
			if w.onSync != nil {
				w.onSync(err)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("Watcher error", slog.Any("error", err))
		}
	}
}
