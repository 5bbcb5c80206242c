package classifier

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc loads and swaps a library file. A returned error keeps the
// previous library live.
type ReloadFunc func(path string) error

// Watcher hot-reloads a library file when it changes on disk.
// Write bursts are debounced; reload failures are logged and the previous
// compiled library stays in effect.
type Watcher struct {
	logger   Logger
	path     string
	reload   ReloadFunc
	debounce time.Duration

	fsw  *fsnotify.Watcher
	done chan struct{}
}

// NewWatcher creates a watcher for the given library file.
// Call Start to begin watching and Close to stop.
func NewWatcher(logger Logger, path string, reload ReloadFunc) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the parent directory: editors often replace files by rename,
	// which drops a watch registered on the file itself.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	return &Watcher{
		logger:   logger,
		path:     filepath.Clean(path),
		reload:   reload,
		debounce: 200 * time.Millisecond,
		fsw:      fsw,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching in a background goroutine.
func (w *Watcher) Start() {
	go w.run()
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

func (w *Watcher) run() {
	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Debounce: editors emit several events per save.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			if err := w.reload(w.path); err != nil {
				if w.logger != nil {
					w.logger.Warn("library_reload_failed",
						"path", w.path,
						"error", err.Error(),
					)
				}
				continue
			}
			if w.logger != nil {
				w.logger.Info("library_reloaded", "path", w.path)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Warn("watcher_error", "error", err.Error())
			}
		}
	}
}
