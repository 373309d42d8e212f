package advisor

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the advisor set when definition files change on
// disk. Rapid editor save bursts are debounced into one reload.
type Watcher struct {
	loader   *Loader
	logger   *slog.Logger
	debounce time.Duration
	onReload func()
}

// NewWatcher creates a watcher over the loader's directory. onReload,
// if non-nil, runs after each successful reload.
func NewWatcher(loader *Loader, logger *slog.Logger, onReload func()) *Watcher {
	return &Watcher{
		loader:   loader,
		logger:   logger,
		debounce: 500 * time.Millisecond,
		onReload: onReload,
	}
}

// Run watches until ctx is cancelled. Watch setup failure is returned;
// later filesystem errors are logged and watching continues.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := fsw.Add(w.loader.dir); err != nil {
		return err
	}

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, ".md") {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			// Restart the debounce window.
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("advisor watcher error", "error", err)

		case <-timerC:
			timerC = nil
			timer = nil
			errs := w.loader.Reload()
			for _, err := range errs {
				w.logger.Warn("advisor reload", "error", err)
			}
			w.logger.Info("advisors reloaded", "count", len(w.loader.List()), "errors", len(errs))
			if w.onReload != nil {
				w.onReload()
			}
		}
	}
}
