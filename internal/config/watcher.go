package config

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow absorbs the burst of Write events many editors and
// config-management tools emit for a single logical save.
const debounceWindow = 200 * time.Millisecond

// Watcher watches a config file for changes and reloads it, grounded on
// wlkek-mcbeproxy's ConfigManager.Watch/StopWatch use of fsnotify.
type Watcher struct {
	path     string
	log      *slog.Logger
	onChange func(*Config)

	watcher *fsnotify.Watcher
	stop    chan struct{}
	done    chan struct{}
}

// NewWatcher constructs a Watcher for path. onChange is invoked with the
// newly loaded Config after every debounced change; it is never called with
// a Config that failed validation — Validate errors are logged and the
// previous in-memory Config stays in effect, per spec §4.7's "reload is
// atomic, never partial" requirement.
func NewWatcher(path string, log *slog.Logger, onChange func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{
		path:     path,
		log:      log,
		onChange: onChange,
		watcher:  fw,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Run blocks, dispatching reloads until ctx is cancelled or Stop is called.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.done)

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceWindow, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	if !fileExists(w.path) {
		w.log.Warn("config file missing during reload, keeping previous config", "path", w.path)
		return
	}
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Error("config reload failed, keeping previous config", "path", w.path, "error", err)
		return
	}
	w.onChange(cfg)
}

// Stop stops the watcher and waits for Run to return.
func (w *Watcher) Stop() {
	close(w.stop)
	w.watcher.Close()
	<-w.done
}
