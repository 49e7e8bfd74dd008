package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads the configuration file when it changes on disk. The
// containing directory is watched rather than the file itself so that
// editors which replace the file (write to temp, rename over) are seen.
type Watcher struct {
	path string
	log  zerolog.Logger
	fn   func(Config)
	fsw  *fsnotify.Watcher
	done chan struct{}

	mu       sync.Mutex
	debounce *time.Timer
}

// NewWatcher watches path and invokes fn with each successfully reloaded
// and validated configuration. Invalid files are logged and skipped, so a
// half-saved edit never reaches the caller.
func NewWatcher(path string, log zerolog.Logger, fn func(Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	w := &Watcher{
		path: path,
		log:  log,
		fn:   fn,
		fsw:  fsw,
		done: make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	base := filepath.Base(w.path)
	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("config watcher error")
		}
	}
}

// scheduleReload debounces editor write bursts before reloading.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(250*time.Millisecond, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Warn().Err(err).Str("path", w.path).Msg("config reload failed, keeping previous")
		return
	}
	if err := cfg.Validate(); err != nil {
		w.log.Warn().Err(err).Str("path", w.path).Msg("config invalid, keeping previous")
		return
	}
	w.log.Info().Str("path", w.path).Msg("configuration reloaded")
	w.fn(cfg)
}

// Close stops watching.
func (w *Watcher) Close() error {
	close(w.done)
	w.mu.Lock()
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.mu.Unlock()
	return w.fsw.Close()
}
