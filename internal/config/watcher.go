package config

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// ReloadFunc receives a freshly loaded and validated configuration.
type ReloadFunc func(*Config)

// Watcher monitors the active config file and re-runs the load pipeline when
// it changes. A reload that fails validation is discarded and the previous
// configuration stays in effect.
type Watcher struct {
	path      string
	overrides Overrides
	onReload  ReloadFunc

	watcher     *fsnotify.Watcher
	stopChan    chan struct{}
	stopOnce    sync.Once
	lastModTime time.Time
	mu          sync.Mutex
}

// NewWatcher builds a watcher for the given config file. The overrides are
// re-applied on every reload so CLI flags keep their precedence.
func NewWatcher(path string, overrides Overrides, onReload ReloadFunc) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:      path,
		overrides: overrides,
		onReload:  onReload,
		watcher:   fsw,
		stopChan:  make(chan struct{}),
	}
	if stat, err := os.Stat(path); err == nil {
		w.lastModTime = stat.ModTime()
	}
	return w, nil
}

// Start begins watching. Editors replace files rather than write in place,
// so the parent directory is watched and events are matched by base name.
func (w *Watcher) Start() {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Failed to watch config directory, falling back to polling")
		go w.pollForChanges()
		return
	}

	go w.watchForChanges()
	log.Info().Str("path", w.path).Msg("Watching config file for changes")
}

// Stop halts the watcher. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		w.watcher.Close()
	})
}

// ReloadNow forces an immediate reload, used by the SIGHUP handler.
func (w *Watcher) ReloadNow() {
	w.reload()
}

func (w *Watcher) watchForChanges() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) && event.Name != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Debounce: let the writer finish before reading.
			time.Sleep(100 * time.Millisecond)
			log.Info().Str("event", event.Op.String()).Msg("Detected config file change")
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) pollForChanges() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stat, err := os.Stat(w.path)
			if err != nil {
				continue
			}
			w.mu.Lock()
			changed := stat.ModTime().After(w.lastModTime)
			if changed {
				w.lastModTime = stat.ModTime()
			}
			w.mu.Unlock()
			if changed {
				log.Info().Msg("Detected config file change via polling")
				w.reload()
			}

		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) reload() {
	overrides := w.overrides
	overrides.ConfigPath = w.path

	cfg, err := NewLoader(overrides).Load()
	if err != nil {
		log.Error().Err(err).Msg("Config reload failed, keeping previous configuration")
		return
	}

	log.Info().Str("path", w.path).Msg("Reloaded configuration")
	if w.onReload != nil {
		w.onReload(cfg)
	}
}
