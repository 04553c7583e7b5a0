package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// ChangeFunc receives the configuration being replaced and its successor.
type ChangeFunc func(prev, next *Config)

// ReloadableConfig serves the latest accepted revision of a config file.
//
// The parent directory is watched rather than the file so that editors which
// save by renaming a temporary file keep triggering reloads. A revision that
// fails to load, or that changes a setting only read at startup, is logged
// and ignored.
type ReloadableConfig struct {
	path    string
	current atomic.Pointer[Config]

	// applyMu serializes load, swap and notify.
	applyMu sync.Mutex

	listenersMu sync.RWMutex
	listeners   []ChangeFunc

	fsw      *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
}

// NewReloadable loads path and starts watching it.
func NewReloadable(path string) (*ReloadableConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("initial config load: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}

	r := &ReloadableConfig{
		path: filepath.Clean(path),
		fsw:  fsw,
		done: make(chan struct{}),
	}
	r.current.Store(cfg)
	go r.run()
	return r, nil
}

// Get returns the active configuration. Callers must not modify it.
func (r *ReloadableConfig) Get() *Config {
	return r.current.Load()
}

// Watch adds fn to the listeners run after each accepted revision, in
// registration order, on the goroutine that performed the reload.
func (r *ReloadableConfig) Watch(fn ChangeFunc) {
	r.listenersMu.Lock()
	r.listeners = append(r.listeners, fn)
	r.listenersMu.Unlock()
}

// Reload reads the file now. On error the active configuration is kept.
func (r *ReloadableConfig) Reload() error {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()

	next, err := Load(r.path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	prev := r.Get()
	if err := checkLiveChange(prev, next); err != nil {
		return err
	}
	r.current.Store(next)
	r.notify(prev, next)
	return nil
}

func (r *ReloadableConfig) notify(prev, next *Config) {
	r.listenersMu.RLock()
	fns := append([]ChangeFunc(nil), r.listeners...)
	r.listenersMu.RUnlock()

	for _, fn := range fns {
		fn(prev, next)
	}
}

// checkLiveChange rejects edits to settings that are bound once at startup.
func checkLiveChange(prev, next *Config) error {
	if prev.Metrics.Listen != next.Metrics.Listen {
		return fmt.Errorf("metrics.listen %q -> %q requires restart", prev.Metrics.Listen, next.Metrics.Listen)
	}
	return nil
}

func (r *ReloadableConfig) run() {
	for {
		select {
		case ev, ok := <-r.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != r.path || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			if err := r.Reload(); err != nil {
				log.Warn().Err(err).Str("path", r.path).Msg("config change ignored")
				continue
			}
			log.Info().Str("path", r.path).Msg("config reloaded")
		case err, ok := <-r.fsw.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Str("path", r.path).Msg("config watcher error")
		case <-r.done:
			return
		}
	}
}

// Close stops watching. It is safe to call more than once.
func (r *ReloadableConfig) Close() error {
	var err error
	r.stopOnce.Do(func() {
		close(r.done)
		err = r.fsw.Close()
	})
	return err
}
