package session

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/asheshgoplani/termdeck/internal/platform"
)

// configDebounce coalesces editors that write config.toml in several steps.
const configDebounce = 150 * time.Millisecond

// ConfigWatcher reloads config.toml when it changes on disk and hands the
// fresh config to onChange.
type ConfigWatcher struct {
	dir     string
	file    string
	watcher *fsnotify.Watcher

	ctx    context.Context
	cancel context.CancelFunc

	onChange func(*UserConfig)

	mu    sync.Mutex
	timer *time.Timer
}

// NewConfigWatcher watches the termdeck directory. The directory is watched
// rather than the file so atomic rename saves are seen.
// Call Start() to begin watching.
func NewConfigWatcher(onChange func(*UserConfig)) (*ConfigWatcher, error) {
	path, err := GetUserConfigPath()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &ConfigWatcher{
		dir:      dir,
		file:     filepath.Base(path),
		watcher:  watcher,
		ctx:      ctx,
		cancel:   cancel,
		onChange: onChange,
	}, nil
}

// Start begins watching. Must be called in a goroutine.
func (w *ConfigWatcher) Start() {
	if err := w.watcher.Add(w.dir); err != nil {
		configLog.Warn("config_watcher_add_failed", slog.String("dir", w.dir), slog.String("error", err.Error()))
		return
	}
	if msg := platform.WatchWarning(w.dir); msg != "" {
		configLog.Warn("config_watcher_unreliable", slog.String("dir", w.dir), slog.String("reason", msg))
	}

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != w.file {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			configLog.Warn("config_watcher_error", slog.String("error", err.Error()))
		}
	}
}

func (w *ConfigWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(configDebounce, w.reload)
}

func (w *ConfigWatcher) reload() {
	if w.ctx.Err() != nil {
		return
	}
	cfg, err := ReloadUserConfig()
	if err != nil {
		configLog.Warn("config_reload_failed", slog.String("error", err.Error()))
		return
	}
	configLog.Info("config_reloaded")
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

// Stop shuts down the watcher.
func (w *ConfigWatcher) Stop() {
	w.cancel()
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	_ = w.watcher.Close()
}
