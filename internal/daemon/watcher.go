package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"git.home.luguber.info/inful/conveyor/internal/logfields"
)

// ConfigWatcher monitors the configuration file and invokes a reload
// callback when it changes. Rapid successive writes (editor save dances)
// are debounced into a single reload.
type ConfigWatcher struct {
	configPath string
	watcher    *fsnotify.Watcher
	reload     func() error
	debounce   time.Duration
}

// NewConfigWatcher creates a watcher for the given config file.
func NewConfigWatcher(configPath string, reload func() error) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		watcher.Close()
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	return &ConfigWatcher{
		configPath: absPath,
		watcher:    watcher,
		reload:     reload,
		debounce:   2 * time.Second,
	}, nil
}

// Start begins monitoring. Watching the parent directory instead of the file
// survives the rename-and-replace pattern most editors use.
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	dir := filepath.Dir(cw.configPath)
	if err := cw.watcher.Add(dir); err != nil {
		return fmt.Errorf("watch config directory %s: %w", dir, err)
	}
	slog.Info("Configuration watcher started", logfields.Path(cw.configPath))
	go cw.loop(ctx)
	return nil
}

// Stop closes the underlying watcher.
func (cw *ConfigWatcher) Stop() error {
	return cw.watcher.Close()
}

func (cw *ConfigWatcher) loop(ctx context.Context) {
	var timer *time.Timer
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if !cw.relevant(event) {
				continue
			}
			slog.Debug("Config change detected",
				logfields.Path(event.Name), slog.String("op", event.Op.String()))
			if timer == nil {
				timer = time.NewTimer(cw.debounce)
			} else {
				timer.Reset(cw.debounce)
			}
			pending = timer.C
		case <-pending:
			pending = nil
			slog.Info("Reloading configuration", logfields.Path(cw.configPath))
			if err := cw.reload(); err != nil {
				slog.Error("Configuration reload failed, keeping previous config",
					logfields.Error(err))
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Config watcher error", logfields.Error(err))
		}
	}
}

func (cw *ConfigWatcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != cw.configPath {
		return false
	}
	return event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Rename)
}
