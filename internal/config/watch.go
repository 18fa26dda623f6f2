// ABOUTME: Hot reload of the configuration file using fsnotify.
// ABOUTME: Debounces bursts of writes and hands each successfully parsed config to a callback.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce coalesces editor save bursts into one reload.
const DefaultWatchDebounce = 250 * time.Millisecond

// Watch reloads path whenever it changes and calls onChange with the new
// config. Invalid configs are logged and skipped. The parent directory is
// watched so that atomic rename-on-save editors are seen. Watch returns once
// the watcher is running; it stops when ctx is done.
func Watch(ctx context.Context, path string, logger *slog.Logger, onChange func(*Config)) error {
	if logger == nil {
		logger = slog.Default()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	go runWatch(ctx, watcher, abs, logger, onChange)
	return nil
}

func runWatch(ctx context.Context, watcher *fsnotify.Watcher, path string, logger *slog.Logger, onChange func(*Config)) {
	defer watcher.Close()

	var debounce *time.Timer
	reload := func() {
		cfg, err := Load(path)
		if err != nil {
			logger.Warn("config reload failed, keeping previous config", "path", path, "error", err)
			return
		}
		logger.Info("config reloaded", "path", path, "servers", len(cfg.Servers))
		onChange(cfg)
	}

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(DefaultWatchDebounce, reload)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("config watcher error", "error", err)
		}
	}
}
