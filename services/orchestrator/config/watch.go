// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultReloadDebounce coalesces editor write bursts into one reload.
const DefaultReloadDebounce = 250 * time.Millisecond

// ReloadFunc receives each successfully reloaded configuration.
type ReloadFunc func(cfg *Config)

// Watcher reloads a config file when it changes.
//
// # Description
//
// The parent directory is watched rather than the file, so atomic
// rename-over saves are seen. Events for other files are ignored. Invalid
// intermediate states are logged and skipped; the previous configuration
// stays in effect.
type Watcher struct {
	path     string
	opts     Options
	debounce time.Duration
	onReload ReloadFunc
	logger   *slog.Logger
}

// NewWatcher prepares a watcher; call Run to start it.
func NewWatcher(path string, opts Options, onReload ReloadFunc, logger *slog.Logger) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config watcher: path must not be empty")
	}
	if onReload == nil {
		return nil, fmt.Errorf("config watcher: onReload must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	return &Watcher{
		path:     abs,
		opts:     opts,
		debounce: DefaultReloadDebounce,
		onReload: onReload,
		logger:   logger.With(slog.String("component", "config_watcher")),
	}, nil
}

// SetDebounce overrides DefaultReloadDebounce. Call before Run.
func (w *Watcher) SetDebounce(d time.Duration) {
	if d > 0 {
		w.debounce = d
	}
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.logger.Info("Watching configuration", slog.String("path", w.path))

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(w.debounce)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Watcher error", slog.String("error", err.Error()))

		case <-timer.C:
			cfg, err := LoadWithOptions(w.path, w.opts)
			if err != nil {
				w.logger.Warn("Configuration reload failed; keeping previous",
					slog.String("error", err.Error()))
				continue
			}
			w.logger.Info("Configuration reloaded")
			w.onReload(cfg)
		}
	}
}

// Watch runs a Watcher for path until ctx is cancelled.
func Watch(ctx context.Context, path string, opts Options, onReload ReloadFunc, logger *slog.Logger) error {
	w, err := NewWatcher(path, opts, onReload, logger)
	if err != nil {
		return err
	}
	return w.Run(ctx)
}
