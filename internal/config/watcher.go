// Copyright 2026 The revbroker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Watcher reloads the configuration file when it changes on disk and hands
// the freshly parsed result to a callback. Editors replace files rather than
// rewrite them, so the parent directory is watched and events are matched by
// base name, with a short debounce to coalesce write bursts.
type Watcher struct {
	path     string
	onReload func(*Config)
	fs       *fsnotify.Watcher
	debounce time.Duration
}

// NewWatcher creates a watcher for configFile. onReload runs on the watcher
// goroutine; callbacks must not block.
func NewWatcher(configFile string, onReload func(*Config)) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}

	abs, err := filepath.Abs(configFile)
	if err != nil {
		_ = fs.Close()
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	if err := fs.Add(filepath.Dir(abs)); err != nil {
		_ = fs.Close()
		return nil, fmt.Errorf("config watcher: %w", err)
	}

	return &Watcher{
		path:     abs,
		onReload: onReload,
		fs:       fs,
		debounce: 200 * time.Millisecond,
	}, nil
}

// Start consumes filesystem events until ctx is canceled.
func (w *Watcher) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *Watcher) loop(ctx context.Context) {
	defer func() { _ = w.fs.Close() }()

	var timer *time.Timer
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != filepath.Base(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			pending = timer.C
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.Warnf("config watcher error: %v", err)
		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadConfigOptional(w.path, true)
	if err != nil {
		log.Warnf("config reload failed, keeping previous configuration: %v", err)
		return
	}
	log.Infof("configuration reloaded from %s", w.path)
	if w.onReload != nil {
		w.onReload(cfg)
	}
}
