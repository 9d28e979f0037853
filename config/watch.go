// Copyright © 2025 Texelsync contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// File: config/watch.go
// Summary: fsnotify watcher that reloads the config file on change.

package config

import (
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config when its file is written and hands the fresh
// snapshot to onChange. Editors replace files via rename, so the whole
// config directory is watched and events are filtered by name. Returns a
// stop function.
func Watch(onChange func(Config)) (func(), error) {
	path, err := systemConfigPath()
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, err
	}
	target := filepath.Base(path)
	done := make(chan struct{})

	var timer *time.Timer
	debounce := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(200*time.Millisecond, func() {
			if err := Reload(); err != nil {
				log.Printf("config: reload after change failed: %v", err)
				return
			}
			if onChange != nil {
				onChange(System())
			}
		})
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-done:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					debounce()
				}
			case <-w.Errors:
				// ignore
			}
		}
	}()

	return func() { close(done) }, nil
}
