// Copyright 2024 The Armored Memmap authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux
// +build linux

package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"k8s.io/klog/v2"
)

// watch loads every device tree blob of dir and keeps the announced devices
// in sync with it until ctx is done: created or rewritten blobs are
// (re)loaded, removed ones unloaded.
func watch(ctx context.Context, dir string, t *tree) error {
	w, err := fsnotify.NewWatcher()

	if err != nil {
		return err
	}
	defer w.Close()

	if err = w.Add(dir); err != nil {
		return err
	}

	entries, err := os.ReadDir(dir)

	if err != nil {
		return err
	}

	for _, e := range entries {
		path := filepath.Join(dir, e.Name())

		if e.IsDir() || !isBlob(path) {
			continue
		}

		if err := t.load(path); err != nil {
			klog.Errorf("could not load %s: %v", path, err)
		}
	}

	klog.Infof("watching %s for device tree overlays", dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}

			if !isBlob(ev.Name) {
				continue
			}

			switch {
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				t.unload(ev.Name)
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				if err := t.load(ev.Name); err != nil {
					// partially written blobs are retried on the next write
					klog.V(1).Infof("could not load %s: %v", ev.Name, err)
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}

			klog.Errorf("overlay watcher: %v", err)
		}
	}
}
