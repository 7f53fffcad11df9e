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
	"path/filepath"
	"strings"
	"sync"

	"github.com/u-root/u-root/pkg/dt"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-memmap/internal/devicetree"
	"github.com/transparency-dev/armored-memmap/memmap"
	"github.com/transparency-dev/armored-memmap/platform"
)

// tree announces the driver compatible nodes of device tree blobs on the
// platform bus, tracking them per source so that they can be removed again.
type tree struct {
	sync.Mutex

	bus     *platform.Bus
	sources map[string][]*platform.Device
}

func newTree(bus *platform.Bus) *tree {
	return &tree{
		bus:     bus,
		sources: make(map[string][]*platform.Device),
	}
}

func compatibles() (c []string) {
	for _, id := range memmap.OFMatch {
		c = append(c, id.Compatible)
	}

	return
}

// load reads a device tree blob, replacing the devices previously announced
// from the same path.
func (t *tree) load(path string) error {
	root, err := devicetree.Load(path)

	if err != nil {
		return err
	}

	t.unload(path)
	t.add(path, root)

	return nil
}

func (t *tree) add(path string, root *dt.Node) {
	t.Lock()
	defer t.Unlock()

	for _, n := range devicetree.FindCompatible(root, compatibles()...) {
		pdev := &platform.Device{
			Node: n,
			Root: root,
		}

		if err := t.bus.AddDevice(pdev); err != nil {
			klog.Errorf("%s: %s: %v", filepath.Base(path), pdev, err)
			continue
		}

		klog.Infof("%s: announced %s", filepath.Base(path), pdev)
		t.sources[path] = append(t.sources[path], pdev)
	}
}

// unload removes the devices announced from path.
func (t *tree) unload(path string) {
	t.Lock()
	defer t.Unlock()

	for _, pdev := range t.sources[path] {
		klog.Infof("%s: removing %s", filepath.Base(path), pdev)
		t.bus.RemoveDevice(pdev)
	}

	delete(t.sources, path)
}

// unloadAll removes every announced device.
func (t *tree) unloadAll() {
	t.Lock()
	paths := make([]string, 0, len(t.sources))

	for path := range t.sources {
		paths = append(paths, path)
	}
	t.Unlock()

	for _, path := range paths {
		t.unload(path)
	}
}

func isBlob(path string) bool {
	return strings.HasSuffix(path, ".dtb") || strings.HasSuffix(path, ".dtbo")
}
