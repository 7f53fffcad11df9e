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

//go:build linux && !general
// +build linux,!general

package main

import (
	"github.com/transparency-dev/armored-memmap/internal/dmamem"
	"github.com/transparency-dev/armored-memmap/memmap"
	"github.com/transparency-dev/armored-memmap/platform"
)

// variant identifies the build: device tree nodes with a reserved-memory
// region, each device gets a 1GB window.
const variant = "reserved"

func newMemory(cfg *Config) memmap.Config {
	var backing dmamem.Backing = &dmamem.DevMem{Path: cfg.DevMem}

	if cfg.Memory == MemoryAnonymous {
		backing = dmamem.Anonymous{}
	}

	return memmap.ReservedConfig(dmamem.NewReserved(backing))
}

// bind registers the driver on bus, returning the function undoing it.
func bind(bus *platform.Bus, d *memmap.Driver) (func(), error) {
	drv := memmap.NewPlatformDriver(d)

	if err := bus.RegisterDriver(drv); err != nil {
		return nil, err
	}

	return func() {
		bus.UnregisterDriver(drv)
	}, nil
}
