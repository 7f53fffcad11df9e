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

// Package memmap implements a driver exposing one physically contiguous
// memory window per device through a userspace I/O registry.
//
// Devices are bound either from device tree nodes compatible with
// "rj,uio-memmap", sourcing their window from a reserved-memory region
// through coherent DMA allocations, or from a synthetic "uio_memmap" platform
// device drawing from general purpose memory. The window is only allocated
// while a consumer holds the device open, and at most one consumer can do so
// at any time.
package memmap

import (
	"errors"

	"github.com/coreos/go-semver/semver"

	"github.com/transparency-dev/armored-memmap/uio"
)

const (
	// DriverName is the platform driver name.
	DriverName = "uio-memmap"
	// SimpleDeviceName is the name of the synthetic device registered by
	// the self-registering variant.
	SimpleDeviceName = "uio_memmap"

	// InfoName and InfoVersion are published in the device record.
	InfoName    = "memmap"
	InfoVersion = "0.1.0"
	// MapName is the name of the single memory map.
	MapName = "mem0"

	// ReservedMapSize is the window size of the reserved-memory strategy.
	ReservedMapSize = 0x40000000 // 1GB
	// GeneralMapSize is the window size of the general strategy.
	GeneralMapSize = 0x100000 // 1MB

	// DMAMaskBits is the addressing capability declared by reserved-memory
	// devices.
	DMAMaskBits = 32
)

// Config describes a driver build variant.
type Config struct {
	// Size is the window size published for every device.
	Size uint64
	// Type is the memory classification reported to consumers.
	Type uio.MemType

	// Exactly one of the following memory environments must be set.
	Coherent CoherentMemory
	General  GeneralMemory
}

// ReservedConfig returns the reserved-memory variant configuration.
func ReservedConfig(mem CoherentMemory) Config {
	return Config{
		Size:     ReservedMapSize,
		Type:     uio.MemPhys,
		Coherent: mem,
	}
}

// GeneralConfig returns the general variant configuration.
func GeneralConfig(mem GeneralMemory) Config {
	return Config{
		Size:    GeneralMapSize,
		Type:    uio.MemPhys,
		General: mem,
	}
}

// Driver binds devices and manages their memory windows.
type Driver struct {
	cfg      Config
	registry *uio.Registry
	version  *semver.Version
}

// New returns a driver publishing its devices in registry.
func New(cfg Config, registry *uio.Registry) (*Driver, error) {
	switch {
	case registry == nil:
		return nil, errors.New("missing registry")
	case cfg.Size == 0:
		return nil, errors.New("invalid window size")
	case cfg.Type == uio.MemNone:
		return nil, errors.New("invalid memory type")
	case cfg.Coherent == nil && cfg.General == nil:
		return nil, errors.New("missing memory environment")
	case cfg.Coherent != nil && cfg.General != nil:
		return nil, errors.New("ambiguous memory environment")
	}

	return &Driver{
		cfg:      cfg,
		registry: registry,
		version:  semver.New(InfoVersion),
	}, nil
}

// Size returns the configured window size.
func (d *Driver) Size() uint64 {
	return d.cfg.Size
}

// Reserved returns whether the driver uses the reserved-memory strategy.
func (d *Driver) Reserved() bool {
	return d.cfg.Coherent != nil
}

// Registry returns the registry devices are published in.
func (d *Driver) Registry() *uio.Registry {
	return d.registry
}
