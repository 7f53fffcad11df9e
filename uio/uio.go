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

// Package uio implements a userspace I/O resource registry, modelled after
// the Linux UIO framework: drivers publish one Info record per device, each
// carrying up to MaxMaps memory maps, and consumers open the device and read
// the map records to build their own page mappings.
package uio

import (
	"fmt"
	"sync"

	"github.com/coreos/go-semver/semver"
)

// MaxMaps is the number of memory maps an Info can carry.
const MaxMaps = 5

// IRQNone marks a device without interrupt support.
const IRQNone = 0

// MemType classifies the memory behind a map.
type MemType int

// Memory types
const (
	MemNone MemType = iota
	// physically contiguous, DMA coherent
	MemPhys
	// physically contiguous, cacheable
	MemPhysCached
)

func (t MemType) String() string {
	switch t {
	case MemNone:
		return "none"
	case MemPhys:
		return "phys"
	case MemPhysCached:
		return "phys-cached"
	default:
		return fmt.Sprintf("MemType(%d)", int(t))
	}
}

// Mem describes one memory map of a device.
type Mem struct {
	// Name is the symbolic map name (e.g. "mem0").
	Name string
	// Addr is the physical base address, 0 when unmapped.
	Addr uint64
	// Internal is the driver side reference to the memory, 0 when unmapped.
	Internal uintptr
	// Size is fixed when the device is created and never changes.
	Size uint64
	// Type classifies the memory.
	Type MemType
}

// Mapped returns whether the map currently points at allocated memory.
func (m Mem) Mapped() bool {
	return m.Addr != 0 && m.Internal != 0
}

// Valid returns whether the address fields are consistently either both set
// or both clear.
func (m Mem) Valid() bool {
	return (m.Addr == 0) == (m.Internal == 0)
}

// Info describes a device published in a Registry.
type Info struct {
	// RWMutex guards Mem, writers are drivers updating live addresses.
	sync.RWMutex

	Name    string
	Version *semver.Version
	IRQ     int
	Mem     [MaxMaps]Mem

	// Open is invoked when a consumer opens the device, an error rejects
	// the open.
	Open func(info *Info) error
	// Release is invoked when a consumer closes a successfully opened
	// device.
	Release func(info *Info) error

	// Priv is reserved for the driver.
	Priv any
}

// Map returns a snapshot of memory map i.
func (info *Info) Map(i int) (m Mem, err error) {
	if i < 0 || i >= MaxMaps {
		return m, fmt.Errorf("invalid map index %d", i)
	}

	info.RLock()
	defer info.RUnlock()

	return info.Mem[i], nil
}

// Maps returns the number of configured memory maps, counted up to the first
// map with a zero size.
func (info *Info) Maps() (n int) {
	info.RLock()
	defer info.RUnlock()

	for n < MaxMaps && info.Mem[n].Size != 0 {
		n++
	}

	return
}

func (info *Info) validate() error {
	if len(info.Name) == 0 {
		return fmt.Errorf("missing device name")
	}

	if info.Version == nil {
		return fmt.Errorf("missing version for %s", info.Name)
	}

	info.RLock()
	defer info.RUnlock()

	for i, m := range info.Mem {
		if !m.Valid() {
			return fmt.Errorf("map %d of %s is partially populated", i, info.Name)
		}
	}

	return nil
}
