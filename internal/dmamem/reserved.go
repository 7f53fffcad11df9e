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

package dmamem

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-memmap/internal/devicetree"
	"github.com/transparency-dev/armored-memmap/platform"
)

// Backing gives access to physical memory windows.
type Backing interface {
	// Map returns a writable view of [phys, phys+size).
	Map(phys, size uint64) ([]byte, error)
	// Unmap releases a view returned by Map.
	Unmap(buf []byte) error
}

type mapping struct {
	phys uint64
	buf  []byte
}

type binding struct {
	region devicetree.Region
	pool   *Pool
	live   map[uintptr]mapping
}

// Reserved carves coherent allocations out of the device tree reserved-memory
// region of each bound device.
type Reserved struct {
	sync.Mutex

	backing Backing
	bound   map[string]*binding
}

// NewReserved returns a reserved-memory environment accessing physical memory
// through backing.
func NewReserved(backing Backing) *Reserved {
	return &Reserved{
		backing: backing,
		bound:   make(map[string]*binding),
	}
}

func reservedRegion(dev *platform.Device) (r devicetree.Region, err error) {
	if dev.Node == nil {
		return r, errors.New("no device tree node")
	}

	root := dev.Root

	if root == nil {
		root = dev.Node
	}

	return devicetree.ReservedMemory(root, dev.Node)
}

func maskLimit(bits int) uint64 {
	if bits >= 64 {
		return ^uint64(0)
	}

	return 1<<uint(bits) - 1
}

// InitReserved binds the reserved-memory region declared by the
// memory-region property of dev.
func (m *Reserved) InitReserved(dev *platform.Device) error {
	region, err := reservedRegion(dev)

	if err != nil {
		return err
	}

	pool, err := NewPool(region.Base, region.Size)

	if err != nil {
		return fmt.Errorf("invalid region %s (%v)", region, err)
	}

	m.Lock()
	defer m.Unlock()

	if _, ok := m.bound[dev.String()]; ok {
		return fmt.Errorf("reserved memory already bound")
	}

	m.bound[dev.String()] = &binding{
		region: region,
		pool:   pool,
		live:   make(map[uintptr]mapping),
	}

	klog.Infof("%s: assigned reserved memory %s", dev, region)

	return nil
}

// ReleaseReserved unbinds the reserved-memory region of dev, unmapping any
// allocation still live.
func (m *Reserved) ReleaseReserved(dev *platform.Device) {
	m.Lock()
	defer m.Unlock()

	b, ok := m.bound[dev.String()]

	if !ok {
		return
	}

	for internal, mm := range b.live {
		klog.Warningf("%s: releasing reserved memory with live allocation at %#x", dev, mm.phys)

		if err := m.backing.Unmap(mm.buf); err != nil {
			klog.Errorf("%s: could not unmap %#x: %v", dev, internal, err)
		}
	}

	delete(m.bound, dev.String())
}

// SetDMAMask verifies that the whole reserved region of dev is addressable
// with the given number of bits.
func (m *Reserved) SetDMAMask(dev *platform.Device, bits int) error {
	m.Lock()
	defer m.Unlock()

	b, ok := m.bound[dev.String()]

	if !ok {
		return errors.New("no reserved memory bound")
	}

	if last := b.region.End() - 1; last > maskLimit(bits) {
		return fmt.Errorf("region %s exceeds %d-bit DMA mask", b.region, bits)
	}

	return nil
}

// AllocCoherent allocates zeroed memory from the reserved region of dev.
func (m *Reserved) AllocCoherent(dev *platform.Device, size uint64) (internal uintptr, phys uint64, err error) {
	m.Lock()
	defer m.Unlock()

	b, ok := m.bound[dev.String()]

	if !ok {
		return 0, 0, errors.New("no reserved memory bound")
	}

	if phys, err = b.pool.Alloc(size, PageSize); err != nil {
		return 0, 0, err
	}

	buf, err := m.backing.Map(phys, size)

	if err != nil {
		b.pool.Free(phys)
		return 0, 0, fmt.Errorf("could not map %#x (%v)", phys, err)
	}

	clear(buf)

	internal = uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	b.live[internal] = mapping{phys, buf}

	return
}

// FreeCoherent frees memory returned by AllocCoherent.
func (m *Reserved) FreeCoherent(dev *platform.Device, size uint64, internal uintptr, phys uint64) {
	m.Lock()
	defer m.Unlock()

	b, ok := m.bound[dev.String()]

	if !ok {
		klog.Errorf("%s: free of %#x without reserved memory", dev, phys)
		return
	}

	mm, ok := b.live[internal]

	if !ok || mm.phys != phys || uint64(len(mm.buf)) != size {
		klog.Errorf("%s: free of unknown allocation %#x (phys %#x, size %#x)", dev, internal, phys, size)
		return
	}

	delete(b.live, internal)

	if err := m.backing.Unmap(mm.buf); err != nil {
		klog.Errorf("%s: could not unmap %#x: %v", dev, phys, err)
	}

	if _, err := b.pool.Free(phys); err != nil {
		klog.Errorf("%s: %v", dev, err)
	}
}

// Bytes returns the mapping of a live allocation.
func (m *Reserved) Bytes(dev *platform.Device, internal uintptr) ([]byte, bool) {
	m.Lock()
	defer m.Unlock()

	b, ok := m.bound[dev.String()]

	if !ok {
		return nil, false
	}

	mm, ok := b.live[internal]

	return mm.buf, ok
}
