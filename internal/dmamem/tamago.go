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

//go:build tamago
// +build tamago

package dmamem

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/usbarmory/tamago/dma"

	"github.com/transparency-dev/armored-memmap/platform"
)

type coherentBinding struct {
	region *dma.Region
	live   map[uintptr]uint
}

// Coherent carves coherent allocations out of TamaGo DMA regions created
// over the device tree reserved-memory region of each bound device.
type Coherent struct {
	sync.Mutex

	bound map[string]*coherentBinding
}

// NewCoherent returns an empty TamaGo reserved-memory environment.
func NewCoherent() *Coherent {
	return &Coherent{
		bound: make(map[string]*coherentBinding),
	}
}

// InitReserved creates a DMA region over the reserved-memory region of dev.
func (c *Coherent) InitReserved(dev *platform.Device) error {
	r, err := reservedRegion(dev)

	if err != nil {
		return err
	}

	region, err := dma.NewRegion(uint(r.Base), int(r.Size), false)

	if err != nil {
		return fmt.Errorf("could not create DMA region %s (%v)", r, err)
	}

	c.Lock()
	defer c.Unlock()

	if _, ok := c.bound[dev.String()]; ok {
		return errors.New("reserved memory already bound")
	}

	c.bound[dev.String()] = &coherentBinding{
		region: region,
		live:   make(map[uintptr]uint),
	}

	return nil
}

// ReleaseReserved drops the DMA region of dev.
func (c *Coherent) ReleaseReserved(dev *platform.Device) {
	c.Lock()
	defer c.Unlock()

	delete(c.bound, dev.String())
}

// SetDMAMask verifies that the DMA region of dev is addressable with the
// given number of bits.
func (c *Coherent) SetDMAMask(dev *platform.Device, bits int) error {
	c.Lock()
	defer c.Unlock()

	b, ok := c.bound[dev.String()]

	if !ok {
		return errors.New("no reserved memory bound")
	}

	if last := uint64(b.region.End()) - 1; last > maskLimit(bits) {
		return fmt.Errorf("region %#x-%#x exceeds %d-bit DMA mask", b.region.Start(), b.region.End(), bits)
	}

	return nil
}

func reserve(r *dma.Region, size int) (addr uint, buf []byte, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%v", p)
		}
	}()

	addr, buf = r.Reserve(size, PageSize)

	return
}

// AllocCoherent reserves zeroed memory from the DMA region of dev.
func (c *Coherent) AllocCoherent(dev *platform.Device, size uint64) (internal uintptr, phys uint64, err error) {
	c.Lock()
	defer c.Unlock()

	b, ok := c.bound[dev.String()]

	if !ok {
		return 0, 0, errors.New("no reserved memory bound")
	}

	addr, buf, err := reserve(b.region, int(size))

	if err != nil {
		return 0, 0, err
	}

	clear(buf)

	internal = uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	b.live[internal] = addr

	return internal, uint64(addr), nil
}

// FreeCoherent releases memory returned by AllocCoherent.
func (c *Coherent) FreeCoherent(dev *platform.Device, size uint64, internal uintptr, phys uint64) {
	c.Lock()
	defer c.Unlock()

	b, ok := c.bound[dev.String()]

	if !ok {
		return
	}

	if addr, ok := b.live[internal]; ok && uint64(addr) == phys {
		delete(b.live, internal)
		b.region.Release(addr)
	}
}

// Heap allocates from the Go heap, which TamaGo maps one to one onto
// physical memory.
type Heap struct {
	sync.Mutex

	blocks map[uintptr][]byte
}

// NewHeap returns a heap allocator.
func NewHeap() *Heap {
	return &Heap{
		blocks: make(map[uintptr][]byte),
	}
}

// Alloc allocates size bytes from the Go heap.
func (h *Heap) Alloc(size uint64) (internal uintptr, err error) {
	buf := make([]byte, size)
	internal = uintptr(unsafe.Pointer(unsafe.SliceData(buf)))

	h.Lock()
	h.blocks[internal] = buf
	h.Unlock()

	return
}

// Free drops the reference to an allocation, leaving it to the collector.
func (h *Heap) Free(internal uintptr) {
	h.Lock()
	defer h.Unlock()

	delete(h.blocks, internal)
}

// Phys returns the identity mapped physical address of an allocation.
func (h *Heap) Phys(internal uintptr) (uint64, error) {
	h.Lock()
	defer h.Unlock()

	if _, ok := h.blocks[internal]; !ok {
		return 0, fmt.Errorf("translation of unknown allocation %#x", internal)
	}

	return uint64(internal), nil
}
