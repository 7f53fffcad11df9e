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

package memmap

import (
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-memmap/platform"
)

// CoherentMemory is the environment of the reserved-memory strategy: a
// device tree reserved-memory region is bound to the device, and coherent DMA
// allocations are carved out of it.
type CoherentMemory interface {
	// InitReserved binds the reserved-memory region declared for dev.
	InitReserved(dev *platform.Device) error
	// ReleaseReserved undoes InitReserved.
	ReleaseReserved(dev *platform.Device)
	// SetDMAMask declares the device addressing capability.
	SetDMAMask(dev *platform.Device, bits int) error
	// AllocCoherent allocates zeroed, physically contiguous memory.
	AllocCoherent(dev *platform.Device, size uint64) (internal uintptr, phys uint64, err error)
	// FreeCoherent frees memory returned by AllocCoherent.
	FreeCoherent(dev *platform.Device, size uint64, internal uintptr, phys uint64)
}

// GeneralMemory is the environment of the general strategy: memory comes
// from a general purpose allocator and its physical address is derived from
// the allocation.
type GeneralMemory interface {
	// Alloc allocates size bytes.
	Alloc(size uint64) (internal uintptr, err error)
	// Free frees memory returned by Alloc.
	Free(internal uintptr)
	// Phys translates an allocation to its physical address.
	Phys(internal uintptr) (phys uint64, err error)
}

// Allocation is a physical memory block handed out by a Provider.
type Allocation struct {
	Phys     uint64
	Internal uintptr
	Size     uint64
}

func (a Allocation) String() string {
	return fmt.Sprintf("VIRT: %#016x PHYS: %#016x SIZE: %#x", a.Internal, a.Phys, a.Size)
}

// Provider sources the memory block of a device.
//
// Release must be called exactly once for every successful Acquire, callers
// enforce the pairing.
type Provider interface {
	Acquire(size uint64) (Allocation, error)
	Release(a Allocation)
}

type coherentProvider struct {
	mem CoherentMemory
	dev *platform.Device
}

func (p *coherentProvider) Acquire(size uint64) (a Allocation, err error) {
	internal, phys, err := p.mem.AllocCoherent(p.dev, size)

	switch {
	case err != nil:
		return a, newError(AllocationFailed, p.dev, err)
	case internal == 0 || phys == 0:
		if internal != 0 || phys != 0 {
			p.mem.FreeCoherent(p.dev, size, internal, phys)
		}
		return a, newError(AllocationFailed, p.dev, errors.New("allocator returned a null address"))
	}

	return Allocation{
		Phys:     phys,
		Internal: internal,
		Size:     size,
	}, nil
}

func (p *coherentProvider) Release(a Allocation) {
	p.mem.FreeCoherent(p.dev, a.Size, a.Internal, a.Phys)
}

type generalProvider struct {
	mem GeneralMemory
	dev *platform.Device
}

func (p *generalProvider) Acquire(size uint64) (a Allocation, err error) {
	internal, err := p.mem.Alloc(size)

	if err != nil {
		return a, newError(AllocationFailed, p.dev, err)
	}

	if internal == 0 {
		return a, newError(AllocationFailed, p.dev, errors.New("allocator returned a null address"))
	}

	phys, err := p.mem.Phys(internal)

	if err == nil && phys == 0 {
		err = errors.New("null physical address")
	}

	if err != nil {
		p.mem.Free(internal)
		return a, newError(AllocationFailed, p.dev, fmt.Errorf("could not translate %#x (%v)", internal, err))
	}

	return Allocation{
		Phys:     phys,
		Internal: internal,
		Size:     size,
	}, nil
}

func (p *generalProvider) Release(a Allocation) {
	p.mem.Free(a.Internal)
}

// NewProvider returns the region provider configured for dev.
func (d *Driver) NewProvider(dev *platform.Device) Provider {
	if d.cfg.Coherent != nil {
		return &coherentProvider{mem: d.cfg.Coherent, dev: dev}
	}

	return &generalProvider{mem: d.cfg.General, dev: dev}
}

// bindReserved performs the reserved-memory part of attach, recording its
// release in t.
func (d *Driver) bindReserved(dev *platform.Device, t *teardown) error {
	if err := d.cfg.Coherent.InitReserved(dev); err != nil {
		klog.Errorf("%s: Could not get reserved memory: %v", dev, err)
		return newError(NoReservedMemory, dev, err)
	}

	t.push("reserved memory", func() error {
		d.cfg.Coherent.ReleaseReserved(dev)
		return nil
	})

	if err := d.cfg.Coherent.SetDMAMask(dev, DMAMaskBits); err != nil {
		klog.Errorf("%s: Could not set coherent mask: %v", dev, err)
		return newError(NoReservedMemory, dev, err)
	}

	return nil
}
