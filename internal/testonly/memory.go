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

// Package testonly provides fake memory environments for driver tests.
//
// The fakes never touch real memory, they hand out synthetic addresses and
// record every allocation and free so that tests can check pairing.
package testonly

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/transparency-dev/armored-memmap/platform"
)

// Event records one allocator call.
type Event struct {
	Op       string
	Device   string
	Internal uintptr
	Phys     uint64
	Size     uint64
}

// Ledger tracks outstanding allocations and reports pairing violations to
// the test.
type Ledger struct {
	sync.Mutex

	t           *testing.T
	Events      []Event
	outstanding map[uintptr]Event
}

func newLedger(t *testing.T) Ledger {
	return Ledger{
		t:           t,
		outstanding: make(map[uintptr]Event),
	}
}

func (l *Ledger) alloc(e Event) {
	l.Events = append(l.Events, e)
	l.outstanding[e.Internal] = e
}

func (l *Ledger) free(e Event) {
	l.Events = append(l.Events, e)

	a, ok := l.outstanding[e.Internal]

	if !ok {
		l.t.Errorf("%s of %#x which is not allocated", e.Op, e.Internal)
		return
	}

	if a.Phys != e.Phys && e.Phys != 0 {
		l.t.Errorf("%s of %#x with phys %#x, allocated at %#x", e.Op, e.Internal, e.Phys, a.Phys)
	}

	if a.Size != e.Size && e.Size != 0 {
		l.t.Errorf("%s of %#x with size %#x, allocated with %#x", e.Op, e.Internal, e.Size, a.Size)
	}

	delete(l.outstanding, e.Internal)
}

// Outstanding returns the number of allocations not yet freed.
func (l *Ledger) Outstanding() int {
	l.Lock()
	defer l.Unlock()

	return len(l.outstanding)
}

// Count returns the number of recorded events with the given op.
func (l *Ledger) Count(op string) (n int) {
	l.Lock()
	defer l.Unlock()

	for _, e := range l.Events {
		if e.Op == op {
			n++
		}
	}

	return
}

// Reserved describes a fake reserved-memory region.
type Reserved struct {
	Base uint64
	Size uint64
}

// CoherentMemory is a fake reserved-memory environment.
type CoherentMemory struct {
	Ledger

	// Regions maps device names to their reserved-memory region, devices
	// without an entry have none.
	Regions map[string]Reserved

	// FailDMAMask makes SetDMAMask fail.
	FailDMAMask bool
	// FailAlloc makes AllocCoherent fail.
	FailAlloc bool

	bound map[string]uint64
	next  uintptr
}

// NewCoherentMemory returns a fake reserved-memory environment.
func NewCoherentMemory(t *testing.T, regions map[string]Reserved) *CoherentMemory {
	t.Helper()

	return &CoherentMemory{
		Ledger:  newLedger(t),
		Regions: regions,
		bound:   make(map[string]uint64),
		next:    0xc0000000,
	}
}

// InitReserved binds the reserved region of dev.
func (m *CoherentMemory) InitReserved(dev *platform.Device) error {
	m.Lock()
	defer m.Unlock()

	r, ok := m.Regions[dev.String()]

	if !ok {
		return errors.New("no reserved memory region")
	}

	if _, ok := m.bound[dev.String()]; ok {
		m.t.Errorf("%s: reserved memory bound twice", dev)
	}

	m.bound[dev.String()] = r.Base
	m.Events = append(m.Events, Event{Op: "init_reserved", Device: dev.String()})

	return nil
}

// ReleaseReserved unbinds the reserved region of dev.
func (m *CoherentMemory) ReleaseReserved(dev *platform.Device) {
	m.Lock()
	defer m.Unlock()

	if _, ok := m.bound[dev.String()]; !ok {
		m.t.Errorf("%s: release of unbound reserved memory", dev)
	}

	delete(m.bound, dev.String())
	m.Events = append(m.Events, Event{Op: "release_reserved", Device: dev.String()})
}

// Bound returns whether dev has its reserved region bound.
func (m *CoherentMemory) Bound(dev string) bool {
	m.Lock()
	defer m.Unlock()

	_, ok := m.bound[dev]
	return ok
}

// SetDMAMask declares the device addressing capability.
func (m *CoherentMemory) SetDMAMask(dev *platform.Device, bits int) error {
	m.Lock()
	defer m.Unlock()

	if _, ok := m.bound[dev.String()]; !ok {
		m.t.Errorf("%s: DMA mask set without reserved memory", dev)
	}

	if m.FailDMAMask {
		return fmt.Errorf("%d-bit DMA mask unsupported", bits)
	}

	return nil
}

// AllocCoherent returns the base of the bound reserved region.
func (m *CoherentMemory) AllocCoherent(dev *platform.Device, size uint64) (internal uintptr, phys uint64, err error) {
	m.Lock()
	defer m.Unlock()

	base, ok := m.bound[dev.String()]

	if !ok {
		m.t.Errorf("%s: coherent allocation without reserved memory", dev)
		return 0, 0, errors.New("no reserved memory")
	}

	if m.FailAlloc || size > m.Regions[dev.String()].Size {
		return 0, 0, errors.New("out of memory")
	}

	for _, e := range m.outstanding {
		if e.Device == dev.String() {
			return 0, 0, errors.New("reserved region exhausted")
		}
	}

	internal, phys = m.next, base
	m.next += 0x1000

	m.alloc(Event{Op: "alloc", Device: dev.String(), Internal: internal, Phys: phys, Size: size})

	return
}

// FreeCoherent frees an allocation made with AllocCoherent.
func (m *CoherentMemory) FreeCoherent(dev *platform.Device, size uint64, internal uintptr, phys uint64) {
	m.Lock()
	defer m.Unlock()

	m.free(Event{Op: "free", Device: dev.String(), Internal: internal, Phys: phys, Size: size})
}

// GeneralMemory is a fake general purpose allocator, its physical addresses
// are offset from the internal ones.
type GeneralMemory struct {
	Ledger

	// PhysOffset is subtracted from internal addresses to derive physical
	// ones.
	PhysOffset uint64

	// FailAlloc makes Alloc fail, FailPhys makes Phys fail.
	FailAlloc bool
	FailPhys  bool

	next uintptr
	size map[uintptr]uint64
}

// NewGeneralMemory returns a fake general purpose allocator.
func NewGeneralMemory(t *testing.T) *GeneralMemory {
	t.Helper()

	return &GeneralMemory{
		Ledger:     newLedger(t),
		PhysOffset: 0x80000000,
		next:       0x1000,
		size:       make(map[uintptr]uint64),
	}
}

// Alloc returns a fresh synthetic allocation.
//
// Sizes are not tracked by the ledger on free, matching kfree semantics.
func (m *GeneralMemory) Alloc(size uint64) (internal uintptr, err error) {
	m.Lock()
	defer m.Unlock()

	if m.FailAlloc {
		return 0, errors.New("out of memory")
	}

	internal = uintptr(m.PhysOffset) + m.next
	m.next += uintptr(size)

	m.size[internal] = size
	m.alloc(Event{Op: "alloc", Internal: internal, Size: size})

	return
}

// Free frees an allocation made with Alloc.
func (m *GeneralMemory) Free(internal uintptr) {
	m.Lock()
	defer m.Unlock()

	m.free(Event{Op: "free", Internal: internal})
	delete(m.size, internal)
}

// Phys translates an allocation to its physical address.
func (m *GeneralMemory) Phys(internal uintptr) (uint64, error) {
	m.Lock()
	defer m.Unlock()

	if m.FailPhys {
		return 0, errors.New("no translation")
	}

	if _, ok := m.size[internal]; !ok {
		m.t.Errorf("translation of %#x which is not allocated", internal)
	}

	return uint64(internal) - m.PhysOffset, nil
}
