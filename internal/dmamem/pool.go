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

// Package dmamem provides the memory environments backing the memmap driver:
// a physical window allocator, Linux host backends and TamaGo backends.
package dmamem

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// PageSize is the default allocation alignment.
const PageSize = 4096

var (
	// ErrExhausted is returned when no free span can satisfy an allocation.
	ErrExhausted = errors.New("out of memory")
	// ErrNotAllocated is returned when freeing an address which is not the
	// start of a live allocation.
	ErrNotAllocated = errors.New("address not allocated")
)

type span struct {
	start uint64
	size  uint64
}

func (s span) end() uint64 {
	return s.start + s.size
}

// Pool is a first-fit allocator over the physical window [base, base+size).
type Pool struct {
	sync.Mutex

	base uint64
	size uint64

	// free spans, ordered by address and never adjacent
	free []span
	// live allocations by start address
	used map[uint64]uint64
}

// NewPool returns an empty pool over [base, base+size).
func NewPool(base, size uint64) (*Pool, error) {
	if size == 0 {
		return nil, errors.New("empty pool")
	}

	if base+size < base {
		return nil, fmt.Errorf("pool %#x+%#x overflows", base, size)
	}

	return &Pool{
		base: base,
		size: size,
		free: []span{{base, size}},
		used: make(map[uint64]uint64),
	}, nil
}

// Base returns the first address of the pool.
func (p *Pool) Base() uint64 {
	return p.base
}

// End returns the address following the pool.
func (p *Pool) End() uint64 {
	return p.base + p.size
}

// Size returns the pool size.
func (p *Pool) Size() uint64 {
	return p.size
}

// Available returns the number of free bytes, which need not be contiguous.
func (p *Pool) Available() (n uint64) {
	p.Lock()
	defer p.Unlock()

	for _, s := range p.free {
		n += s.size
	}

	return
}

// Alloc reserves size bytes aligned to align, which must be a power of two
// (0 selects PageSize).
func (p *Pool) Alloc(size uint64, align uint64) (addr uint64, err error) {
	if size == 0 {
		return 0, errors.New("invalid allocation size")
	}

	if align == 0 {
		align = PageSize
	}

	if align&(align-1) != 0 {
		return 0, fmt.Errorf("invalid alignment %#x", align)
	}

	p.Lock()
	defer p.Unlock()

	for i, s := range p.free {
		addr = (s.start + align - 1) &^ (align - 1)

		if addr < s.start || addr+size < addr || addr+size > s.end() {
			continue
		}

		var rest []span

		if addr > s.start {
			rest = append(rest, span{s.start, addr - s.start})
		}

		if addr+size < s.end() {
			rest = append(rest, span{addr + size, s.end() - addr - size})
		}

		p.free = append(p.free[:i], append(rest, p.free[i+1:]...)...)
		p.used[addr] = size

		return addr, nil
	}

	return 0, fmt.Errorf("%#x bytes from pool %#x-%#x (%w)", size, p.base, p.End(), ErrExhausted)
}

// Free returns an allocation to the pool, addr must be an address returned
// by Alloc and not yet freed.
func (p *Pool) Free(addr uint64) (size uint64, err error) {
	p.Lock()
	defer p.Unlock()

	size, ok := p.used[addr]

	if !ok {
		return 0, fmt.Errorf("free of %#x (%w)", addr, ErrNotAllocated)
	}

	delete(p.used, addr)

	i := sort.Search(len(p.free), func(i int) bool {
		return p.free[i].start > addr
	})

	p.free = append(p.free, span{})
	copy(p.free[i+1:], p.free[i:])
	p.free[i] = span{addr, size}

	// coalesce with the following span, then the preceding one
	if i+1 < len(p.free) && p.free[i].end() == p.free[i+1].start {
		p.free[i].size += p.free[i+1].size
		p.free = append(p.free[:i+1], p.free[i+2:]...)
	}

	if i > 0 && p.free[i-1].end() == p.free[i].start {
		p.free[i-1].size += p.free[i].size
		p.free = append(p.free[:i], p.free[i+1:]...)
	}

	return size, nil
}
