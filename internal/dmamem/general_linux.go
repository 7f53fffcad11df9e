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
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

// DefaultPagemap is the page table interface of the calling process.
const DefaultPagemap = "/proc/self/pagemap"

// HugePageSize is the granularity of General allocations.
const HugePageSize = 2 << 20

const (
	pagemapPresent = 1 << 63
	pagemapPFNMask = 1<<55 - 1
)

var (
	// ErrFramesHidden is returned when the page map does not disclose page
	// frame numbers to the caller.
	ErrFramesHidden = errors.New("page frame numbers unavailable (CAP_SYS_ADMIN required)")
	// ErrNotContiguous is returned when an allocation is not backed by
	// physically contiguous memory.
	ErrNotContiguous = errors.New("allocation not physically contiguous")
)

type block struct {
	addr   unsafe.Pointer
	length uintptr
	phys   uint64
}

// General allocates locked huge pages of host memory, which are physically
// contiguous, and translates them to physical addresses through the process
// page map.
//
// Allocations come from the hugetlbfs pool when one is configured, otherwise
// from a huge page aligned anonymous mapping advised for transparent huge
// pages. Either way contiguity is verified before an allocation is returned.
type General struct {
	sync.Mutex

	// Pagemap path, DefaultPagemap when empty.
	Pagemap string

	blocks map[uintptr]*block
}

// NewGeneral returns a general purpose allocator.
func NewGeneral() *General {
	return &General{
		blocks: make(map[uintptr]*block),
	}
}

func roundUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}

// mapHugeTLB maps length bytes from the hugetlbfs pool.
func mapHugeTLB(length uintptr) (unsafe.Pointer, error) {
	return unix.MmapPtr(-1, 0, nil, length, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_HUGETLB|unix.MAP_HUGE_2MB|unix.MAP_POPULATE)
}

// mapTransparent maps length bytes aligned to HugePageSize and advises the
// kernel to back them with transparent huge pages.
func mapTransparent(length uintptr) (unsafe.Pointer, error) {
	span := length + HugePageSize

	p, err := unix.MmapPtr(-1, 0, nil, span, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)

	if err != nil {
		return nil, err
	}

	start := uintptr(p)
	aligned := uintptr(roundUp(uint64(start), HugePageSize))

	if head := aligned - start; head > 0 {
		unix.MunmapPtr(p, head)
	}

	if tail := start + span - (aligned + length); tail > 0 {
		unix.MunmapPtr(unsafe.Add(p, aligned-start+length), tail)
	}

	addr := unsafe.Add(p, aligned-start)

	if err = unix.Madvise(unsafe.Slice((*byte)(addr), length), unix.MADV_HUGEPAGE); err != nil {
		unix.MunmapPtr(addr, length)
		return nil, fmt.Errorf("madvise: %w", err)
	}

	return addr, nil
}

// Alloc allocates size bytes of populated, locked, physically contiguous
// memory.
func (g *General) Alloc(size uint64) (internal uintptr, err error) {
	if size == 0 {
		return 0, errors.New("invalid allocation size")
	}

	length := uintptr(roundUp(size, HugePageSize))
	addr, err := mapHugeTLB(length)

	if err != nil {
		klog.V(1).Infof("hugetlb pool unavailable (%v), using transparent huge pages", err)

		if addr, err = mapTransparent(length); err != nil {
			return 0, fmt.Errorf("mmap: %w", err)
		}
	}

	b := &block{addr: addr, length: length}

	// mlock faults in the whole mapping
	if err = unix.Mlock(unsafe.Slice((*byte)(addr), length)); err != nil {
		unix.MunmapPtr(addr, length)
		return 0, fmt.Errorf("mlock: %w", err)
	}

	if b.phys, err = g.translate(uint64(uintptr(addr)), uint64(length)); err != nil {
		g.unmap(b)
		return 0, err
	}

	internal = uintptr(addr)

	g.Lock()
	g.blocks[internal] = b
	g.Unlock()

	return
}

func (g *General) unmap(b *block) {
	unix.Munlock(unsafe.Slice((*byte)(b.addr), b.length))

	if err := unix.MunmapPtr(b.addr, b.length); err != nil {
		klog.Errorf("could not unmap %#x: %v", uintptr(b.addr), err)
	}
}

// Free frees memory returned by Alloc.
func (g *General) Free(internal uintptr) {
	g.Lock()
	b, ok := g.blocks[internal]
	delete(g.blocks, internal)
	g.Unlock()

	if !ok {
		klog.Errorf("free of unknown allocation %#x", internal)
		return
	}

	g.unmap(b)
}

// Phys returns the physical address of an allocation.
func (g *General) Phys(internal uintptr) (uint64, error) {
	g.Lock()
	defer g.Unlock()

	b, ok := g.blocks[internal]

	if !ok {
		return 0, fmt.Errorf("translation of unknown allocation %#x", internal)
	}

	return b.phys, nil
}

func (g *General) translate(virt, size uint64) (uint64, error) {
	path := g.Pagemap

	if len(path) == 0 {
		path = DefaultPagemap
	}

	f, err := os.Open(path)

	if err != nil {
		return 0, err
	}
	defer f.Close()

	return translate(f, virt, size, uint64(unix.Getpagesize()))
}

// translate resolves the physical address of [virt, virt+size) from a page
// map, failing unless all pages are present and contiguous.
func translate(pagemap io.ReaderAt, virt, size, pageSize uint64) (phys uint64, err error) {
	var (
		entry [8]byte
		first uint64
	)

	for i, page := uint64(0), virt/pageSize; page*pageSize < virt+size; i, page = i+1, page+1 {
		if _, err = pagemap.ReadAt(entry[:], int64(page*8)); err != nil {
			return 0, fmt.Errorf("could not read page map entry for %#x (%v)", page*pageSize, err)
		}

		e := binary.NativeEndian.Uint64(entry[:])

		if e&pagemapPresent == 0 {
			return 0, fmt.Errorf("page %#x not present", page*pageSize)
		}

		pfn := e & pagemapPFNMask

		if pfn == 0 {
			return 0, ErrFramesHidden
		}

		if i == 0 {
			first = pfn
		} else if pfn != first+i {
			return 0, fmt.Errorf("%w at %#x", ErrNotContiguous, page*pageSize)
		}
	}

	return first*pageSize + virt%pageSize, nil
}
