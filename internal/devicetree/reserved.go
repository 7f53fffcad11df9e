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

package devicetree

import (
	"errors"
	"fmt"

	"github.com/u-root/u-root/pkg/dt"
)

// ErrNoMemoryRegion is returned when a device node does not reference any
// reserved memory.
var ErrNoMemoryRegion = errors.New("no memory-region property")

// Region is a reserved-memory range bound to a device node.
type Region struct {
	// Name of the reserved-memory node.
	Name string
	// Base and Size of the physical range.
	Base uint64
	Size uint64
	// NoMap is set when the range is excluded from the kernel linear map.
	NoMap bool
	// Reusable is set when the range can be lent to the page allocator.
	Reusable bool
	// Pool is set when the range is a shared-dma-pool.
	Pool bool
}

// End returns the first address past the region.
func (r Region) End() uint64 {
	return r.Base + r.Size
}

func (r Region) String() string {
	return fmt.Sprintf("%s [%#x-%#x]", r.Name, r.Base, r.End()-1)
}

// ReservedMemory resolves the first memory-region phandle of n to the
// reserved-memory node it points at.
func ReservedMemory(root, n *dt.Node) (r Region, err error) {
	ph, ok := U32First(n, "memory-region")

	if !ok {
		return r, ErrNoMemoryRegion
	}

	node, parent, err := PHandle(root, ph)

	if err != nil {
		return
	}

	if parent == nil || UnitName(parent) != "reserved-memory" {
		return r, fmt.Errorf("memory-region %s is not a reserved-memory child", node.Name)
	}

	if !Enabled(node) {
		return r, fmt.Errorf("memory-region %s is disabled", node.Name)
	}

	reg, ok := Property(node, "reg")

	if !ok {
		return r, fmt.Errorf("memory-region %s has no static reg (dynamic placement is unsupported)", node.Name)
	}

	ac, sc := cells(parent, root)

	if r.Base, reg, err = readCells(reg, ac); err != nil {
		return r, fmt.Errorf("memory-region %s: %v", node.Name, err)
	}

	if r.Size, _, err = readCells(reg, sc); err != nil {
		return r, fmt.Errorf("memory-region %s: %v", node.Name, err)
	}

	if r.Size == 0 {
		return r, fmt.Errorf("memory-region %s is empty", node.Name)
	}

	_, r.NoMap = Property(node, "no-map")
	_, r.Reusable = Property(node, "reusable")
	r.Pool = IsCompatible(node, SharedDMAPool)
	r.Name = node.Name

	return
}

// U32First decodes the first cell of a property holding one or more cells.
func U32First(n *dt.Node, name string) (uint32, bool) {
	v, ok := Property(n, name)

	if !ok || len(v) < 4 || len(v)%4 != 0 {
		return 0, false
	}

	c, _, err := readCells(v, 1)

	return uint32(c), err == nil
}
