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

// Package devicetree provides the small set of device tree queries needed to
// bind memory mapping devices: compatible matching, node status and
// reserved-memory resolution.
package devicetree

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/u-root/u-root/pkg/dt"
)

// DefaultPath is where Linux exposes the flattened device tree the kernel
// booted with.
const DefaultPath = "/sys/firmware/fdt"

const (
	defaultAddressCells = 2
	defaultSizeCells    = 1
)

// SharedDMAPool is the reserved-memory compatible for regions handed out
// through coherent DMA allocations.
const SharedDMAPool = "shared-dma-pool"

// Load reads a flattened device tree blob and returns its root node.
func Load(path string) (*dt.Node, error) {
	f, err := os.Open(path)

	if err != nil {
		return nil, err
	}
	defer f.Close()

	fdt, err := dt.ReadFDT(f)

	if err != nil {
		return nil, fmt.Errorf("could not parse %s (%v)", path, err)
	}

	if fdt.RootNode == nil {
		return nil, fmt.Errorf("%s has no root node", path)
	}

	return fdt.RootNode, nil
}

// Property returns the value of the named property of n.
func Property(n *dt.Node, name string) ([]byte, bool) {
	if n == nil {
		return nil, false
	}

	for _, p := range n.Properties {
		if p.Name == name {
			return p.Value, true
		}
	}

	return nil, false
}

// Strings decodes a NUL separated string list property.
func Strings(n *dt.Node, name string) (s []string) {
	v, ok := Property(n, name)

	if !ok {
		return
	}

	for _, b := range bytes.Split(bytes.TrimRight(v, "\x00"), []byte{0}) {
		if len(b) > 0 {
			s = append(s, string(b))
		}
	}

	return
}

// U32 decodes a single cell property.
func U32(n *dt.Node, name string) (uint32, bool) {
	v, ok := Property(n, name)

	if !ok || len(v) != 4 {
		return 0, false
	}

	return binary.BigEndian.Uint32(v), true
}

// Compatible returns the compatible strings of n, most specific first.
func Compatible(n *dt.Node) []string {
	return Strings(n, "compatible")
}

// IsCompatible returns whether n lists any of the given compatible strings.
func IsCompatible(n *dt.Node, compat ...string) bool {
	for _, c := range Compatible(n) {
		for _, want := range compat {
			if c == want {
				return true
			}
		}
	}

	return false
}

// Enabled returns whether n is available for binding, nodes without a status
// property are.
func Enabled(n *dt.Node) bool {
	s := Strings(n, "status")

	if len(s) == 0 {
		return true
	}

	return s[0] == "okay" || s[0] == "ok"
}

// Walk calls fn on every node below (and including) root, depth first.
// Returning false from fn stops the walk.
func Walk(root *dt.Node, fn func(n, parent *dt.Node) bool) {
	walk(root, nil, fn)
}

func walk(n, parent *dt.Node, fn func(n, parent *dt.Node) bool) bool {
	if n == nil {
		return true
	}

	if !fn(n, parent) {
		return false
	}

	for _, c := range n.Children {
		if !walk(c, n, fn) {
			return false
		}
	}

	return true
}

// FindCompatible returns all enabled nodes below root listing any of the
// given compatible strings.
func FindCompatible(root *dt.Node, compat ...string) (nodes []*dt.Node) {
	Walk(root, func(n, _ *dt.Node) bool {
		if IsCompatible(n, compat...) && Enabled(n) {
			nodes = append(nodes, n)
		}
		return true
	})

	return
}

// PHandle returns the node carrying the given phandle, together with its
// parent.
func PHandle(root *dt.Node, ph uint32) (node, parent *dt.Node, err error) {
	Walk(root, func(n, p *dt.Node) bool {
		for _, name := range []string{"phandle", "linux,phandle"} {
			if v, ok := U32(n, name); ok && v == ph {
				node, parent = n, p
				return false
			}
		}
		return true
	})

	if node == nil {
		return nil, nil, fmt.Errorf("dangling phandle %#x", ph)
	}

	return
}

// UnitName returns the node name without its unit address.
func UnitName(n *dt.Node) string {
	name, _, _ := strings.Cut(n.Name, "@")
	return name
}

// cells returns the #address-cells and #size-cells governing the children of
// parent.
func cells(parent, root *dt.Node) (addr, size uint32) {
	addr, size = defaultAddressCells, defaultSizeCells

	for _, n := range []*dt.Node{root, parent} {
		if v, ok := U32(n, "#address-cells"); ok {
			addr = v
		}

		if v, ok := U32(n, "#size-cells"); ok {
			size = v
		}
	}

	return
}

func readCells(b []byte, n uint32) (v uint64, rest []byte, err error) {
	if n > 2 || len(b) < int(n)*4 {
		return 0, nil, errors.New("malformed reg property")
	}

	for i := uint32(0); i < n; i++ {
		v = v<<32 | uint64(binary.BigEndian.Uint32(b[i*4:]))
	}

	return v, b[n*4:], nil
}
