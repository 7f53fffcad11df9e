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

//go:build tamago && !general
// +build tamago,!general

package main

import (
	"encoding/binary"

	"github.com/u-root/u-root/pkg/dt"

	"github.com/transparency-dev/armored-memmap/internal/dmamem"
	"github.com/transparency-dev/armored-memmap/memmap"
	"github.com/transparency-dev/armored-memmap/platform"
)

const variant = "reserved"

func cells(v ...uint32) []byte {
	b := make([]byte, 4*len(v))

	for i, c := range v {
		binary.BigEndian.PutUint32(b[4*i:], c)
	}

	return b
}

// deviceTree describes the board memmap device and its reserved window.
func deviceTree() (root *dt.Node, dev *dt.Node) {
	dev = &dt.Node{
		Name: "memmap@0",
		Properties: []dt.Property{
			{Name: "compatible", Value: []byte("rj,uio-memmap\x00")},
			{Name: "memory-region", Value: cells(1)},
		},
	}

	root = &dt.Node{
		Name: "/",
		Properties: []dt.Property{
			{Name: "#address-cells", Value: cells(1)},
			{Name: "#size-cells", Value: cells(1)},
		},
		Children: []*dt.Node{
			{
				Name: "reserved-memory",
				Properties: []dt.Property{
					{Name: "#address-cells", Value: cells(1)},
					{Name: "#size-cells", Value: cells(1)},
					{Name: "ranges"},
				},
				Children: []*dt.Node{
					{
						Name: "memmap_reserved@90000000",
						Properties: []dt.Property{
							{Name: "compatible", Value: []byte("shared-dma-pool\x00")},
							{Name: "reg", Value: cells(windowStart, windowSize)},
							{Name: "phandle", Value: cells(1)},
							{Name: "no-map"},
						},
					},
				},
			},
			dev,
		},
	}

	return
}

func newMemory() memmap.Config {
	cfg := memmap.ReservedConfig(dmamem.NewCoherent())
	// the board has 512MB of RAM, the window is sized to what it reserves
	cfg.Size = windowSize

	return cfg
}

func bind(bus *platform.Bus, d *memmap.Driver) error {
	if err := bus.RegisterDriver(memmap.NewPlatformDriver(d)); err != nil {
		return err
	}

	root, node := deviceTree()

	return bus.AddDevice(&platform.Device{
		Node: node,
		Root: root,
	})
}
