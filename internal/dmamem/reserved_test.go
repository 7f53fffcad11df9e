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
	"testing"

	"github.com/u-root/u-root/pkg/dt"

	"github.com/transparency-dev/armored-memmap/platform"
)

type heap struct {
	unmapped int
}

func (h *heap) Map(phys, size uint64) ([]byte, error) {
	buf := make([]byte, size)

	// dirty the memory so that zeroing is observable
	for i := range buf {
		buf[i] = 0xa5
	}

	return buf, nil
}

func (h *heap) Unmap([]byte) error {
	h.unmapped++
	return nil
}

func cells(v ...uint32) []byte {
	b := make([]byte, 4*len(v))

	for i, c := range v {
		binary.BigEndian.PutUint32(b[4*i:], c)
	}

	return b
}

// reservedDevice returns a memmap device whose memory-region points at a
// reserved range of size bytes at base.
func reservedDevice(base, size uint64) *platform.Device {
	dev := &dt.Node{
		Name: "memmap@0",
		Properties: []dt.Property{
			{Name: "compatible", Value: []byte("rj,uio-memmap\x00")},
			{Name: "memory-region", Value: cells(1)},
		},
	}

	root := &dt.Node{
		Name: "/",
		Children: []*dt.Node{
			{
				Name: "reserved-memory",
				Properties: []dt.Property{
					{Name: "#address-cells", Value: cells(2)},
					{Name: "#size-cells", Value: cells(2)},
				},
				Children: []*dt.Node{
					{
						Name: "buffer",
						Properties: []dt.Property{
							{Name: "compatible", Value: []byte("shared-dma-pool\x00")},
							{Name: "reg", Value: cells(uint32(base>>32), uint32(base), uint32(size>>32), uint32(size))},
							{Name: "phandle", Value: cells(1)},
							{Name: "no-map"},
						},
					},
				},
			},
			dev,
		},
	}

	return &platform.Device{Node: dev, Root: root}
}

func TestReserved(t *testing.T) {
	h := &heap{}
	m := NewReserved(h)
	dev := reservedDevice(0x40000000, 0x10000)

	if err := m.InitReserved(dev); err != nil {
		t.Fatalf("InitReserved: %v", err)
	}
	if err := m.InitReserved(dev); err == nil {
		t.Fatal("Second InitReserved succeeded")
	}
	if err := m.SetDMAMask(dev, 32); err != nil {
		t.Fatalf("SetDMAMask: %v", err)
	}

	internal, phys, err := m.AllocCoherent(dev, 0x10000)
	if err != nil {
		t.Fatalf("AllocCoherent: %v", err)
	}
	if phys != 0x40000000 || internal == 0 {
		t.Fatalf("Got internal %#x phys %#x, want phys 0x40000000", internal, phys)
	}

	buf, ok := m.Bytes(dev, internal)
	if !ok {
		t.Fatal("Allocation not found")
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("Byte %d not zeroed: %#x", i, b)
		}
	}

	if _, _, err := m.AllocCoherent(dev, 0x1000); !errors.Is(err, ErrExhausted) {
		t.Fatalf("AllocCoherent from exhausted region = %v, want ErrExhausted", err)
	}

	m.FreeCoherent(dev, 0x10000, internal, phys)

	if h.unmapped != 1 {
		t.Fatalf("Got %d unmaps, want 1", h.unmapped)
	}

	// the whole region is available again
	internal, phys, err = m.AllocCoherent(dev, 0x10000)
	if err != nil {
		t.Fatalf("AllocCoherent after free: %v", err)
	}

	// releasing the region drops the live allocation with it
	m.ReleaseReserved(dev)

	if h.unmapped != 2 {
		t.Fatalf("Got %d unmaps, want 2", h.unmapped)
	}
	if _, _, err := m.AllocCoherent(dev, 0x1000); err == nil {
		t.Fatal("AllocCoherent after ReleaseReserved succeeded")
	}
	if err := m.InitReserved(dev); err != nil {
		t.Fatalf("InitReserved after release: %v", err)
	}
}

func TestReservedDMAMask(t *testing.T) {
	for _, test := range []struct {
		name    string
		base    uint64
		size    uint64
		bits    int
		wantErr bool
	}{
		{name: "below 4GB", base: 0x40000000, size: 0x40000000, bits: 32},
		{name: "up to 4GB", base: 0xc0000000, size: 0x40000000, bits: 32},
		{name: "above 4GB", base: 0x100000000, size: 0x1000, bits: 32, wantErr: true},
		{name: "straddling 4GB", base: 0xfffff000, size: 0x2000, bits: 32, wantErr: true},
		{name: "64-bit", base: 0x100000000, size: 0x1000, bits: 64},
	} {
		t.Run(test.name, func(t *testing.T) {
			m := NewReserved(&heap{})
			dev := reservedDevice(test.base, test.size)

			if err := m.InitReserved(dev); err != nil {
				t.Fatalf("InitReserved: %v", err)
			}

			err := m.SetDMAMask(dev, test.bits)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("SetDMAMask = %v, wantErr %t", err, test.wantErr)
			}
		})
	}
}

func TestReservedMissing(t *testing.T) {
	m := NewReserved(&heap{})

	for _, dev := range []*platform.Device{
		{Name: "uio_memmap"},
		{Node: &dt.Node{Name: "memmap@0"}},
	} {
		if err := m.InitReserved(dev); err == nil {
			t.Errorf("InitReserved(%s) succeeded", dev)
		}
	}
}
