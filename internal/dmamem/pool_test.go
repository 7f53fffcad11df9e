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
	"testing"
)

func TestPoolAlloc(t *testing.T) {
	for _, test := range []struct {
		name     string
		size     uint64
		align    uint64
		want     uint64
		wantErr  bool
		allocate []uint64
	}{
		{
			name: "whole pool",
			size: 0x10000,
			want: 0x40000000,
		}, {
			name:    "too large",
			size:    0x10001,
			wantErr: true,
		}, {
			name:    "zero size",
			size:    0,
			wantErr: true,
		}, {
			name:    "bad alignment",
			size:    0x1000,
			align:   0x3000,
			wantErr: true,
		}, {
			name:     "after allocation",
			size:     0x1000,
			allocate: []uint64{0x1000},
			want:     0x40001000,
		}, {
			name:     "aligned",
			size:     0x1000,
			align:    0x4000,
			allocate: []uint64{0x1000},
			want:     0x40004000,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			p, err := NewPool(0x40000000, 0x10000)
			if err != nil {
				t.Fatalf("NewPool: %v", err)
			}

			for _, size := range test.allocate {
				if _, err := p.Alloc(size, 0); err != nil {
					t.Fatalf("Alloc(%#x): %v", size, err)
				}
			}

			got, err := p.Alloc(test.size, test.align)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("Alloc = %v, wantErr %t", err, test.wantErr)
			}
			if err == nil && got != test.want {
				t.Fatalf("Got %#x, want %#x", got, test.want)
			}
		})
	}
}

func TestPoolFree(t *testing.T) {
	p, err := NewPool(0x40000000, 0x4000)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	var addrs []uint64
	for i := 0; i < 4; i++ {
		a, err := p.Alloc(0x1000, 0)
		if err != nil {
			t.Fatalf("Alloc #%d: %v", i, err)
		}
		addrs = append(addrs, a)
	}

	if _, err := p.Alloc(0x1000, 0); !errors.Is(err, ErrExhausted) {
		t.Fatalf("Alloc from full pool = %v, want ErrExhausted", err)
	}

	// free out of order, spans must coalesce back into the whole pool
	for _, i := range []int{1, 3, 0, 2} {
		size, err := p.Free(addrs[i])
		if err != nil {
			t.Fatalf("Free(%#x): %v", addrs[i], err)
		}
		if size != 0x1000 {
			t.Fatalf("Free(%#x) = %#x, want 0x1000", addrs[i], size)
		}
	}

	if got := p.Available(); got != p.Size() {
		t.Fatalf("Got %#x available, want %#x", got, p.Size())
	}

	if a, err := p.Alloc(p.Size(), 0); err != nil || a != p.Base() {
		t.Fatalf("Alloc of whole pool = %#x, %v", a, err)
	}
}

func TestPoolBadFree(t *testing.T) {
	p, err := NewPool(0x40000000, 0x4000)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	a, err := p.Alloc(0x2000, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	for _, addr := range []uint64{a + 0x1000, 0x80000000} {
		if _, err := p.Free(addr); !errors.Is(err, ErrNotAllocated) {
			t.Fatalf("Free(%#x) = %v, want ErrNotAllocated", addr, err)
		}
	}

	if _, err := p.Free(a); err != nil {
		t.Fatalf("Free: %v", err)
	}

	if _, err := p.Free(a); !errors.Is(err, ErrNotAllocated) {
		t.Fatalf("Double free = %v, want ErrNotAllocated", err)
	}
}
