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
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// DefaultDevMem is the physical memory device of the host.
const DefaultDevMem = "/dev/mem"

// DevMem maps physical memory through the host /dev/mem device.
type DevMem struct {
	// Path of the memory device, DefaultDevMem when empty.
	Path string
}

// Map maps [phys, phys+size) shared and uncached.
func (d *DevMem) Map(phys, size uint64) ([]byte, error) {
	path := d.Path

	if len(path) == 0 {
		path = DefaultDevMem
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)

	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf, err := unix.Mmap(int(f.Fd()), int64(phys), int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)

	if err != nil {
		return nil, fmt.Errorf("mmap %s at %#x: %w", path, phys, err)
	}

	return buf, nil
}

// Unmap releases a mapping returned by Map.
func (d *DevMem) Unmap(buf []byte) error {
	return unix.Munmap(buf)
}

// Anonymous backs physical windows with anonymous host memory, for
// emulating reserved regions on hosts without access to them.
type Anonymous struct{}

// Map returns fresh anonymous memory, phys is ignored.
func (Anonymous) Map(phys, size uint64) ([]byte, error) {
	buf, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)

	if err != nil {
		return nil, fmt.Errorf("mmap: failed to allocate memory for %#x: %w", phys, err)
	}

	return buf, nil
}

// Unmap releases a mapping returned by Map.
func (Anonymous) Unmap(buf []byte) error {
	return unix.Munmap(buf)
}
