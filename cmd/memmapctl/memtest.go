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

//go:build linux
// +build linux

package main

import (
	"fmt"
	"os"

	"github.com/cheggaaa/pb/v3"
	"golang.org/x/sys/unix"
)

const chunkSize = 1 << 16

// pattern returns the test word stored at offset off for a pass seeded with
// seed.
func pattern(off uint64, seed uint64) byte {
	x := (off + seed) * 0x9e3779b97f4a7c15
	return byte(x >> 56)
}

func fill(buf []byte, base uint64, seed uint64) {
	for i := range buf {
		buf[i] = pattern(base+uint64(i), seed)
	}
}

func check(buf []byte, base uint64, seed uint64) error {
	for i, b := range buf {
		if want := pattern(base+uint64(i), seed); b != want {
			return fmt.Errorf("mismatch at offset %#x, got %#02x want %#02x", base+uint64(i), b, want)
		}
	}

	return nil
}

var seeds = []uint64{0, 0x5a5a5a5a5a5a5a5a}

// testMemory writes and verifies one pass over buf for each seed.
func testMemory(buf []byte, progress func(int)) error {
	size := uint64(len(buf))

	for _, seed := range seeds {
		for off := uint64(0); off < size; off += chunkSize {
			end := min(off+chunkSize, size)
			fill(buf[off:end], off, seed)
			progress(int(end - off))
		}

		for off := uint64(0); off < size; off += chunkSize {
			end := min(off+chunkSize, size)

			if err := check(buf[off:end], off, seed); err != nil {
				return err
			}

			progress(int(end - off))
		}
	}

	return nil
}

// testable returns the physical window of an open device, refusing devices
// whose memory is not at the address they report.
func testable(sess *Session) (phys uint64, size uint64, err error) {
	switch {
	case sess.Emulated:
		return 0, 0, fmt.Errorf("uio%d memory is emulated, %#x is not backed by it", sess.Device.Minor, sess.Device.Map.Addr)
	case !sess.Device.Map.Mapped() || sess.Device.Map.Size == 0:
		return 0, 0, fmt.Errorf("uio%d has no memory window", sess.Device.Minor)
	}

	return sess.Device.Map.Addr, sess.Device.Map.Size, nil
}

func memtest(devmem string, sess *Session) error {
	phys, size, err := testable(sess)

	if err != nil {
		return err
	}

	f, err := os.OpenFile(devmem, os.O_RDWR|os.O_SYNC, 0)

	if err != nil {
		return err
	}
	defer f.Close()

	buf, err := unix.Mmap(int(f.Fd()), int64(phys), int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)

	if err != nil {
		return fmt.Errorf("could not map %#x-%#x, %v", phys, phys+size-1, err)
	}
	defer unix.Munmap(buf)

	bar := pb.Full.Start64(int64(2 * len(seeds) * int(size)))
	bar.Set(pb.Bytes, true)
	defer bar.Finish()

	return testMemory(buf, func(n int) {
		bar.Add(n)
	})
}
