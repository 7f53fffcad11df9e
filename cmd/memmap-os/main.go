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

//go:build tamago
// +build tamago

package main

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"time"
	"unsafe"

	usbarmory "github.com/usbarmory/tamago/board/usbarmory/mk2"
	"github.com/usbarmory/tamago/soc/nxp/imx6ul"

	"github.com/transparency-dev/armored-memmap/memmap"
	"github.com/transparency-dev/armored-memmap/platform"
	"github.com/transparency-dev/armored-memmap/uio"
)

// initialized at compile time (see Makefile)
var (
	Build    string
	Revision string
	Version  string
)

func init() {
	log.SetFlags(log.Ltime)
	log.SetOutput(os.Stdout)

	if imx6ul.Native {
		imx6ul.SetARMFreq(imx6ul.Freq792)
	}

	log.Printf("%s/%s (%s) • memmap %s (%s variant) • %s %s",
		runtime.GOOS, runtime.GOARCH, runtime.Version(),
		Version, variant, Revision, Build)
}

// exercise opens every published device, checks that its window is
// writable and closes it again.
func exercise(registry *uio.Registry) (err error) {
	for _, e := range registry.List() {
		f, err := registry.Open(e.Minor)

		if err != nil {
			return err
		}

		m, err := f.Map(0)

		if err == nil {
			log.Printf("uio%d (%s): %s at %#x (%#x bytes, %s)", e.Minor, e.Parent, m.Name, m.Addr, m.Size, m.Type)
			err = probe(m)
		}

		f.Close()

		if err != nil {
			return fmt.Errorf("uio%d: %v", e.Minor, err)
		}
	}

	return
}

// probe writes and reads back the first page of a window through its
// identity mapping.
func probe(m uio.Mem) error {
	n := min(m.Size, 4096)
	buf := unsafe.Slice((*byte)(unsafe.Pointer(m.Internal)), n)

	for i := range buf {
		if buf[i] != 0 && variant == "reserved" {
			return fmt.Errorf("window not zeroed at offset %#x", i)
		}

		buf[i] = byte(i)
	}

	for i := range buf {
		if buf[i] != byte(i) {
			return fmt.Errorf("readback mismatch at offset %#x", i)
		}
	}

	return nil
}

func main() {
	usbarmory.LED("blue", false)
	usbarmory.LED("white", false)

	registry := uio.NewRegistry(0)

	d, err := memmap.New(newMemory(), registry)

	if err != nil {
		log.Fatalf("memmap driver error, %v", err)
	}

	if err = bind(&platform.Bus{}, d); err != nil {
		log.Fatalf("memmap binding error, %v", err)
	}

	log.Printf("memmap: %d devices published", registry.Len())

	if err = exercise(registry); err != nil {
		log.Printf("memmap: self test error, %v", err)
	} else {
		usbarmory.LED("white", true)
	}

	for on := true; ; on = !on {
		usbarmory.LED("blue", on)
		time.Sleep(time.Second)
	}
}
