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

package memmap

import (
	"github.com/transparency-dev/armored-memmap/uio"
)

// newInfo returns the device record with its placeholder map: name, size and
// type are set, addresses are not.
func (d *Driver) newInfo(dev *Device) *uio.Info {
	info := &uio.Info{
		Name:    InfoName,
		Version: d.version,
		IRQ:     uio.IRQNone,
		Open: func(*uio.Info) error {
			return dev.Open()
		},
		Release: func(*uio.Info) error {
			dev.Close()
			return nil
		},
		Priv: dev,
	}

	info.Mem[0] = uio.Mem{
		Name: MapName,
		Size: d.cfg.Size,
		Type: d.cfg.Type,
	}

	return info
}

// publish exposes the device record in the registry, recording its removal
// in t.
func (d *Driver) publish(dev *Device, t *teardown) (err error) {
	dev.minor, err = d.registry.Register(dev.pdev.String(), dev.info)

	if err != nil {
		return newError(RegistrationFailed, dev.pdev, err)
	}

	t.push("uio device", func() error {
		return d.registry.Unregister(dev.minor)
	})

	return
}

// populate fills the live addresses of an allocation into the published map,
// which must be clear.
func (dev *Device) populate(a Allocation) {
	dev.info.Lock()
	defer dev.info.Unlock()

	dev.info.Mem[0].Addr = a.Phys
	dev.info.Mem[0].Internal = a.Internal
}

// allocation returns the allocation currently described by the published
// map.
func (dev *Device) allocation() Allocation {
	dev.info.RLock()
	defer dev.info.RUnlock()

	m := dev.info.Mem[0]

	return Allocation{
		Phys:     m.Addr,
		Internal: m.Internal,
		Size:     m.Size,
	}
}

// clear zeroes the live addresses of the published map, name, size and type
// are kept for the next open.
func (dev *Device) clear() {
	dev.info.Lock()
	defer dev.info.Unlock()

	dev.info.Mem[0].Addr = 0
	dev.info.Mem[0].Internal = 0
}
