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

// Package platform implements a minimal platform bus: devices are announced
// either from device tree nodes or registered synthetically by name, and are
// bound to the first registered driver matching them.
package platform

import (
	"errors"
	"fmt"
	"sync"

	"github.com/u-root/u-root/pkg/dt"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-memmap/internal/devicetree"
)

// OFDeviceID is a device tree match table entry.
type OFDeviceID struct {
	Compatible string
}

// Driver describes a platform driver.
type Driver struct {
	// Name matches synthetic devices registered with the same name.
	Name string
	// OFMatch matches device tree devices by compatible string.
	OFMatch []OFDeviceID

	// Probe binds the driver to a matching device.
	Probe func(dev *Device) error
	// Remove unbinds the driver from a device, it cannot fail.
	Remove func(dev *Device)
}

func (drv *Driver) match(dev *Device) bool {
	if dev.Node == nil {
		return len(drv.Name) > 0 && drv.Name == dev.Name
	}

	if !devicetree.Enabled(dev.Node) {
		return false
	}

	for _, id := range drv.OFMatch {
		if devicetree.IsCompatible(dev.Node, id.Compatible) {
			return true
		}
	}

	return false
}

// Device is a device on the platform bus.
type Device struct {
	sync.Mutex

	// Name and ID identify synthetic devices.
	Name string
	ID   int

	// Node is the device tree node describing the device, nil for
	// synthetic devices.
	Node *dt.Node
	// Root is the device tree Node belongs to, required to resolve
	// phandles.
	Root *dt.Node

	driver *Driver
	data   any
}

func (dev *Device) String() string {
	if dev.Node != nil {
		return dev.Node.Name
	}

	return fmt.Sprintf("%s.%d", dev.Name, dev.ID)
}

// Driver returns the driver bound to the device, if any.
func (dev *Device) Driver() *Driver {
	dev.Lock()
	defer dev.Unlock()

	return dev.driver
}

// DriverData returns the driver private data.
func (dev *Device) DriverData() any {
	dev.Lock()
	defer dev.Unlock()

	return dev.data
}

// SetDriverData sets the driver private data.
func (dev *Device) SetDriverData(data any) {
	dev.Lock()
	defer dev.Unlock()

	dev.data = data
}

// Bus binds devices to drivers.
type Bus struct {
	sync.Mutex

	drivers []*Driver
	devices []*Device
}

// RegisterDriver adds a driver to the bus and probes it against all unbound
// devices, probe failures are logged.
func (b *Bus) RegisterDriver(drv *Driver) error {
	if drv == nil || drv.Probe == nil {
		return errors.New("invalid driver")
	}

	b.Lock()
	defer b.Unlock()

	for _, d := range b.drivers {
		if d == drv {
			return fmt.Errorf("driver %s already registered", drv.Name)
		}
	}

	b.drivers = append(b.drivers, drv)

	for _, dev := range b.devices {
		if dev.Driver() != nil || !drv.match(dev) {
			continue
		}

		if err := b.probe(drv, dev); err != nil {
			klog.Errorf("%s: probe of %s failed: %v", drv.Name, dev, err)
		}
	}

	return nil
}

// UnregisterDriver removes a driver from the bus, unbinding it from all its
// devices.
func (b *Bus) UnregisterDriver(drv *Driver) {
	b.Lock()
	defer b.Unlock()

	for i, d := range b.drivers {
		if d == drv {
			b.drivers = append(b.drivers[:i], b.drivers[i+1:]...)
			break
		}
	}

	for _, dev := range b.devices {
		if dev.Driver() == drv {
			b.remove(dev)
		}
	}
}

// AddDevice announces a device and binds it to the first matching driver.
//
// The device stays on the bus when no driver matches, a failed probe removes
// it again and returns the probe error.
func (b *Bus) AddDevice(dev *Device) (err error) {
	b.Lock()
	defer b.Unlock()

	for _, d := range b.devices {
		if d == dev || d.String() == dev.String() {
			return fmt.Errorf("device %s already present", dev)
		}
	}

	b.devices = append(b.devices, dev)

	for _, drv := range b.drivers {
		if !drv.match(dev) {
			continue
		}

		if err = b.probe(drv, dev); err != nil {
			b.devices = b.devices[:len(b.devices)-1]
		}

		return
	}

	klog.V(1).Infof("%s: no matching driver", dev)

	return
}

// RegisterSimple creates and adds a synthetic device identified by name and
// id.
func (b *Bus) RegisterSimple(name string, id int) (dev *Device, err error) {
	if len(name) == 0 {
		return nil, errors.New("missing device name")
	}

	dev = &Device{
		Name: name,
		ID:   id,
	}

	if err = b.AddDevice(dev); err != nil {
		return nil, err
	}

	return
}

// RemoveDevice unbinds a device from its driver and removes it from the bus.
func (b *Bus) RemoveDevice(dev *Device) {
	b.Lock()
	defer b.Unlock()

	for i, d := range b.devices {
		if d == dev {
			b.remove(dev)
			b.devices = append(b.devices[:i], b.devices[i+1:]...)
			return
		}
	}
}

// Devices returns the devices present on the bus.
func (b *Bus) Devices() []*Device {
	b.Lock()
	defer b.Unlock()

	return append([]*Device(nil), b.devices...)
}

func (b *Bus) probe(drv *Driver, dev *Device) (err error) {
	dev.Lock()
	dev.driver = drv
	dev.Unlock()

	if err = drv.Probe(dev); err != nil {
		dev.Lock()
		dev.driver = nil
		dev.data = nil
		dev.Unlock()

		return
	}

	klog.V(1).Infof("%s: bound to %s", dev, drv.Name)

	return
}

func (b *Bus) remove(dev *Device) {
	drv := dev.Driver()

	if drv == nil {
		return
	}

	if drv.Remove != nil {
		drv.Remove(dev)
	}

	dev.Lock()
	dev.driver = nil
	dev.data = nil
	dev.Unlock()
}
