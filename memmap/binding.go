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
	"github.com/transparency-dev/armored-memmap/platform"
)

// OFMatch is the device tree match table of the driver.
var OFMatch = []platform.OFDeviceID{
	{Compatible: "rj,uio-memmap"},
}

// NewPlatformDriver returns a platform driver binding devices matching
// OFMatch through d.
func NewPlatformDriver(d *Driver) *platform.Driver {
	return &platform.Driver{
		Name:    DriverName,
		OFMatch: OFMatch,
		Probe: func(pdev *platform.Device) (err error) {
			_, err = d.Attach(pdev)
			return
		},
		Remove: d.Detach,
	}
}

// Simple is a self-registered device together with the synthetic platform
// device and driver backing it.
type Simple struct {
	*Device

	bus *platform.Bus
	drv *platform.Driver
}

// RegisterSimple registers a synthetic SimpleDeviceName platform device on
// bus and binds it through d.
func RegisterSimple(bus *platform.Bus, d *Driver) (s *Simple, err error) {
	drv := &platform.Driver{
		Name: SimpleDeviceName,
		Probe: func(pdev *platform.Device) (err error) {
			_, err = d.Attach(pdev)
			return
		},
		Remove: d.Detach,
	}

	if err = bus.RegisterDriver(drv); err != nil {
		return nil, newError(BindingError, nil, err)
	}

	pdev, err := bus.RegisterSimple(SimpleDeviceName, 0)

	if err != nil {
		bus.UnregisterDriver(drv)

		// attach errors are already classified
		if KindOf(err) == 0 {
			err = newError(BindingError, nil, err)
		}

		return nil, err
	}

	dev, ok := pdev.DriverData().(*Device)

	if !ok {
		bus.RemoveDevice(pdev)
		bus.UnregisterDriver(drv)
		return nil, newError(BindingError, pdev, nil)
	}

	return &Simple{
		Device: dev,
		bus:    bus,
		drv:    drv,
	}, nil
}

// Unregister detaches the device and removes the synthetic platform device
// and driver.
func (s *Simple) Unregister() {
	s.bus.RemoveDevice(s.Platform())
	s.bus.UnregisterDriver(s.drv)
}
