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
	"errors"
	"sync"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-memmap/platform"
	"github.com/transparency-dev/armored-memmap/uio"
)

// Device is a memory mapping device bound to a platform device.
//
// A Device is closed after Attach, Open allocates its window and Close frees
// it again. Once detached a Device is terminal.
type Device struct {
	// Mutex serializes open, close and detach.
	sync.Mutex

	// ID identifies the device instance in logs.
	ID uuid.UUID

	pdev     *platform.Device
	info     *uio.Info
	minor    int
	size     uint64
	provider Provider

	open     bool
	detached bool

	// teardown holds the release steps of everything acquired by Attach.
	teardown teardown
}

// Attach binds a platform device, publishing its memory window placeholder
// in the registry.
//
// On failure everything acquired so far is released again and no device is
// published.
func (d *Driver) Attach(pdev *platform.Device) (dev *Device, err error) {
	if pdev == nil {
		return nil, newError(BindingError, nil, errors.New("missing platform device"))
	}

	klog.Infof("%s: probe start", pdev)

	var t teardown

	defer func() {
		if err == nil {
			return
		}

		t.run(func(name string, err error) {
			klog.Errorf("%s: could not release %s: %v", pdev, name, err)
		})

		attachFailures.WithLabelValues(KindOf(err).String()).Inc()
	}()

	if d.Reserved() {
		if pdev.Node == nil {
			klog.Errorf("%s: No device tree node", pdev)
			return nil, newError(BindingError, pdev, errors.New("no device tree node"))
		}

		if err = d.bindReserved(pdev, &t); err != nil {
			return nil, err
		}
	}

	dev = &Device{
		ID:       uuid.New(),
		pdev:     pdev,
		size:     d.cfg.Size,
		provider: d.NewProvider(pdev),
	}
	dev.info = d.newInfo(dev)

	if err = d.publish(dev, &t); err != nil {
		klog.Errorf("%s: Failed to register UIO device: %v", pdev, err)
		return nil, err
	}

	dev.teardown = t.commit()
	pdev.SetDriverData(dev)

	devices.Inc()
	klog.Infof("%s: probe successful (uio%d, %s)", pdev, dev.minor, dev.ID)

	return
}

// Detach unbinds a platform device previously bound with Attach. It always
// completes, failures are only logged.
func (d *Driver) Detach(pdev *platform.Device) {
	if pdev == nil {
		return
	}

	dev, ok := pdev.DriverData().(*Device)

	if !ok {
		klog.Warningf("%s: remove without bound device", pdev)
		return
	}

	dev.detach()
	pdev.SetDriverData(nil)

	klog.Infof("%s: removed", pdev)
}

// Open allocates the device memory window and populates the published map.
//
// Open fails with AlreadyOpen, without side effects, while the device is
// open.
func (dev *Device) Open() (err error) {
	dev.Lock()
	defer dev.Unlock()

	if dev.detached {
		openRejections.WithLabelValues(BindingError.String()).Inc()
		return newError(BindingError, dev.pdev, errors.New("device removed"))
	}

	if dev.open {
		klog.Errorf("%s: Device is already open", dev.pdev)
		openRejections.WithLabelValues(AlreadyOpen.String()).Inc()
		return newError(AlreadyOpen, dev.pdev, nil)
	}

	a, err := dev.provider.Acquire(dev.size)

	if err != nil {
		klog.Errorf("%s: Failed to allocate memory: %v", dev.pdev, err)
		openRejections.WithLabelValues(AllocationFailed.String()).Inc()
		return
	}

	dev.populate(a)
	dev.open = true

	opens.Inc()
	openDevices.Inc()
	allocatedBytes.Add(float64(a.Size))

	klog.Infof("%s: open - Allocated mem: %s", dev.pdev, a)

	return
}

// Close frees the device memory window and clears the published map, closing
// a closed device does nothing.
func (dev *Device) Close() {
	dev.Lock()
	defer dev.Unlock()

	dev.close()
}

func (dev *Device) close() {
	if !dev.open {
		klog.V(1).Infof("%s: release of closed device ignored", dev.pdev)
		return
	}

	a := dev.allocation()
	dev.provider.Release(a)
	dev.clear()
	dev.open = false

	openDevices.Dec()
	allocatedBytes.Sub(float64(a.Size))

	klog.Infof("%s: release - Freed mem", dev.pdev)
}

func (dev *Device) detach() {
	dev.Lock()
	defer dev.Unlock()

	if dev.detached {
		return
	}

	if dev.open {
		klog.Warningf("%s: removed while open, releasing memory", dev.pdev)
		dev.close()
	}

	dev.teardown.run(func(name string, err error) {
		klog.Errorf("%s: could not release %s: %v", dev.pdev, name, err)
	})

	dev.detached = true
	devices.Dec()
}

// IsOpen returns whether the device is currently open.
func (dev *Device) IsOpen() bool {
	dev.Lock()
	defer dev.Unlock()

	return dev.open
}

// Detached returns whether the device has been detached.
func (dev *Device) Detached() bool {
	dev.Lock()
	defer dev.Unlock()

	return dev.detached
}

// Descriptor returns a snapshot of the published memory map.
func (dev *Device) Descriptor() uio.Mem {
	m, _ := dev.info.Map(0)
	return m
}

// Info returns the published device record.
func (dev *Device) Info() *uio.Info {
	return dev.info
}

// Minor returns the registry minor number of the device.
func (dev *Device) Minor() int {
	return dev.minor
}

// Platform returns the bound platform device.
func (dev *Device) Platform() *platform.Device {
	return dev.pdev
}

func (dev *Device) String() string {
	return dev.pdev.String()
}
