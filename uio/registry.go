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

package uio

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"k8s.io/klog/v2"
)

// DefaultMaxDevices is the registry capacity used by NewRegistry when no
// limit is given.
const DefaultMaxDevices = 256

// ErrNoDevice is returned when accessing a minor which is not registered.
var ErrNoDevice = errors.New("no such device")

// Entry is a registered device as reported by List.
type Entry struct {
	Minor  int
	Parent string
	Info   *Info
}

type device struct {
	Entry

	// gone is set once the device has been unregistered, files opened
	// before that must not call back into the driver.
	gone bool
}

// Registry holds published device records.
type Registry struct {
	sync.Mutex

	max     int
	devices map[int]*device
}

// NewRegistry returns an empty registry accepting up to max devices, a
// non-positive max selects DefaultMaxDevices.
func NewRegistry(max int) *Registry {
	if max <= 0 {
		max = DefaultMaxDevices
	}

	return &Registry{
		max:     max,
		devices: make(map[int]*device),
	}
}

// Register publishes info on behalf of parent and returns its minor number.
func (r *Registry) Register(parent string, info *Info) (minor int, err error) {
	if info == nil {
		return -1, errors.New("missing device info")
	}

	if err = info.validate(); err != nil {
		return -1, err
	}

	r.Lock()
	defer r.Unlock()

	for _, d := range r.devices {
		if d.Info == info {
			return -1, fmt.Errorf("%s already registered as uio%d", info.Name, d.Minor)
		}
	}

	// lowest free minor
	for minor = 0; minor < r.max; minor++ {
		if _, ok := r.devices[minor]; !ok {
			break
		}
	}

	if minor == r.max {
		return -1, fmt.Errorf("registry full (%d devices)", r.max)
	}

	r.devices[minor] = &device{
		Entry: Entry{
			Minor:  minor,
			Parent: parent,
			Info:   info,
		},
	}

	klog.V(1).Infof("uio%d: registered %s (%s)", minor, info.Name, parent)

	return
}

// Unregister removes a published device, files still open on it stay valid
// but no longer invoke the driver Release hook.
func (r *Registry) Unregister(minor int) error {
	r.Lock()
	defer r.Unlock()

	d, ok := r.devices[minor]

	if !ok {
		return fmt.Errorf("uio%d: %w", minor, ErrNoDevice)
	}

	d.gone = true
	delete(r.devices, minor)

	klog.V(1).Infof("uio%d: unregistered %s", minor, d.Info.Name)

	return nil
}

// Lookup returns the device info registered under minor.
func (r *Registry) Lookup(minor int) (*Info, bool) {
	r.Lock()
	defer r.Unlock()

	d, ok := r.devices[minor]

	if !ok {
		return nil, false
	}

	return d.Info, true
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.Lock()
	defer r.Unlock()

	return len(r.devices)
}

// List returns all registered devices ordered by minor number.
func (r *Registry) List() (entries []Entry) {
	r.Lock()
	defer r.Unlock()

	for _, d := range r.devices {
		entries = append(entries, d.Entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Minor < entries[j].Minor
	})

	return
}

// Open opens the device registered under minor on behalf of a consumer.
//
// The driver Open hook runs without the registry lock held, it may reject
// the open (e.g. when the device is busy).
func (r *Registry) Open(minor int) (f *File, err error) {
	r.Lock()
	d, ok := r.devices[minor]
	r.Unlock()

	if !ok {
		return nil, fmt.Errorf("uio%d: %w", minor, ErrNoDevice)
	}

	if d.Info.Open != nil {
		if err = d.Info.Open(d.Info); err != nil {
			return nil, err
		}
	}

	f = &File{
		r:   r,
		dev: d,
	}

	r.Lock()
	gone := d.gone
	r.Unlock()

	// unregistered while the hook was running
	if gone {
		if d.Info.Release != nil {
			d.Info.Release(d.Info)
		}

		return nil, fmt.Errorf("uio%d: %w", minor, ErrNoDevice)
	}

	return
}

// File is an open handle on a registered device.
type File struct {
	sync.Mutex

	r      *Registry
	dev    *device
	closed bool
}

// Minor returns the minor number of the opened device.
func (f *File) Minor() int {
	return f.dev.Minor
}

// Info returns the opened device info.
func (f *File) Info() *Info {
	return f.dev.Info
}

// Map returns a snapshot of memory map i, which must be populated for the
// consumer to build a mapping on it.
func (f *File) Map(i int) (m Mem, err error) {
	f.Lock()
	defer f.Unlock()

	if f.closed {
		return m, errors.New("file already closed")
	}

	if m, err = f.dev.Info.Map(i); err != nil {
		return
	}

	if m.Size == 0 {
		return m, fmt.Errorf("uio%d: map %d not configured", f.dev.Minor, i)
	}

	if !m.Mapped() {
		return m, fmt.Errorf("uio%d: map %d (%s) has no memory", f.dev.Minor, i, m.Name)
	}

	return
}

// Close releases the file, the driver Release hook is invoked once unless the
// device was unregistered in the meantime.
func (f *File) Close() (err error) {
	f.Lock()
	defer f.Unlock()

	if f.closed {
		return
	}

	f.closed = true

	f.r.Lock()
	gone := f.dev.gone
	f.r.Unlock()

	if gone || f.dev.Info.Release == nil {
		return
	}

	return f.dev.Info.Release(f.dev.Info)
}
