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
	"bytes"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/coreos/go-semver/semver"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/u-root/u-root/pkg/dt"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-memmap/internal/testonly"
	"github.com/transparency-dev/armored-memmap/platform"
	"github.com/transparency-dev/armored-memmap/uio"
)

const reservedBase = 0x40000000

func ofDevice(name string) *platform.Device {
	return &platform.Device{
		Node: &dt.Node{
			Name: name,
			Properties: []dt.Property{
				{Name: "compatible", Value: []byte("rj,uio-memmap\x00")},
			},
		},
	}
}

func reservedDriver(t *testing.T, devs ...string) (*Driver, *testonly.CoherentMemory) {
	t.Helper()

	regions := make(map[string]testonly.Reserved)
	for _, d := range devs {
		regions[d] = testonly.Reserved{Base: reservedBase, Size: ReservedMapSize}
	}
	mem := testonly.NewCoherentMemory(t, regions)

	d, err := New(ReservedConfig(mem), uio.NewRegistry(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d, mem
}

func generalDriver(t *testing.T) (*Driver, *testonly.GeneralMemory) {
	t.Helper()

	mem := testonly.NewGeneralMemory(t)
	d, err := New(GeneralConfig(mem), uio.NewRegistry(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d, mem
}

func attach(t *testing.T, d *Driver, pdev *platform.Device) *Device {
	t.Helper()

	dev, err := d.Attach(pdev)
	if err != nil {
		t.Fatalf("Attach(%s): %v", pdev, err)
	}
	return dev
}

func placeholder(size uint64) uio.Mem {
	return uio.Mem{
		Name: MapName,
		Size: size,
		Type: uio.MemPhys,
	}
}

func TestNew(t *testing.T) {
	coherent := testonly.NewCoherentMemory(t, nil)
	general := testonly.NewGeneralMemory(t)

	for _, test := range []struct {
		name     string
		cfg      Config
		registry *uio.Registry
		wantErr  bool
	}{
		{
			name:     "reserved",
			cfg:      ReservedConfig(coherent),
			registry: uio.NewRegistry(0),
		}, {
			name:     "general",
			cfg:      GeneralConfig(general),
			registry: uio.NewRegistry(0),
		}, {
			name:    "no registry",
			cfg:     GeneralConfig(general),
			wantErr: true,
		}, {
			name:     "no memory",
			cfg:      Config{Size: GeneralMapSize, Type: uio.MemPhys},
			registry: uio.NewRegistry(0),
			wantErr:  true,
		}, {
			name:     "both memories",
			cfg:      Config{Size: GeneralMapSize, Type: uio.MemPhys, Coherent: coherent, General: general},
			registry: uio.NewRegistry(0),
			wantErr:  true,
		}, {
			name:     "no size",
			cfg:      Config{Type: uio.MemPhys, General: general},
			registry: uio.NewRegistry(0),
			wantErr:  true,
		}, {
			name:     "no type",
			cfg:      Config{Size: GeneralMapSize, General: general},
			registry: uio.NewRegistry(0),
			wantErr:  true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			_, err := New(test.cfg, test.registry)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("Got %v, wantErr %t", err, test.wantErr)
			}
		})
	}
}

// attach with reserved memory, open, close, detach
func TestReservedLifecycle(t *testing.T) {
	d, mem := reservedDriver(t, "memmap@0")
	pdev := ofDevice("memmap@0")

	dev := attach(t, d, pdev)

	if diff := cmp.Diff(placeholder(ReservedMapSize), dev.Descriptor()); diff != "" {
		t.Fatalf("Placeholder descriptor diff: %s", diff)
	}
	if _, ok := d.Registry().Lookup(dev.Minor()); !ok {
		t.Fatal("Device not published")
	}
	if pdev.DriverData() != dev {
		t.Fatal("Driver data not set")
	}

	if err := dev.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}

	m := dev.Descriptor()
	if m.Addr != reservedBase || m.Internal == 0 {
		t.Fatalf("Got descriptor %+v, want populated at %#x", m, reservedBase)
	}
	if m.Size != ReservedMapSize {
		t.Fatalf("Got size %#x, want %#x", m.Size, ReservedMapSize)
	}

	dev.Close()

	if diff := cmp.Diff(placeholder(ReservedMapSize), dev.Descriptor()); diff != "" {
		t.Fatalf("Descriptor after close diff: %s", diff)
	}

	d.Detach(pdev)

	if got := d.Registry().Len(); got != 0 {
		t.Fatalf("Got %d published devices after detach, want 0", got)
	}
	if mem.Bound("memmap@0") {
		t.Fatal("Reserved memory still bound after detach")
	}
	if got, want := mem.Count("alloc"), 1; got != want {
		t.Fatalf("Got %d allocations, want %d", got, want)
	}
	if got := mem.Outstanding(); got != 0 {
		t.Fatalf("Got %d outstanding allocations, want 0", got)
	}
}

// attach without reserved-memory metadata
func TestNoReservedMemory(t *testing.T) {
	d, mem := reservedDriver(t)
	pdev := ofDevice("memmap@0")

	_, err := d.Attach(pdev)
	if !errors.Is(err, ErrNoReservedMemory) {
		t.Fatalf("Attach = %v, want NoReservedMemory", err)
	}
	if got := d.Registry().Len(); got != 0 {
		t.Fatalf("Got %d published devices, want 0", got)
	}
	if pdev.DriverData() != nil {
		t.Fatal("Driver data set after failed attach")
	}
	if got := len(mem.Events); got != 0 {
		t.Fatalf("Got %d allocator events, want none", got)
	}
}

func TestAttachFailures(t *testing.T) {
	for _, test := range []struct {
		name     string
		pdev     *platform.Device
		setup    func(*testonly.CoherentMemory, *uio.Registry)
		wantKind Kind
	}{
		{
			name:     "no platform device",
			wantKind: BindingError,
		}, {
			name:     "no device tree node",
			pdev:     &platform.Device{Name: SimpleDeviceName},
			wantKind: BindingError,
		}, {
			name: "dma mask",
			pdev: ofDevice("memmap@0"),
			setup: func(m *testonly.CoherentMemory, _ *uio.Registry) {
				m.FailDMAMask = true
			},
			wantKind: NoReservedMemory,
		}, {
			name: "registry full",
			pdev: ofDevice("memmap@0"),
			setup: func(_ *testonly.CoherentMemory, r *uio.Registry) {
				info := &uio.Info{Name: "other", Version: semver.New("1.0.0")}
				if _, err := r.Register("other", info); err != nil {
					panic(err)
				}
			},
			wantKind: RegistrationFailed,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			mem := testonly.NewCoherentMemory(t, map[string]testonly.Reserved{
				"memmap@0": {Base: reservedBase, Size: ReservedMapSize},
			})
			reg := uio.NewRegistry(1)
			if test.setup != nil {
				test.setup(mem, reg)
			}
			d, err := New(ReservedConfig(mem), reg)
			if err != nil {
				t.Fatalf("New: %v", err)
			}

			before := reg.Len()
			_, err = d.Attach(test.pdev)
			if got := KindOf(err); got != test.wantKind {
				t.Fatalf("Attach = %v, want kind %v", err, test.wantKind)
			}
			if got := reg.Len(); got != before {
				t.Fatalf("Got %d published devices, want %d", got, before)
			}
			if mem.Bound("memmap@0") {
				t.Fatal("Reserved memory left bound after failed attach")
			}
			if test.pdev != nil && test.pdev.DriverData() != nil {
				t.Fatal("Driver data set after failed attach")
			}
		})
	}
}

// open twice without close
func TestAlreadyOpen(t *testing.T) {
	d, mem := reservedDriver(t, "memmap@0")
	dev := attach(t, d, ofDevice("memmap@0"))

	if err := dev.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	before := dev.Descriptor()
	events := len(mem.Events)

	err := dev.Open()
	if !errors.Is(err, ErrAlreadyOpen) || !IsBusy(err) {
		t.Fatalf("Second Open = %v, want AlreadyOpen", err)
	}
	if diff := cmp.Diff(before, dev.Descriptor()); diff != "" {
		t.Fatalf("Descriptor changed by rejected open: %s", diff)
	}
	if got := len(mem.Events); got != events {
		t.Fatalf("Rejected open issued %d allocator calls", got-events)
	}
	if !dev.IsOpen() {
		t.Fatal("Device closed by rejected open")
	}

	dev.Close()
	if err := dev.Open(); err != nil {
		t.Fatalf("Open after Close: %v", err)
	}
	dev.Close()
}

// open then detach without close
func TestDetachWhileOpen(t *testing.T) {
	d, mem := reservedDriver(t, "memmap@0")
	pdev := ofDevice("memmap@0")
	dev := attach(t, d, pdev)

	if err := dev.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}

	d.Detach(pdev)

	if got, want := mem.Count("free"), 1; got != want {
		t.Fatalf("Got %d frees, want %d", got, want)
	}
	if got := mem.Outstanding(); got != 0 {
		t.Fatalf("Got %d outstanding allocations, want 0", got)
	}
	if got := d.Registry().Len(); got != 0 {
		t.Fatalf("Got %d published devices, want 0", got)
	}

	// a late close from the consumer and a second detach are harmless
	dev.Close()
	d.Detach(pdev)
	dev.detach()

	if got := mem.Count("free"); got != 1 {
		t.Fatalf("Got %d frees after late close, want 1", got)
	}
	if err := dev.Open(); KindOf(err) != BindingError {
		t.Fatalf("Open after detach = %v, want BindingError", err)
	}
	if !dev.Detached() {
		t.Fatal("Detached() = false")
	}
}

func TestDetachClosed(t *testing.T) {
	d, mem := reservedDriver(t, "memmap@0")
	pdev := ofDevice("memmap@0")
	dev := attach(t, d, pdev)

	if err := dev.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	dev.Close()
	dev.Close()

	d.Detach(pdev)

	if got := mem.Count("free"); got != 1 {
		t.Fatalf("Got %d frees, want 1", got)
	}
}

func TestNoLeak(t *testing.T) {
	for _, test := range []struct {
		name string
		ops  []string
	}{
		{name: "open close detach", ops: []string{"open", "close", "detach"}},
		{name: "open detach", ops: []string{"open", "detach"}},
		{name: "detach", ops: []string{"detach"}},
		{name: "cycles", ops: []string{"open", "close", "close", "open", "open", "close", "open", "detach"}},
	} {
		t.Run(test.name, func(t *testing.T) {
			for _, variant := range []string{"reserved", "general"} {
				var (
					d      *Driver
					ledger interface {
						Outstanding() int
						Count(string) int
					}
				)
				pdev := ofDevice("memmap@0")
				if variant == "reserved" {
					var mem *testonly.CoherentMemory
					d, mem = reservedDriver(t, "memmap@0")
					ledger = mem
				} else {
					var mem *testonly.GeneralMemory
					d, mem = generalDriver(t)
					ledger = mem
				}

				dev := attach(t, d, pdev)
				for _, op := range test.ops {
					switch op {
					case "open":
						dev.Open()
					case "close":
						dev.Close()
					case "detach":
						d.Detach(pdev)
					}
					if m := dev.Descriptor(); !m.Valid() {
						t.Fatalf("%s: descriptor partially populated after %s: %+v", variant, op, m)
					}
					if m := dev.Descriptor(); m.Size != d.Size() {
						t.Fatalf("%s: size changed to %#x after %s", variant, m.Size, op)
					}
				}

				if got := ledger.Outstanding(); got != 0 {
					t.Fatalf("%s: got %d outstanding allocations, want 0", variant, got)
				}
				if allocs, frees := ledger.Count("alloc"), ledger.Count("free"); allocs != frees {
					t.Fatalf("%s: got %d allocations and %d frees", variant, allocs, frees)
				}
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	d, _ := generalDriver(t)
	dev := attach(t, d, ofDevice("memmap@0"))

	initial := dev.Descriptor()
	for i := 0; i < 3; i++ {
		if err := dev.Open(); err != nil {
			t.Fatalf("Open #%d: %v", i, err)
		}
		if m := dev.Descriptor(); !m.Mapped() {
			t.Fatalf("Open #%d left descriptor unmapped: %+v", i, m)
		}
		dev.Close()
		if diff := cmp.Diff(initial, dev.Descriptor()); diff != "" {
			t.Fatalf("Cycle #%d diff: %s", i, diff)
		}
	}
}

func TestOpenAllocationFailure(t *testing.T) {
	for _, test := range []struct {
		name string
		fail func(*testonly.GeneralMemory)
	}{
		{name: "alloc", fail: func(m *testonly.GeneralMemory) { m.FailAlloc = true }},
		{name: "phys", fail: func(m *testonly.GeneralMemory) { m.FailPhys = true }},
	} {
		t.Run(test.name, func(t *testing.T) {
			d, mem := generalDriver(t)
			dev := attach(t, d, ofDevice("memmap@0"))

			var log bytes.Buffer
			klog.LogToStderr(false)
			klog.SetOutput(&log)
			defer func() {
				klog.LogToStderr(true)
				klog.SetOutput(os.Stderr)
			}()

			test.fail(mem)
			err := dev.Open()
			if !errors.Is(err, ErrAllocationFailed) {
				t.Fatalf("Open = %v, want AllocationFailed", err)
			}
			klog.Flush()
			if !strings.Contains(log.String(), "Failed to allocate memory") {
				t.Fatalf("Got log %q, want allocation failure", log.String())
			}
			if dev.IsOpen() {
				t.Fatal("Device open after failed allocation")
			}
			if diff := cmp.Diff(placeholder(GeneralMapSize), dev.Descriptor()); diff != "" {
				t.Fatalf("Descriptor diff: %s", diff)
			}
			if got := mem.Outstanding(); got != 0 {
				t.Fatalf("Got %d outstanding allocations, want 0", got)
			}

			// the device recovers once memory is available
			mem.FailAlloc, mem.FailPhys = false, false
			if err := dev.Open(); err != nil {
				t.Fatalf("Open: %v", err)
			}
			dev.Close()
		})
	}
}

func TestCoherentAllocationFailure(t *testing.T) {
	d, mem := reservedDriver(t, "memmap@0")
	dev := attach(t, d, ofDevice("memmap@0"))

	mem.FailAlloc = true
	if err := dev.Open(); !errors.Is(err, ErrAllocationFailed) {
		t.Fatalf("Open = %v, want AllocationFailed", err)
	}
	if dev.IsOpen() {
		t.Fatal("Device open after failed allocation")
	}
}

func TestGeneralTranslation(t *testing.T) {
	d, mem := generalDriver(t)
	dev := attach(t, d, ofDevice("memmap@0"))

	if err := dev.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer dev.Close()

	m := dev.Descriptor()
	if got, want := m.Addr, uint64(m.Internal)-mem.PhysOffset; got != want {
		t.Fatalf("Got phys %#x, want %#x", got, want)
	}
	if m.Size != GeneralMapSize {
		t.Fatalf("Got size %#x, want %#x", m.Size, GeneralMapSize)
	}
}

func TestRegistryConsumer(t *testing.T) {
	d, mem := reservedDriver(t, "memmap@0")
	dev := attach(t, d, ofDevice("memmap@0"))
	reg := d.Registry()

	f, err := reg.Open(dev.Minor())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	m, err := f.Map(0)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if m.Addr != reservedBase {
		t.Fatalf("Got addr %#x, want %#x", m.Addr, reservedBase)
	}

	if _, err := reg.Open(dev.Minor()); !IsBusy(err) {
		t.Fatalf("Second registry Open = %v, want busy", err)
	}

	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if dev.IsOpen() {
		t.Fatal("Device open after file close")
	}
	if got := mem.Outstanding(); got != 0 {
		t.Fatalf("Got %d outstanding allocations, want 0", got)
	}
}

func TestConcurrentOpen(t *testing.T) {
	d, mem := reservedDriver(t, "memmap@0")
	dev := attach(t, d, ofDevice("memmap@0"))

	const n = 32
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ok   int
		busy int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := dev.Open()
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case IsBusy(err):
				busy++
			default:
				t.Errorf("Open: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 1 || busy != n-1 {
		t.Fatalf("Got %d successful and %d busy opens, want 1 and %d", ok, busy, n-1)
	}
	if got := mem.Count("alloc"); got != 1 {
		t.Fatalf("Got %d allocations, want 1", got)
	}
	dev.Close()
}

func TestMultipleInstances(t *testing.T) {
	d, mem := reservedDriver(t, "memmap@0", "memmap@1")
	a := attach(t, d, ofDevice("memmap@0"))
	b := attach(t, d, ofDevice("memmap@1"))

	if a.Minor() == b.Minor() {
		t.Fatalf("Both devices got minor %d", a.Minor())
	}
	if a.ID == b.ID {
		t.Fatal("Both devices got the same ID")
	}

	if err := a.Open(); err != nil {
		t.Fatalf("Open(a): %v", err)
	}
	if err := b.Open(); err != nil {
		t.Fatalf("Open(b) while a is open: %v", err)
	}

	d.Detach(a.Platform())
	if !b.IsOpen() {
		t.Fatal("Detaching a closed b")
	}
	b.Close()
	d.Detach(b.Platform())

	if got := mem.Outstanding(); got != 0 {
		t.Fatalf("Got %d outstanding allocations, want 0", got)
	}
}

func TestMetrics(t *testing.T) {
	d, _ := generalDriver(t)

	attached := testutil.ToFloat64(devices)
	open := testutil.ToFloat64(openDevices)
	bytes := testutil.ToFloat64(allocatedBytes)
	busy := testutil.ToFloat64(openRejections.WithLabelValues(AlreadyOpen.String()))

	pdev := ofDevice("memmap@0")
	dev := attach(t, d, pdev)
	if got := testutil.ToFloat64(devices) - attached; got != 1 {
		t.Fatalf("memmap_devices grew by %v, want 1", got)
	}

	if err := dev.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	dev.Open()

	if got := testutil.ToFloat64(openDevices) - open; got != 1 {
		t.Fatalf("memmap_open_devices grew by %v, want 1", got)
	}
	if got := testutil.ToFloat64(allocatedBytes) - bytes; got != GeneralMapSize {
		t.Fatalf("memmap_allocated_bytes grew by %v, want %d", got, GeneralMapSize)
	}
	if got := testutil.ToFloat64(openRejections.WithLabelValues(AlreadyOpen.String())) - busy; got != 1 {
		t.Fatalf("busy rejections grew by %v, want 1", got)
	}

	d.Detach(pdev)

	if got := testutil.ToFloat64(devices); got != attached {
		t.Fatalf("memmap_devices = %v after detach, want %v", got, attached)
	}
	if got := testutil.ToFloat64(allocatedBytes); got != bytes {
		t.Fatalf("memmap_allocated_bytes = %v after detach, want %v", got, bytes)
	}
}
