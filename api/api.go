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

// Package api defines the status report and session messages exchanged
// between the memmap daemon and its clients.
//
// Messages are carried as protobuf Struct values, serialized with protojson.
package api

import (
	"bytes"
	"fmt"
	"strconv"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Map describes the memory window of a device.
type Map struct {
	Name string
	// Addr is the physical base address, 0 while the device is closed.
	Addr uint64
	Size uint64
	Type string
}

// Mapped returns whether the window points at allocated memory.
func (m Map) Mapped() bool {
	return m.Addr != 0
}

func (m Map) String() string {
	if !m.Mapped() {
		return fmt.Sprintf("%s: %#x bytes %s (unmapped)", m.Name, m.Size, m.Type)
	}

	return fmt.Sprintf("%s: %#x bytes %s at %#x", m.Name, m.Size, m.Type, m.Addr)
}

// Device describes a published device.
type Device struct {
	Minor   int
	Parent  string
	Name    string
	Version string
	ID      string
	Open    bool
	Map     Map
}

// Status is the daemon status report.
type Status struct {
	Build    string
	Revision string
	Version  string
	Variant  string
	Runtime  string
	Devices  []Device
}

// Print returns the status in textual format.
func (s *Status) Print() string {
	var status bytes.Buffer

	status.WriteString("------------------------------------------------------------- memmap ----\n")
	status.WriteString(fmt.Sprintf("Revision ...............: %s\n", s.Revision))
	status.WriteString(fmt.Sprintf("Build ..................: %s\n", s.Build))
	status.WriteString(fmt.Sprintf("Version ................: %s\n", s.Version))
	status.WriteString(fmt.Sprintf("Variant ................: %s\n", s.Variant))
	status.WriteString(fmt.Sprintf("Runtime ................: %s\n", s.Runtime))
	status.WriteString(fmt.Sprintf("Devices ................: %d", len(s.Devices)))

	for _, d := range s.Devices {
		state := "closed"

		if d.Open {
			state = "open"
		}

		status.WriteString(fmt.Sprintf("\n  uio%-3d %-20s %s v%s %s\n", d.Minor, d.Parent, d.Name, d.Version, state))
		status.WriteString(fmt.Sprintf("         %s", d.Map))
	}

	return status.String()
}

// Bytes serializes the status.
func (s *Status) Bytes() (buf []byte) {
	buf, _ = protojson.Marshal(s.Proto())
	return
}

// Proto returns the protobuf representation of the status.
func (s *Status) Proto() *structpb.Struct {
	devices := make([]*structpb.Value, 0, len(s.Devices))

	for _, d := range s.Devices {
		devices = append(devices, structpb.NewStructValue(d.Proto()))
	}

	return &structpb.Struct{
		Fields: map[string]*structpb.Value{
			"build":    structpb.NewStringValue(s.Build),
			"revision": structpb.NewStringValue(s.Revision),
			"version":  structpb.NewStringValue(s.Version),
			"variant":  structpb.NewStringValue(s.Variant),
			"runtime":  structpb.NewStringValue(s.Runtime),
			"devices":  structpb.NewListValue(&structpb.ListValue{Values: devices}),
		},
	}
}

// ParseStatus deserializes a status serialized with Bytes.
func ParseStatus(buf []byte) (s *Status, err error) {
	pb := &structpb.Struct{}

	if err = protojson.Unmarshal(buf, pb); err != nil {
		return nil, err
	}

	f := fields{pb}

	s = &Status{
		Build:    f.string("build"),
		Revision: f.string("revision"),
		Version:  f.string("version"),
		Variant:  f.string("variant"),
		Runtime:  f.string("runtime"),
	}

	for _, v := range f.list("devices") {
		d, err := DeviceFromProto(v.GetStructValue())

		if err != nil {
			return nil, err
		}

		s.Devices = append(s.Devices, *d)
	}

	return
}

// Proto returns the protobuf representation of the device.
//
// Addresses are carried as hex strings as protobuf Struct numbers are
// doubles.
func (d *Device) Proto() *structpb.Struct {
	return &structpb.Struct{
		Fields: map[string]*structpb.Value{
			"minor":   structpb.NewNumberValue(float64(d.Minor)),
			"parent":  structpb.NewStringValue(d.Parent),
			"name":    structpb.NewStringValue(d.Name),
			"version": structpb.NewStringValue(d.Version),
			"id":      structpb.NewStringValue(d.ID),
			"open":    structpb.NewBoolValue(d.Open),
			"map": structpb.NewStructValue(&structpb.Struct{
				Fields: map[string]*structpb.Value{
					"name": structpb.NewStringValue(d.Map.Name),
					"addr": structpb.NewStringValue(hex(d.Map.Addr)),
					"size": structpb.NewStringValue(hex(d.Map.Size)),
					"type": structpb.NewStringValue(d.Map.Type),
				},
			}),
		},
	}
}

// DeviceFromProto converts the protobuf representation of a device.
func DeviceFromProto(pb *structpb.Struct) (d *Device, err error) {
	if pb == nil {
		return nil, fmt.Errorf("missing device")
	}

	f := fields{pb}
	m := fields{f.fields("map")}

	d = &Device{
		Minor:   int(f.number("minor")),
		Parent:  f.string("parent"),
		Name:    f.string("name"),
		Version: f.string("version"),
		ID:      f.string("id"),
		Open:    f.bool("open"),
		Map: Map{
			Name: m.string("name"),
			Type: m.string("type"),
		},
	}

	if d.Map.Addr, err = m.hex("addr"); err != nil {
		return nil, err
	}

	if d.Map.Size, err = m.hex("size"); err != nil {
		return nil, err
	}

	return
}

func hex(v uint64) string {
	return "0x" + strconv.FormatUint(v, 16)
}

type fields struct {
	*structpb.Struct
}

func (f fields) value(name string) *structpb.Value {
	if f.Struct == nil {
		return nil
	}

	return f.Fields[name]
}

func (f fields) string(name string) string {
	return f.value(name).GetStringValue()
}

func (f fields) number(name string) float64 {
	return f.value(name).GetNumberValue()
}

func (f fields) bool(name string) bool {
	return f.value(name).GetBoolValue()
}

func (f fields) list(name string) []*structpb.Value {
	return f.value(name).GetListValue().GetValues()
}

func (f fields) fields(name string) *structpb.Struct {
	return f.value(name).GetStructValue()
}

func (f fields) hex(name string) (uint64, error) {
	s := f.string(name)

	if len(s) == 0 {
		return 0, nil
	}

	v, err := strconv.ParseUint(s, 0, 64)

	if err != nil {
		return 0, fmt.Errorf("invalid %s %q (%v)", name, s, err)
	}

	return v, nil
}
