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
	"runtime"

	"github.com/transparency-dev/armored-memmap/api"
	"github.com/transparency-dev/armored-memmap/memmap"
	"github.com/transparency-dev/armored-memmap/uio"
)

func describe(minor int, parent string, info *uio.Info) *api.Device {
	m, _ := info.Map(0)

	d := &api.Device{
		Minor:  minor,
		Parent: parent,
		Name:   info.Name,
		Map: api.Map{
			Name: m.Name,
			Addr: m.Addr,
			Size: m.Size,
			Type: m.Type.String(),
		},
	}

	if info.Version != nil {
		d.Version = info.Version.String()
	}

	if dev, ok := info.Priv.(*memmap.Device); ok {
		d.ID = dev.ID.String()
		d.Open = dev.IsOpen()
	}

	return d
}

func status(registry *uio.Registry) *api.Status {
	s := &api.Status{
		Build:    Build,
		Revision: Revision,
		Version:  Version,
		Variant:  variant,
		Runtime:  fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH),
	}

	for _, e := range registry.List() {
		s.Devices = append(s.Devices, *describe(e.Minor, e.Parent, e.Info))
	}

	return s
}
