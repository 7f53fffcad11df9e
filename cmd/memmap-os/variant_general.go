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

//go:build tamago && general
// +build tamago,general

package main

import (
	"github.com/transparency-dev/armored-memmap/internal/dmamem"
	"github.com/transparency-dev/armored-memmap/memmap"
	"github.com/transparency-dev/armored-memmap/platform"
)

const variant = "general"

func newMemory() memmap.Config {
	return memmap.GeneralConfig(dmamem.NewHeap())
}

func bind(bus *platform.Bus, d *memmap.Driver) (err error) {
	_, err = memmap.RegisterSimple(bus, d)
	return
}
