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
	_ "unsafe"

	"github.com/usbarmory/tamago/dma"
)

const (
	// Firmware
	firmwareStart = 0x80000000
	firmwareSize  = 0x0e000000 // 224MB

	// Firmware DMA
	firmwareDMAStart = 0x8e000000
	firmwareDMASize  = 0x02000000 // 32MB

	// Reserved memory window, handed to memmap devices
	windowStart = 0x90000000
	windowSize  = 0x10000000 // 256MB
)

//go:linkname ramStart runtime.ramStart
var ramStart uint32 = firmwareStart

//go:linkname ramSize runtime.ramSize
var ramSize uint32 = firmwareSize

func init() {
	dma.Init(firmwareDMAStart, firmwareDMASize)
}
