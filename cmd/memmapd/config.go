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
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/transparency-dev/armored-memmap/internal/devicetree"
	"github.com/transparency-dev/armored-memmap/uio"
)

// Config is the daemon configuration, read from a YAML file and overridden
// by flags.
type Config struct {
	// DeviceTree is the flattened device tree scanned at startup.
	DeviceTree string `yaml:"device_tree"`
	// Overlays is a directory of device tree blobs watched for hot-plugged
	// devices, disabled when empty.
	Overlays string `yaml:"overlays"`

	// Socket is the consumer session socket.
	Socket string `yaml:"socket"`
	// Admin is the listen address of the status and metrics server,
	// disabled when empty.
	Admin string `yaml:"admin"`

	// Memory selects how reserved regions are accessed: "devmem" maps
	// them through DevMem, "anonymous" emulates them.
	Memory string `yaml:"memory"`
	// DevMem is the physical memory device.
	DevMem string `yaml:"devmem"`
	// Pagemap is the page table interface used by the general variant.
	Pagemap string `yaml:"pagemap"`

	// MaxDevices bounds the resource registry.
	MaxDevices int `yaml:"max_devices"`
}

// Memory access modes
const (
	MemoryDevMem    = "devmem"
	MemoryAnonymous = "anonymous"
)

// DefaultConfig returns the configuration used in absence of a file.
func DefaultConfig() *Config {
	return &Config{
		DeviceTree: devicetree.DefaultPath,
		Socket:     "/run/memmapd.sock",
		Admin:      "localhost:8081",
		Memory:     MemoryDevMem,
		DevMem:     "/dev/mem",
		Pagemap:    "/proc/self/pagemap",
		MaxDevices: uio.DefaultMaxDevices,
	}
}

// LoadConfig reads a YAML configuration file over the defaults, an empty
// path returns the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if len(path) == 0 {
		return cfg, nil
	}

	buf, err := os.ReadFile(path)

	if err != nil {
		return nil, fmt.Errorf("could not read configuration, %v", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)

	// an empty file keeps the defaults
	if err = dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("invalid configuration %s, %v", path, err)
	}

	return cfg, cfg.Validate()
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch {
	case len(c.Socket) == 0:
		return errors.New("missing session socket")
	case c.Memory != MemoryDevMem && c.Memory != MemoryAnonymous:
		return fmt.Errorf("invalid memory mode %q", c.Memory)
	case c.Memory == MemoryDevMem && len(c.DevMem) == 0:
		return errors.New("missing memory device")
	case c.MaxDevices <= 0:
		return fmt.Errorf("invalid device limit %d", c.MaxDevices)
	}

	return nil
}
