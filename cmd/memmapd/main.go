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
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-memmap/memmap"
	"github.com/transparency-dev/armored-memmap/platform"
	"github.com/transparency-dev/armored-memmap/uio"
)

var (
	Build    string
	Revision string
	Version  string
)

var (
	configPath = flag.String("config", "", "YAML configuration file")
	dtbPath    = flag.String("dtb", "", "flattened device tree to scan (overrides configuration)")
	overlays   = flag.String("overlays", "", "directory watched for device tree overlays (overrides configuration)")
	socketPath = flag.String("socket", "", "consumer session socket (overrides configuration)")
	adminAddr  = flag.String("admin", "", "status and metrics listen address (overrides configuration)")
	emulate    = flag.Bool("emulate", false, "back reserved regions with anonymous memory")
)

func config() (*Config, error) {
	cfg, err := LoadConfig(*configPath)

	if err != nil {
		return nil, err
	}

	for _, o := range []struct {
		flag string
		dst  *string
	}{
		{*dtbPath, &cfg.DeviceTree},
		{*overlays, &cfg.Overlays},
		{*socketPath, &cfg.Socket},
		{*adminAddr, &cfg.Admin},
	} {
		if len(o.flag) > 0 {
			*o.dst = o.flag
		}
	}

	if *emulate {
		cfg.Memory = MemoryAnonymous
	}

	return cfg, cfg.Validate()
}

func main() {
	klog.InitFlags(nil)
	flag.Set("logtostderr", "true")
	flag.Parse()

	klog.Infof("%s/%s (%s) • memmapd %s (%s variant) • %s %s",
		runtime.GOOS, runtime.GOARCH, runtime.Version(),
		Version, variant, Revision, Build)

	cfg, err := config()

	if err != nil {
		klog.Exitf("Configuration error, %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := uio.NewRegistry(cfg.MaxDevices)

	d, err := memmap.New(newMemory(cfg), registry)

	if err != nil {
		klog.Exitf("Failed to create driver: %v", err)
	}

	bus := &platform.Bus{}

	unbind, err := bind(bus, d)

	if err != nil {
		klog.Exitf("Failed to register driver: %v", err)
	}
	defer unbind()

	t := newTree(bus)
	defer t.unloadAll()

	if len(cfg.DeviceTree) > 0 {
		if err := t.load(cfg.DeviceTree); err != nil {
			klog.Warningf("Could not scan device tree %s: %v", cfg.DeviceTree, err)
		}
	}

	if len(cfg.Overlays) > 0 {
		go func() {
			if err := watch(ctx, cfg.Overlays, t); err != nil {
				klog.Errorf("Overlay watcher stopped: %v", err)
			}
		}()
	}

	if len(cfg.Admin) > 0 {
		go serveAdmin(ctx, cfg.Admin, registry)
	}

	os.Remove(cfg.Socket)

	l, err := net.Listen("unix", cfg.Socket)

	if err != nil {
		klog.Errorf("Could not listen on %s: %v", cfg.Socket, err)
		return
	}
	defer os.Remove(cfg.Socket)

	klog.Infof("%d devices published, serving sessions on %s", registry.Len(), cfg.Socket)

	srv := &server{
		registry: registry,
		emulated: cfg.Memory == MemoryAnonymous,
	}

	if err := srv.serve(ctx, l); err != nil {
		klog.Errorf("Session server stopped: %v", err)
	}
}
