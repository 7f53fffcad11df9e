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
	"github.com/prometheus/client_golang/prometheus"
)

var (
	devices = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memmap_devices",
		Help: "Number of attached devices.",
	})
	openDevices = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memmap_open_devices",
		Help: "Number of devices currently held open by a consumer.",
	})
	allocatedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memmap_allocated_bytes",
		Help: "Bytes of physical memory currently allocated to open devices.",
	})
	opens = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "memmap_opens_total",
		Help: "Number of successful device opens.",
	})
	openRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "memmap_open_rejections_total",
		Help: "Number of rejected device opens by reason.",
	}, []string{"reason"})
	attachFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "memmap_attach_failures_total",
		Help: "Number of failed device attachments by reason.",
	}, []string{"reason"})
)

// Collectors returns the driver metrics, for registration by the caller.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		devices,
		openDevices,
		allocatedBytes,
		opens,
		openRejections,
		attachFailures,
	}
}
