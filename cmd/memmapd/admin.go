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
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-memmap/memmap"
	"github.com/transparency-dev/armored-memmap/uio"
)

func adminHandler(registry *uio.Registry) http.Handler {
	pr := prometheus.NewRegistry()
	pr.MustRegister(memmap.Collectors()...)
	pr.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srvMux := http.NewServeMux()
	srvMux.Handle("/metrics", promhttp.HandlerFor(pr, promhttp.HandlerOpts{}))
	srvMux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		s := status(registry)

		if r.URL.Query().Get("format") == "json" {
			w.Header().Add("Content-Type", "application/json")
			w.Write(s.Bytes())
			return
		}

		w.Header().Add("Content-Type", "text/plain")
		w.Write([]byte(s.Print()))
	})

	return srvMux
}

func serveAdmin(ctx context.Context, addr string, registry *uio.Registry) {
	srv := &http.Server{
		Addr:         addr,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		Handler:      adminHandler(registry),
	}

	go func() {
		<-ctx.Done()
		klog.Infof("Closing admin server (%s)", addr)
		srv.Close()
	}()

	klog.Infof("Serving status and metrics on %s", addr)

	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		klog.Errorf("Error serving metrics: %v", err)
	}
}
