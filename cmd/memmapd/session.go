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
	"bufio"
	"context"
	"errors"
	"io"
	"net"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-memmap/api/rpc"
	"github.com/transparency-dev/armored-memmap/memmap"
	"github.com/transparency-dev/armored-memmap/uio"
)

// server handles consumer sessions, an opened device stays open until the
// consumer disconnects.
type server struct {
	registry *uio.Registry
	// emulated is set when device memory is not backed by the physical
	// addresses published for it.
	emulated bool
}

func (s *server) serve(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()

		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return err
		}

		go s.handle(ctx, conn)
	}
}

func (s *server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	r := bufio.NewReader(conn)
	req, err := rpc.ReadRequest(r)

	if err != nil {
		if !errors.Is(err, io.EOF) {
			klog.Warningf("session: invalid request, %v", err)
		}
		return
	}

	switch req.Op {
	case rpc.OpStatus:
		err = rpc.WriteResponse(conn, &rpc.Response{Status: status(s.registry)})
	case rpc.OpOpen:
		err = s.open(ctx, conn, r, req.Minor)
	default:
		err = rpc.WriteResponse(conn, &rpc.Response{Error: "unknown operation " + req.Op})
	}

	if err != nil {
		klog.Warningf("session: %v", err)
	}
}

func (s *server) open(ctx context.Context, conn net.Conn, r *bufio.Reader, minor int) (err error) {
	f, err := s.registry.Open(minor)

	if err != nil {
		return rpc.WriteResponse(conn, &rpc.Response{
			Error: err.Error(),
			Busy:  memmap.IsBusy(err),
		})
	}
	defer func() {
		if err := f.Close(); err != nil {
			klog.Errorf("uio%d: close: %v", minor, err)
		}

		klog.V(1).Infof("uio%d: session closed", minor)
	}()

	if _, err = f.Map(0); err != nil {
		return rpc.WriteResponse(conn, &rpc.Response{Error: err.Error()})
	}

	res := &rpc.Response{
		Emulated: s.emulated,
		Device:   describe(f.Minor(), "", f.Info()),
	}

	if e, ok := lookup(s.registry, minor); ok {
		res.Device.Parent = e.Parent
	}

	if err = rpc.WriteResponse(conn, res); err != nil {
		return
	}

	klog.V(1).Infof("uio%d: session opened", minor)

	hangup := make(chan struct{})

	go func() {
		io.Copy(io.Discard, r)
		close(hangup)
	}()

	select {
	case <-hangup:
	case <-ctx.Done():
	}

	return
}

func lookup(registry *uio.Registry, minor int) (uio.Entry, bool) {
	for _, e := range registry.List() {
		if e.Minor == minor {
			return e, true
		}
	}

	return uio.Entry{}, false
}
