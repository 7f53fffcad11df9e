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
	"errors"
	"fmt"
	"net"

	"github.com/transparency-dev/armored-memmap/api"
	"github.com/transparency-dev/armored-memmap/api/rpc"
)

type Status = api.Status

// Session is an open device, closing it releases the device.
type Session struct {
	net.Conn

	Device *api.Device
	// Emulated is set when Device memory is not backed by the physical
	// address it reports.
	Emulated bool
}

func call(conn net.Conn, req *rpc.Request) (*rpc.Response, error) {
	if err := rpc.WriteRequest(conn, req); err != nil {
		return nil, err
	}

	return rpc.ReadResponse(bufio.NewReader(conn))
}

func status(socket string) (*api.Status, error) {
	conn, err := net.Dial("unix", socket)

	if err != nil {
		return nil, err
	}
	defer conn.Close()

	res, err := call(conn, &rpc.Request{Op: rpc.OpStatus})

	if err != nil {
		return nil, err
	}

	if err = res.Err(); err != nil {
		return nil, err
	}

	if res.Status == nil {
		return nil, errors.New("empty status")
	}

	return res.Status, nil
}

func open(socket string, minor int) (*Session, error) {
	conn, err := net.Dial("unix", socket)

	if err != nil {
		return nil, err
	}

	res, err := call(conn, &rpc.Request{Op: rpc.OpOpen, Minor: minor})

	switch {
	case err != nil:
	case res.Busy:
		err = fmt.Errorf("uio%d is already open", minor)
	case res.Err() != nil:
		err = res.Err()
	case res.Device == nil:
		err = errors.New("empty device")
	}

	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Session{
		Conn:     conn,
		Device:   res.Device,
		Emulated: res.Emulated,
	}, nil
}
