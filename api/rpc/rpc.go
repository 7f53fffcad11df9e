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

// Package rpc defines the consumer session protocol of the memmap daemon.
//
// A session is a stream connection: the client sends one Request, the
// daemon answers with one Response. For OpOpen a successful Response leaves
// the device open for as long as the connection stays up, closing the
// connection closes the device.
package rpc

import (
	"bufio"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/transparency-dev/armored-memmap/api"
)

// Session operations
const (
	// OpOpen opens a device for the duration of the session.
	OpOpen = "open"
	// OpStatus requests the daemon status.
	OpStatus = "status"
)

// MaxMessageSize bounds a single protocol message.
const MaxMessageSize = 1 << 20

// Request represents a session request.
type Request struct {
	Op    string
	Minor int
}

// Response represents a session response.
type Response struct {
	// Error is the failure reason, empty on success.
	Error string
	// Busy is set when an open was rejected because the device is already
	// open.
	Busy bool
	// Emulated is set when the opened device memory is not backed by the
	// physical address it reports.
	Emulated bool

	// Device is set on a successful OpOpen.
	Device *api.Device
	// Status is set on a successful OpStatus.
	Status *api.Status
}

// Err returns the response failure as an error.
func (r *Response) Err() error {
	if len(r.Error) == 0 {
		return nil
	}

	return fmt.Errorf("%s", r.Error)
}

func (r *Request) proto() *structpb.Struct {
	return &structpb.Struct{
		Fields: map[string]*structpb.Value{
			"op":    structpb.NewStringValue(r.Op),
			"minor": structpb.NewNumberValue(float64(r.Minor)),
		},
	}
}

func (r *Response) proto() *structpb.Struct {
	pb := &structpb.Struct{
		Fields: map[string]*structpb.Value{
			"error":    structpb.NewStringValue(r.Error),
			"busy":     structpb.NewBoolValue(r.Busy),
			"emulated": structpb.NewBoolValue(r.Emulated),
		},
	}

	if r.Device != nil {
		pb.Fields["device"] = structpb.NewStructValue(r.Device.Proto())
	}

	if r.Status != nil {
		pb.Fields["status"] = structpb.NewStructValue(r.Status.Proto())
	}

	return pb
}

func write(w io.Writer, pb *structpb.Struct) error {
	buf, err := protojson.Marshal(pb)

	if err != nil {
		return err
	}

	_, err = w.Write(append(buf, '\n'))

	return err
}

func read(r *bufio.Reader) (*structpb.Struct, error) {
	var line []byte

	for {
		chunk, isPrefix, err := r.ReadLine()

		if err != nil {
			return nil, err
		}

		line = append(line, chunk...)

		if len(line) > MaxMessageSize {
			return nil, fmt.Errorf("message exceeds %d bytes", MaxMessageSize)
		}

		if !isPrefix {
			break
		}
	}

	pb := &structpb.Struct{}

	if err := protojson.Unmarshal(line, pb); err != nil {
		return nil, fmt.Errorf("invalid message (%v)", err)
	}

	return pb, nil
}

// WriteRequest sends a request.
func WriteRequest(w io.Writer, req *Request) error {
	return write(w, req.proto())
}

// ReadRequest receives a request.
func ReadRequest(r *bufio.Reader) (*Request, error) {
	pb, err := read(r)

	if err != nil {
		return nil, err
	}

	return &Request{
		Op:    pb.Fields["op"].GetStringValue(),
		Minor: int(pb.Fields["minor"].GetNumberValue()),
	}, nil
}

// WriteResponse sends a response.
func WriteResponse(w io.Writer, res *Response) error {
	return write(w, res.proto())
}

// ReadResponse receives a response.
func ReadResponse(r *bufio.Reader) (res *Response, err error) {
	pb, err := read(r)

	if err != nil {
		return nil, err
	}

	res = &Response{
		Error:    pb.Fields["error"].GetStringValue(),
		Busy:     pb.Fields["busy"].GetBoolValue(),
		Emulated: pb.Fields["emulated"].GetBoolValue(),
	}

	if d := pb.Fields["device"].GetStructValue(); d != nil {
		if res.Device, err = api.DeviceFromProto(d); err != nil {
			return nil, err
		}
	}

	if s := pb.Fields["status"].GetStructValue(); s != nil {
		buf, err := protojson.Marshal(s)

		if err != nil {
			return nil, err
		}

		if res.Status, err = api.ParseStatus(buf); err != nil {
			return nil, err
		}
	}

	return
}
