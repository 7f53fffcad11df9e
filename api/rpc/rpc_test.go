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

package rpc

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/transparency-dev/armored-memmap/api"
)

func TestSession(t *testing.T) {
	var conn bytes.Buffer

	req := &Request{Op: OpOpen, Minor: 3}
	res := &Response{
		Emulated: true,
		Device: &api.Device{
			Minor:  3,
			Parent: "uio_memmap.0",
			Name:   "memmap",
			Open:   true,
			Map:    api.Map{Name: "mem0", Addr: 0x8f000000, Size: 0x100000, Type: "phys"},
		},
	}

	if err := WriteRequest(&conn, req); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}
	if err := WriteResponse(&conn, res); err != nil {
		t.Fatalf("WriteResponse: %v", err)
	}
	if err := WriteResponse(&conn, &Response{Error: "device busy", Busy: true}); err != nil {
		t.Fatalf("WriteResponse: %v", err)
	}

	r := bufio.NewReader(&conn)

	gotReq, err := ReadRequest(r)
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	if diff := cmp.Diff(req, gotReq); diff != "" {
		t.Fatalf("Request diff: %s", diff)
	}

	gotRes, err := ReadResponse(r)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if diff := cmp.Diff(res, gotRes); diff != "" {
		t.Fatalf("Response diff: %s", diff)
	}
	if err := gotRes.Err(); err != nil {
		t.Fatalf("Err() = %v, want nil", err)
	}

	busy, err := ReadResponse(r)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if !busy.Busy || busy.Err() == nil {
		t.Fatalf("Got %+v, want busy error", busy)
	}

	if _, err := ReadResponse(r); err != io.EOF {
		t.Fatalf("ReadResponse at end = %v, want EOF", err)
	}
}

func TestReadOversized(t *testing.T) {
	line := `{"op": "` + strings.Repeat("x", MaxMessageSize) + `"}` + "\n"

	if _, err := ReadRequest(bufio.NewReader(strings.NewReader(line))); err == nil {
		t.Fatal("ReadRequest of oversized message succeeded")
	}
}

func TestReadInvalid(t *testing.T) {
	if _, err := ReadRequest(bufio.NewReader(strings.NewReader("open 3\n"))); err == nil {
		t.Fatal("ReadRequest of invalid message succeeded")
	}
}
