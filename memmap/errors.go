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
	"errors"
	"fmt"
)

// Kind classifies driver errors.
type Kind int

// Error kinds
const (
	// no matching device tree node, or platform registration failed
	BindingError Kind = iota + 1
	// reserved memory binding absent or DMA mask declaration failed
	NoReservedMemory
	// physical memory acquisition failed
	AllocationFailed
	// the device is already open
	AlreadyOpen
	// resource registry publication failed
	RegistrationFailed
)

func (k Kind) String() string {
	switch k {
	case BindingError:
		return "binding error"
	case NoReservedMemory:
		return "no reserved memory"
	case AllocationFailed:
		return "allocation failed"
	case AlreadyOpen:
		return "device busy"
	case RegistrationFailed:
		return "registration failed"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is returned by driver operations.
type Error struct {
	Kind   Kind
	Device string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case len(e.Device) > 0 && e.Err != nil:
		return fmt.Sprintf("%s: %v (%v)", e.Device, e.Kind, e.Err)
	case len(e.Device) > 0:
		return fmt.Sprintf("%s: %v", e.Device, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%v (%v)", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors of the same kind, so that the sentinel errors below can
// be used with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinel errors, one per Kind.
var (
	ErrBinding            = &Error{Kind: BindingError}
	ErrNoReservedMemory   = &Error{Kind: NoReservedMemory}
	ErrAllocationFailed   = &Error{Kind: AllocationFailed}
	ErrAlreadyOpen        = &Error{Kind: AlreadyOpen}
	ErrRegistrationFailed = &Error{Kind: RegistrationFailed}
)

func newError(kind Kind, dev fmt.Stringer, err error) *Error {
	e := &Error{
		Kind: kind,
		Err:  err,
	}

	if dev != nil {
		e.Device = dev.String()
	}

	return e
}

// KindOf returns the kind of a driver error, 0 for other errors.
func KindOf(err error) Kind {
	var e *Error

	if errors.As(err, &e) {
		return e.Kind
	}

	return 0
}

// IsBusy returns whether err is the rejection of an open on a device which
// is already open.
func IsBusy(err error) bool {
	return errors.Is(err, ErrAlreadyOpen)
}
