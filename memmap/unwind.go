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

// teardown collects the release steps of sub-resources acquired while
// constructing a device, they always run in reverse acquisition order.
type teardown struct {
	steps []step
}

type step struct {
	name string
	fn   func() error
}

// push records the release step of a freshly acquired sub-resource.
func (t *teardown) push(name string, fn func() error) {
	t.steps = append(t.steps, step{name, fn})
}

// commit hands over all recorded steps, leaving t empty so that a deferred
// run becomes a no-op.
func (t *teardown) commit() (c teardown) {
	c.steps, t.steps = t.steps, nil
	return
}

// run releases everything recorded so far, failures are passed to fail but
// never stop the unwind.
func (t *teardown) run(fail func(name string, err error)) {
	for i := len(t.steps) - 1; i >= 0; i-- {
		if err := t.steps[i].fn(); err != nil && fail != nil {
			fail(t.steps[i].name, err)
		}
	}

	t.steps = nil
}
