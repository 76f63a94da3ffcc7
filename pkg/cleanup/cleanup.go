// Copyright 2026 The gVisor Authors.
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

// Package cleanup provides utilities to release partially acquired resources
// on defers.
package cleanup

import "errors"

// Cleanup allows defers to be aborted when cleanup needs to happen
// conditionally. Usage:
//
//	cu := cleanup.MakeErr(func() error { return unix.Close(fd) })
//	defer cu.Clean() // failure before release is called will close fd.
//	...
//	cu.AddErr(func() error { return unix.Munmap(mem) })
//	...
//	k.release = cu.Release() // on success, the owner releases later.
//	return k
type Cleanup struct {
	cleaners []func() error
}

// Make creates a new Cleanup object.
func Make(f func()) Cleanup {
	var c Cleanup
	c.Add(f)
	return c
}

// MakeErr is like Make, for a function that can fail.
func MakeErr(f func() error) Cleanup {
	var c Cleanup
	c.AddErr(f)
	return c
}

// Add adds a new function to be called on Clean().
func (c *Cleanup) Add(f func()) {
	c.AddErr(func() error {
		f()
		return nil
	})
}

// AddErr adds a function whose error is reported by the function returned
// from Release. Clean discards it.
func (c *Cleanup) AddErr(f func() error) {
	c.cleaners = append(c.cleaners, f)
}

// Clean calls all cleanup functions in reverse order.
func (c *Cleanup) Clean() {
	_ = clean(c.cleaners)
	c.cleaners = nil
}

// Release releases the cleanup from its duties, i.e. cleanup functions are not
// called after this point. Returns a function that calls all registered
// functions in reverse order and joins their errors, for the owner of the
// resources to call once.
func (c *Cleanup) Release() func() error {
	old := c.cleaners
	c.cleaners = nil
	return func() error { return clean(old) }
}

func clean(cleaners []func() error) error {
	var errs []error
	for i := len(cleaners) - 1; i >= 0; i-- {
		if err := cleaners[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
