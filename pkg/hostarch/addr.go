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

package hostarch

import (
	"fmt"
)

// Addr represents a physical address in the target's 32-bit address space.
type Addr uint32

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#08x", uint32(v))
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v & ^Addr(PageSize-1)
}

// AddLength adds the given length to v and returns the result. ok is true iff
// adding the length did not overflow the 32-bit address space. The returned
// end is exclusive, so a region ending exactly at 4GiB is reported with ok
// set and end equal to 1<<32.
func (v Addr) AddLength(length uint64) (end uint64, ok bool) {
	end = uint64(v) + length
	ok = end <= 1<<32
	return
}

// PageRoundUp rounds n up to the nearest multiple of the page size.
func PageRoundUp(n uint64) uint64 {
	return (n + PageSize - 1) &^ (PageSize - 1)
}
