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

package platform

import (
	"fmt"
	"io"
)

// Memory is physical memory starting at address zero.
type Memory []byte

// ReadAt implements io.ReaderAt.ReadAt.
func (m Memory) ReadAt(p []byte, addr int64) (int, error) {
	if addr < 0 || addr > int64(len(m)) {
		return 0, &AccessError{Addr: addr, Length: len(p)}
	}
	n := copy(p, m[addr:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt.WriteAt.
func (m Memory) WriteAt(p []byte, addr int64) (int, error) {
	if addr < 0 || addr+int64(len(p)) > int64(len(m)) {
		return 0, &AccessError{Addr: addr, Length: len(p)}
	}
	return copy(m[addr:], p), nil
}

// AccessError is returned for accesses outside physical memory.
type AccessError struct {
	Addr   int64
	Length int
}

// Error implements error.Error.
func (e *AccessError) Error() string {
	return fmt.Sprintf("access of %d bytes at %#x is outside physical memory", e.Length, e.Addr)
}
