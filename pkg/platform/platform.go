// Copyright 2018 The gVisor Authors.
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

// Package platform provides a Platform abstraction.
//
// A Platform is the processor and physical memory that segmentation is set
// up on. See Platform for more information.
package platform

import (
	"fmt"
	"sort"
	"sync"

	"gvisor.dev/protseg/pkg/hostarch"
	"gvisor.dev/protseg/pkg/ring0"
)

// Platform is a single processor and its physical memory.
//
// Memory is addressed by physical address: ReadAt and WriteAt take the
// address as the offset. The ring0.Loader methods act on the processor's
// system registers and read the descriptor table from this memory, as the
// hardware does.
type Platform interface {
	ring0.Loader

	// ReadAt reads physical memory.
	ReadAt(p []byte, addr int64) (int, error)

	// WriteAt writes physical memory.
	WriteAt(p []byte, addr int64) (int, error)

	// Registers returns the system registers as the processor sees them.
	Registers() (SystemRegisters, error)

	// Close releases the platform's resources.
	Close() error
}

// SystemRegisters are the processor's segmentation registers.
type SystemRegisters struct {
	// ProtectedMode is CR0.PE.
	ProtectedMode bool

	// GDTR is the descriptor table register.
	GDTR ring0.Pointer

	// TR is the task register selector. TRBase and TRLimit are the cached
	// descriptor fields loaded with it.
	TR      ring0.Selector
	TRBase  uint32
	TRLimit uint32

	// TRBusy is true if the cached TSS descriptor is marked busy.
	TRBusy bool
}

// Opts are options for a new platform.
type Opts struct {
	// MemorySize is the size of physical memory, in bytes. It is rounded up
	// to a page.
	MemorySize uint64
}

// DefaultMemorySize is the memory size used when Opts.MemorySize is zero.
const DefaultMemorySize = hostarch.HugePageSize

// Size returns the effective memory size.
func (o Opts) Size() (uint64, error) {
	size := o.MemorySize
	if size == 0 {
		size = DefaultMemorySize
	}
	size = hostarch.PageRoundUp(size)
	if size > 1<<32 {
		return 0, fmt.Errorf("memory size %#x exceeds the 32-bit address space", size)
	}
	return size, nil
}

// Constructor creates a new platform.
type Constructor func(opts Opts) (Platform, error)

var (
	mu        sync.Mutex
	platforms = make(map[string]Constructor)
)

// Register registers a platform under name. It panics if the name is taken.
func Register(name string, c Constructor) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := platforms[name]; ok {
		panic(fmt.Sprintf("duplicate platform registration for name %q", name))
	}
	platforms[name] = c
}

// Lookup finds a platform by name.
func Lookup(name string) (Constructor, error) {
	mu.Lock()
	defer mu.Unlock()
	c, ok := platforms[name]
	if !ok {
		return nil, fmt.Errorf("unknown platform %q", name)
	}
	return c, nil
}

// List lists available platforms, sorted by name.
func List() []string {
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(platforms))
	for name := range platforms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
