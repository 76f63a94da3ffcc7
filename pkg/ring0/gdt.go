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

package ring0

import (
	"errors"
	"fmt"

	"gvisor.dev/protseg/pkg/hostarch"
)

// MaxEntries is the largest number of descriptors a GDT can hold: the limit
// in the table register is 16 bits wide.
const MaxEntries = 1 << 13

var (
	// ErrInvalidLayout is returned for unusable table indices.
	ErrInvalidLayout = errors.New("invalid descriptor table layout")

	// ErrInvalidTSS is returned when a TSS descriptor cannot be installed.
	ErrInvalidTSS = errors.New("invalid TSS descriptor")
)

// Layout chooses the table index of every descriptor. Index 0 is always the
// null descriptor and cannot be used.
type Layout struct {
	KernelCode int
	KernelData int
	UserCode   int
	UserData   int
	TSS        int
}

// DefaultLayout returns the conventional layout: kernel code and data at 1
// and 2, user code and data at 3 and 4, the TSS at 5.
func DefaultLayout() Layout {
	return Layout{
		KernelCode: 1,
		KernelData: 2,
		UserCode:   3,
		UserData:   4,
		TSS:        5,
	}
}

func (l Layout) indices() []struct {
	name  string
	index int
} {
	return []struct {
		name  string
		index int
	}{
		{"kernel code", l.KernelCode},
		{"kernel data", l.KernelData},
		{"user code", l.UserCode},
		{"user data", l.UserData},
		{"tss", l.TSS},
	}
}

// Validate checks that every index is usable and that no two descriptors
// share a slot.
func (l Layout) Validate() error {
	seen := make(map[int]string)
	for _, e := range l.indices() {
		if e.index <= 0 || e.index >= MaxEntries {
			return fmt.Errorf("%w: %s index %d out of range [1, %d)", ErrInvalidLayout, e.name, e.index, MaxEntries)
		}
		if other, ok := seen[e.index]; ok {
			return fmt.Errorf("%w: %s and %s share index %d", ErrInvalidLayout, other, e.name, e.index)
		}
		seen[e.index] = e.name
	}
	return nil
}

// Entries returns the number of descriptors in a table built for l.
func (l Layout) Entries() int {
	n := 0
	for _, e := range l.indices() {
		if e.index > n {
			n = e.index
		}
	}
	return n + 1
}

// Selectors are the selectors other code uses to reference the table.
type Selectors struct {
	KernelCode Selector
	KernelData Selector
	UserCode   Selector
	UserData   Selector
	TSS        Selector
}

// Selectors returns the selectors for l. User selectors request ring 3; the
// TSS selector is loaded by the kernel and requests ring 0.
func (l Layout) Selectors() Selectors {
	return Selectors{
		KernelCode: NewSelector(l.KernelCode, Ring0),
		KernelData: NewSelector(l.KernelData, Ring0),
		UserCode:   NewSelector(l.UserCode, Ring3),
		UserData:   NewSelector(l.UserData, Ring3),
		TSS:        NewSelector(l.TSS, Ring0),
	}
}

// Flat segments: base 0, 0xFFFFF pages of 4K, i.e. all 4GiB. Protection is
// left to paging.
const flatFlags = FlagGranularity4K | FlagSize32

func flatSegment(a Access) SegmentDescriptor {
	return MustEncode(0, MaxLimit, AccessPresent|a, flatFlags)
}

// KernelCodeSegment returns the flat ring 0 code descriptor.
func KernelCodeSegment() SegmentDescriptor {
	return flatSegment(AccessDPL(Ring0) | AccessCode | AccessReadable)
}

// KernelDataSegment returns the flat ring 0 data descriptor.
func KernelDataSegment() SegmentDescriptor {
	return flatSegment(AccessDPL(Ring0) | AccessData | AccessWritable)
}

// UserCodeSegment returns the flat ring 3 code descriptor.
func UserCodeSegment() SegmentDescriptor {
	return flatSegment(AccessDPL(Ring3) | AccessCode | AccessReadable)
}

// UserDataSegment returns the flat ring 3 data descriptor.
func UserDataSegment() SegmentDescriptor {
	return flatSegment(AccessDPL(Ring3) | AccessData | AccessWritable)
}

// DescriptorTable is a global descriptor table.
type DescriptorTable []SegmentDescriptor

// BuildTable builds the table for l. The TSS slot is left null, for
// InstallTSS to fill in.
func BuildTable(l Layout) (DescriptorTable, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	t := make(DescriptorTable, l.Entries())

	// Null segment.
	t[0].setNull()

	// Kernel & user segments.
	t[l.KernelCode] = KernelCodeSegment()
	t[l.KernelData] = KernelDataSegment()
	t[l.UserCode] = UserCodeSegment()
	t[l.UserData] = UserDataSegment()

	// The task segment.
	t[l.TSS].setNull()
	return t, nil
}

// TSSDescriptor returns the descriptor for a 32-bit TSS of size bytes at
// addr. The limit is size-1 in bytes; a TSS never uses page granularity.
func TSSDescriptor(addr, size uint32) (SegmentDescriptor, error) {
	if size == 0 {
		return SegmentDescriptor{}, fmt.Errorf("%w: zero size", ErrInvalidTSS)
	}
	d, err := Encode(addr, size-1, AccessPresent|AccessDPL(Ring3)|TypeTSS32Available, FlagGranularityByte)
	if err != nil {
		return SegmentDescriptor{}, fmt.Errorf("%w: %v", ErrInvalidTSS, err)
	}
	return d, nil
}

// InstallTSS overwrites the entry at index with a descriptor for the TSS of
// size bytes at addr. Installing the same TSS twice leaves the table
// unchanged.
//
// The table must already be at its final address: the CPU reads the entry in
// place when the task register is loaded.
func (t DescriptorTable) InstallTSS(index int, addr, size uint32) error {
	if index <= 0 || index >= len(t) {
		return fmt.Errorf("%w: index %d out of range [1, %d)", ErrInvalidTSS, index, len(t))
	}
	d, err := TSSDescriptor(addr, size)
	if err != nil {
		return err
	}
	t[index] = d
	return nil
}

// SizeBytes returns the in-memory size of the table.
func (t DescriptorTable) SizeBytes() int {
	return len(t) * SegmentDescriptorSize
}

// MarshalBytes writes the table to dst and returns the remainder of dst.
func (t DescriptorTable) MarshalBytes(dst []byte) []byte {
	for i := range t {
		dst = t[i].MarshalBytes(dst)
	}
	return dst
}

// Bytes returns the in-memory form of the table.
func (t DescriptorTable) Bytes() []byte {
	b := make([]byte, t.SizeBytes())
	t.MarshalBytes(b)
	return b
}

// Pointer returns the table register value for the table placed at base.
func (t DescriptorTable) Pointer(base uint32) Pointer {
	return Pointer{
		Limit: uint16(t.SizeBytes() - 1),
		Base:  base,
	}
}

// PointerSize is the in-memory size of a Pointer on i386.
const PointerSize = 6

// Pointer is the operand of the lgdt instruction: the table limit (size
// minus one) followed by its linear address.
//
// The Go struct has padding; MarshalBytes produces the packed form.
type Pointer struct {
	Limit uint16
	Base  uint32
}

// Entries returns the number of descriptors covered by p.
func (p Pointer) Entries() int {
	return (int(p.Limit) + 1) / SegmentDescriptorSize
}

// Covers returns true if the descriptor referenced by sel lies within p.
func (p Pointer) Covers(sel Selector) bool {
	return sel.Index()*SegmentDescriptorSize+SegmentDescriptorSize-1 <= int(p.Limit)
}

// SizeBytes returns PointerSize.
func (*Pointer) SizeBytes() int {
	return PointerSize
}

// MarshalBytes writes the packed pointer to dst and returns the remainder of
// dst.
func (p *Pointer) MarshalBytes(dst []byte) []byte {
	hostarch.ByteOrder.PutUint16(dst[:2], p.Limit)
	dst = dst[2:]
	hostarch.ByteOrder.PutUint32(dst[:4], p.Base)
	return dst[4:]
}

// UnmarshalBytes reads the packed pointer from src and returns the remainder
// of src.
func (p *Pointer) UnmarshalBytes(src []byte) []byte {
	p.Limit = hostarch.ByteOrder.Uint16(src[:2])
	src = src[2:]
	p.Base = hostarch.ByteOrder.Uint32(src[:4])
	return src[4:]
}

// String implements fmt.Stringer.String.
func (p Pointer) String() string {
	return fmt.Sprintf("base=%#06x limit=%#02x", p.Base, p.Limit)
}
