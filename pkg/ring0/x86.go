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
	"strings"

	"gvisor.dev/protseg/pkg/hostarch"
)

// Ring is a privilege level.
type Ring uint8

// Privilege levels.
const (
	Ring0 Ring = 0
	Ring1 Ring = 1
	Ring2 Ring = 2
	Ring3 Ring = 3
)

// Selector is a segment Selector.
type Selector uint16

const (
	selectorRPLMask = 0x3
	selectorTI      = 1 << 2
	selectorShift   = 3
)

// NewSelector returns the GDT selector for the entry at index, requesting the
// given privilege level.
func NewSelector(index int, rpl Ring) Selector {
	return Selector(index<<selectorShift) | Selector(rpl&selectorRPLMask)
}

// Index returns the table index referenced by s.
func (s Selector) Index() int {
	return int(s >> selectorShift)
}

// RPL returns the requested privilege level.
func (s Selector) RPL() Ring {
	return Ring(s & selectorRPLMask)
}

// LDT returns true if s references the local descriptor table.
func (s Selector) LDT() bool {
	return s&selectorTI != 0
}

// IsNull returns true if s references the null descriptor, whatever its RPL.
func (s Selector) IsNull() bool {
	return s.Index() == 0 && !s.LDT()
}

// String implements fmt.Stringer.String.
func (s Selector) String() string {
	return fmt.Sprintf("%#02x", uint16(s))
}

// Access is the access byte of a segment descriptor: present bit, DPL,
// system bit and the 4-bit type.
type Access uint8

// Access byte bits. Bits 1 and 2 mean different things for code and data
// segments, hence the aliases.
const (
	AccessAccessed   Access = 1 << 0
	AccessReadable   Access = 1 << 1 // Code: read permission.
	AccessWritable   Access = 1 << 1 // Data: write permission.
	AccessConforming Access = 1 << 2 // Code: conforming.
	AccessExpandDown Access = 1 << 2 // Data: grows down, not used.
	AccessExecutable Access = 1 << 3
	AccessNonSystem  Access = 1 << 4 // Zero => system, 1 => user code/data.
	AccessPresent    Access = 1 << 7

	// AccessCode marks a code segment.
	AccessCode = AccessNonSystem | AccessExecutable

	// AccessData marks a data segment.
	AccessData = AccessNonSystem

	accessDPLShift = 5
	accessTypeMask = 0xF
)

// System segment types (AccessNonSystem clear).
const (
	TypeLDT            Access = 0x2
	TypeTSS32Available Access = 0x9
	TypeTSS32Busy      Access = 0xB
)

// AccessDPL returns the access bits for descriptor privilege level r.
func AccessDPL(r Ring) Access {
	return Access(r&3) << accessDPLShift
}

// DPL returns the descriptor privilege level.
func (a Access) DPL() Ring {
	return Ring(a>>accessDPLShift) & 3
}

// Present returns true if the present bit is set.
func (a Access) Present() bool {
	return a&AccessPresent != 0
}

// System returns true for system descriptors (TSS, LDT, gates).
func (a Access) System() bool {
	return a&AccessNonSystem == 0
}

// Type returns the 4-bit type field.
func (a Access) Type() Access {
	return a & accessTypeMask
}

// Code returns true for code segments.
func (a Access) Code() bool {
	return !a.System() && a&AccessExecutable != 0
}

// String implements fmt.Stringer.String.
func (a Access) String() string {
	var parts []string
	if a.Present() {
		parts = append(parts, "P")
	}
	parts = append(parts, fmt.Sprintf("DPL%d", a.DPL()))
	switch {
	case a.System():
		// Bit 0 of a system type is part of the type, not the accessed flag.
		switch a.Type() {
		case TypeLDT:
			parts = append(parts, "ldt")
		case TypeTSS32Available:
			parts = append(parts, "tss32")
		case TypeTSS32Busy:
			parts = append(parts, "tss32-busy")
		default:
			parts = append(parts, fmt.Sprintf("system-type%#x", uint8(a.Type())))
		}
	case a.Code():
		parts = append(parts, "code")
		if a&AccessReadable != 0 {
			parts = append(parts, "r")
		}
		if a&AccessConforming != 0 {
			parts = append(parts, "conforming")
		}
		if a&AccessAccessed != 0 {
			parts = append(parts, "a")
		}
	default:
		parts = append(parts, "data")
		if a&AccessWritable != 0 {
			parts = append(parts, "w")
		}
		if a&AccessExpandDown != 0 {
			parts = append(parts, "down")
		}
		if a&AccessAccessed != 0 {
			parts = append(parts, "a")
		}
	}
	return strings.Join(parts, " ")
}

// Flags are the descriptor flags, as found in the upper nibble of the sixth
// descriptor byte. The lower nibble of that byte holds limit[19:16].
type Flags uint8

// Flag declarations.
const (
	FlagGranularityByte Flags = 0
	FlagSize16          Flags = 0
	FlagAvailable       Flags = 1 << 4 // Available.
	FlagLong            Flags = 1 << 5 // Long mode.
	FlagSize32          Flags = 1 << 6 // 16 or 32-bit.
	FlagGranularity4K   Flags = 1 << 7 // Granularity: page or byte.

	flagsMask Flags = 0xF0
)

// String implements fmt.Stringer.String.
func (f Flags) String() string {
	parts := []string{"byte"}
	if f&FlagGranularity4K != 0 {
		parts[0] = "4k"
	}
	if f&FlagSize32 != 0 {
		parts = append(parts, "32")
	} else {
		parts = append(parts, "16")
	}
	if f&FlagLong != 0 {
		parts = append(parts, "long")
	}
	if f&FlagAvailable != 0 {
		parts = append(parts, "avl")
	}
	return strings.Join(parts, " ")
}

// MaxLimit is the largest raw limit a descriptor can hold (20 bits).
const MaxLimit = 0xFFFFF

// SegmentDescriptorSize is the size of a descriptor in memory.
const SegmentDescriptorSize = 8

var (
	// ErrLimitOverflow is returned when a limit does not fit in 20 bits.
	// Limits are never truncated: callers apply the granularity first.
	ErrLimitOverflow = errors.New("segment limit exceeds 20 bits")

	// ErrInvalidFlags is returned when flags carry bits outside the upper
	// nibble.
	ErrInvalidFlags = errors.New("descriptor flags outside the upper nibble")
)

// SegmentDescriptor is a segment descriptor.
//
// bits[0] holds bytes 0-3 (limit[15:0], base[15:0]) and bits[1] holds bytes
// 4-7 (base[23:16], access, flags|limit[19:16], base[31:24]).
type SegmentDescriptor struct {
	bits [2]uint32
}

// DescriptorFields are the decoded fields of a descriptor.
type DescriptorFields struct {
	Base   uint32
	Limit  uint32 // Raw 20-bit value, not scaled by granularity.
	Access Access
	Flags  Flags
}

// Encode packs a descriptor. Limit must already be expressed in the unit
// selected by flags (bytes or 4K pages).
func Encode(base, limit uint32, access Access, flags Flags) (SegmentDescriptor, error) {
	if limit > MaxLimit {
		return SegmentDescriptor{}, fmt.Errorf("%w: %#x > %#x", ErrLimitOverflow, limit, MaxLimit)
	}
	if flags&^flagsMask != 0 {
		return SegmentDescriptor{}, fmt.Errorf("%w: %#02x", ErrInvalidFlags, uint8(flags))
	}
	var d SegmentDescriptor
	d.bits[0] = base<<16 | limit&0xFFFF
	d.bits[1] = base&0xFF000000 | (base>>16)&0xFF | uint32(access)<<8 | limit&0x000F0000 | uint32(flags)<<16
	return d, nil
}

// MustEncode is like Encode, but panics on error.
func MustEncode(base, limit uint32, access Access, flags Flags) SegmentDescriptor {
	d, err := Encode(base, limit, access, flags)
	if err != nil {
		panic(fmt.Sprintf("invalid descriptor: %v", err))
	}
	return d
}

// DescriptorFromBytes builds a descriptor from its in-memory form.
func DescriptorFromBytes(b [SegmentDescriptorSize]byte) SegmentDescriptor {
	var d SegmentDescriptor
	d.UnmarshalBytes(b[:])
	return d
}

// Decode returns the descriptor fields. Encode(Decode()) is the identity.
func (d SegmentDescriptor) Decode() DescriptorFields {
	return DescriptorFields{
		Base:   d.Base(),
		Limit:  d.RawLimit(),
		Access: d.Access(),
		Flags:  d.Flags(),
	}
}

// setNull sets d to the null descriptor.
func (d *SegmentDescriptor) setNull() {
	d.bits[0] = 0
	d.bits[1] = 0
}

// IsNull returns true if every bit of d is zero.
func (d SegmentDescriptor) IsNull() bool {
	return d.bits[0] == 0 && d.bits[1] == 0
}

// Base returns the descriptor's base linear address.
func (d SegmentDescriptor) Base() uint32 {
	return d.bits[1]&0xFF000000 | (d.bits[1]&0x000000FF)<<16 | d.bits[0]>>16
}

// RawLimit returns the 20-bit limit field.
func (d SegmentDescriptor) RawLimit() uint32 {
	return d.bits[0]&0xFFFF | d.bits[1]&0xF0000
}

// Limit returns the offset of the last addressable byte, with the
// granularity applied.
func (d SegmentDescriptor) Limit() uint32 {
	l := d.RawLimit()
	if d.Flags()&FlagGranularity4K != 0 {
		l <<= hostarch.PageShift
		l |= hostarch.PageSize - 1
	}
	return l
}

// Span returns the first and last linear addresses covered by the segment.
// The last address is computed in 64 bits; a value above 1<<32-1 means the
// segment wraps the 32-bit address space.
func (d SegmentDescriptor) Span() (first, last uint64) {
	first = uint64(d.Base())
	last = first + uint64(d.Limit())
	return
}

// Access returns the access byte.
func (d SegmentDescriptor) Access() Access {
	return Access(d.bits[1] >> 8)
}

// Flags returns descriptor flags.
func (d SegmentDescriptor) Flags() Flags {
	return Flags(d.bits[1]>>16) & flagsMask
}

// DPL returns the descriptor privilege level.
func (d SegmentDescriptor) DPL() Ring {
	return d.Access().DPL()
}

// Present returns true if the present bit is set.
func (d SegmentDescriptor) Present() bool {
	return d.Access().Present()
}

// Bytes returns the in-memory form of d.
func (d SegmentDescriptor) Bytes() [SegmentDescriptorSize]byte {
	var b [SegmentDescriptorSize]byte
	d.MarshalBytes(b[:])
	return b
}

// SizeBytes returns the in-memory size of a descriptor.
func (*SegmentDescriptor) SizeBytes() int {
	return SegmentDescriptorSize
}

// MarshalBytes writes d to dst and returns the remainder of dst.
func (d *SegmentDescriptor) MarshalBytes(dst []byte) []byte {
	hostarch.ByteOrder.PutUint32(dst[:4], d.bits[0])
	dst = dst[4:]
	hostarch.ByteOrder.PutUint32(dst[:4], d.bits[1])
	return dst[4:]
}

// UnmarshalBytes reads d from src and returns the remainder of src.
func (d *SegmentDescriptor) UnmarshalBytes(src []byte) []byte {
	d.bits[0] = hostarch.ByteOrder.Uint32(src[:4])
	src = src[4:]
	d.bits[1] = hostarch.ByteOrder.Uint32(src[:4])
	return src[4:]
}

// String implements fmt.Stringer.String.
func (d SegmentDescriptor) String() string {
	if d.IsNull() {
		return "null"
	}
	return fmt.Sprintf("base=%#06x limit=%#05x access=%#02x(%v) flags=%#02x(%v)",
		d.Base(), d.RawLimit(), uint8(d.Access()), d.Access(), uint8(d.Flags()), d.Flags())
}

// Vector is an exception vector.
type Vector uintptr

// Exception vectors.
const (
	DivideByZero Vector = iota
	Debug
	NMI
	Breakpoint
	Overflow
	BoundRangeExceeded
	InvalidOpcode
	DeviceNotAvailable
	DoubleFault
	CoprocessorSegmentOverrun
	InvalidTSS
	SegmentNotPresent
	StackSegmentFault
	GeneralProtectionFault
	PageFault
)

var vectorNames = map[Vector]string{
	DivideByZero:              "#DE",
	Debug:                     "#DB",
	NMI:                       "NMI",
	Breakpoint:                "#BP",
	Overflow:                  "#OF",
	BoundRangeExceeded:        "#BR",
	InvalidOpcode:             "#UD",
	DeviceNotAvailable:        "#NM",
	DoubleFault:               "#DF",
	CoprocessorSegmentOverrun: "#MF-overrun",
	InvalidTSS:                "#TS",
	SegmentNotPresent:         "#NP",
	StackSegmentFault:         "#SS",
	GeneralProtectionFault:    "#GP",
	PageFault:                 "#PF",
}

// String implements fmt.Stringer.String.
func (v Vector) String() string {
	if name, ok := vectorNames[v]; ok {
		return name
	}
	return fmt.Sprintf("vector%d", uintptr(v))
}
