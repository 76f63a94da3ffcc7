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

// Package sim provides a software model of the segmentation unit of an i386
// processor.
//
// The model covers what segmentation bring-up depends on: the descriptor
// table and task registers, the checks made when a segment register or the
// task register is loaded, limit-checked address translation, and the stack
// switch through the TSS on an interrupt from ring 3. Everything else
// (paging, the IDT, instruction execution) is out of its scope.
package sim

import (
	"errors"
	"fmt"

	"gvisor.dev/protseg/pkg/hostarch"
	"gvisor.dev/protseg/pkg/log"
	"gvisor.dev/protseg/pkg/platform"
	"gvisor.dev/protseg/pkg/ring0"
)

func init() {
	platform.Register("sim", func(opts platform.Opts) (platform.Platform, error) {
		return New(opts)
	})
}

// Fault is an exception raised by the processor.
type Fault struct {
	Vector    ring0.Vector
	ErrorCode uint32
}

// Error implements error.Error.
func (f *Fault) Error() string {
	return fmt.Sprintf("%v(%#x)", f.Vector, f.ErrorCode)
}

// Is supports errors.Is by vector.
func (f *Fault) Is(target error) bool {
	t, ok := target.(*Fault)
	return ok && t.Vector == f.Vector && t.ErrorCode == f.ErrorCode
}

// fault returns a fault whose error code references sel.
func fault(v ring0.Vector, sel ring0.Selector) *Fault {
	return &Fault{Vector: v, ErrorCode: uint32(sel) &^ 0x3}
}

// ErrNoTable is returned when a selector is used before the descriptor table
// register is loaded.
var ErrNoTable = errors.New("descriptor table register not loaded")

// SegmentRegister names a segment register.
type SegmentRegister int

// Segment registers, in encoding order.
const (
	ES SegmentRegister = iota
	CS
	SS
	DS
	FS
	GS
	numSegmentRegisters
)

// String implements fmt.Stringer.String.
func (r SegmentRegister) String() string {
	switch r {
	case ES:
		return "es"
	case CS:
		return "cs"
	case SS:
		return "ss"
	case DS:
		return "ds"
	case FS:
		return "fs"
	case GS:
		return "gs"
	default:
		return fmt.Sprintf("sreg%d", int(r))
	}
}

// Segment is a segment register: the visible selector and the descriptor
// fields cached when it was loaded.
type Segment struct {
	Selector ring0.Selector
	Base     uint32
	Limit    uint32 // Effective byte limit.
	Access   ring0.Access
	Flags    ring0.Flags

	// Usable is false for a register holding a null selector.
	Usable bool
}

func loadSegment(d ring0.SegmentDescriptor, sel ring0.Selector) Segment {
	return Segment{
		Selector: sel,
		Base:     d.Base(),
		Limit:    d.Limit(),
		Access:   d.Access(),
		Flags:    d.Flags(),
		Usable:   true,
	}
}

// CPU is a single simulated processor with its own physical memory.
//
// It starts in protected mode at ring 0, with null segment registers and no
// descriptor table loaded. CPU is not safe for concurrent use.
type CPU struct {
	platform.Memory

	gdtr      ring0.Pointer
	gdtLoaded bool

	tr   Segment
	segs [numSegmentRegisters]Segment
	cpl  ring0.Ring

	esp    uint32
	eip    uint32
	eflags uint32
}

// New returns a new CPU.
func New(opts platform.Opts) (*CPU, error) {
	size, err := opts.Size()
	if err != nil {
		return nil, err
	}
	return &CPU{
		Memory: make(platform.Memory, size),
		eflags: 0x2,
	}, nil
}

// descriptor reads the table entry for sel.
func (c *CPU) descriptor(sel ring0.Selector) (ring0.SegmentDescriptor, error) {
	if !c.gdtLoaded {
		return ring0.SegmentDescriptor{}, ErrNoTable
	}
	if sel.LDT() || !c.gdtr.Covers(sel) {
		return ring0.SegmentDescriptor{}, fault(ring0.GeneralProtectionFault, sel)
	}
	var b [ring0.SegmentDescriptorSize]byte
	addr := int64(c.gdtr.Base) + int64(sel.Index()*ring0.SegmentDescriptorSize)
	if _, err := c.ReadAt(b[:], addr); err != nil {
		return ring0.SegmentDescriptor{}, fmt.Errorf("reading descriptor %v: %w", sel, err)
	}
	return ring0.DescriptorFromBytes(b), nil
}

// setDescriptorAccess rewrites the access byte of the table entry for sel.
func (c *CPU) setDescriptorAccess(sel ring0.Selector, a ring0.Access) error {
	addr := int64(c.gdtr.Base) + int64(sel.Index()*ring0.SegmentDescriptorSize) + 5
	_, err := c.WriteAt([]byte{byte(a)}, addr)
	return err
}

// LoadGDT implements ring0.Loader.LoadGDT.
//
// Like lgdt, it does not look at the table.
func (c *CPU) LoadGDT(p ring0.Pointer) error {
	if c.cpl != ring0.Ring0 {
		return &Fault{Vector: ring0.GeneralProtectionFault}
	}
	c.gdtr = p
	c.gdtLoaded = true
	log.Debugf("sim: gdtr %v", p)
	return nil
}

// LoadTR implements ring0.Loader.LoadTR.
//
// As with ltr, the selector must reference an available 32-bit TSS
// descriptor in the table, which is marked busy.
func (c *CPU) LoadTR(sel ring0.Selector) error {
	if c.cpl != ring0.Ring0 {
		return &Fault{Vector: ring0.GeneralProtectionFault}
	}
	if sel.IsNull() {
		return &Fault{Vector: ring0.GeneralProtectionFault}
	}
	d, err := c.descriptor(sel)
	if err != nil {
		return err
	}
	a := d.Access()
	if !a.System() || a.Type() != ring0.TypeTSS32Available {
		return fault(ring0.GeneralProtectionFault, sel)
	}
	if !a.Present() {
		return fault(ring0.SegmentNotPresent, sel)
	}
	busy := a&^ring0.Access(0xF) | ring0.TypeTSS32Busy
	if err := c.setDescriptorAccess(sel, busy); err != nil {
		return err
	}
	c.tr = loadSegment(d, sel)
	c.tr.Access = busy
	log.Debugf("sim: tr %v base=%v limit=%#x", sel, hostarch.Addr(c.tr.Base), c.tr.Limit)
	return nil
}

// LoadSegment loads a segment register, with the checks made by mov to a
// segment register. Loading CS is accepted as the effect of a far jump.
func (c *CPU) LoadSegment(r SegmentRegister, sel ring0.Selector) error {
	if r < 0 || r >= numSegmentRegisters {
		return fmt.Errorf("invalid segment register %d", int(r))
	}
	if sel.IsNull() {
		if r == CS || r == SS {
			return &Fault{Vector: ring0.GeneralProtectionFault}
		}
		c.segs[r] = Segment{Selector: sel}
		return nil
	}
	d, err := c.descriptor(sel)
	if err != nil {
		return err
	}
	if err := c.checkSegment(r, sel, d); err != nil {
		return err
	}
	c.segs[r] = loadSegment(d, sel)
	return nil
}

func (c *CPU) checkSegment(r SegmentRegister, sel ring0.Selector, d ring0.SegmentDescriptor) error {
	a := d.Access()
	if a.System() {
		return fault(ring0.GeneralProtectionFault, sel)
	}
	dpl := a.DPL()
	switch r {
	case CS:
		if !a.Code() {
			return fault(ring0.GeneralProtectionFault, sel)
		}
		if a&ring0.AccessConforming != 0 {
			if dpl > c.cpl {
				return fault(ring0.GeneralProtectionFault, sel)
			}
		} else if sel.RPL() > c.cpl || dpl != c.cpl {
			return fault(ring0.GeneralProtectionFault, sel)
		}
	case SS:
		if a.Code() || a&ring0.AccessWritable == 0 {
			return fault(ring0.GeneralProtectionFault, sel)
		}
		if sel.RPL() != c.cpl || dpl != c.cpl {
			return fault(ring0.GeneralProtectionFault, sel)
		}
		if !a.Present() {
			return fault(ring0.StackSegmentFault, sel)
		}
		return nil
	default:
		if a.Code() && a&ring0.AccessReadable == 0 {
			return fault(ring0.GeneralProtectionFault, sel)
		}
		conforming := a.Code() && a&ring0.AccessConforming != 0
		if !conforming && (sel.RPL() > dpl || c.cpl > dpl) {
			return fault(ring0.GeneralProtectionFault, sel)
		}
	}
	if !a.Present() {
		return fault(ring0.SegmentNotPresent, sel)
	}
	return nil
}

// Linear translates offset within the segment in r to a linear address,
// checking that size bytes starting at offset are within the limit.
func (c *CPU) Linear(r SegmentRegister, offset, size uint32) (uint32, error) {
	if r < 0 || r >= numSegmentRegisters {
		return 0, fmt.Errorf("invalid segment register %d", int(r))
	}
	v := ring0.GeneralProtectionFault
	if r == SS {
		v = ring0.StackSegmentFault
	}
	return c.segs[r].translate(v, offset, size)
}

// translate checks an access against s, raising v on a limit violation.
func (s *Segment) translate(v ring0.Vector, offset, size uint32) (uint32, error) {
	if !s.Usable {
		return 0, &Fault{Vector: v}
	}
	if size == 0 {
		size = 1
	}
	last := uint64(offset) + uint64(size) - 1
	if !s.Access.Code() && s.Access&ring0.AccessExpandDown != 0 {
		upper := uint64(0xFFFF)
		if s.Flags&ring0.FlagSize32 != 0 {
			upper = 0xFFFFFFFF
		}
		if uint64(offset) <= uint64(s.Limit) || last > upper {
			return 0, &Fault{Vector: v}
		}
	} else if last > uint64(s.Limit) {
		return 0, &Fault{Vector: v}
	}
	return s.Base + offset, nil
}

// SetCPL sets the current privilege level, as a return to that level would.
// Data segment registers that are no longer accessible are nulled.
func (c *CPU) SetCPL(r ring0.Ring) {
	c.cpl = r & 3
	for _, sr := range []SegmentRegister{ES, DS, FS, GS} {
		s := &c.segs[sr]
		if !s.Usable {
			continue
		}
		conforming := s.Access.Code() && s.Access&ring0.AccessConforming != 0
		if !conforming && s.Access.DPL() < c.cpl {
			c.segs[sr] = Segment{}
		}
	}
}

// CPL returns the current privilege level.
func (c *CPU) CPL() ring0.Ring {
	return c.cpl
}

// Segment returns the contents of a segment register.
func (c *CPU) Segment(r SegmentRegister) Segment {
	return c.segs[r]
}

// TaskRegister returns the task register.
func (c *CPU) TaskRegister() Segment {
	return c.tr
}

// ESP returns the stack pointer.
func (c *CPU) ESP() uint32 {
	return c.esp
}

// SetESP sets the stack pointer.
func (c *CPU) SetESP(esp uint32) {
	c.esp = esp
}

// EIP returns the instruction pointer.
func (c *CPU) EIP() uint32 {
	return c.eip
}

// SetEIP sets the instruction pointer.
func (c *CPU) SetEIP(eip uint32) {
	c.eip = eip
}

// Registers implements platform.Platform.Registers.
func (c *CPU) Registers() (platform.SystemRegisters, error) {
	return platform.SystemRegisters{
		ProtectedMode: true,
		GDTR:          c.gdtr,
		TR:            c.tr.Selector,
		TRBase:        c.tr.Base,
		TRLimit:       c.tr.Limit,
		TRBusy:        c.tr.Access.Type() == ring0.TypeTSS32Busy,
	}, nil
}

// Close implements platform.Platform.Close.
func (c *CPU) Close() error {
	c.Memory = nil
	return nil
}
