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

package sim

import (
	"errors"

	"gvisor.dev/protseg/pkg/hostarch"
	"gvisor.dev/protseg/pkg/log"
	"gvisor.dev/protseg/pkg/ring0"
)

const (
	eflagsIF = 1 << 9
	eflagsTF = 1 << 8
)

// tssStack returns the stack for ring r recorded in the current TSS.
func (c *CPU) tssStack(r ring0.Ring) (ss ring0.Selector, esp uint32, err error) {
	if !c.tr.Usable {
		return 0, 0, &Fault{Vector: ring0.InvalidTSS}
	}
	// ESPn at 4+8n, SSn at 8+8n.
	off := 4 + 8*uint32(r)
	if uint64(off)+7 > uint64(c.tr.Limit) {
		return 0, 0, fault(ring0.InvalidTSS, c.tr.Selector)
	}
	var b [8]byte
	if _, err := c.ReadAt(b[:], int64(c.tr.Base)+int64(off)); err != nil {
		return 0, 0, err
	}
	esp = hostarch.ByteOrder.Uint32(b[0:])
	ss = ring0.Selector(hostarch.ByteOrder.Uint16(b[4:]))
	return ss, esp, nil
}

// stackSegment loads ss as the stack for ring r, raising #TS if the TSS
// holds an unusable selector.
func (c *CPU) stackSegment(ss ring0.Selector, r ring0.Ring) (Segment, error) {
	if ss.IsNull() {
		return Segment{}, &Fault{Vector: ring0.InvalidTSS}
	}
	d, err := c.descriptor(ss)
	if err != nil {
		var f *Fault
		if errors.As(err, &f) {
			return Segment{}, fault(ring0.InvalidTSS, ss)
		}
		return Segment{}, err
	}
	a := d.Access()
	if a.System() || a.Code() || a&ring0.AccessWritable == 0 || ss.RPL() != r || a.DPL() != r {
		return Segment{}, fault(ring0.InvalidTSS, ss)
	}
	if !a.Present() {
		return Segment{}, fault(ring0.StackSegmentFault, ss)
	}
	return loadSegment(d, ss), nil
}

// Interrupt delivers an interrupt to the handler at cs:eip, as through a
// 32-bit interrupt gate. The IDT is not modeled: the caller names the gate's
// target.
//
// If the handler is more privileged than the current code, the stack is
// switched to the one recorded in the TSS for the handler's ring and the old
// SS and ESP are pushed, followed by EFLAGS, CS and EIP. Otherwise only the
// last three are pushed, on the current stack.
func (c *CPU) Interrupt(cs ring0.Selector, eip uint32) error {
	if cs.IsNull() {
		return &Fault{Vector: ring0.GeneralProtectionFault}
	}
	d, err := c.descriptor(cs)
	if err != nil {
		return err
	}
	a := d.Access()
	if !a.Code() || a.DPL() > c.cpl {
		return fault(ring0.GeneralProtectionFault, cs)
	}
	if !a.Present() {
		return fault(ring0.SegmentNotPresent, cs)
	}

	var (
		frame []uint32
		ss    = c.segs[SS]
		esp   = c.esp
		cpl   = c.cpl
	)
	if a&ring0.AccessConforming == 0 && a.DPL() < c.cpl {
		cpl = a.DPL()
		sel, sp, err := c.tssStack(cpl)
		if err != nil {
			return err
		}
		if ss, err = c.stackSegment(sel, cpl); err != nil {
			return err
		}
		esp = sp
		frame = []uint32{uint32(c.segs[SS].Selector), c.esp}
	}
	frame = append(frame, c.eflags, uint32(c.segs[CS].Selector), c.eip)

	// Push, highest address first.
	size := uint32(4 * len(frame))
	esp -= size
	addr, err := ss.translate(ring0.StackSegmentFault, esp, size)
	if err != nil {
		return err
	}
	b := make([]byte, size)
	for i, v := range frame {
		hostarch.ByteOrder.PutUint32(b[size-uint32(4*(i+1)):], v)
	}
	if _, err := c.WriteAt(b, int64(addr)); err != nil {
		return err
	}

	if cpl != c.cpl {
		log.Debugf("sim: ring %d -> %d, stack %v:%#06x", c.cpl, cpl, ss.Selector, esp)
	}
	c.cpl = cpl
	c.segs[SS] = ss
	c.esp = esp
	c.segs[CS] = loadSegment(d, cs&^3|ring0.Selector(cpl))
	c.eip = eip
	c.eflags &^= eflagsIF | eflagsTF
	return nil
}
