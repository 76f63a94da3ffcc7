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
	"io"
	"time"

	"gvisor.dev/protseg/pkg/hostarch"
	"gvisor.dev/protseg/pkg/log"
)

// Loader loads the processor's system registers.
//
// These are the only operations that touch the processor. Each is called
// once per bring-up, LoadGDT first. An error means the processor faulted or
// the host refused the operation; the caller treats it as fatal.
type Loader interface {
	// LoadGDT loads the descriptor table register (lgdt).
	LoadGDT(p Pointer) error

	// LoadTR loads the task register (ltr). The referenced descriptor is
	// read from the table last passed to LoadGDT.
	LoadTR(sel Selector) error
}

// InitState is the progress of the bring-up sequence.
type InitState int

// Bring-up states, in order.
const (
	Unloaded InitState = iota
	TableLoaded
	TSSInstalled
	TaskRegisterLoaded
	Failed
)

// String implements fmt.Stringer.String.
func (s InitState) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case TableLoaded:
		return "table-loaded"
	case TSSInstalled:
		return "tss-installed"
	case TaskRegisterLoaded:
		return "task-register-loaded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("InitState(%d)", int(s))
	}
}

// StateError is returned when a bring-up step is called out of order.
type StateError struct {
	Op   string
	Have InitState
	Want InitState
}

// Error implements error.Error.
func (e *StateError) Error() string {
	return fmt.Sprintf("%s: kernel is %v, want %v", e.Op, e.Have, e.Want)
}

// ErrOverlap is returned when the table and the TSS share memory.
var ErrOverlap = errors.New("descriptor table and TSS overlap")

// KernelOpts are the options for a new kernel.
type KernelOpts struct {
	// Layout places the descriptors in the table.
	Layout Layout

	// GDTAddr is the physical address of the table.
	GDTAddr uint32

	// TSSAddr is the physical address of the TSS.
	TSSAddr uint32

	// KernelStack is the initial ring 0 stack top stored in the TSS.
	KernelStack uint32
}

// Kernel is the segmentation state of a single processor: its descriptor
// table, its TSS, and where both live in the target's memory.
//
// Kernel is not safe for concurrent use.
type Kernel struct {
	opts KernelOpts
	sel  Selectors
	mem  io.WriterAt

	gdt DescriptorTable
	tss TaskState32

	state InitState

	// err is the error that moved the kernel to Failed.
	err error

	stackLog log.Logger
}

// New returns a kernel that writes its structures into mem, which is indexed
// by physical address. Nothing is written until LoadTable.
func New(opts KernelOpts, mem io.WriterAt) (*Kernel, error) {
	if mem == nil {
		return nil, errors.New("no target memory")
	}
	gdt, err := BuildTable(opts.Layout)
	if err != nil {
		return nil, err
	}
	gdtEnd, ok := hostarch.Addr(opts.GDTAddr).AddLength(uint64(gdt.SizeBytes()))
	if !ok {
		return nil, fmt.Errorf("descriptor table at %v wraps the address space", hostarch.Addr(opts.GDTAddr))
	}
	tssEnd, ok := hostarch.Addr(opts.TSSAddr).AddLength(TaskState32Size)
	if !ok {
		return nil, fmt.Errorf("TSS at %v wraps the address space", hostarch.Addr(opts.TSSAddr))
	}
	if uint64(opts.GDTAddr) < tssEnd && uint64(opts.TSSAddr) < gdtEnd {
		return nil, fmt.Errorf("%w: table [%#x, %#x), TSS [%#x, %#x)", ErrOverlap, opts.GDTAddr, gdtEnd, opts.TSSAddr, tssEnd)
	}
	if opts.GDTAddr%SegmentDescriptorSize != 0 {
		log.Warningf("Descriptor table at %v is not %d-byte aligned", hostarch.Addr(opts.GDTAddr), SegmentDescriptorSize)
	}
	if crossesPage(opts.TSSAddr, TaskState32Size) {
		log.Warningf("TSS at %v crosses a page boundary", hostarch.Addr(opts.TSSAddr))
	}

	k := &Kernel{
		opts:     opts,
		sel:      opts.Layout.Selectors(),
		mem:      mem,
		gdt:      gdt,
		stackLog: log.BasicRateLimitedLogger(time.Second),
	}
	k.tss.init(k.sel, opts.KernelStack)
	return k, nil
}

// crossesPage returns true if [addr, addr+size) touches more than one page.
// The region must not wrap.
func crossesPage(addr uint32, size uint64) bool {
	first := hostarch.Addr(addr).RoundDown()
	last := hostarch.Addr(uint64(addr) + size - 1).RoundDown()
	return first != last
}

// step runs fn if the kernel is in state want, and advances it to next on
// success. Any error from fn is sticky.
func (k *Kernel) step(op string, want, next InitState, fn func() error) error {
	if k.state == Failed {
		return k.err
	}
	if k.state != want {
		return &StateError{Op: op, Have: k.state, Want: want}
	}
	if err := fn(); err != nil {
		k.err = fmt.Errorf("%s: %w", op, err)
		k.state = Failed
		log.Warningf("Segmentation bring-up failed: %v", k.err)
		return k.err
	}
	log.Infof("Segmentation %v -> %v", k.state, next)
	k.state = next
	return nil
}

// write copies b to physical address addr in the target memory.
func (k *Kernel) write(addr uint32, b []byte) error {
	n, err := k.mem.WriteAt(b, int64(addr))
	if err != nil {
		return fmt.Errorf("writing %d bytes at %v: %w", len(b), hostarch.Addr(addr), err)
	}
	if n != len(b) {
		return fmt.Errorf("writing %d bytes at %v: %w", len(b), hostarch.Addr(addr), io.ErrShortWrite)
	}
	return nil
}

// LoadTable places the table at its address and loads the table register.
// The TSS slot is still null.
func (k *Kernel) LoadTable(l Loader) error {
	return k.step("load table", Unloaded, TableLoaded, func() error {
		if err := k.write(k.opts.GDTAddr, k.gdt.Bytes()); err != nil {
			return err
		}
		p := k.Pointer()
		log.Debugf("lgdt %v", p)
		return l.LoadGDT(p)
	})
}

// InstallTSS places the TSS at its address and writes its descriptor into the
// loaded table.
func (k *Kernel) InstallTSS() error {
	return k.step("install TSS", TableLoaded, TSSInstalled, func() error {
		if err := k.write(k.opts.TSSAddr, k.tss.Bytes()); err != nil {
			return err
		}
		idx := k.opts.Layout.TSS
		if err := k.gdt.InstallTSS(idx, k.opts.TSSAddr, TaskState32Size); err != nil {
			return err
		}
		b := k.gdt[idx].Bytes()
		log.Debugf("TSS descriptor %d: %v", idx, k.gdt[idx])
		return k.write(k.opts.GDTAddr+uint32(idx*SegmentDescriptorSize), b[:])
	})
}

// LoadTaskRegister loads the task register with the TSS selector.
func (k *Kernel) LoadTaskRegister(l Loader) error {
	return k.step("load task register", TSSInstalled, TaskRegisterLoaded, func() error {
		log.Debugf("ltr %v", k.sel.TSS)
		return l.LoadTR(k.sel.TSS)
	})
}

// Init runs the whole bring-up: LoadTable, InstallTSS and LoadTaskRegister.
// On return without error, every selector in Selectors is usable and ring
// transitions switch to the TSS ring 0 stack.
func (k *Kernel) Init(l Loader) error {
	if err := k.LoadTable(l); err != nil {
		return err
	}
	if err := k.InstallTSS(); err != nil {
		return err
	}
	return k.LoadTaskRegister(l)
}

// SetKernelStack sets the ring 0 stack used on the next transition from ring
// 3. The caller must ensure no such transition happens concurrently, e.g. by
// disabling interrupts.
func (k *Kernel) SetKernelStack(esp0 uint32) error {
	if k.state == Failed {
		return k.err
	}
	if k.state < TSSInstalled {
		return &StateError{Op: "set kernel stack", Have: k.state, Want: TSSInstalled}
	}
	var b [4]byte
	hostarch.ByteOrder.PutUint32(b[:], esp0)
	if err := k.write(k.opts.TSSAddr+tssESP0Offset, b[:]); err != nil {
		return err
	}
	k.tss.ESP0 = esp0
	k.stackLog.Debugf("Kernel stack %#06x", esp0)
	return nil
}

// State returns the bring-up state.
func (k *Kernel) State() InitState {
	return k.state
}

// Err returns the error that failed bring-up, if any.
func (k *Kernel) Err() error {
	return k.err
}

// Selectors returns the table's selectors.
func (k *Kernel) Selectors() Selectors {
	return k.sel
}

// Pointer returns the table register value for the table.
func (k *Kernel) Pointer() Pointer {
	return k.gdt.Pointer(k.opts.GDTAddr)
}

// Table returns a copy of the table.
func (k *Kernel) Table() DescriptorTable {
	return append(DescriptorTable(nil), k.gdt...)
}

// TSS returns a copy of the TSS.
func (k *Kernel) TSS() TaskState32 {
	return k.tss
}

// Opts returns the kernel options.
func (k *Kernel) Opts() KernelOpts {
	return k.opts
}
