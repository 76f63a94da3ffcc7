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
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/protseg/pkg/hostarch"
)

// memory is a flat physical memory.
type memory []byte

func (m memory) WriteAt(b []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(b)) > int64(len(m)) {
		return 0, io.EOF
	}
	return copy(m[off:], b), nil
}

// recorder is a Loader that records its calls and snapshots memory as the
// processor would see it at each call.
type recorder struct {
	mem   memory
	calls []string
	gdt   []byte
	err   error
}

func (r *recorder) LoadGDT(p Pointer) error {
	r.calls = append(r.calls, fmt.Sprintf("lgdt %v", p))
	r.gdt = append([]byte(nil), r.mem[p.Base:uint32(p.Base)+uint32(p.Limit)+1]...)
	return r.err
}

func (r *recorder) LoadTR(sel Selector) error {
	r.calls = append(r.calls, fmt.Sprintf("ltr %v", sel))
	return r.err
}

var testOpts = KernelOpts{
	Layout:      DefaultLayout(),
	GDTAddr:     0x1000,
	TSSAddr:     0x2000,
	KernelStack: 0x9000,
}

func newTestKernel(t *testing.T) (*Kernel, *recorder) {
	t.Helper()
	r := &recorder{mem: make(memory, 4*hostarch.PageSize)}
	k, err := New(testOpts, r.mem)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return k, r
}

func TestNew(t *testing.T) {
	mem := make(memory, hostarch.PageSize)
	for _, tc := range []struct {
		name string
		opts KernelOpts
		mem  io.WriterAt
		want error
	}{
		{"overlap", KernelOpts{Layout: DefaultLayout(), GDTAddr: 0x1000, TSSAddr: 0x1020}, mem, ErrOverlap},
		{"adjacent", KernelOpts{Layout: DefaultLayout(), GDTAddr: 0x1000, TSSAddr: 0x1030}, mem, nil},
		{"bad layout", KernelOpts{Layout: Layout{}}, mem, ErrInvalidLayout},
		{"top of memory", KernelOpts{Layout: DefaultLayout(), GDTAddr: 0x1000, TSSAddr: 1<<32 - TaskState32Size}, mem, nil},
	} {
		_, err := New(tc.opts, tc.mem)
		if !errors.Is(err, tc.want) {
			t.Errorf("%s: New() = %v, want %v", tc.name, err, tc.want)
		}
	}
	if _, err := New(testOpts, nil); err == nil {
		t.Errorf("New(nil memory) succeeded")
	}
	if _, err := New(KernelOpts{Layout: DefaultLayout(), TSSAddr: 0x1000, GDTAddr: 1<<32 - 8}, mem); err == nil {
		t.Errorf("New with wrapping table succeeded")
	}
}

func TestInit(t *testing.T) {
	k, r := newTestKernel(t)
	if err := k.Init(r); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if got := k.State(); got != TaskRegisterLoaded {
		t.Errorf("State() = %v, want %v", got, TaskRegisterLoaded)
	}
	want := []string{
		"lgdt base=0x001000 limit=0x2f",
		"ltr 0x28",
	}
	if diff := cmp.Diff(want, r.calls); diff != "" {
		t.Errorf("loader calls mismatch (-want +got):\n%s", diff)
	}

	// The table was in place, with an empty TSS slot, when it was loaded.
	gdt, _ := BuildTable(DefaultLayout())
	if diff := cmp.Diff(gdt.Bytes(), r.gdt); diff != "" {
		t.Errorf("table at lgdt mismatch (-want +got):\n%s", diff)
	}

	// After bring-up, memory holds the installed descriptor and the TSS.
	var entry [SegmentDescriptorSize]byte
	copy(entry[:], r.mem[0x1000+5*SegmentDescriptorSize:])
	if d := DescriptorFromBytes(entry); d.Base() != 0x2000 || d.Limit() != TaskState32Size-1 {
		t.Errorf("TSS descriptor in memory = %v", d)
	}
	var tss TaskState32
	tss.UnmarshalBytes(r.mem[0x2000:])
	if diff := cmp.Diff(k.TSS(), tss); diff != "" {
		t.Errorf("TSS in memory mismatch (-want +got):\n%s", diff)
	}
}

func TestOutOfOrder(t *testing.T) {
	k, r := newTestKernel(t)

	var se *StateError
	if err := k.InstallTSS(); !errors.As(err, &se) || se.Have != Unloaded || se.Want != TableLoaded {
		t.Errorf("InstallTSS before LoadTable = %v, want StateError", err)
	}
	if err := k.LoadTaskRegister(r); !errors.As(err, &se) {
		t.Errorf("LoadTaskRegister before InstallTSS = %v, want StateError", err)
	}
	if err := k.SetKernelStack(0x8000); !errors.As(err, &se) {
		t.Errorf("SetKernelStack before InstallTSS = %v, want StateError", err)
	}
	if len(r.calls) != 0 {
		t.Errorf("loader called out of order: %v", r.calls)
	}
	if k.State() != Unloaded {
		t.Errorf("State() = %v, want %v", k.State(), Unloaded)
	}

	if err := k.LoadTable(r); err != nil {
		t.Fatalf("LoadTable failed: %v", err)
	}
	if err := k.LoadTable(r); !errors.As(err, &se) {
		t.Errorf("second LoadTable = %v, want StateError", err)
	}
	if len(r.calls) != 1 {
		t.Errorf("loader calls = %v, want exactly one", r.calls)
	}
}

func TestStickyFailure(t *testing.T) {
	k, r := newTestKernel(t)
	fault := errors.New("fault")
	if err := k.LoadTable(r); err != nil {
		t.Fatalf("LoadTable failed: %v", err)
	}
	if err := k.InstallTSS(); err != nil {
		t.Fatalf("InstallTSS failed: %v", err)
	}
	r.err = fault
	if err := k.LoadTaskRegister(r); !errors.Is(err, fault) {
		t.Fatalf("LoadTaskRegister = %v, want %v", err, fault)
	}
	if k.State() != Failed {
		t.Errorf("State() = %v, want %v", k.State(), Failed)
	}

	r.err = nil
	for name, fn := range map[string]func() error{
		"LoadTaskRegister": func() error { return k.LoadTaskRegister(r) },
		"Init":             func() error { return k.Init(r) },
		"SetKernelStack":   func() error { return k.SetKernelStack(0) },
	} {
		if err := fn(); !errors.Is(err, fault) {
			t.Errorf("%s after failure = %v, want %v", name, err, fault)
		}
	}
	if len(r.calls) != 2 {
		t.Errorf("loader calls = %v, want 2", r.calls)
	}
}

func TestMemoryFailure(t *testing.T) {
	r := &recorder{mem: make(memory, 0x1800)}
	k, err := New(testOpts, r.mem)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := k.LoadTable(r); err != nil {
		t.Fatalf("LoadTable failed: %v", err)
	}
	// The TSS at 0x2000 is past the end of memory.
	if err := k.InstallTSS(); err == nil || k.State() != Failed {
		t.Errorf("InstallTSS = %v, state %v; want error and %v", err, k.State(), Failed)
	}
	if !errors.Is(k.Err(), io.EOF) {
		t.Errorf("Err() = %v, want %v", k.Err(), io.EOF)
	}
}

func TestSetKernelStack(t *testing.T) {
	k, r := newTestKernel(t)
	if err := k.Init(r); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	before := append([]byte(nil), r.mem[0x2000:0x2000+TaskState32Size]...)
	if err := k.SetKernelStack(0x7ff0); err != nil {
		t.Fatalf("SetKernelStack failed: %v", err)
	}
	if got := hostarch.ByteOrder.Uint32(r.mem[0x2000+4:]); got != 0x7ff0 {
		t.Errorf("ESP0 in memory = %#x, want 0x7ff0", got)
	}
	if k.TSS().ESP0 != 0x7ff0 {
		t.Errorf("TSS().ESP0 = %#x, want 0x7ff0", k.TSS().ESP0)
	}
	after := r.mem[0x2000 : 0x2000+TaskState32Size]
	for i := range before {
		if i >= 4 && i < 8 {
			continue
		}
		if before[i] != after[i] {
			t.Errorf("byte %d of TSS changed: %#x -> %#x", i, before[i], after[i])
		}
	}
}

func TestAccessors(t *testing.T) {
	k, _ := newTestKernel(t)
	tbl := k.Table()
	tbl[1] = SegmentDescriptor{}
	if k.Table()[1] != KernelCodeSegment() {
		t.Errorf("Table() returned the kernel's own slice")
	}
	if k.Selectors() != DefaultLayout().Selectors() {
		t.Errorf("Selectors() = %+v", k.Selectors())
	}
	if k.Opts() != testOpts {
		t.Errorf("Opts() = %+v, want %+v", k.Opts(), testOpts)
	}
}

func TestCrossesPage(t *testing.T) {
	for _, tc := range []struct {
		addr uint32
		size uint64
		want bool
	}{
		{0x2000, TaskState32Size, false},
		{0x2000 - TaskState32Size, TaskState32Size, false},
		{0x2000 - TaskState32Size + 1, TaskState32Size, true},
		{0x2fff, 1, false},
		{0x2fff, 2, true},
		{0xffffffff - TaskState32Size + 1, TaskState32Size, false},
	} {
		if got := crossesPage(tc.addr, tc.size); got != tc.want {
			t.Errorf("crossesPage(%#x, %d) = %t, want %t", tc.addr, tc.size, got, tc.want)
		}
	}
}
