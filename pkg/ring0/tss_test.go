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
	"testing"
	"unsafe"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/protseg/pkg/hostarch"
)

func TestTaskStateOffsets(t *testing.T) {
	var tss TaskState32
	for _, tc := range []struct {
		field string
		got   uintptr
		want  uintptr
	}{
		{"Link", unsafe.Offsetof(tss.Link), 0},
		{"ESP0", unsafe.Offsetof(tss.ESP0), tssESP0Offset},
		{"SS0", unsafe.Offsetof(tss.SS0), 8},
		{"ESP1", unsafe.Offsetof(tss.ESP1), 12},
		{"SS1", unsafe.Offsetof(tss.SS1), 16},
		{"ESP2", unsafe.Offsetof(tss.ESP2), 20},
		{"SS2", unsafe.Offsetof(tss.SS2), 24},
		{"CR3", unsafe.Offsetof(tss.CR3), 28},
		{"EIP", unsafe.Offsetof(tss.EIP), 32},
		{"EFLAGS", unsafe.Offsetof(tss.EFLAGS), 36},
		{"EAX", unsafe.Offsetof(tss.EAX), 40},
		{"EDI", unsafe.Offsetof(tss.EDI), 68},
		{"ES", unsafe.Offsetof(tss.ES), 72},
		{"CS", unsafe.Offsetof(tss.CS), 76},
		{"SS", unsafe.Offsetof(tss.SS), 80},
		{"DS", unsafe.Offsetof(tss.DS), 84},
		{"FS", unsafe.Offsetof(tss.FS), 88},
		{"GS", unsafe.Offsetof(tss.GS), 92},
		{"LDT", unsafe.Offsetof(tss.LDT), 96},
		{"Trap", unsafe.Offsetof(tss.Trap), 100},
		{"IOMapBase", unsafe.Offsetof(tss.IOMapBase), 102},
	} {
		if tc.got != tc.want {
			t.Errorf("offset of %s = %d, want %d", tc.field, tc.got, tc.want)
		}
	}
}

func TestTaskStateMarshal(t *testing.T) {
	want := TaskState32{
		Link:      0x1111,
		ESP0:      0x22222222,
		SS0:       0x10,
		ESP2:      0x33333333,
		CR3:       0x00400000,
		EFLAGS:    0x202,
		EDI:       0x44444444,
		CS:        0x1B,
		GS:        0x23,
		LDT:       0x30,
		Trap:      1,
		IOMapBase: TaskState32Size,
	}
	b := want.Bytes()
	if len(b) != TaskState32Size {
		t.Fatalf("len(Bytes()) = %d, want %d", len(b), TaskState32Size)
	}

	// Spot check the packed form against the architectural offsets.
	if got := hostarch.ByteOrder.Uint32(b[4:]); got != want.ESP0 {
		t.Errorf("ESP0 bytes = %#x, want %#x", got, want.ESP0)
	}
	if got := hostarch.ByteOrder.Uint16(b[76:]); got != want.CS {
		t.Errorf("CS bytes = %#x, want %#x", got, want.CS)
	}
	if got := hostarch.ByteOrder.Uint16(b[102:]); got != want.IOMapBase {
		t.Errorf("IOMapBase bytes = %#x, want %#x", got, want.IOMapBase)
	}
	for _, off := range []int{2, 10, 18, 26, 74, 78, 82, 86, 90, 94, 98} {
		if b[off] != 0 || b[off+1] != 0 {
			t.Errorf("reserved bytes at %d = %x, want zero", off, b[off:off+2])
		}
	}

	var got TaskState32
	if rest := got.UnmarshalBytes(b); len(rest) != 0 {
		t.Fatalf("UnmarshalBytes left %d bytes", len(rest))
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("UnmarshalBytes mismatch (-want +got):\n%s", diff)
	}
}

func TestTaskStateInit(t *testing.T) {
	var tss TaskState32
	tss.EAX = 0xdead
	tss.init(DefaultLayout().Selectors(), 0x90000)

	want := TaskState32{
		ESP0:      0x90000,
		SS0:       0x10,
		CS:        0x0B,
		SS:        0x13,
		DS:        0x13,
		ES:        0x13,
		FS:        0x13,
		GS:        0x13,
		IOMapBase: TaskState32Size,
	}
	if diff := cmp.Diff(want, tss); diff != "" {
		t.Errorf("init mismatch (-want +got):\n%s", diff)
	}
}
