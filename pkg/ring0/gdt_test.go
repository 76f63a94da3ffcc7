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
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLayoutValidate(t *testing.T) {
	for _, tc := range []struct {
		name string
		l    Layout
		ok   bool
	}{
		{"default", DefaultLayout(), true},
		{"sparse", Layout{KernelCode: 2, KernelData: 3, UserCode: 6, UserData: 7, TSS: 9}, true},
		{"null slot", Layout{KernelCode: 0, KernelData: 2, UserCode: 3, UserData: 4, TSS: 5}, false},
		{"negative", Layout{KernelCode: 1, KernelData: 2, UserCode: 3, UserData: 4, TSS: -1}, false},
		{"duplicate", Layout{KernelCode: 1, KernelData: 2, UserCode: 3, UserData: 3, TSS: 5}, false},
		{"too large", Layout{KernelCode: 1, KernelData: 2, UserCode: 3, UserData: 4, TSS: MaxEntries}, false},
	} {
		err := tc.l.Validate()
		if tc.ok && err != nil {
			t.Errorf("%s: Validate() = %v, want nil", tc.name, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidLayout) {
			t.Errorf("%s: Validate() = %v, want %v", tc.name, err, ErrInvalidLayout)
		}
	}
}

func TestBuildTable(t *testing.T) {
	l := DefaultLayout()
	gdt, err := BuildTable(l)
	if err != nil {
		t.Fatalf("BuildTable failed: %v", err)
	}
	want := DescriptorTable{
		{},
		KernelCodeSegment(),
		KernelDataSegment(),
		UserCodeSegment(),
		UserDataSegment(),
		{},
	}
	if diff := cmp.Diff(want, gdt, cmp.AllowUnexported(SegmentDescriptor{})); diff != "" {
		t.Errorf("BuildTable mismatch (-want +got):\n%s", diff)
	}

	// Every flat segment covers the whole address space.
	for _, i := range []int{l.KernelCode, l.KernelData, l.UserCode, l.UserData} {
		if first, last := gdt[i].Span(); first != 0 || last != 1<<32-1 {
			t.Errorf("entry %d spans [%#x, %#x], want [0, 0xffffffff]", i, first, last)
		}
	}
}

func TestFlatSegments(t *testing.T) {
	for _, tc := range []struct {
		name string
		d    SegmentDescriptor
		want [SegmentDescriptorSize]byte
	}{
		{"kernel code", KernelCodeSegment(), [8]byte{0xFF, 0xFF, 0x00, 0x00, 0x00, 0x9A, 0xCF, 0x00}},
		{"kernel data", KernelDataSegment(), [8]byte{0xFF, 0xFF, 0x00, 0x00, 0x00, 0x92, 0xCF, 0x00}},
		{"user code", UserCodeSegment(), [8]byte{0xFF, 0xFF, 0x00, 0x00, 0x00, 0xFA, 0xCF, 0x00}},
		{"user data", UserDataSegment(), [8]byte{0xFF, 0xFF, 0x00, 0x00, 0x00, 0xF2, 0xCF, 0x00}},
	} {
		if diff := cmp.Diff(tc.want, tc.d.Bytes()); diff != "" {
			t.Errorf("%s: Bytes() mismatch (-want +got):\n%s", tc.name, diff)
		}
	}
}

func TestBuildTableIndependent(t *testing.T) {
	l := DefaultLayout()
	first, err := BuildTable(l)
	if err != nil {
		t.Fatalf("BuildTable failed: %v", err)
	}
	first[l.KernelCode] = MustEncode(0x1000, 0xFF, AccessPresent|AccessData, 0)
	first[l.UserData].setNull()

	second, err := BuildTable(l)
	if err != nil {
		t.Fatalf("BuildTable failed: %v", err)
	}
	if second[l.KernelCode] != KernelCodeSegment() {
		t.Errorf("kernel code = %v, want %v", second[l.KernelCode], KernelCodeSegment())
	}
	if second[l.UserData] != UserDataSegment() {
		t.Errorf("user data = %v, want %v", second[l.UserData], UserDataSegment())
	}
}

func TestNullEntry(t *testing.T) {
	for _, l := range []Layout{
		DefaultLayout(),
		{KernelCode: 5, KernelData: 4, UserCode: 3, UserData: 2, TSS: 1},
		{KernelCode: 1, KernelData: 2, UserCode: 7, UserData: 8, TSS: 3},
	} {
		gdt, err := BuildTable(l)
		if err != nil {
			t.Fatalf("BuildTable(%+v) failed: %v", l, err)
		}
		if err := gdt.InstallTSS(l.TSS, 0x2000, TaskState32Size); err != nil {
			t.Fatalf("InstallTSS failed: %v", err)
		}
		if b := gdt.Bytes(); !cmp.Equal(b[:SegmentDescriptorSize], make([]byte, SegmentDescriptorSize)) {
			t.Errorf("layout %+v: entry 0 = %x, want zeroes", l, b[:SegmentDescriptorSize])
		}
	}
}

func TestLayoutSelectors(t *testing.T) {
	want := Selectors{
		KernelCode: 0x08,
		KernelData: 0x10,
		UserCode:   0x1B,
		UserData:   0x23,
		TSS:        0x28,
	}
	if diff := cmp.Diff(want, DefaultLayout().Selectors()); diff != "" {
		t.Errorf("Selectors mismatch (-want +got):\n%s", diff)
	}
}

func TestInstallTSS(t *testing.T) {
	const (
		addr = 0x00104000
		size = TaskState32Size
	)
	l := DefaultLayout()
	gdt, err := BuildTable(l)
	if err != nil {
		t.Fatalf("BuildTable failed: %v", err)
	}
	if err := gdt.InstallTSS(l.TSS, addr, size); err != nil {
		t.Fatalf("InstallTSS failed: %v", err)
	}
	first := gdt[l.TSS].Bytes()

	want := DescriptorFields{
		Base:   addr,
		Limit:  size - 1,
		Access: AccessPresent | AccessDPL(Ring3) | TypeTSS32Available,
		Flags:  FlagGranularityByte,
	}
	if diff := cmp.Diff(want, gdt[l.TSS].Decode()); diff != "" {
		t.Errorf("TSS descriptor mismatch (-want +got):\n%s", diff)
	}

	// Idempotent.
	if err := gdt.InstallTSS(l.TSS, addr, size); err != nil {
		t.Fatalf("second InstallTSS failed: %v", err)
	}
	if second := gdt[l.TSS].Bytes(); second != first {
		t.Errorf("second InstallTSS changed the entry: %x -> %x", first, second)
	}
}

func TestInstallTSSRejects(t *testing.T) {
	gdt, err := BuildTable(DefaultLayout())
	if err != nil {
		t.Fatalf("BuildTable failed: %v", err)
	}
	for _, tc := range []struct {
		name  string
		index int
		size  uint32
	}{
		{"null slot", 0, TaskState32Size},
		{"past end", len(gdt), TaskState32Size},
		{"empty", 5, 0},
		{"too large", 5, MaxLimit + 2},
	} {
		if err := gdt.InstallTSS(tc.index, 0x1000, tc.size); !errors.Is(err, ErrInvalidTSS) {
			t.Errorf("%s: InstallTSS = %v, want %v", tc.name, err, ErrInvalidTSS)
		}
	}
	if !gdt[5].IsNull() {
		t.Errorf("rejected installs modified the table: %v", gdt[5])
	}
	if err := gdt.InstallTSS(5, 0x1000, MaxLimit+1); err != nil {
		t.Errorf("InstallTSS(size=%#x) = %v, want nil", MaxLimit+1, err)
	}
}

func TestPointer(t *testing.T) {
	gdt, err := BuildTable(DefaultLayout())
	if err != nil {
		t.Fatalf("BuildTable failed: %v", err)
	}
	p := gdt.Pointer(0x00101000)
	if p.Limit != 6*SegmentDescriptorSize-1 || p.Base != 0x00101000 {
		t.Errorf("Pointer = %v, want limit %#x base 0x101000", p, 6*SegmentDescriptorSize-1)
	}
	if p.Entries() != 6 {
		t.Errorf("Entries() = %d, want 6", p.Entries())
	}
	if !p.Covers(0x28) || p.Covers(0x30) {
		t.Errorf("Covers: got (0x28: %t, 0x30: %t), want (true, false)", p.Covers(0x28), p.Covers(0x30))
	}

	b := make([]byte, PointerSize)
	if rest := p.MarshalBytes(b); len(rest) != 0 {
		t.Fatalf("MarshalBytes left %d bytes", len(rest))
	}
	if diff := cmp.Diff([]byte{0x2F, 0x00, 0x00, 0x10, 0x10, 0x00}, b); diff != "" {
		t.Errorf("MarshalBytes mismatch (-want +got):\n%s", diff)
	}
	var back Pointer
	back.UnmarshalBytes(b)
	if back != p {
		t.Errorf("UnmarshalBytes = %v, want %v", back, p)
	}
}

func TestEndToEnd(t *testing.T) {
	const (
		a = 0x0010F000
		s = TaskState32Size
	)
	l := Layout{KernelCode: 1, KernelData: 2, UserCode: 3, UserData: 4, TSS: 5}
	gdt, err := BuildTable(l)
	if err != nil {
		t.Fatalf("BuildTable failed: %v", err)
	}
	if err := gdt.InstallTSS(5, a, s); err != nil {
		t.Fatalf("InstallTSS failed: %v", err)
	}

	// Decode from the in-memory form, as the processor would.
	var entry [SegmentDescriptorSize]byte
	copy(entry[:], gdt.Bytes()[5*SegmentDescriptorSize:])
	d := DescriptorFromBytes(entry)
	if d.Base() != a || d.Limit() != s-1 {
		t.Errorf("entry 5: base %#x limit %#x, want base %#x limit %#x", d.Base(), d.Limit(), a, s-1)
	}

	for i, want := range []struct {
		dpl   Ring
		code  bool
		flags Flags
	}{
		1: {Ring0, true, FlagGranularity4K | FlagSize32},
		2: {Ring0, false, FlagGranularity4K | FlagSize32},
		3: {Ring3, true, FlagGranularity4K | FlagSize32},
		4: {Ring3, false, FlagGranularity4K | FlagSize32},
	} {
		if i == 0 {
			continue
		}
		d := gdt[i]
		if d.DPL() != want.dpl || d.Access().Code() != want.code || d.Flags() != want.flags {
			t.Errorf("entry %d = %v, want dpl %d code %t flags %v", i, d, want.dpl, want.code, want.flags)
		}
	}
}
