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
	"unsafe"

	"gvisor.dev/protseg/pkg/hostarch"
)

// TaskState32Size is the architectural size of a 32-bit TSS.
const TaskState32Size = 104

// TaskState32 is a 32-bit task state structure (Intel SDM Vol. 3, 8.2.1).
//
// Every 16-bit selector is followed by a reserved 16-bit field so that all
// fields sit at their architectural offsets.
type TaskState32 struct {
	Link      uint16
	_         uint16
	ESP0      uint32
	SS0       uint16
	_         uint16
	ESP1      uint32
	SS1       uint16
	_         uint16
	ESP2      uint32
	SS2       uint16
	_         uint16
	CR3       uint32
	EIP       uint32
	EFLAGS    uint32
	EAX       uint32
	ECX       uint32
	EDX       uint32
	EBX       uint32
	ESP       uint32
	EBP       uint32
	ESI       uint32
	EDI       uint32
	ES        uint16
	_         uint16
	CS        uint16
	_         uint16
	SS        uint16
	_         uint16
	DS        uint16
	_         uint16
	FS        uint16
	_         uint16
	GS        uint16
	_         uint16
	LDT       uint16
	_         uint16
	Trap      uint16
	IOMapBase uint16
}

// Both directions: a size mismatch fails to compile.
var (
	_ [TaskState32Size - unsafe.Sizeof(TaskState32{})]struct{}
	_ [unsafe.Sizeof(TaskState32{}) - TaskState32Size]struct{}
)

// Offset of ESP0 within the TSS; SetKernelStack rewrites only these bytes.
const tssESP0Offset = 4

// NewTaskState32 returns a TSS initialized for the table selectors sel, with
// ring 0 stack top esp0.
func NewTaskState32(sel Selectors, esp0 uint32) TaskState32 {
	var t TaskState32
	t.init(sel, esp0)
	return t
}

// init presets the fields used before the first task switch: the ring 0
// stack, the ring 3 selectors and the I/O map base.
func (t *TaskState32) init(sel Selectors, esp0 uint32) {
	*t = TaskState32{}
	t.SS0 = uint16(sel.KernelData)
	t.ESP0 = esp0

	// Kernel selectors with RPL 3.
	user := func(s Selector) uint16 {
		return uint16(s&^selectorRPLMask | Selector(Ring3))
	}
	t.CS = user(sel.KernelCode)
	t.SS = user(sel.KernelData)
	t.DS = user(sel.KernelData)
	t.ES = user(sel.KernelData)
	t.FS = user(sel.KernelData)
	t.GS = user(sel.KernelData)

	// Set the I/O bitmap base address beyond the last byte in the TSS
	// to block access to the entire I/O address range.
	//
	// From section 18.5.2 "I/O Permission Bit Map" from Intel SDM vol1:
	// I/O addresses not spanned by the map are treated as if they had set
	// bits in the map.
	t.IOMapBase = TaskState32Size
}

// SizeBytes returns the in-memory size of the TSS.
func (*TaskState32) SizeBytes() int {
	return TaskState32Size
}

// MarshalBytes writes t to dst and returns the remainder of dst. Reserved
// fields are written as zero.
func (t *TaskState32) MarshalBytes(dst []byte) []byte {
	dst = putSelector(dst, t.Link)
	dst = putUint32(dst, t.ESP0)
	dst = putSelector(dst, t.SS0)
	dst = putUint32(dst, t.ESP1)
	dst = putSelector(dst, t.SS1)
	dst = putUint32(dst, t.ESP2)
	dst = putSelector(dst, t.SS2)
	dst = putUint32(dst, t.CR3)
	dst = putUint32(dst, t.EIP)
	dst = putUint32(dst, t.EFLAGS)
	dst = putUint32(dst, t.EAX)
	dst = putUint32(dst, t.ECX)
	dst = putUint32(dst, t.EDX)
	dst = putUint32(dst, t.EBX)
	dst = putUint32(dst, t.ESP)
	dst = putUint32(dst, t.EBP)
	dst = putUint32(dst, t.ESI)
	dst = putUint32(dst, t.EDI)
	dst = putSelector(dst, t.ES)
	dst = putSelector(dst, t.CS)
	dst = putSelector(dst, t.SS)
	dst = putSelector(dst, t.DS)
	dst = putSelector(dst, t.FS)
	dst = putSelector(dst, t.GS)
	dst = putSelector(dst, t.LDT)
	hostarch.ByteOrder.PutUint16(dst[:2], t.Trap)
	dst = dst[2:]
	hostarch.ByteOrder.PutUint16(dst[:2], t.IOMapBase)
	return dst[2:]
}

// UnmarshalBytes reads t from src and returns the remainder of src. Reserved
// fields are skipped.
func (t *TaskState32) UnmarshalBytes(src []byte) []byte {
	src = getSelector(src, &t.Link)
	src = getUint32(src, &t.ESP0)
	src = getSelector(src, &t.SS0)
	src = getUint32(src, &t.ESP1)
	src = getSelector(src, &t.SS1)
	src = getUint32(src, &t.ESP2)
	src = getSelector(src, &t.SS2)
	src = getUint32(src, &t.CR3)
	src = getUint32(src, &t.EIP)
	src = getUint32(src, &t.EFLAGS)
	src = getUint32(src, &t.EAX)
	src = getUint32(src, &t.ECX)
	src = getUint32(src, &t.EDX)
	src = getUint32(src, &t.EBX)
	src = getUint32(src, &t.ESP)
	src = getUint32(src, &t.EBP)
	src = getUint32(src, &t.ESI)
	src = getUint32(src, &t.EDI)
	src = getSelector(src, &t.ES)
	src = getSelector(src, &t.CS)
	src = getSelector(src, &t.SS)
	src = getSelector(src, &t.DS)
	src = getSelector(src, &t.FS)
	src = getSelector(src, &t.GS)
	src = getSelector(src, &t.LDT)
	t.Trap = hostarch.ByteOrder.Uint16(src[:2])
	src = src[2:]
	t.IOMapBase = hostarch.ByteOrder.Uint16(src[:2])
	return src[2:]
}

// Bytes returns the in-memory form of t.
func (t *TaskState32) Bytes() []byte {
	b := make([]byte, TaskState32Size)
	t.MarshalBytes(b)
	return b
}

func putUint32(dst []byte, v uint32) []byte {
	hostarch.ByteOrder.PutUint32(dst[:4], v)
	return dst[4:]
}

// putSelector writes a 16-bit selector followed by its reserved half.
func putSelector(dst []byte, v uint16) []byte {
	hostarch.ByteOrder.PutUint16(dst[:2], v)
	dst = dst[2:]
	// Padding: dst[:sizeof(uint16)] ~= uint16(0)
	hostarch.ByteOrder.PutUint16(dst[:2], 0)
	return dst[2:]
}

func getUint32(src []byte, v *uint32) []byte {
	*v = hostarch.ByteOrder.Uint32(src[:4])
	return src[4:]
}

func getSelector(src []byte, v *uint16) []byte {
	*v = hostarch.ByteOrder.Uint16(src[:2])
	// Padding: ~ copy(uint16(0), src[2:4])
	return src[4:]
}
