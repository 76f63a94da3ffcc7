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

// Package ring0 sets up i386 protected-mode segmentation: the global
// descriptor table, the 32-bit task state segment, and the order in which the
// processor is told about them.
//
// The descriptor table holds a flat model (every segment covers the whole
// 4GiB address space), so protection is left to paging. Its only non-trivial
// entry is the TSS descriptor, which the processor uses to find the ring 0
// stack on a transition from ring 3.
//
// Bring-up is driven by a Kernel:
//
//	k, err := ring0.New(ring0.KernelOpts{...}, mem)
//	...
//	err = k.Init(loader) // lgdt, install TSS, ltr.
package ring0
