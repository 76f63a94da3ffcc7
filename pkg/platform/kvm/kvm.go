// Copyright 2018 The gVisor Authors.
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

//go:build linux && amd64
// +build linux,amd64

// Package kvm provides a platform whose processor is a KVM virtual CPU.
//
// Physical memory is an anonymous host mapping registered as the guest's
// memory at address zero. Loading the descriptor table and task registers
// sets the vCPU's system registers; the vCPU is never run.
package kvm

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/protseg/pkg/cleanup"
	"gvisor.dev/protseg/pkg/hostarch"
	"gvisor.dev/protseg/pkg/log"
	"gvisor.dev/protseg/pkg/platform"
	"gvisor.dev/protseg/pkg/ring0"
)

// DevicePath is the KVM device.
const DevicePath = "/dev/kvm"

func init() {
	platform.Register("kvm", func(opts platform.Opts) (platform.Platform, error) {
		return New(opts)
	})
}

// ErrInvalidTSS is returned by LoadTR when the selector does not reference
// an available 32-bit TSS.
var ErrInvalidTSS = errors.New("selector does not reference an available TSS")

// KVM is a virtual machine with a single vCPU.
type KVM struct {
	platform.Memory

	// fd, vm and vcpu are the device, VM and vCPU files.
	fd   int
	vm   int
	vcpu int

	// gdtr is the last value passed to LoadGDT.
	gdtr ring0.Pointer

	// release closes the files and unmaps memory, in reverse order of
	// acquisition.
	release func() error
}

// New returns a new KVM-based platform.
func New(opts platform.Opts) (*KVM, error) {
	size, err := opts.Size()
	if err != nil {
		return nil, err
	}

	// Try opening KVM.
	fd, err := unix.Open(DevicePath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", DevicePath, err)
	}
	cu := cleanup.MakeErr(func() error { return unix.Close(fd) })
	defer cu.Clean()

	if v, err := ioctl(fd, _KVM_GET_API_VERSION, 0); err != nil {
		return nil, fmt.Errorf("getting API version: %w", err)
	} else if v != _KVM_API_VERSION {
		return nil, fmt.Errorf("unsupported KVM API version %d", v)
	}

	// Create a new VM fd.
	vm, err := ioctl(fd, _KVM_CREATE_VM, 0)
	if err != nil {
		return nil, fmt.Errorf("creating VM: %w", err)
	}
	cu.AddErr(func() error { return unix.Close(int(vm)) })

	// Allocate physical memory.
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("allocating %d bytes of memory: %w", size, err)
	}
	cu.AddErr(func() error { return unix.Munmap(mem) })
	if err := setUserMemoryRegion(int(vm), mem); err != nil {
		return nil, err
	}

	vcpu, err := ioctl(int(vm), _KVM_CREATE_VCPU, 0)
	if err != nil {
		return nil, fmt.Errorf("creating vCPU: %w", err)
	}
	cu.AddErr(func() error { return unix.Close(int(vcpu)) })

	k := &KVM{
		Memory: mem,
		fd:     fd,
		vm:     int(vm),
		vcpu:   int(vcpu),
	}

	// Enter protected mode. Segment registers keep their real-mode
	// contents until reloaded.
	var sregs systemRegs
	if err := k.getSystemRegisters(&sregs); err != nil {
		return nil, err
	}
	sregs.CR0 |= _CR0_PE
	if err := k.setSystemRegisters(&sregs); err != nil {
		return nil, err
	}

	k.release = cu.Release()
	log.Infof("KVM: vm %d, vcpu %d, %#x bytes of memory", k.vm, k.vcpu, size)
	return k, nil
}

// LoadGDT implements ring0.Loader.LoadGDT.
func (k *KVM) LoadGDT(p ring0.Pointer) error {
	var sregs systemRegs
	if err := k.getSystemRegisters(&sregs); err != nil {
		return err
	}
	sregs.GDT.base = uint64(p.Base)
	sregs.GDT.limit = p.Limit
	if err := k.setSystemRegisters(&sregs); err != nil {
		return err
	}
	k.gdtr = p
	return nil
}

// LoadTR implements ring0.Loader.LoadTR.
//
// KVM loads the register as given, so the checks made by ltr are repeated
// here. As with ltr, the descriptor is marked busy in guest memory.
func (k *KVM) LoadTR(sel ring0.Selector) error {
	if sel.IsNull() || sel.LDT() || !k.gdtr.Covers(sel) {
		return fmt.Errorf("%w: %v", ErrInvalidTSS, sel)
	}
	addr := int64(k.gdtr.Base) + int64(sel.Index()*ring0.SegmentDescriptorSize)
	var b [ring0.SegmentDescriptorSize]byte
	if _, err := k.ReadAt(b[:], addr); err != nil {
		return fmt.Errorf("reading descriptor %v: %w", sel, err)
	}
	d := ring0.DescriptorFromBytes(b)
	a := d.Access()
	if !a.Present() || !a.System() || a.Type() != ring0.TypeTSS32Available {
		return fmt.Errorf("%w: %v is %v", ErrInvalidTSS, sel, d)
	}

	var sregs systemRegs
	if err := k.getSystemRegisters(&sregs); err != nil {
		return err
	}
	sregs.TR.Load(d, sel)
	sregs.TR.typ = uint8(ring0.TypeTSS32Busy)
	if err := markBusy(k.Memory, addr, a, func() error {
		return k.setSystemRegisters(&sregs)
	}); err != nil {
		return err
	}
	log.Debugf("KVM: tr %v base=%v limit=%#x", sel, hostarch.Addr(d.Base()), d.Limit())
	return nil
}

// markBusy marks the TSS descriptor at addr, whose access byte is a, busy
// and then calls load. If load fails the descriptor is marked available
// again, so memory and the register never disagree.
func markBusy(m platform.Memory, addr int64, a ring0.Access, load func() error) error {
	accessAddr := addr + 5
	busy := a&^ring0.Access(0xF) | ring0.TypeTSS32Busy
	if _, err := m.WriteAt([]byte{byte(busy)}, accessAddr); err != nil {
		return fmt.Errorf("marking TSS busy: %w", err)
	}
	if err := load(); err != nil {
		if _, rerr := m.WriteAt([]byte{byte(a)}, accessAddr); rerr != nil {
			log.Warningf("KVM: restoring TSS descriptor at %#x: %v", addr, rerr)
		}
		return err
	}
	return nil
}

// Registers implements platform.Platform.Registers.
func (k *KVM) Registers() (platform.SystemRegisters, error) {
	var sregs systemRegs
	if err := k.getSystemRegisters(&sregs); err != nil {
		return platform.SystemRegisters{}, err
	}
	return platform.SystemRegisters{
		ProtectedMode: sregs.CR0&_CR0_PE != 0,
		GDTR: ring0.Pointer{
			Limit: sregs.GDT.limit,
			Base:  uint32(sregs.GDT.base),
		},
		TR:      ring0.Selector(sregs.TR.selector),
		TRBase:  uint32(sregs.TR.base),
		TRLimit: sregs.TR.limit,
		TRBusy:  sregs.TR.typ == uint8(ring0.TypeTSS32Busy),
	}, nil
}

// Close implements platform.Platform.Close.
func (k *KVM) Close() error {
	if k.release == nil {
		return nil
	}
	err := k.release()
	k.release = nil
	k.Memory = nil
	return err
}
