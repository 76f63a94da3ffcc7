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

//go:build linux && amd64
// +build linux,amd64

package kvm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl issues an ioctl with an integer argument.
func ioctl(fd int, req, arg uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return 0, errno
	}
	return r, nil
}

// setUserMemoryRegion maps mem at guest physical address zero.
func setUserMemoryRegion(vm int, mem []byte) error {
	region := userMemoryRegion{
		slot:          0,
		guestPhysAddr: 0,
		memorySize:    uint64(len(mem)),
		userspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}
	if _, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		uintptr(vm),
		_KVM_SET_USER_MEMORY_REGION,
		uintptr(unsafe.Pointer(&region))); errno != 0 {
		return fmt.Errorf("error setting user memory region: %v", errno)
	}
	return nil
}

// setSystemRegisters sets system registers.
func (k *KVM) setSystemRegisters(sregs *systemRegs) error {
	if _, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		uintptr(k.vcpu),
		_KVM_SET_SREGS,
		uintptr(unsafe.Pointer(sregs))); errno != 0 {
		return fmt.Errorf("error setting system registers: %v", errno)
	}
	return nil
}

// getSystemRegisters gets system registers.
func (k *KVM) getSystemRegisters(sregs *systemRegs) error {
	if _, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		uintptr(k.vcpu),
		_KVM_GET_SREGS,
		uintptr(unsafe.Pointer(sregs))); errno != 0 {
		return fmt.Errorf("error getting system registers: %v", errno)
	}
	return nil
}

// Both directions: a size mismatch with kvm_sregs fails to compile.
var (
	_ [312 - unsafe.Sizeof(systemRegs{})]struct{}
	_ [unsafe.Sizeof(systemRegs{}) - 312]struct{}
)
