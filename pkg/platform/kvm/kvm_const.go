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

// KVM ioctls.
//
// Only the ioctls we need in Go appear here.
const (
	_KVM_GET_API_VERSION        = 0xae00
	_KVM_CREATE_VM              = 0xae01
	_KVM_CREATE_VCPU            = 0xae41
	_KVM_SET_USER_MEMORY_REGION = 0x4020ae46
	_KVM_GET_SREGS              = 0x8138ae83
	_KVM_SET_SREGS              = 0x4138ae84
)

// KVM limits.
const (
	_KVM_NR_INTERRUPTS = 0x100
)

// _KVM_API_VERSION is the only stable API version.
const _KVM_API_VERSION = 12

// Control register bits.
const (
	_CR0_PE = 1 << 0
)
