// Copyright 2024 The gVisor Authors.
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

// Package msr defines the model-specific registers the SVM core touches.
package msr

// Register indexes.
const (
	SysenterCS   uint32 = 0x174
	SysenterESP  uint32 = 0x175
	SysenterEIP  uint32 = 0x176
	DebugCtl     uint32 = 0x1D9
	PAT          uint32 = 0x277
	EFER         uint32 = 0xC0000080
	STAR         uint32 = 0xC0000081
	LSTAR        uint32 = 0xC0000082
	CSTAR        uint32 = 0xC0000083
	SFMASK       uint32 = 0xC0000084
	FSBase       uint32 = 0xC0000100
	GSBase       uint32 = 0xC0000101
	KernelGSBase uint32 = 0xC0000102

	// VMCR is the AMD virtual machine control register.
	VMCR uint32 = 0xC0010114

	// HSavePA holds the physical address of the host save area.
	HSavePA uint32 = 0xC0010117
)

// EFER bits.
const (
	EFERSCE  uint64 = 1 << 0
	EFERLME  uint64 = 1 << 8
	EFERLMA  uint64 = 1 << 10
	EFERNXE  uint64 = 1 << 11
	EFERSVME uint64 = 1 << 12
)

// VMCR bits.
const (
	VMCRDisableDebugPort uint64 = 1 << 0
	VMCRRInit            uint64 = 1 << 1
	VMCRDisableA20M      uint64 = 1 << 2
	VMCRLock             uint64 = 1 << 3
	VMCRSVMDisable       uint64 = 1 << 4
)

// Name returns a short name for index, or "" if it is not known here.
func Name(index uint32) string {
	return names[index]
}

var names = map[uint32]string{
	SysenterCS:   "SYSENTER_CS",
	SysenterESP:  "SYSENTER_ESP",
	SysenterEIP:  "SYSENTER_EIP",
	DebugCtl:     "DEBUGCTL",
	PAT:          "PAT",
	EFER:         "EFER",
	STAR:         "STAR",
	LSTAR:        "LSTAR",
	CSTAR:        "CSTAR",
	SFMASK:       "SFMASK",
	FSBase:       "FS_BASE",
	GSBase:       "GS_BASE",
	KernelGSBase: "KERNEL_GS_BASE",
	VMCR:         "VM_CR",
	HSavePA:      "VM_HSAVE_PA",
}
