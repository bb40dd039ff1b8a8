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

package platform

import "fmt"

// SegmentRegister is an unpacked segment register.
//
// Attrib holds the attribute bits in the descriptor layout: type, S, DPL and
// P in bits 0-7, AVL, L, D/B and G in bits 12-15.
type SegmentRegister struct {
	Selector uint16
	Attrib   uint16
	Limit    uint32
	Base     uint64
}

// ProcessorState is the processor state captured before subversion.
type ProcessorState struct {
	CS, DS, ES, FS, GS, SS, TR, GDTR, IDTR, LDTR SegmentRegister

	CR0, CR2, CR3, CR4, CR8 uint64

	DR0, DR1, DR2, DR3, DR6, DR7 uint64

	SysenterCS, SysenterESP, SysenterEIP uint64

	DebugCtl uint64
	PAT      uint64
	EFER     uint64
	STAR     uint64
	LSTAR    uint64
	CSTAR    uint64
	SFMASK   uint64
	FSBase   uint64
	GSBase   uint64

	// KernelGSBase is the value swapped in by swapgs.
	KernelGSBase uint64
}

// GprState is the general purpose register snapshot saved by the exit
// trampoline. The field order is the instruction encoding order, so that
// Read and Write can address registers by their 0-15 number.
type GprState struct {
	Rax uint64
	Rcx uint64
	Rdx uint64
	Rbx uint64
	Rsp uint64
	Rbp uint64
	Rsi uint64
	Rdi uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64
}

// NumGPRs is the number of registers in a GprState.
const NumGPRs = 16

// Read returns register index. ok is false if index is not a register.
func (g *GprState) Read(index uint64) (value uint64, ok bool) {
	if index >= NumGPRs {
		return 0, false
	}
	return g.regs()[index], true
}

// Write sets register index. Writes to an invalid index are ignored.
func (g *GprState) Write(index uint64, value uint64) {
	if index < NumGPRs {
		g.regs()[index] = value
	}
}

var gprNames = [NumGPRs]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

// String implements fmt.Stringer.
func (g *GprState) String() string {
	regs := g.regs()
	var s string
	for i, name := range gprNames {
		if i != 0 {
			s += " "
		}
		s += fmt.Sprintf("%s=0x%016x", name, regs[i])
	}
	return s
}

// StackTop is the record placed at the top of each processor's hypervisor
// stack and read by the world-switch trampolines.
type StackTop struct {
	GuestVMCBPA uint64
	HostVMCBPA  uint64

	// Vcpu is the index of the owning virtual processor in the
	// hypervisor's table.
	Vcpu uint32

	// ProcID is the processor id.
	ProcID uint32
}

// StackTopSize is the size of a StackTop as laid out on the stack.
const StackTopSize = 24
