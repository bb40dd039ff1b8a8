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

package svm

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
	"gvisor.dev/noirvisor/pkg/log"
)

// FatalError is the panic value of a core that hit a condition it cannot
// recover from after subversion. Platform glue must not recover it on real
// hardware; the processor stays halted.
type FatalError struct {
	// Vcpu is the index of the halted virtual processor.
	Vcpu uint32

	// Code is the exit being handled.
	Code ExitCode

	// Msg describes the condition.
	Msg string

	// RIP is the guest instruction pointer at the exit.
	RIP uint64

	// Instruction is the guest instruction at RIP, decoded from the bytes
	// fetched by the processor, or empty if none were fetched.
	Instruction string
}

// Error implements error.Error.
func (e *FatalError) Error() string {
	return e.Msg
}

// Details renders everything known about the halt.
func (e *FatalError) Details() string {
	s := fmt.Sprintf("vcpu %d halted on %v exit at rip=%#x: %s", e.Vcpu, e.Code, e.RIP, e.Msg)
	if e.Instruction != "" {
		s += fmt.Sprintf(" [%s]", e.Instruction)
	}
	return s
}

// decodeInstruction renders the 64-bit instruction in b at rip.
func decodeInstruction(b []byte, rip uint64) string {
	if len(b) == 0 {
		return ""
	}
	inst, err := x86asm.Decode(b, 64)
	if err != nil {
		return fmt.Sprintf("undecodable % x", b)
	}
	return x86asm.IntelSyntax(inst, rip, nil)
}

// halt stops the vcpu with a fatal error. It does not return.
func (v *Vcpu) halt(format string, args ...any) {
	vm := v.VMCB()
	e := &FatalError{
		Vcpu:        v.id,
		Code:        ExitCode(vm.ExitCode()),
		Msg:         fmt.Sprintf(format, args...),
		RIP:         vm.GuestRIP(),
		Instruction: decodeInstruction(vm.InstructionBytes(), vm.GuestRIP()),
	}
	v.state.Store(uint32(StateHalted))
	log.Warningf("%s", e.Details())
	panic(e)
}
