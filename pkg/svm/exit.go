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
	"gvisor.dev/noirvisor/pkg/cpuid"
	"gvisor.dev/noirvisor/pkg/log"
	"gvisor.dev/noirvisor/pkg/mshv"
	"gvisor.dev/noirvisor/pkg/platform"
	"gvisor.dev/noirvisor/pkg/svm/npt"
	"gvisor.dev/noirvisor/pkg/svm/vmcb"
)

// ExitHandler handles one class of VM exit.
type ExitHandler func(v *Vcpu, gpr *platform.GprState)

// rflagsTF is the trap flag.
const rflagsTF = 1 << 8

// Exit handler tables. Codes with no handler of their own go to
// handleUnknown.
var (
	group1   [group1Codes]ExitHandler
	group2   [group2Codes]ExitHandler
	negative [negativeCodes]ExitHandler

	groups = [...][]ExitHandler{group1[:], group2[:]}
)

func init() {
	for _, g := range [][]ExitHandler{group1[:], group2[:], negative[:]} {
		for i := range g {
			g[i] = handleUnknown
		}
	}
	group1[ExitCPUID] = handleCPUID
	group1[ExitShutdown] = handleShutdown
	group1[ExitVMRun] = handleNestedVMCB
	group1[ExitVMMCall] = handleVMMCall
	group1[ExitVMLoad] = handleNestedVMCB
	group1[ExitVMSave] = handleNestedVMCB
	group1[ExitSTGI] = handleNested
	group1[ExitCLGI] = handleNested
	group1[ExitSKInit] = handleNested
	group2[ExitNPF&groupMask] = handleNPF
	negative[^ExitInvalid] = handleInvalid
}

// Dispatch returns the handler for code in constant time.
//
// Non-negative codes are split into a group (code >> 10) and an index within
// the group (code & 0x3ff). Negative codes index their own table by ^code.
func Dispatch(code ExitCode) ExitHandler {
	if code < 0 {
		if i := ^code; i < negativeCodes {
			return negative[i]
		}
		return handleUnknown
	}
	group := uint64(code) >> groupShift
	if group >= uint64(len(groups)) {
		return handleUnknown
	}
	index := uint64(code) & groupMask
	if index >= uint64(len(groups[group])) {
		return handleUnknown
	}
	return groups[group][index]
}

// handleUnknown logs the exit and resumes the guest without advancing RIP.
func handleUnknown(v *Vcpu, _ *platform.GprState) {
	code := uint64(v.VMCB().ExitCode())
	v.hv.unknownLog.For(code).Warningf("Unknown VM-Exit is intercepted! Code: 0x%016X", code)
}

// handleCPUID emulates cpuid: synthetic leaves come from the hypervisor
// table, others from the processor with hypervisor presence set and SVM
// hidden.
func handleCPUID(v *Vcpu, gpr *platform.GprState) {
	in := cpuid.In{Eax: uint32(gpr.Rax), Ecx: uint32(gpr.Rcx)}
	var out cpuid.Out
	if mshv.IsSynthetic(in.Eax) {
		out = mshv.Query(in)
	} else {
		out = v.proc.Query(in)
		switch in.Eax {
		case cpuid.LeafFeatureInfo:
			out.Ecx |= cpuid.FeatureInfoECXHypervisor
		case cpuid.LeafExtendedFeature:
			out.Ecx &^= cpuid.ExtendedFeatureECXSVM
		case cpuid.LeafSVMFeatures:
			out = cpuid.Out{}
		}
	}
	setLow32(&gpr.Rax, out.Eax)
	setLow32(&gpr.Rbx, out.Ebx)
	setLow32(&gpr.Rcx, out.Ecx)
	setLow32(&gpr.Rdx, out.Edx)
	v.advanceRIP()
}

// setLow32 replaces the low 32 bits of r.
func setLow32(r *uint64, x uint32) {
	*r = *r&^0xFFFFFFFF | uint64(x)
}

// advanceRIP skips the intercepted instruction. If the guest is single
// stepping, a #DB is queued so the debugger sees the step.
func (v *Vcpu) advanceRIP() {
	vm := v.VMCB()
	vm.SetGuestRIP(vm.NextRIP())
	if vm.GuestRFLAGS()&rflagsTF != 0 {
		vm.Inject(vmcb.NewEvent(vmcb.VectorDebug, vmcb.EventException))
	}
}

func handleShutdown(v *Vcpu, _ *platform.GprState) {
	v.halt("Shutdown occured!")
}

func handleNestedVMCB(v *Vcpu, gpr *platform.GprState) {
	v.halt("Nested virtualization is unsupported! Nested VMCB RAX=0x%016X", gpr.Rax)
}

func handleNested(v *Vcpu, _ *platform.GprState) {
	v.halt("Nested virtualization is unsupported!")
}

func handleVMMCall(v *Vcpu, gpr *platform.GprState) {
	v.halt("Hypercall is unsupported! Code: 0x%08X", uint32(gpr.Rax))
}

func handleNPF(v *Vcpu, _ *platform.GprState) {
	vm := v.VMCB()
	fault := npt.FaultCode(vm.ExitInfo1())
	v.halt("Nested Page Fault is intercepted! GPA=0x%016X\nReason: %v", vm.ExitInfo2(), fault)
}

func handleInvalid(v *Vcpu, _ *platform.GprState) {
	v.halt("Invalid State! Exit Code: 0x%X", uint64(v.VMCB().ExitCode()))
}

// logExit records one exit at debug level.
func (v *Vcpu) logExit(code ExitCode, gpr *platform.GprState) {
	if log.IsLogging(log.Debug) {
		log.Debugf("Processor %d: %v exit at rip=%#x rax=%#x", v.id, code, v.VMCB().GuestRIP(), gpr.Rax)
	}
}
