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
	"sync/atomic"

	"gvisor.dev/noirvisor/pkg/cpuid"
	"gvisor.dev/noirvisor/pkg/log"
	"gvisor.dev/noirvisor/pkg/platform"
	"gvisor.dev/noirvisor/pkg/svm/msr"
	"gvisor.dev/noirvisor/pkg/svm/vmcb"
)

// State is the lifecycle state of a Vcpu.
type State uint32

const (
	// StateUnconfigured is the state of a Vcpu whose resources are
	// allocated but whose VMCB is empty.
	StateUnconfigured State = iota

	// StateGuestConfigured indicates the VMCB describes the subverted
	// context and the world switch is about to run.
	StateGuestConfigured

	// StateActive indicates the processor runs as a guest.
	StateActive

	// StateHalted indicates the processor hit a fatal condition.
	StateHalted
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateGuestConfigured:
		return "guest-configured"
	case StateActive:
		return "active"
	case StateHalted:
		return "halted"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// Intercepts installed on every guest.
const (
	guestIntercepts1 = vmcb.InterceptCPUID | vmcb.InterceptINVLPGA | vmcb.InterceptIO | vmcb.InterceptMSR | vmcb.InterceptShutdown
	guestIntercepts2 = vmcb.InterceptVMRUN | vmcb.InterceptVMMCALL | vmcb.InterceptVMLOAD | vmcb.InterceptVMSAVE | vmcb.InterceptSTGI | vmcb.InterceptCLGI | vmcb.InterceptSKINIT
)

// guestRFLAGS is the RFLAGS value the guest resumes with: only the reserved
// bit 1 set.
const guestRFLAGS = 2

// Vcpu is the per-processor virtualization context. It implements
// platform.Guest.
type Vcpu struct {
	hv *Hypervisor
	id uint32

	vmcb  platform.MemoryDescriptor
	hsave platform.MemoryDescriptor
	hvmcb platform.MemoryDescriptor
	stack platform.MemoryDescriptor

	// proc is the processor this Vcpu subverted. It is set by Subvert.
	proc platform.Processor

	// top is the record at the top of the hypervisor stack.
	top *platform.StackTop

	// state is the lifecycle state.
	state atomic.Uint32

	apicID   uint32
	x2apicID uint32

	// fms is the family, model and stepping of the processor, kept for
	// INIT emulation.
	fms cpuid.Signature

	// exits counts exits by dispatch slot (informational only).
	exits struct {
		group1   [group1Codes]atomic.Uint64
		group2   [group2Codes]atomic.Uint64
		negative [negativeCodes]atomic.Uint64
		other    atomic.Uint64
	}
}

var _ platform.Guest = (*Vcpu)(nil)

// ID returns the index of this Vcpu.
func (v *Vcpu) ID() uint32 {
	return v.id
}

// State returns the lifecycle state.
func (v *Vcpu) State() State {
	return State(v.state.Load())
}

// APICID returns the xAPIC id recorded while preparing the guest.
func (v *Vcpu) APICID() uint32 {
	return v.apicID
}

// X2APICID returns the x2APIC id recorded while preparing the guest.
func (v *Vcpu) X2APICID() uint32 {
	return v.x2apicID
}

// Signature returns the processor signature cached during subversion.
func (v *Vcpu) Signature() cpuid.Signature {
	return v.fms
}

// VMCB returns the guest VMCB.
func (v *Vcpu) VMCB() vmcb.VMCB {
	return vmcb.New(v.vmcb.Virt)
}

// VMCBPhys returns the physical address of the guest VMCB.
func (v *Vcpu) VMCBPhys() uint64 {
	return v.vmcb.Phys
}

// HostVMCBPhys returns the physical address of the host VMCB.
func (v *Vcpu) HostVMCBPhys() uint64 {
	return v.hvmcb.Phys
}

// HostSavePhys returns the physical address of the host save area.
func (v *Vcpu) HostSavePhys() uint64 {
	return v.hsave.Phys
}

// StackTop returns the record placed at the top of the hypervisor stack, or
// nil before Subvert.
func (v *Vcpu) StackTop() *platform.StackTop {
	return v.top
}

// Subvert enables SVM on p and turns the running context into a guest.
// It must run on p.
func (v *Vcpu) Subvert(p platform.Processor) {
	log.Infof("Processor %d entered subversion routine!", v.id)
	v.proc = p

	p.WriteMSR(msr.EFER, p.ReadMSR(msr.EFER)|msr.EFERSVME)
	// R_INIT delivers INIT as #SX.
	p.WriteMSR(msr.VMCR, p.ReadMSR(msr.VMCR)|msr.VMCRRInit)
	p.WriteMSR(msr.HSavePA, v.hsave.Phys)
	v.fms = cpuid.FeatureSet{Function: p}.Signature()

	v.top = platform.PlaceStackTop(v.stack.Virt, platform.StackTop{
		GuestVMCBPA: v.vmcb.Phys,
		HostVMCBPA:  v.hvmcb.Phys,
		Vcpu:        v.id,
		ProcID:      p.ID(),
	})
	p.SubvertProcessor(v.top, v)

	if v.state.CompareAndSwap(uint32(StateGuestConfigured), uint32(StateActive)) {
		log.Infof("Processor %d completed subversion!", v.id)
	}
}

// PrepareGuest implements platform.Guest.PrepareGuest. It fills the VMCB
// with the current processor state so that the guest resumes at the
// guest-entry trampoline with stack pointer rsp.
func (v *Vcpu) PrepareGuest(rsp uint64) uint64 {
	p := v.proc
	vm := v.VMCB()
	var s platform.ProcessorState
	p.SaveState(&s)

	// Control area.
	vmcb.Or(vm, vmcb.InterceptInstruction1, guestIntercepts1)
	vmcb.Or(vm, vmcb.InterceptInstruction2, guestIntercepts2)

	// Host state.
	p.VMSave(v.hvmcb.Phys)

	fs := cpuid.FeatureSet{Function: p}
	v.apicID = fs.APICID()
	v.x2apicID = fs.X2APICID()

	for _, seg := range []struct {
		off vmcb.Offset
		reg platform.SegmentRegister
	}{
		{vmcb.GuestCS, s.CS},
		{vmcb.GuestDS, s.DS},
		{vmcb.GuestES, s.ES},
		{vmcb.GuestFS, s.FS},
		{vmcb.GuestGS, s.GS},
		{vmcb.GuestSS, s.SS},
		{vmcb.GuestTR, s.TR},
		{vmcb.GuestLDTR, s.LDTR},
		{vmcb.GuestIDTR, s.IDTR},
		{vmcb.GuestGDTR, s.GDTR},
	} {
		vm.WriteSegment(seg.off, seg.reg)
	}
	vmcb.Write(vm, vmcb.GuestCR0, s.CR0)
	vmcb.Write(vm, vmcb.GuestCR2, s.CR2)
	vmcb.Write(vm, vmcb.GuestCR3, s.CR3)
	vmcb.Write(vm, vmcb.GuestCR4, s.CR4)
	vmcb.Write(vm, vmcb.GuestDR6, s.DR6)
	vmcb.Write(vm, vmcb.GuestDR7, s.DR7)
	vmcb.Write(vm, vmcb.GuestRFLAGS, uint64(guestRFLAGS))
	vmcb.Write(vm, vmcb.GuestRSP, rsp)
	vm.SetGuestRIP(p.GuestEntry())

	// Hidden state.
	p.VMSave(v.vmcb.Phys)

	for _, r := range []struct {
		off vmcb.Offset
		val uint64
	}{
		{vmcb.GuestPAT, s.PAT},
		{vmcb.GuestEFER, s.EFER},
		{vmcb.GuestSTAR, s.STAR},
		{vmcb.GuestLSTAR, s.LSTAR},
		{vmcb.GuestCSTAR, s.CSTAR},
		{vmcb.GuestSFMASK, s.SFMASK},
		{vmcb.GuestKernelGSBase, s.KernelGSBase},
		{vmcb.GuestSysenterCS, s.SysenterCS},
		{vmcb.GuestSysenterESP, s.SysenterESP},
		{vmcb.GuestSysenterEIP, s.SysenterEIP},
	} {
		vmcb.Write(vm, r.off, r.val)
	}

	vmcb.Write(vm, vmcb.IOPMPhysicalAddress, v.hv.iopm.Phys)
	vmcb.Write(vm, vmcb.MSRPMPhysicalAddress, v.hv.msrpm.Phys)
	vmcb.Write(vm, vmcb.GuestASID, uint32(1))
	if v.hv.npt != nil {
		vmcb.Write(vm, vmcb.NPTControl, vmcb.NPTControlEnable)
		vmcb.Write(vm, vmcb.NPTCR3, v.hv.npt.NCR3())
	}

	p.VMLoad(v.vmcb.Phys)
	v.state.CompareAndSwap(uint32(StateUnconfigured), uint32(StateGuestConfigured))
	log.Infof("Processor %d completed setting up VMCB", v.id)
	return v.vmcb.Phys
}

// HandleExit implements platform.Guest.HandleExit.
//
// Handlers see the guest's rax in gpr.Rax, and whatever they leave there is
// stored back as the guest's rax. On return gpr.Rax holds the guest VMCB
// address for the next vmrun.
func (v *Vcpu) HandleExit(gpr *platform.GprState) {
	vm := v.VMCB()
	code := ExitCode(vm.ExitCode())
	v.count(code)
	handler := Dispatch(code)
	gpr.Rax = vm.GuestRAX()
	v.logExit(code, gpr)
	handler(v, gpr)
	vm.SetGuestRAX(gpr.Rax)
	gpr.Rax = v.top.GuestVMCBPA
}

// counter returns the exit counter for code.
func (v *Vcpu) counter(code ExitCode) *atomic.Uint64 {
	if code < 0 {
		if i := ^code; i < negativeCodes {
			return &v.exits.negative[i]
		}
		return &v.exits.other
	}
	index := uint64(code) & groupMask
	switch uint64(code) >> groupShift {
	case 0:
		if index < group1Codes {
			return &v.exits.group1[index]
		}
	case 1:
		if index < group2Codes {
			return &v.exits.group2[index]
		}
	}
	return &v.exits.other
}

func (v *Vcpu) count(code ExitCode) {
	v.counter(code).Add(1)
}

// Exits returns the number of exits handled per exit code. Codes outside
// the dispatch tables are summed in other.
func (v *Vcpu) Exits() (counts map[ExitCode]uint64, other uint64) {
	counts = make(map[ExitCode]uint64)
	for i := range v.exits.group1 {
		if n := v.exits.group1[i].Load(); n != 0 {
			counts[ExitCode(i)] = n
		}
	}
	for i := range v.exits.group2 {
		if n := v.exits.group2[i].Load(); n != 0 {
			counts[ExitCode(1<<groupShift|i)] = n
		}
	}
	for i := range v.exits.negative {
		if n := v.exits.negative[i].Load(); n != 0 {
			counts[^ExitCode(i)] = n
		}
	}
	return counts, v.exits.other.Load()
}
