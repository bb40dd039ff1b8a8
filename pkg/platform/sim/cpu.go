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

package sim

import (
	"fmt"
	"sync"

	"gvisor.dev/noirvisor/pkg/cpuid"
	"gvisor.dev/noirvisor/pkg/log"
	"gvisor.dev/noirvisor/pkg/platform"
	"gvisor.dev/noirvisor/pkg/svm/msr"
	"gvisor.dev/noirvisor/pkg/svm/vmcb"
)

const (
	// guestEntry is the address reported by GuestEntry.
	guestEntry = 0xFFFFF80000401000

	// guestStackBase is the stack pointer handed to PrepareGuest on
	// processor 0; each processor is guestStackStride lower.
	guestStackBase   = 0xFFFFF8007FFF0000
	guestStackStride = 0x10000

	// kernelBase is where per-processor kernel structures are placed.
	kernelBase = 0xFFFFF80000000000
)

// CPU is one simulated logical processor. It implements platform.Processor.
type CPU struct {
	m     *Machine
	id    uint32
	cpuid cpuid.Static

	// mu protects the fields below.
	mu sync.Mutex

	msrs   map[uint32]uint64
	state  platform.ProcessorState
	saves  []uint64
	loads  []uint64
	top    *platform.StackTop
	guest  platform.Guest
	gpa    uint64
	halt   any
	active bool
}

func newCPU(m *Machine, id uint32, static cpuid.Static, svmDisabled bool) *CPU {
	c := &CPU{
		m:     m,
		id:    id,
		cpuid: static.WithAPICID(id),
		msrs: map[uint32]uint64{
			msr.EFER:         msr.EFERSCE | msr.EFERLME | msr.EFERLMA | msr.EFERNXE,
			msr.PAT:          0x0007040600070406,
			msr.STAR:         0x0023001000000000,
			msr.LSTAR:        kernelBase + 0x1C0000,
			msr.CSTAR:        kernelBase + 0x1C0040,
			msr.SFMASK:       0x4700,
			msr.SysenterCS:   0x10,
			msr.SysenterESP:  kernelBase + 0x200000 + uint64(id)*0x6000,
			msr.SysenterEIP:  kernelBase + 0x1C0080,
			msr.FSBase:       0,
			msr.GSBase:       kernelBase + 0x100000 + uint64(id)*0x1000,
			msr.KernelGSBase: 0x7FF000000000 + uint64(id)*0x1000,
			msr.VMCR:         0,
			msr.HSavePA:      0,
		},
	}
	if svmDisabled {
		c.msrs[msr.VMCR] |= msr.VMCRSVMDisable
	}
	per := uint64(id) * 0x1000
	c.state = platform.ProcessorState{
		CS:   platform.SegmentRegister{Selector: 0x10, Attrib: 0xA09B},
		SS:   platform.SegmentRegister{Selector: 0x18, Attrib: 0xC093},
		DS:   platform.SegmentRegister{Selector: 0x2B, Attrib: 0xC0F3, Limit: 0xFFFFFFFF},
		ES:   platform.SegmentRegister{Selector: 0x2B, Attrib: 0xC0F3, Limit: 0xFFFFFFFF},
		FS:   platform.SegmentRegister{Selector: 0x53, Attrib: 0x40F3, Limit: 0x3C00},
		GS:   platform.SegmentRegister{Selector: 0x2B, Attrib: 0xC0F3, Limit: 0xFFFFFFFF},
		TR:   platform.SegmentRegister{Selector: 0x40, Attrib: 0x008B, Limit: 0x67, Base: kernelBase + 0x300000 + per},
		GDTR: platform.SegmentRegister{Limit: 0x57, Base: kernelBase + 0x310000 + per},
		IDTR: platform.SegmentRegister{Limit: 0xFFF, Base: kernelBase + 0x320000 + per},
		CR0:  0x80050033,
		CR3:  0x1AD000,
		CR4:  0x350EF8,
		DR6:  0xFFFF0FF0,
		DR7:  0x400,
	}
	return c
}

// ID implements platform.Processor.ID.
func (c *CPU) ID() uint32 {
	return c.id
}

// Query implements cpuid.Function.Query.
func (c *CPU) Query(in cpuid.In) cpuid.Out {
	return c.cpuid.Query(in)
}

// ReadMSR implements platform.FeatureProber.ReadMSR.
func (c *CPU) ReadMSR(index uint32) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.msrs[index]
	if !ok {
		panic(fmt.Sprintf("sim: CPU %d: rdmsr of unimplemented MSR %#x", c.id, index))
	}
	return v
}

// WriteMSR implements platform.Processor.WriteMSR.
func (c *CPU) WriteMSR(index uint32, value uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.msrs[index]; !ok {
		panic(fmt.Sprintf("sim: CPU %d: wrmsr of unimplemented MSR %#x", c.id, index))
	}
	if index == msr.EFER && value&msr.EFERSVME != 0 && c.msrs[msr.VMCR]&msr.VMCRSVMDisable != 0 {
		panic(fmt.Sprintf("sim: CPU %d: #GP setting EFER.SVME with SVM disabled", c.id))
	}
	log.Debugf("CPU %d: wrmsr %s = %#x", c.id, msr.Name(index), value)
	c.msrs[index] = value
}

// SaveState implements platform.Processor.SaveState.
func (c *CPU) SaveState(state *platform.ProcessorState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	*state = c.state
	state.FS.Base = c.msrs[msr.FSBase]
	state.GS.Base = c.msrs[msr.GSBase]
	state.FSBase = c.msrs[msr.FSBase]
	state.GSBase = c.msrs[msr.GSBase]
	state.KernelGSBase = c.msrs[msr.KernelGSBase]
	state.EFER = c.msrs[msr.EFER]
	state.PAT = c.msrs[msr.PAT]
	state.STAR = c.msrs[msr.STAR]
	state.LSTAR = c.msrs[msr.LSTAR]
	state.CSTAR = c.msrs[msr.CSTAR]
	state.SFMASK = c.msrs[msr.SFMASK]
	state.SysenterCS = c.msrs[msr.SysenterCS]
	state.SysenterESP = c.msrs[msr.SysenterESP]
	state.SysenterEIP = c.msrs[msr.SysenterEIP]
}

// vmcbAt returns the VMCB at pa.
func (c *CPU) vmcbAt(op string, pa uint64) vmcb.VMCB {
	b := c.m.Lookup(pa, vmcb.Size)
	if b == nil {
		panic(fmt.Sprintf("sim: CPU %d: %s of unmapped VMCB %#x", c.id, op, pa))
	}
	return vmcb.New(b)
}

// VMSave implements platform.Processor.VMSave. It stores FS, GS, TR, LDTR
// and the syscall MSRs into the VMCB at pa.
func (c *CPU) VMSave(pa uint64) {
	v := c.vmcbAt("vmsave", pa)
	var s platform.ProcessorState
	c.SaveState(&s)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.saves = append(c.saves, pa)
	v.WriteSegment(vmcb.GuestFS, s.FS)
	v.WriteSegment(vmcb.GuestGS, s.GS)
	v.WriteSegment(vmcb.GuestTR, s.TR)
	v.WriteSegment(vmcb.GuestLDTR, s.LDTR)
	vmcb.Write(v, vmcb.GuestKernelGSBase, s.KernelGSBase)
	vmcb.Write(v, vmcb.GuestSTAR, s.STAR)
	vmcb.Write(v, vmcb.GuestLSTAR, s.LSTAR)
	vmcb.Write(v, vmcb.GuestCSTAR, s.CSTAR)
	vmcb.Write(v, vmcb.GuestSFMASK, s.SFMASK)
	vmcb.Write(v, vmcb.GuestSysenterCS, s.SysenterCS)
	vmcb.Write(v, vmcb.GuestSysenterESP, s.SysenterESP)
	vmcb.Write(v, vmcb.GuestSysenterEIP, s.SysenterEIP)
}

// VMLoad implements platform.Processor.VMLoad. It loads the state VMSave
// stores from the VMCB at pa.
func (c *CPU) VMLoad(pa uint64) {
	v := c.vmcbAt("vmload", pa)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.loads = append(c.loads, pa)
	fs := v.ReadSegment(vmcb.GuestFS)
	gs := v.ReadSegment(vmcb.GuestGS)
	c.state.FS = fs
	c.state.GS = gs
	c.state.TR = v.ReadSegment(vmcb.GuestTR)
	c.state.LDTR = v.ReadSegment(vmcb.GuestLDTR)
	c.msrs[msr.FSBase] = fs.Base
	c.msrs[msr.GSBase] = gs.Base
	c.msrs[msr.KernelGSBase] = vmcb.Read[uint64](v, vmcb.GuestKernelGSBase)
	c.msrs[msr.STAR] = vmcb.Read[uint64](v, vmcb.GuestSTAR)
	c.msrs[msr.LSTAR] = vmcb.Read[uint64](v, vmcb.GuestLSTAR)
	c.msrs[msr.CSTAR] = vmcb.Read[uint64](v, vmcb.GuestCSTAR)
	c.msrs[msr.SFMASK] = vmcb.Read[uint64](v, vmcb.GuestSFMASK)
	c.msrs[msr.SysenterCS] = vmcb.Read[uint64](v, vmcb.GuestSysenterCS)
	c.msrs[msr.SysenterESP] = vmcb.Read[uint64](v, vmcb.GuestSysenterESP)
	c.msrs[msr.SysenterEIP] = vmcb.Read[uint64](v, vmcb.GuestSysenterEIP)
}

// GuestEntry implements platform.Processor.GuestEntry.
func (c *CPU) GuestEntry() uint64 {
	return guestEntry
}

// GuestStack returns the stack pointer this processor hands to
// PrepareGuest.
func (c *CPU) GuestStack() uint64 {
	return guestStackBase - uint64(c.id)*guestStackStride
}

// SubvertProcessor implements platform.Processor.SubvertProcessor.
//
// It calls guest.PrepareGuest, checks the conditions vmrun checks, and marks
// the processor active. Later exits are delivered by Machine.Exit.
func (c *CPU) SubvertProcessor(top *platform.StackTop, guest platform.Guest) {
	c.mu.Lock()
	if c.active || c.halt != nil {
		c.mu.Unlock()
		panic(fmt.Sprintf("sim: CPU %d subverted twice", c.id))
	}
	c.top = top
	c.guest = guest
	c.mu.Unlock()

	gpa := guest.PrepareGuest(c.GuestStack())

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkVMRun(gpa); err != nil {
		panic(err.Error())
	}
	c.gpa = gpa
	c.active = true
	log.Debugf("CPU %d: vmrun %#x", c.id, gpa)
}

// checkVMRun performs the consistency checks of vmrun that the simulator can
// observe. c.mu must be held.
func (c *CPU) checkVMRun(gpa uint64) error {
	if c.msrs[msr.EFER]&msr.EFERSVME == 0 {
		return fmt.Errorf("sim: CPU %d: vmrun with EFER.SVME clear", c.id)
	}
	hsave := c.msrs[msr.HSavePA]
	if hsave == 0 || c.m.Lookup(hsave, vmcb.Size) == nil {
		return fmt.Errorf("sim: CPU %d: vmrun with invalid host save area %#x", c.id, hsave)
	}
	if gpa != c.top.GuestVMCBPA {
		return fmt.Errorf("sim: CPU %d: vmrun of %#x, stack top names %#x", c.id, gpa, c.top.GuestVMCBPA)
	}
	v := c.vmcbAt("vmrun", gpa)
	if !v.BitTest32(vmcb.InterceptInstruction2, 0) {
		return fmt.Errorf("sim: CPU %d: vmrun without the VMRUN intercept", c.id)
	}
	if vmcb.Read[uint32](v, vmcb.GuestASID) == 0 {
		return fmt.Errorf("sim: CPU %d: vmrun with ASID 0", c.id)
	}
	return nil
}
