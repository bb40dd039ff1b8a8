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
	"errors"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/noirvisor/pkg/cpuid"
	"gvisor.dev/noirvisor/pkg/platform"
	"gvisor.dev/noirvisor/pkg/status"
	"gvisor.dev/noirvisor/pkg/svm/msr"
	"gvisor.dev/noirvisor/pkg/svm/vmcb"
)

func newMachine(t *testing.T, cfg Config) *Machine {
	t.Helper()
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return m
}

func TestNewNoProcessors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Processors = 0
	if _, err := New(cfg); err == nil {
		t.Errorf("New with no processors succeeded")
	}
}

func TestAllocAlignment(t *testing.T) {
	m := newMachine(t, DefaultConfig())
	small, err := m.AllocContiguous(100)
	if err != nil {
		t.Fatalf("AllocContiguous failed: %v", err)
	}
	if small.Phys%4096 != 0 || small.Length() != 4096 {
		t.Errorf("AllocContiguous(100) = %#x+%#x, want page aligned page", small.Phys, small.Length())
	}
	large, err := m.Alloc2MBPage()
	if err != nil {
		t.Fatalf("Alloc2MBPage failed: %v", err)
	}
	if large.Phys%(1<<21) != 0 || large.Length() != 1<<21 {
		t.Errorf("Alloc2MBPage() = %#x+%#x, want 2 MiB aligned 2 MiB", large.Phys, large.Length())
	}
	if got := m.Live(); got != 2 {
		t.Errorf("Live() = %d, want 2", got)
	}
	m.Free(small)
	m.Free(platform.MemoryDescriptor{})
	if got := m.Live(); got != 1 {
		t.Errorf("Live() after Free = %d, want 1", got)
	}
}

func TestLookup(t *testing.T) {
	m := newMachine(t, DefaultConfig())
	md, err := m.AllocContiguous(3 * 4096)
	if err != nil {
		t.Fatalf("AllocContiguous failed: %v", err)
	}
	md.Virt[4096+8] = 0x5A
	b := m.Lookup(md.Phys+4096, 4096)
	if b == nil || b[8] != 0x5A {
		t.Fatalf("Lookup of second page does not alias the allocation")
	}
	if b := m.Lookup(md.Phys+2*4096, 2*4096); b != nil {
		t.Errorf("Lookup past the end of the region = %d bytes, want nil", len(b))
	}
	if b := m.Lookup(0x1000, 8); b != nil {
		t.Errorf("Lookup below the first region succeeded")
	}
	m.Free(md)
	if b := m.Lookup(md.Phys, 8); b != nil {
		t.Errorf("Lookup of freed region succeeded")
	}
}

func TestFailAllocation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailAllocation = 1
	m := newMachine(t, cfg)
	if _, err := m.AllocContiguous(4096); err != nil {
		t.Fatalf("allocation 0 failed: %v", err)
	}
	if _, err := m.AllocContiguous(4096); !errors.Is(err, status.InsufficientResources) {
		t.Errorf("allocation 1 = %v, want %v", err, status.InsufficientResources)
	}
	if _, err := m.AllocContiguous(4096); err != nil {
		t.Errorf("allocation 2 failed: %v", err)
	}
	if got := m.Allocations(); got != 3 {
		t.Errorf("Allocations() = %d, want 3", got)
	}
}

func TestEnumLargePages(t *testing.T) {
	m := newMachine(t, DefaultConfig())
	var want [][2]uint64
	for i := 0; i < 3; i++ {
		md, err := m.Alloc2MBPage()
		if err != nil {
			t.Fatalf("Alloc2MBPage failed: %v", err)
		}
		if _, err := m.AllocContiguous(4096); err != nil {
			t.Fatalf("AllocContiguous failed: %v", err)
		}
		want = append(want, [2]uint64{md.Phys, md.Length()})
	}
	var got [][2]uint64
	m.EnumLargePages(func(start, length uint64) {
		got = append(got, [2]uint64{start, length})
	})
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("EnumLargePages mismatch (-want +got):\n%s", diff)
	}
}

func TestPerProcessorCPUID(t *testing.T) {
	m := newMachine(t, DefaultConfig())
	for id := uint32(0); id < m.ProcessorCount(); id++ {
		fs := cpuid.FeatureSet{Function: m.CPU(id)}
		if got := fs.APICID(); got != id {
			t.Errorf("CPU %d APICID() = %d", id, got)
		}
		if fs.Vendor() != cpuid.VendorAMD || !fs.HasSVM() {
			t.Errorf("CPU %d vendor %v svm %v, want AMD with SVM", id, fs.Vendor(), fs.HasSVM())
		}
	}
}

func TestGenericCall(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Processors = 4
	m := newMachine(t, cfg)
	var seen [4]atomic.Bool
	m.GenericCall(func(p platform.Processor) {
		if p.ID() == 2 {
			panic("core 2 stops")
		}
		seen[p.ID()].Store(true)
	})
	for i := range seen {
		_, halted := m.CPU(uint32(i)).Halted()
		if i == 2 {
			if !halted || seen[i].Load() {
				t.Errorf("CPU 2 halted %v ran %v, want halted", halted, seen[i].Load())
			}
			continue
		}
		if halted || !seen[i].Load() {
			t.Errorf("CPU %d halted %v ran %v, want ran", i, halted, seen[i].Load())
		}
	}
}

func TestSVMDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SVMDisabled = true
	m := newMachine(t, cfg)
	c := m.CPU(0)
	if c.ReadMSR(msr.VMCR)&msr.VMCRSVMDisable == 0 {
		t.Fatalf("VM_CR.SVMDIS clear on a disabled machine")
	}
	err := c.run(func() {
		c.WriteMSR(msr.EFER, c.ReadMSR(msr.EFER)|msr.EFERSVME)
	})
	if err == nil {
		t.Errorf("setting EFER.SVME with SVM disabled succeeded")
	}
}

func TestVMSaveLoad(t *testing.T) {
	m := newMachine(t, DefaultConfig())
	c := m.CPU(1)
	md, err := m.AllocContiguous(vmcb.Size)
	if err != nil {
		t.Fatalf("AllocContiguous failed: %v", err)
	}
	c.VMSave(md.Phys)
	v := vmcb.New(md.Virt)
	var s platform.ProcessorState
	c.SaveState(&s)
	if diff := cmp.Diff(s.TR, v.ReadSegment(vmcb.GuestTR)); diff != "" {
		t.Errorf("saved TR mismatch (-want +got):\n%s", diff)
	}
	if got := vmcb.Read[uint64](v, vmcb.GuestLSTAR); got != s.LSTAR {
		t.Errorf("saved LSTAR = %#x, want %#x", got, s.LSTAR)
	}

	vmcb.Write(v, vmcb.GuestKernelGSBase, uint64(0x1234000))
	c.VMLoad(md.Phys)
	if got := c.ReadMSR(msr.KernelGSBase); got != 0x1234000 {
		t.Errorf("KernelGSBase after VMLoad = %#x, want 0x1234000", got)
	}
	if diff := cmp.Diff([]uint64{md.Phys}, c.VMSaves()); diff != "" {
		t.Errorf("VMSaves mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint64{md.Phys}, c.VMLoads()); diff != "" {
		t.Errorf("VMLoads mismatch (-want +got):\n%s", diff)
	}
}

// echoGuest is a minimal guest: it configures just enough of the VMCB for
// vmrun and adds one to guest rax on every exit.
type echoGuest struct {
	m     *Machine
	c     *CPU
	vmcb  platform.MemoryDescriptor
	rsp   uint64
	exits int
}

func (g *echoGuest) PrepareGuest(rsp uint64) uint64 {
	g.rsp = rsp
	v := vmcb.New(g.vmcb.Virt)
	v.BitSet32(vmcb.InterceptInstruction2, 0)
	vmcb.Write(v, vmcb.GuestASID, uint32(1))
	return g.vmcb.Phys
}

func (g *echoGuest) HandleExit(gpr *platform.GprState) {
	g.exits++
	v := vmcb.New(g.m.Lookup(gpr.Rax, vmcb.Size))
	if v.ExitCode() < 0 {
		panic("bad state")
	}
	v.SetGuestRAX(v.GuestRAX() + 1)
	v.SetGuestRIP(v.NextRIP())
}

func subvertEcho(t *testing.T, m *Machine, id uint32) *echoGuest {
	t.Helper()
	c := m.CPU(id)
	hsave, err := m.AllocContiguous(4096)
	if err != nil {
		t.Fatalf("AllocContiguous failed: %v", err)
	}
	md, err := m.AllocContiguous(vmcb.Size)
	if err != nil {
		t.Fatalf("AllocContiguous failed: %v", err)
	}
	c.WriteMSR(msr.EFER, c.ReadMSR(msr.EFER)|msr.EFERSVME)
	c.WriteMSR(msr.HSavePA, hsave.Phys)
	g := &echoGuest{m: m, c: c, vmcb: md}
	if err := c.run(func() {
		c.SubvertProcessor(&platform.StackTop{GuestVMCBPA: md.Phys, ProcID: id}, g)
	}); err != nil {
		t.Fatalf("SubvertProcessor failed: %v", err)
	}
	return g
}

func TestSubvertAndExit(t *testing.T) {
	m := newMachine(t, DefaultConfig())
	g := subvertEcho(t, m, 1)
	if g.rsp != m.CPU(1).GuestStack() {
		t.Errorf("PrepareGuest rsp = %#x, want %#x", g.rsp, m.CPU(1).GuestStack())
	}
	if !m.CPU(1).Active() {
		t.Fatalf("CPU 1 not active after subversion")
	}
	res, err := m.Exit(1, Exit{
		Code:     0x72,
		GuestRIP: 0x1000,
		NextRIP:  0x1002,
		GPR:      platform.GprState{Rax: 41, Rbx: 7},
	})
	if err != nil {
		t.Fatalf("Exit failed: %v", err)
	}
	want := Result{GPR: platform.GprState{Rax: 42, Rbx: 7}, RIP: 0x1002}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("Exit mismatch (-want +got):\n%s", diff)
	}
	if _, err := m.Exit(0, Exit{Code: 0x72}); err == nil {
		t.Errorf("Exit on a processor without a guest succeeded")
	}
	if _, err := m.Exit(7, Exit{Code: 0x72}); err == nil {
		t.Errorf("Exit on a missing processor succeeded")
	}
}

func TestExitHalts(t *testing.T) {
	m := newMachine(t, DefaultConfig())
	subvertEcho(t, m, 0)
	res, err := m.Exit(0, Exit{Code: -1})
	if err != nil {
		t.Fatalf("Exit failed: %v", err)
	}
	if !res.Halted || res.Reason != "bad state" {
		t.Errorf("Exit = %+v, want halted with \"bad state\"", res)
	}
	if _, err := m.Exit(0, Exit{Code: 0x72}); err == nil {
		t.Errorf("Exit on a halted processor succeeded")
	}
}

func TestVMRunChecks(t *testing.T) {
	m := newMachine(t, DefaultConfig())
	c := m.CPU(0)
	md, err := m.AllocContiguous(vmcb.Size)
	if err != nil {
		t.Fatalf("AllocContiguous failed: %v", err)
	}
	g := &echoGuest{m: m, c: c, vmcb: md}
	// EFER.SVME is clear.
	err = c.run(func() {
		c.SubvertProcessor(&platform.StackTop{GuestVMCBPA: md.Phys}, g)
	})
	if err == nil {
		t.Errorf("vmrun with EFER.SVME clear succeeded")
	}
	if _, halted := c.Halted(); !halted {
		t.Errorf("CPU 0 not halted after failed vmrun")
	}
}
