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

// Package sim provides a simulated machine implementing platform.Platform.
//
// Memory is ordinary Go memory with synthetic physical addresses, each
// processor has its own CPUID answers and MSR file, and VM exits are
// delivered by Exit instead of hardware. A processor that panics on any path
// (subversion or exit handling) is recorded as halted, which is how the
// hypervisor stops a core on a fatal condition.
package sim

import (
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/noirvisor/pkg/cpuid"
	"gvisor.dev/noirvisor/pkg/log"
	"gvisor.dev/noirvisor/pkg/platform"
	"gvisor.dev/noirvisor/pkg/svm/vmcb"
)

// Config describes a simulated machine.
type Config struct {
	// Processors is the number of logical processors.
	Processors uint32

	// CPU describes every processor.
	CPU cpuid.MachineSpec

	// SVMDisabled sets VM_CR.SVMDIS, as firmware does when SVM is turned
	// off.
	SVMDisabled bool

	// FailAllocation is the zero-based index of an allocation to fail, or
	// negative for none.
	FailAllocation int
}

// DefaultConfig returns a two processor AMD machine with SVM and nested
// paging.
func DefaultConfig() Config {
	return Config{
		Processors: 2,
		CPU: cpuid.MachineSpec{
			Vendor:       [12]byte{'A', 'u', 't', 'h', 'e', 'n', 't', 'i', 'c', 'A', 'M', 'D'},
			Signature:    0x00A20F12,
			SVM:          true,
			NestedPaging: true,
			ASIDs:        32768,
		},
		FailAllocation: -1,
	}
}

// Machine is a simulated machine.
type Machine struct {
	cpus []*CPU

	// mu protects mem.
	mu  sync.Mutex
	mem *memory
}

var _ platform.Platform = (*Machine)(nil)

// New returns a new Machine.
func New(cfg Config) (*Machine, error) {
	if cfg.Processors == 0 {
		return nil, fmt.Errorf("machine needs at least one processor")
	}
	m := &Machine{mem: newMemory(cfg.FailAllocation)}
	static := cpuid.NewStatic(cfg.CPU)
	for i := uint32(0); i < cfg.Processors; i++ {
		m.cpus = append(m.cpus, newCPU(m, i, static, cfg.SVMDisabled))
	}
	return m, nil
}

// AllocContiguous implements platform.Allocator.AllocContiguous.
func (m *Machine) AllocContiguous(length uint64) (platform.MemoryDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mem.alloc(length, 1<<12, false)
}

// Alloc2MBPage implements platform.Allocator.Alloc2MBPage.
func (m *Machine) Alloc2MBPage() (platform.MemoryDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mem.alloc(1<<21, 1<<21, true)
}

// Free implements platform.Allocator.Free.
func (m *Machine) Free(md platform.MemoryDescriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mem.free(md)
}

// Lookup implements platform.Allocator.Lookup.
func (m *Machine) Lookup(phys, length uint64) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mem.lookup(phys, length)
}

// EnumLargePages implements platform.Platform.EnumLargePages.
func (m *Machine) EnumLargePages(fn func(start, length uint64)) {
	var pages [][2]uint64
	m.mu.Lock()
	m.mem.largePages(func(start, length uint64) {
		pages = append(pages, [2]uint64{start, length})
	})
	m.mu.Unlock()
	for _, p := range pages {
		fn(p[0], p[1])
	}
}

// Live returns the number of live allocations.
func (m *Machine) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mem.live()
}

// Allocations returns the number of allocations attempted so far.
func (m *Machine) Allocations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mem.count
}

// ProcessorCount implements platform.Platform.ProcessorCount.
func (m *Machine) ProcessorCount() uint32 {
	return uint32(len(m.cpus))
}

// Current implements platform.Platform.Current. Code outside GenericCall
// runs on the boot processor.
func (m *Machine) Current() platform.Processor {
	return m.cpus[0]
}

// CPU returns processor id.
func (m *Machine) CPU(id uint32) *CPU {
	return m.cpus[id]
}

// GenericCall implements platform.Platform.GenericCall. Each worker runs on
// its own goroutine; a worker that panics halts its processor.
func (m *Machine) GenericCall(worker func(p platform.Processor)) {
	var g errgroup.Group
	for _, c := range m.cpus {
		g.Go(func() error {
			return c.run(func() { worker(c) })
		})
	}
	if err := g.Wait(); err != nil {
		log.Warningf("Generic call: %v", err)
	}
}

// run calls fn, recording a panic as the halt reason.
func (c *CPU) run(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.mu.Lock()
			c.halt = r
			c.active = false
			c.mu.Unlock()
			err = fmt.Errorf("processor %d halted: %v", c.id, r)
		}
	}()
	fn()
	return nil
}

// Halted returns the value the processor halted with, if it halted.
func (c *CPU) Halted() (reason any, halted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halt, c.halt != nil
}

// Active returns true iff the processor is running a guest.
func (c *CPU) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// StackTop returns the record passed to SubvertProcessor.
func (c *CPU) StackTop() *platform.StackTop {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.top
}

// VMCB returns the guest VMCB launched on this processor.
func (c *CPU) VMCB() (vmcb.VMCB, bool) {
	c.mu.Lock()
	gpa, active := c.gpa, c.gpa != 0
	c.mu.Unlock()
	if !active {
		return vmcb.VMCB{}, false
	}
	return c.vmcbAt("inspect", gpa), true
}

// VMSaves returns the addresses passed to VMSave, in order.
func (c *CPU) VMSaves() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.saves...)
}

// VMLoads returns the addresses passed to VMLoad, in order.
func (c *CPU) VMLoads() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.loads...)
}

// Exit describes a VM exit.
type Exit struct {
	Code     int64
	Info1    uint64
	Info2    uint64
	NextRIP  uint64
	RFLAGS   uint64
	GPR      platform.GprState
	Bytes    []byte
	GuestRIP uint64
}

// Result is the outcome of one VM exit.
type Result struct {
	// GPR is the guest register file on resumption, with Rax taken from the
	// VMCB.
	GPR platform.GprState

	// RIP is the guest RIP on resumption.
	RIP uint64

	// Event is the event pending injection on resumption.
	Event vmcb.EventInjection

	// Halted is set if the handler halted the processor; Reason is the
	// value it halted with.
	Halted bool
	Reason any
}

// Exit delivers a VM exit to processor id: it stores the exit information
// and guest RAX into the guest VMCB, calls the guest's exit handler with RAX
// holding the VMCB address, and reports the resulting guest state.
func (m *Machine) Exit(id uint32, e Exit) (Result, error) {
	if id >= uint32(len(m.cpus)) {
		return Result{}, fmt.Errorf("no processor %d", id)
	}
	c := m.cpus[id]
	c.mu.Lock()
	active, guest, gpa := c.active, c.guest, c.gpa
	c.mu.Unlock()
	if !active {
		return Result{}, fmt.Errorf("processor %d is not running a guest", id)
	}

	v := c.vmcbAt("#vmexit", gpa)
	// The entry that led to this exit delivered any queued event.
	v.Inject(0)
	v.SetExitCode(e.Code)
	vmcb.Write(v, vmcb.ExitInfo1, e.Info1)
	vmcb.Write(v, vmcb.ExitInfo2, e.Info2)
	vmcb.Write(v, vmcb.NextRIP, e.NextRIP)
	vmcb.Write(v, vmcb.GuestRFLAGS, e.RFLAGS)
	v.SetGuestRIP(e.GuestRIP)
	v.SetGuestRAX(e.GPR.Rax)
	n := copy(v.Bytes()[vmcb.GuestInstructionBytes:vmcb.GuestInstructionBytes+vmcb.MaxInstructionBytes], e.Bytes)
	vmcb.Write(v, vmcb.NumberOfBytesFetched, uint8(n))

	gpr := e.GPR
	gpr.Rax = gpa
	err := c.run(func() { guest.HandleExit(&gpr) })
	if err != nil {
		reason, _ := c.Halted()
		log.Infof("Processor %d halted on exit %#x", id, e.Code)
		return Result{Halted: true, Reason: reason}, nil
	}
	if gpr.Rax != gpa {
		return Result{}, fmt.Errorf("processor %d: exit handler returned rax %#x, want VMCB %#x", id, gpr.Rax, gpa)
	}
	gpr.Rax = v.GuestRAX()
	return Result{
		GPR:   gpr,
		RIP:   v.GuestRIP(),
		Event: v.PendingEvent(),
	}, nil
}
