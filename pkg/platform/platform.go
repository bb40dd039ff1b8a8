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

// Package platform defines the primitives the hypervisor core consumes from
// the machine it runs on: processor enumeration and per-core broadcast,
// physically contiguous memory, processor state capture and the two
// world-switch trampolines.
//
// See Platform for more information.
package platform

import "gvisor.dev/noirvisor/pkg/cpuid"

// MemoryDescriptor describes one physically contiguous allocation.
//
// Virt is the host view of the memory and Phys its physical address. Both are
// zero together (unallocated) or valid together.
type MemoryDescriptor struct {
	Virt []byte
	Phys uint64
}

// Valid returns true if the descriptor refers to an allocation.
func (md MemoryDescriptor) Valid() bool {
	return md.Virt != nil
}

// Length returns the size of the allocation in bytes.
func (md MemoryDescriptor) Length() uint64 {
	return uint64(len(md.Virt))
}

// Allocator provides physically contiguous memory.
type Allocator interface {
	// AllocContiguous allocates length bytes of page-aligned, zeroed,
	// physically contiguous memory. length is rounded up to a page.
	AllocContiguous(length uint64) (MemoryDescriptor, error)

	// Alloc2MBPage allocates one zeroed 2 MiB page aligned to 2 MiB.
	Alloc2MBPage() (MemoryDescriptor, error)

	// Free releases an allocation returned by this Allocator. Freeing an
	// invalid descriptor is a no-op.
	Free(md MemoryDescriptor)

	// Lookup returns the host view of length bytes at physical address
	// phys, or nil if the range was not allocated by this Allocator.
	Lookup(phys, length uint64) []byte
}

// FeatureProber answers CPUID and MSR reads on the current processor.
type FeatureProber interface {
	cpuid.Function

	// ReadMSR reads a model-specific register.
	ReadMSR(index uint32) uint64
}

// Processor is one logical processor, as seen from code running on it.
//
// A Processor must only be used from the goroutine (or hardware context) that
// the platform handed it to.
type Processor interface {
	FeatureProber

	// ID returns the processor index, in [0, ProcessorCount()).
	ID() uint32

	// WriteMSR writes a model-specific register.
	WriteMSR(index uint32, value uint64)

	// SaveState captures the processor state needed to resume the
	// current context as a guest.
	SaveState(state *ProcessorState)

	// VMSave stores hidden processor state into the VMCB at pa.
	VMSave(pa uint64)

	// VMLoad loads hidden processor state from the VMCB at pa.
	VMLoad(pa uint64)

	// GuestEntry returns the address of the guest-entry trampoline: the
	// point at which the subverted context resumes as a guest.
	GuestEntry() uint64

	// SubvertProcessor runs the subversion trampoline. The trampoline calls
	// guest.PrepareGuest with the stack pointer to resume at, executes the
	// world switch with the returned VMCB address and, from then on, calls
	// guest.HandleExit on every VM exit.
	//
	// On hardware this never returns to its caller in the normal case.
	SubvertProcessor(top *StackTop, guest Guest)
}

// Guest is implemented by the per-processor virtualization session driven by
// the trampolines.
type Guest interface {
	// PrepareGuest configures the VMCB for resumption at rsp and returns
	// the physical address of the guest VMCB.
	PrepareGuest(rsp uint64) uint64

	// HandleExit handles one VM exit. On entry gpr.Rax holds the guest VMCB
	// physical address; on return it must hold it again.
	HandleExit(gpr *GprState)
}

// Platform is the machine the hypervisor subverts.
type Platform interface {
	Allocator

	// ProcessorCount returns the number of logical processors.
	ProcessorCount() uint32

	// Current returns the processor the caller is running on.
	Current() Processor

	// GenericCall runs worker once on every processor, each invocation on
	// its own processor, and returns after all have completed.
	GenericCall(worker func(p Processor))

	// EnumLargePages calls fn for every large page handed out by
	// Alloc2MBPage that is still live, in allocation order.
	EnumLargePages(fn func(start, length uint64))
}
