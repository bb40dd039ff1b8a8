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

// Package svm implements the AMD-V (SVM) hypervisor core: per-processor
// subversion of the running system into guests, the VM-exit dispatcher and
// its handlers, and system-wide bring-up.
//
// Subversion runs in three steps on every processor. Subvert enables SVM
// and places a StackTop at the top of the hypervisor stack, the platform's
// trampoline calls back into PrepareGuest to fill the VMCB from the current
// processor state, and the world switch resumes the same context as a
// guest. From then on every intercepted event arrives at HandleExit.
//
// Conditions the core cannot handle after the world switch halt the
// processor by panicking with a *FatalError.
package svm

import (
	"fmt"
	"time"

	"gvisor.dev/noirvisor/pkg/cpuid"
	"gvisor.dev/noirvisor/pkg/hostarch"
	"gvisor.dev/noirvisor/pkg/log"
	"gvisor.dev/noirvisor/pkg/platform"
	"gvisor.dev/noirvisor/pkg/status"
	"gvisor.dev/noirvisor/pkg/svm/msr"
	"gvisor.dev/noirvisor/pkg/svm/npt"
)

// Sizes of the hypervisor's allocations.
const (
	MSRPMSize = 2 * hostarch.PageSize
	IOPMSize  = 3 * hostarch.PageSize
	StackSize = 4 * hostarch.PageSize
)

// Support is a set of SVM capabilities.
type Support uint32

// Capabilities.
const (
	// SupportSVM indicates SVM with at least one ASID.
	SupportSVM Support = 1 << 0

	// SupportNPT indicates nested paging.
	SupportNPT Support = 1 << 1
)

// String implements fmt.Stringer.
func (s Support) String() string {
	switch s {
	case 0:
		return "none"
	case SupportSVM:
		return "svm"
	case SupportSVM | SupportNPT:
		return "svm+npt"
	default:
		return fmt.Sprintf("Support(%#x)", uint32(s))
	}
}

// CheckSupport reports the SVM capabilities of the processor answering fn.
func CheckSupport(fn cpuid.Function) Support {
	fs := cpuid.FeatureSet{Function: fn}
	if !fs.HasSVM() || fs.ASIDs() == 0 {
		return 0
	}
	s := SupportSVM
	if fs.HasNestedPaging() {
		s |= SupportNPT
	}
	return s
}

// CheckEnabled returns true iff firmware has not disabled SVM on the
// processor.
func CheckEnabled(p platform.FeatureProber) bool {
	return p.ReadMSR(msr.VMCR)&msr.VMCRSVMDisable == 0
}

// Options configure a Hypervisor.
type Options struct {
	// NestedPaging enables the identity-mapped nested page tables when the
	// processor supports them.
	NestedPaging bool

	// UnknownExitInterval is the minimum interval between two messages
	// about the same unknown exit code.
	UnknownExitInterval time.Duration
}

// DefaultUnknownExitInterval is used when Options.UnknownExitInterval is
// zero.
const DefaultUnknownExitInterval = time.Second

// Hypervisor is the system-wide SVM context.
type Hypervisor struct {
	plat platform.Platform
	opts Options

	msrpm platform.MemoryDescriptor
	iopm  platform.MemoryDescriptor

	// vcpus is indexed by processor id.
	vcpus []*Vcpu

	// npt is nil unless nested paging is in use.
	npt *npt.Manager

	unknownLog *log.KeyedRateLimitedLogger
}

// New returns a Hypervisor for p. Nothing is allocated until SubvertSystem.
func New(p platform.Platform, opts Options) *Hypervisor {
	if opts.UnknownExitInterval == 0 {
		opts.UnknownExitInterval = DefaultUnknownExitInterval
	}
	return &Hypervisor{
		plat:       p,
		opts:       opts,
		unknownLog: log.NewKeyedRateLimitedLogger(log.Log(), opts.UnknownExitInterval),
	}
}

// Vcpus returns the virtual processors, indexed by processor id.
func (h *Hypervisor) Vcpus() []*Vcpu {
	return h.vcpus
}

// Vcpu returns the virtual processor for processor id, or nil.
func (h *Hypervisor) Vcpu(id uint32) *Vcpu {
	if id >= uint32(len(h.vcpus)) {
		return nil
	}
	return h.vcpus[id]
}

// NPT returns the nested page tables, or nil if nested paging is off.
func (h *Hypervisor) NPT() *npt.Manager {
	return h.npt
}

// SubvertSystem allocates the shared and per-processor structures and then
// subverts every processor.
//
// If any allocation fails, everything allocated so far is released, no
// processor is touched and the returned error wraps
// status.InsufficientResources.
func (h *Hypervisor) SubvertSystem() error {
	log.Infof("Subverting the system with AMD-V...")
	if err := h.allocate(); err != nil {
		log.Warningf("%v", err)
		h.cleanup()
		return err
	}
	if h.opts.NestedPaging {
		if err := h.buildNPT(); err != nil {
			log.Warningf("%v", err)
			h.cleanup()
			return err
		}
	}
	h.plat.GenericCall(h.subvertProcessor)
	return nil
}

// RestoreSystem would return every processor to its unvirtualized state.
func (h *Hypervisor) RestoreSystem() error {
	log.Infof("System restoration for AMD-V is not yet implemented!")
	return status.NotImplemented
}

func (h *Hypervisor) alloc(what string, length uint64) (platform.MemoryDescriptor, error) {
	md, err := h.plat.AllocContiguous(length)
	if err != nil {
		return platform.MemoryDescriptor{}, fmt.Errorf("failed to allocate %s: %v: %w", what, err, status.InsufficientResources)
	}
	return md, nil
}

func (h *Hypervisor) allocate() error {
	var err error
	if h.msrpm, err = h.alloc("MSR permission map", MSRPMSize); err != nil {
		return err
	}
	if h.iopm, err = h.alloc("I/O permission map", IOPMSize); err != nil {
		return err
	}
	count := h.plat.ProcessorCount()
	h.vcpus = make([]*Vcpu, 0, count)
	for i := uint32(0); i < count; i++ {
		v := &Vcpu{hv: h, id: i}
		h.vcpus = append(h.vcpus, v)
		for _, a := range []struct {
			what   string
			length uint64
			md     *platform.MemoryDescriptor
		}{
			{"host save area", hostarch.PageSize, &v.hsave},
			{"VMCB", hostarch.PageSize, &v.vmcb},
			{"host VMCB", hostarch.PageSize, &v.hvmcb},
			{"hypervisor stack", StackSize, &v.stack},
		} {
			if *a.md, err = h.alloc(fmt.Sprintf("%s for processor %d", a.what, i), a.length); err != nil {
				return err
			}
		}
	}
	return nil
}

// buildNPT sets up the identity-mapped nested page tables, if supported.
func (h *Hypervisor) buildNPT() error {
	if CheckSupport(h.plat.Current())&SupportNPT == 0 {
		log.Warningf("Nested paging requested but not supported; continuing without it")
		return nil
	}
	m := npt.New(h.plat)
	m.BuildIdentityMap()
	h.npt = m
	if err := m.ProtectAllocatedPages(h.plat); err != nil {
		return fmt.Errorf("failed to protect hypervisor pages: %v: %w", err, status.InsufficientResources)
	}
	return nil
}

// cleanup releases every allocation. No processor may be using them.
func (h *Hypervisor) cleanup() {
	log.Infof("Cleaning up...")
	for _, v := range h.vcpus {
		h.plat.Free(v.hsave)
		h.plat.Free(v.vmcb)
		h.plat.Free(v.hvmcb)
		h.plat.Free(v.stack)
	}
	h.vcpus = nil
	if h.npt != nil {
		h.npt.Cleanup()
		h.npt = nil
	}
	h.plat.Free(h.msrpm)
	h.plat.Free(h.iopm)
	h.msrpm = platform.MemoryDescriptor{}
	h.iopm = platform.MemoryDescriptor{}
}

// subvertProcessor runs on every processor.
func (h *Hypervisor) subvertProcessor(p platform.Processor) {
	id := p.ID()
	log.Infof("Subverting processor %d with AMD-V...", id)
	v := h.Vcpu(id)
	if v == nil {
		panic(fmt.Sprintf("processor %d out of range of %d vcpus", id, len(h.vcpus)))
	}
	v.Subvert(p)
}
