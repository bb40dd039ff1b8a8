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

// Package nvc is the entry layer of the hypervisor core: capability probes,
// bring-up and teardown routed by processor vendor, and the VM-exit entry
// called by the exit trampoline.
//
// All state lives in a Context created once by the platform glue and passed
// to every entry point.
package nvc

import (
	"fmt"
	"sync"

	"gvisor.dev/noirvisor/pkg/cpuid"
	"gvisor.dev/noirvisor/pkg/log"
	"gvisor.dev/noirvisor/pkg/platform"
	"gvisor.dev/noirvisor/pkg/status"
	"gvisor.dev/noirvisor/pkg/svm"
)

// Context is the hypervisor core's state for one machine.
type Context struct {
	plat platform.Platform
	opts svm.Options

	// mu serializes bring-up and teardown, and protects hv.
	mu sync.Mutex

	// hv is the active SVM hypervisor, if any.
	hv *svm.Hypervisor
}

// New returns a Context for p. opts configure the SVM hypervisor built by
// BuildHypervisor.
func New(p platform.Platform, opts svm.Options) *Context {
	return &Context{plat: p, opts: opts}
}

// Vendor returns the vendor of the boot processor.
func (c *Context) Vendor() cpuid.Vendor {
	return cpuid.FeatureSet{Function: c.plat.Current()}.Vendor()
}

// isSVM returns true iff vendor implements AMD-V.
func isSVM(vendor cpuid.Vendor) bool {
	return vendor == cpuid.VendorAMD || vendor == cpuid.VendorHygon
}

// GetVirtualizationSupportability returns the virtualization capabilities
// of the boot processor. Only AMD-V is implemented, so other vendors report
// none.
func (c *Context) GetVirtualizationSupportability() svm.Support {
	p := c.plat.Current()
	if !isSVM(cpuid.FeatureSet{Function: p}.Vendor()) {
		return 0
	}
	return svm.CheckSupport(p)
}

// IsVirtualizationEnabled returns true iff firmware allows virtualization on
// the boot processor.
func (c *Context) IsVirtualizationEnabled() bool {
	p := c.plat.Current()
	if !isSVM(cpuid.FeatureSet{Function: p}.Vendor()) {
		return false
	}
	return svm.CheckEnabled(p)
}

// BuildHypervisor subverts the system with the hypervisor matching the
// processor vendor. Errors wrap a status.Status.
//
// An unrecognized vendor is fatal: it panics with the raw vendor string.
func (c *Context) BuildHypervisor() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	log.Infof("Subverting the system...")
	if c.hv != nil {
		return fmt.Errorf("hypervisor already built: %w", status.VcpuAlreadyCreated)
	}
	p := c.plat.Current()
	fs := cpuid.FeatureSet{Function: p}
	switch vendor := fs.Vendor(); vendor {
	case cpuid.VendorAMD, cpuid.VendorHygon:
		if svm.CheckSupport(p) == 0 {
			return fmt.Errorf("%v processor without usable SVM: %w", vendor, status.SvmNotSupported)
		}
		if !svm.CheckEnabled(p) {
			return fmt.Errorf("SVM disabled by firmware: %w", status.SvmNotSupported)
		}
		hv := svm.New(c.plat, c.opts)
		if err := hv.SubvertSystem(); err != nil {
			return err
		}
		c.hv = hv
		return nil
	case cpuid.VendorIntel, cpuid.VendorVIA, cpuid.VendorZhaoXin:
		log.Warningf("%v processors are not supported yet", vendor)
		return fmt.Errorf("%v: %w", vendor, status.NotImplemented)
	default:
		id := fs.VendorID()
		panic(fmt.Sprintf("Unknown processor vendor: %s", id[:]))
	}
}

// TeardownHypervisor restores the system from the active hypervisor, if
// any. Restoration is not implemented yet, so the hypervisor stays active.
func (c *Context) TeardownHypervisor() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hv == nil {
		return
	}
	if err := c.hv.RestoreSystem(); err != nil {
		log.Infof("Teardown: %v", err)
	}
}

// Hypervisor returns the active SVM hypervisor, or nil.
func (c *Context) Hypervisor() *svm.Hypervisor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hv
}

// SvmExitHandler is the VM-exit entry called by the exit trampoline with
// the saved guest registers and the vcpu named by the stack top. On entry
// and on return gpr.Rax holds the guest VMCB physical address.
func SvmExitHandler(gpr *platform.GprState, v *svm.Vcpu) {
	v.HandleExit(gpr)
}
