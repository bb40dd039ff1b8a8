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

package nvc

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/noirvisor/pkg/cpuid"
	"gvisor.dev/noirvisor/pkg/mshv"
	"gvisor.dev/noirvisor/pkg/platform"
	"gvisor.dev/noirvisor/pkg/platform/sim"
	"gvisor.dev/noirvisor/pkg/status"
	"gvisor.dev/noirvisor/pkg/svm"
)

func vendorID(s string) (id [12]byte) {
	copy(id[:], s)
	return id
}

func machine(t *testing.T, cfg sim.Config) *sim.Machine {
	t.Helper()
	m, err := sim.New(cfg)
	if err != nil {
		t.Fatalf("sim.New failed: %v", err)
	}
	return m
}

func TestSupportability(t *testing.T) {
	for _, tc := range []struct {
		name     string
		vendor   string
		svm      bool
		npt      bool
		disabled bool
		want     svm.Support
		enabled  bool
	}{
		{"amd", "AuthenticAMD", true, true, false, svm.SupportSVM | svm.SupportNPT, true},
		{"amd without npt", "AuthenticAMD", true, false, false, svm.SupportSVM, true},
		{"amd disabled", "AuthenticAMD", true, true, true, svm.SupportSVM | svm.SupportNPT, false},
		{"hygon", "HygonGenuine", true, true, false, svm.SupportSVM | svm.SupportNPT, true},
		{"intel", "GenuineIntel", true, true, false, 0, false},
		{"amd without svm", "AuthenticAMD", false, false, false, 0, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := sim.DefaultConfig()
			cfg.CPU.Vendor = vendorID(tc.vendor)
			cfg.CPU.SVM = tc.svm
			cfg.CPU.NestedPaging = tc.npt
			cfg.SVMDisabled = tc.disabled
			c := New(machine(t, cfg), svm.Options{})
			if got := c.GetVirtualizationSupportability(); got != tc.want {
				t.Errorf("GetVirtualizationSupportability = %v, want %v", got, tc.want)
			}
			if got := c.IsVirtualizationEnabled(); got != tc.enabled {
				t.Errorf("IsVirtualizationEnabled = %v, want %v", got, tc.enabled)
			}
		})
	}
}

func TestBuildHypervisor(t *testing.T) {
	m := machine(t, sim.DefaultConfig())
	c := New(m, svm.Options{NestedPaging: true})
	if err := c.BuildHypervisor(); err != nil {
		t.Fatalf("BuildHypervisor failed: %v", err)
	}
	hv := c.Hypervisor()
	if hv == nil {
		t.Fatalf("Hypervisor() = nil after a successful build")
	}
	if hv.NPT() == nil {
		t.Errorf("nested paging not built")
	}
	for id := uint32(0); id < m.ProcessorCount(); id++ {
		if !m.CPU(id).Active() {
			t.Errorf("processor %d not running a guest", id)
		}
		if got := hv.Vcpu(id).State(); got != svm.StateActive {
			t.Errorf("vcpu %d state = %v", id, got)
		}
	}
	if err := c.BuildHypervisor(); !errors.Is(err, status.VcpuAlreadyCreated) {
		t.Errorf("second BuildHypervisor = %v, want %v", err, status.VcpuAlreadyCreated)
	}

	// Restoration is not implemented; the hypervisor stays in place.
	c.TeardownHypervisor()
	if c.Hypervisor() != hv {
		t.Errorf("TeardownHypervisor dropped the active hypervisor")
	}
}

func TestBuildHypervisorVendors(t *testing.T) {
	for _, tc := range []struct {
		vendor string
		want   status.Status
	}{
		{"GenuineIntel", status.NotImplemented},
		{"CentaurHauls", status.NotImplemented},
		{"  Shanghai  ", status.NotImplemented},
	} {
		t.Run(tc.vendor, func(t *testing.T) {
			cfg := sim.DefaultConfig()
			cfg.CPU.Vendor = vendorID(tc.vendor)
			m := machine(t, cfg)
			c := New(m, svm.Options{})
			err := c.BuildHypervisor()
			if got := status.Of(err); got != tc.want {
				t.Errorf("BuildHypervisor = %v, want %v", err, tc.want)
			}
			if c.Hypervisor() != nil || m.Allocations() != 0 {
				t.Errorf("BuildHypervisor touched the machine: %d allocations", m.Allocations())
			}
		})
	}
}

func TestBuildHypervisorUnknownVendor(t *testing.T) {
	cfg := sim.DefaultConfig()
	cfg.CPU.Vendor = vendorID("BogusVendor!")
	c := New(machine(t, cfg), svm.Options{})
	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("BuildHypervisor returned for an unknown vendor")
		}
		if msg := fmt.Sprint(r); !strings.Contains(msg, "BogusVendor!") {
			t.Errorf("panic %q does not name the vendor", msg)
		}
	}()
	c.BuildHypervisor()
}

func TestBuildHypervisorWithoutSVM(t *testing.T) {
	for _, tc := range []struct {
		name     string
		svm      bool
		disabled bool
	}{
		{"absent", false, false},
		{"disabled", true, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := sim.DefaultConfig()
			cfg.CPU.SVM = tc.svm
			cfg.SVMDisabled = tc.disabled
			m := machine(t, cfg)
			c := New(m, svm.Options{})
			if err := c.BuildHypervisor(); !errors.Is(err, status.SvmNotSupported) {
				t.Errorf("BuildHypervisor = %v, want %v", err, status.SvmNotSupported)
			}
			if m.Allocations() != 0 {
				t.Errorf("%d allocations made", m.Allocations())
			}
		})
	}
}

func TestBuildHypervisorAllocationFailure(t *testing.T) {
	cfg := sim.DefaultConfig()
	cfg.Processors = 8
	// msrpm, iopm, then four allocations per processor: the VMCB of
	// processor 2 is allocation 11.
	cfg.FailAllocation = 11
	m := machine(t, cfg)
	c := New(m, svm.Options{})
	err := c.BuildHypervisor()
	if !errors.Is(err, status.InsufficientResources) {
		t.Fatalf("BuildHypervisor = %v, want %v", err, status.InsufficientResources)
	}
	if c.Hypervisor() != nil {
		t.Errorf("Hypervisor() set after a failed build")
	}
	if m.Live() != 0 {
		t.Errorf("%d allocations leaked", m.Live())
	}
	for id := uint32(0); id < m.ProcessorCount(); id++ {
		if m.CPU(id).Active() {
			t.Errorf("processor %d subverted after a failed build", id)
		}
	}
	// Teardown without a hypervisor is a no-op.
	c.TeardownHypervisor()
}

func TestSvmExitHandler(t *testing.T) {
	m := machine(t, sim.DefaultConfig())
	c := New(m, svm.Options{})
	if err := c.BuildHypervisor(); err != nil {
		t.Fatalf("BuildHypervisor failed: %v", err)
	}
	v := c.Hypervisor().Vcpu(1)
	vm := v.VMCB()
	vm.SetExitCode(int64(svm.ExitCPUID))
	vm.SetGuestRAX(uint64(mshv.LeafVendorNeutralInterface))

	gpr := platform.GprState{Rax: v.VMCBPhys(), Rcx: 0xFFFFFFFF00000000}
	SvmExitHandler(&gpr, v)
	if gpr.Rax != v.VMCBPhys() {
		t.Errorf("rax = %#x on return, want the VMCB address %#x", gpr.Rax, v.VMCBPhys())
	}
	out := mshv.Query(cpuid.In{Eax: mshv.LeafVendorNeutralInterface})
	want := struct{ Rax, Rcx uint64 }{uint64(out.Eax), 0xFFFFFFFF00000000 | uint64(out.Ecx)}
	got := struct{ Rax, Rcx uint64 }{vm.GuestRAX(), gpr.Rcx}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("cpuid result mismatch (-want +got):\n%s", diff)
	}
	counts, _ := v.Exits()
	if counts[svm.ExitCPUID] != 1 {
		t.Errorf("cpuid exits = %d, want 1", counts[svm.ExitCPUID])
	}
}
