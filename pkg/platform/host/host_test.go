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

//go:build linux
// +build linux

package host

import (
	"errors"
	"testing"

	"golang.org/x/sys/unix"
	"gvisor.dev/noirvisor/pkg/cpuid"
)

func TestOnlineCPUs(t *testing.T) {
	cpus, err := OnlineCPUs()
	if err != nil {
		t.Fatalf("OnlineCPUs failed: %v", err)
	}
	if len(cpus) == 0 {
		t.Fatalf("OnlineCPUs returned no processors")
	}
	for i := 1; i < len(cpus); i++ {
		if cpus[i] <= cpus[i-1] {
			t.Errorf("OnlineCPUs not increasing: %v", cpus)
		}
	}
}

func TestQueryMatchesNative(t *testing.T) {
	cpus, err := OnlineCPUs()
	if err != nil {
		t.Fatalf("OnlineCPUs failed: %v", err)
	}
	p := Open(cpus[0])
	defer p.Close()
	want := (&cpuid.Native{}).Query(cpuid.In{Eax: cpuid.LeafVendorID})
	got := p.Query(cpuid.In{Eax: cpuid.LeafVendorID})
	if got != want {
		t.Errorf("Query(0) = %+v, want %+v", got, want)
	}
}

func TestMissingMSRDriver(t *testing.T) {
	p := &Prober{cpu: 0, fd: -1}
	if _, err := p.TryReadMSR(0xC0000080); !errors.Is(err, unix.ENODEV) {
		t.Errorf("TryReadMSR without a driver = %v, want ENODEV", err)
	}
	if v := p.ReadMSR(0xC0000080); v != 0 {
		t.Errorf("ReadMSR without a driver = %#x, want 0", v)
	}
	if p.Err() == nil {
		t.Errorf("Err() = nil after a failed read")
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}
