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

package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/noirvisor/noirctl/config"
	"gvisor.dev/noirvisor/pkg/platform/sim"
	"gvisor.dev/noirvisor/pkg/svm"
)

func TestParseExits(t *testing.T) {
	got, err := parseExits("cpuid:0x1, npf:0x1000:0x7,cr3_read,,-1")
	if err != nil {
		t.Fatalf("parseExits failed: %v", err)
	}
	want := []sim.Exit{
		{Code: int64(svm.ExitCPUID), Bytes: cpuidBytes},
		{Code: int64(svm.ExitNPF), Info1: 0x7, Info2: 0x1000},
		{Code: int64(svm.CRRead(3))},
		{Code: int64(svm.ExitInvalid)},
	}
	want[0].GPR.Rax = 1
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("parseExits mismatch (-want +got):\n%s", diff)
	}

	for _, bad := range []string{"bogus", "cpuid:x", "npf:1:2:3"} {
		if _, err := parseExits(bad); err == nil {
			t.Errorf("parseExits(%q) succeeded", bad)
		}
	}
}

func run(t *testing.T, conf *config.Config, exits string) string {
	t.Helper()
	list, err := parseExits(exits)
	if err != nil {
		t.Fatalf("parseExits failed: %v", err)
	}
	var out bytes.Buffer
	if err := simulate(&out, conf, 0, list); err != nil {
		t.Fatalf("simulate failed: %v", err)
	}
	return out.String()
}

func TestSimulate(t *testing.T) {
	out := run(t, config.Default(), "cpuid:0x40000000,cpuid:0x1")
	for _, want := range []string{
		"vendor AMD",
		"cpu 0: cpuid: rip 0xfffff80000401002 rax 0x40000002",
		"cpu 0: cpuid: rip 0xfffff80000401004",
		"vcpu 0: active",
		"vcpu 1: active",
		"cpuid:2",
		"leaf 0x40000000: eax 0x40000002",
		"leaf 0x40000001: eax 0x30237648",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output lacks %q:\n%s", want, out)
		}
	}
}

func TestSimulateHalt(t *testing.T) {
	out := run(t, config.Default(), "vmrun,cpuid:0x1")
	if !strings.Contains(out, "cpu 0: vmrun: halted") {
		t.Errorf("output lacks the halt:\n%s", out)
	}
	if strings.Contains(out, "cpu 0: cpuid") {
		t.Errorf("exits delivered after the halt:\n%s", out)
	}
}

func TestSimulateBuildFailure(t *testing.T) {
	conf := config.Default()
	conf.Machine.Processors = 8
	conf.Machine.FailAllocation = 11
	out := run(t, conf, "cpuid:0x1")
	if !strings.Contains(out, "build: ") || !strings.Contains(out, "insufficient resources") {
		t.Errorf("output lacks the build failure:\n%s", out)
	}
}

func TestSimulateBadCPU(t *testing.T) {
	var out bytes.Buffer
	if err := simulate(&out, config.Default(), 5, nil); err == nil {
		t.Errorf("simulate on processor 5 of 2 succeeded")
	}
}

func TestLayout(t *testing.T) {
	var out bytes.Buffer
	l := Layout{prefix: "guest_r"}
	if err := l.write(&out); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "guest_rip") || !strings.Contains(got, "0x578") {
		t.Errorf("layout lacks guest_rip at 0x578:\n%s", got)
	}
	if strings.Contains(got, "guest_cs") {
		t.Errorf("layout ignores the prefix:\n%s", got)
	}
}
