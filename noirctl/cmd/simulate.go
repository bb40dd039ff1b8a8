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
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/google/subcommands"
	"gvisor.dev/noirvisor/noirctl/config"
	"gvisor.dev/noirvisor/pkg/cpuid"
	"gvisor.dev/noirvisor/pkg/log"
	"gvisor.dev/noirvisor/pkg/mshv"
	"gvisor.dev/noirvisor/pkg/nvc"
	"gvisor.dev/noirvisor/pkg/platform/sim"
	"gvisor.dev/noirvisor/pkg/status"
	"gvisor.dev/noirvisor/pkg/svm"
)

// Simulate implements subcommands.Command for the "simulate" command.
type Simulate struct {
	exits string
	cpu   uint
}

// Name implements subcommands.Command.Name.
func (*Simulate) Name() string {
	return "simulate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Simulate) Synopsis() string {
	return "subvert a simulated machine and drive VM exits through it"
}

// Usage implements subcommands.Command.Usage.
func (*Simulate) Usage() string {
	return `simulate [flags]

Builds a simulated machine from the configuration, subverts it and delivers
the VM exits listed in -exits to one processor. Each exit is written as

	code[:arg[:arg2]]

where code is an exit name (cpuid, npf, cr3_read, exception14, ...) or
number. For cpuid, arg and arg2 are the leaf and subleaf; for other exits
they are EXITINFO2 and EXITINFO1. For example:

	noirctl simulate -exits=cpuid:0x1,cpuid:0x40000000,npf:0x1000:0x7
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Simulate) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.exits, "exits", "", "comma separated list of VM exits to deliver.")
	f.UintVar(&s.cpu, "cpu", 0, "processor that takes the exits.")
}

// Execute implements subcommands.Command.Execute.
func (s *Simulate) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	exits, err := parseExits(s.exits)
	if err != nil {
		f.Usage()
		return Errorf("%v", err)
	}
	if err := simulate(os.Stdout, conf, uint32(s.cpu), exits); err != nil {
		return Errorf("simulate: %v", err)
	}
	return subcommands.ExitSuccess
}

// cpuidBytes is the encoding of cpuid.
var cpuidBytes = []byte{0x0F, 0xA2}

// parseExits parses the -exits list.
func parseExits(list string) ([]sim.Exit, error) {
	var exits []sim.Exit
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ":")
		if len(parts) > 3 {
			return nil, fmt.Errorf("exit %q: too many arguments", item)
		}
		code, err := svm.ParseExitCode(parts[0])
		if err != nil {
			return nil, err
		}
		var vals [2]uint64
		for i, p := range parts[1:] {
			if vals[i], err = strconv.ParseUint(p, 0, 64); err != nil {
				return nil, fmt.Errorf("exit %q: %w", item, err)
			}
		}
		e := sim.Exit{Code: int64(code)}
		if code == svm.ExitCPUID {
			e.GPR.Rax = vals[0]
			e.GPR.Rcx = vals[1]
			e.Bytes = cpuidBytes
		} else {
			e.Info2 = vals[0]
			e.Info1 = vals[1]
		}
		exits = append(exits, e)
	}
	return exits, nil
}

// simulate builds the machine described by conf, subverts it and delivers
// exits to processor cpu, writing a report to w.
func simulate(w io.Writer, conf *config.Config, cpu uint32, exits []sim.Exit) error {
	m, err := sim.New(conf.Sim())
	if err != nil {
		return err
	}
	if cpu >= m.ProcessorCount() {
		return fmt.Errorf("processor %d out of range, machine has %d", cpu, m.ProcessorCount())
	}
	c := nvc.New(m, conf.Options())
	fmt.Fprintf(w, "vendor %v, support %v, enabled %t\n", c.Vendor(), c.GetVirtualizationSupportability(), c.IsVirtualizationEnabled())
	if err := c.BuildHypervisor(); err != nil {
		fmt.Fprintf(w, "build: %v (status %#08x)\n", err, uint32(status.Of(err)))
		return nil
	}
	defer c.TeardownHypervisor()
	hv := c.Hypervisor()
	if hv.NPT() != nil {
		fmt.Fprintf(w, "nested paging: ncr3 %#x, %d split tables\n", hv.NPT().NCR3(), len(hv.NPT().Splits()))
	}

	writeLeaves(w, mshv.Function{}, mshv.LeafRangeAndVendor, mshv.HandlerCount)

	rip := m.CPU(cpu).GuestEntry()
	for _, e := range exits {
		e.GuestRIP = rip
		e.NextRIP = rip + uint64(len(e.Bytes))
		code := svm.ExitCode(e.Code)
		res, err := m.Exit(cpu, e)
		if err != nil {
			return err
		}
		if res.Halted {
			fmt.Fprintf(w, "cpu %d: %v: halted: %v\n", cpu, code, res.Reason)
			if fe, ok := res.Reason.(*svm.FatalError); ok {
				fmt.Fprintf(w, "%s\n", fe.Details())
			}
			break
		}
		rip = res.RIP
		g := res.GPR
		fmt.Fprintf(w, "cpu %d: %v: rip %#x rax %#x rbx %#x rcx %#x rdx %#x", cpu, code, res.RIP, g.Rax, g.Rbx, g.Rcx, g.Rdx)
		if res.Event.Valid() {
			fmt.Fprintf(w, " inject %v", res.Event)
		}
		fmt.Fprintln(w)
	}

	for _, v := range hv.Vcpus() {
		counts, other := v.Exits()
		fmt.Fprintf(w, "vcpu %d: %v, apic %d, exits %v", v.ID(), v.State(), v.APICID(), counts)
		if other != 0 {
			fmt.Fprintf(w, " (+%d out of range)", other)
		}
		fmt.Fprintln(w)
	}
	log.Debugf("Simulation of %d exits done", len(exits))
	return nil
}

// writeLeaves writes n CPUID leaves of fn starting at first.
func writeLeaves(w io.Writer, fn cpuid.Function, first, n uint32) {
	for leaf := first; leaf < first+n; leaf++ {
		out := fn.Query(cpuid.In{Eax: leaf})
		fmt.Fprintf(w, "leaf %#x: eax %#x ebx %#x ecx %#x edx %#x\n", leaf, out.Eax, out.Ebx, out.Ecx, out.Edx)
	}
}
