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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/google/subcommands"
	"gvisor.dev/noirvisor/pkg/cpuid"
	"gvisor.dev/noirvisor/pkg/log"
	"gvisor.dev/noirvisor/pkg/platform/host"
	"gvisor.dev/noirvisor/pkg/svm"
	"gvisor.dev/noirvisor/pkg/svm/msr"
)

// Check implements subcommands.Command for the "check" command.
type Check struct {
	// cpu is the processor to probe, or -1 for every online processor.
	cpu int
}

// Name implements subcommands.Command.Name.
func (*Check) Name() string {
	return "check"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Check) Synopsis() string {
	return "report whether the host processors can run the hypervisor"
}

// Usage implements subcommands.Command.Usage.
func (*Check) Usage() string {
	return `check [flags]

Probes CPUID and the SVM model-specific registers of the host processors.
Reading MSRs needs the msr driver (modprobe msr) and root; without it the
enabled state is reported as unknown.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Check) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.cpu, "cpu", -1, "processor to probe, or -1 for all online processors.")
}

// Execute implements subcommands.Command.Execute.
func (c *Check) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cpus := []int{c.cpu}
	if c.cpu < 0 {
		var err error
		if cpus, err = host.OnlineCPUs(); err != nil {
			return Errorf("listing online CPUs: %v", err)
		}
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 1, ' ', 0)
	for _, cpu := range cpus {
		checkCPU(w, host.Open(cpu))
	}
	if err := w.Flush(); err != nil {
		return Errorf("writing report: %v", err)
	}
	return subcommands.ExitSuccess
}

// svmMSRs are the registers reported for each processor.
var svmMSRs = []uint32{msr.EFER, msr.VMCR, msr.HSavePA}

func checkCPU(w io.Writer, p *host.Prober) {
	defer p.Close()
	fs := cpuid.FeatureSet{Function: p}
	vendor := fs.Vendor()
	fmt.Fprintf(w, "cpu %d\tvendor %v\t%v\n", p.CPU(), vendor, fs.Signature())
	if vendor != cpuid.VendorAMD && vendor != cpuid.VendorHygon {
		fmt.Fprintf(w, "\tsupport\tnone (only AMD-V is implemented)\n")
		return
	}
	fmt.Fprintf(w, "\tsupport\t%v\n", svm.CheckSupport(p))
	fmt.Fprintf(w, "\tasids\t%d\n", fs.ASIDs())
	for _, index := range svmMSRs {
		v, err := p.TryReadMSR(index)
		if err != nil {
			log.Debugf("CPU %d: %v", p.CPU(), err)
			fmt.Fprintf(w, "\t%s\tunavailable\n", msr.Name(index))
			continue
		}
		fmt.Fprintf(w, "\t%s\t%#x\n", msr.Name(index), v)
	}
	enabled := "unknown"
	if e := svm.CheckEnabled(p); p.Err() == nil {
		enabled = strconv.FormatBool(e)
	}
	fmt.Fprintf(w, "\tenabled\t%s\n", enabled)
}
