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
	"strings"
	"text/tabwriter"

	"github.com/google/subcommands"
	"gvisor.dev/noirvisor/pkg/svm/vmcb"
)

// Layout implements subcommands.Command for the "layout" command.
type Layout struct {
	prefix string
}

// Name implements subcommands.Command.Name.
func (*Layout) Name() string {
	return "layout"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Layout) Synopsis() string {
	return "print the VMCB field offsets"
}

// Usage implements subcommands.Command.Usage.
func (*Layout) Usage() string {
	return "layout [-prefix=guest_] - print the VMCB field offsets.\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *Layout) SetFlags(f *flag.FlagSet) {
	f.StringVar(&l.prefix, "prefix", "", "only print fields whose name starts with this prefix.")
}

// Execute implements subcommands.Command.Execute.
func (l *Layout) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := l.write(os.Stdout); err != nil {
		return Errorf("writing layout: %v", err)
	}
	return subcommands.ExitSuccess
}

func (l *Layout) write(out io.Writer) error {
	w := tabwriter.NewWriter(out, 0, 8, 1, ' ', 0)
	fmt.Fprintf(w, "OFFSET\tSIZE\tFIELD\n")
	for _, fl := range vmcb.Fields {
		if !strings.HasPrefix(fl.Name, l.prefix) {
			continue
		}
		fmt.Fprintf(w, "%#x\t%d\t%s\n", uint32(fl.Offset), fl.Size, fl.Name)
	}
	return w.Flush()
}
