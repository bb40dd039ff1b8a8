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

// Package config holds the noirctl configuration: logging, the simulated
// machine and the hypervisor options. Values come from a TOML file and are
// overridden by command line flags.
package config

import (
	"flag"
	"fmt"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"gvisor.dev/noirvisor/pkg/cpuid"
	"gvisor.dev/noirvisor/pkg/log"
	"gvisor.dev/noirvisor/pkg/platform/sim"
	"gvisor.dev/noirvisor/pkg/svm"
)

// Config is the noirctl configuration.
type Config struct {
	// LogLevel is the minimum level emitted.
	LogLevel log.Level `toml:"log_level"`

	// LogFormat is "text" (glog lines) or "json".
	LogFormat string `toml:"log_format"`

	// LogFile is the file to log to. Empty means stderr.
	LogFile string `toml:"log_file"`

	// NestedPaging builds the nested page tables during subversion.
	NestedPaging bool `toml:"nested_paging"`

	// UnknownExitInterval is the minimum interval between log messages for
	// one unhandled exit code.
	UnknownExitInterval time.Duration `toml:"unknown_exit_interval"`

	// Machine describes the simulated machine.
	Machine Machine `toml:"machine"`
}

// Machine describes a simulated machine.
type Machine struct {
	Processors   uint32 `toml:"processors"`
	Vendor       string `toml:"vendor"`
	Family       uint32 `toml:"family"`
	Model        uint32 `toml:"model"`
	Stepping     uint32 `toml:"stepping"`
	SVM          bool   `toml:"svm"`
	NestedPaging bool   `toml:"nested_paging"`
	ASIDs        uint32 `toml:"asids"`

	// SVMDisabled models firmware that locked SVM off.
	SVMDisabled bool `toml:"svm_disabled"`

	// FailAllocation is the zero-based index of an allocation to fail,
	// or negative for none.
	FailAllocation int `toml:"fail_allocation"`
}

// Default returns the default configuration: a two processor Zen 3 machine
// with nested paging.
func Default() *Config {
	return &Config{
		LogLevel:            log.Info,
		LogFormat:           "text",
		UnknownExitInterval: svm.DefaultUnknownExitInterval,
		Machine: Machine{
			Processors:     2,
			Vendor:         "AuthenticAMD",
			Family:         0x19,
			Model:          0x21,
			Stepping:       2,
			SVM:            true,
			NestedPaging:   true,
			ASIDs:          32768,
			FailAllocation: -1,
		},
	}
}

// Load reads the file at path over the defaults and validates the result.
// Unknown keys are errors.
func Load(path string) (*Config, error) {
	c := Default()
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("loading %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("loading %q: unknown keys %v", path, undecoded)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("loading %q: %w", path, err)
	}
	return c, nil
}

// Validate checks that c is usable.
func (c *Config) Validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if c.Machine.Processors == 0 {
		return fmt.Errorf("machine needs at least one processor")
	}
	if len(c.Machine.Vendor) > 12 {
		return fmt.Errorf("vendor %q longer than 12 characters", c.Machine.Vendor)
	}
	if c.UnknownExitInterval < 0 {
		return fmt.Errorf("negative unknown_exit_interval %v", c.UnknownExitInterval)
	}
	return nil
}

// flags binds each overridable option to its flag. Defaults are taken from
// Default.
var flags = []struct {
	name  string
	usage string
	get   func(c *Config) string
	set   func(c *Config, v string) error
}{
	{
		name:  "log-level",
		usage: "minimum log level: warning, info or debug.",
		get:   func(c *Config) string { return c.LogLevel.String() },
		set: func(c *Config, v string) error {
			l, err := log.ParseLevel(v)
			c.LogLevel = l
			return err
		},
	},
	{
		name:  "log-format",
		usage: "log format: text or json.",
		get:   func(c *Config) string { return c.LogFormat },
		set:   func(c *Config, v string) error { c.LogFormat = v; return nil },
	},
	{
		name:  "log",
		usage: "file path where logs are written. Empty means stderr.",
		get:   func(c *Config) string { return c.LogFile },
		set:   func(c *Config, v string) error { c.LogFile = v; return nil },
	},
	{
		name:  "nested-paging",
		usage: "build nested page tables during subversion.",
		get:   func(c *Config) string { return strconv.FormatBool(c.NestedPaging) },
		set: func(c *Config, v string) error {
			b, err := strconv.ParseBool(v)
			c.NestedPaging = b
			return err
		},
	},
	{
		name:  "processors",
		usage: "number of simulated processors.",
		get:   func(c *Config) string { return strconv.FormatUint(uint64(c.Machine.Processors), 10) },
		set: func(c *Config, v string) error {
			n, err := strconv.ParseUint(v, 0, 32)
			c.Machine.Processors = uint32(n)
			return err
		},
	},
	{
		name:  "fail-allocation",
		usage: "zero-based index of a simulated allocation to fail, or -1.",
		get:   func(c *Config) string { return strconv.Itoa(c.Machine.FailAllocation) },
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			c.Machine.FailAllocation = n
			return err
		},
	},
}

// RegisterFlags registers the overridable options with fs.
func RegisterFlags(fs *flag.FlagSet) {
	def := Default()
	for _, f := range flags {
		fs.String(f.name, f.get(def), f.usage)
	}
}

// ApplyFlags copies the flags explicitly set on fs into c and validates the
// result.
func (c *Config) ApplyFlags(fs *flag.FlagSet) error {
	var err error
	fs.Visit(func(fl *flag.Flag) {
		if err != nil {
			return
		}
		for _, f := range flags {
			if f.name != fl.Name {
				continue
			}
			if serr := f.set(c, fl.Value.String()); serr != nil {
				err = fmt.Errorf("invalid value %q for flag --%s: %v", fl.Value.String(), f.name, serr)
			}
			return
		}
	})
	if err != nil {
		return err
	}
	return c.Validate()
}

// Sim returns the simulated machine configuration.
func (c *Config) Sim() sim.Config {
	var vendor [12]byte
	copy(vendor[:], c.Machine.Vendor)
	return sim.Config{
		Processors: c.Machine.Processors,
		CPU: cpuid.MachineSpec{
			Vendor:       vendor,
			Signature:    cpuid.NewSignature(c.Machine.Family, c.Machine.Model, c.Machine.Stepping),
			SVM:          c.Machine.SVM,
			NestedPaging: c.Machine.NestedPaging,
			ASIDs:        c.Machine.ASIDs,
		},
		SVMDisabled:    c.Machine.SVMDisabled,
		FailAllocation: c.Machine.FailAllocation,
	}
}

// Options returns the hypervisor options.
func (c *Config) Options() svm.Options {
	return svm.Options{
		NestedPaging:        c.NestedPaging,
		UnknownExitInterval: c.UnknownExitInterval,
	}
}

// Log writes the configuration to the log.
func (c *Config) Log() {
	log.Infof("Config:")
	log.Infof("\t\tLogLevel: %v", c.LogLevel)
	log.Infof("\t\tLogFormat: %s", c.LogFormat)
	log.Infof("\t\tLogFile: %q", c.LogFile)
	log.Infof("\t\tNestedPaging: %t", c.NestedPaging)
	log.Infof("\t\tUnknownExitInterval: %v", c.UnknownExitInterval)
	log.Infof("\t\tMachine: %+v", c.Machine)
}
