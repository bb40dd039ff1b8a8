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

// Package host probes the processors of the machine it runs on.
//
// A Prober answers CPUID natively while pinned to its processor and reads
// MSRs through the msr driver (/dev/cpu/N/msr, root only). It implements
// platform.FeatureProber, which is all the support and enablement checks
// need; subverting a processor needs kernel-mode primitives that user space
// does not have.
package host

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"
	"gvisor.dev/noirvisor/pkg/cpuid"
	"gvisor.dev/noirvisor/pkg/log"
	"gvisor.dev/noirvisor/pkg/platform"
)

// Prober probes one processor.
type Prober struct {
	cpu int
	fd  int

	// mu protects err.
	mu  sync.Mutex
	err error
}

var _ platform.FeatureProber = (*Prober)(nil)

// msrPath returns the msr driver node for cpu.
func msrPath(cpu int) string {
	return fmt.Sprintf("/dev/cpu/%d/msr", cpu)
}

// Open returns a Prober for cpu. If the msr driver is unavailable the
// Prober still answers CPUID, and every MSR read fails.
func Open(cpu int) *Prober {
	p := &Prober{cpu: cpu, fd: -1}
	fd, err := unix.Open(msrPath(cpu), unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		log.Infof("MSR access unavailable on CPU %d: %v", cpu, err)
		p.err = fmt.Errorf("opening %s: %w", msrPath(cpu), err)
		return p
	}
	p.fd = fd
	return p
}

// Close releases the msr driver handle.
func (p *Prober) Close() error {
	if p.fd < 0 {
		return nil
	}
	err := unix.Close(p.fd)
	p.fd = -1
	return err
}

// CPU returns the processor probed.
func (p *Prober) CPU() int {
	return p.cpu
}

// Query implements cpuid.Function.Query. It runs CPUID pinned to the
// processor.
func (p *Prober) Query(in cpuid.In) cpuid.Out {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var old unix.CPUSet
	if err := unix.SchedGetaffinity(0, &old); err == nil {
		defer unix.SchedSetaffinity(0, &old)
	}
	var set unix.CPUSet
	set.Set(p.cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		p.fail(fmt.Errorf("pinning to CPU %d: %w", p.cpu, err))
	}
	return (&cpuid.Native{}).Query(in)
}

// TryReadMSR reads a model-specific register.
func (p *Prober) TryReadMSR(index uint32) (uint64, error) {
	if p.fd < 0 {
		return 0, fmt.Errorf("reading MSR %#x on CPU %d: %w", index, p.cpu, unix.ENODEV)
	}
	var buf [8]byte
	n, err := unix.Pread(p.fd, buf[:], int64(index))
	if err != nil {
		return 0, fmt.Errorf("reading MSR %#x on CPU %d: %w", index, p.cpu, err)
	}
	if n != len(buf) {
		return 0, fmt.Errorf("reading MSR %#x on CPU %d: short read of %d bytes", index, p.cpu, n)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// ReadMSR implements platform.FeatureProber.ReadMSR. A failed read returns
// zero and is reported by Err.
func (p *Prober) ReadMSR(index uint32) uint64 {
	v, err := p.TryReadMSR(index)
	if err != nil {
		p.fail(err)
	}
	return v
}

func (p *Prober) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		p.err = err
	}
}

// Err returns the first error encountered, if any.
func (p *Prober) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// OnlineCPUs returns the processors the calling thread may run on.
func OnlineCPUs() ([]int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil, fmt.Errorf("sched_getaffinity: %w", err)
	}
	cpus := make([]int, 0, set.Count())
	for i := 0; len(cpus) < set.Count(); i++ {
		if set.IsSet(i) {
			cpus = append(cpus, i)
		}
	}
	return cpus, nil
}
