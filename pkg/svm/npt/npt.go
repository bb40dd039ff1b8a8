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

// Package npt manages the nested page tables of the hypervisor.
//
// The guest-physical address space starts identity mapped with 1 GiB pages:
// one PML4 page whose 512 entries point at consecutive pages of a 2 MiB PDPT
// block. Any 1 GiB region can be split, once, into 512 2 MiB pages in order
// to remap or protect part of it. Splits are never merged back.
package npt

import (
	"fmt"
	"sync"

	"github.com/google/btree"
	"gvisor.dev/noirvisor/pkg/hostarch"
	"gvisor.dev/noirvisor/pkg/log"
	"gvisor.dev/noirvisor/pkg/platform"
)

const (
	entriesPerTable = hostarch.EntriesPerTable

	pdeShift   = hostarch.HugePageShift
	pdpteShift = hostarch.GiantPageShift
	pml4Shift  = 39

	// pdpteCount is the number of PDPT entries in the identity map.
	pdpteCount = entriesPerTable * entriesPerTable

	// splitDegree is the B-tree degree of the split table index.
	splitDegree = 8
)

// TableDescriptor records a PDE table produced by a split and the first
// guest-physical address it covers.
type TableDescriptor struct {
	Table    platform.MemoryDescriptor
	GPAStart uint64
}

func lessDescriptor(a, b *TableDescriptor) bool {
	return a.GPAStart < b.GPAStart
}

// LargePageEnumerator enumerates large pages handed out for hypervisor use.
type LargePageEnumerator interface {
	EnumLargePages(fn func(start, length uint64))
}

// Manager owns one set of nested page tables.
type Manager struct {
	alloc platform.Allocator

	// mu protects the fields below and the tables themselves.
	mu sync.Mutex

	pml4 platform.MemoryDescriptor
	pdpt platform.MemoryDescriptor

	// pdes indexes split PDE tables by GPAStart.
	pdes *btree.BTreeG[*TableDescriptor]
}

// New returns a Manager allocating from alloc. Call BuildIdentityMap before
// anything else.
func New(alloc platform.Allocator) *Manager {
	return &Manager{
		alloc: alloc,
		pdes:  btree.NewG(splitDegree, lessDescriptor),
	}
}

// BuildIdentityMap allocates and fills the PML4 and PDPT levels so that every
// guest-physical address maps to the same host-physical address through a
// present, writable, user, executable 1 GiB page.
//
// It panics if memory cannot be allocated: this runs once at bring-up and
// there is no guest to return to.
func (m *Manager) BuildIdentityMap() {
	m.mu.Lock()
	defer m.mu.Unlock()

	pml4, err := m.alloc.AllocContiguous(hostarch.PageSize)
	if err != nil {
		panic(fmt.Sprintf("npt: failed to allocate PML4: %v", err))
	}
	pdpt, err := m.alloc.Alloc2MBPage()
	if err != nil {
		m.alloc.Free(pml4)
		panic(fmt.Sprintf("npt: failed to allocate PDPT: %v", err))
	}
	m.pml4, m.pdpt = pml4, pdpt
	log.Debugf("NPT PML4 at %#x, PDPT at %#x", pml4.Phys, pdpt.Phys)

	identity := Opts{Read: true, Write: true, User: true, Execute: true}
	pdptes := entries(m.pdpt.Virt)
	for k := range pdptes {
		pdptes[k].SetLeaf(uint64(k)<<pdpteShift, identity)
	}
	root := table(m.pml4.Virt)
	for i := range root {
		root[i].SetTable(m.pdpt.Phys + uint64(i)*hostarch.PageSize)
	}
}

// NCR3 returns the nested CR3 value for these tables.
func (m *Manager) NCR3() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pml4.Phys
}

// LocatePDPTE returns the PDPT entry covering gpa.
func (m *Manager) LocatePDPTE(gpa uint64) *PTE {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locatePDPTE(gpa)
}

func (m *Manager) locatePDPTE(gpa uint64) *PTE {
	return &entries(m.pdpt.Virt)[(gpa>>pdpteShift)%pdpteCount]
}

// LocatePDE returns the PDE covering gpa, or nil if the 1 GiB region holding
// gpa has not been split.
func (m *Manager) LocatePDE(gpa uint64) *PTE {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locatePDE(gpa)
}

func (m *Manager) locatePDE(gpa uint64) *PTE {
	d := m.lookupSplit(gpa)
	if d == nil {
		return nil
	}
	return &table(d.Table.Virt)[(gpa>>pdeShift)%entriesPerTable]
}

// lookupSplit finds the split descriptor covering gpa.
func (m *Manager) lookupSplit(gpa uint64) *TableDescriptor {
	var found *TableDescriptor
	m.pdes.DescendLessOrEqual(&TableDescriptor{GPAStart: gpa}, func(d *TableDescriptor) bool {
		found = d
		return false
	})
	if found == nil || gpa-found.GPAStart >= hostarch.GiantPageSize {
		return nil
	}
	return found
}

// SplitPDPTE splits the 1 GiB page covering gpa into 512 2 MiB pages with the
// same permissions, and returns the new PDE table. If the region is already
// split, the existing table is returned and nothing is allocated.
func (m *Manager) SplitPDPTE(gpa uint64) (*TableDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.splitPDPTE(gpa)
}

func (m *Manager) splitPDPTE(gpa uint64) (*TableDescriptor, error) {
	if d := m.lookupSplit(gpa); d != nil {
		return d, nil
	}
	pdpte := m.locatePDPTE(gpa)
	if !pdpte.IsSuper() {
		panic(fmt.Sprintf("npt: PDPTE for %#x is a table but no split is recorded: %v", gpa, pdpte))
	}
	pd, err := m.alloc.AllocContiguous(hostarch.PageSize)
	if err != nil {
		return nil, fmt.Errorf("allocating PDE table for %#x: %w", gpa, err)
	}

	base := pdpte.Address()
	opts := pdpte.Opts()
	pdes := table(pd.Virt)
	for i := range pdes {
		pdes[i].SetLeaf(base+uint64(i)<<pdeShift, opts)
	}
	pdpte.SetTable(pd.Phys)

	d := &TableDescriptor{Table: pd, GPAStart: hostarch.Addr(gpa).GiantRoundDown().Uint64()}
	m.pdes.ReplaceOrInsert(d)
	log.Debugf("NPT split 1 GiB page at %#x, PDE table at %#x", d.GPAStart, pd.Phys)
	return d, nil
}

// UpdatePDE rewrites the PDE covering gpa, splitting its 1 GiB region first
// if needed.
//
// With large set, the entry becomes a 2 MiB page at hpa (rounded down to
// 2 MiB) with the given permissions. Otherwise the entry becomes a pointer
// that keeps its current base and takes the given permissions.
func (m *Manager) UpdatePDE(gpa, hpa uint64, read, write, execute, large bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pde := m.locatePDE(gpa)
	if pde == nil {
		if _, err := m.splitPDPTE(gpa); err != nil {
			return err
		}
		pde = m.locatePDE(gpa)
	}
	opts := Opts{Read: read, Write: write, User: true, Execute: execute}
	if large {
		pde.SetLeaf(hostarch.Addr(hpa).HugeRoundDown().Uint64(), opts)
		return nil
	}
	pde.Store(pde.Address() | opts.bits())
	return nil
}

// ProtectAllocatedPages maps every large page in e as present, read-only and
// non-executable, so the guest cannot modify or run hypervisor memory.
//
// Every enumerated range must be exactly one 2 MiB page; anything else
// panics.
func (m *Manager) ProtectAllocatedPages(e LargePageEnumerator) error {
	var (
		err   error
		count int
	)
	e.EnumLargePages(func(start, length uint64) {
		if length != hostarch.HugePageSize {
			panic(fmt.Sprintf("npt: large page at %#x has length %#x, want %#x", start, length, hostarch.HugePageSize))
		}
		if err != nil {
			return
		}
		err = m.UpdatePDE(start, start, true, false, false, true)
		count++
	})
	if err != nil {
		return err
	}
	log.Debugf("NPT protected %d large pages", count)
	return nil
}

// Translate walks the tables for gpa. It returns the host-physical address,
// the leaf permissions and the leaf page size, or ok false if gpa is not
// mapped.
func (m *Manager) Translate(gpa uint64) (hpa uint64, opts Opts, size uint64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pml4e := &table(m.pml4.Virt)[(gpa>>pml4Shift)%entriesPerTable]
	if !pml4e.Valid() {
		return 0, Opts{}, 0, false
	}
	pdpt := m.lookupTable(pml4e.Address())
	pdpte := &pdpt[(gpa>>pdpteShift)%entriesPerTable]
	if !pdpte.Valid() {
		return 0, Opts{}, 0, false
	}
	if pdpte.IsSuper() {
		return pdpte.Address() + gpa%hostarch.GiantPageSize, pdpte.Opts(), hostarch.GiantPageSize, true
	}
	pd := m.lookupTable(pdpte.Address())
	pde := &pd[(gpa>>pdeShift)%entriesPerTable]
	if !pde.Valid() || !pde.IsSuper() {
		return 0, Opts{}, 0, false
	}
	return pde.Address() + gpa%hostarch.HugePageSize, pde.Opts(), hostarch.HugePageSize, true
}

// lookupTable maps a table's physical address back to its entries.
func (m *Manager) lookupTable(phys uint64) *PTEs {
	b := m.alloc.Lookup(phys, hostarch.PageSize)
	if b == nil {
		panic(fmt.Sprintf("npt: no table at physical address %#x", phys))
	}
	return table(b)
}

// Splits returns the split PDE tables in guest-physical order.
func (m *Manager) Splits() []TableDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TableDescriptor, 0, m.pdes.Len())
	m.pdes.Ascend(func(d *TableDescriptor) bool {
		out = append(out, *d)
		return true
	})
	return out
}

// Cleanup frees every table. The tables must no longer be referenced by any
// VMCB.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pdes.Ascend(func(d *TableDescriptor) bool {
		m.alloc.Free(d.Table)
		return true
	})
	m.pdes.Clear(false)
	m.alloc.Free(m.pdpt)
	m.alloc.Free(m.pml4)
	m.pdpt = platform.MemoryDescriptor{}
	m.pml4 = platform.MemoryDescriptor{}
}
