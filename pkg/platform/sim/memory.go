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

package sim

import (
	"fmt"

	"github.com/google/btree"
	"gvisor.dev/noirvisor/pkg/hostarch"
	"gvisor.dev/noirvisor/pkg/platform"
	"gvisor.dev/noirvisor/pkg/status"
)

const (
	// physBase is the first physical address handed out.
	physBase = 0x100000

	regionDegree = 16
)

// region is one live allocation.
type region struct {
	phys  uint64
	mem   []byte
	large bool
}

func (r *region) end() uint64 {
	return r.phys + uint64(len(r.mem))
}

func lessRegion(a, b *region) bool {
	return a.phys < b.phys
}

// memory is a bump allocator over Go memory with physical addresses drawn
// from a private address space. Freed ranges are not reused.
//
// memory is not thread safe; Machine.mu protects it.
type memory struct {
	next    uint64
	count   int
	failAt  int
	regions *btree.BTreeG[*region]
}

func newMemory(failAt int) *memory {
	return &memory{
		next:    physBase,
		failAt:  failAt,
		regions: btree.NewG(regionDegree, lessRegion),
	}
}

// alloc allocates length bytes aligned to align.
func (m *memory) alloc(length, align uint64, large bool) (platform.MemoryDescriptor, error) {
	n := m.count
	m.count++
	if n == m.failAt {
		return platform.MemoryDescriptor{}, fmt.Errorf("allocation %d of %#x bytes: %w", n, length, status.InsufficientResources)
	}
	length = hostarch.PagesFor(length) << hostarch.PageShift
	if length == 0 {
		return platform.MemoryDescriptor{}, fmt.Errorf("allocation %d: zero length: %w", n, status.InvalidParameter)
	}
	phys := (m.next + align - 1) &^ (align - 1)
	m.next = phys + length
	r := &region{phys: phys, mem: make([]byte, length), large: large}
	m.regions.ReplaceOrInsert(r)
	return platform.MemoryDescriptor{Virt: r.mem, Phys: phys}, nil
}

// free releases the region starting at md.Phys.
func (m *memory) free(md platform.MemoryDescriptor) {
	if !md.Valid() {
		return
	}
	r, ok := m.regions.Get(&region{phys: md.Phys})
	if !ok || len(r.mem) != len(md.Virt) {
		panic(fmt.Sprintf("sim: freeing unknown region %#x+%#x", md.Phys, len(md.Virt)))
	}
	m.regions.Delete(r)
}

// lookup returns the host view of [phys, phys+length), which must lie within
// one live region.
func (m *memory) lookup(phys, length uint64) []byte {
	var found *region
	m.regions.DescendLessOrEqual(&region{phys: phys}, func(r *region) bool {
		found = r
		return false
	})
	if found == nil || phys+length > found.end() || phys+length < phys {
		return nil
	}
	off := phys - found.phys
	return found.mem[off : off+length : off+length]
}

// live returns the number of live regions.
func (m *memory) live() int {
	return m.regions.Len()
}

// largePages calls fn for every live large page in address order, which is
// also allocation order.
func (m *memory) largePages(fn func(start, length uint64)) {
	m.regions.Ascend(func(r *region) bool {
		if r.large {
			fn(r.phys, uint64(len(r.mem)))
		}
		return true
	})
}
