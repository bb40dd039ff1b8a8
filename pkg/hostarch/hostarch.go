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

// Package hostarch contains physical address and page size definitions for
// the amd64 paging structures shared by the host and nested page tables.
package hostarch

const (
	// PageShift is the binary log of the base page size.
	PageShift = 12

	// HugePageShift is the binary log of the large (2 MiB) page size.
	HugePageShift = 21

	// GiantPageShift is the binary log of the giant (1 GiB) page size.
	GiantPageShift = 30

	// PageSize is the base page size.
	PageSize = 1 << PageShift

	// HugePageSize is the large page size.
	HugePageSize = 1 << HugePageShift

	// GiantPageSize is the giant page size.
	GiantPageSize = 1 << GiantPageShift

	// EntriesPerTable is the number of 64-bit entries in one paging table.
	EntriesPerTable = PageSize / 8

	// PhysicalAddressBits is the width of the range covered by a full map of
	// 512 PML4 entries, each spanning 512 giant pages.
	PhysicalAddressBits = 48
)

// Addr is a physical address.
type Addr uint64

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v & ^Addr(PageSize-1)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = Addr(v + PageSize - 1).RoundDown()
	ok = addr >= v
	return
}

// HugeRoundDown returns the address rounded down to the nearest huge page
// boundary.
func (v Addr) HugeRoundDown() Addr {
	return v & ^Addr(HugePageSize-1)
}

// HugeRoundUp returns the address rounded up to the nearest huge page boundary.
// ok is true iff rounding up did not wrap around.
func (v Addr) HugeRoundUp() (addr Addr, ok bool) {
	addr = Addr(v + HugePageSize - 1).HugeRoundDown()
	ok = addr >= v
	return
}

// GiantRoundDown returns the address rounded down to the nearest 1 GiB
// boundary.
func (v Addr) GiantRoundDown() Addr {
	return v & ^Addr(GiantPageSize-1)
}

// PageOffset returns the offset of v into the current page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & Addr(PageSize-1))
}

// IsPageAligned returns true if v.PageOffset() == 0.
func (v Addr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// IsHugePageAligned returns true if v is a multiple of HugePageSize.
func (v Addr) IsHugePageAligned() bool {
	return v&Addr(HugePageSize-1) == 0
}

// PagesFor returns the number of base pages needed to hold length bytes.
func PagesFor(length uint64) uint64 {
	return (length + PageSize - 1) >> PageShift
}

// Uint64 returns v as a uint64.
func (v Addr) Uint64() uint64 {
	return uint64(v)
}
