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

package npt

import (
	"fmt"
	"sync/atomic"
)

// Bits in nested page table entries.
const (
	present      = 1 << 0
	writable     = 1 << 1
	user         = 1 << 2
	writeThrough = 1 << 3
	cacheDisable = 1 << 4
	accessed     = 1 << 5
	dirty        = 1 << 6
	super        = 1 << 7
	global       = 1 << 8
	noExecute    = 1 << 63

	// addressMask covers a 4 KiB-aligned next-level or page base.
	addressMask = 0x000FFFFFFFFFF000
	optionMask  = noExecute | 0xfff
)

// PTE is a nested page table entry at any level.
//
// Entries are read and written atomically; the processor walks them
// concurrently with updates.
type PTE uint64

// PTEs is one page of entries.
type PTEs [entriesPerTable]PTE

// Opts are the permission bits of an entry.
type Opts struct {
	Read    bool
	Write   bool
	User    bool
	Execute bool
}

func (o Opts) bits() uint64 {
	var v uint64
	if o.Read {
		v |= present
	}
	if o.Write {
		v |= writable
	}
	if o.User {
		v |= user
	}
	if !o.Execute {
		v |= noExecute
	}
	return v
}

// Load returns the raw entry.
func (p *PTE) Load() uint64 {
	return atomic.LoadUint64((*uint64)(p))
}

// Store sets the raw entry.
func (p *PTE) Store(v uint64) {
	atomic.StoreUint64((*uint64)(p), v)
}

// Clear clears this PTE, including super page information.
func (p *PTE) Clear() {
	p.Store(0)
}

// Valid returns true iff this entry is present.
func (p *PTE) Valid() bool {
	return p.Load()&present != 0
}

// IsSuper returns true iff this entry maps a large or giant page.
func (p *PTE) IsSuper() bool {
	return p.Load()&super != 0
}

// Writable returns true iff the write bit is set.
func (p *PTE) Writable() bool {
	return p.Load()&writable != 0
}

// User returns true iff the user bit is set.
func (p *PTE) User() bool {
	return p.Load()&user != 0
}

// NoExecute returns true iff the no-execute bit is set.
func (p *PTE) NoExecute() bool {
	return p.Load()&noExecute != 0
}

// Address extracts the page or next-level table base.
func (p *PTE) Address() uint64 {
	return p.Load() & addressMask
}

// Opts returns the permissions of this entry.
func (p *PTE) Opts() Opts {
	v := p.Load()
	return Opts{
		Read:    v&present != 0,
		Write:   v&writable != 0,
		User:    v&user != 0,
		Execute: v&noExecute == 0,
	}
}

// SetLeaf installs a super page leaf mapping addr. The low bits of addr
// below the page size of the level must already be clear.
func (p *PTE) SetLeaf(addr uint64, opts Opts) {
	p.Store(addr&addressMask | super | opts.bits())
}

// SetTable installs a pointer to the next-level table at addr. Table
// entries are present, writable and user so that leaves alone decide.
func (p *PTE) SetTable(addr uint64) {
	p.Store(addr&addressMask | present | writable | user)
}

// String implements fmt.Stringer.
func (p *PTE) String() string {
	v := p.Load()
	var flags [6]byte
	for i, f := range []struct {
		bit uint64
		c   byte
	}{
		{present, 'p'},
		{writable, 'w'},
		{user, 'u'},
		{accessed, 'a'},
		{dirty, 'd'},
		{super, 's'},
	} {
		if v&f.bit != 0 {
			flags[i] = f.c
		} else {
			flags[i] = '-'
		}
	}
	x := byte('x')
	if v&noExecute != 0 {
		x = '-'
	}
	return fmt.Sprintf("%#x[%s%c]", v&addressMask, flags[:], x)
}
