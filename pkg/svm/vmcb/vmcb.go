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

// Package vmcb provides typed access to a Virtual Machine Control Block.
//
// A VMCB is one 4 KiB page whose fields sit at byte offsets fixed by the
// architecture. VMCB wraps that page; every access goes through an Offset
// and a fixed-width value type, and values are stored little-endian.
package vmcb

import (
	"encoding/binary"
	"fmt"
	"unsafe"
)

// Size is the size of a VMCB.
const Size = 4096

// VMCB is a view of one control block page.
type VMCB struct {
	b []byte
}

// New wraps b, which must be exactly one page.
func New(b []byte) VMCB {
	if len(b) != Size {
		panic(fmt.Sprintf("vmcb: region is %d bytes, want %d", len(b), Size))
	}
	return VMCB{b: b}
}

// Bytes returns the underlying page.
func (v VMCB) Bytes() []byte {
	return v.b
}

// Value is the set of field widths a VMCB access may use.
type Value interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64 | ~int8 | ~int16 | ~int32 | ~int64
}

func sizeOf[T Value]() int {
	var zero T
	return int(unsafe.Sizeof(zero))
}

func (v VMCB) load(off Offset, size int) uint64 {
	p := v.b[off : int(off)+size]
	switch size {
	case 1:
		return uint64(p[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(p))
	case 4:
		return uint64(binary.LittleEndian.Uint32(p))
	default:
		return binary.LittleEndian.Uint64(p)
	}
}

func (v VMCB) store(off Offset, size int, x uint64) {
	p := v.b[off : int(off)+size]
	switch size {
	case 1:
		p[0] = uint8(x)
	case 2:
		binary.LittleEndian.PutUint16(p, uint16(x))
	case 4:
		binary.LittleEndian.PutUint32(p, uint32(x))
	default:
		binary.LittleEndian.PutUint64(p, x)
	}
}

// Read reads a T at off.
func Read[T Value](v VMCB, off Offset) T {
	return T(v.load(off, sizeOf[T]()))
}

// Write writes x at off.
func Write[T Value](v VMCB, off Offset, x T) {
	v.store(off, sizeOf[T](), uint64(x))
}

// Or sets the bits of x in the T at off.
func Or[T Value](v VMCB, off Offset, x T) {
	Write(v, off, Read[T](v, off)|x)
}

// And clears the bits not in x in the T at off.
func And[T Value](v VMCB, off Offset, x T) {
	Write(v, off, Read[T](v, off)&x)
}

// Xor toggles the bits of x in the T at off.
func Xor[T Value](v VMCB, off Offset, x T) {
	Write(v, off, Read[T](v, off)^x)
}

// Copy copies the T at off from src to dst.
func Copy[T Value](dst, src VMCB, off Offset) {
	Write(dst, off, Read[T](src, off))
}

// BitTest32 tests bit pos of the 32-bit word at off. As with the bt
// instruction, pos is taken modulo 32.
func (v VMCB) BitTest32(off Offset, pos uint32) bool {
	return Read[uint32](v, off)&(1<<(pos&31)) != 0
}

// BitSet32 sets bit pos of the 32-bit word at off.
func (v VMCB) BitSet32(off Offset, pos uint32) {
	Or(v, off, uint32(1)<<(pos&31))
}

// BitReset32 clears bit pos of the 32-bit word at off.
func (v VMCB) BitReset32(off Offset, pos uint32) {
	And(v, off, ^(uint32(1) << (pos & 31)))
}

// ExitCode returns the exit code of the last VM exit, sign-extended from its
// low 32 bits. Some hypervisors only populate the low half when running
// nested, and all defined negative codes fit in 32 bits.
func (v VMCB) ExitCode() int64 {
	return int64(Read[int32](v, ExitCode))
}

// SetExitCode stores a 64-bit exit code.
func (v VMCB) SetExitCode(code int64) {
	Write(v, ExitCode, code)
}

// ExitInfo1 returns the first exit information field.
func (v VMCB) ExitInfo1() uint64 {
	return Read[uint64](v, ExitInfo1)
}

// ExitInfo2 returns the second exit information field.
func (v VMCB) ExitInfo2() uint64 {
	return Read[uint64](v, ExitInfo2)
}

// NextRIP returns the address of the instruction after the intercepted one.
func (v VMCB) NextRIP() uint64 {
	return Read[uint64](v, NextRIP)
}

// GuestRIP returns the guest instruction pointer.
func (v VMCB) GuestRIP() uint64 {
	return Read[uint64](v, GuestRIP)
}

// SetGuestRIP sets the guest instruction pointer.
func (v VMCB) SetGuestRIP(rip uint64) {
	Write(v, GuestRIP, rip)
}

// GuestRFLAGS returns the guest flags.
func (v VMCB) GuestRFLAGS() uint64 {
	return Read[uint64](v, GuestRFLAGS)
}

// GuestRAX returns the guest rax.
func (v VMCB) GuestRAX() uint64 {
	return Read[uint64](v, GuestRAX)
}

// SetGuestRAX sets the guest rax.
func (v VMCB) SetGuestRAX(rax uint64) {
	Write(v, GuestRAX, rax)
}

// InstructionBytes returns the guest instruction bytes fetched by the
// processor on the last intercept, if any.
func (v VMCB) InstructionBytes() []byte {
	n := int(Read[uint8](v, NumberOfBytesFetched))
	if n > MaxInstructionBytes {
		n = MaxInstructionBytes
	}
	start := int(GuestInstructionBytes)
	return v.b[start : start+n]
}

// Inject writes an event to be delivered on the next VM entry.
func (v VMCB) Inject(e EventInjection) {
	Write(v, EventInjectionField, uint64(e))
}

// PendingEvent returns the event queued for the next VM entry.
func (v VMCB) PendingEvent() EventInjection {
	return EventInjection(Read[uint64](v, EventInjectionField))
}

// Clean marks the fields covered by bits as unmodified since the last VM
// exit.
func (v VMCB) Clean(bits CleanBit) {
	Or(v, CleanBits, uint32(bits))
}

// Dirty marks the fields covered by bits as modified, forcing the processor
// to reload them.
func (v VMCB) Dirty(bits CleanBit) {
	And(v, CleanBits, ^uint32(bits))
}
