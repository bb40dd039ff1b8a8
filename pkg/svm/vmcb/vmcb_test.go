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

package vmcb

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/noirvisor/pkg/platform"
)

func newTestVMCB() VMCB {
	return New(make([]byte, Size))
}

func TestNewRejectsWrongSize(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("New accepted a short region")
		}
	}()
	New(make([]byte, Size-1))
}

func TestReadWriteWidths(t *testing.T) {
	v := newTestVMCB()
	Write(v, GuestRIP, uint64(0x1122334455667788))
	Write(v, GuestASID, uint32(1))
	Write(v, InterceptInstruction2, uint16(0x7f))
	Write(v, GuestCPL, uint8(3))

	if got := Read[uint64](v, GuestRIP); got != 0x1122334455667788 {
		t.Errorf("Read[uint64](GuestRIP) = %#x", got)
	}
	// Little-endian: the low byte comes first.
	if got := v.Bytes()[GuestRIP]; got != 0x88 {
		t.Errorf("first byte of GuestRIP = %#x, want 0x88", got)
	}
	if got := Read[uint32](v, GuestRIP); got != 0x55667788 {
		t.Errorf("Read[uint32](GuestRIP) = %#x, want 0x55667788", got)
	}
	if got := Read[uint32](v, GuestASID); got != 1 {
		t.Errorf("Read[uint32](GuestASID) = %d, want 1", got)
	}
	if got := Read[uint16](v, InterceptInstruction2); got != 0x7f {
		t.Errorf("Read[uint16](InterceptInstruction2) = %#x, want 0x7f", got)
	}
	if got := Read[uint8](v, GuestCPL); got != 3 {
		t.Errorf("Read[uint8](GuestCPL) = %d, want 3", got)
	}
	// Neighbouring fields are untouched.
	if got := Read[uint64](v, GuestRFLAGS); got != 0 {
		t.Errorf("GuestRFLAGS = %#x, want 0", got)
	}
}

func TestBitwise(t *testing.T) {
	v := newTestVMCB()
	Or(v, InterceptInstruction1, InterceptCPUID)
	Or(v, InterceptInstruction1, InterceptMSR)
	if got := Read[uint32](v, InterceptInstruction1); got != InterceptCPUID|InterceptMSR {
		t.Errorf("after Or: %#x", got)
	}
	And(v, InterceptInstruction1, ^InterceptMSR)
	if got := Read[uint32](v, InterceptInstruction1); got != InterceptCPUID {
		t.Errorf("after And: %#x", got)
	}
	Xor(v, InterceptInstruction1, InterceptCPUID|InterceptIO)
	if got := Read[uint32](v, InterceptInstruction1); got != InterceptIO {
		t.Errorf("after Xor: %#x", got)
	}
}

func TestBitTest32(t *testing.T) {
	v := newTestVMCB()
	v.BitSet32(InterceptInstruction1, 18)
	v.BitSet32(InterceptInstruction1, 31)
	for pos := uint32(0); pos < 32; pos++ {
		want := pos == 18 || pos == 31
		if got := v.BitTest32(InterceptInstruction1, pos); got != want {
			t.Errorf("BitTest32(%d) = %v, want %v", pos, got, want)
		}
	}
	if !v.BitTest32(InterceptInstruction1, 18+32) {
		t.Errorf("BitTest32 did not wrap the bit position")
	}
	v.BitReset32(InterceptInstruction1, 31)
	if got := Read[uint32](v, InterceptInstruction1); got != InterceptCPUID {
		t.Errorf("after BitReset32: %#x, want %#x", got, InterceptCPUID)
	}
}

func TestCopy(t *testing.T) {
	src, dst := newTestVMCB(), newTestVMCB()
	Write(src, GuestCR3, uint64(0xabc000))
	Copy[uint64](dst, src, GuestCR3)
	if got := Read[uint64](dst, GuestCR3); got != 0xabc000 {
		t.Errorf("Copy: GuestCR3 = %#x", got)
	}
}

func TestExitCodeSignExtension(t *testing.T) {
	v := newTestVMCB()
	for _, tc := range []struct {
		raw  uint64
		want int64
	}{
		{0x72, 0x72},
		{0x400, 0x400},
		{0xFFFFFFFFFFFFFFFF, -1},
		// Only the low half is populated.
		{0x00000000FFFFFFFE, -2},
	} {
		Write(v, ExitCode, tc.raw)
		if got := v.ExitCode(); got != tc.want {
			t.Errorf("ExitCode() with raw %#x = %d, want %d", tc.raw, got, tc.want)
		}
	}
	v.SetExitCode(-3)
	if got := Read[uint64](v, ExitCode); got != 0xFFFFFFFFFFFFFFFD {
		t.Errorf("SetExitCode(-3) stored %#x", got)
	}
}

func TestSegmentAttributeRoundTrip(t *testing.T) {
	for x := 0; x <= 0xFFFF; x++ {
		attr := uint16(x)
		packed := PackAttributes(attr)
		if packed&^0x0FFF != 0 {
			t.Fatalf("PackAttributes(%#x) = %#x uses more than 12 bits", attr, packed)
		}
		if got, want := UnpackAttributes(packed), attr&AttribMask; got != want {
			t.Fatalf("UnpackAttributes(PackAttributes(%#x)) = %#x, want %#x", attr, got, want)
		}
	}
}

func TestPackAttributesKnownValues(t *testing.T) {
	for _, tc := range []struct {
		attr, packed uint16
	}{
		// 64-bit code: P, DPL 0, S, type 0xb, L, G.
		{0xA09B, 0xA9B},
		// Flat data: P, S, type 3, D/B, G.
		{0xC093, 0xC93},
		// 64-bit TSS.
		{0x008B, 0x08B},
	} {
		if got := PackAttributes(tc.attr); got != tc.packed {
			t.Errorf("PackAttributes(%#x) = %#x, want %#x", tc.attr, got, tc.packed)
		}
	}
}

func TestSegmentReadWrite(t *testing.T) {
	v := newTestVMCB()
	seg := platform.SegmentRegister{Selector: 0x10, Attrib: 0xA09B, Limit: 0xFFFFFFFF, Base: 0}
	v.WriteSegment(GuestCS, seg)
	if got := Read[uint16](v, GuestCS+SegmentAttrib); got != 0xA9B {
		t.Errorf("packed CS attributes = %#x, want 0xa9b", got)
	}
	if diff := cmp.Diff(seg, v.ReadSegment(GuestCS)); diff != "" {
		t.Errorf("ReadSegment mismatch (-want +got):\n%s", diff)
	}
	tr := platform.SegmentRegister{Selector: 0x40, Attrib: 0x008B, Limit: 0x67, Base: 0xfffff80000001000}
	v.WriteSegment(GuestTR, tr)
	if diff := cmp.Diff(tr, v.ReadSegment(GuestTR)); diff != "" {
		t.Errorf("ReadSegment(TR) mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(seg, v.ReadSegment(GuestCS)); diff != "" {
		t.Errorf("writing TR disturbed CS (-want +got):\n%s", diff)
	}
}

func TestEventInjection(t *testing.T) {
	db := NewEvent(VectorDebug, EventException)
	if uint64(db) != 0x80000301 {
		t.Errorf("#DB event = %#x, want 0x80000301", uint64(db))
	}
	if !db.Valid() || db.Vector() != VectorDebug || db.Type() != EventException {
		t.Errorf("#DB event decoded as %v", db)
	}
	if _, ok := db.ErrorCode(); ok {
		t.Errorf("#DB event carries an error code")
	}
	gp := NewEventWithError(VectorGeneralFault, EventException, 0x18)
	if code, ok := gp.ErrorCode(); !ok || code != 0x18 {
		t.Errorf("#GP error code = %#x, %v, want 0x18, true", code, ok)
	}

	v := newTestVMCB()
	v.Inject(gp)
	if got := Read[uint32](v, EventErrorCode); got != 0x18 {
		t.Errorf("EventErrorCode = %#x, want 0x18", got)
	}
	if got := v.PendingEvent(); got != gp {
		t.Errorf("PendingEvent() = %v, want %v", got, gp)
	}
}

func TestInstructionBytes(t *testing.T) {
	v := newTestVMCB()
	if got := v.InstructionBytes(); len(got) != 0 {
		t.Errorf("InstructionBytes() = %x with no bytes fetched", got)
	}
	copy(v.Bytes()[GuestInstructionBytes:], []byte{0x0f, 0xa2})
	Write(v, NumberOfBytesFetched, uint8(2))
	if diff := cmp.Diff([]byte{0x0f, 0xa2}, v.InstructionBytes()); diff != "" {
		t.Errorf("InstructionBytes mismatch (-want +got):\n%s", diff)
	}
	Write(v, NumberOfBytesFetched, uint8(0xff))
	if got := len(v.InstructionBytes()); got != MaxInstructionBytes {
		t.Errorf("len(InstructionBytes()) = %d, want %d", got, MaxInstructionBytes)
	}
}

func TestCleanBits(t *testing.T) {
	v := newTestVMCB()
	v.Clean(CleanAll)
	v.Dirty(CleanNestedPaging | CleanASID)
	want := uint32(CleanAll &^ (CleanNestedPaging | CleanASID))
	if got := Read[uint32](v, CleanBits); got != want {
		t.Errorf("clean bits = %#x, want %#x", got, want)
	}
}

func TestFieldsLayout(t *testing.T) {
	var end Offset
	for i, f := range Fields {
		if f.Size <= 0 {
			t.Errorf("field %s has size %d", f.Name, f.Size)
		}
		if i > 0 && f.Offset < end {
			t.Errorf("field %s at %#x overlaps the previous field ending at %#x", f.Name, f.Offset, end)
		}
		end = f.Offset + Offset(f.Size)
		if end > Size {
			t.Errorf("field %s ends past the page at %#x", f.Name, end)
		}
	}
}
