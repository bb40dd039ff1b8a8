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

import "gvisor.dev/noirvisor/pkg/platform"

// The VMCB stores segment attributes in 12 bits: descriptor bits 0-7 as is,
// and descriptor bits 12-15 moved down to bits 8-11.
const (
	attribLowMask  = 0x00FF
	attribHighMask = 0xF000
	packedHighMask = 0x0F00

	// AttribMask covers the descriptor attribute bits the packed form
	// preserves.
	AttribMask = attribLowMask | attribHighMask
)

// PackAttributes converts descriptor-layout attributes to the VMCB form.
func PackAttributes(x uint16) uint16 {
	return x&attribLowMask | (x&attribHighMask)>>4
}

// UnpackAttributes converts VMCB-form attributes to the descriptor layout.
func UnpackAttributes(y uint16) uint16 {
	return y&attribLowMask | (y&packedHighMask)<<4
}

// WriteSegment stores seg at the segment starting at base.
func (v VMCB) WriteSegment(base Offset, seg platform.SegmentRegister) {
	Write(v, base+SegmentSelector, seg.Selector)
	Write(v, base+SegmentAttrib, PackAttributes(seg.Attrib))
	Write(v, base+SegmentLimit, seg.Limit)
	Write(v, base+SegmentBase, seg.Base)
}

// ReadSegment loads the segment starting at base.
func (v VMCB) ReadSegment(base Offset) platform.SegmentRegister {
	return platform.SegmentRegister{
		Selector: Read[uint16](v, base+SegmentSelector),
		Attrib:   UnpackAttributes(Read[uint16](v, base+SegmentAttrib)),
		Limit:    Read[uint32](v, base+SegmentLimit),
		Base:     Read[uint64](v, base+SegmentBase),
	}
}
