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

// Package mshv answers the synthetic hypervisor CPUID leaves that identify
// the hypervisor to a guest, in the layout of the Microsoft Hypervisor Top
// Level Functional Specification.
package mshv

import (
	"encoding/binary"

	"gvisor.dev/noirvisor/pkg/cpuid"
)

// Synthetic leaves.
const (
	LeafRangeAndVendor         uint32 = 0x40000000
	LeafVendorNeutralInterface uint32 = 0x40000001
	LeafSystemID               uint32 = 0x40000002
	LeafFeatureID              uint32 = 0x40000003
	LeafRecommendations        uint32 = 0x40000004
	LeafLimits                 uint32 = 0x40000005
	LeafHardwareFeatures       uint32 = 0x40000006
)

// IndexMask extracts the table index from a synthetic leaf.
const IndexMask = 0x3FFFFFFF

// VendorSignature identifies this hypervisor.
const VendorSignature = "NoirVisor ZT"

// InterfaceSignature is the interface signature reported in the
// vendor-neutral interface leaf.
const InterfaceSignature = "Hv#0"

// handler answers one synthetic leaf.
type handler func(in cpuid.In) cpuid.Out

// HandlerCount is the number of synthetic leaves answered.
const HandlerCount = 3

// handlers is indexed by leaf & IndexMask.
var handlers = [HandlerCount]handler{
	rangeAndVendor,
	vendorNeutralInterface,
	systemID,
}

// IsSynthetic returns true iff leaf belongs to the synthetic range.
func IsSynthetic(leaf uint32) bool {
	return leaf&LeafRangeAndVendor != 0
}

// Query answers a synthetic leaf. Leaves past the table return zeros.
func Query(in cpuid.In) cpuid.Out {
	idx := in.Eax & IndexMask
	if idx >= HandlerCount {
		return cpuid.Out{}
	}
	return handlers[idx](in)
}

// Function adapts Query to cpuid.Function.
type Function struct{}

// Query implements cpuid.Function.Query.
func (Function) Query(in cpuid.In) cpuid.Out {
	return Query(in)
}

func signature() (b, c, d uint32) {
	s := []byte(VendorSignature)
	return binary.LittleEndian.Uint32(s[0:4]), binary.LittleEndian.Uint32(s[4:8]), binary.LittleEndian.Uint32(s[8:12])
}

func rangeAndVendor(cpuid.In) cpuid.Out {
	b, c, d := signature()
	return cpuid.Out{Eax: LeafRangeAndVendor + HandlerCount - 1, Ebx: b, Ecx: c, Edx: d}
}

func vendorNeutralInterface(cpuid.In) cpuid.Out {
	return cpuid.Out{Eax: binary.LittleEndian.Uint32([]byte(InterfaceSignature))}
}

func systemID(cpuid.In) cpuid.Out {
	b, c, d := signature()
	return cpuid.Out{Eax: LeafVendorNeutralInterface, Ebx: b, Ecx: c, Edx: d}
}
