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

// Package cpuid provides CPUID queries and the processor features the SVM
// core depends on.
//
// A Function is either the native instruction (Native) or a fixed table
// (Static), so the same feature checks run against hardware and against a
// simulated machine.
package cpuid

import "fmt"

// Function executes a CPUID function.
//
// This is typically the native function or a Static definition.
type Function interface {
	Query(In) Out
}

// In is input to the Query function.
type In struct {
	Eax uint32
	Ecx uint32
}

// Out is output from the Query function.
type Out struct {
	Eax uint32
	Ebx uint32
	Ecx uint32
	Edx uint32
}

// The leaves consulted by the hypervisor.
const (
	LeafVendorID        uint32 = 0x0        // Returns vendor ID and largest standard function.
	LeafFeatureInfo     uint32 = 0x1        // Returns basic feature bits and processor signature.
	LeafX2APICTopology  uint32 = 0xb        // Returns core/logical processor topology.
	LeafHypervisorBase  uint32 = 0x40000000 // First leaf of the synthetic hypervisor range.
	LeafExtendedStart   uint32 = 0x80000000 // Returns highest available extended function in eax.
	LeafExtendedFeature uint32 = 0x80000001 // Returns some extended feature bits in edx and ecx.
	LeafSVMFeatures     uint32 = 0x8000000a // Returns SVM revision, ASID count and SVM feature bits.
)

// Feature bits, by leaf and register.
const (
	// FeatureInfoECXHypervisor is set by a hypervisor to announce itself.
	FeatureInfoECXHypervisor uint32 = 1 << 31

	// ExtendedFeatureECXSVM reports secure virtual machine support.
	ExtendedFeatureECXSVM uint32 = 1 << 2

	// SVMFeatureEDXNestedPaging reports nested page table support.
	SVMFeatureEDXNestedPaging uint32 = 1 << 0

	// SVMFeatureEDXNextRIP reports that the VMCB next RIP field is saved.
	SVMFeatureEDXNextRIP uint32 = 1 << 3
)

// Vendor is a processor manufacturer.
type Vendor int

// Known vendors.
const (
	VendorUnknown Vendor = iota
	VendorIntel
	VendorAMD
	VendorVIA
	VendorZhaoXin
	VendorHygon
)

var vendorStrings = map[string]Vendor{
	"GenuineIntel": VendorIntel,
	"AuthenticAMD": VendorAMD,
	"CentaurHauls": VendorVIA,
	"  Shanghai  ": VendorZhaoXin,
	"HygonGenuine": VendorHygon,
}

// String implements fmt.Stringer.
func (v Vendor) String() string {
	switch v {
	case VendorIntel:
		return "Intel"
	case VendorAMD:
		return "AMD"
	case VendorVIA:
		return "VIA"
	case VendorZhaoXin:
		return "ZhaoXin"
	case VendorHygon:
		return "Hygon"
	default:
		return "unknown"
	}
}

// VendorFromID maps a 12-byte vendor string to a Vendor.
func VendorFromID(id [12]byte) Vendor {
	return vendorStrings[string(id[:])]
}

// VendorIDFromRegs converts the ebx:edx:ecx registers of leaf 0 into the
// 12-byte vendor string.
func VendorIDFromRegs(bx, cx, dx uint32) (r [12]byte) {
	for i := uint(0); i < 4; i++ {
		r[i] = byte(bx >> (i * 8))
		r[4+i] = byte(dx >> (i * 8))
		r[8+i] = byte(cx >> (i * 8))
	}
	return r
}

// RegsFromVendorID is the inverse of VendorIDFromRegs.
func RegsFromVendorID(r [12]byte) (bx, cx, dx uint32) {
	for i := uint(0); i < 4; i++ {
		bx |= uint32(r[i]) << (i * 8)
		dx |= uint32(r[4+i]) << (i * 8)
		cx |= uint32(r[8+i]) << (i * 8)
	}
	return
}

// Signature is the processor signature returned in eax of leaf 1.
type Signature uint32

func (s Signature) split() (ef, em, f, m, sid uint8) {
	v := uint32(s)
	sid = uint8(v & 0xf)
	m = uint8(v>>4) & 0xf
	f = uint8(v>>8) & 0xf
	em = uint8(v>>16) & 0xf
	ef = uint8(v >> 20)
	return
}

// NewSignature encodes a displayed family, model and stepping.
func NewSignature(family, model, stepping uint32) Signature {
	f, ef := family, uint32(0)
	if family > 0xf {
		f, ef = 0xf, family-0xf
	}
	m, em := model&0xf, uint32(0)
	if f == 0xf || f == 0x6 {
		em = (model >> 4) & 0xf
	}
	return Signature(ef<<20 | em<<16 | f<<8 | m<<4 | stepping&0xf)
}

// Family returns the displayed family.
func (s Signature) Family() uint32 {
	ef, _, f, _, _ := s.split()
	if f == 0xf {
		return uint32(f) + uint32(ef)
	}
	return uint32(f)
}

// Model returns the displayed model.
func (s Signature) Model() uint32 {
	_, em, f, m, _ := s.split()
	if f == 0xf || f == 0x6 {
		return uint32(em)<<4 | uint32(m)
	}
	return uint32(m)
}

// Stepping returns the stepping id.
func (s Signature) Stepping() uint32 {
	_, _, _, _, sid := s.split()
	return uint32(sid)
}

// String implements fmt.Stringer.
func (s Signature) String() string {
	return fmt.Sprintf("family 0x%x model 0x%x stepping 0x%x", s.Family(), s.Model(), s.Stepping())
}

// FeatureSet answers feature questions using a Function.
type FeatureSet struct {
	Function
}

func (fs FeatureSet) query(eax uint32) Out {
	return fs.Query(In{Eax: eax})
}

// VendorID is the 12-char string returned in ebx:edx:ecx for eax=0.
func (fs FeatureSet) VendorID() [12]byte {
	out := fs.query(LeafVendorID)
	return VendorIDFromRegs(out.Ebx, out.Ecx, out.Edx)
}

// Vendor returns the processor manufacturer.
func (fs FeatureSet) Vendor() Vendor {
	return VendorFromID(fs.VendorID())
}

// Signature returns the processor signature.
func (fs FeatureSet) Signature() Signature {
	return Signature(fs.query(LeafFeatureInfo).Eax)
}

// APICID returns the initial xAPIC id of the current processor.
func (fs FeatureSet) APICID() uint32 {
	return fs.query(LeafFeatureInfo).Ebx >> 24
}

// X2APICID returns the x2APIC id of the current processor.
func (fs FeatureSet) X2APICID() uint32 {
	return fs.query(LeafX2APICTopology).Edx
}

// HasSVM returns true if the processor implements SVM.
func (fs FeatureSet) HasSVM() bool {
	return fs.query(LeafExtendedFeature).Ecx&ExtendedFeatureECXSVM != 0
}

// ASIDs returns the number of address space identifiers.
func (fs FeatureSet) ASIDs() uint32 {
	return fs.query(LeafSVMFeatures).Ebx
}

// HasNestedPaging returns true if the processor implements nested paging.
func (fs FeatureSet) HasNestedPaging() bool {
	return fs.query(LeafSVMFeatures).Edx&SVMFeatureEDXNestedPaging != 0
}
