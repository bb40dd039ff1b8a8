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

package cpuid

// Static is a static CPUID function.
type Static map[In]Out

// Set sets the output for in.
func (s Static) Set(in In, out Out) {
	s[in] = out
}

// Query implements Function.Query. Sub-leaves that were never set fall back
// to sub-leaf zero, and unknown leaves return zeros.
func (s Static) Query(in In) Out {
	if out, ok := s[in]; ok {
		return out
	}
	return s[In{Eax: in.Eax}]
}

// Clone returns a copy of s.
func (s Static) Clone() Static {
	ns := make(Static, len(s))
	for k, v := range s {
		ns[k] = v
	}
	return ns
}

// ToStatic captures the leaves the hypervisor consults from fn.
func ToStatic(fn Function) Static {
	s := make(Static)
	for _, leaf := range []uint32{
		LeafVendorID,
		LeafFeatureInfo,
		LeafX2APICTopology,
		LeafExtendedStart,
		LeafExtendedFeature,
		LeafSVMFeatures,
	} {
		in := In{Eax: leaf}
		s[in] = fn.Query(in)
	}
	return s
}

// MachineSpec describes a synthetic processor.
type MachineSpec struct {
	Vendor       [12]byte
	Signature    Signature
	SVM          bool
	NestedPaging bool
	ASIDs        uint32
}

// NewStatic builds a Static for a synthetic processor. Per-processor APIC ids
// are left zero; callers patch leaves 1 and 0xb per core.
func NewStatic(spec MachineSpec) Static {
	s := make(Static)
	bx, cx, dx := RegsFromVendorID(spec.Vendor)
	s.Set(In{Eax: LeafVendorID}, Out{Eax: LeafX2APICTopology, Ebx: bx, Ecx: cx, Edx: dx})
	s.Set(In{Eax: LeafFeatureInfo}, Out{Eax: uint32(spec.Signature)})
	s.Set(In{Eax: LeafX2APICTopology}, Out{})
	s.Set(In{Eax: LeafExtendedStart}, Out{Eax: LeafSVMFeatures, Ebx: bx, Ecx: cx, Edx: dx})
	var ext, svm Out
	if spec.SVM {
		ext.Ecx |= ExtendedFeatureECXSVM
		svm.Eax = 1
		svm.Ebx = spec.ASIDs
		svm.Edx |= SVMFeatureEDXNextRIP
		if spec.NestedPaging {
			svm.Edx |= SVMFeatureEDXNestedPaging
		}
	}
	s.Set(In{Eax: LeafExtendedFeature}, ext)
	s.Set(In{Eax: LeafSVMFeatures}, svm)
	return s
}

// WithAPICID returns a copy of s reporting id as both the xAPIC and x2APIC
// id of the processor.
func (s Static) WithAPICID(id uint32) Static {
	ns := s.Clone()
	in := In{Eax: LeafFeatureInfo}
	out := ns[in]
	out.Ebx = out.Ebx&0x00FFFFFF | id<<24
	ns[in] = out
	in = In{Eax: LeafX2APICTopology}
	out = ns[in]
	out.Edx = id
	ns[in] = out
	return ns
}
