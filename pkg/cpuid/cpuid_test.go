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

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func idOf(s string) (r [12]byte) {
	copy(r[:], s)
	return r
}

// These magical constants are the characters of "GenuineIntel" and
// "AuthenticAMD", laid out as ebx:edx:ecx.
func TestVendorRegs(t *testing.T) {
	for _, tc := range []struct {
		vendor     string
		bx, cx, dx uint32
	}{
		{"GenuineIntel", 0x756e6547, 0x6c65746e, 0x49656e69},
		{"AuthenticAMD", 0x68747541, 0x444d4163, 0x69746e65},
	} {
		bx, cx, dx := RegsFromVendorID(idOf(tc.vendor))
		if bx != tc.bx || cx != tc.cx || dx != tc.dx {
			t.Errorf("RegsFromVendorID(%q) = %x:%x:%x, want %x:%x:%x", tc.vendor, bx, cx, dx, tc.bx, tc.cx, tc.dx)
		}
		if got := VendorIDFromRegs(tc.bx, tc.cx, tc.dx); string(got[:]) != tc.vendor {
			t.Errorf("VendorIDFromRegs(%x, %x, %x) = %q, want %q", tc.bx, tc.cx, tc.dx, got, tc.vendor)
		}
	}
}

func TestVendorFromID(t *testing.T) {
	for _, tc := range []struct {
		id   string
		want Vendor
	}{
		{"AuthenticAMD", VendorAMD},
		{"HygonGenuine", VendorHygon},
		{"GenuineIntel", VendorIntel},
		{"CentaurHauls", VendorVIA},
		{"  Shanghai  ", VendorZhaoXin},
		{"TCGTCGTCGTCG", VendorUnknown},
	} {
		if got := VendorFromID(idOf(tc.id)); got != tc.want {
			t.Errorf("VendorFromID(%q) = %v, want %v", tc.id, got, tc.want)
		}
	}
}

func TestSignature(t *testing.T) {
	// Zen 3: family 0x19, model 0x21, stepping 0.
	s := Signature(0x00A20F10)
	if got := s.Family(); got != 0x19 {
		t.Errorf("Family() = %#x, want 0x19", got)
	}
	if got := s.Model(); got != 0x21 {
		t.Errorf("Model() = %#x, want 0x21", got)
	}
	if got := s.Stepping(); got != 0 {
		t.Errorf("Stepping() = %#x, want 0", got)
	}
}

func TestNewSignature(t *testing.T) {
	for _, tc := range []struct {
		family, model, stepping uint32
		want                    Signature
	}{
		{0x19, 0x21, 0, 0x00A20F10},
		{0x19, 0x21, 2, 0x00A20F12},
		{0x6, 0x9E, 0xA, 0x000906EA},
		{0x5, 0x8, 1, 0x00000581},
	} {
		got := NewSignature(tc.family, tc.model, tc.stepping)
		if got != tc.want {
			t.Errorf("NewSignature(%#x, %#x, %#x) = %#x, want %#x", tc.family, tc.model, tc.stepping, uint32(got), uint32(tc.want))
		}
		if got.Family() != tc.family || got.Model() != tc.model || got.Stepping() != tc.stepping {
			t.Errorf("%#x decodes to %v", uint32(got), got)
		}
	}
}

func TestFeatureSetFromStatic(t *testing.T) {
	for _, tc := range []struct {
		name   string
		spec   MachineSpec
		svm    bool
		npt    bool
		asids  uint32
		vendor Vendor
	}{
		{
			name:   "svm with npt",
			spec:   MachineSpec{Vendor: idOf("AuthenticAMD"), SVM: true, NestedPaging: true, ASIDs: 32768},
			svm:    true,
			npt:    true,
			asids:  32768,
			vendor: VendorAMD,
		},
		{
			name:   "svm without npt",
			spec:   MachineSpec{Vendor: idOf("HygonGenuine"), SVM: true, ASIDs: 16},
			svm:    true,
			asids:  16,
			vendor: VendorHygon,
		},
		{
			name:   "no svm",
			spec:   MachineSpec{Vendor: idOf("GenuineIntel"), NestedPaging: true, ASIDs: 16},
			vendor: VendorIntel,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fs := FeatureSet{NewStatic(tc.spec)}
			if got := fs.HasSVM(); got != tc.svm {
				t.Errorf("HasSVM() = %v, want %v", got, tc.svm)
			}
			if got := fs.HasNestedPaging(); got != tc.npt {
				t.Errorf("HasNestedPaging() = %v, want %v", got, tc.npt)
			}
			if got := fs.ASIDs(); got != tc.asids {
				t.Errorf("ASIDs() = %d, want %d", got, tc.asids)
			}
			if got := fs.Vendor(); got != tc.vendor {
				t.Errorf("Vendor() = %v, want %v", got, tc.vendor)
			}
		})
	}
}

func TestWithAPICID(t *testing.T) {
	base := NewStatic(MachineSpec{Vendor: idOf("AuthenticAMD"), Signature: 0x00A20F10})
	s := base.WithAPICID(5)
	fs := FeatureSet{s}
	if got := fs.APICID(); got != 5 {
		t.Errorf("APICID() = %d, want 5", got)
	}
	if got := fs.X2APICID(); got != 5 {
		t.Errorf("X2APICID() = %d, want 5", got)
	}
	if got := fs.Signature(); got != 0x00A20F10 {
		t.Errorf("Signature() = %#x, want 0xa20f10", uint32(got))
	}
	if got := (FeatureSet{base}).APICID(); got != 0 {
		t.Errorf("base APICID() = %d after WithAPICID, want 0", got)
	}
}

func TestStaticSubleafFallback(t *testing.T) {
	s := Static{}
	s.Set(In{Eax: 7}, Out{Ebx: 1})
	s.Set(In{Eax: 7, Ecx: 1}, Out{Eax: 2})
	if diff := cmp.Diff(Out{Eax: 2}, s.Query(In{Eax: 7, Ecx: 1})); diff != "" {
		t.Errorf("sub-leaf 1 mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(Out{Ebx: 1}, s.Query(In{Eax: 7, Ecx: 3})); diff != "" {
		t.Errorf("fallback mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(Out{}, s.Query(In{Eax: 0x12})); diff != "" {
		t.Errorf("unknown leaf mismatch (-want +got):\n%s", diff)
	}
}

func TestToStatic(t *testing.T) {
	src := NewStatic(MachineSpec{Vendor: idOf("AuthenticAMD"), SVM: true, ASIDs: 8})
	if diff := cmp.Diff(src, ToStatic(src)); diff != "" {
		t.Errorf("ToStatic mismatch (-want +got):\n%s", diff)
	}
}
