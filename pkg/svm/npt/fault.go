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
	"strings"
)

// FaultCode is the error code of a nested page fault, reported in EXITINFO1.
type FaultCode uint64

// Fault code bits.
const (
	FaultPresent               FaultCode = 1 << 0
	FaultWrite                 FaultCode = 1 << 1
	FaultUser                  FaultCode = 1 << 2
	FaultReserved              FaultCode = 1 << 3
	FaultCodeRead              FaultCode = 1 << 4
	FaultShadowStack           FaultCode = 1 << 6
	FaultTranslateFinalHPA     FaultCode = 1 << 32
	FaultTranslatePageTable    FaultCode = 1 << 33
	FaultSupervisorShadowStack FaultCode = 1 << 37
)

// Has returns true iff all bits in b are set.
func (f FaultCode) Has(b FaultCode) bool {
	return f&b == b
}

func choose(cond bool, yes, no string) string {
	if cond {
		return yes
	}
	return no
}

// String describes every bit of the fault code.
func (f FaultCode) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Code=%X. ", uint64(f))
	fmt.Fprintf(&b, "Page is %s", choose(f.Has(FaultPresent), "present", "absent"))
	fmt.Fprintf(&b, ", access is %s", choose(f.Has(FaultWrite), "write", "not write"))
	fmt.Fprintf(&b, ", %s", choose(f.Has(FaultUser), "user", "supervisor"))
	fmt.Fprintf(&b, ", %s instruction fetch", choose(f.Has(FaultCodeRead), "is", "is not"))
	fmt.Fprintf(&b, ", %s shadow stack", choose(f.Has(FaultShadowStack), "is", "is not"))
	fmt.Fprintf(&b, ", reserved bits %s set", choose(f.Has(FaultReserved), "are", "are not"))
	fmt.Fprintf(&b, ", translating Final HPA %s", choose(f.Has(FaultTranslateFinalHPA), "failed", "succeeded"))
	fmt.Fprintf(&b, ", translating page table %s", choose(f.Has(FaultTranslatePageTable), "failed", "succeeded"))
	fmt.Fprintf(&b, ", page %s supervisor shadow stack.", choose(f.Has(FaultSupervisorShadowStack), "is", "is not"))
	return b.String()
}
