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

import "unsafe"

// table views one page as a table of entries.
func table(b []byte) *PTEs {
	if len(b) < len(PTEs{})*8 {
		panic("npt: table region shorter than a page")
	}
	return (*PTEs)(unsafe.Pointer(&b[0]))
}

// entries views a region as a flat run of entries.
func entries(b []byte) []PTE {
	return unsafe.Slice((*PTE)(unsafe.Pointer(&b[0])), len(b)/8)
}
