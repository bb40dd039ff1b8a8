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

package platform

import "unsafe"

// regs views the snapshot as an array indexed by register number.
func (g *GprState) regs() *[NumGPRs]uint64 {
	return (*[NumGPRs]uint64)(unsafe.Pointer(g))
}

// PlaceStackTop copies top into the highest StackTopSize bytes of stack and
// returns the placed record.
func PlaceStackTop(stack []byte, top StackTop) *StackTop {
	if len(stack) < StackTopSize {
		panic("stack smaller than StackTop")
	}
	p := (*StackTop)(unsafe.Pointer(&stack[len(stack)-StackTopSize]))
	*p = top
	return p
}
