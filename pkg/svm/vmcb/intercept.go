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

import "fmt"

// Intercept vector 1 (InterceptInstruction1) bits.
const (
	InterceptINTR uint32 = 1 << iota
	InterceptNMI
	InterceptSMI
	InterceptINIT
	InterceptVINTR
	InterceptCR0SelectiveWrite
	InterceptSIDT
	InterceptSGDT
	InterceptSLDT
	InterceptSTR
	InterceptLIDT
	InterceptLGDT
	InterceptLLDT
	InterceptLTR
	InterceptRDTSC
	InterceptRDPMC
	InterceptPUSHF
	InterceptPOPF
	InterceptCPUID
	InterceptRSM
	InterceptIRET
	InterceptINT
	InterceptINVD
	InterceptPAUSE
	InterceptHLT
	InterceptINVLPG
	InterceptINVLPGA
	InterceptIO
	InterceptMSR
	InterceptTaskSwitch
	InterceptFERRFreeze
	InterceptShutdown
)

// Intercept vector 2 (InterceptInstruction2) bits.
const (
	InterceptVMRUN uint16 = 1 << iota
	InterceptVMMCALL
	InterceptVMLOAD
	InterceptVMSAVE
	InterceptSTGI
	InterceptCLGI
	InterceptSKINIT
	InterceptRDTSCP
	InterceptICEBP
	InterceptWBINVD
	InterceptMONITOR
	InterceptMWAIT
	InterceptMWAITConditional
	InterceptXSETBV
	InterceptRDPRU
	InterceptEFERWriteTrap
)

// Intercept vector 3 (InterceptInstruction3) bits.
const (
	InterceptINVLPGB uint32 = 1 << iota
	InterceptINVLPGBIllegal
	InterceptINVPCID
	InterceptMCOMMIT
	InterceptTLBSYNC
)

// TLB control values.
const (
	TLBControlDoNothing      uint32 = 0
	TLBControlFlushEntire    uint32 = 1
	TLBControlFlushGuest     uint32 = 3
	TLBControlFlushNonGlobal uint32 = 7
)

// NPTControlEnable enables nested paging in NPTControl.
const NPTControlEnable uint64 = 1

// CleanBit is a bit in the VMCB clean field. A set bit tells the processor
// the corresponding fields are unchanged since the last VM exit.
type CleanBit uint32

// Clean bits.
const (
	CleanInterception CleanBit = 1 << iota
	CleanIOMSRPM
	CleanASID
	CleanTPR
	CleanNestedPaging
	CleanControlRegisters
	CleanDebugRegisters
	CleanDescriptorTables
	CleanSegments
	CleanCR2
	CleanLBR
	CleanAVIC
	CleanCET

	CleanAll CleanBit = 1<<13 - 1
)

// EventType is the type of an injected event.
type EventType uint8

// Event types.
const (
	EventExternalInterrupt EventType = 0
	EventNMI               EventType = 2
	EventException         EventType = 3
	EventSoftwareInterrupt EventType = 4
)

// EventInjection is the 64-bit EVENTINJ field: vector in bits 0-7, type in
// bits 8-10, error-code-valid in bit 11, valid in bit 31 and the error code
// in bits 32-63.
type EventInjection uint64

const (
	eventTypeShift      = 8
	eventErrorValid     = 1 << 11
	eventValid          = 1 << 31
	eventErrorCodeShift = 32
)

// Exception vectors used by the hypervisor.
const (
	VectorDebug        uint8 = 1
	VectorInvalidOp    uint8 = 6
	VectorGeneralFault uint8 = 13
)

// NewEvent builds a valid event without an error code.
func NewEvent(vector uint8, typ EventType) EventInjection {
	return EventInjection(uint64(vector) | uint64(typ&7)<<eventTypeShift | eventValid)
}

// NewEventWithError builds a valid event carrying an error code.
func NewEventWithError(vector uint8, typ EventType, code uint32) EventInjection {
	return NewEvent(vector, typ) | eventErrorValid | EventInjection(code)<<eventErrorCodeShift
}

// Vector returns the event vector.
func (e EventInjection) Vector() uint8 {
	return uint8(e)
}

// Type returns the event type.
func (e EventInjection) Type() EventType {
	return EventType(e>>eventTypeShift) & 7
}

// Valid returns true if the event will be injected.
func (e EventInjection) Valid() bool {
	return e&eventValid != 0
}

// ErrorCode returns the error code and whether it is delivered.
func (e EventInjection) ErrorCode() (uint32, bool) {
	return uint32(e >> eventErrorCodeShift), e&eventErrorValid != 0
}

// String implements fmt.Stringer.
func (e EventInjection) String() string {
	if !e.Valid() {
		return "none"
	}
	if code, ok := e.ErrorCode(); ok {
		return fmt.Sprintf("vector %d type %d error 0x%x", e.Vector(), e.Type(), code)
	}
	return fmt.Sprintf("vector %d type %d", e.Vector(), e.Type())
}
