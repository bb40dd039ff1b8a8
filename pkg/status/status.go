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

// Package status defines the result codes returned by hypervisor operations.
//
// A Status packs a severity (bits 30-31), a facility (bits 24-29) and a
// facility-local code (bits 0-23) into 32 bits. Status implements error, so
// setup paths return it as a plain error and callers compare with errors.Is.
package status

import (
	"errors"
	"fmt"
)

// Status is a hypervisor result code.
type Status uint32

// Severity is the severity field of a Status.
type Severity uint32

// Severities.
const (
	SeveritySuccess Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
	SeverityUnknown
)

// Facility is the facility field of a Status.
type Facility uint32

// Facilities.
const (
	// FacilityXpf is the cross-platform core.
	FacilityXpf Facility = iota
	FacilityIntel
	FacilityAMD
	FacilityEmulator
	FacilityUnknown
)

const (
	severityShift = 30
	facilityShift = 24
	facilityMask  = 0x3F
	codeMask      = 0xFFFFFF
)

// New composes a Status.
func New(sev Severity, fac Facility, code uint32) Status {
	return Status(uint32(sev)<<severityShift | uint32(fac)<<facilityShift | code)
}

// Well-known codes.
var (
	Success          = New(SeveritySuccess, FacilityXpf, 0)
	AlreadyRescinded = New(SeverityInfo, FacilityXpf, 1)

	Unsuccessful          = New(SeverityError, FacilityXpf, 0)
	InsufficientResources = New(SeverityError, FacilityXpf, 1)
	NotImplemented        = New(SeverityError, FacilityXpf, 2)
	UnknownProcessor      = New(SeverityError, FacilityXpf, 3)
	InvalidParameter      = New(SeverityError, FacilityXpf, 4)
	HypervisionAbsent     = New(SeverityError, FacilityXpf, 5)
	VcpuAlreadyCreated    = New(SeverityError, FacilityXpf, 6)
	BufferTooSmall        = New(SeverityError, FacilityXpf, 7)
	VcpuNotExist          = New(SeverityError, FacilityXpf, 8)
	UserPageViolation     = New(SeverityError, FacilityXpf, 9)
	GuestPageAbsent       = New(SeverityError, FacilityXpf, 10)
	AccessDenied          = New(SeverityError, FacilityXpf, 11)
	HardwareError         = New(SeverityError, FacilityXpf, 12)
	Uninitialized         = New(SeverityError, FacilityXpf, 13)
	NsvViolation          = New(SeverityError, FacilityXpf, 14)
	AcpiNoSuchTable       = New(SeverityError, FacilityXpf, 15)

	NotIntel         = New(SeverityError, FacilityIntel, 0)
	VmxNotSupported  = New(SeverityError, FacilityIntel, 1)
	EptNotSupported  = New(SeverityError, FacilityIntel, 2)
	DmarNotSupported = New(SeverityError, FacilityIntel, 3)

	NotAMD          = New(SeverityError, FacilityAMD, 0)
	SvmNotSupported = New(SeverityError, FacilityAMD, 1)
	NptNotSupported = New(SeverityError, FacilityAMD, 2)

	EmuNotEmulatable      = New(SeverityError, FacilityEmulator, 0)
	EmuUnknownInstruction = New(SeverityError, FacilityEmulator, 1)
)

var text = map[Status]string{
	Success:               "success",
	AlreadyRescinded:      "already rescinded",
	Unsuccessful:          "unsuccessful",
	InsufficientResources: "insufficient resources",
	NotImplemented:        "not implemented",
	UnknownProcessor:      "unknown processor",
	InvalidParameter:      "invalid parameter",
	HypervisionAbsent:     "hypervision absent",
	VcpuAlreadyCreated:    "vcpu already created",
	BufferTooSmall:        "buffer too small",
	VcpuNotExist:          "vcpu does not exist",
	UserPageViolation:     "user page violation",
	GuestPageAbsent:       "guest page absent",
	AccessDenied:          "access denied",
	HardwareError:         "hardware error",
	Uninitialized:         "uninitialized",
	NsvViolation:          "nsv violation",
	AcpiNoSuchTable:       "no such acpi table",
	NotIntel:              "processor is not intel",
	VmxNotSupported:       "vmx not supported",
	EptNotSupported:       "ept not supported",
	DmarNotSupported:      "dmar not supported",
	NotAMD:                "processor is not amd",
	SvmNotSupported:       "svm not supported",
	NptNotSupported:       "npt not supported",
	EmuNotEmulatable:      "instruction not emulatable",
	EmuUnknownInstruction: "unknown instruction",
}

// Severity returns the severity of s.
func (s Status) Severity() Severity {
	return Severity(s >> severityShift)
}

// Facility returns the facility of s, or FacilityUnknown.
func (s Status) Facility() Facility {
	f := Facility((s >> facilityShift) & facilityMask)
	if f >= FacilityUnknown {
		return FacilityUnknown
	}
	return f
}

// Code returns the facility-local code of s.
func (s Status) Code() uint32 {
	return uint32(s) & codeMask
}

// OK returns true for success and informational codes.
func (s Status) OK() bool {
	sev := s.Severity()
	return sev == SeveritySuccess || sev == SeverityInfo
}

// String implements fmt.Stringer.
func (s Status) String() string {
	if t, ok := text[s]; ok {
		return t
	}
	return fmt.Sprintf("unknown status 0x%08x", uint32(s))
}

// Error implements error.
func (s Status) Error() string {
	return s.String()
}

// Of maps err to a Status. A nil error is Success; an error that does not
// wrap a Status is Unsuccessful.
func Of(err error) Status {
	if err == nil {
		return Success
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	return Unsuccessful
}

func (s Severity) String() string {
	switch s {
	case SeveritySuccess:
		return "success"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

func (f Facility) String() string {
	switch f {
	case FacilityXpf:
		return "xpf"
	case FacilityIntel:
		return "intel"
	case FacilityAMD:
		return "amd"
	case FacilityEmulator:
		return "emulator"
	default:
		return "unknown"
	}
}
