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

package svm

import (
	"fmt"
	"strconv"
	"strings"
)

// ExitCode is the reason for a VM exit, as stored in the VMCB.
type ExitCode int64

// Exit codes. Codes 0x00-0x5f report control register, debug register and
// exception intercepts: see CRRead, CRWrite, DRRead, DRWrite and Exception.
const (
	ExitCRRead    ExitCode = 0x00
	ExitCRWrite   ExitCode = 0x10
	ExitDRRead    ExitCode = 0x20
	ExitDRWrite   ExitCode = 0x30
	ExitException ExitCode = 0x40

	ExitIntr           ExitCode = 0x60
	ExitNMI            ExitCode = 0x61
	ExitSMI            ExitCode = 0x62
	ExitInit           ExitCode = 0x63
	ExitVIntr          ExitCode = 0x64
	ExitCR0SelWrite    ExitCode = 0x65
	ExitIDTRRead       ExitCode = 0x66
	ExitGDTRRead       ExitCode = 0x67
	ExitLDTRRead       ExitCode = 0x68
	ExitTRRead         ExitCode = 0x69
	ExitIDTRWrite      ExitCode = 0x6A
	ExitGDTRWrite      ExitCode = 0x6B
	ExitLDTRWrite      ExitCode = 0x6C
	ExitTRWrite        ExitCode = 0x6D
	ExitRDTSC          ExitCode = 0x6E
	ExitRDPMC          ExitCode = 0x6F
	ExitPushf          ExitCode = 0x70
	ExitPopf           ExitCode = 0x71
	ExitCPUID          ExitCode = 0x72
	ExitRSM            ExitCode = 0x73
	ExitIret           ExitCode = 0x74
	ExitSWInt          ExitCode = 0x75
	ExitInvd           ExitCode = 0x76
	ExitPause          ExitCode = 0x77
	ExitHlt            ExitCode = 0x78
	ExitInvlpg         ExitCode = 0x79
	ExitInvlpga        ExitCode = 0x7A
	ExitIO             ExitCode = 0x7B
	ExitMSR            ExitCode = 0x7C
	ExitTaskSwitch     ExitCode = 0x7D
	ExitFERRFreeze     ExitCode = 0x7E
	ExitShutdown       ExitCode = 0x7F
	ExitVMRun          ExitCode = 0x80
	ExitVMMCall        ExitCode = 0x81
	ExitVMLoad         ExitCode = 0x82
	ExitVMSave         ExitCode = 0x83
	ExitSTGI           ExitCode = 0x84
	ExitCLGI           ExitCode = 0x85
	ExitSKInit         ExitCode = 0x86
	ExitRDTSCP         ExitCode = 0x87
	ExitICEBP          ExitCode = 0x88
	ExitWBInvd         ExitCode = 0x89
	ExitMonitor        ExitCode = 0x8A
	ExitMWait          ExitCode = 0x8B
	ExitMWaitCond      ExitCode = 0x8C
	ExitXSetBV         ExitCode = 0x8D
	ExitRDPRU          ExitCode = 0x8E
	ExitEFERWriteTrap  ExitCode = 0x8F
	ExitCRWriteTrap    ExitCode = 0x90
	ExitInvlpgb        ExitCode = 0xA0
	ExitInvlpgbIllegal ExitCode = 0xA1
	ExitInvpcid        ExitCode = 0xA2
	ExitMCommit        ExitCode = 0xA3
	ExitTLBSync        ExitCode = 0xA4

	ExitNPF            ExitCode = 0x400
	ExitAVICIncomplete ExitCode = 0x401
	ExitAVICNoAccel    ExitCode = 0x402
	ExitVMGExit        ExitCode = 0x403

	ExitInvalid      ExitCode = -1
	ExitBusy         ExitCode = -2
	ExitIdleRequired ExitCode = -3
)

// Table bounds of the exit dispatch groups.
const (
	group1Codes   = 0xA5
	group2Codes   = 0x4
	negativeCodes = 3

	groupShift = 10
	groupMask  = 1<<groupShift - 1
)

// CRRead returns the exit code for a read of control register n.
func CRRead(n int) ExitCode { return ExitCRRead + ExitCode(n&0xf) }

// CRWrite returns the exit code for a write of control register n.
func CRWrite(n int) ExitCode { return ExitCRWrite + ExitCode(n&0xf) }

// DRRead returns the exit code for a read of debug register n.
func DRRead(n int) ExitCode { return ExitDRRead + ExitCode(n&0xf) }

// DRWrite returns the exit code for a write of debug register n.
func DRWrite(n int) ExitCode { return ExitDRWrite + ExitCode(n&0xf) }

// Exception returns the exit code for exception vector v.
func Exception(v int) ExitCode { return ExitException + ExitCode(v&0x1f) }

var exitNames = map[ExitCode]string{
	ExitIntr:           "intr",
	ExitNMI:            "nmi",
	ExitSMI:            "smi",
	ExitInit:           "init",
	ExitVIntr:          "vintr",
	ExitCR0SelWrite:    "cr0_sel_write",
	ExitIDTRRead:       "idtr_read",
	ExitGDTRRead:       "gdtr_read",
	ExitLDTRRead:       "ldtr_read",
	ExitTRRead:         "tr_read",
	ExitIDTRWrite:      "idtr_write",
	ExitGDTRWrite:      "gdtr_write",
	ExitLDTRWrite:      "ldtr_write",
	ExitTRWrite:        "tr_write",
	ExitRDTSC:          "rdtsc",
	ExitRDPMC:          "rdpmc",
	ExitPushf:          "pushf",
	ExitPopf:           "popf",
	ExitCPUID:          "cpuid",
	ExitRSM:            "rsm",
	ExitIret:           "iret",
	ExitSWInt:          "swint",
	ExitInvd:           "invd",
	ExitPause:          "pause",
	ExitHlt:            "hlt",
	ExitInvlpg:         "invlpg",
	ExitInvlpga:        "invlpga",
	ExitIO:             "io",
	ExitMSR:            "msr",
	ExitTaskSwitch:     "task_switch",
	ExitFERRFreeze:     "ferr_freeze",
	ExitShutdown:       "shutdown",
	ExitVMRun:          "vmrun",
	ExitVMMCall:        "vmmcall",
	ExitVMLoad:         "vmload",
	ExitVMSave:         "vmsave",
	ExitSTGI:           "stgi",
	ExitCLGI:           "clgi",
	ExitSKInit:         "skinit",
	ExitRDTSCP:         "rdtscp",
	ExitICEBP:          "icebp",
	ExitWBInvd:         "wbinvd",
	ExitMonitor:        "monitor",
	ExitMWait:          "mwait",
	ExitMWaitCond:      "mwait_cond",
	ExitXSetBV:         "xsetbv",
	ExitRDPRU:          "rdpru",
	ExitEFERWriteTrap:  "efer_write_trap",
	ExitCRWriteTrap:    "cr_write_trap",
	ExitInvlpgb:        "invlpgb",
	ExitInvlpgbIllegal: "invlpgb_illegal",
	ExitInvpcid:        "invpcid",
	ExitMCommit:        "mcommit",
	ExitTLBSync:        "tlbsync",
	ExitNPF:            "npf",
	ExitAVICIncomplete: "avic_incomplete_ipi",
	ExitAVICNoAccel:    "avic_no_accel",
	ExitVMGExit:        "vmgexit",
	ExitInvalid:        "invalid",
	ExitBusy:           "busy",
	ExitIdleRequired:   "idle_required",
}

// String returns the short name of the exit code, or its hex value if it
// has none.
func (c ExitCode) String() string {
	switch {
	case c >= ExitCRRead && c < ExitCRWrite:
		return fmt.Sprintf("cr%d_read", c-ExitCRRead)
	case c >= ExitCRWrite && c < ExitDRRead:
		return fmt.Sprintf("cr%d_write", c-ExitCRWrite)
	case c >= ExitDRRead && c < ExitDRWrite:
		return fmt.Sprintf("dr%d_read", c-ExitDRRead)
	case c >= ExitDRWrite && c < ExitException:
		return fmt.Sprintf("dr%d_write", c-ExitDRWrite)
	case c >= ExitException && c < ExitIntr:
		return fmt.Sprintf("exception%d", c-ExitException)
	}
	if name, ok := exitNames[c]; ok {
		return name
	}
	if c < 0 {
		return fmt.Sprintf("%d", int64(c))
	}
	return fmt.Sprintf("%#x", int64(c))
}

// ParseExitCode parses a name returned by String, or a number in any base
// accepted by strconv.ParseInt.
func ParseExitCode(s string) (ExitCode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for c, name := range exitNames {
		if name == s {
			return c, nil
		}
	}
	for _, f := range []struct {
		prefix, suffix string
		fn             func(int) ExitCode
	}{
		{"cr", "_read", CRRead},
		{"cr", "_write", CRWrite},
		{"dr", "_read", DRRead},
		{"dr", "_write", DRWrite},
		{"exception", "", Exception},
	} {
		rest, ok := strings.CutPrefix(s, f.prefix)
		if !ok {
			continue
		}
		if rest, ok = strings.CutSuffix(rest, f.suffix); !ok {
			continue
		}
		if n, err := strconv.Atoi(rest); err == nil && n >= 0 && f.fn(n) == f.fn(0)+ExitCode(n) {
			return f.fn(n), nil
		}
	}
	v, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid exit code %q", s)
	}
	return ExitCode(v), nil
}
