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

// Offset is a byte offset into the VMCB. Offsets are fixed by the
// architecture.
type Offset uint32

// Control area.
const (
	InterceptReadCR        Offset = 0x0
	InterceptWriteCR       Offset = 0x2
	InterceptReadDR        Offset = 0x4
	InterceptWriteDR       Offset = 0x6
	InterceptExceptions    Offset = 0x8
	InterceptInstruction1  Offset = 0xC
	InterceptInstruction2  Offset = 0x10
	InterceptWriteCRPost   Offset = 0x12
	InterceptInstruction3  Offset = 0x14
	PauseFilterThreshold   Offset = 0x3C
	PauseFilterCount       Offset = 0x3E
	IOPMPhysicalAddress    Offset = 0x40
	MSRPMPhysicalAddress   Offset = 0x48
	TSCOffset              Offset = 0x50
	GuestASID              Offset = 0x58
	TLBControl             Offset = 0x5C
	AVICControl            Offset = 0x60
	AVICVirqVector         Offset = 0x64
	GuestInterrupt         Offset = 0x68
	ExitCode               Offset = 0x70
	ExitInfo1              Offset = 0x78
	ExitInfo2              Offset = 0x80
	ExitInterruptInfo      Offset = 0x88
	NPTControl             Offset = 0x90
	AVICAPICBar            Offset = 0x98
	GHCBPhysicalAddress    Offset = 0xA0
	EventInjectionField    Offset = 0xA8
	EventErrorCode         Offset = 0xAC
	NPTCR3                 Offset = 0xB0
	LBRVirtualizationCtrl  Offset = 0xB8
	CleanBits              Offset = 0xC0
	NextRIP                Offset = 0xC8
	NumberOfBytesFetched   Offset = 0xD0
	GuestInstructionBytes  Offset = 0xD1
	AVICBackingPagePointer Offset = 0xE0
	AVICLogicalTable       Offset = 0xF0
	AVICPhysicalTable      Offset = 0xF8
	VMSAPointer            Offset = 0x108
	VMGExitRAX             Offset = 0x110
	VMGExitCPL             Offset = 0x118
	EnlightenmentsControl  Offset = 0x3E0
	VPID                   Offset = 0x3E4
	VMID                   Offset = 0x3E8
	PartitionAssistPage    Offset = 0x3F0
)

// MaxInstructionBytes is the size of the GuestInstructionBytes field.
const MaxInstructionBytes = 15

// State save area: segment registers. Each segment is 16 bytes: selector,
// packed attributes, limit and base, at SegmentSelector, SegmentAttrib,
// SegmentLimit and SegmentBase from its start.
const (
	GuestES   Offset = 0x400
	GuestCS   Offset = 0x410
	GuestSS   Offset = 0x420
	GuestDS   Offset = 0x430
	GuestFS   Offset = 0x440
	GuestGS   Offset = 0x450
	GuestGDTR Offset = 0x460
	GuestLDTR Offset = 0x470
	GuestIDTR Offset = 0x480
	GuestTR   Offset = 0x490

	SegmentSelector Offset = 0x0
	SegmentAttrib   Offset = 0x2
	SegmentLimit    Offset = 0x4
	SegmentBase     Offset = 0x8
)

// State save area.
const (
	GuestCPL                Offset = 0x4CB
	GuestEFER               Offset = 0x4D0
	GuestCR4                Offset = 0x548
	GuestCR3                Offset = 0x550
	GuestCR0                Offset = 0x558
	GuestDR7                Offset = 0x560
	GuestDR6                Offset = 0x568
	GuestRFLAGS             Offset = 0x570
	GuestRIP                Offset = 0x578
	GuestRSP                Offset = 0x5D8
	GuestSCET               Offset = 0x5E0
	GuestSSP                Offset = 0x5E8
	GuestISST               Offset = 0x5F0
	GuestRAX                Offset = 0x5F8
	GuestSTAR               Offset = 0x600
	GuestLSTAR              Offset = 0x608
	GuestCSTAR              Offset = 0x610
	GuestSFMASK             Offset = 0x618
	GuestKernelGSBase       Offset = 0x620
	GuestSysenterCS         Offset = 0x628
	GuestSysenterESP        Offset = 0x630
	GuestSysenterEIP        Offset = 0x638
	GuestCR2                Offset = 0x640
	GuestPAT                Offset = 0x668
	GuestDebugCtl           Offset = 0x670
	GuestLastBranchFrom     Offset = 0x678
	GuestLastBranchTo       Offset = 0x680
	GuestLastExceptionFrom  Offset = 0x688
	GuestLastExceptionTo    Offset = 0x690
	GuestDebugExtendedCfg   Offset = 0x698
	GuestSpecCtrl           Offset = 0x6E0
	GuestLBRStackFrom       Offset = 0xA70
	GuestLBRStackTo         Offset = 0xAF0
	GuestLBRSelect          Offset = 0xB70
	GuestIBSFetchCtrl       Offset = 0xB78
	GuestIBSFetchLinearAddr Offset = 0xB80
	GuestIBSOpCtrl          Offset = 0xB88
	GuestIBSOpRIP           Offset = 0xB90
	GuestIBSOpData1         Offset = 0xB98
	GuestIBSOpData2         Offset = 0xBA0
	GuestIBSOpData3         Offset = 0xBA8
	GuestIBSDCLinearAddr    Offset = 0xBB0
	GuestBPIBSTgtRIP        Offset = 0xBB8
	GuestICIBSExtdCtrl      Offset = 0xBC0
)

// Field names an offset and its width in bytes.
type Field struct {
	Name   string
	Offset Offset
	Size   int
}

// Fields lists the named VMCB fields in offset order.
var Fields = []Field{
	{"intercept_read_cr", InterceptReadCR, 2},
	{"intercept_write_cr", InterceptWriteCR, 2},
	{"intercept_read_dr", InterceptReadDR, 2},
	{"intercept_write_dr", InterceptWriteDR, 2},
	{"intercept_exceptions", InterceptExceptions, 4},
	{"intercept_instruction1", InterceptInstruction1, 4},
	{"intercept_instruction2", InterceptInstruction2, 2},
	{"intercept_write_cr_post", InterceptWriteCRPost, 2},
	{"intercept_instruction3", InterceptInstruction3, 4},
	{"pause_filter_threshold", PauseFilterThreshold, 2},
	{"pause_filter_count", PauseFilterCount, 2},
	{"iopm_physical_address", IOPMPhysicalAddress, 8},
	{"msrpm_physical_address", MSRPMPhysicalAddress, 8},
	{"tsc_offset", TSCOffset, 8},
	{"guest_asid", GuestASID, 4},
	{"tlb_control", TLBControl, 4},
	{"avic_control", AVICControl, 4},
	{"avic_virq_vector", AVICVirqVector, 4},
	{"guest_interrupt", GuestInterrupt, 8},
	{"exit_code", ExitCode, 8},
	{"exit_info1", ExitInfo1, 8},
	{"exit_info2", ExitInfo2, 8},
	{"exit_interrupt_info", ExitInterruptInfo, 8},
	{"npt_control", NPTControl, 8},
	{"avic_apic_bar", AVICAPICBar, 8},
	{"ghcb_physical_address", GHCBPhysicalAddress, 8},
	{"event_injection", EventInjectionField, 4},
	{"event_error_code", EventErrorCode, 4},
	{"npt_cr3", NPTCR3, 8},
	{"lbr_virtualization_control", LBRVirtualizationCtrl, 8},
	{"vmcb_clean_bits", CleanBits, 4},
	{"next_rip", NextRIP, 8},
	{"number_of_bytes_fetched", NumberOfBytesFetched, 1},
	{"guest_instruction_bytes", GuestInstructionBytes, MaxInstructionBytes},
	{"avic_backing_page_pointer", AVICBackingPagePointer, 8},
	{"avic_logical_table_pointer", AVICLogicalTable, 8},
	{"avic_physical_table_pointer", AVICPhysicalTable, 8},
	{"vmsa_pointer", VMSAPointer, 8},
	{"vmgexit_rax", VMGExitRAX, 8},
	{"vmgexit_cpl", VMGExitCPL, 1},
	{"enlightenments_control", EnlightenmentsControl, 4},
	{"vp_id", VPID, 4},
	{"vm_id", VMID, 8},
	{"partition_assist_page", PartitionAssistPage, 8},
	{"guest_es", GuestES, 16},
	{"guest_cs", GuestCS, 16},
	{"guest_ss", GuestSS, 16},
	{"guest_ds", GuestDS, 16},
	{"guest_fs", GuestFS, 16},
	{"guest_gs", GuestGS, 16},
	{"guest_gdtr", GuestGDTR, 16},
	{"guest_ldtr", GuestLDTR, 16},
	{"guest_idtr", GuestIDTR, 16},
	{"guest_tr", GuestTR, 16},
	{"guest_cpl", GuestCPL, 1},
	{"guest_efer", GuestEFER, 8},
	{"guest_cr4", GuestCR4, 8},
	{"guest_cr3", GuestCR3, 8},
	{"guest_cr0", GuestCR0, 8},
	{"guest_dr7", GuestDR7, 8},
	{"guest_dr6", GuestDR6, 8},
	{"guest_rflags", GuestRFLAGS, 8},
	{"guest_rip", GuestRIP, 8},
	{"guest_rsp", GuestRSP, 8},
	{"guest_s_cet", GuestSCET, 8},
	{"guest_ssp", GuestSSP, 8},
	{"guest_isst", GuestISST, 8},
	{"guest_rax", GuestRAX, 8},
	{"guest_star", GuestSTAR, 8},
	{"guest_lstar", GuestLSTAR, 8},
	{"guest_cstar", GuestCSTAR, 8},
	{"guest_sfmask", GuestSFMASK, 8},
	{"guest_kernel_gs_base", GuestKernelGSBase, 8},
	{"guest_sysenter_cs", GuestSysenterCS, 8},
	{"guest_sysenter_esp", GuestSysenterESP, 8},
	{"guest_sysenter_eip", GuestSysenterEIP, 8},
	{"guest_cr2", GuestCR2, 8},
	{"guest_pat", GuestPAT, 8},
	{"guest_debug_ctl", GuestDebugCtl, 8},
	{"guest_last_branch_from", GuestLastBranchFrom, 8},
	{"guest_last_branch_to", GuestLastBranchTo, 8},
	{"guest_last_exception_from", GuestLastExceptionFrom, 8},
	{"guest_last_exception_to", GuestLastExceptionTo, 8},
	{"guest_debug_extended_config", GuestDebugExtendedCfg, 8},
	{"guest_spec_ctrl", GuestSpecCtrl, 8},
	{"guest_lbr_stack_from", GuestLBRStackFrom, 128},
	{"guest_lbr_stack_to", GuestLBRStackTo, 128},
	{"guest_lbr_select", GuestLBRSelect, 8},
	{"guest_ibs_fetch_ctrl", GuestIBSFetchCtrl, 8},
	{"guest_ibs_fetch_linear_address", GuestIBSFetchLinearAddr, 8},
	{"guest_ibs_op_ctrl", GuestIBSOpCtrl, 8},
	{"guest_ibs_op_rip", GuestIBSOpRIP, 8},
	{"guest_ibs_op_data1", GuestIBSOpData1, 8},
	{"guest_ibs_op_data2", GuestIBSOpData2, 8},
	{"guest_ibs_op_data3", GuestIBSOpData3, 8},
	{"guest_ibs_dc_linear_address", GuestIBSDCLinearAddr, 8},
	{"guest_bp_ibstgt_rip", GuestBPIBSTgtRIP, 8},
	{"guest_ic_ibs_extd_ctrl", GuestICIBSExtdCtrl, 8},
}
