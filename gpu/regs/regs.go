// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package regs is the symbolic register catalog for Ada Lovelace (AD10x)
// bring-up: PMC, PFB, the GSP and SEC2 Falcon/RISC-V blocks, PBUS/PGC6
// scratch, and the Falcon IMEM/DMEM/DMA control registers. Offsets and
// bitfields are grounded on the original FWSEC bring-up reference headers,
// not guessed: this level of concreteness is what spec.md's "register
// catalog" component leaves to an implementation.
package regs

// Falcon engine base addresses. Each Falcon (GSP, SEC2) exposes the same
// register layout at a different BAR0 offset.
const (
	FalconGSPBase  = 0x110000
	FalconSEC2Base = 0x840000
)

// Falcon core control/status, relative to a Falcon base.
const (
	FalconCPUCTL   = 0x0100
	FalconBOOTVEC  = 0x0104
	FalconMAILBOX0 = 0x0040
	FalconMAILBOX1 = 0x0044
	FalconHWCFG2   = 0x0f98
	FalconITFEN    = 0x0048
)

// ITFEN bits.
const (
	ITFENCtxEn  = 1 << 0
	ITFENMthdEn = 1 << 1
	ITFENFbif   = 1 << 2
)

// HWCFG2 bits.
const (
	HWCFG2RiscV        = 1 << 0
	HWCFG2MemScrubbing = 1 << 5
)

// CPUCTL bits.
const (
	CPUCTLStartCPU = 1 << 1
	CPUCTLHalted   = 1 << 4
	CPUCTLStopped  = 1 << 5
	CPUCTLActive   = 1 << 7
)

// Falcon IMEM/DMEM PIO control/data windows. Index i selects one of several
// port instances; bring-up only ever uses port 0.
func FalconIMEMC(i uint) uint32 { return 0x0180 + uint32(i)*16 }
func FalconIMEMD(i uint) uint32 { return 0x0184 + uint32(i)*16 }
func FalconIMEMT(i uint) uint32 { return 0x0188 + uint32(i)*16 }
func FalconDMEMC(i uint) uint32 { return 0x01c0 + uint32(i)*8 }
func FalconDMEMD(i uint) uint32 { return 0x01c4 + uint32(i)*8 }

// IMEMC/DMEMC control bits.
const (
	MEMCAincw = 1 << 24
	MEMCAincr = 1 << 25
	MEMCSec   = 1 << 28
)

// Falcon DMA (FBIF-routed) registers.
const (
	FalconDMATRFBASE  = 0x0110
	FalconDMATRFBASE1 = 0x0128
	FalconDMATRFMOFFS = 0x0114
	FalconDMATRFFBOFFS = 0x0118
	FalconDMATRFCMD   = 0x011c
)

// DMATRFCMD bits.
const (
	DMATRFCMDIdle = 1 << 1
	DMATRFCMDSec  = 1 << 2
	DMATRFCMDImem = 1 << 4

	DMATRFCMDSizeShift = 8
	DMATRFCMDSize256B  = 6 << DMATRFCMDSizeShift
)

// Boot ROM (BROM) Heavy-Secure trigger registers.
const (
	BROMEngctl  = 0x00a4
	BROMParam   = 0x00ac
	BROMAddr    = 0x00b0
	BROMData    = 0x00b4
	FalconBCRDMEMAddr = 0x0f50
	FalconBCRCtrl     = 0x0f54
	FalconBRRETCODE   = 0x0f58
)

const (
	BCRCtrlValid      = 1 << 0
	BCRCtrlCoreSelect = 0x00000001
	BCRCtrlReset      = 0x00000110
)

// FBIF registers. FBIFTransCfg(i) selects one of the FBIF's per-aperture
// transfer-config slots; falcon.DMALoad programs slots 0 and 1.
const FBIFCtl = 0x0624

func FBIFTransCfg(i uint) uint32 { return 0x0600 + uint32(i)*4 }

const (
	FBIFCtlAllowPhys      = 1 << 0
	FBIFCtlAllowPhysNoCtx = 1 << 1
)

// FBIF target types.
const (
	FBIFTargetLocalFB           = 0
	FBIFTargetCoherentSysmem    = 1
	FBIFTargetNonCoherentSysmem = 2
)

// GSP RISC-V control block, layered over the GSP Falcon's BAR0 window.
const (
	RiscvCPUCTL   = 0x1000
	RiscvBCRCTRL  = 0x1668
	RiscvBRRETCODE = 0x1670
)

// GPU-wide (PMC/PFB/PBUS/PGC6) registers.
const (
	PMCBoot0 = 0x000000

	PFBPriMMUWpr2AddrLo = 0x1fa824
	PFBPriMMUWpr2AddrHi = 0x1fa828

	PBusSWScratch0E = 0x001438

	PGC6BSISecureScratch14 = 0x001434

	VbiosRomOffset = 0x300000
	VbiosRomSize   = 1 << 20 // 1 MiB read window
)

// WPR2_ADDR_HI layout: bit 0 marks the region enabled. The low bound is
// ADDR_LO[19:0] shifted left by Wpr2AddrShift; the high bound is
// ADDR_HI[19:0]<<32 | (ADDR_LO & 0xfff00000), per DESIGN.md's decision on
// the exact wpr2Lo/wpr2Hi composition.
const (
	Wpr2Enabled    = 1 << 0
	Wpr2AddrShift  = 12
)

// PMC_BOOT_0 chip-architecture field.
const (
	PMCBoot0ArchShift = 20
	PMCBoot0ArchMask  = 0x1f << PMCBoot0ArchShift
)

// Ada architecture id read out of PMC_BOOT_0's architecture field.
const ArchAda = 0x92

// GSP command/status ring queue hardware pointers, offsets relative to
// FalconGSPBase.
func QueueHead(i uint) uint32 { return 0x0c00 + uint32(i)*8 }
func QueueTail(i uint) uint32 { return 0x0c80 + uint32(i)*8 }

// RPC signatures and event codes.
const (
	VgpuMsgSignatureValid = 0x43505256
	RpcHeaderVersion      = 3 << 24

	MsgEventGspInitDone = 0x00000001

	BootInProgressRetcode = 0xbadf5040
)

// RM object classes used by the higher-level VA-space and channel
// objects, taken from the public Resource-Manager class enumeration.
const (
	ClassFermiVASpaceA     = 0x90f1
	ClassAdaChannelGpfifoA = 0xc86f

	// ClassGf100SubdeviceFull is allocated under the device before a
	// channel can be created on it.
	ClassGf100SubdeviceFull = 0x2080

	// ClassNv01MemorySystem registers a system-memory buffer (UserD's
	// doorbell page) as an RM memory object.
	ClassNv01MemorySystem = 0x0031
)

// EngineTypeCompute is the NV2080_ENGINE_TYPE_COMPUTE(0) engine id a
// channel's alloc params select.
const EngineTypeCompute = 0x00002001

// RPC function ids used by the Resource-Manager client. The reference
// implementation resolves these from a generated enum that isn't part of
// this tree; the values here are assigned locally and only need to be
// distinct and stable within a connection -- see DESIGN.md.
const (
	RpcFunctionGspRmAlloc       = 0x21
	RpcFunctionGspRmControl     = 0x11
	RpcFunctionGspRmFree        = 0x12
	RpcFunctionGspSetSystemInfo = 0x01
	RpcFunctionSetRegistry      = 0x20
)
