// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package falcon drives a single Falcon/RISC-V microcontroller (the GSP
// Falcon or the SEC2 Falcon) over its MMIO register block: reset,
// PIO/DMA ucode loading, Boot-ROM Heavy-Secure triggering, halt waiting,
// and mailbox I/O. All access goes through an elib/hw.Adapter so the same
// code runs against real silicon or a simulator.
package falcon

import (
	"fmt"

	"github.com/nvdaal/gspboot/elib/hw"
	"github.com/nvdaal/gspboot/gpu/regs"
	"github.com/nvdaal/gspboot/log"
)

// Falcon is a handle to one microcontroller instance, addressed by its
// byte offset within BAR0.
type Falcon struct {
	Adapter hw.Adapter
	Base    uint32
	Name    string
}

// GSP returns a Falcon handle for the on-die GSP microcontroller.
func GSP(a hw.Adapter) *Falcon { return &Falcon{Adapter: a, Base: regs.FalconGSPBase, Name: "gsp"} }

// SEC2 returns a Falcon handle for the SEC2 microcontroller used to run
// the Booter ucode.
func SEC2(a hw.Adapter) *Falcon { return &Falcon{Adapter: a, Base: regs.FalconSEC2Base, Name: "sec2"} }

func (f *Falcon) read(offset uint32) uint32       { return f.Adapter.Read32(f.Base + offset) }
func (f *Falcon) write(offset, value uint32)      { f.Adapter.Write32(f.Base+offset, value) }

// Reset writes 0 to CPUCTL and waits for the core to settle. A core that
// fails to report HALTED afterward is logged, not treated as fatal --
// some Falcons only assert HALTED once ucode has actually run once.
func (f *Falcon) Reset() {
	f.write(regs.FalconCPUCTL, 0)
	f.Adapter.DelayUS(100)
	if f.read(regs.FalconCPUCTL)&regs.CPUCTLHalted == 0 {
		log.Printf("falcon: %s: CPUCTL.HALTED not set after reset", f.Name)
	}
}

// PIOLoadIMEM writes code into IMEM starting at falcon-local address 0,
// 256 bytes (one block) at a time, using the auto-increment control word.
// data's length is rounded down to a multiple of 4.
func (f *Falcon) PIOLoadIMEM(data []byte, secure bool) {
	f.pioLoad(regs.FalconIMEMC(0), regs.FalconIMEMD(0), data, secure)
}

// PIOLoadDMEM mirrors PIOLoadIMEM for the DMEM aperture.
func (f *Falcon) PIOLoadDMEM(data []byte, secure bool) {
	f.pioLoad(regs.FalconDMEMC(0), regs.FalconDMEMD(0), data, secure)
}

func (f *Falcon) pioLoad(ctlReg, dataReg uint32, data []byte, secure bool) {
	const block = 256
	for blockIdx := 0; blockIdx*block < len(data); blockIdx++ {
		ctl := uint32(blockIdx<<8) | regs.MEMCAincw
		if secure {
			ctl |= regs.MEMCSec
		}
		f.write(ctlReg, ctl)

		off := blockIdx * block
		end := off + block
		if end > len(data) {
			end = len(data)
		}
		for o := off; o+4 <= end; o += 4 {
			word := uint32(data[o]) | uint32(data[o+1])<<8 | uint32(data[o+2])<<16 | uint32(data[o+3])<<24
			f.write(dataReg, word)
		}
	}
}

// DMALoad implements the FBIF+DMATRF path: reset, enable the FBIF
// interface, configure the transfer target, and step 256-byte blocks from
// a system-memory physical address into IMEM.
func (f *Falcon) DMALoad(physAddr uint64, size uint32, secure bool) error {
	f.Reset()

	f.write(regs.FalconITFEN, regs.ITFENCtxEn|regs.ITFENFbif)

	f.write(regs.FBIFTransCfg(0), regs.FBIFTargetNonCoherentSysmem)
	f.write(regs.FBIFTransCfg(1), regs.FBIFTargetNonCoherentSysmem)
	f.write(regs.FBIFCtl, regs.FBIFCtlAllowPhys|regs.FBIFCtlAllowPhysNoCtx)

	f.write(regs.FalconDMATRFBASE, uint32(physAddr>>8))
	f.write(regs.FalconDMATRFBASE1, uint32(physAddr>>40))

	const block = 256
	for off := uint32(0); off < size; off += block {
		f.write(regs.FalconDMATRFMOFFS, off)
		f.write(regs.FalconDMATRFFBOFFS, off)

		cmd := uint32(regs.DMATRFCMDImem | regs.DMATRFCMDSize256B)
		if secure {
			cmd |= regs.DMATRFCMDSec
		}
		f.write(regs.FalconDMATRFCMD, cmd)

		ok := false
		for i := 0; i < 1000; i++ {
			if f.read(regs.FalconDMATRFCMD)&regs.DMATRFCMDIdle != 0 {
				ok = true
				break
			}
			f.Adapter.DelayUS(10)
		}
		if !ok {
			return fmt.Errorf("falcon: %s: DMATRFCMD did not idle at offset 0x%x", f.Name, off)
		}
	}
	return nil
}

// SetBootVector programs the address the core resumes at once started.
func (f *Falcon) SetBootVector(v uint32) { f.write(regs.FalconBOOTVEC, v) }

// Start sets CPUCTL.STARTCPU.
func (f *Falcon) Start() { f.write(regs.FalconCPUCTL, regs.CPUCTLStartCPU) }

// TriggerBROM programs BCR_DMEM_ADDR and asserts BCR_CTRL.VALID to hand
// control to the Boot ROM's Heavy-Secure loader, then polls for halt and
// inspects the return code.
func (f *Falcon) TriggerBROM(physAddr uint64, timeoutUS uint32) error {
	f.write(regs.FalconBCRDMEMAddr, uint32(physAddr>>8))
	f.write(regs.FalconBCRCtrl, regs.BCRCtrlValid)

	if !f.WaitHalt(timeoutUS) {
		return fmt.Errorf("falcon: %s: BROM did not halt within %d us", f.Name, timeoutUS)
	}
	if code := f.read(regs.FalconBRRETCODE); code != 0 {
		return fmt.Errorf("falcon: %s: BROM returned code 0x%x", f.Name, code)
	}
	return nil
}

// WaitHalt polls CPUCTL.HALTED at 10 us cadence up to timeoutUS.
func (f *Falcon) WaitHalt(timeoutUS uint32) bool {
	iterations := timeoutUS / 10
	if iterations == 0 {
		iterations = 1
	}
	for i := uint32(0); i < iterations; i++ {
		if f.read(regs.FalconCPUCTL)&regs.CPUCTLHalted != 0 {
			return true
		}
		f.Adapter.DelayUS(10)
	}
	log.Printf("falcon: %s: halt wait exhausted after %d iterations, CPUCTL=0x%x", f.Name, iterations, f.read(regs.FalconCPUCTL))
	return false
}

// Mailbox0/Mailbox1 read the two Falcon mailbox registers, used both for
// diagnostics and as the GSP's INIT_DONE signal.
func (f *Falcon) Mailbox0() uint32 { return f.read(regs.FalconMAILBOX0) }
func (f *Falcon) Mailbox1() uint32 { return f.read(regs.FalconMAILBOX1) }

// WriteMailbox0 is used by strategies that hand the Falcon a small
// out-of-band parameter before starting it.
func (f *Falcon) WriteMailbox0(v uint32) { f.write(regs.FalconMAILBOX0, v) }
