// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gsp is the boot orchestrator: it drives the GSP Falcon and its
// SEC2 helper through FWSEC-FRTS, WPR metadata assembly, an optional
// Booter load, and the RISC-V start sequence, then waits for the GSP
// firmware to report itself ready.
package gsp

import (
	"encoding/binary"
	"fmt"

	"github.com/nvdaal/gspboot/elib/hw"
	"github.com/nvdaal/gspboot/gpu/falcon"
	"github.com/nvdaal/gspboot/gpu/fwsec"
	"github.com/nvdaal/gspboot/gpu/radix3"
	"github.com/nvdaal/gspboot/gpu/regs"
	"github.com/nvdaal/gspboot/log"
)

// Stage names one step of the boot state machine. Boot reports a failure
// as an error; Orchestrator.Stage then holds the last stage reached. No
// negative stage code is returned.
type Stage int

const (
	StageFresh Stage = iota
	StageFalconReset
	StageFwsecDoneOrSkipped
	StageWprMetaReady
	StageBooterRanOrSkipped
	StageRiscvStarted
	StageGspReady
)

func (s Stage) String() string {
	switch s {
	case StageFresh:
		return "FRESH"
	case StageFalconReset:
		return "FALCON_RESET"
	case StageFwsecDoneOrSkipped:
		return "FWSEC_DONE_OR_SKIPPED"
	case StageWprMetaReady:
		return "WPR_META_READY"
	case StageBooterRanOrSkipped:
		return "BOOTER_RAN_OR_SKIPPED"
	case StageRiscvStarted:
		return "RISCV_STARTED"
	case StageGspReady:
		return "GSP_READY"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// gspHeapDefaultSize is the GSP firmware heap size programmed into
// WprMetadata; the reference implementation reads this from a firmware
// image manifest this tree doesn't carry, so a fixed default is used --
// see DESIGN.md.
const gspHeapDefaultSize = 8 << 20

// frtsSize is the fixed size of the FRTS (Frts Read-Then-Scrub) region
// FWSEC carves out of WPR2.
const frtsSize = 1 << 20

// wprMetaSize is the size of the 4 KiB structure the Booter reads to
// find the bootloader and radix3 page table.
const wprMetaSize = 4096

const wprMetaMagic = 0x57505232 // "WPR2"

// WprMetadata is the decoded view of the 4 KiB block setupWprMeta
// assembles. Field offsets match the layout writeWprMetadata writes.
type WprMetadata struct {
	Magic uint32

	SysmemAddrOfBootloader uint64
	SizeOfBootloader       uint64

	SysmemAddrOfRadix3Elf uint64
	SizeOfRadix3Elf       uint64

	GspFwHeapSize uint64
	FrtsSize      uint64

	FwHeapEnabled uint32
	PartitionRpc  uint32
}

// Diagnostics is a snapshot of the registers useful for explaining a
// failed boot stage.
type Diagnostics struct {
	Stage      Stage
	RiscvCtl   uint32
	FalconCtl  uint32
	Wpr2Hi     uint32
	Scratch14  uint32
	Mailbox0   uint32
	BrRetcode  uint32
}

func (d Diagnostics) String() string {
	return fmt.Sprintf("gsp: diagnostics at stage %s: RISCV_CTL=0x%08x FALCON_CTL=0x%08x WPR2_HI=0x%08x SCRATCH14=0x%08x MAILBOX0=0x%08x BR_RETCODE=0x%08x",
		d.Stage, d.RiscvCtl, d.FalconCtl, d.Wpr2Hi, d.Scratch14, d.Mailbox0, d.BrRetcode)
}

// Orchestrator drives one GSP through the full boot sequence. It owns
// every DMA buffer it allocates along the way and releases them in
// reverse acquisition order on Close.
type Orchestrator struct {
	adapter hw.Adapter
	gsp     *falcon.Falcon
	sec2    *falcon.Falcon
	fwsec   *fwsec.Engine

	stage    Stage
	gspReady bool
	lastDiag Diagnostics

	radix3          *radix3.Table
	wprMeta         hw.DmaBuffer
	releaseWprMeta  func()
	bootloader      hw.DmaBuffer
	releaseBoot     func()
	booter          hw.DmaBuffer
	releaseBooter   func()
	firmware        hw.DmaBuffer
	releaseFirmware func()
}

// New returns an Orchestrator bound to the GSP and SEC2 Falcons on a.
func New(a hw.Adapter) *Orchestrator {
	gspFalcon := falcon.GSP(a)
	return &Orchestrator{
		adapter: a,
		gsp:     gspFalcon,
		sec2:    falcon.SEC2(a),
		fwsec:   fwsec.New(a, gspFalcon),
	}
}

// LoadVbios hands the boot sequence a VBIOS image to run FWSEC-FRTS
// against, instead of reading one out of BAR0 at boot time.
func (o *Orchestrator) LoadVbios(rom []byte) error { return o.fwsec.LoadVbios(rom) }

// Fwsec returns the FWSEC-FRTS engine Boot drives, so callers can query or
// force WPR2 setup outside of a full Boot call.
func (o *Orchestrator) Fwsec() *fwsec.Engine { return o.fwsec }

// Stage returns the last stage the boot sequence reached.
func (o *Orchestrator) Stage() Stage { return o.stage }

// Ready reports whether GSP_INIT_DONE has been observed.
func (o *Orchestrator) Ready() bool { return o.gspReady }

func (o *Orchestrator) captureDiagnostics() Diagnostics {
	d := Diagnostics{
		Stage:     o.stage,
		RiscvCtl:  o.adapter.Read32(o.gsp.Base + regs.RiscvCPUCTL),
		FalconCtl: o.adapter.Read32(o.gsp.Base + regs.FalconCPUCTL),
		Wpr2Hi:    o.adapter.Read32(regs.PFBPriMMUWpr2AddrHi),
		Scratch14: o.adapter.Read32(regs.PGC6BSISecureScratch14),
		Mailbox0:  o.gsp.Mailbox0(),
		BrRetcode: o.adapter.Read32(o.gsp.Base + regs.RiscvBRRETCODE),
	}
	o.lastDiag = d
	return d
}

// LastDiagnostics returns the register snapshot captured at the most
// recent failed stage, if any.
func (o *Orchestrator) LastDiagnostics() Diagnostics { return o.lastDiag }

// Boot drives the state machine from FRESH through RISCV_STARTED.
// bootloader is the SEC2 Booter's bootloader stub; booterUcode is the
// Booter itself (both optional -- a nil booterUcode skips straight to
// starting RISC-V directly, matching the reference "no booter_load,
// trying direct RISC-V start" fallback); firmware is the GSP firmware
// image the radix3 table maps.
//
// Reaching RISCV_STARTED is success: the ready transition to GSP_READY
// happens asynchronously via WaitForInitDone.
func (o *Orchestrator) Boot(bootloader, booterUcode, firmware []byte) error {
	o.stage = StageFresh

	o.gsp.Reset()
	o.stage = StageFalconReset

	o.sec2.Reset()
	// SEC2 reset failure is diagnosed by the Falcon layer's own log line
	// and never aborts the boot sequence, matching the original.

	if _, err := o.fwsec.EnsureWpr2(); err != nil {
		log.Printf("gsp: FWSEC-FRTS did not establish WPR2, continuing in debug mode: %v", err)
	}
	o.stage = StageFwsecDoneOrSkipped

	if err := o.setupWprMeta(bootloader, firmware); err != nil {
		o.captureDiagnostics()
		return fmt.Errorf("gsp: stage %s: %w", o.stage, err)
	}
	o.stage = StageWprMetaReady

	if len(booterUcode) > 0 {
		if err := o.executeBooterLoad(booterUcode); err != nil {
			log.Printf("gsp: booter_load failed, trying direct RISC-V start: %v", err)
		}
	} else {
		log.Printf("gsp: no booter_load ucode supplied, trying direct RISC-V start")
	}
	o.stage = StageBooterRanOrSkipped

	if err := o.startRiscv(); err != nil {
		diag := o.captureDiagnostics()
		log.Printf("%s", diag)
		return fmt.Errorf("gsp: stage %s: %w", o.stage, err)
	}
	o.stage = StageRiscvStarted
	return nil
}

// setupWprMeta allocates the firmware/radix3/bootloader/WPR-meta buffers
// and fills the WPR metadata block the Booter and RISC-V bootstrap read.
func (o *Orchestrator) setupWprMeta(bootloader, firmware []byte) error {
	if len(firmware) == 0 {
		return fmt.Errorf("no GSP firmware image supplied")
	}
	fw, releaseFw, err := o.adapter.AllocDma(uint(len(firmware)))
	if err != nil {
		return fmt.Errorf("alloc firmware buffer: %w", err)
	}
	copy(fw.Bytes, firmware)
	o.firmware, o.releaseFirmware = fw, releaseFw

	table, err := radix3.Build(o.adapter, radix3.NewContiguousSource(fw))
	if err != nil {
		return fmt.Errorf("build radix3 page table: %w", err)
	}
	o.radix3 = table

	var bootPhys, bootSize uint64
	if len(bootloader) > 0 {
		buf, release, err := o.adapter.AllocDma(uint(len(bootloader)))
		if err != nil {
			return fmt.Errorf("alloc bootloader buffer: %w", err)
		}
		copy(buf.Bytes, bootloader)
		o.bootloader, o.releaseBoot = buf, release
		bootPhys, bootSize = buf.PhysAddr, uint64(len(bootloader))
	}

	meta, release, err := o.adapter.AllocDma(wprMetaSize)
	if err != nil {
		return fmt.Errorf("alloc WPR metadata buffer: %w", err)
	}
	for i := range meta.Bytes {
		meta.Bytes[i] = 0
	}
	writeWprMetadata(meta.Bytes, WprMetadata{
		Magic:                  wprMetaMagic,
		SysmemAddrOfBootloader: bootPhys,
		SizeOfBootloader:       bootSize,
		SysmemAddrOfRadix3Elf:  table.RootPhys,
		SizeOfRadix3Elf:        uint64(len(firmware)),
		GspFwHeapSize:          gspHeapDefaultSize,
		FrtsSize:               frtsSize,
		FwHeapEnabled:          1,
		PartitionRpc:           1,
	})
	o.wprMeta, o.releaseWprMeta = meta, release

	log.Printf("gsp: WPR metadata configured at 0x%x: bootloader=0x%x(%d) radix3=0x%x(%d)",
		meta.PhysAddr, bootPhys, bootSize, table.RootPhys, len(firmware))
	return nil
}

// writeWprMetadata encodes m into buf using the field layout WprMetadata
// documents.
func writeWprMetadata(buf []byte, m WprMetadata) {
	binary.LittleEndian.PutUint32(buf[0:], m.Magic)
	binary.LittleEndian.PutUint64(buf[8:], m.SysmemAddrOfBootloader)
	binary.LittleEndian.PutUint64(buf[16:], m.SizeOfBootloader)
	binary.LittleEndian.PutUint64(buf[24:], m.SysmemAddrOfRadix3Elf)
	binary.LittleEndian.PutUint64(buf[32:], m.SizeOfRadix3Elf)
	binary.LittleEndian.PutUint64(buf[40:], m.GspFwHeapSize)
	binary.LittleEndian.PutUint64(buf[48:], m.FrtsSize)
	binary.LittleEndian.PutUint32(buf[56:], m.FwHeapEnabled)
	binary.LittleEndian.PutUint32(buf[60:], m.PartitionRpc)
}

// ReadWprMetadata decodes a WprMetadata block previously written by
// writeWprMetadata, for tests and diagnostics that read it back.
func ReadWprMetadata(buf []byte) WprMetadata {
	return WprMetadata{
		Magic:                  binary.LittleEndian.Uint32(buf[0:]),
		SysmemAddrOfBootloader: binary.LittleEndian.Uint64(buf[8:]),
		SizeOfBootloader:       binary.LittleEndian.Uint64(buf[16:]),
		SysmemAddrOfRadix3Elf:  binary.LittleEndian.Uint64(buf[24:]),
		SizeOfRadix3Elf:        binary.LittleEndian.Uint64(buf[32:]),
		GspFwHeapSize:          binary.LittleEndian.Uint64(buf[40:]),
		FrtsSize:               binary.LittleEndian.Uint64(buf[48:]),
		FwHeapEnabled:          binary.LittleEndian.Uint32(buf[56:]),
		PartitionRpc:           binary.LittleEndian.Uint32(buf[60:]),
	}
}

// executeBooterLoad PIO-loads the Booter ucode onto SEC2, starts it, and
// waits for it to halt. Failure here is recoverable: the caller falls
// back to starting RISC-V directly.
func (o *Orchestrator) executeBooterLoad(booterUcode []byte) error {
	buf, release, err := o.adapter.AllocDma(uint(len(booterUcode)))
	if err != nil {
		return fmt.Errorf("alloc booter buffer: %w", err)
	}
	copy(buf.Bytes, booterUcode)
	o.booter, o.releaseBooter = buf, release

	o.sec2.Reset()
	if err := o.sec2.DMALoad(buf.PhysAddr, uint32(len(booterUcode)), true); err != nil {
		return fmt.Errorf("DMA-load booter ucode: %w", err)
	}
	o.sec2.SetBootVector(0)
	o.sec2.Start()
	if !o.sec2.WaitHalt(1_000_000) {
		return fmt.Errorf("booter did not halt")
	}
	return nil
}

// startRiscv programs the GSP RISC-V core's boot config register with the
// WPR metadata physical address and polls for CPUCTL.ACTIVE.
func (o *Orchestrator) startRiscv() error {
	bcrAddr := uint32(o.wprMeta.PhysAddr >> 8)
	o.adapter.Write32(o.gsp.Base+regs.RiscvBCRCTRL, 0) // clear any stale VALID before reprogramming
	o.adapter.Write32(o.gsp.Base+regs.FalconBCRDMEMAddr, bcrAddr)
	o.adapter.Write32(o.gsp.Base+regs.RiscvBCRCTRL, regs.BCRCtrlValid|bcrAddr)
	o.adapter.Write32(o.gsp.Base+regs.RiscvCPUCTL, regs.CPUCTLStartCPU)

	for i := 0; i < 100; i++ {
		status := o.adapter.Read32(o.gsp.Base + regs.RiscvCPUCTL)
		retcode := o.adapter.Read32(o.gsp.Base + regs.RiscvBRRETCODE)
		if status&regs.CPUCTLActive != 0 {
			return nil
		}
		if retcode != 0 && retcode != regs.BootInProgressRetcode {
			log.Printf("gsp: RISC-V boot error code 0x%08x at iteration %d", retcode, i)
		}
		o.adapter.DelayUS(1000)
	}
	return fmt.Errorf("RISC-V core did not report ACTIVE")
}

// WaitForInitDone polls MAILBOX0 at 10 ms cadence for GSP_INIT_DONE.
func (o *Orchestrator) WaitForInitDone(timeoutMs uint32) bool {
	iterations := timeoutMs / 10
	if iterations == 0 {
		iterations = 1
	}
	for i := uint32(0); i < iterations; i++ {
		if o.gsp.Mailbox0() == regs.MsgEventGspInitDone {
			o.gspReady = true
			o.stage = StageGspReady
			return true
		}
		o.adapter.DelayUS(10_000)
	}
	log.Printf("gsp: timed out waiting for GSP_INIT_DONE after %d ms", timeoutMs)
	return false
}

// Close releases every DMA buffer the orchestrator acquired, in this
// order: radix3, WPR metadata, the FWSEC engine's VBIOS buffer, booter,
// bootloader, firmware.
func (o *Orchestrator) Close() {
	if o.radix3 != nil {
		o.radix3.Release()
		o.radix3 = nil
	}
	if o.releaseWprMeta != nil {
		o.releaseWprMeta()
		o.releaseWprMeta = nil
	}
	o.fwsec.Close()
	if o.releaseBooter != nil {
		o.releaseBooter()
		o.releaseBooter = nil
	}
	if o.releaseBoot != nil {
		o.releaseBoot()
		o.releaseBoot = nil
	}
	if o.releaseFirmware != nil {
		o.releaseFirmware()
		o.releaseFirmware = nil
	}
}
