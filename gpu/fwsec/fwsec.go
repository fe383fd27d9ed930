// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fwsec drives the FWSEC-FRTS secure bring-up sequence: it gets
// the GSP Falcon's Boot ROM to carve out WPR2, the write-protected region
// the GSP firmware runs from, by whichever of three strategies the
// extracted ucode supports.
package fwsec

import (
	"encoding/binary"
	"fmt"

	"github.com/nvdaal/gspboot/elib/hw"
	"github.com/nvdaal/gspboot/gpu/falcon"
	"github.com/nvdaal/gspboot/gpu/regs"
	"github.com/nvdaal/gspboot/gpu/vbios"
	"github.com/nvdaal/gspboot/log"
)

// frtsInitCmd is the DMEMMAPPER initCmd value that selects the FRTS
// (WPR2 carve-out) command rather than the normal FWSEC boot path.
const frtsInitCmd = 0x15

// dmemMapperInitCmdOffset is the byte offset of the initCmd field within
// the DMAP block.
const dmemMapperInitCmdOffset = 0x20

// Wpr2Status is the result of reading back the WPR2 region registers.
type Wpr2Status struct {
	Enabled bool
	Lo, Hi  uint64
}

// Engine runs the FWSEC-FRTS decision tree against one GSP Falcon.
type Engine struct {
	adapter hw.Adapter
	gsp     *falcon.Falcon

	rom  []byte
	info vbios.FalconUcodeInfo

	vbiosBuf hw.DmaBuffer
	release  func()
}

// New returns an Engine bound to gsp. No VBIOS is loaded yet.
func New(a hw.Adapter, gsp *falcon.Falcon) *Engine {
	return &Engine{adapter: a, gsp: gsp}
}

// LoadVbios parses rom and copies it into a DMA buffer so the Falcon's
// Boot ROM and DMA paths can fetch the firmware blob by physical address.
// Any previously loaded VBIOS's buffer is released first.
func (e *Engine) LoadVbios(rom []byte) error {
	if e.release != nil {
		e.release()
		e.release = nil
	}

	info := vbios.Parse(rom)
	if !info.Valid {
		return fmt.Errorf("fwsec: VBIOS did not yield a valid FWSEC ucode descriptor")
	}

	buf, release, err := e.adapter.AllocDma(uint(len(rom)))
	if err != nil {
		return fmt.Errorf("fwsec: alloc vbios buffer: %w", err)
	}
	copy(buf.Bytes, rom)

	e.rom = rom
	e.info = info
	e.vbiosBuf = buf
	e.release = release
	return nil
}

// readVbiosFromBar reads up to 1 MiB of VBIOS image out of the BAR0
// expansion ROM window, 32-bit word at a time, and loads it.
func (e *Engine) readVbiosFromBar() error {
	rom := make([]byte, regs.VbiosRomSize)
	for off := uint32(0); off < regs.VbiosRomSize; off += 4 {
		word := e.adapter.Read32(regs.VbiosRomOffset + off)
		binary.LittleEndian.PutUint32(rom[off:], word)
	}
	return e.LoadVbios(rom)
}

// Info returns the most recently parsed VBIOS's FWSEC ucode descriptor.
func (e *Engine) Info() vbios.FalconUcodeInfo { return e.info }

// ReadWpr2 reads the PFB WPR2 region registers and decodes their enabled
// bit and address bounds.
func (e *Engine) ReadWpr2() Wpr2Status {
	loReg := e.adapter.Read32(regs.PFBPriMMUWpr2AddrLo)
	hiReg := e.adapter.Read32(regs.PFBPriMMUWpr2AddrHi)

	status := Wpr2Status{Enabled: hiReg&regs.Wpr2Enabled != 0}
	if !status.Enabled {
		return status
	}
	status.Hi = uint64(hiReg&0xfffff)<<32 | uint64(loReg&0xfff00000)
	status.Lo = uint64(loReg&0xfffff) << regs.Wpr2AddrShift
	return status
}

// EnsureWpr2 runs the decision tree: it returns once WPR2.enabled is
// observed, or once every strategy the loaded ucode supports has been
// tried and failed.
func (e *Engine) EnsureWpr2() (Wpr2Status, error) {
	if status := e.ReadWpr2(); status.Enabled {
		log.Printf("fwsec: WPR2 already enabled (lo=0x%x hi=0x%x), nothing to do", status.Lo, status.Hi)
		return status, nil
	}

	if e.rom == nil {
		if err := e.readVbiosFromBar(); err != nil {
			return Wpr2Status{}, fmt.Errorf("fwsec: read VBIOS from BAR0: %w", err)
		}
	}
	if !e.info.Valid {
		return Wpr2Status{}, fmt.Errorf("fwsec: no valid FWSEC ucode available")
	}

	fwPhys := e.vbiosBuf.PhysAddr + uint64(e.info.FwOffset)

	strategies := []struct {
		name string
		run  func(fwPhys uint64) error
	}{
		{"brom", e.strategyBROM},
		{"dma", e.strategyDMA},
		{"pio", e.strategyPIO},
	}

	var lastErr error
	for _, s := range strategies {
		log.Printf("fwsec: trying strategy %q", s.name)
		if err := s.run(fwPhys); err != nil {
			log.Printf("fwsec: strategy %q failed: %v", s.name, err)
			lastErr = err
			continue
		}
		if status := e.ReadWpr2(); status.Enabled {
			log.Printf("fwsec: strategy %q established WPR2 (lo=0x%x hi=0x%x)", s.name, status.Lo, status.Hi)
			return status, nil
		}
		log.Printf("fwsec: strategy %q completed but WPR2 is still not enabled", s.name)
	}

	if lastErr != nil {
		return Wpr2Status{}, fmt.Errorf("fwsec: no strategy established WPR2, last error: %w", lastErr)
	}
	return Wpr2Status{}, fmt.Errorf("fwsec: no strategy established WPR2")
}

// strategyBROM hands the firmware blob's physical address directly to the
// Boot ROM's Heavy-Secure loader.
func (e *Engine) strategyBROM(fwPhys uint64) error {
	e.gsp.Reset()
	return e.gsp.TriggerBROM(fwPhys, 5_000_000)
}

// strategyDMA DMA-loads the firmware into IMEM, sets the boot vector, and
// starts the core itself rather than handing off to the Boot ROM.
func (e *Engine) strategyDMA(fwPhys uint64) error {
	e.gsp.Reset()
	if err := e.gsp.DMALoad(fwPhys, e.info.StoredSize, true); err != nil {
		return err
	}
	e.gsp.SetBootVector(e.info.BootVector)
	e.gsp.Start()
	if !e.gsp.WaitHalt(5_000_000) {
		return fmt.Errorf("fwsec: strategy dma: core did not halt")
	}
	return nil
}

// strategyPIO PIO-loads IMEM and a patched copy of DMEM -- the
// DMEMMAPPER's initCmd field is overwritten to select the FRTS command --
// then starts the core. It is the fallback when DMA transfer setup
// itself isn't trusted to work.
func (e *Engine) strategyPIO(fwPhys uint64) error {
	rom := e.rom
	lo, hi := e.info.IMEMOffset, e.info.IMEMOffset+e.info.IMEMSize
	if hi > uint32(len(rom)) {
		return fmt.Errorf("fwsec: strategy pio: IMEM span out of range")
	}
	imem := rom[lo:hi]

	lo, hi = e.info.DMEMOffset, e.info.DMEMOffset+e.info.DMEMSize
	if hi > uint32(len(rom)) {
		return fmt.Errorf("fwsec: strategy pio: DMEM span out of range")
	}
	dmem := make([]byte, hi-lo)
	copy(dmem, rom[lo:hi])

	patchOff := e.info.DMEMMapperOffset + dmemMapperInitCmdOffset
	if int(patchOff)+4 > len(dmem) {
		return fmt.Errorf("fwsec: strategy pio: DMEMMAPPER initCmd field out of range")
	}
	binary.LittleEndian.PutUint32(dmem[patchOff:], frtsInitCmd)

	e.gsp.Reset()
	e.gsp.PIOLoadIMEM(imem, true)
	e.gsp.PIOLoadDMEM(dmem, false)
	e.gsp.SetBootVector(e.info.BootVector)
	e.gsp.Start()
	if !e.gsp.WaitHalt(1_000_000) {
		return fmt.Errorf("fwsec: strategy pio: core did not halt")
	}
	return nil
}

// Close releases the VBIOS DMA buffer, if one is held.
func (e *Engine) Close() {
	if e.release != nil {
		e.release()
		e.release = nil
	}
}
