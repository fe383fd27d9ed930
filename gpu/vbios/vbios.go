// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package vbios locates and decodes the FWSEC ucode descriptor buried
// inside a raw VBIOS image: BIT header -> PMU lookup table -> Falcon
// ucode descriptor V3 -> IMEM/DMEM/signature offsets.
//
// VBIOS layouts are byte-packed structures whose sizes and offsets are
// part of the contract; per design, they are treated as tagged byte
// views over the buffer -- every field access below is a bounded,
// explicit offset read, not a cast onto a Go struct.
package vbios

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/nvdaal/gspboot/log"
)

// FalconUcodeInfo is the extracted result of parsing a VBIOS image for its
// embedded FWSEC ucode. All offsets are relative to the VBIOS buffer.
type FalconUcodeInfo struct {
	Valid bool

	FwOffset   uint32 // byte offset of the firmware blob
	StoredSize uint32 // size recorded in an optional NVFW_BIN_HDR

	IMEMOffset uint32
	IMEMSize   uint32
	IMEMSecureSize uint32

	DMEMOffset uint32
	DMEMSize   uint32

	SignatureOffset uint32
	SignatureSize   uint32

	BootVector uint32

	// DMEMMapperOffset is relative to DMEMOffset.
	DMEMMapperOffset uint32

	// Fingerprint is a non-cryptographic content hash of the extracted
	// firmware blob (IMEM+DMEM span), logged once so operators can tell
	// two VBIOS dumps apart in a bug report. Not a signature check --
	// firmware signing stays out of scope.
	Fingerprint [32]byte
}

const (
	romSignature = 0xaa55
	pcirMagic    = "PCIR"
	bitPrefix1   = 0xff
	bitPrefix2   = 0xb8
	bitMagic     = "BIT\x00"

	pcirCodeTypeX86    = 0x00
	pcirCodeTypeEFI    = 0x03
	pcirCodeTypeFWSEC  = 0xe0
	pcirLastImageFlag  = 1 << 7

	pmuLookupVersion    = 1
	pmuLookupHeaderSize = 6
	pmuLookupEntrySize  = 6

	pmuAppIDFwsecProd  = 0x85
	pmuAppIDFwsecProd2 = 0x0085
	pmuAppIDFwsecLast  = 0x01

	binHdrVendorNvidia = 0x10de

	dmemMapperMagic = 0x50414d44 // "DMAP"

	bitTokenPmuTableAda  = 0x50
	bitTokenFalconDataV1 = 0x70
)

func u16(b []byte, o int) (uint16, bool) {
	if o < 0 || o+2 > len(b) {
		return 0, false
	}
	return binary.LittleEndian.Uint16(b[o:]), true
}

func u32(b []byte, o int) (uint32, bool) {
	if o < 0 || o+4 > len(b) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b[o:]), true
}

// Parse walks a raw VBIOS image and extracts its FWSEC ucode descriptor.
// It returns FalconUcodeInfo.Valid == false, not an error, on any
// structural failure -- the caller decides whether to assume WPR2 was
// pre-configured by firmware POST and proceed without FWSEC.
func Parse(rom []byte) FalconUcodeInfo {
	var info FalconUcodeInfo

	imageBase, fwsecStart, ok := locateROM(rom)
	if !ok {
		log.Printf("vbios: no PCIR image found")
		return info
	}

	bitOffset, ok := findBIT(rom)
	if !ok {
		log.Printf("vbios: no BIT header found")
		return info
	}
	// The BIT header lives inside some PCIR image; imageBase is a
	// best-effort anchor for pre-Ada token 0x70 offsets, computed as the
	// image containing bitOffset when one is found by locateROM.
	if ib, ok := imageContaining(rom, bitOffset); ok {
		imageBase = ib
	}

	headerSize, tokenSize, tokenCount, ok := parseBITHeader(rom, bitOffset)
	if !ok {
		log.Printf("vbios: malformed BIT header at 0x%x", bitOffset)
		return info
	}

	pmuOffset, ok := resolvePMUTable(rom, bitOffset, headerSize, tokenSize, tokenCount, imageBase, fwsecStart)
	if !ok {
		log.Printf("vbios: could not resolve PMU lookup table")
		return info
	}

	dataOffset, ok := findFwsecEntry(rom, pmuOffset, fwsecStart)
	if !ok {
		log.Printf("vbios: no FWSEC entry in PMU lookup table")
		return info
	}

	info.FwOffset = dataOffset
	descOffset := unwrapBinHeader(rom, dataOffset, &info)

	if !populateDescriptor(rom, descOffset, &info) {
		log.Printf("vbios: malformed Falcon ucode descriptor at 0x%x", descOffset)
		return info
	}

	if !locateDmemMapper(rom, &info) {
		log.Printf("vbios: DMEMMAPPER magic not found in DMEM span")
		return info
	}

	info.Valid = info.IMEMOffset+info.IMEMSize <= uint32(len(rom))
	if info.Valid {
		lo := info.FwOffset
		hi := info.DMEMOffset + info.DMEMSize
		if hi > uint32(len(rom)) {
			hi = uint32(len(rom))
		}
		if lo < hi {
			info.Fingerprint = blake2b.Sum256(rom[lo:hi])
		}
		log.Printf("vbios: parsed FWSEC ucode fwOffset=0x%x imem=0x%x+0x%x dmem=0x%x+0x%x fingerprint=%x",
			info.FwOffset, info.IMEMOffset, info.IMEMSize, info.DMEMOffset, info.DMEMSize, info.Fingerprint[:8])
	}
	return info
}

// locateROM implements Phase A: scan for the 0x55AA ROM signature at
// 512-byte boundaries, then walk the PCIR image chain. It returns the last
// scanned image's base offset (imageBase, best-effort) and the offset of
// any FWSEC-typed image (fwsecStart), which is recorded but not relied on.
func locateROM(rom []byte) (imageBase uint32, fwsecStart uint32, ok bool) {
	start := 0
	if len(rom) >= 4 && string(rom[0:4]) == "NVGI" {
		start = 0x1000
	}

	fwsecStart = 0
	haveFwsec := false
	off := start
	for off+2 <= len(rom) {
		sig, sok := u16(rom, off)
		if !sok || sig != romSignature {
			off += 512
			continue
		}
		ptr16, pok := u16(rom, off+0x18)
		if !pok {
			break
		}
		pcirOff := off + int(ptr16)
		if pcirOff+8 > len(rom) || string(rom[pcirOff:pcirOff+4]) != pcirMagic {
			off += 512
			continue
		}
		imgLenUnits, _ := u16(rom, pcirOff+0x10)
		codeType := rom[pcirOff+0x14]
		lastImage := rom[pcirOff+0x15]&pcirLastImageFlag != 0

		imageBase = uint32(off)
		if codeType == pcirCodeTypeFWSEC && !haveFwsec {
			fwsecStart = uint32(off)
			haveFwsec = true
		}
		ok = true

		if imgLenUnits == 0 {
			break
		}
		advance := int(imgLenUnits) * 512
		next := (off + advance + 511) &^ 511
		if lastImage || next <= off {
			break
		}
		off = next
	}
	return
}

// findBIT implements Phase B: byte-scan for 0xFF 0xB8 "BIT\0".
func findBIT(rom []byte) (offset uint32, ok bool) {
	for i := 0; i+6 <= len(rom); i++ {
		if rom[i] == bitPrefix1 && rom[i+1] == bitPrefix2 && string(rom[i+2:i+6]) == bitMagic {
			return uint32(i), true
		}
	}
	return 0, false
}

func imageContaining(rom []byte, offset uint32) (uint32, bool) {
	off := 0
	for off+2 <= len(rom) {
		sig, sok := u16(rom, off)
		if sok && sig == romSignature {
			ptr16, pok := u16(rom, off+0x18)
			if pok {
				pcirOff := off + int(ptr16)
				if pcirOff+8 <= len(rom) && string(rom[pcirOff:pcirOff+4]) == pcirMagic {
					imgLenUnits, _ := u16(rom, pcirOff+0x10)
					lastImage := rom[pcirOff+0x15]&pcirLastImageFlag != 0
					next := off + int(imgLenUnits)*512
					if int(offset) >= off && int(offset) < next {
						return uint32(off), true
					}
					if lastImage || imgLenUnits == 0 {
						break
					}
					off = next
					continue
				}
			}
		}
		off += 512
	}
	return 0, false
}

// parseBITHeader implements the header fields consumed by Phase C: BIT
// header layout is {signature[6]}{headerVersion:u16}{headerSize:u8}
// {tokenSize:u8}{tokenCount:u8}{checksum:u8} starting at bitOffset.
func parseBITHeader(rom []byte, bitOffset uint32) (headerSize, tokenSize, tokenCount uint8, ok bool) {
	o := int(bitOffset) + 6 // past 0xFF 0xB8 "BIT\0"... signature is 6 bytes total from bitOffset
	if o+5 > len(rom) {
		return 0, 0, 0, false
	}
	headerSize = rom[o+2]
	tokenSize = rom[o+3]
	tokenCount = rom[o+4]
	if tokenSize == 0 || headerSize == 0 {
		return 0, 0, 0, false
	}
	return headerSize, tokenSize, tokenCount, true
}

// resolvePMUTable implements Phase C+D: enumerate BIT tokens looking for
// id 0x50 (Ada PMU table pointer array) or id 0x70 (pre-Ada Falcon data),
// falling back to a brute-force scan from 0x9000.
func resolvePMUTable(rom []byte, bitOffset uint32, headerSize, tokenSize, tokenCount uint8, imageBase, fwsecStart uint32) (uint32, bool) {
	tokenBase := int(bitOffset) + int(headerSize)
	var candidate50 []uint32
	var candidate70 uint32
	have70 := false

	for i := 0; i < int(tokenCount); i++ {
		to := tokenBase + i*int(tokenSize)
		if to+2 > len(rom) {
			break
		}
		id := rom[to]
		dataOff := to + 2
		switch id {
		case bitTokenPmuTableAda:
			n := (int(tokenSize) - 2) / 4
			for j := 0; j < n; j++ {
				if v, ok := u32(rom, dataOff+j*4); ok && v != 0 {
					candidate50 = append(candidate50, v)
				}
			}
		case bitTokenFalconDataV1:
			if v, ok := u32(rom, dataOff); ok {
				candidate70 = v
				have70 = true
			}
		}
	}

	for _, c := range candidate50 {
		if validPMUSignature(rom, int(c)) {
			return c, true
		}
	}
	if have70 {
		off := imageBase + candidate70
		if validPMUSignature(rom, int(off)) {
			return off, true
		}
	}
	// Brute force from 0x9000.
	for off := 0x9000; off+pmuLookupHeaderSize <= len(rom); off++ {
		if validPMUSignature(rom, off) && hasFwsecEntry(rom, uint32(off)) {
			return uint32(off), true
		}
	}
	return 0, false
}

func validPMUSignature(rom []byte, off int) bool {
	if off < 0 || off+4 > len(rom) {
		return false
	}
	version := rom[off]
	headerSize := rom[off+1]
	entrySize := rom[off+2]
	entryCount := rom[off+3]
	return version == pmuLookupVersion && headerSize == pmuLookupHeaderSize &&
		entrySize == pmuLookupEntrySize && entryCount >= 1 && entryCount <= 32
}

func hasFwsecEntry(rom []byte, tableOffset uint32) bool {
	_, ok := findFwsecEntry(rom, tableOffset, 0)
	return ok
}

// findFwsecEntry implements Phase E: iterate PMU lookup entries for the
// FWSEC production app id, disambiguating the Ada 2+4 byte layout from the
// legacy 1+1+4 byte layout by entrySize (both are 6 in this table variant,
// so both encodings are tried).
func findFwsecEntry(rom []byte, tableOffset uint32, fwsecStart uint32) (uint32, bool) {
	if tableOffset+4 > uint32(len(rom)) {
		return 0, false
	}
	entryCount := int(rom[tableOffset+3])
	entriesBase := int(tableOffset) + pmuLookupHeaderSize

	tryAppID := func(appID uint32) (uint32, bool) {
		for i := 0; i < entryCount; i++ {
			eo := entriesBase + i*pmuLookupEntrySize
			if eo+6 > len(rom) {
				break
			}
			// Ada layout: appId:u16, dataOffset:u32
			id16, _ := u16(rom, eo)
			data32, _ := u32(rom, eo+2)
			if uint32(id16) == appID {
				return adjustFwsecOffset(data32, fwsecStart), true
			}
			// Legacy layout: appId:u8, targetId:u8, dataOffset:u32
			id8 := uint32(rom[eo])
			data32b, _ := u32(rom, eo+2)
			if id8 == appID {
				return adjustFwsecOffset(data32b, fwsecStart), true
			}
		}
		return 0, false
	}

	for _, id := range []uint32{pmuAppIDFwsecProd, pmuAppIDFwsecProd2, pmuAppIDFwsecLast} {
		if off, ok := tryAppID(id); ok {
			return off, true
		}
	}
	return 0, false
}

func adjustFwsecOffset(dataOffset, fwsecStart uint32) uint32 {
	if fwsecStart != 0 && dataOffset < fwsecStart {
		return dataOffset + fwsecStart
	}
	return dataOffset
}

// unwrapBinHeader implements Phase F: an optional 24-byte NVFW_BIN_HDR
// {vendorId:u32, version:u32, ..., storedSize:u32, headerOffset:u32, ...}
// precedes the descriptor; if present, advance past it.
func unwrapBinHeader(rom []byte, offset uint32, info *FalconUcodeInfo) uint32 {
	if int(offset)+24 > len(rom) {
		return offset
	}
	vendor, _ := u32(rom, int(offset))
	version, _ := u32(rom, int(offset)+4)
	if vendor != binHdrVendorNvidia || version < 1 || version > 16 {
		return offset
	}
	storedSize, _ := u32(rom, int(offset)+8)
	headerOffset, _ := u32(rom, int(offset)+12)
	info.StoredSize = storedSize
	return offset + headerOffset
}

// populateDescriptor implements Phase G: the Falcon ucode descriptor V3
// layout is {imemOffset:u32, imemSize:u32, imemSecureSize:u32,
// dmemOffset:u32, dmemSize:u32, sigOffset:u32, sigSize:u32,
// bootVector:u32}, all relative to the firmware blob. Callers pass the
// descriptor's byte offset within rom; results are stored as absolute
// VBIOS-buffer offsets (blob-relative + info.FwOffset), per contract.
func populateDescriptor(rom []byte, offset uint32, info *FalconUcodeInfo) bool {
	fields := make([]uint32, 8)
	for i := range fields {
		v, ok := u32(rom, int(offset)+i*4)
		if !ok {
			return false
		}
		fields[i] = v
	}
	info.IMEMOffset = info.FwOffset + fields[0]
	info.IMEMSize = fields[1]
	info.IMEMSecureSize = fields[2]
	info.DMEMOffset = info.FwOffset + fields[3]
	info.DMEMSize = fields[4]
	info.SignatureOffset = info.FwOffset + fields[5]
	info.SignatureSize = fields[6]
	info.BootVector = fields[7]
	return true
}

// locateDmemMapper implements the remainder of Phase G: byte-scan the DMEM
// span at 4-byte alignment for the "DMAP" magic, recording the offset
// relative to the start of DMEM.
func locateDmemMapper(rom []byte, info *FalconUcodeInfo) bool {
	base := int(info.DMEMOffset)
	end := base + int(info.DMEMSize)
	if end > len(rom) {
		end = len(rom)
	}
	for o := base; o+4 <= end; o += 4 {
		v, _ := u32(rom, o)
		if v == dmemMapperMagic {
			info.DMEMMapperOffset = uint32(o - base)
			return true
		}
	}
	return false
}

func (i FalconUcodeInfo) String() string {
	return fmt.Sprintf("FalconUcodeInfo{valid=%v fwOffset=0x%x imem=0x%x+0x%x dmem=0x%x+0x%x dmapOff=0x%x}",
		i.Valid, i.FwOffset, i.IMEMOffset, i.IMEMSize, i.DMEMOffset, i.DMEMSize, i.DMEMMapperOffset)
}
