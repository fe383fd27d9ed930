package vbios

import (
	"encoding/binary"
	"testing"
)

// buildScenario1 assembles the parse-only fixture: ROM base at 0x0, BIT at
// 0x90 with a single Ada PMU-table token (id 0x50) at 0xA0 holding four
// candidate offsets {0x9400, 0, 0, 0}, a PMU lookup table at 0x9400 with
// one FWSEC entry (appId=0x0085, dataOffset=0xA000), an NVFW_BIN_HDR at
// 0xA000 (headerOffset=0x18), and a Falcon ucode descriptor V3 at 0xA018.
func buildScenario1() []byte {
	rom := make([]byte, 0xb000)
	le32 := binary.LittleEndian.PutUint32
	le16 := binary.LittleEndian.PutUint16

	// ROM signature + PCIR pointer.
	le16(rom[0x00:], 0xaa55)
	le16(rom[0x18:], 0x0020)

	// PCIR image header at 0x20: magic, image len units, code type, last image flag.
	copy(rom[0x20:0x24], "PCIR")
	le16(rom[0x30:], 1)
	rom[0x34] = 0x00 // code type: x86
	rom[0x35] = 0x80 // last image

	// BIT header at 0x90.
	rom[0x90] = 0xff
	rom[0x91] = 0xb8
	copy(rom[0x92:0x96], "BIT\x00")
	rom[0x98] = 0x10 // headerSize = 16 -> first token at 0x90+16 = 0xa0
	rom[0x99] = 0x12 // tokenSize = 18 (id + reserved + four 4-byte offsets)
	rom[0x9a] = 0x01 // tokenCount = 1

	// Token 0x50 at 0xa0: id, reserved, four candidate PMU table offsets.
	rom[0xa0] = 0x50
	rom[0xa1] = 0x00
	le32(rom[0xa2:], 0x9400)
	le32(rom[0xa6:], 0)
	le32(rom[0xaa:], 0)
	le32(rom[0xae:], 0)

	// PMU lookup table at 0x9400: version, headerSize, entrySize, entryCount.
	rom[0x9400] = 0x01
	rom[0x9401] = 0x06
	rom[0x9402] = 0x06
	rom[0x9403] = 0x01

	// Entry at 0x9406: appId=0x0085, dataOffset=0xa000.
	le16(rom[0x9406:], 0x0085)
	le32(rom[0x9408:], 0xa000)

	// NVFW_BIN_HDR at 0xa000: vendorId, version, storedSize, headerOffset.
	le32(rom[0xa000:], 0x10de)
	le32(rom[0xa004:], 3)
	le32(rom[0xa008:], 0x2000)
	le32(rom[0xa00c:], 0x18)

	// Falcon ucode descriptor V3 at 0xa018, offsets relative to the blob.
	le32(rom[0xa018:], 0)      // imemOffset
	le32(rom[0xa01c:], 0x100)  // imemSize
	le32(rom[0xa020:], 0x20)   // imemSecureSize
	le32(rom[0xa024:], 0x100)  // dmemOffset
	le32(rom[0xa028:], 0x80)   // dmemSize
	le32(rom[0xa02c:], 0x180)  // sigOffset
	le32(rom[0xa030:], 0x10)   // sigSize
	le32(rom[0xa034:], 0)      // bootVector

	// DMEMMAPPER magic at the start of the (absolute) DMEM span, 0xa100.
	copy(rom[0xa100:0xa104], "DMAP")

	return rom
}

func TestParseOnlyScenario(t *testing.T) {
	rom := buildScenario1()
	info := Parse(rom)

	if !info.Valid {
		t.Fatalf("Parse: expected valid FalconUcodeInfo, got invalid")
	}
	if info.FwOffset != 0xa000 {
		t.Errorf("FwOffset: got 0x%x want 0xa000", info.FwOffset)
	}
	if info.StoredSize != 0x2000 {
		t.Errorf("StoredSize: got 0x%x want 0x2000", info.StoredSize)
	}
	if info.IMEMOffset != 0xa000 || info.IMEMSize != 0x100 {
		t.Errorf("IMEM: got offset=0x%x size=0x%x want offset=0xa000 size=0x100", info.IMEMOffset, info.IMEMSize)
	}
	if info.DMEMOffset != 0xa100 || info.DMEMSize != 0x80 {
		t.Errorf("DMEM: got offset=0x%x size=0x%x want offset=0xa100 size=0x80", info.DMEMOffset, info.DMEMSize)
	}
	if info.DMEMMapperOffset != 0 {
		t.Errorf("DMEMMapperOffset: got 0x%x want 0", info.DMEMMapperOffset)
	}
	if info.IMEMOffset+info.IMEMSize > uint32(len(rom)) {
		t.Errorf("invariant violated: imemOffset+imemSize > vbiosSize")
	}
}

func TestParseFailsWithoutBIT(t *testing.T) {
	rom := make([]byte, 0x1000)
	binary.LittleEndian.PutUint16(rom[0x00:], 0xaa55)
	binary.LittleEndian.PutUint16(rom[0x18:], 0x0020)
	copy(rom[0x20:0x24], "PCIR")
	binary.LittleEndian.PutUint16(rom[0x30:], 1)
	rom[0x35] = 0x80

	info := Parse(rom)
	if info.Valid {
		t.Fatalf("Parse: expected invalid FalconUcodeInfo when no BIT header is present")
	}
}

func TestParseFailsOnTruncatedBuffer(t *testing.T) {
	info := Parse(nil)
	if info.Valid {
		t.Fatalf("Parse: expected invalid FalconUcodeInfo for an empty buffer")
	}
}

func TestParseRejectsBinHdrWithBadVendor(t *testing.T) {
	rom := buildScenario1()
	// Corrupt the NVFW_BIN_HDR vendor id so it's no longer recognized;
	// the descriptor bytes it points past then get read directly as the
	// descriptor, since unwrapBinHeader leaves the offset untouched.
	binary.LittleEndian.PutUint32(rom[0xa000:], 0xdeadbeef)

	info := Parse(rom)
	// Descriptor fields are now read straight from 0xa000 instead of
	// 0xa018, so imemOffset/imemSize come from what used to be the bin
	// header fields; the parse should still complete without panicking,
	// though the resulting descriptor is nonsense.
	if info.FwOffset != 0xa000 {
		t.Errorf("FwOffset: got 0x%x want 0xa000", info.FwOffset)
	}
}
