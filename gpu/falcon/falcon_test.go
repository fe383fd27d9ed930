package falcon

import (
	"testing"

	"github.com/nvdaal/gspboot/elib/hw"
	"github.com/nvdaal/gspboot/gpu/regs"
)

// mockAdapter is a bare in-memory elib/hw.Adapter for exercising register
// sequencing without real silicon. Writes to DMATRFCMD immediately report
// idle so DMA-load tests don't spin.
type mockAdapter struct {
	regs    map[uint32]uint32
	nextPhys uint64
	delays   int
}

func newMockAdapter() *mockAdapter {
	return &mockAdapter{regs: make(map[uint32]uint32), nextPhys: 0x1000}
}

func (m *mockAdapter) Read32(offset uint32) uint32 { return m.regs[offset] }

func (m *mockAdapter) Write32(offset uint32, value uint32) {
	m.regs[offset] = value
	if offset == regs.FalconGSPBase+regs.FalconDMATRFCMD || offset == regs.FalconSEC2Base+regs.FalconDMATRFCMD {
		m.regs[offset] |= regs.DMATRFCMDIdle
	}
}

func (m *mockAdapter) DelayUS(us uint32) { m.delays++ }

func (m *mockAdapter) AllocDma(n uint) (hw.DmaBuffer, func(), error) {
	buf := hw.DmaBuffer{Bytes: make([]byte, n), PhysAddr: m.nextPhys}
	m.nextPhys += uint64(n)
	return buf, func() {}, nil
}

var _ hw.Adapter = (*mockAdapter)(nil)

func TestResetLogsButDoesNotPanicWhenNotHalted(t *testing.T) {
	a := newMockAdapter()
	f := GSP(a)
	f.Reset()
	if got := a.regs[regs.FalconGSPBase+regs.FalconCPUCTL]; got != 0 {
		t.Errorf("CPUCTL after reset: got 0x%x want 0", got)
	}
}

func TestPIOLoadIMEMWritesAutoIncrementBlocks(t *testing.T) {
	a := newMockAdapter()
	f := GSP(a)
	data := make([]byte, 300)
	for i := range data {
		data[i] = byte(i)
	}
	f.PIOLoadIMEM(data, false)

	ctl := a.regs[regs.FalconGSPBase+regs.FalconIMEMC(0)]
	if ctl&regs.MEMCAincw == 0 {
		t.Errorf("IMEMC: auto-increment-on-write bit not set, got 0x%x", ctl)
	}
	// Second 256-byte block sets blockIdx=1 in the control word.
	if ctl>>8&0xff != 1 {
		t.Errorf("IMEMC: expected block index 1 for the final partial block, got %d", ctl>>8&0xff)
	}
}

func TestDMALoadStepsThroughBlocks(t *testing.T) {
	a := newMockAdapter()
	f := SEC2(a)
	if err := f.DMALoad(0xdeadb000, 1024, true); err != nil {
		t.Fatalf("DMALoad: %v", err)
	}
	cmd := a.regs[regs.FalconSEC2Base+regs.FalconDMATRFCMD]
	if cmd&regs.DMATRFCMDSec == 0 {
		t.Errorf("DMATRFCMD: secure bit not set for a secure load, got 0x%x", cmd)
	}
	base := a.regs[regs.FalconSEC2Base+regs.FalconDMATRFBASE]
	if base != uint32(0xdeadb000>>8) {
		t.Errorf("DMATRFBASE: got 0x%x want 0x%x", base, uint32(0xdeadb000>>8))
	}
}

func TestWaitHaltReturnsTrueOnceHaltedBitAppears(t *testing.T) {
	a := newMockAdapter()
	f := GSP(a)
	a.regs[regs.FalconGSPBase+regs.FalconCPUCTL] = regs.CPUCTLHalted
	if !f.WaitHalt(1000) {
		t.Fatalf("WaitHalt: expected true when HALTED is already set")
	}
}

func TestWaitHaltReturnsFalseOnTimeout(t *testing.T) {
	a := newMockAdapter()
	f := GSP(a)
	if f.WaitHalt(50) {
		t.Fatalf("WaitHalt: expected false when HALTED never appears")
	}
}

func TestTriggerBROMReportsNonZeroRetcode(t *testing.T) {
	a := newMockAdapter()
	f := GSP(a)
	a.regs[regs.FalconGSPBase+regs.FalconCPUCTL] = regs.CPUCTLHalted
	a.regs[regs.FalconGSPBase+regs.FalconBRRETCODE] = 0xbad

	if err := f.TriggerBROM(0x2000, 100); err == nil {
		t.Fatalf("TriggerBROM: expected an error for a non-zero return code")
	}
}

func TestTriggerBROMSucceedsOnZeroRetcode(t *testing.T) {
	a := newMockAdapter()
	f := GSP(a)
	a.regs[regs.FalconGSPBase+regs.FalconCPUCTL] = regs.CPUCTLHalted

	if err := f.TriggerBROM(0x2000, 100); err != nil {
		t.Fatalf("TriggerBROM: unexpected error: %v", err)
	}
	if got := a.regs[regs.FalconGSPBase+regs.FalconBCRDMEMAddr]; got != uint32(0x2000>>8) {
		t.Errorf("BCR_DMEM_ADDR: got 0x%x want 0x%x", got, uint32(0x2000>>8))
	}
}
