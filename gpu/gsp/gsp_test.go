package gsp

import (
	"testing"

	"github.com/nvdaal/gspboot/elib/hw"
	"github.com/nvdaal/gspboot/gpu/regs"
)

type mockAdapter struct {
	regs map[uint32]uint32
	next uint64

	// activateOnStart, when true, marks the RISC-V core ACTIVE the
	// instant CPUCTL.START is written, so startRiscv succeeds on its
	// first poll iteration.
	activateOnStart bool
}

func newMockAdapter() *mockAdapter {
	return &mockAdapter{regs: make(map[uint32]uint32), next: 0x50000}
}

func (m *mockAdapter) Read32(offset uint32) uint32 { return m.regs[offset] }

func (m *mockAdapter) Write32(offset uint32, v uint32) {
	m.regs[offset] = v
	gspBase := regs.FalconGSPBase
	switch offset {
	case uint32(gspBase) + regs.RiscvCPUCTL:
		if v&regs.CPUCTLStartCPU != 0 && m.activateOnStart {
			m.regs[offset] |= regs.CPUCTLActive
		}
	case uint32(gspBase) + regs.FalconDMATRFCMD:
		m.regs[offset] |= regs.DMATRFCMDIdle
	}
}

func (m *mockAdapter) DelayUS(uint32) {}

func (m *mockAdapter) AllocDma(n uint) (hw.DmaBuffer, func(), error) {
	buf := hw.DmaBuffer{Bytes: make([]byte, n), PhysAddr: m.next}
	m.next += uint64(n)
	return buf, func() {}, nil
}

var _ hw.Adapter = (*mockAdapter)(nil)

func TestBootReachesRiscvStartedWithoutBooterOrVbios(t *testing.T) {
	a := newMockAdapter()
	a.activateOnStart = true
	o := New(a)

	firmware := make([]byte, 3*4096+17)
	for i := range firmware {
		firmware[i] = byte(i)
	}

	if err := o.Boot(nil, nil, firmware); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if o.Stage() != StageRiscvStarted {
		t.Fatalf("Stage: got %s want %s", o.Stage(), StageRiscvStarted)
	}
	if o.radix3 == nil {
		t.Fatalf("Boot: expected a radix3 table to have been built")
	}
}

func TestBootFailsAtWprMetaStageWithoutFirmware(t *testing.T) {
	a := newMockAdapter()
	a.activateOnStart = true
	o := New(a)

	if err := o.Boot(nil, nil, nil); err == nil {
		t.Fatalf("Boot: expected an error when no firmware image is supplied")
	}
	if o.Stage() != StageFwsecDoneOrSkipped {
		t.Fatalf("Stage: got %s, expected the orchestrator to have stalled at %s", o.Stage(), StageFwsecDoneOrSkipped)
	}
}

func TestBootFailsWhenRiscvNeverGoesActive(t *testing.T) {
	a := newMockAdapter()
	a.activateOnStart = false
	o := New(a)

	firmware := make([]byte, 4096)
	if err := o.Boot(nil, nil, firmware); err == nil {
		t.Fatalf("Boot: expected an error when RISC-V never reports ACTIVE")
	}
	if o.Stage() != StageBooterRanOrSkipped {
		t.Fatalf("Stage: got %s, expected the orchestrator to have stalled at %s", o.Stage(), StageBooterRanOrSkipped)
	}
	diag := o.LastDiagnostics()
	if diag.Stage != StageBooterRanOrSkipped {
		t.Errorf("diagnostics stage: got %s want %s", diag.Stage, StageBooterRanOrSkipped)
	}
}

func TestSetupWprMetaAssemblesReadableBlock(t *testing.T) {
	a := newMockAdapter()
	a.activateOnStart = true
	o := New(a)

	bootloader := []byte("bootloader-blob")
	firmware := make([]byte, 8192)
	if err := o.setupWprMeta(bootloader, firmware); err != nil {
		t.Fatalf("setupWprMeta: %v", err)
	}

	meta := ReadWprMetadata(o.wprMeta.Bytes)
	if meta.Magic != wprMetaMagic {
		t.Errorf("Magic: got 0x%x want 0x%x", meta.Magic, wprMetaMagic)
	}
	if meta.SysmemAddrOfBootloader != o.bootloader.PhysAddr {
		t.Errorf("SysmemAddrOfBootloader: got 0x%x want 0x%x", meta.SysmemAddrOfBootloader, o.bootloader.PhysAddr)
	}
	if meta.SizeOfBootloader != uint64(len(bootloader)) {
		t.Errorf("SizeOfBootloader: got %d want %d", meta.SizeOfBootloader, len(bootloader))
	}
	if meta.SysmemAddrOfRadix3Elf != o.radix3.RootPhys {
		t.Errorf("SysmemAddrOfRadix3Elf: got 0x%x want 0x%x", meta.SysmemAddrOfRadix3Elf, o.radix3.RootPhys)
	}
	if meta.FrtsSize != frtsSize {
		t.Errorf("FrtsSize: got %d want %d", meta.FrtsSize, frtsSize)
	}
	if meta.FwHeapEnabled != 1 || meta.PartitionRpc != 1 {
		t.Errorf("FwHeapEnabled/PartitionRpc: got %d/%d want 1/1", meta.FwHeapEnabled, meta.PartitionRpc)
	}
}

func TestWaitForInitDoneObservesMailbox(t *testing.T) {
	a := newMockAdapter()
	o := New(a)
	a.regs[uint32(regs.FalconGSPBase)+regs.FalconMAILBOX0] = regs.MsgEventGspInitDone

	if !o.WaitForInitDone(100) {
		t.Fatalf("WaitForInitDone: expected true when MAILBOX0 already carries GSP_INIT_DONE")
	}
	if !o.Ready() {
		t.Fatalf("Ready: expected true after WaitForInitDone succeeds")
	}
	if o.Stage() != StageGspReady {
		t.Fatalf("Stage: got %s want %s", o.Stage(), StageGspReady)
	}
}

func TestWaitForInitDoneTimesOut(t *testing.T) {
	a := newMockAdapter()
	o := New(a)

	if o.WaitForInitDone(20) {
		t.Fatalf("WaitForInitDone: expected false when MAILBOX0 never reports GSP_INIT_DONE")
	}
	if o.Ready() {
		t.Fatalf("Ready: expected false after a timeout")
	}
}

func TestCloseIsSafeAfterFailedBoot(t *testing.T) {
	a := newMockAdapter()
	o := New(a)
	if err := o.Boot(nil, nil, nil); err == nil {
		t.Fatalf("Boot: expected an error")
	}
	o.Close() // must not panic even though no radix3/WPR-meta buffer was ever allocated
}
