package object

import (
	"testing"

	"github.com/nvdaal/gspboot/elib/hw"
	"github.com/nvdaal/gspboot/gpu/regs"
	"github.com/nvdaal/gspboot/gpu/rpcqueue"
	"github.com/nvdaal/gspboot/gpu/rm"
)

type mockAdapter struct {
	regs map[uint32]uint32
	next uint64
}

func newMockAdapter() *mockAdapter {
	return &mockAdapter{regs: make(map[uint32]uint32), next: 0x20000}
}

func (m *mockAdapter) Read32(offset uint32) uint32    { return m.regs[offset] }
func (m *mockAdapter) Write32(offset uint32, v uint32) { m.regs[offset] = v }
func (m *mockAdapter) DelayUS(uint32)                 {}
func (m *mockAdapter) AllocDma(n uint) (hw.DmaBuffer, func(), error) {
	buf := hw.DmaBuffer{Bytes: make([]byte, n), PhysAddr: m.next}
	m.next += uint64(n)
	return buf, func() {}, nil
}

var _ hw.Adapter = (*mockAdapter)(nil)

func newLoopbackClient(t *testing.T) (*rm.Client, *mockAdapter) {
	t.Helper()
	a := newMockAdapter()
	cmd, err := rpcqueue.New(a, regs.FalconGSPBase, 0, rpcqueue.DefaultCapacity)
	if err != nil {
		t.Fatalf("rpcqueue.New(cmd): %v", err)
	}
	status, err := rpcqueue.New(a, regs.FalconGSPBase, 1, rpcqueue.DefaultCapacity)
	if err != nil {
		t.Fatalf("rpcqueue.New(status): %v", err)
	}
	rpc := rpcqueue.NewClientFromQueues(cmd, status)
	return rm.New(rpc), a
}

func TestNewVASpaceAllocatesAndMapsBumpAllocator(t *testing.T) {
	r, a := newLoopbackClient(t)
	vs, err := NewVASpace(a, r, 1, 2)
	if err != nil {
		t.Fatalf("NewVASpace: %v", err)
	}
	if vs.Handle() == 0 {
		t.Fatalf("VASpace handle must not be zero")
	}

	base1, err := vs.Map(0x1000, 0x1000)
	if err != nil {
		t.Fatalf("Map #1: %v", err)
	}
	base2, err := vs.Map(0x2000, 0x1000)
	if err != nil {
		t.Fatalf("Map #2: %v", err)
	}
	if base2 < base1+0x1000 {
		t.Fatalf("Map #2 base 0x%x overlaps Map #1 region ending at 0x%x", base2, base1+0x1000)
	}
	if base1 < vaSpaceDefaultStart {
		t.Fatalf("Map #1 base 0x%x below VA space start 0x%x", base1, vaSpaceDefaultStart)
	}
}

func TestVASpaceMapRejectsRequestPastLimit(t *testing.T) {
	r, a := newLoopbackClient(t)
	vs, err := NewVASpace(a, r, 1, 2)
	if err != nil {
		t.Fatalf("NewVASpace: %v", err)
	}
	vs.limit = vs.start + 0x1000
	if _, err := vs.Map(0x2000, 0x1000); err == nil {
		t.Fatalf("Map: expected an error when requested size exceeds the VA space limit")
	}
}

func TestVASpaceDestroyFreesRmObjectAndBuffer(t *testing.T) {
	r, a := newLoopbackClient(t)
	vs, err := NewVASpace(a, r, 1, 2)
	if err != nil {
		t.Fatalf("NewVASpace: %v", err)
	}
	if err := vs.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
}

func TestNewChannelAllocatesGpfifoAndUserD(t *testing.T) {
	r, a := newLoopbackClient(t)
	vs, err := NewVASpace(a, r, 1, 2)
	if err != nil {
		t.Fatalf("NewVASpace: %v", err)
	}
	ch, err := NewChannel(a, r, 1, 2, vs, 512)
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	if ch.hChannel == 0 {
		t.Fatalf("channel handle must not be zero")
	}
	if len(ch.gpfifo.Bytes) != 512*gpfifoEntrySize {
		t.Fatalf("gpfifo size: got %d want %d", len(ch.gpfifo.Bytes), 512*gpfifoEntrySize)
	}
	if len(ch.userD.Bytes) != userDSize {
		t.Fatalf("userD size: got %d want %d", len(ch.userD.Bytes), userDSize)
	}
}

func TestChannelSubmitWritesEntryAndAdvancesPut(t *testing.T) {
	r, a := newLoopbackClient(t)
	vs, err := NewVASpace(a, r, 1, 2)
	if err != nil {
		t.Fatalf("NewVASpace: %v", err)
	}
	ch, err := NewChannel(a, r, 1, 2, vs, 4)
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}

	gpuAddr := uint64(0x1_2000_0000)
	if err := ch.Submit(gpuAddr, 0x40); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if ch.put != 1 {
		t.Fatalf("put: got %d want 1", ch.put)
	}
	got := uint64(0)
	for i := 0; i < 8; i++ {
		got |= uint64(ch.gpfifo.Bytes[i]) << (8 * i)
	}
	if got != gpuAddr {
		t.Fatalf("gpfifo entry addr: got 0x%x want 0x%x", got, gpuAddr)
	}
	gotLength := uint32(ch.gpfifo.Bytes[8]) | uint32(ch.gpfifo.Bytes[9])<<8 |
		uint32(ch.gpfifo.Bytes[10])<<16 | uint32(ch.gpfifo.Bytes[11])<<24
	if gotLength != 0x40 {
		t.Fatalf("gpfifo entry length: got 0x%x want 0x40", gotLength)
	}
	gotFlags := uint32(ch.gpfifo.Bytes[12]) | uint32(ch.gpfifo.Bytes[13])<<8 |
		uint32(ch.gpfifo.Bytes[14])<<16 | uint32(ch.gpfifo.Bytes[15])<<24
	if gotFlags != gpfifoEntryFlagFetch {
		t.Fatalf("gpfifo entry flags: got 0x%x want fetch bit set", gotFlags)
	}
}

func TestChannelSubmitFailsWhenRingIsFull(t *testing.T) {
	r, a := newLoopbackClient(t)
	vs, err := NewVASpace(a, r, 1, 2)
	if err != nil {
		t.Fatalf("NewVASpace: %v", err)
	}
	// A 2-entry ring holds at most one outstanding submission: the
	// second slot is reserved to disambiguate full from empty.
	ch, err := NewChannel(a, r, 1, 2, vs, 2)
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	if err := ch.Submit(0x1_0000_0000, 1); err != nil {
		t.Fatalf("Submit #1: %v", err)
	}
	if err := ch.Submit(0x1_0000_1000, 1); err == nil {
		t.Fatalf("Submit #2: expected an error, ring has only one usable slot")
	}
}

func TestChannelSubmitResumesAfterHardwareAdvancesGet(t *testing.T) {
	r, a := newLoopbackClient(t)
	vs, err := NewVASpace(a, r, 1, 2)
	if err != nil {
		t.Fatalf("NewVASpace: %v", err)
	}
	ch, err := NewChannel(a, r, 1, 2, vs, 2)
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	if err := ch.Submit(0x1_0000_0000, 1); err != nil {
		t.Fatalf("Submit #1: %v", err)
	}
	if err := ch.Submit(0x1_0000_1000, 1); err == nil {
		t.Fatalf("Submit #2: expected an error before hardware consumes entry #1")
	}
	// Hardware consumed entry #1 and wrote GET=1 back to UserD.
	ch.userD.Bytes[userDGetOffset] = 1
	if err := ch.Submit(0x1_0000_2000, 1); err != nil {
		t.Fatalf("Submit #3 after GET advanced: %v", err)
	}
}
