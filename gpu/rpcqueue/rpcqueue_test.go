package rpcqueue

import (
	"bytes"
	"testing"

	"github.com/nvdaal/gspboot/elib/hw"
	"github.com/nvdaal/gspboot/gpu/regs"
)

type mockAdapter struct {
	Regs map[uint32]uint32
	next uint64
}

func newMockAdapter() *mockAdapter {
	return &mockAdapter{Regs: make(map[uint32]uint32), next: 0x4000}
}

func (m *mockAdapter) Read32(offset uint32) uint32   { return m.Regs[offset] }
func (m *mockAdapter) Write32(offset uint32, v uint32) { m.Regs[offset] = v }
func (m *mockAdapter) DelayUS(uint32)                {}
func (m *mockAdapter) AllocDma(n uint) (hw.DmaBuffer, func(), error) {
	buf := hw.DmaBuffer{Bytes: make([]byte, n), PhysAddr: m.next}
	m.next += uint64(n)
	return buf, func() {}, nil
}

var _ hw.Adapter = (*mockAdapter)(nil)

// loopback lets a single test drive both ends of the ring: after a
// producer's Enqueue publishes its tail, the consumer's "hardware head"
// register is fed that same value, exactly as a real GSP would observe
// the host's tail write.
func loopback(a *mockAdapter, producerTailReg, consumerHeadReg uint32) {
	a.Regs[consumerHeadReg] = a.Regs[producerTailReg]
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	a := newMockAdapter()
	q, err := New(a, regs.FalconGSPBase, 0, DefaultCapacity)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	msg := []byte("GSP_RM_ALLOC parameters go here")
	if err := q.Enqueue(msg); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	loopback(a, q.tailReg, q.headReg)

	out := make([]byte, 4096)
	n, ok := q.Dequeue(out)
	if !ok {
		t.Fatalf("Dequeue: expected a frame to be available")
	}
	if !bytes.Equal(out[:n][:len(msg)], msg) {
		t.Fatalf("Dequeue: got %q want prefix %q", out[:n], msg)
	}
}

func TestDequeueReportsEmptyWhenHeadMatchesLocalHead(t *testing.T) {
	a := newMockAdapter()
	q, err := New(a, regs.FalconGSPBase, 0, DefaultCapacity)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := q.Dequeue(make([]byte, 16)); ok {
		t.Fatalf("Dequeue: expected no frame on an empty ring")
	}
}

func TestEnqueueReportsQueueFullWhenNoRoom(t *testing.T) {
	a := newMockAdapter()
	q, err := New(a, regs.FalconGSPBase, 0, 4096)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	big := make([]byte, 8192)
	if err := q.Enqueue(big); err != ErrQueueFull {
		t.Fatalf("Enqueue: got %v want ErrQueueFull", err)
	}
}

func TestEnqueueRoundsUpTo256ByteAlignment(t *testing.T) {
	a := newMockAdapter()
	q, err := New(a, regs.FalconGSPBase, 0, DefaultCapacity)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := q.Enqueue([]byte("short")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	// header(16) + "short"(5) = 21, aligned up to the next 256-byte step.
	const want = frameAlign
	if q.localTail != want {
		t.Errorf("localTail: got %d want %d (256-byte aligned step for a short frame)", q.localTail, want)
	}
}
