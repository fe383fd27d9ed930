package rpcqueue

import (
	"bytes"
	"testing"

	"github.com/nvdaal/gspboot/gpu/regs"
)

func newLoopbackClient(t *testing.T) (*Client, *mockAdapter) {
	t.Helper()
	a := newMockAdapter()
	cmd, err := New(a, regs.FalconGSPBase, 0, DefaultCapacity)
	if err != nil {
		t.Fatalf("New(cmd): %v", err)
	}
	status, err := New(a, regs.FalconGSPBase, 1, DefaultCapacity)
	if err != nil {
		t.Fatalf("New(status): %v", err)
	}
	return NewClientFromQueues(cmd, status), a
}

func TestSendRpcAndWaitResponse(t *testing.T) {
	c, a := newLoopbackClient(t)

	const function = 0x21 // GSP_RM_ALLOC
	if err := c.SendRpc(function, []byte("params")); err != nil {
		t.Fatalf("SendRpc: %v", err)
	}

	// The test drives both ends: move the frame from the command ring's
	// bytes into the status ring as if the GSP had processed and replied
	// with the same function id, then publish it the way GSP would.
	// loopback stands in for the GSP seeing the host's newly-written tail
	// as its own hardware head so the command ring's own Dequeue can pull
	// the bytes back out.
	loopback(a, c.Cmd.tailReg, c.Cmd.headReg)
	raw := make([]byte, 4096)
	n, ok := c.Cmd.Dequeue(raw)
	if !ok {
		t.Fatalf("Cmd.Dequeue: expected the frame just sent")
	}
	if err := c.Status.Enqueue(raw[:n]); err != nil {
		t.Fatalf("Status.Enqueue: %v", err)
	}
	loopback(a, c.Status.tailReg, c.Status.headReg)

	result, params, err := c.WaitResponse(function, 4)
	if err != nil {
		t.Fatalf("WaitResponse: %v", err)
	}
	if result != 0 {
		t.Errorf("rpcResult: got %d want 0", result)
	}
	if !bytes.Equal(params, []byte("params")) {
		t.Errorf("params: got %q want %q", params, "params")
	}
}

func TestWaitResponseFlagsGspInitDone(t *testing.T) {
	c, a := newLoopbackClient(t)

	msg := make([]byte, rpcMessageHeaderSize)
	putHeader(msg, regs.MsgEventGspInitDone, 0)
	if err := c.Status.Enqueue(msg); err != nil {
		t.Fatalf("Status.Enqueue: %v", err)
	}
	loopback(a, c.Status.tailReg, c.Status.headReg)

	if _, _, err := c.WaitResponse(0x99, 2); err == nil {
		t.Fatalf("WaitResponse: expected no match for an unrelated function id")
	}
	if !c.GspReady {
		t.Errorf("GspReady: expected true after observing GSP_INIT_DONE")
	}
}

func putHeader(b []byte, function uint32, result uint32) {
	le := func(off int, v uint32) {
		b[off] = byte(v)
		b[off+1] = byte(v >> 8)
		b[off+2] = byte(v >> 16)
		b[off+3] = byte(v >> 24)
	}
	le(0, regs.VgpuMsgSignatureValid)
	le(4, regs.RpcHeaderVersion)
	le(8, result)
	le(12, 0)
	le(16, function)
	le(20, uint32(len(b)))
}
