// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rpcqueue implements the pair of physically contiguous ring
// queues (command and status) used to exchange RPC frames with the GSP
// once its RISC-V core is running.
package rpcqueue

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/nvdaal/gspboot/elib/hw"
	"github.com/nvdaal/gspboot/gpu/regs"
	"github.com/nvdaal/gspboot/log"
)

const (
	frameHeaderSize = 16
	frameAlign      = 256
	pageSize        = 4096

	// DefaultCapacity is the initial ring size used by both the command
	// and status queues.
	DefaultCapacity = 256 * 1024
)

// Queue is one direction of the command/status ring pair: a DMA-backed
// byte region, local producer/consumer indices, and the hardware
// head/tail registers that make progress visible to the GSP.
type Queue struct {
	adapter hw.Adapter
	buf     hw.DmaBuffer
	release func()

	headReg, tailReg uint32

	localHead, localTail uint32
	seq                  uint32
}

// New allocates a ring of capacity bytes (rounded up to a 4 KiB page) and
// binds it to the hardware head/tail registers at falconBase +
// QueueHead(index)/QueueTail(index).
func New(a hw.Adapter, falconBase uint32, index uint, capacity uint32) (*Queue, error) {
	capacity = align(capacity, pageSize)
	buf, release, err := a.AllocDma(uint(capacity))
	if err != nil {
		return nil, fmt.Errorf("rpcqueue: alloc %d bytes: %w", capacity, err)
	}
	return &Queue{
		adapter: a,
		buf:     buf,
		release: release,
		headReg: falconBase + regs.QueueHead(index),
		tailReg: falconBase + regs.QueueTail(index),
	}, nil
}

// Close releases the ring's DMA buffer. Safe to call more than once.
func (q *Queue) Close() {
	if q.release != nil {
		q.release()
		q.release = nil
	}
}

func align(v, n uint32) uint32 { return (v + n - 1) &^ (n - 1) }

func (q *Queue) capacity() uint32 { return uint32(q.buf.Len()) }

func (q *Queue) freeBytes() uint32 {
	used := (q.localTail - q.localHead) % q.capacity()
	return q.capacity() - used
}

// Enqueue frames payload as {seqNum, elemCount, checkSum, reserved}
// followed by the bytes themselves, reserves a 256-byte aligned step for
// it in the ring (elemCount still records the frame's size in 4 KiB
// pages, for the GSP's own accounting), and publishes the new tail to
// hardware. ErrQueueFull is returned, never retried internally, when
// there isn't room; the caller decides whether to wait and retry.
func (q *Queue) Enqueue(payload []byte) error {
	elemSize := frameHeaderSize + uint32(len(payload))
	alignedSize := align(elemSize, frameAlign)
	elemCount := (alignedSize + pageSize - 1) / pageSize

	if alignedSize > q.freeBytes() {
		return ErrQueueFull
	}

	off := q.localTail
	header := make([]byte, frameHeaderSize)
	q.seq++
	binary.LittleEndian.PutUint32(header[0:], q.seq)
	binary.LittleEndian.PutUint32(header[4:], elemCount)
	binary.LittleEndian.PutUint32(header[8:], crc32.ChecksumIEEE(payload))
	binary.LittleEndian.PutUint32(header[12:], 0)

	q.writeAt(off, header)
	q.writeAt(off+frameHeaderSize, payload)

	// The payload and its checksum must be visible before the tail
	// pointer that tells the GSP they're ready.
	hw.MemoryBarrier()

	q.localTail = (q.localTail + alignedSize) % q.capacity()
	q.adapter.Write32(q.tailReg, q.localTail)
	return nil
}

// Dequeue copies the next available frame's payload into buf (truncated
// if buf is too small) and acknowledges it to hardware. ok is false when
// the hardware head equals the local head -- nothing new to read.
func (q *Queue) Dequeue(buf []byte) (n int, ok bool) {
	hwHead := q.adapter.Read32(q.headReg)
	if hwHead == q.localHead {
		return 0, false
	}

	header := q.readAt(q.localHead, frameHeaderSize)
	elemCount := binary.LittleEndian.Uint32(header[4:])
	wantChecksum := binary.LittleEndian.Uint32(header[8:])
	frameSize := elemCount * pageSize
	if frameSize == 0 || frameSize > q.capacity() {
		log.Printf("rpcqueue: dequeue: implausible elemCount %d, dropping frame", elemCount)
		q.localHead = (q.localHead + pageSize) % q.capacity()
		q.adapter.Write32(q.tailReg, q.localHead)
		return 0, false
	}

	payloadLen := frameSize - frameHeaderSize
	payload := q.readAt(q.localHead+frameHeaderSize, payloadLen)
	if got := crc32.ChecksumIEEE(payload); got != wantChecksum {
		log.Printf("rpcqueue: dequeue: checksum mismatch got=0x%x want=0x%x", got, wantChecksum)
	}

	n = copy(buf, payload)

	q.localHead = (q.localHead + frameSize) % q.capacity()
	q.adapter.Write32(q.tailReg, q.localHead)
	return n, true
}

func (q *Queue) writeAt(off uint32, data []byte) {
	for i, b := range data {
		q.buf.Bytes[(off+uint32(i))%q.capacity()] = b
	}
}

func (q *Queue) readAt(off uint32, n uint32) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = q.buf.Bytes[(off+uint32(i))%q.capacity()]
	}
	return out
}

// queueFullError backs the ErrQueueFull sentinel so callers can
// distinguish "try later" from a hard transport error.
type queueFullError struct{}

func (queueFullError) Error() string { return "rpcqueue: queue full" }

// ErrQueueFull is returned by Enqueue when there isn't room for the frame.
var ErrQueueFull error = queueFullError{}
