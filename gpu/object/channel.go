// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package object

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/nvdaal/gspboot/elib/hw"
	"github.com/nvdaal/gspboot/gpu/regs"
	"github.com/nvdaal/gspboot/gpu/rm"
)

const (
	// gpfifoEntrySize is the wire size of one NvGpfifoEntry: a 64-bit GPU
	// virtual address, a 32-bit length in 32-bit words, and a 32-bit flags
	// word.
	gpfifoEntrySize = 16

	// gpfifoEntryFlagFetch tells the engine this entry is ready to fetch.
	gpfifoEntryFlagFetch = 1

	userDSize = 4096

	// userDPutOffset is the byte offset of the PUT shadow within the
	// UserD page; hardware polls it to know how far the ring has been
	// filled.
	userDPutOffset = 0

	// userDGetOffset is the byte offset of the GET shadow within the
	// UserD page; hardware writes it back as it consumes entries. A
	// one-entry gap between put and get disambiguates a full ring from
	// an empty one.
	userDGetOffset = 8
)

// Channel is a compute channel: a GPFIFO ring of pushbuffer segment
// descriptors plus its UserD doorbell page. Submit is safe for
// concurrent use.
type Channel struct {
	rm      *rm.Client
	adapter hw.Adapter

	hClient, hDevice, hVASpace         uint32
	hSubDevice, hUserdMemory, hChannel uint32

	gpfifo hw.DmaBuffer
	userD  hw.DmaBuffer

	releaseGpfifo, releaseUserD func()

	entryCount uint32

	mu  sync.Mutex
	put uint32
}

// NewChannel walks the same object hierarchy the reference channel boot
// sequence does before it can create a GPFIFO channel: a sub-device under
// the device, a system-memory object registering the UserD page, and only
// then the channel itself, parented under the sub-device.
func NewChannel(a hw.Adapter, r *rm.Client, hClient, hDevice uint32, vaSpace *VASpace, entryCount uint32) (*Channel, error) {
	hSubDevice := r.NewHandle()
	if err := r.RmAlloc(hClient, hDevice, hSubDevice, regs.ClassGf100SubdeviceFull, nil); err != nil {
		return nil, fmt.Errorf("object: channel: RmAlloc(GF100_SUBDEVICE_FULL): %w", err)
	}

	gpfifo, releaseGpfifo, err := a.AllocDma(uint(entryCount) * gpfifoEntrySize)
	if err != nil {
		r.RmFree(hClient, hDevice, hSubDevice)
		return nil, fmt.Errorf("object: channel: alloc gpfifo: %w", err)
	}
	userD, releaseUserD, err := a.AllocDma(userDSize)
	if err != nil {
		releaseGpfifo()
		r.RmFree(hClient, hDevice, hSubDevice)
		return nil, fmt.Errorf("object: channel: alloc userD: %w", err)
	}
	for i := range gpfifo.Bytes {
		gpfifo.Bytes[i] = 0
	}
	for i := range userD.Bytes {
		userD.Bytes[i] = 0
	}

	c := &Channel{
		rm:            r,
		adapter:       a,
		hClient:       hClient,
		hDevice:       hDevice,
		hVASpace:      vaSpace.Handle(),
		hSubDevice:    hSubDevice,
		gpfifo:        gpfifo,
		userD:         userD,
		releaseGpfifo: releaseGpfifo,
		releaseUserD:  releaseUserD,
		entryCount:    entryCount,
	}

	memParams := make([]byte, 12)
	binary.LittleEndian.PutUint32(memParams[0:], userDSize)
	binary.LittleEndian.PutUint64(memParams[4:], userD.PhysAddr)
	c.hUserdMemory = r.NewHandle()
	if err := r.RmAlloc(hClient, hDevice, c.hUserdMemory, regs.ClassNv01MemorySystem, memParams); err != nil {
		releaseGpfifo()
		releaseUserD()
		r.RmFree(hClient, hDevice, hSubDevice)
		return nil, fmt.Errorf("object: channel: RmAlloc(NV01_MEMORY_SYSTEM): %w", err)
	}

	params := make([]byte, 20)
	binary.LittleEndian.PutUint32(params[0:], 1) // ampMode
	binary.LittleEndian.PutUint32(params[4:], regs.EngineTypeCompute)
	binary.LittleEndian.PutUint32(params[8:], entryCount)
	binary.LittleEndian.PutUint32(params[12:], c.hUserdMemory)
	binary.LittleEndian.PutUint32(params[16:], 0) // userdOffset

	c.hChannel = r.NewHandle()
	if err := r.RmAlloc(hClient, hSubDevice, c.hChannel, regs.ClassAdaChannelGpfifoA, params); err != nil {
		releaseGpfifo()
		releaseUserD()
		r.RmFree(hClient, hDevice, c.hUserdMemory)
		r.RmFree(hClient, hDevice, hSubDevice)
		return nil, fmt.Errorf("object: channel: RmAlloc(ADA_CHANNEL_GPFIFO_A): %w", err)
	}
	return c, nil
}

// Submit appends a pushbuffer segment descriptor to the GPFIFO ring and
// rings the UserD doorbell. gpuAddr is a virtual address within the
// channel's VA space; lengthWords is the segment length in 32-bit words.
// A ring of n entries holds at most n-1 outstanding submissions; the last
// slot is reserved so a full ring can be told apart from an empty one.
func (c *Channel) Submit(gpuAddr uint64, lengthWords uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	get := uint32(c.userD.Bytes[userDGetOffset]) |
		uint32(c.userD.Bytes[userDGetOffset+1])<<8 |
		uint32(c.userD.Bytes[userDGetOffset+2])<<16 |
		uint32(c.userD.Bytes[userDGetOffset+3])<<24
	next := (c.put + 1) % c.entryCount
	if next == get {
		return fmt.Errorf("object: channel: gpfifo full (put=%d get=%d entries=%d)", c.put, get, c.entryCount)
	}

	off := c.put * gpfifoEntrySize
	entry := c.gpfifo.Bytes[off : off+gpfifoEntrySize]
	binary.LittleEndian.PutUint64(entry[0:], gpuAddr)
	binary.LittleEndian.PutUint32(entry[8:], lengthWords)
	binary.LittleEndian.PutUint32(entry[12:], gpfifoEntryFlagFetch)

	c.put = (c.put + 1) % c.entryCount
	c.userD.Bytes[userDPutOffset] = byte(c.put)
	c.userD.Bytes[userDPutOffset+1] = byte(c.put >> 8)
	c.userD.Bytes[userDPutOffset+2] = byte(c.put >> 16)
	c.userD.Bytes[userDPutOffset+3] = byte(c.put >> 24)

	hw.MemoryBarrier()
	return nil
}

// Destroy frees the channel's RM objects, in the reverse order they were
// created, and its DMA allocations.
func (c *Channel) Destroy() error {
	err := c.rm.RmFree(c.hClient, c.hSubDevice, c.hChannel)
	if e := c.rm.RmFree(c.hClient, c.hDevice, c.hUserdMemory); err == nil {
		err = e
	}
	if e := c.rm.RmFree(c.hClient, c.hDevice, c.hSubDevice); err == nil {
		err = e
	}
	c.releaseGpfifo()
	c.releaseUserD()
	return err
}
