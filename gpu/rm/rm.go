// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rm is the Resource-Manager client: rmAlloc/rmControl/rmFree on
// top of the RPC transport, plus the system-info and registry helpers the
// GSP expects during early bring-up.
package rm

import (
	"fmt"
	"sync/atomic"

	"github.com/nvdaal/gspboot/elib/hw/pci"
	"github.com/nvdaal/gspboot/gpu/regs"
	"github.com/nvdaal/gspboot/gpu/rpcqueue"
)

// stackThreshold is the params size below which callers are expected to
// use a plain stack-allocated byte array; above it, a heap slice. Go's
// escape analysis makes the distinction largely invisible to callers;
// RmAlloc and RmControl always build a heap slice and do not read it.
const stackThreshold = 256

// Client wraps an RPC client with a monotonic handle allocator. Handles
// are never zero and are never reused within one Client's lifetime.
type Client struct {
	rpc        *rpcqueue.Client
	nextHandle uint32
}

// New wraps rpc with a fresh handle allocator.
func New(rpc *rpcqueue.Client) *Client {
	return &Client{rpc: rpc}
}

// NewHandle mints the next monotonic, non-zero handle.
func (c *Client) NewHandle() uint32 {
	return uint32(atomic.AddUint32(&c.nextHandle, 1))
}

// Status is the RM status code embedded in RPC allocation/control replies.
// Zero means success.
type Status uint32

func (s Status) Error() string { return fmt.Sprintf("rm: status 0x%08x", uint32(s)) }

func putHeader6(buf []byte, a, b, c, d, e, f uint32) {
	le := func(off int, v uint32) {
		buf[off] = byte(v)
		buf[off+1] = byte(v >> 8)
		buf[off+2] = byte(v >> 16)
		buf[off+3] = byte(v >> 24)
	}
	le(0, a)
	le(4, b)
	le(8, c)
	le(12, d)
	le(16, e)
	le(20, f)
}

func getUint32(b []byte, off int) uint32 {
	return uint32(b[off]) | uint32(b[off+1])<<8 | uint32(b[off+2])<<16 | uint32(b[off+3])<<24
}

// RmAlloc issues GSP_RM_ALLOC: {hClient, hParent, hObject, hClass,
// status=0} followed by params. There is no reply to wait for -- the
// cooperative single-threaded model gives nothing a chance to service one
// while RmAlloc runs, so the status field of the request itself, at
// offset 16, is inspected in place immediately after the enqueue
// succeeds, matching the reference rmAlloc.
func (c *Client) RmAlloc(hClient, hParent, hObject, hClass uint32, params []byte) error {
	const headerSize = 20
	buf := make([]byte, headerSize+len(params)+4)
	putHeader6(buf, hClient, hParent, hObject, hClass, 0, 0)
	copy(buf[headerSize:], params)
	buf = buf[:headerSize+len(params)]

	if err := c.rpc.SendRpc(regs.RpcFunctionGspRmAlloc, buf); err != nil {
		return fmt.Errorf("rm: RmAlloc: %w", err)
	}
	if status := getUint32(buf, 16); status != 0 {
		return Status(status)
	}
	return nil
}

// RmControl issues GSP_RM_CONTROL: {hClient, hObject, cmd, flags=0,
// status=0, paramsSize} followed by params, then inspects the status
// field of the request buffer in place, per RmAlloc's reasoning above.
func (c *Client) RmControl(hClient, hObject, cmd uint32, params []byte) error {
	const headerSize = 24
	buf := make([]byte, headerSize+len(params))
	putHeader6(buf, hClient, hObject, cmd, 0, 0, uint32(len(params)))
	copy(buf[headerSize:], params)

	if err := c.rpc.SendRpc(regs.RpcFunctionGspRmControl, buf); err != nil {
		return fmt.Errorf("rm: RmControl: %w", err)
	}
	if status := getUint32(buf, 16); status != 0 {
		return Status(status)
	}
	return nil
}

// RmFree issues GSP_RM_FREE: {hClient, hParent, hObject}. The reply's
// status is not inspected, matching the reference implementation's
// fire-and-forget teardown.
func (c *Client) RmFree(hClient, hParent, hObject uint32) error {
	buf := make([]byte, 12)
	le := func(off int, v uint32) {
		buf[off] = byte(v)
		buf[off+1] = byte(v >> 8)
		buf[off+2] = byte(v >> 16)
		buf[off+3] = byte(v >> 24)
	}
	le(0, hClient)
	le(4, hParent)
	le(8, hObject)
	return c.rpc.SendRpc(regs.RpcFunctionGspRmFree, buf)
}

// PCIInfo carries the fields SendSystemInfo reports to the GSP.
type PCIInfo struct {
	Vendor, Device       uint16
	SubVendor, SubDevice uint16
	Revision             uint8
	Bar0, Bar1           uint64
}

// SystemInfoFrom reads the fields SendSystemInfo needs out of a bound PCI
// device's configuration header.
func SystemInfoFrom(d *pci.Device) PCIInfo {
	return PCIInfo{
		Vendor:    uint16(d.Config.Vendor),
		Device:    uint16(d.Config.Device),
		SubVendor: uint16(d.Config.SubID.Vendor),
		SubDevice: uint16(d.Config.SubID.Device),
		Revision:  uint8(d.Config.Revision),
		Bar0:      uint64(d.Config.BaseAddressRegs[0].Addr()),
		Bar1:      uint64(d.Config.BaseAddressRegs[1].Addr()),
	}
}

// SendSystemInfo is the one RM call permitted before the GSP reports
// ready: it hands over PCI identification so the firmware can pick the
// right device profile.
func (c *Client) SendSystemInfo(info PCIInfo) error {
	buf := make([]byte, 32)
	le16 := func(off int, v uint16) { buf[off] = byte(v); buf[off+1] = byte(v >> 8) }
	le64 := func(off int, v uint64) {
		for i := 0; i < 8; i++ {
			buf[off+i] = byte(v >> (8 * i))
		}
	}
	le16(0, info.Vendor)
	le16(2, info.Device)
	le16(4, info.SubVendor)
	le16(6, info.SubDevice)
	buf[8] = info.Revision
	le64(16, info.Bar0)
	le64(24, info.Bar1)

	return c.rpc.SendRpc(regs.RpcFunctionGspSetSystemInfo, buf)
}

// SetRegistry issues SET_REGISTRY: {key: char[64], value: u32}.
func (c *Client) SetRegistry(key string, value uint32) error {
	buf := make([]byte, 68)
	copy(buf[0:64], key)
	le := func(off int, v uint32) {
		buf[off] = byte(v)
		buf[off+1] = byte(v >> 8)
		buf[off+2] = byte(v >> 16)
		buf[off+3] = byte(v >> 24)
	}
	le(64, value)
	return c.rpc.SendRpc(regs.RpcFunctionSetRegistry, buf)
}
