// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpcqueue

import (
	"encoding/binary"
	"fmt"

	"github.com/nvdaal/gspboot/gpu/regs"
	"github.com/nvdaal/gspboot/log"
)

const rpcMessageHeaderSize = 24

// Client pairs the command and status rings into the message-level RPC
// protocol the GSP speaks: framed RpcMessages over the raw byte rings,
// with responses matched to requests by function id rather than by
// sequence number.
type Client struct {
	Cmd, Status *Queue

	// GspReady flips true the first time GSP_INIT_DONE is observed on
	// the status ring, including as a side effect of an unrelated wait.
	GspReady bool
}

// NewClientFromQueues wraps an already-allocated command/status pair.
func NewClientFromQueues(cmd, status *Queue) *Client {
	return &Client{Cmd: cmd, Status: status}
}

// SendRpc frames function/params as an RpcMessage and enqueues it on the
// command ring. There is no inline wait for a response here -- callers
// needing one follow up with WaitResponse.
func (c *Client) SendRpc(function uint32, params []byte) error {
	length := rpcMessageHeaderSize + len(params)
	msg := make([]byte, length)
	binary.LittleEndian.PutUint32(msg[0:], regs.VgpuMsgSignatureValid)
	binary.LittleEndian.PutUint32(msg[4:], regs.RpcHeaderVersion)
	binary.LittleEndian.PutUint32(msg[8:], 0) // rpcResult
	binary.LittleEndian.PutUint32(msg[12:], 0) // rpcResultPriv
	binary.LittleEndian.PutUint32(msg[16:], function)
	binary.LittleEndian.PutUint32(msg[20:], uint32(length))
	copy(msg[rpcMessageHeaderSize:], params)

	return c.Cmd.Enqueue(msg)
}

// WaitResponse polls the status ring until it sees a message whose
// function id matches wantFunction, or pollBudget dequeue attempts pass
// without one. GSP_INIT_DONE events observed along the way set GspReady
// but are not returned as a match.
func (c *Client) WaitResponse(wantFunction uint32, pollBudget int) (rpcResult uint32, params []byte, err error) {
	buf := make([]byte, 64*1024)
	for i := 0; i < pollBudget; i++ {
		n, ok := c.Status.Dequeue(buf)
		if !ok {
			continue
		}
		if n < rpcMessageHeaderSize {
			log.Printf("rpcqueue: status frame shorter than an RpcMessage header (%d bytes)", n)
			continue
		}
		function := binary.LittleEndian.Uint32(buf[16:])
		if function == regs.MsgEventGspInitDone {
			c.GspReady = true
			continue
		}
		if function != wantFunction {
			continue
		}
		result := binary.LittleEndian.Uint32(buf[8:])
		length := binary.LittleEndian.Uint32(buf[20:])
		if int(length) > n {
			length = uint32(n)
		}
		return result, buf[rpcMessageHeaderSize:length], nil
	}
	return 0, nil, fmt.Errorf("rpcqueue: no response for function 0x%x within %d polls", wantFunction, pollBudget)
}
