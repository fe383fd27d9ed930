// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bringup is the top-level client facade: it wires the Falcon,
// FWSEC-FRTS, GSP boot, RPC transport, and RM object layers together
// behind the small set of operations an external caller needs to take a
// GPU from cold PCIe reset to a channel it can submit work on.
package bringup

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	uuid "github.com/satori/go.uuid"

	"github.com/nvdaal/gspboot/elib/hw"
	"github.com/nvdaal/gspboot/elib/hw/pci"
	"github.com/nvdaal/gspboot/gpu/gsp"
	"github.com/nvdaal/gspboot/gpu/object"
	"github.com/nvdaal/gspboot/gpu/regs"
	"github.com/nvdaal/gspboot/gpu/rm"
	"github.com/nvdaal/gspboot/gpu/rpcqueue"
	"github.com/nvdaal/gspboot/log"
)

const (
	defaultGpfifoEntries    = 4096
	defaultConnectTimeoutMs = 5000
	maxBootAttempts         = 3
)

// Configuration is the caller-supplied, immutable set of knobs bring-up
// consults. It is copied into a Client at CreateClient time and never
// mutated afterward.
type Configuration struct {
	LogLevel string

	DebugEnabled   bool
	VerboseEnabled bool

	// ForceLoad is surfaced to callers that want to distinguish a
	// deliberate reflash/rerun request from a routine connect; it is not
	// itself consulted by Connect, which always drives FWSEC-FRTS's own
	// already-enabled short-circuit (see fwsec.Engine.EnsureWpr2).
	ForceLoad bool

	// GSPFirmwarePath, if set, is loaded through LoadFirmware by
	// CreateClient. It is not consulted again; a later LoadFirmware call
	// replaces what it loaded.
	GSPFirmwarePath string
}

// ShouldAttemptLoad reports whether CreateClient should eagerly load
// GSPFirmwarePath rather than waiting for an explicit LoadFirmware call.
func (c Configuration) ShouldAttemptLoad() bool {
	return c.GSPFirmwarePath != ""
}

// Status is the register-level snapshot getStatus reports.
type Status struct {
	PmcBoot0    uint32
	Wpr2Lo      uint64
	Wpr2Hi      uint64
	Wpr2Enabled bool
}

// ErrNullClient is returned by every Client method when called on a nil
// receiver, matching the reference ABI's "null client is a well-defined
// failure, not a crash" contract.
var ErrNullClient = errors.New("bringup: client is nil")

// Client is one bring-up session against one GPU. Its zero value is not
// usable; construct with CreateClient.
type Client struct {
	mu sync.Mutex

	config  Configuration
	adapter hw.Adapter
	id      uuid.UUID

	boot *gsp.Orchestrator

	rpc                   *rpcqueue.Client
	cmdQueue, statusQueue *rpcqueue.Queue
	rmClient              *rm.Client
	hClient, hDevice      uint32
	vaSpace               *object.VASpace
	channel               *object.Channel

	firmwareImage []byte

	connected bool
	retry     *backoff.Backoff
}

// CreateClient allocates a Client bound to adapter. No hardware access
// happens until LoadFirmware/Connect are called.
func CreateClient(a hw.Adapter, config Configuration) *Client {
	id := uuid.NewV4()
	c := &Client{
		config:  config,
		adapter: a,
		id:      id,
		boot:    gsp.New(a),
		retry: &backoff.Backoff{
			Min:    10 * time.Millisecond,
			Max:    2 * time.Second,
			Factor: 2,
			Jitter: true,
		},
	}
	log.Printf("bringup: [%s] client created (force_load=%v debug=%v verbose=%v)",
		id, config.ForceLoad, config.DebugEnabled, config.VerboseEnabled)

	if config.ShouldAttemptLoad() {
		if err := c.LoadFirmware(config.GSPFirmwarePath); err != nil {
			log.Printf("bringup: [%s] configured firmware path %q did not load: %v", id, config.GSPFirmwarePath, err)
		}
	}
	return c
}

// ID returns the connection-correlation identifier logged alongside every
// message this Client emits.
func (c *Client) ID() uuid.UUID {
	if c == nil {
		return uuid.Nil
	}
	return c.id
}

// looksLikeVbios reports whether data opens with the x86 option ROM
// signature (0x55 0xAA) FWSEC's descriptor walk expects to find at
// offset 0.
func looksLikeVbios(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x55 && data[1] == 0xaa
}

// LoadFirmware reads path and, by sniffing its signature, routes it to
// either the FWSEC VBIOS image or the GSP RISC-V firmware payload the
// next Connect will boot.
func (c *Client) LoadFirmware(path string) error {
	if c == nil {
		return ErrNullClient
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("bringup: [%s] loadFirmware: %w", c.id, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if looksLikeVbios(data) {
		if err := c.boot.LoadVbios(data); err != nil {
			return fmt.Errorf("bringup: [%s] loadFirmware: %w", c.id, err)
		}
		log.Printf("bringup: [%s] loaded VBIOS image from %s (%d bytes)", c.id, path, len(data))
		return nil
	}

	c.firmwareImage = data
	log.Printf("bringup: [%s] loaded GSP firmware image from %s (%d bytes)", c.id, path, len(data))
	return nil
}

// ExecuteFwsec runs the FWSEC-FRTS decision tree by itself, independent
// of a full Connect, and reports whether WPR2 ended up enabled.
func (c *Client) ExecuteFwsec() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	status, err := c.boot.Fwsec().EnsureWpr2()
	if err != nil {
		log.Printf("bringup: [%s] executeFwsec: %v", c.id, err)
		return false
	}
	return status.Enabled
}

// GetStatus fills out with the register-level state ExecuteFwsec and
// Connect leave behind.
func (c *Client) GetStatus(out *Status) error {
	if c == nil {
		return ErrNullClient
	}
	if out == nil {
		return fmt.Errorf("bringup: [%s] getStatus: nil destination", c.id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	wpr2 := c.boot.Fwsec().ReadWpr2()
	*out = Status{
		PmcBoot0:    c.adapter.Read32(regs.PMCBoot0),
		Wpr2Lo:      wpr2.Lo,
		Wpr2Hi:      wpr2.Hi,
		Wpr2Enabled: wpr2.Enabled,
	}
	return nil
}

// IsConnected reports whether Connect has completed and Disconnect has
// not since been called. A nil Client is reported as not connected.
func (c *Client) IsConnected() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect drives the full boot sequence -- Falcon reset, FWSEC-FRTS,
// GSP RISC-V start, RPC ring stand-up, and the default VA space/channel
// pair -- and blocks until the GSP firmware reports itself ready or the
// wait times out. It retries a transient boot failure up to
// maxBootAttempts times with a backoff between attempts before giving up.
func (c *Client) Connect() error {
	if c == nil {
		return ErrNullClient
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}
	if len(c.firmwareImage) == 0 {
		return fmt.Errorf("bringup: [%s] connect: no GSP firmware image loaded", c.id)
	}

	cmdQueue, err := rpcqueue.New(c.adapter, regs.FalconGSPBase, 0, rpcqueue.DefaultCapacity)
	if err != nil {
		return fmt.Errorf("bringup: [%s] connect: %w", c.id, err)
	}
	statusQueue, err := rpcqueue.New(c.adapter, regs.FalconGSPBase, 1, rpcqueue.DefaultCapacity)
	if err != nil {
		cmdQueue.Close()
		return fmt.Errorf("bringup: [%s] connect: %w", c.id, err)
	}
	c.cmdQueue, c.statusQueue = cmdQueue, statusQueue
	c.rpc = rpcqueue.NewClientFromQueues(cmdQueue, statusQueue)
	c.rmClient = rm.New(c.rpc)

	var bootErr error
	c.retry.Reset()
	for attempt := 1; attempt <= maxBootAttempts; attempt++ {
		bootErr = c.boot.Boot(nil, nil, c.firmwareImage)
		if bootErr == nil {
			break
		}
		if attempt == maxBootAttempts {
			break
		}
		c.boot.Close() // release whatever the failed attempt partially allocated before retrying
		d := c.retry.Duration()
		log.Printf("bringup: [%s] connect: boot attempt %d/%d failed, retrying in %s: %v",
			c.id, attempt, maxBootAttempts, d, bootErr)
		c.adapter.DelayUS(uint32(d / time.Microsecond))
	}
	if bootErr != nil {
		c.boot.Close()
		c.closeTransportLocked()
		return fmt.Errorf("bringup: [%s] connect: %w", c.id, bootErr)
	}

	if identified, ok := c.adapter.(interface{ PCI() *pci.Device }); ok {
		info := rm.SystemInfoFrom(identified.PCI())
		if err := c.rmClient.SendSystemInfo(info); err != nil {
			log.Printf("bringup: [%s] connect: SendSystemInfo failed, continuing: %v", c.id, err)
		}
	}

	c.hClient = c.rmClient.NewHandle()
	c.hDevice = c.rmClient.NewHandle()

	vaSpace, err := object.NewVASpace(c.adapter, c.rmClient, c.hClient, c.hDevice)
	if err != nil {
		c.closeTransportLocked()
		return fmt.Errorf("bringup: [%s] connect: %w", c.id, err)
	}
	c.vaSpace = vaSpace

	channel, err := object.NewChannel(c.adapter, c.rmClient, c.hClient, c.hDevice, vaSpace, defaultGpfifoEntries)
	if err != nil {
		vaSpace.Destroy()
		c.vaSpace = nil
		c.closeTransportLocked()
		return fmt.Errorf("bringup: [%s] connect: %w", c.id, err)
	}
	c.channel = channel

	if !c.boot.WaitForInitDone(defaultConnectTimeoutMs) {
		log.Printf("bringup: [%s] connect: GSP did not report GSP_INIT_DONE within %dms, proceeding in debug mode",
			c.id, defaultConnectTimeoutMs)
	}

	c.connected = true
	log.Printf("bringup: [%s] connected, stage=%s ready=%v", c.id, c.boot.Stage(), c.boot.Ready())
	return nil
}

// AllocVram bump-allocates size bytes of GPU virtual address space within
// the connection's default VA space and returns its base address.
func (c *Client) AllocVram(size uint64) (uint64, error) {
	if c == nil {
		return 0, ErrNullClient
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.vaSpace == nil {
		return 0, fmt.Errorf("bringup: [%s] allocVram: not connected", c.id)
	}
	return c.vaSpace.Map(size, 0)
}

// SubmitCommand pushes a single pushbuffer segment descriptor built from
// cmd onto the default channel's GPFIFO ring, treating cmd as a length-one
// segment starting at that virtual address. It reports success as a bool
// rather than an error, matching the reference ABI.
func (c *Client) SubmitCommand(cmd uint32) bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.channel == nil {
		return false
	}
	if err := c.channel.Submit(uint64(cmd), 1); err != nil {
		log.Printf("bringup: [%s] submitCommand: %v", c.id, err)
		return false
	}
	return true
}

// Disconnect tears down the channel, VA space, boot orchestrator's DMA
// buffers, and RPC rings, in the reverse order they were acquired. It is
// safe to call on an already-disconnected Client.
func (c *Client) Disconnect() error {
	if c == nil {
		return ErrNullClient
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if c.channel != nil {
		record(c.channel.Destroy())
		c.channel = nil
	}
	if c.vaSpace != nil {
		record(c.vaSpace.Destroy())
		c.vaSpace = nil
	}
	c.boot.Close()
	c.closeTransportLocked()

	c.connected = false
	log.Printf("bringup: [%s] disconnected", c.id)
	return firstErr
}

// closeTransportLocked releases the command/status rings. Callers must
// hold c.mu.
func (c *Client) closeTransportLocked() {
	if c.statusQueue != nil {
		c.statusQueue.Close()
		c.statusQueue = nil
	}
	if c.cmdQueue != nil {
		c.cmdQueue.Close()
		c.cmdQueue = nil
	}
	c.rpc = nil
	c.rmClient = nil
}

// DestroyClient tears down an active connection, if any, and releases
// every resource the Client holds. The Client is not usable afterward.
func (c *Client) DestroyClient() {
	if c == nil {
		return
	}
	if err := c.Disconnect(); err != nil {
		log.Printf("bringup: [%s] destroyClient: disconnect: %v", c.id, err)
	}
	log.Printf("bringup: [%s] client destroyed", c.id)
}
