// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package hostpci is a reference elib/hw.Adapter over a real Linux host:
// BAR0 is reached through /sys/bus/pci/devices/<addr>/resource0, and DMA
// buffers are allocated through the uio_pci_dma kernel driver's ioctl
// interface, adapted from the teacher's own kern_uio_pci_dma.go. The
// bring-up core in gpu/gsp never imports this package directly; it depends
// only on elib/hw.Adapter, so tests substitute a simulator instead.
package hostpci

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/nvdaal/gspboot/elib/hw"
	"github.com/nvdaal/gspboot/elib/hw/pci"
	"github.com/nvdaal/gspboot/elib/hw/pcie"
	"github.com/nvdaal/gspboot/log"
)

const (
	uioDMACacheWriteCombine = 2

	uioDMABidirectional = 0

	uioDMAAlloc = 0x400455c8
	uioDMAMap   = 0x400455ca
	uioDMAFree  = 0x400455c9
)

type uioDMAAllocReq struct {
	dmaMask    uint64
	memNode    uint16
	cache      uint16
	flags      uint32
	chunkCount uint32
	chunkSize  uint32
	mmapOffset uint64
}

type uioDMAMapReq struct {
	mmapOffset uint64
	flags      uint32
	devID      uint32
	direction  uint32
	chunkCount uint32
	chunkSize  uint32
	dmaAddr    [256]uint64
}

type uioDMAFreeReq struct {
	mmapOffset uint64
}

// Device is a real GPU addressed over PCIe, providing the elib/hw.Adapter
// contract (BAR0 MMIO + DMA allocation + delay) the bring-up core requires.
type Device struct {
	pci *pci.Device

	bar0 []byte

	uioDMAFd       int
	uioMinorDevice uint32

	mu sync.Mutex
}

// Open binds to the device at addr, maps BAR0, and readies the uio-dma
// allocator. The uio_pci_dma driver must already be bound to addr (via
// sysfs new_id/bind, done by whatever provisions the device ahead of this
// call -- out of scope per the PCIe-enumeration boundary).
func Open(addr pci.BusAddress, uioMinorDevice uint32) (*Device, error) {
	pd, err := pci.Open(addr)
	if err != nil {
		return nil, fmt.Errorf("hostpci: open %s: %w", &addr, err)
	}
	if pd.VendorID() != pci.Nvidia {
		return nil, fmt.Errorf("hostpci: %s: vendor 0x%04x is not nvidia", &addr, pd.VendorID())
	}
	base, err := pd.MapResource(0)
	if err != nil {
		return nil, fmt.Errorf("hostpci: map bar0: %w", err)
	}
	bar := pd.Resources[0]

	d := &Device{
		pci:            pd,
		bar0:           bar.Mem,
		uioMinorDevice: uioMinorDevice,
	}
	_ = base

	d.uioDMAFd, err = unix.Open("/dev/uio-dma", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("hostpci: open /dev/uio-dma: %w", err)
	}

	if cap := pcie.GetCapabilityHeader(pd); cap != nil {
		flags := cap.Flags.Get(pd)
		dcap := cap.Device.Capabilities.Get(pd)
		log.Printf("hostpci: %s: pcie %s, %s", &addr, flags.String(), dcap.String())
	}
	return d, nil
}

// PCI returns the underlying PCI configuration-space handle, used to read
// vendor/device identification for the GSP's SendSystemInfo call.
func (d *Device) PCI() *pci.Device { return d.pci }

func (d *Device) Close() error {
	d.pci.UnmapResource(0)
	return unix.Close(d.uioDMAFd)
}

// Read32/Write32 implement elib/hw.Adapter over the mapped BAR0 region.
func (d *Device) Read32(offset uint32) uint32 {
	return hw.LoadUint32(barAddr(d.bar0, offset))
}

func (d *Device) Write32(offset uint32, value uint32) {
	hw.StoreUint32(barAddr(d.bar0, offset), value)
}

// DelayUS implements elib/hw.Adapter's microsecond delay.
func (d *Device) DelayUS(us uint32) {
	unix.Nanosleep(&unix.Timespec{Nsec: int64(us) * 1000}, nil)
}

// AllocDma implements elib/hw.Adapter: it asks the uio_pci_dma driver for a
// physically contiguous chunk under a 48-bit DMA mask -- the GSP's DMA
// engine addresses well above 4 GiB of system memory (chunk size backs off
// by half on ENOMEM, matching the teacher's retry loop), maps it, and hands
// back its bus address alongside the mapped bytes.
func (d *Device) AllocDma(n uint) (buf hw.DmaBuffer, release func(), err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	req := uioDMAAllocReq{
		dmaMask:   0xffffffffffff,
		cache:     uioDMACacheWriteCombine,
		chunkSize: uint32(n),
	}
	for {
		req.chunkCount = uint32(n) / req.chunkSize
		if err = ioctl(d.uioDMAFd, uioDMAAlloc, &req); err == nil {
			break
		}
		if req.chunkSize <= 4096 {
			return hw.DmaBuffer{}, nil, fmt.Errorf("hostpci: UIO_DMA_ALLOC: %w", err)
		}
		req.chunkSize /= 2
	}

	m := uioDMAMapReq{
		direction:  uioDMABidirectional,
		chunkSize:  req.chunkSize,
		chunkCount: req.chunkCount,
		mmapOffset: req.mmapOffset,
		devID:      d.uioMinorDevice,
	}
	if err = ioctl(d.uioDMAFd, uioDMAMap, &m); err != nil {
		fr := uioDMAFreeReq{mmapOffset: req.mmapOffset}
		ioctl(d.uioDMAFd, uioDMAFree, &fr)
		return hw.DmaBuffer{}, nil, fmt.Errorf("hostpci: UIO_DMA_MAP: %w", err)
	}

	mem, err := unix.Mmap(d.uioDMAFd, int64(req.mmapOffset), int(n), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return hw.DmaBuffer{}, nil, fmt.Errorf("hostpci: mmap dma region: %w", err)
	}
	for i := range mem {
		mem[i] = 0
	}

	buf = hw.DmaBuffer{Bytes: mem, PhysAddr: m.dmaAddr[0]}
	release = func() {
		unix.Munmap(mem)
		fr := uioDMAFreeReq{mmapOffset: req.mmapOffset}
		ioctl(d.uioDMAFd, uioDMAFree, &fr)
	}
	return buf, release, nil
}

var _ hw.Adapter = (*Device)(nil)
