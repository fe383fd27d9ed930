// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package object implements the higher-level RM objects a connection
// needs beyond bare RPC plumbing: a virtual address space and a compute
// channel.
package object

import (
	"fmt"

	"github.com/nvdaal/gspboot/elib/hw"
	"github.com/nvdaal/gspboot/gpu/regs"
	"github.com/nvdaal/gspboot/gpu/rm"
	"github.com/nvdaal/gspboot/log"
)

const (
	vaSpaceDefaultStart = 0x1_0000_0000
	vaSpaceDefaultLimit = 0xff_ffff_ffff
	vaSpaceBigPageSize  = 0x10000
	pageDirectorySize   = 16 * 1024
)

// VASpace is a bump-allocated GPU virtual address range backed by a
// 16 KiB root Page Directory buffer.
type VASpace struct {
	rm       *rm.Client
	hClient  uint32
	hDevice  uint32
	hVASpace uint32

	pageDir hw.DmaBuffer
	release func()

	start, limit uint64
	next         uint64
}

// NewVASpace registers a FERMI_VASPACE_A object under hDevice and
// allocates its page directory buffer.
func NewVASpace(a hw.Adapter, r *rm.Client, hClient, hDevice uint32) (*VASpace, error) {
	pageDir, release, err := a.AllocDma(pageDirectorySize)
	if err != nil {
		return nil, fmt.Errorf("object: vaspace: alloc page directory: %w", err)
	}
	for i := range pageDir.Bytes {
		pageDir.Bytes[i] = 0
	}

	v := &VASpace{
		rm:       r,
		hClient:  hClient,
		hDevice:  hDevice,
		hVASpace: r.NewHandle(),
		pageDir:  pageDir,
		release:  release,
		start:    vaSpaceDefaultStart,
		limit:    vaSpaceDefaultLimit,
		next:     vaSpaceDefaultStart,
	}

	params := make([]byte, 40)
	le32 := func(off int, x uint32) {
		params[off] = byte(x)
		params[off+1] = byte(x >> 8)
		params[off+2] = byte(x >> 16)
		params[off+3] = byte(x >> 24)
	}
	le64 := func(off int, x uint64) {
		for i := 0; i < 8; i++ {
			params[off+i] = byte(x >> (8 * i))
		}
	}
	le32(0, 0)  // index
	le32(4, 0)  // flags
	le64(8, v.start)
	le64(16, v.limit)
	le64(24, pageDir.PhysAddr)
	le32(32, uint32(pageDirectorySize))
	le32(36, vaSpaceBigPageSize)

	if err := r.RmAlloc(hClient, hDevice, v.hVASpace, regs.ClassFermiVASpaceA, params); err != nil {
		release()
		return nil, fmt.Errorf("object: vaspace: RmAlloc(FERMI_VASPACE_A): %w", err)
	}
	return v, nil
}

// Handle returns the RM handle other objects (channels) reference this
// VA space by.
func (v *VASpace) Handle() uint32 { return v.hVASpace }

// Map bump-allocates alignment-rounded VA space for a region of size
// bytes and returns the base virtual address. It does not itself program
// PTEs -- that is done by whichever RM object backs the mapped surface.
func (v *VASpace) Map(size uint64, alignment uint64) (uint64, error) {
	if alignment == 0 {
		alignment = 4096
	}
	base := (v.next + alignment - 1) &^ (alignment - 1)
	if base+size > v.limit {
		return 0, fmt.Errorf("object: vaspace: exhausted: base=0x%x size=0x%x limit=0x%x", base, size, v.limit)
	}
	v.next = base + size
	log.Printf("object: vaspace: mapped 0x%x bytes at VA 0x%x", size, base)
	return base, nil
}

// Destroy frees the VA space's RM object and its page directory buffer.
func (v *VASpace) Destroy() error {
	err := v.rm.RmFree(v.hClient, v.hDevice, v.hVASpace)
	v.release()
	return err
}
