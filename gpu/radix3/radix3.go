// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package radix3 builds the three-level sparse page table the GSP uses to
// map a multi-megabyte firmware image that may not be physically
// contiguous in system memory.
package radix3

import (
	"fmt"

	"github.com/nvdaal/gspboot/elib/hw"
)

const (
	pageSize     = 4096
	entriesPerPage = pageSize / 8 // 512 eight-byte PTEs per level page
	validBit     = 1
)

// PageSource answers "what is the physical page address at byte offset k"
// for a (possibly non-contiguous) firmware blob.
type PageSource interface {
	Size() uint64
	PagePhysAddr(offset uint64) uint64
}

// contiguousSource adapts a single physically-contiguous DmaBuffer to
// PageSource, for the common case where firmware was loaded into one DMA
// allocation.
type contiguousSource struct {
	buf hw.DmaBuffer
}

func (s contiguousSource) Size() uint64 { return uint64(s.buf.Len()) }
func (s contiguousSource) PagePhysAddr(offset uint64) uint64 {
	return s.buf.PhysAddrAt(uint(offset))
}

// NewContiguousSource wraps a single DMA buffer as a PageSource.
func NewContiguousSource(buf hw.DmaBuffer) PageSource { return contiguousSource{buf} }

// Table is the result of a Build: the DMA-backed table memory and the
// bus-physical address of its root page, ready to hand to the GSP.
type Table struct {
	Buf      hw.DmaBuffer
	RootPhys uint64
	release  func()
}

// Release frees the table's backing DMA allocation.
func (t *Table) Release() {
	if t.release != nil {
		t.release()
	}
}

// Build constructs a radix3 table over src: numPages = ceil(size/4096),
// numL2 = ceil(numPages/512), numL1 = ceil(numL2/512). The table is laid
// out as one contiguous allocation: [root][L1 pages][L2 pages].
func Build(a hw.Adapter, src PageSource) (*Table, error) {
	size := src.Size()
	if size == 0 {
		return nil, fmt.Errorf("radix3: empty page source")
	}

	numPages := ceilDiv(size, pageSize)
	numL2 := ceilDiv(numPages, entriesPerPage)
	numL1 := ceilDiv(numL2, entriesPerPage)
	totalPages := 1 + numL1 + numL2

	buf, release, err := a.AllocDma(uint(totalPages * pageSize))
	if err != nil {
		return nil, fmt.Errorf("radix3: alloc %d pages: %w", totalPages, err)
	}
	for i := range buf.Bytes {
		buf.Bytes[i] = 0
	}

	const pageSize64 = uint64(pageSize)
	rootOff := uint64(0)
	l1Off := pageSize64
	l2Off := l1Off + numL1*pageSize64

	rootPhys := buf.PhysAddrAt(0)
	l1Phys := buf.PhysAddrAt(uint(l1Off))
	l2Phys := buf.PhysAddrAt(uint(l2Off))

	putEntry := func(pageOff uint64, index uint64, value uint64) {
		putUint64(buf.Bytes[pageOff+index*8:], value)
	}

	for i := uint64(0); i < numL1; i++ {
		putEntry(rootOff, i, (l1Phys+i*pageSize64)|validBit)
	}
	for i := uint64(0); i < numL2; i++ {
		putEntry(l1Off, i, (l2Phys+i*pageSize64)|validBit)
	}
	for i := uint64(0); i < numPages; i++ {
		l2Page := i / entriesPerPage
		l2Index := i % entriesPerPage
		pagePhys := src.PagePhysAddr(i * pageSize64)
		putEntry(l2Off+l2Page*pageSize64, l2Index, pagePhys|validBit)
	}

	return &Table{Buf: buf, RootPhys: rootPhys, release: release}, nil
}

func ceilDiv(a, b uint64) uint64 { return (a + b - 1) / b }

func putUint64(b []byte, v uint64) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
	b[5] = byte(v >> 40)
	b[6] = byte(v >> 48)
	b[7] = byte(v >> 56)
}
