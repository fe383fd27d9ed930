// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pci

// Linux sysfs-backed config space and BAR access for a single, caller-named
// device. The teacher's version of this file also drove bus-wide device
// discovery and driver auto-matching (DiscoverDevices); that machinery has
// no role in a driver that only ever addresses one embedded GPU, so this
// keeps just the per-device config-space and resource primitives.

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"syscall"
	"unsafe"
)

var sysBusPciPath = "/sys/bus/pci/devices"

func (d *Device) SysfsPath(format string, args ...interface{}) (path string) {
	path = filepath.Join(sysBusPciPath, d.Addr.String(), fmt.Sprintf(format, args...))
	return
}

func (d *Device) SysfsOpenFile(format string, mode int, args ...interface{}) (f *os.File, err error) {
	fn := d.SysfsPath(format, args...)
	f, err = os.OpenFile(fn, mode, 0)
	return
}

func (d *Device) SysfsReadHexFile(format string, mode int, args ...interface{}) (v uint, err error) {
	var f *os.File
	f, err = d.SysfsOpenFile(format, mode, args...)
	if err != nil {
		return
	}
	defer f.Close()
	var n int
	if n, err = fmt.Fscanf(f, "0x%x", &v); n != 1 || err != nil {
		return
	}
	return
}

func (d *Device) configRw(offset, vʹ, nBytes uint, isWrite bool) (v uint, err error) {
	var f *os.File
	f, err = d.SysfsOpenFile("config", os.O_RDWR)
	if err != nil {
		return
	}
	defer f.Close()
	if _, err = f.Seek(int64(offset), os.SEEK_SET); err != nil {
		return
	}
	var b [4]byte
	if isWrite {
		for i := range b {
			b[i] = byte((vʹ >> uint(8*i)) & 0xff)
		}
		_, err = f.Write(b[:nBytes])
		v = vʹ
	} else {
		_, err = f.Read(b[:nBytes])
		if err == nil {
			for i := range b {
				v |= uint(b[i]) << (8 * uint(i))
			}
		}
	}
	return
}

func (d *Device) ReadConfigUint32(o uint) (v uint32) {
	x, _ := d.configRw(o, 0, 4, false)
	return uint32(x)
}
func (d *Device) WriteConfigUint32(o uint, value uint32) { d.configRw(o, uint(value), 4, true) }
func (d *Device) ReadConfigUint16(o uint) (v uint16) {
	x, _ := d.configRw(o, 0, 2, false)
	return uint16(x)
}
func (d *Device) WriteConfigUint16(o uint, value uint16) { d.configRw(o, uint(value), 2, true) }
func (d *Device) ReadConfigUint8(o uint) (v uint8) {
	x, _ := d.configRw(o, 0, 1, false)
	return uint8(x)
}
func (d *Device) WriteConfigUint8(o uint, value uint8) { d.configRw(o, uint(value), 1, true) }

// MapResource mmaps the given BAR ("resourceN" in sysfs) read/write and
// returns its host-virtual base address.
func (d *Device) MapResource(bar uint) (res uintptr, err error) {
	r := &d.Resources[bar]
	var f *os.File
	f, err = d.SysfsOpenFile("resource%d", os.O_RDWR, r.Index)
	if err != nil {
		return
	}
	defer f.Close()
	r.Mem, err = syscall.Mmap(int(f.Fd()), 0, int(r.Size), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		err = fmt.Errorf("mmap resource%d: %s", r.Index, err)
		return
	}
	res = uintptr(unsafe.Pointer(&r.Mem[0]))
	return
}

func (d *Device) UnmapResource(bar uint) (err error) {
	if d.Resources[bar].Mem != nil {
		err = syscall.Munmap(d.Resources[bar].Mem)
		if err != nil {
			return fmt.Errorf("munmap resource%d: %s", bar, err)
		}
	}
	return
}

// findResources parses the sysfs "resource" file (one "base end flags" line
// per BAR) into d.Resources.
func (d *Device) findResources() (err error) {
	f, err := d.SysfsOpenFile("resource", os.O_RDONLY)
	if err != nil {
		return
	}
	defer f.Close()

	b, err := ioutil.ReadAll(f)
	if err != nil {
		return
	}
	i := 0
	off := 0
	for off < len(b) {
		var v [3]uint64
		var n int
		if n, err = fmt.Sscanf(string(b[off:]), "0x%x 0x%x 0x%x\n", &v[0], &v[1], &v[2]); n != 3 || err != nil {
			if n != 3 {
				err = fmt.Errorf("short read")
			}
			return
		}
		size := uint64(0)
		if v[0] != 0 {
			size = 1 + v[1] - v[0]
		}
		d.Resources = append(d.Resources, Resource{
			Index: uint32(i),
			Base:  v[0],
			Size:  size,
		})
		i++
		// advance past this line
		if idx := indexByte(b[off:], '\n'); idx >= 0 {
			off += idx + 1
		} else {
			break
		}
	}
	return
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

// Open reads config space and BAR geometry for the device at addr and
// returns a Device ready for register access and resource mapping.
func Open(addr BusAddress) (d *Device, err error) {
	d = &Device{Addr: addr}

	var raw [256]byte
	f, err := d.SysfsOpenFile("config", os.O_RDONLY)
	if err != nil {
		return nil, err
	}
	n, _ := f.Read(raw[:])
	f.Close()
	d.SetConfigBytes(raw[:n])

	d.Config.Vendor = VendorID(d.ReadConfigUint16(0))
	d.Config.Device = VendorDeviceID(d.ReadConfigUint16(2))
	d.Config.Revision = U8(d.ReadConfigUint8(0x8))
	d.Config.Tp = d.ReadConfigUint8(0xe)
	d.Config.CapabilityOffset = U8(d.ReadConfigUint8(0x34))
	for i := range d.Config.BaseAddressRegs {
		d.Config.BaseAddressRegs[i] = BaseAddressReg(d.ReadConfigUint32(uint(0x10 + 4*i)))
	}
	d.Config.SubID.Vendor = VendorID(d.ReadConfigUint16(0x2c))
	d.Config.SubID.Device = VendorDeviceID(d.ReadConfigUint16(0x2e))

	if err = d.findResources(); err != nil {
		return nil, err
	}
	return d, nil
}
