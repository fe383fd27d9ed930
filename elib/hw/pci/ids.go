// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pci

// DeviceClass is the PCI class/subclass code pair from a device's
// configuration header. Only the display/3D classes a discrete GPU can
// report are named; the full PCI-SIG class list doesn't apply to a
// single-device driver.
type DeviceClass uint16

const (
	DisplayVGA   DeviceClass = 0x0300
	Display3D    DeviceClass = 0x0302
	DisplayOther DeviceClass = 0x0380
)
