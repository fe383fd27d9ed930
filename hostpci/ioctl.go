package hostpci

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl issues a UIO_DMA_* control request, matching the pattern from the
// teacher's kern_uio_pci_dma.go but through golang.org/x/sys/unix instead of
// a raw syscall.RawSyscall call, consistent with the rest of the pack's
// host-syscall wrapping style.
func ioctl(fd int, req uintptr, arg interface{}) error {
	var p uintptr
	switch v := arg.(type) {
	case *uioDMAAllocReq:
		p = uintptr(unsafe.Pointer(v))
	case *uioDMAMapReq:
		p = uintptr(unsafe.Pointer(v))
	case *uioDMAFreeReq:
		p = uintptr(unsafe.Pointer(v))
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, p)
	if errno != 0 {
		return errno
	}
	return nil
}

// barAddr returns the host-virtual address of byte offset o within a mapped
// BAR region.
func barAddr(bar []byte, o uint32) uintptr {
	return uintptr(unsafe.Pointer(&bar[0])) + uintptr(o)
}
