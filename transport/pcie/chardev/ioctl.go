//go:build linux

package chardev

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ardnew/softsdr/event"
	"github.com/ardnew/softsdr/pkg"
)

// =============================================================================
// Driver Structures
// =============================================================================

// streamMapped asks the driver for buffers user space maps with mmap.
const streamMapped = 0

// hwreg32 matches struct pcie_driver_hwreg32.
type hwreg32 struct {
	addr  uint32
	value uint32
}

// sdmaConf matches struct pcie_driver_sdma_conf.
type sdmaConf struct {
	typ       uint32
	sno       uint32
	bufs      uint32
	bufSize   uint32
	vmaOffset int64
	vmaLength uint64
}

// waitOOB matches struct pcie_driver_woa_oob. The driver fills oobLength
// bytes of 16-byte records at oobData.
type waitOOB struct {
	streamTimeout uint32
	oobLength     uint32
	oobData       uintptr
}

// oobRecordSize is the size of one per-buffer record returned by the
// OOB wait calls.
const oobRecordSize = 16

// =============================================================================
// ioctl Numbers
// =============================================================================

const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return dir<<iocDirShift | typ<<iocTypeShift | nr<<iocNRShift | size<<iocSizeShift
}

const driverMagic = 0xDD

var (
	ioctlGetUUID        = ioc(iocRead, driverMagic, 0, 16)
	ioctlClaim          = ioc(iocNone, driverMagic, 1, 0)
	ioctlRegRead32      = ioc(iocRead, driverMagic, 3, unsafe.Sizeof(hwreg32{}))
	ioctlRegWrite32     = ioc(iocRead|iocWrite, driverMagic, 3, unsafe.Sizeof(hwreg32{}))
	ioctlWaitEvent      = ioc(iocWrite, driverMagic, 6, 4)
	ioctlDMAConf        = ioc(iocRead|iocWrite, driverMagic, 16, unsafe.Sizeof(sdmaConf{}))
	ioctlDMAUnconf      = ioc(iocWrite, driverMagic, 16, 4)
	ioctlDMAWait        = ioc(iocWrite, driverMagic, 17, 4)
	ioctlDMAWaitOOB     = ioc(iocRead|iocWrite, driverMagic, 17, unsafe.Sizeof(waitOOB{}))
	ioctlDMAReleasePost = ioc(iocWrite, driverMagic, 18, 4)
	ioctlDMAAlloc       = ioc(iocWrite, driverMagic, 19, 4)
	ioctlDMAAllocOOB    = ioc(iocRead|iocWrite, driverMagic, 19, unsafe.Sizeof(waitOOB{}))
	ioctlClaimVersion   = ioc(iocWrite, driverMagic, 23, 4)
)

// ctlParam packs a wait timeout in milliseconds and a stream number the
// way the driver expects them.
func ctlParam(timeoutMS, sno uint32) uint32 {
	return timeoutMS<<8 | sno&0xff
}

// =============================================================================
// Raw ioctl Wrappers
// =============================================================================

func ioctlPtr(fd int, req uintptr, arg unsafe.Pointer) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return -1, errno
	}
	return int(r), nil
}

func ioctlVal(fd int, req uintptr, arg uint32) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return -1, errno
	}
	return int(r), nil
}

// decodeOOB turns n driver records into event payloads: the first
// 64-bit word is the timestamp, the low half of the second carries the
// burst and skip counters.
func decodeOOB(raw []byte, n int) []event.Payload {
	out := make([]event.Payload, n)
	for i := 0; i < n && (i+1)*oobRecordSize <= len(raw); i++ {
		rec := raw[i*oobRecordSize:]
		ts := binary.LittleEndian.Uint64(rec[0:])
		aux := binary.LittleEndian.Uint64(rec[8:])
		out[i] = event.Payload{uint32(ts), uint32(ts >> 32), uint32(aux)}
	}
	return out
}

// driverError maps a driver errno to a pkg sentinel, keeping the errno.
func driverError(err error) error {
	var sentinel error
	switch {
	case errors.Is(err, unix.ENOENT), errors.Is(err, unix.ENODEV), errors.Is(err, unix.ENXIO):
		sentinel = pkg.ErrNoDevice
	case errors.Is(err, unix.ETIMEDOUT):
		sentinel = pkg.ErrTimeout
	case errors.Is(err, unix.EAGAIN):
		sentinel = pkg.ErrWouldBlock
	case errors.Is(err, unix.ENOMEM):
		sentinel = pkg.ErrNoMemory
	case errors.Is(err, unix.EBUSY):
		sentinel = pkg.ErrBusy
	case errors.Is(err, unix.EINVAL):
		sentinel = pkg.ErrInvalidParameter
	case errors.Is(err, unix.ENOTTY), errors.Is(err, unix.EOPNOTSUPP):
		sentinel = pkg.ErrNotSupported
	default:
		sentinel = pkg.ErrIO
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}
