//go:build linux

package usbfs

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ardnew/softsdr/pkg"
)

// =============================================================================
// URB Structures
// =============================================================================

// URB types.
const (
	urbTypeIso       = 0
	urbTypeInterrupt = 1
	urbTypeControl   = 2
	urbTypeBulk      = 3
)

// urbBulkContinuation lets the host controller treat consecutive bulk
// URBs on one endpoint as a single stream.
const urbBulkContinuation = 0x04

// urb matches the kernel's struct usbdevfs_urb without the trailing iso
// descriptors, which bulk transfers never use.
type urb struct {
	typ          uint8
	endpoint     uint8
	status       int32
	flags        uint32
	buffer       uintptr
	bufferLength int32
	actualLength int32
	startFrame   int32
	streamID     uint32
	errorCount   int32
	signr        uint32
	userContext  uintptr
}

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

const usbdevfsType = 'U'

var (
	ioctlClaimInterface   = ioc(iocRead, usbdevfsType, 15, 4)
	ioctlReleaseInterface = ioc(iocRead, usbdevfsType, 16, 4)
	ioctlSubmitURB        = ioc(iocRead, usbdevfsType, 10, unsafe.Sizeof(urb{}))
	ioctlDiscardURB       = ioc(iocNone, usbdevfsType, 11, 0)
	ioctlReapURBNDelay    = ioc(iocWrite, usbdevfsType, 13, unsafe.Sizeof(uintptr(0)))
	ioctlClearHalt        = ioc(iocRead, usbdevfsType, 21, 4)
)

// =============================================================================
// Raw ioctl Wrappers
// =============================================================================

func ioctlPtr(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func claimInterface(fd int, iface uint8) error {
	n := uint32(iface)
	return ioctlPtr(fd, ioctlClaimInterface, unsafe.Pointer(&n))
}

func releaseInterface(fd int, iface uint8) error {
	n := uint32(iface)
	return ioctlPtr(fd, ioctlReleaseInterface, unsafe.Pointer(&n))
}

func clearHalt(fd int, endpoint uint8) error {
	n := uint32(endpoint)
	return ioctlPtr(fd, ioctlClearHalt, unsafe.Pointer(&n))
}

func submitURB(fd int, u *urb) error {
	return ioctlPtr(fd, ioctlSubmitURB, unsafe.Pointer(u))
}

func discardURB(fd int, u *urb) error {
	return ioctlPtr(fd, ioctlDiscardURB, unsafe.Pointer(u))
}

// reapURBNDelay returns a completed URB, or EAGAIN when none is ready.
func reapURBNDelay(fd int) (uintptr, error) {
	var p uintptr
	if err := ioctlPtr(fd, ioctlReapURBNDelay, unsafe.Pointer(&p)); err != nil {
		return 0, err
	}
	return p, nil
}

func initBulkURB(u *urb, endpoint uint8, data []byte, continuation bool) {
	*u = urb{typ: urbTypeBulk, endpoint: endpoint, bufferLength: int32(len(data))}
	if continuation && endpoint&0x80 != 0 {
		u.flags = urbBulkContinuation
	}
	if len(data) > 0 {
		u.buffer = uintptr(unsafe.Pointer(&data[0]))
	}
}

// =============================================================================
// Status Mapping
// =============================================================================

// urbStatus converts a completed URB status (a negative errno) to a
// transfer status.
func urbStatus(status int32) pkg.TransferStatus {
	if status == 0 {
		return pkg.TransferStatusSuccess
	}
	switch unix.Errno(-status) {
	case unix.ENOENT, unix.ECONNRESET:
		return pkg.TransferStatusCancelled
	case unix.EPIPE:
		return pkg.TransferStatusStall
	case unix.ENODEV, unix.ESHUTDOWN:
		return pkg.TransferStatusNoDevice
	case unix.EOVERFLOW:
		return pkg.TransferStatusOverrun
	case unix.ETIMEDOUT:
		return pkg.TransferStatusTimeout
	default:
		return pkg.TransferStatusError
	}
}

// submitError converts a submit/ioctl errno to an engine error.
func submitError(err error) error {
	switch {
	case errors.Is(err, unix.ENODEV):
		return pkg.ErrNoDevice
	case errors.Is(err, unix.EPIPE):
		return pkg.ErrStall
	case errors.Is(err, unix.ENOMEM):
		return pkg.ErrNoMemory
	case errors.Is(err, unix.EBUSY):
		return pkg.ErrBusy
	}
	return err
}
