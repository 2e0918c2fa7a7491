//go:build !linux

package registry

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/ardnew/softsdr/config"
	"github.com/ardnew/softsdr/pkg"
	"github.com/ardnew/softsdr/transport/usb"
)

// ScanUSB lists the devices in sysfs.
func ScanUSB() ([]USBDevice, error) {
	return nil, fmt.Errorf("%w: usb discovery requires linux", pkg.ErrNotSupported)
}

func openBulk(config.USBConfig) (usb.BulkHAL, string, func() error, error) {
	return nil, "", nil, fmt.Errorf("%w: usbfs requires linux", pkg.ErrNotSupported)
}

func openDMA(config.PCIeConfig) (closableDevice, uuid.UUID, error) {
	return nil, uuid.Nil, fmt.Errorf("%w: pcie driver node requires linux", pkg.ErrNotSupported)
}
