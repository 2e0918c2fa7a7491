//go:build linux

package registry

import (
	"github.com/google/uuid"

	"github.com/ardnew/softsdr/config"
	"github.com/ardnew/softsdr/transport/pcie/chardev"
	"github.com/ardnew/softsdr/transport/usb"
	"github.com/ardnew/softsdr/transport/usb/usbfs"
)

// ScanUSB lists the devices in sysfs.
func ScanUSB() ([]USBDevice, error) {
	infos, err := usbfs.DefaultScanner.Scan()
	if err != nil {
		return nil, err
	}
	out := make([]USBDevice, len(infos))
	for i, in := range infos {
		out[i] = USBDevice{
			Node:       in.Node,
			VendorID:   in.VendorID,
			ProductID:  in.ProductID,
			Speed:      in.Speed,
			Interfaces: in.Interfaces,
		}
	}
	return out, nil
}

func openBulk(uc config.USBConfig) (usb.BulkHAL, string, func() error, error) {
	path, ifaces := uc.Device, uc.InterfaceNumbers()
	if path == "" {
		info, err := usbfs.DefaultScanner.Find(uint16(uc.VendorID), uint16(uc.ProductID))
		if err != nil {
			return nil, "", nil, err
		}
		path = info.Node
		if len(ifaces) == 0 {
			ifaces = info.Interfaces
		}
	}
	d, err := usbfs.Open(path, ifaces...)
	if err != nil {
		return nil, "", nil, err
	}
	d.Continuation = uc.Continuation
	return d, path, d.Close, nil
}

func openDMA(pc config.PCIeConfig) (*chardev.Device, uuid.UUID, error) {
	cfg := chardev.DefaultConfig()
	cfg.TxBase = pc.TxBase
	cfg.PollInterval = pc.PollInterval()
	cfg.OOBRecords = pc.OOBRecords
	cfg.Claim = pc.Claim
	d, err := chardev.Open(pc.Device, cfg)
	if err != nil {
		return nil, uuid.Nil, err
	}
	return d, d.ID(), nil
}
