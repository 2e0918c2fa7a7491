package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/ardnew/softsdr/config"
	"github.com/ardnew/softsdr/pkg"
	"github.com/ardnew/softsdr/ring"
	"github.com/ardnew/softsdr/transport/pcie"
	"github.com/ardnew/softsdr/transport/sim"
	"github.com/ardnew/softsdr/transport/usb"
)

// SimDevicePath selects the in-memory PCIe device.
const SimDevicePath = "sim"

// USBDevice is one device visible to the usb driver.
type USBDevice struct {
	Node       string
	VendorID   uint16
	ProductID  uint16
	Speed      string
	Interfaces []uint8
}

// Builtin returns the drivers compiled into the engine.
func Builtin() []Driver {
	return []Driver{SimDriver{}, USBDriver{}, PCIeDriver{}}
}

// SimDriver opens simulated transports.
type SimDriver struct{}

// Name returns "sim".
func (SimDriver) Name() string { return "sim" }

// Open creates a simulated transport from the sim section. Closing it
// faults every stream still attached.
func (SimDriver) Open(_ context.Context, cfg *config.Config) (Handle, error) {
	sc := cfg.Sim.TransportConfig()
	if cfg.Stream.Mlock {
		sc.Allocator = ring.MmapAllocator{Lock: true}
	}
	t := sim.New(sc)
	return Handle{
		Transport: t,
		Device:    t,
		Close: func(context.Context) error {
			t.FailAll(pkg.ErrClosed)
			return nil
		},
	}, nil
}

// USBDriver opens bulk USB devices through usbfs.
type USBDriver struct{}

// Name returns "usb".
func (USBDriver) Name() string { return "usb" }

// Open claims the configured interfaces on the usb section's device node,
// or on the first device matching its vendor and product ids.
func (USBDriver) Open(_ context.Context, cfg *config.Config) (Handle, error) {
	if cfg.USB.Device == "" && cfg.USB.VendorID == 0 {
		return Handle{}, fmt.Errorf("%w: usb device path or vendor id not set", pkg.ErrInvalidParameter)
	}
	hal, path, closer, err := openBulk(cfg.USB)
	if err != nil {
		return Handle{}, err
	}
	uc := cfg.USB.TransportConfig()
	if cfg.Stream.Mlock {
		uc.Allocator = ring.MmapAllocator{Lock: true}
	}
	t, err := usb.New(hal, uc)
	if err != nil {
		_ = closer()
		return Handle{}, err
	}
	return Handle{
		Transport: t,
		Path:      path,
		Device:    hal,
		Close:     func(context.Context) error { return closer() },
	}, nil
}

type closableDevice interface {
	pcie.Device
	Close() error
}

// PCIeDriver opens DMA devices: the kernel driver node, or the in-memory
// bucket device when the path is SimDevicePath.
type PCIeDriver struct{}

// Name returns "pcie".
func (PCIeDriver) Name() string { return "pcie" }

// Open attaches a DMA transport to the pcie section's device.
func (PCIeDriver) Open(_ context.Context, cfg *config.Config) (Handle, error) {
	pc := cfg.PCIe
	var (
		dev closableDevice
		h   Handle
		err error
	)
	if pc.Device == SimDevicePath {
		dev, err = pcie.NewSimDevice(pcie.SimConfig{
			Entries:      pc.BucketEntries,
			Trailer:      pc.Trailer,
			ControlEvent: pc.ControlEvent,
		})
	} else {
		dev, h.ID, err = openDMA(pc)
		h.Path = pc.Device
	}
	if err != nil {
		return Handle{}, err
	}

	t, err := pcie.New(dev, pc.TransportConfig())
	if err != nil {
		_ = dev.Close()
		return Handle{}, err
	}
	h.Transport = t
	h.Device = dev
	h.Close = func(ctx context.Context) error {
		err := t.Close(ctx)
		if errors.Is(err, pkg.ErrNoDevice) {
			err = nil
		}
		return errors.Join(err, dev.Close())
	}
	return h, nil
}
