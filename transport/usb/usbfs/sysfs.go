//go:build linux

package usbfs

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ardnew/softsdr/pkg"
)

// Default sysfs and devfs roots.
const (
	SysfsRoot = "/sys/bus/usb/devices"
	DevfsRoot = "/dev/bus/usb"
)

// =============================================================================
// Device Discovery
// =============================================================================

// Info describes a USB device found in sysfs.
type Info struct {
	SysfsPath string
	Node      string // usbfs node, e.g. /dev/bus/usb/001/004
	Bus       uint8
	Address   uint8
	VendorID  uint16
	ProductID uint16
	// Speed is the link rate in Mbit/s as sysfs reports it ("480", "5000").
	Speed      string
	Interfaces []uint8
}

// Scanner enumerates devices below a sysfs root.
type Scanner struct {
	Sysfs string
	Devfs string
}

// DefaultScanner reads the live system.
var DefaultScanner = Scanner{Sysfs: SysfsRoot, Devfs: DevfsRoot}

// Scan returns every device under the sysfs root, ordered by bus and
// address. Entries that cannot be parsed are skipped.
func (s Scanner) Scan() ([]Info, error) {
	entries, err := os.ReadDir(s.Sysfs)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", pkg.ErrNoDevice, err)
	}
	var out []Info
	for _, e := range entries {
		name := e.Name()
		// Root hubs are usbN, interfaces carry a colon.
		if strings.HasPrefix(name, "usb") || strings.Contains(name, ":") {
			continue
		}
		info, err := s.parse(filepath.Join(s.Sysfs, name))
		if err != nil {
			pkg.LogDebug(pkg.ComponentUSB, "skipping sysfs entry", "name", name, "error", err)
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Bus != out[b].Bus {
			return out[a].Bus < out[b].Bus
		}
		return out[a].Address < out[b].Address
	})
	return out, nil
}

// Find returns the first device matching vid:pid. A zero pid matches any
// product of the vendor.
func (s Scanner) Find(vid, pid uint16) (Info, error) {
	devs, err := s.Scan()
	if err != nil {
		return Info{}, err
	}
	for _, d := range devs {
		if d.VendorID == vid && (pid == 0 || d.ProductID == pid) {
			return d, nil
		}
	}
	return Info{}, fmt.Errorf("%w: no device %04x:%04x", pkg.ErrNoDevice, vid, pid)
}

func (s Scanner) parse(dir string) (Info, error) {
	info := Info{SysfsPath: dir}
	var err error
	if info.Bus, err = readUint8(filepath.Join(dir, "busnum"), 10); err != nil {
		return info, err
	}
	if info.Address, err = readUint8(filepath.Join(dir, "devnum"), 10); err != nil {
		return info, err
	}
	if info.VendorID, err = readUint16(filepath.Join(dir, "idVendor")); err != nil {
		return info, err
	}
	if info.ProductID, err = readUint16(filepath.Join(dir, "idProduct")); err != nil {
		return info, err
	}
	info.Speed, _ = readString(filepath.Join(dir, "speed"))
	info.Node = NodePath(s.Devfs, info.Bus, info.Address)
	info.Interfaces = interfaces(dir)
	return info, nil
}

// interfaces lists the bInterfaceNumber of every <device>:<cfg>.<n> child.
func interfaces(dir string) []uint8 {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	prefix := filepath.Base(dir) + ":"
	var out []uint8
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		n, err := readUint8(filepath.Join(dir, e.Name(), "bInterfaceNumber"), 16)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

// NodePath builds the usbfs node path for a bus and address.
func NodePath(devfs string, bus, addr uint8) string {
	return fmt.Sprintf("%s/%03d/%03d", devfs, bus, addr)
}

// =============================================================================
// Attribute Readers
// =============================================================================

func readString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readUint8(path string, base int) (uint8, error) {
	s, err := readString(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), base, 8)
	return uint8(v), err
}

func readUint16(path string) (uint16, error) {
	s, err := readString(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 16)
	return uint16(v), err
}
