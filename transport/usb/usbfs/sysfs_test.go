//go:build linux

package usbfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softsdr/pkg"
)

func writeAttrs(t *testing.T, dir string, attrs map[string]string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for name, val := range attrs {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(val+"\n"), 0o644))
	}
}

func fakeSysfs(t *testing.T) Scanner {
	root := t.TempDir()
	writeAttrs(t, filepath.Join(root, "usb1"), map[string]string{"busnum": "1", "devnum": "1"})
	writeAttrs(t, filepath.Join(root, "2-1"), map[string]string{
		"busnum": "2", "devnum": "7", "idVendor": "3727", "idProduct": "0001", "speed": "5000",
	})
	writeAttrs(t, filepath.Join(root, "2-1", "2-1:1.0"), map[string]string{"bInterfaceNumber": "00"})
	writeAttrs(t, filepath.Join(root, "2-1", "2-1:1.1"), map[string]string{"bInterfaceNumber": "01"})
	writeAttrs(t, filepath.Join(root, "1-4"), map[string]string{
		"busnum": "1", "devnum": "12", "idVendor": "1d50", "idProduct": "6108", "speed": "480",
	})
	writeAttrs(t, filepath.Join(root, "1-5"), map[string]string{"busnum": "1"})
	return Scanner{Sysfs: root, Devfs: "/dev/bus/usb"}
}

func TestNodePath(t *testing.T) {
	tests := []struct {
		bus, addr uint8
		want      string
	}{
		{1, 1, "/dev/bus/usb/001/001"},
		{12, 34, "/dev/bus/usb/012/034"},
		{255, 255, "/dev/bus/usb/255/255"},
	}
	for _, tt := range tests {
		if got := NodePath(DevfsRoot, tt.bus, tt.addr); got != tt.want {
			t.Errorf("NodePath(%d, %d) = %q, want %q", tt.bus, tt.addr, got, tt.want)
		}
	}
}

func TestScan(t *testing.T) {
	s := fakeSysfs(t)
	got, err := s.Scan()
	require.NoError(t, err)

	want := []Info{
		{
			SysfsPath: filepath.Join(s.Sysfs, "1-4"),
			Node:      "/dev/bus/usb/001/012",
			Bus:       1,
			Address:   12,
			VendorID:  0x1d50,
			ProductID: 0x6108,
			Speed:     "480",
		},
		{
			SysfsPath:  filepath.Join(s.Sysfs, "2-1"),
			Node:       "/dev/bus/usb/002/007",
			Bus:        2,
			Address:    7,
			VendorID:   0x3727,
			ProductID:  0x0001,
			Speed:      "5000",
			Interfaces: []uint8{0, 1},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Scan() mismatch (-want +got):\n%s", diff)
	}
}

func TestFind(t *testing.T) {
	s := fakeSysfs(t)

	d, err := s.Find(0x3727, 0x0001)
	require.NoError(t, err)
	require.Equal(t, "/dev/bus/usb/002/007", d.Node)

	d, err = s.Find(0x1d50, 0)
	require.NoError(t, err)
	require.Equal(t, uint16(0x6108), d.ProductID)

	_, err = s.Find(0x0403, 0x6010)
	require.ErrorIs(t, err, pkg.ErrNoDevice)
}

func TestScanMissingRoot(t *testing.T) {
	_, err := Scanner{Sysfs: filepath.Join(t.TempDir(), "absent")}.Scan()
	require.ErrorIs(t, err, pkg.ErrNoDevice)
}
