//go:build linux

package usbfs

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ardnew/softsdr/pkg"
	"github.com/ardnew/softsdr/transport/usb"
)

// Device is an opened usbfs node. It implements usb.BulkHAL.
type Device struct {
	path   string
	fd     int
	ifaces []uint8
	poll   *poller

	// Continuation sets the bulk continuation flag on IN URBs.
	Continuation bool

	mu       sync.Mutex
	inflight map[uintptr]*usb.Transfer
	closed   bool

	pump sync.WaitGroup
	err  error
}

// Open opens the usbfs node at path (for example /dev/bus/usb/001/004),
// claims the given interfaces and starts the completion pump.
func Open(path string, ifaces ...uint8) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, submitError(err))
	}
	d := &Device{
		path:     path,
		fd:       fd,
		inflight: make(map[uintptr]*usb.Transfer),
	}
	for _, iface := range ifaces {
		if err := claimInterface(fd, iface); err != nil {
			d.releaseInterfaces()
			unix.Close(fd)
			return nil, fmt.Errorf("claim interface %d on %s: %w", iface, path, submitError(err))
		}
		d.ifaces = append(d.ifaces, iface)
	}
	d.poll, err = newPoller(fd)
	if err != nil {
		d.releaseInterfaces()
		unix.Close(fd)
		return nil, fmt.Errorf("poller for %s: %w", path, err)
	}

	d.pump.Add(1)
	go func() {
		defer d.pump.Done()
		if err := d.poll.run(d.reap); err != nil {
			d.mu.Lock()
			d.err = err
			d.mu.Unlock()
			pkg.LogError(pkg.ComponentUSB, "usbfs pump stopped", "path", path, "error", err)
			d.failAll(pkg.TransferStatusNoDevice)
		}
	}()

	pkg.LogInfo(pkg.ComponentUSB, "usbfs device opened", "path", path, "interfaces", ifaces)
	return d, nil
}

// Path returns the device node path.
func (d *Device) Path() string { return d.path }

// ClearHalt clears a stall on endpoint.
func (d *Device) ClearHalt(endpoint uint8) error {
	return submitError(clearHalt(d.fd, endpoint))
}

// Submit queues t as a bulk URB.
func (d *Device) Submit(t *usb.Transfer) error {
	u, ok := t.Native.(*urb)
	if !ok {
		u = new(urb)
		t.Native = u
	}
	initBulkURB(u, t.Endpoint, t.Buffer, d.Continuation)
	key := uintptr(unsafe.Pointer(u))

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return pkg.ErrNoDevice
	}
	if d.err != nil {
		return fmt.Errorf("%w: %v", pkg.ErrNoDevice, d.err)
	}
	d.inflight[key] = t
	if err := submitURB(d.fd, u); err != nil {
		delete(d.inflight, key)
		return fmt.Errorf("submit urb ep 0x%02x: %w", t.Endpoint, submitError(err))
	}
	return nil
}

// Cancel discards the URB of t. Its completion is reaped by the pump.
func (d *Device) Cancel(t *usb.Transfer) error {
	u, ok := t.Native.(*urb)
	if !ok {
		return pkg.ErrInvalidParameter
	}
	d.mu.Lock()
	_, live := d.inflight[uintptr(unsafe.Pointer(u))]
	d.mu.Unlock()
	if !live {
		return nil
	}
	if err := discardURB(d.fd, u); err != nil && !errors.Is(err, unix.EINVAL) {
		return submitError(err)
	}
	return nil
}

// reap delivers every completed URB.
func (d *Device) reap() error {
	for {
		p, err := reapURBNDelay(d.fd)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return nil
			}
			return submitError(err)
		}
		d.mu.Lock()
		t, ok := d.inflight[p]
		delete(d.inflight, p)
		d.mu.Unlock()
		if !ok {
			pkg.LogWarn(pkg.ComponentUSB, "reaped unknown urb", "path", d.path)
			continue
		}
		u := t.Native.(*urb)
		t.Length = int(u.actualLength)
		t.Status = urbStatus(u.status)
		t.Complete()
	}
}

// failAll completes every outstanding transfer with status after the pump
// died, so engines waiting for completions can drain.
func (d *Device) failAll(status pkg.TransferStatus) {
	d.mu.Lock()
	pending := make([]*usb.Transfer, 0, len(d.inflight))
	for k, t := range d.inflight {
		pending = append(pending, t)
		delete(d.inflight, k)
	}
	d.mu.Unlock()
	for _, t := range pending {
		t.Length = 0
		t.Status = status
		t.Complete()
	}
}

func (d *Device) releaseInterfaces() {
	for _, iface := range d.ifaces {
		if err := releaseInterface(d.fd, iface); err != nil {
			pkg.LogDebug(pkg.ComponentUSB, "release interface", "iface", iface, "error", err)
		}
	}
	d.ifaces = nil
}

// Close stops the pump and closes the node. Streams on the device must be
// deinitialized first.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	n := len(d.inflight)
	d.mu.Unlock()
	if n > 0 {
		pkg.LogWarn(pkg.ComponentUSB, "closing device with transfers in flight", "path", d.path, "count", n)
	}

	d.poll.stop()
	d.pump.Wait()
	d.failAll(pkg.TransferStatusCancelled)
	d.releaseInterfaces()
	return errors.Join(d.poll.close(), unix.Close(d.fd))
}
