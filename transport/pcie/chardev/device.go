//go:build linux

// Package chardev is the user-space client of the PCIe streaming driver's
// character device. It implements pcie.WaitDevice: DMA buffers are
// allocated by the driver and mapped with mmap, and completions are
// demultiplexed in the kernel and collected per stream with the OOB wait
// calls.
package chardev

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/ardnew/softsdr/event"
	"github.com/ardnew/softsdr/pkg"
	"github.com/ardnew/softsdr/stream"
	"github.com/ardnew/softsdr/transport/pcie"
)

// ABIVersion is the driver interface revision this client speaks.
const ABIVersion = 2

// Defaults.
const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultOOBRecords   = 64
)

// Config configures a device client.
type Config struct {
	// TxBase is the driver stream number of transmit channel 0. Receive
	// channel c is stream c.
	TxBase int
	// RxCaps and TxCaps are the stream capability words reported to the
	// transport. The driver does not expose them.
	RxCaps uint32
	TxCaps uint32
	// PollInterval bounds each kernel wait so cancellation is observed.
	PollInterval time.Duration
	// OOBRecords sizes the per-wait OOB buffer. Zero disables OOB and
	// uses the plain wait calls.
	OOBRecords int
	// Claim takes exclusive ownership of the device on open.
	Claim bool
}

// DefaultConfig returns transmit streams starting at 1, 2 to 32 buffers of
// up to 1 MiB and OOB collection enabled.
func DefaultConfig() Config {
	caps := pcie.EncodeStreamCap(pcie.Caps{MinSlots: 2, MaxSlots: 32, MaxBlockSize: 1 << 20})
	return Config{
		TxBase:       1,
		RxCaps:       caps,
		TxCaps:       caps,
		PollInterval: DefaultPollInterval,
		OOBRecords:   DefaultOOBRecords,
	}
}

type dmaStream struct {
	sno   uint32
	slots int
	// prime counts completions the driver reports for buffers it owns
	// from configuration on: rx buffers are armed by DMA_CONF, tx buffers
	// start out free.
	prime int
	oob   []byte
}

// Device is an open driver node.
type Device struct {
	path string
	fd   int
	id   uuid.UUID
	cfg  Config

	mu      sync.Mutex
	streams map[int]*dmaStream
	closed  bool
}

var _ pcie.WaitDevice = (*Device)(nil)

// Open opens the character device at path, checks the driver ABI and
// reads the device id.
func Open(path string, cfg Config) (*Device, error) {
	def := DefaultConfig()
	if cfg.TxBase <= 0 {
		cfg.TxBase = def.TxBase
	}
	if cfg.RxCaps == 0 {
		cfg.RxCaps = def.RxCaps
	}
	if cfg.TxCaps == 0 {
		cfg.TxCaps = def.TxCaps
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, driverError(err))
	}
	d := &Device{path: path, fd: fd, cfg: cfg, streams: make(map[int]*dmaStream)}

	if _, err := ioctlVal(fd, ioctlClaimVersion, ABIVersion); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%s: driver ABI %d: %w", path, ABIVersion, driverError(err))
	}
	if cfg.Claim {
		if _, err := ioctlPtr(fd, ioctlClaim, nil); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("%s: claim: %w", path, driverError(err))
		}
	}
	var raw [16]byte
	if _, err := ioctlPtr(fd, ioctlGetUUID, unsafe.Pointer(&raw[0])); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%s: device id: %w", path, driverError(err))
	}
	d.id, err = uuid.FromBytes(raw[:])
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: %s: device id: %w", pkg.ErrProtocol, path, err)
	}

	pkg.LogInfo(pkg.ComponentPCIe, "driver opened", "path", path, "id", d.id)
	return d, nil
}

// ID returns the device id reported by the driver.
func (d *Device) ID() uuid.UUID { return d.id }

// Path returns the node path.
func (d *Device) Path() string { return d.path }

func (d *Device) sno(dir stream.Direction, ch int) uint32 {
	if dir == stream.TX {
		return uint32(d.cfg.TxBase + ch)
	}
	return uint32(ch)
}

func (d *Device) lookup(dir stream.Direction, ch int) (*dmaStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, pkg.ErrClosed
	}
	s, ok := d.streams[pcie.EventID(dir, ch)]
	if !ok {
		return nil, fmt.Errorf("%w: %s stream %d not configured", pkg.ErrInvalidState, dir, ch)
	}
	return s, nil
}

// StreamCaps returns the configured capability word for dir.
func (d *Device) StreamCaps(dir stream.Direction, _ int) (uint32, error) {
	if dir == stream.TX {
		return d.cfg.TxCaps, nil
	}
	return d.cfg.RxCaps, nil
}

// ConfigureDMA asks the driver for slots buffers and maps them as one
// region. The driver's buffer stride must equal slotSize.
func (d *Device) ConfigureDMA(dir stream.Direction, ch, slots, slotSize int) ([]byte, error) {
	conf := sdmaConf{
		typ:     streamMapped,
		sno:     d.sno(dir, ch),
		bufs:    uint32(slots),
		bufSize: uint32(slotSize),
	}
	if _, err := ioctlPtr(d.fd, ioctlDMAConf, unsafe.Pointer(&conf)); err != nil {
		return nil, fmt.Errorf("dma configure stream %d: %w", conf.sno, driverError(err))
	}
	if int(conf.vmaLength) != slots*slotSize {
		_, _ = ioctlVal(d.fd, ioctlDMAUnconf, conf.sno)
		return nil, fmt.Errorf("%w: driver mapped %d bytes for %d x %d",
			pkg.ErrNotSupported, conf.vmaLength, slots, slotSize)
	}
	mem, err := unix.Mmap(d.fd, conf.vmaOffset, int(conf.vmaLength),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_, _ = ioctlVal(d.fd, ioctlDMAUnconf, conf.sno)
		return nil, fmt.Errorf("dma map stream %d: %w", conf.sno, driverError(err))
	}

	s := &dmaStream{sno: conf.sno, slots: slots, prime: slots}
	if d.cfg.OOBRecords > 0 {
		s.oob = make([]byte, d.cfg.OOBRecords*oobRecordSize)
	}
	d.mu.Lock()
	d.streams[pcie.EventID(dir, ch)] = s
	d.mu.Unlock()

	pkg.LogDebug(pkg.ComponentPCIe, "dma configured",
		"stream", conf.sno, "bufs", slots, "size", slotSize, "vmaOffset", conf.vmaOffset)
	return mem, nil
}

// UnconfigureDMA stops the driver stream.
func (d *Device) UnconfigureDMA(dir stream.Direction, ch int) error {
	s, err := d.lookup(dir, ch)
	if err != nil {
		return err
	}
	if _, err := ioctlVal(d.fd, ioctlDMAUnconf, s.sno); err != nil {
		return fmt.Errorf("dma unconfigure stream %d: %w", s.sno, driverError(err))
	}
	d.mu.Lock()
	delete(d.streams, pcie.EventID(dir, ch))
	d.mu.Unlock()
	return nil
}

// UnmapDMA unmaps a region returned by ConfigureDMA.
func (d *Device) UnmapDMA(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	return unix.Munmap(mem[:cap(mem)])
}

// Post releases the oldest receive buffer back to the driver or queues a
// transmit buffer. The transmit length travels in the buffer header. The
// first Post of each receive buffer is absorbed, the driver armed it at
// configuration.
func (d *Device) Post(dir stream.Direction, ch, _ int) error {
	s, err := d.lookup(dir, ch)
	if err != nil {
		return err
	}
	if dir == stream.RX {
		d.mu.Lock()
		armed := s.prime > 0
		if armed {
			s.prime--
		}
		d.mu.Unlock()
		if armed {
			return nil
		}
	}
	if _, err := ioctlVal(d.fd, ioctlDMAReleasePost, s.sno); err != nil {
		return fmt.Errorf("dma post stream %d: %w", s.sno, driverError(err))
	}
	return nil
}

// WaitStream waits up to the poll interval for completed buffers of one
// stream and returns one payload each.
func (d *Device) WaitStream(ctx context.Context, dir stream.Direction, ch int) ([]event.Payload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s, err := d.lookup(dir, ch)
	if err != nil {
		return nil, err
	}
	param := ctlParam(uint32(d.cfg.PollInterval/time.Millisecond), s.sno)

	var n int
	var payloads []event.Payload
	if s.oob == nil {
		req := ioctlDMAWait
		if dir == stream.TX {
			req = ioctlDMAAlloc
		}
		n, err = ioctlVal(d.fd, req, param)
		if err == nil {
			payloads = make([]event.Payload, n)
		}
	} else {
		req := ioctlDMAWaitOOB
		if dir == stream.TX {
			req = ioctlDMAAllocOOB
		}
		w := waitOOB{
			streamTimeout: param,
			oobLength:     uint32(len(s.oob)),
			oobData:       uintptr(unsafe.Pointer(&s.oob[0])),
		}
		n, err = ioctlPtr(d.fd, req, unsafe.Pointer(&w))
		if err == nil {
			if int(w.oobLength) < n*oobRecordSize {
				pkg.LogWarn(pkg.ComponentPCIe, "short oob", "stream", s.sno,
					"buffers", n, "bytes", w.oobLength)
			}
			payloads = decodeOOB(s.oob[:w.oobLength], n)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("dma wait stream %d: %w", s.sno, driverError(err))
	}

	if dir == stream.TX {
		d.mu.Lock()
		skip := min(s.prime, len(payloads))
		s.prime -= skip
		d.mu.Unlock()
		payloads = payloads[skip:]
	}
	if len(payloads) == 0 {
		return nil, pkg.ErrTimeout
	}
	return payloads, nil
}

// ReadReg reads a 32-bit device register.
func (d *Device) ReadReg(addr uint32) (uint32, error) {
	r := hwreg32{addr: addr}
	if _, err := ioctlPtr(d.fd, ioctlRegRead32, unsafe.Pointer(&r)); err != nil {
		return 0, fmt.Errorf("read register %#x: %w", addr, driverError(err))
	}
	return r.value, nil
}

// WriteReg writes a 32-bit device register.
func (d *Device) WriteReg(addr, value uint32) error {
	r := hwreg32{addr: addr, value: value}
	if _, err := ioctlPtr(d.fd, ioctlRegWrite32, unsafe.Pointer(&r)); err != nil {
		return fmt.Errorf("write register %#x: %w", addr, driverError(err))
	}
	return nil
}

// WaitEvent blocks until interrupt irq fires, up to the poll interval per
// kernel call, or ctx ends.
func (d *Device) WaitEvent(ctx context.Context, irq uint32) error {
	param := ctlParam(uint32(d.cfg.PollInterval/time.Millisecond), irq)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := ioctlVal(d.fd, ioctlWaitEvent, param)
		if err == nil {
			return nil
		}
		if err = driverError(err); !pkg.IsRecoverable(err) {
			return fmt.Errorf("wait event %d: %w", irq, err)
		}
	}
}

// Close unconfigures remaining streams and closes the node.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	streams := d.streams
	d.streams = nil
	d.mu.Unlock()

	for _, s := range streams {
		if _, err := ioctlVal(d.fd, ioctlDMAUnconf, s.sno); err != nil {
			pkg.LogWarn(pkg.ComponentPCIe, "unconfigure on close", "stream", s.sno, "error", err)
		}
	}
	if err := unix.Close(d.fd); err != nil {
		return fmt.Errorf("close %s: %w", d.path, err)
	}
	return nil
}
