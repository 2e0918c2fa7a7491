//go:build linux

package usbfs

import (
	"encoding/binary"
	"errors"
	"sync"

	"golang.org/x/sys/unix"
)

const maxEpollEvents = 8

// poller waits on one device descriptor plus an eventfd used to wake the
// loop for shutdown.
type poller struct {
	epfd   int
	wakefd int
	devfd  int

	mu      sync.Mutex
	stopped bool
}

func newPoller(devfd int) (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	p := &poller{epfd: epfd, wakefd: wakefd, devfd: devfd}

	for _, reg := range []struct {
		fd     int
		events uint32
	}{
		{wakefd, unix.EPOLLIN},
		{devfd, unix.EPOLLOUT},
	} {
		ev := unix.EpollEvent{Events: reg.events, Fd: int32(reg.fd)}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, reg.fd, &ev); err != nil {
			unix.Close(wakefd)
			unix.Close(epfd)
			return nil, err
		}
	}
	return p, nil
}

// wake interrupts a blocked run loop.
func (p *poller) wake() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(p.wakefd, buf[:])
	return err
}

// stop makes run return after its current iteration.
func (p *poller) stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	_ = p.wake()
}

func (p *poller) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// run calls ready every time the device has reapable URBs, until stop.
// An error from ready or from epoll ends the loop.
func (p *poller) run(ready func() error) error {
	var events [maxEpollEvents]unix.EpollEvent
	for !p.isStopped() {
		n, err := unix.EpollWait(p.epfd, events[:], -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
		for i := 0; i < n; i++ {
			switch int(events[i].Fd) {
			case p.wakefd:
				var buf [8]byte
				_, _ = unix.Read(p.wakefd, buf[:])
			case p.devfd:
				if events[i].Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
					if err := ready(); err != nil {
						return err
					}
					return unix.ENODEV
				}
				if err := ready(); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (p *poller) close() error {
	return errors.Join(unix.Close(p.wakefd), unix.Close(p.epfd))
}
