//go:build linux

package event

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ardnew/softsdr/pkg"
)

// PollFD is an eventfd in semaphore mode whose count mirrors a Signal.
// Each readiness of the descriptor corresponds to one pending post.
type PollFD struct {
	mu sync.Mutex
	fd int
}

// NewPollFD creates a non-blocking semaphore eventfd.
func NewPollFD() (*PollFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_SEMAPHORE|unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("create pollable handle: %w", err)
	}
	return &PollFD{fd: fd}, nil
}

// FD returns the descriptor for use with poll, select or epoll.
func (p *PollFD) FD() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fd
}

// Signal adds n to the eventfd counter.
func (p *PollFD) Signal(n uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fd < 0 {
		return pkg.ErrClosed
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], uint64(n))
	_, err := unix.Write(p.fd, buf[:])
	return err
}

// Consume decrements the counter by up to n without blocking.
func (p *PollFD) Consume(n uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var buf [8]byte
	for i := uint32(0); i < n && p.fd >= 0; i++ {
		if _, err := unix.Read(p.fd, buf[:]); err != nil {
			return
		}
	}
}

// Close closes the descriptor.
func (p *PollFD) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fd < 0 {
		return nil
	}
	err := unix.Close(p.fd)
	p.fd = -1
	return err
}
