//go:build !linux

package event

import "github.com/ardnew/softsdr/pkg"

// PollFD is only available on Linux.
type PollFD struct{}

// NewPollFD always fails with ErrNotSupported.
func NewPollFD() (*PollFD, error) { return nil, pkg.ErrNotSupported }

// FD returns -1.
func (*PollFD) FD() int { return -1 }

// Signal always fails with ErrNotSupported.
func (*PollFD) Signal(uint32) error { return pkg.ErrNotSupported }

// Consume does nothing.
func (*PollFD) Consume(uint32) {}

// Close does nothing.
func (*PollFD) Close() error { return nil }
