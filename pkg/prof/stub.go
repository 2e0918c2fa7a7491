//go:build !profile

package prof

import (
	"fmt"

	"github.com/ardnew/softsdr/pkg"
)

// Session is an inert profile capture.
type Session struct{}

// Start returns an inert session for empty options and ErrNotSupported
// otherwise.
func Start(opts Options) (*Session, error) {
	if !opts.Empty() {
		return nil, fmt.Errorf("%w: built without the profile tag", pkg.ErrNotSupported)
	}
	return &Session{}, nil
}

// Addr returns "".
func (*Session) Addr() string { return "" }

// Stop does nothing.
func (*Session) Stop() error { return nil }
