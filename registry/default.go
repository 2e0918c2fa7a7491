package registry

import (
	"context"
	"sync"

	"github.com/ardnew/softsdr/pkg"
)

var (
	defaultMu  sync.Mutex
	defaultReg *Registry
)

// Init creates the process-wide registry with the given drivers, or with
// Builtin when none are given. It fails with ErrAlreadyRunning until
// Shutdown is called.
func Init(drivers ...Driver) error {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultReg != nil {
		return pkg.ErrAlreadyRunning
	}
	if len(drivers) == 0 {
		drivers = Builtin()
	}
	r, err := New(drivers...)
	if err != nil {
		return err
	}
	defaultReg = r
	return nil
}

// Default returns the registry created by Init.
func Default() (*Registry, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultReg == nil {
		return nil, pkg.ErrNotRunning
	}
	return defaultReg, nil
}

// Shutdown closes every instance of the process-wide registry and
// discards it.
func Shutdown(ctx context.Context) error {
	defaultMu.Lock()
	r := defaultReg
	defaultReg = nil
	defaultMu.Unlock()
	if r == nil {
		return pkg.ErrNotRunning
	}
	return r.Shutdown(ctx)
}
