// Package registry tracks the transport drivers available to the engine
// and the device instances opened through them.
//
// A driver turns a configuration section into a stream.Transport. Each open
// instance is identified by a UUID: the hardware identity when the device
// reports one, a random one otherwise.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ardnew/softsdr/config"
	"github.com/ardnew/softsdr/pkg"
	"github.com/ardnew/softsdr/stream"
)

// Handle is what a driver returns for one opened device.
type Handle struct {
	Transport stream.Transport
	// ID is the hardware identity, uuid.Nil when the device has none.
	ID uuid.UUID
	// Path names the device node, empty for virtual devices.
	Path string
	// Device is the driver-level device, for callers that need more than
	// the transport.
	Device any
	// Close tears down the transport and releases the device.
	Close func(ctx context.Context) error
}

// Driver opens devices of one transport kind.
type Driver interface {
	Name() string
	Open(ctx context.Context, cfg *config.Config) (Handle, error)
}

// Instance is one open device.
type Instance struct {
	ID     uuid.UUID
	Driver string
	Opened time.Time
	Handle

	once sync.Once
	err  error
}

func (i *Instance) close(ctx context.Context) error {
	i.once.Do(func() {
		if i.Handle.Close != nil {
			i.err = i.Handle.Close(ctx)
		}
	})
	return i.err
}

// OpenStream creates a stream on the instance from a stream section.
func (i *Instance) OpenStream(sc config.StreamConfig) (*stream.Stream, error) {
	dir, err := sc.Dir()
	if err != nil {
		return nil, err
	}
	format, err := stream.ParseSampleFormat(sc.Format)
	if err != nil {
		return nil, err
	}
	p, err := stream.FormatParams(dir, format, sc.Channels, sc.Symbols, sc.Slots, sc.Flags())
	if err != nil {
		return nil, err
	}
	p.Channel = sc.Channel
	s, err := stream.Initialize(i.Transport, p)
	if err != nil {
		return nil, err
	}
	pkg.LogInfo(pkg.ComponentRegistry, "stream opened", "instance", i.ID,
		"direction", dir, "channel", p.Channel, "blockSize", s.BlockSize(), "slots", sc.Slots)
	return s, nil
}

// Registry holds drivers and open instances.
type Registry struct {
	mu        sync.Mutex
	drivers   map[string]Driver
	instances map[uuid.UUID]*Instance
	closed    bool
}

// New creates a registry with the given drivers.
func New(drivers ...Driver) (*Registry, error) {
	r := &Registry{
		drivers:   make(map[string]Driver),
		instances: make(map[uuid.UUID]*Instance),
	}
	for _, d := range drivers {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a driver. Names are unique.
func (r *Registry) Register(d Driver) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return pkg.ErrClosed
	}
	name := d.Name()
	if _, ok := r.drivers[name]; ok {
		return fmt.Errorf("%w: driver %q already registered", pkg.ErrBusy, name)
	}
	r.drivers[name] = d
	pkg.LogDebug(pkg.ComponentRegistry, "driver registered", "driver", name)
	return nil
}

// Drivers returns the registered driver names in order.
func (r *Registry) Drivers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.drivers))
	for n := range r.drivers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Open opens a device with the named driver, or with
// cfg.Stream.Transport when name is empty.
func (r *Registry) Open(ctx context.Context, name string, cfg *config.Config) (*Instance, error) {
	if name == "" {
		name = cfg.Stream.Transport
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, pkg.ErrClosed
	}
	d, ok := r.drivers[name]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no driver %q", pkg.ErrNotSupported, name)
	}

	h, err := d.Open(ctx, cfg)
	if err != nil {
		pkg.LogWarn(pkg.ComponentRegistry, "open failed", "driver", name, "error", err)
		return nil, err
	}
	inst := &Instance{ID: h.ID, Driver: name, Opened: time.Now(), Handle: h}

	r.mu.Lock()
	if inst.ID == uuid.Nil {
		inst.ID = uuid.New()
	}
	_, dup := r.instances[inst.ID]
	if r.closed || dup {
		closed := r.closed
		r.mu.Unlock()
		_ = inst.close(ctx)
		if closed {
			return nil, pkg.ErrClosed
		}
		return nil, fmt.Errorf("%w: instance %s already open", pkg.ErrBusy, inst.ID)
	}
	r.instances[inst.ID] = inst
	r.mu.Unlock()

	pkg.LogInfo(pkg.ComponentRegistry, "instance opened", "driver", name,
		"instance", inst.ID, "path", inst.Path)
	return inst, nil
}

// Lookup returns the open instance with the given id.
func (r *Registry) Lookup(id uuid.UUID) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: no instance %s", pkg.ErrInvalidParameter, id)
	}
	return inst, nil
}

// Instances returns the open instances, oldest first.
func (r *Registry) Instances() []*Instance {
	r.mu.Lock()
	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	r.mu.Unlock()
	sort.Slice(out, func(a, b int) bool { return out[a].Opened.Before(out[b].Opened) })
	return out
}

// Close closes one instance.
func (r *Registry) Close(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	inst, ok := r.instances[id]
	delete(r.instances, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no instance %s", pkg.ErrInvalidParameter, id)
	}
	pkg.LogInfo(pkg.ComponentRegistry, "instance closed", "instance", id)
	return inst.close(ctx)
}

// Shutdown closes every instance and refuses further opens. Errors from
// individual instances are joined.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	insts := make([]*Instance, 0, len(r.instances))
	for id, inst := range r.instances {
		insts = append(insts, inst)
		delete(r.instances, id)
	}
	r.mu.Unlock()

	var errs []error
	for _, inst := range insts {
		if err := inst.close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("instance %s: %w", inst.ID, err))
		}
	}
	pkg.LogDebug(pkg.ComponentRegistry, "registry shut down", "instances", len(insts))
	return errors.Join(errs...)
}
