//go:build profile

package prof

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime"
	rpprof "runtime/pprof"
	"sync"
	"time"

	"github.com/ardnew/softsdr/pkg"
)

// ErrActive is returned by Start while another session runs.
var ErrActive = errors.New("profiling session already active")

var (
	activeMu sync.Mutex
	active   bool
)

// Session is a running profile capture.
type Session struct {
	opts    Options
	cpuFile *os.File
	server  *http.Server
	addr    string
	once    sync.Once
	err     error
}

// Start begins a profiling session.
func Start(opts Options) (*Session, error) {
	activeMu.Lock()
	defer activeMu.Unlock()
	if active {
		return nil, ErrActive
	}

	s := &Session{opts: opts}
	if opts.CPU != "" {
		f, err := os.Create(opts.CPU)
		if err != nil {
			return nil, err
		}
		if err := rpprof.StartCPUProfile(f); err != nil {
			f.Close()
			return nil, err
		}
		s.cpuFile = f
	}
	if opts.Block != "" {
		runtime.SetBlockProfileRate(1)
	}
	if opts.Mutex != "" {
		runtime.SetMutexProfileFraction(1)
	}
	if opts.Listen != "" {
		if err := s.serve(opts.Listen); err != nil {
			s.stopCPU()
			s.resetRates()
			return nil, err
		}
	}
	active = true
	pkg.LogInfo(pkg.ComponentStream, "profiling started", "cpu", opts.CPU, "listen", s.addr)
	return s, nil
}

func (s *Session) serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("pprof listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	s.addr = ln.Addr().String()
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			pkg.LogWarn(pkg.ComponentStream, "pprof server stopped", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound pprof listener address, empty without Listen.
func (s *Session) Addr() string { return s.addr }

// Stop ends CPU profiling, writes the snapshot profiles and shuts the
// listener down. Later calls return the first result.
func (s *Session) Stop() error {
	s.once.Do(func() {
		var errs []error
		errs = append(errs, s.stopCPU())
		for _, snap := range s.opts.snapshots() {
			errs = append(errs, write(snap.profile, snap.path))
		}
		s.resetRates()
		if s.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			errs = append(errs, s.server.Shutdown(ctx))
			cancel()
		}
		s.err = errors.Join(errs...)

		activeMu.Lock()
		active = false
		activeMu.Unlock()
	})
	return s.err
}

func (s *Session) stopCPU() error {
	if s.cpuFile == nil {
		return nil
	}
	rpprof.StopCPUProfile()
	err := s.cpuFile.Close()
	s.cpuFile = nil
	return err
}

func (s *Session) resetRates() {
	if s.opts.Block != "" {
		runtime.SetBlockProfileRate(0)
	}
	if s.opts.Mutex != "" {
		runtime.SetMutexProfileFraction(0)
	}
}

func write(profile Profile, path string) error {
	p := rpprof.Lookup(string(profile))
	if p == nil {
		return fmt.Errorf("%w: profile %q", pkg.ErrInvalidParameter, profile)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := p.WriteTo(f, 0); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
