package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ardnew/softsdr/config"
	"github.com/ardnew/softsdr/pkg/prof"
	"github.com/ardnew/softsdr/registry"
	"github.com/ardnew/softsdr/stream"
)

type rootOptions struct {
	configFile string
	logLevel   string
	logFormat  string
	logFile    string
	profiles   prof.Options

	cfg     *config.Config
	logs    io.Closer
	reg     *registry.Registry
	session *prof.Session
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:          "sdrstream",
		Short:        "Zero-copy sample streaming over USB, PCIe or a simulated bus",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.setup(cmd)
		},
	}

	f := cmd.PersistentFlags()
	f.StringVar(&opts.configFile, "config", "", "YAML config file (default $"+config.EnvFile+")")
	f.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	f.StringVar(&opts.logFormat, "log-format", "", "log format: text or json")
	f.StringVar(&opts.logFile, "log-file", "", "write rotated logs to this file")
	f.StringVar(&opts.profiles.CPU, "cpuprofile", "", "write a CPU profile to this file")
	f.StringVar(&opts.profiles.Heap, "memprofile", "", "write a heap profile to this file on exit")
	f.StringVar(&opts.profiles.Block, "blockprofile", "", "write a blocking profile to this file on exit")
	f.StringVar(&opts.profiles.Listen, "pprof-listen", "", "serve /debug/pprof/ on this address")

	cmd.AddCommand(
		newLoopbackCmd(opts),
		newBucketCmd(opts),
		newCaptureCmd(opts),
		newConfigCmd(opts),
		newDevicesCmd(opts),
	)
	return cmd
}

func (o *rootOptions) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Log.Format = o.logFormat
	}
	if o.logFile != "" {
		cfg.Log.File = o.logFile
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logs, err := cfg.Log.Apply(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	session, err := prof.Start(o.profiles)
	if err != nil {
		_ = logs.Close()
		return err
	}
	reg, err := registry.New(registry.Builtin()...)
	if err != nil {
		_ = session.Stop()
		_ = logs.Close()
		return err
	}
	o.cfg, o.logs, o.reg, o.session = cfg, logs, reg, session
	return nil
}

// run wraps a subcommand body so the registry, profiles and log file are
// released whether or not it succeeds.
func (o *rootOptions) run(fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := fn(cmd, args)
		return errors.Join(err, o.teardown(cmd))
	}
}

func (o *rootOptions) teardown(cmd *cobra.Command) error {
	var errs []error
	if o.reg != nil {
		errs = append(errs, o.reg.Shutdown(cmd.Context()))
		o.reg = nil
	}
	if o.session != nil {
		errs = append(errs, o.session.Stop())
		o.session = nil
	}
	if o.logs != nil {
		errs = append(errs, o.logs.Close())
		o.logs = nil
	}
	return errors.Join(errs...)
}

func printStats(w io.Writer, name string, st stream.Stats) {
	fmt.Fprintf(w, "%s: completed=%d dropped=%d discarded=%d faults=%d\n",
		name, st.Completed, st.Dropped, st.Discarded, st.Faults)
	fmt.Fprintf(w, "%s: slots available=%d posted=%d held=%d\n",
		name, st.Available, st.Posted, st.Held)
	if st.WaitCount > 0 {
		fmt.Fprintf(w, "%s: wait n=%d p50=%s p99=%s max=%s\n",
			name, st.WaitCount, st.WaitP50, st.WaitP99, st.WaitMax)
	}
}
