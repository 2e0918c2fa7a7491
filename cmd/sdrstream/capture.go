package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

type captureOptions struct {
	blocks int
	output string
}

func newCaptureCmd(root *rootOptions) *cobra.Command {
	opts := &captureOptions{}
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Write received blocks from the configured device to a file",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = root.run(func(cmd *cobra.Command, _ []string) error {
		return runCapture(cmd, root, opts)
	})
	cmd.Flags().IntVarP(&opts.blocks, "blocks", "n", 1024, "number of blocks to capture")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "-", "output file, - for stdout")
	return cmd
}

func runCapture(cmd *cobra.Command, root *rootOptions, opts *captureOptions) error {
	ctx := cmd.Context()
	cfg := *root.cfg
	cfg.Stream.Direction = "rx"

	var out io.Writer = cmd.OutOrStdout()
	if opts.output != "-" {
		f, err := os.Create(opts.output)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	inst, err := root.reg.Open(ctx, "", &cfg)
	if err != nil {
		return err
	}
	rx, err := inst.OpenStream(cfg.Stream)
	if err != nil {
		return err
	}
	defer rx.Deinitialize(context.WithoutCancel(ctx))

	timeout := cfg.Stream.Timeout()
	var skipped uint64
	for i := 0; i < opts.blocks; i++ {
		buf, err := rx.RecvWait(ctx, timeout)
		if err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}
		skipped += uint64(buf.OOB.Skipped)
		_, werr := out.Write(buf.Data)
		if err := rx.RecvRelease(buf); err != nil {
			return err
		}
		if werr != nil {
			return werr
		}
	}

	printStats(cmd.ErrOrStderr(), "rx", rx.Stats())
	fmt.Fprintf(cmd.ErrOrStderr(), "rx: skipped=%d\n", skipped)
	return nil
}
