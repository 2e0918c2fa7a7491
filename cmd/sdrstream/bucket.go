package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ardnew/softsdr/pkg"
	"github.com/ardnew/softsdr/registry"
	"github.com/ardnew/softsdr/ring"
	"github.com/ardnew/softsdr/transport/pcie"
)

type bucketOptions struct {
	blocks   int
	controls int
}

func newBucketCmd(root *rootOptions) *cobra.Command {
	opts := &bucketOptions{}
	cmd := &cobra.Command{
		Use:   "bucket",
		Short: "Drive receive completions through a simulated PCIe event bucket",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = root.run(func(cmd *cobra.Command, _ []string) error {
		return runBucket(cmd, root, opts)
	})
	cmd.Flags().IntVarP(&opts.blocks, "blocks", "n", 256, "number of blocks the device produces")
	cmd.Flags().IntVar(&opts.controls, "controls", 4, "control events raised alongside the data")
	return cmd
}

func runBucket(cmd *cobra.Command, root *rootOptions, opts *bucketOptions) error {
	ctx := cmd.Context()
	cfg := *root.cfg
	cfg.Stream.Transport = "pcie"
	cfg.Stream.Direction = "rx"
	cfg.PCIe.Device = registry.SimDevicePath

	inst, err := root.reg.Open(ctx, "pcie", &cfg)
	if err != nil {
		return err
	}
	dev, ok := inst.Device.(*pcie.SimDevice)
	if !ok {
		return fmt.Errorf("%w: %T is not a simulated device", pkg.ErrNotSupported, inst.Device)
	}
	tr, ok := inst.Transport.(*pcie.Transport)
	if !ok {
		return fmt.Errorf("%w: %T is not a DMA transport", pkg.ErrNotSupported, inst.Transport)
	}

	rx, err := inst.OpenStream(cfg.Stream)
	if err != nil {
		return err
	}
	defer rx.Deinitialize(context.WithoutCancel(ctx))

	timeout := cfg.Stream.Timeout()
	block := make([]byte, rx.BlockSize())
	overruns := 0
	for i := 0; i < opts.blocks; i++ {
		fillBlock(block, uint64(i))
		err := dev.Produce(0, block, ring.OOB{Timestamp: int64(i) * int64(rx.BlockSize()), Bursts: 1})
		if errors.Is(err, pkg.ErrOverrun) {
			overruns++
		} else if err != nil {
			return err
		}
		if i < opts.controls {
			if err := dev.RaiseControl(uint32(i)); err != nil {
				return err
			}
		}

		buf, err := rx.RecvWait(ctx, timeout)
		if err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}
		if err := rx.RecvRelease(buf); err != nil {
			return err
		}
	}

	w := cmd.OutOrStdout()
	b := tr.Bucket()
	fmt.Fprintf(w, "bucket: decoded=%d skipped=%d position=%d acks=%d\n",
		b.Decoded(), b.Skipped(), b.Position(), len(dev.Acks()))
	if sig := tr.Control(); sig != nil {
		fmt.Fprintf(w, "control: pending=%d dropped=%d\n", sig.Pending(), sig.Dropped())
	}
	fmt.Fprintf(w, "device: overruns=%d\n", overruns)
	printStats(w, "rx", rx.Stats())
	return nil
}
