package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softsdr/pkg"
	"github.com/ardnew/softsdr/ring"
)

type loopbackOptions struct {
	blocks int
	period int64
}

func newLoopbackCmd(root *rootOptions) *cobra.Command {
	opts := &loopbackOptions{}
	cmd := &cobra.Command{
		Use:   "loopback",
		Short: "Send blocks through a simulated loopback bus and verify them",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = root.run(func(cmd *cobra.Command, _ []string) error {
		return runLoopback(cmd, root, opts)
	})
	cmd.Flags().IntVarP(&opts.blocks, "blocks", "n", 1024, "number of blocks to send")
	cmd.Flags().Int64Var(&opts.period, "period", 4096, "timestamp increment per block")
	return cmd
}

func runLoopback(cmd *cobra.Command, root *rootOptions, opts *loopbackOptions) error {
	ctx := cmd.Context()
	cfg := *root.cfg
	cfg.Stream.Transport = "sim"
	cfg.Sim.Loopback = true

	inst, err := root.reg.Open(ctx, "sim", &cfg)
	if err != nil {
		return err
	}

	sc := cfg.Stream
	sc.Direction = "rx"
	rx, err := inst.OpenStream(sc)
	if err != nil {
		return err
	}
	defer rx.Deinitialize(context.WithoutCancel(ctx))

	sc.Direction = "tx"
	tx, err := inst.OpenStream(sc)
	if err != nil {
		return err
	}
	defer tx.Deinitialize(context.WithoutCancel(ctx))

	timeout := cfg.Stream.Timeout()
	var received, mismatched int

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for i := 0; i < opts.blocks; i++ {
			buf, err := tx.SendGet(gctx, timeout)
			if err != nil {
				return fmt.Errorf("send %d: %w", i, err)
			}
			fillBlock(buf.Data, uint64(i))
			oob := ring.OOB{Timestamp: int64(i) * opts.period}
			if err := tx.SendCommit(buf, len(buf.Data), oob); err != nil {
				return fmt.Errorf("commit %d: %w", i, err)
			}
		}
		return nil
	})
	g.Go(func() error {
		want := make([]byte, rx.BlockSize())
		for received+int(rx.Stats().Dropped) < opts.blocks {
			buf, err := rx.RecvWait(gctx, timeout)
			if errors.Is(err, pkg.ErrTimeout) {
				return fmt.Errorf("receive after %d blocks: %w", received, err)
			}
			if err != nil {
				return err
			}
			seq := uint64(buf.OOB.Timestamp / opts.period)
			fillBlock(want, seq)
			if !bytes.Equal(buf.Data, want[:len(buf.Data)]) {
				mismatched++
			}
			received++
			if err := rx.RecvRelease(buf); err != nil {
				return err
			}
		}
		return nil
	})
	err = g.Wait()

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "loopback: sent=%d received=%d mismatched=%d\n", opts.blocks, received, mismatched)
	printStats(w, "tx", tx.Stats())
	printStats(w, "rx", rx.Stats())
	if err != nil {
		return err
	}
	if mismatched > 0 {
		return fmt.Errorf("%w: %d corrupted blocks", pkg.ErrProtocol, mismatched)
	}
	return nil
}

// fillBlock writes a sequence-tagged counting pattern.
func fillBlock(b []byte, seq uint64) {
	for i := range b {
		b[i] = byte(seq + uint64(i))
	}
	if len(b) >= 8 {
		binary.LittleEndian.PutUint64(b, seq)
	}
}
