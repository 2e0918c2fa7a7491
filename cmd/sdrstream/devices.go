package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ardnew/softsdr/registry"
)

func newDevicesCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List USB devices and registered drivers",
		Args:  cobra.NoArgs,
		RunE: root.run(func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "drivers: %v\n", root.reg.Drivers())
			devs, err := registry.ScanUSB()
			if err != nil {
				return err
			}
			for _, d := range devs {
				fmt.Fprintf(w, "%s  %04x:%04x  %5s Mbit/s  interfaces %v\n",
					d.Node, d.VendorID, d.ProductID, d.Speed, d.Interfaces)
			}
			return nil
		}),
	}
}
