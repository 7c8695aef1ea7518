package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mit-pdos/go-raidframe/common"
	"github.com/mit-pdos/go-raidframe/disk"
	"github.com/mit-pdos/go-raidframe/engine"
)

func (a *app) rebuildCmd() *cobra.Command {
	var dev int
	var replacement string
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Take a member out of service and regenerate it onto a replacement disk",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dev < 0 || dev >= len(a.cfg.Array.Disks) {
				return fmt.Errorf("no disk %d in a %d-disk array", dev, len(a.cfg.Array.Disks))
			}
			dc := a.cfg.Array.Disks[dev]
			d, err := disk.NewFileDisk(replacement, dc.Size)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			arr, err := a.open(ctx, engine.Hooks{})
			if err != nil {
				d.Close()
				return err
			}
			arr.MarkFailed(common.DevId(dev))
			rerr := arr.Rebuild(ctx, common.DevId(dev), d)
			if err := arr.Close(ctx); rerr == nil {
				rerr = err
			}
			if rerr != nil {
				return rerr
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rebuilt disk %d onto %s\n", dev, replacement)
			return nil
		},
	}
	cmd.Flags().IntVar(&dev, "disk", -1, "member to rebuild")
	cmd.Flags().StringVar(&replacement, "replacement", "", "path of the replacement disk")
	cmd.MarkFlagRequired("disk")
	cmd.MarkFlagRequired("replacement")
	return cmd
}
