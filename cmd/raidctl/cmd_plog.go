package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mit-pdos/go-raidframe/array"
	"github.com/mit-pdos/go-raidframe/engine"
	"github.com/mit-pdos/go-raidframe/plog"
)

func (a *app) plogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plog",
		Short: "Inspect and replay the parity log",
	}
	cmd.AddCommand(a.plogDumpCmd(), a.plogResyncCmd())
	return cmd
}

func (a *app) plogDumpCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "List the stripes with pending parity changes, most urgent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := array.OpenStore(a.cfg.ParityLog)
			if err != nil {
				return err
			}
			l, err := plog.Open(store)
			if err != nil {
				return errors.Join(err, store.Close())
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "RU\tPRIORITY\tOP\tREGION\tRECORDS")
			for _, e := range l.Pending() {
				fmt.Fprintf(w, "%d\t%d\t%v\t%v\t%d\n", e.RU, e.Priority, e.Op, e.Region, len(e.Contributions))
				if verbose {
					for _, r := range e.Contributions {
						fmt.Fprintf(w, "\t\t\t%v\t\n", r)
					}
				}
			}
			if err := w.Flush(); err != nil {
				return errors.Join(err, l.Shutdown())
			}
			return l.Shutdown()
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "list every live record")
	return cmd
}

func (a *app) plogResyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resync",
		Short: "Recompute parity for every pending stripe and retire its records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			arr, err := array.Open(ctx, a.cfg, a.logger, engine.Hooks{})
			if err != nil {
				return err
			}
			n, rerr := arr.Resync(ctx)
			if err := arr.Close(ctx); rerr == nil {
				rerr = err
			}
			if rerr != nil {
				return rerr
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resynced %d stripes\n", n)
			return nil
		},
	}
}
