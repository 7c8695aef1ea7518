package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mit-pdos/go-raidframe/array"
	"github.com/mit-pdos/go-raidframe/config"
	"github.com/mit-pdos/go-raidframe/engine"
)

// app is the state shared by every subcommand.
type app struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "raidctl",
		Short:         "Operate a RAID-1 or RAID-5 array built from I/O DAGs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(),
				&slog.HandlerOptions{Level: cfg.Log.SlogLevel()}))
			slog.SetDefault(a.logger)
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "raid.yaml", "array configuration file")

	root.AddCommand(
		a.initCmd(),
		a.writeCmd(),
		a.readCmd(),
		a.rebuildCmd(),
		a.checkCmd(),
		a.plogCmd(),
		a.serveMetricsCmd(),
	)
	return root
}

// open assembles the array and replays whatever the parity log still
// holds from an unclean shutdown.
func (a *app) open(ctx context.Context, hooks engine.Hooks) (*array.Array, error) {
	arr, err := array.Open(ctx, a.cfg, a.logger, hooks)
	if err != nil {
		return nil, fmt.Errorf("open array: %w", err)
	}
	n, err := arr.Resync(ctx)
	if err != nil {
		arr.Close(ctx)
		return nil, fmt.Errorf("resync: %w", err)
	}
	if n > 0 {
		a.logger.Info("resynced stripes from parity log", slog.Int("stripes", n))
	}
	return arr, nil
}

func (a *app) initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the member disks and parity log and report the geometry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			arr, err := a.open(ctx, engine.Hooks{})
			if err != nil {
				return err
			}
			g := arr.Geometry()
			fmt.Fprintf(cmd.OutOrStdout(), "%v: %d disks, stripe unit %d, %d stripes, capacity %d bytes\n",
				g.Level, g.NDisks, g.StripeUnit, g.NStripes(), g.Capacity())
			return arr.Close(ctx)
		},
	}
}

func (a *app) writeCmd() *cobra.Command {
	var off uint64
	var in string
	cmd := &cobra.Command{
		Use:   "write",
		Short: "Write a file into the array at a logical offset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(in)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			arr, err := a.open(ctx, engine.Hooks{})
			if err != nil {
				return err
			}
			werr := arr.Write(ctx, off, data)
			if err := arr.Close(ctx); werr == nil {
				werr = err
			}
			if werr != nil {
				return werr
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d bytes at %d\n", len(data), off)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&off, "offset", 0, "logical byte offset (sector aligned)")
	cmd.Flags().StringVar(&in, "in", "", "file to write")
	cmd.MarkFlagRequired("in")
	return cmd
}

func (a *app) readCmd() *cobra.Command {
	var off, length uint64
	var out string
	cmd := &cobra.Command{
		Use:   "read",
		Short: "Read a logical range of the array into a file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			arr, err := a.open(ctx, engine.Hooks{})
			if err != nil {
				return err
			}
			buf := make([]byte, length)
			rerr := arr.Read(ctx, off, buf)
			if err := arr.Close(ctx); rerr == nil {
				rerr = err
			}
			if rerr != nil {
				return rerr
			}
			if out == "" || out == "-" {
				_, err = cmd.OutOrStdout().Write(buf)
				return err
			}
			return os.WriteFile(out, buf, 0644)
		},
	}
	cmd.Flags().Uint64Var(&off, "offset", 0, "logical byte offset (sector aligned)")
	cmd.Flags().Uint64Var(&length, "length", 0, "bytes to read (sector aligned)")
	cmd.Flags().StringVar(&out, "out", "-", "output file, - for stdout")
	cmd.MarkFlagRequired("length")
	return cmd
}

func (a *app) checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Scrub the array and list stripes whose redundancy is inconsistent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			arr, err := a.open(ctx, engine.Hooks{})
			if err != nil {
				return err
			}
			bad, serr := arr.Scrub(ctx)
			if err := arr.Close(ctx); serr == nil {
				serr = err
			}
			if serr != nil {
				return serr
			}
			for _, s := range bad {
				fmt.Fprintf(cmd.OutOrStdout(), "stripe %d inconsistent\n", s)
			}
			if len(bad) > 0 {
				return fmt.Errorf("%d inconsistent stripes", len(bad))
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}
