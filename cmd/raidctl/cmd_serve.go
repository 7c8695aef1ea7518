package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/mit-pdos/go-raidframe/engine"
	"github.com/mit-pdos/go-raidframe/telemetry"
)

func (a *app) serveMetricsCmd() *cobra.Command {
	var scrubEvery time.Duration
	cmd := &cobra.Command{
		Use:   "serve-metrics",
		Short: "Keep the array open and export its metrics until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			tel, err := telemetry.Init(ctx, a.cfg.Telemetry, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tel.Shutdown(sctx); err != nil {
					a.logger.Error("telemetry shutdown", slog.Any("error", err))
				}
			}()

			arr, err := a.open(ctx, engine.Hooks{})
			if err != nil {
				return err
			}
			reg, err := arr.Selector().RegisterMetrics(otel.Meter("raidframe.mirror"))
			if err != nil {
				return errors.Join(err, arr.Close(context.Background()))
			}
			defer reg.Unregister()

			var srv *http.Server
			if tel.Handler != nil {
				mux := http.NewServeMux()
				mux.Handle("/metrics", tel.Handler)
				srv = &http.Server{Addr: a.cfg.Telemetry.Listen, Handler: mux}
				go func() {
					a.logger.Info("serving metrics", slog.String("addr", srv.Addr))
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.logger.Error("metrics server", slog.Any("error", err))
						stop()
					}
				}()
			}

			var tick <-chan time.Time
			if scrubEvery > 0 {
				t := time.NewTicker(scrubEvery)
				defer t.Stop()
				tick = t.C
			}
		loop:
			for {
				select {
				case <-ctx.Done():
					break loop
				case <-tick:
					bad, err := arr.Scrub(ctx)
					if err != nil && ctx.Err() == nil {
						a.logger.Error("scrub", slog.Any("error", err))
					}
					if len(bad) > 0 {
						a.logger.Warn("scrub found inconsistent stripes", slog.Int("count", len(bad)))
					}
				}
			}

			cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			var serr error
			if srv != nil {
				serr = srv.Shutdown(cctx)
			}
			if err := errors.Join(serr, arr.Close(cctx)); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&scrubEvery, "scrub-every", 0, "scrub the array at this interval (0 disables)")
	return cmd
}
