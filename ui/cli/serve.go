// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/toeirei/stagehand/internal/drift"
	"github.com/toeirei/stagehand/internal/i18n"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the background services until interrupted",
		Long: `Starts the periodic drift scheduler, the sweeper that removes orphaned key
files and, when metrics.addr is set, a Prometheus /metrics endpoint. On
SIGINT or SIGTERM every live executor process is cancelled before exit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer closeWithWarning("app", a)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cmd, a)
		},
	}
	cmd.Flags().String("metrics.addr", "", "Listen address for /metrics (disabled when empty)")
	cmd.Flags().Duration("drift.interval", drift.DefaultInterval, "Drift scan interval")
	return cmd
}

func serve(ctx context.Context, cmd *cobra.Command, a *app) error {
	a.orch.StartKeySweeper(ctx)

	sched := drift.NewScheduler(a.drift, a.cfg.Drift.Interval, a.log)
	if a.cfg.Drift.Enabled {
		sched.Start(ctx)
	}

	var srv *http.Server
	errCh := make(chan error, 1)
	if a.cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok\n"))
		})
		srv = &http.Server{Addr: a.cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			a.log.Info("metrics listening", "addr", a.cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	fmt.Fprintln(cmd.OutOrStdout(), i18n.Tf("cli.serve_started", a.cfg.Drift.Interval))

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	sched.Stop()
	n := a.orch.Shutdown()
	fmt.Fprintln(cmd.OutOrStdout(), i18n.Tf("cli.serve_stopping", n))
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Warn("metrics server shutdown", "err", err)
		}
	}
	return runErr
}
