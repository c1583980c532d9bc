// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	clog "github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/toeirei/stagehand/internal/config"
	"github.com/toeirei/stagehand/internal/db"
	"github.com/toeirei/stagehand/internal/drift"
	"github.com/toeirei/stagehand/internal/i18n"
	"github.com/toeirei/stagehand/internal/logging"
	"github.com/toeirei/stagehand/internal/orchestrator"
	"github.com/toeirei/stagehand/internal/probe"
	"github.com/toeirei/stagehand/internal/security"
	"github.com/toeirei/stagehand/internal/state"
	"github.com/toeirei/stagehand/internal/vault"
)

// app holds the components one command invocation works with.
type app struct {
	cfg      config.Config
	log      *clog.Logger
	store    *db.BunStore
	vault    *vault.Vault
	cache    *state.CredentialCache
	prober   *probe.Prober
	orch     *orchestrator.Orchestrator
	drift    *drift.Service
	registry *prometheus.Registry
}

// setup loads the configuration and builds every component. The caller
// must Close the returned app.
func setup(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.New(i18n.Tf("cli.config_invalid", err))
	}
	return newApp(cmd.Context(), cfg, logging.L)
}

func newApp(ctx context.Context, cfg config.Config, logger *clog.Logger) (*app, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := db.NewStoreFromDSN(ctx, cfg.Database.Type, cfg.Database.Dsn)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: logger, store: store, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	master := security.FromString(cfg.Vault.MasterSecret)
	a.vault, err = vault.New(master, store, logger)
	master.Zero()
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	a.cache = state.NewCredentialCache(cfg.Vault.CacheTTL)
	a.prober = probe.New(probe.Config{
		Timeout:  cfg.Probe.Timeout,
		Attempts: cfg.Probe.Attempts,
		Backoff:  cfg.Probe.Backoff,
	}, store, logger)

	fallback := security.FromString(cfg.Executor.FallbackPassword)
	a.orch, err = orchestrator.New(orchestrator.Config{
		Binary:           cfg.Executor.Binary,
		InstallCommand:   cfg.Executor.InstallCommand,
		WorkDir:          cfg.Executor.WorkDir,
		KeyDir:           cfg.Executor.KeyDir,
		FallbackPassword: fallback,
		TaskTimeout:      cfg.Executor.TaskTimeout,
		ConnectTimeout:   cfg.Probe.Timeout,
		SweepInterval:    cfg.Executor.SweepInterval,
		KeyMaxAge:        cfg.Executor.KeyMaxAge,
	}, store, a.vault,
		orchestrator.WithProber(a.prober),
		orchestrator.WithCache(a.cache),
		orchestrator.WithMetrics(orchestrator.NewMetrics(a.registry)),
		orchestrator.WithLogger(logger),
	)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	a.drift = drift.NewService(store, a.prober, a.vault,
		drift.WithFallbackPassword(fallback),
		drift.WithLogger(logger),
		drift.WithRegisterer(a.registry),
	)
	return a, nil
}

// Close releases the cached key material and the database handle.
func (a *app) Close() error {
	if a.cache != nil {
		a.cache.Clear()
	}
	return a.store.Close()
}

// closeWithWarning closes c at the end of a command; failures are logged.
func closeWithWarning(name string, c io.Closer) {
	if err := c.Close(); err != nil {
		logging.Warnf("closing %s: %v", name, err)
	}
}

// openStore is used by commands that need the database but not the vault.
func openStore(cmd *cobra.Command) (*db.BunStore, config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, cfg, err
	}
	store, err := db.NewStoreFromDSN(cmd.Context(), cfg.Database.Type, cfg.Database.Dsn)
	return store, cfg, err
}
