// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

// main.go sets up the root command, the persistent flags shared by every
// subcommand and the configuration loading that runs before them.

package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/toeirei/stagehand/internal/config"
	"github.com/toeirei/stagehand/internal/db"
	"github.com/toeirei/stagehand/internal/i18n"
	"github.com/toeirei/stagehand/internal/logging"
)

var (
	version   = "dev" // set by the linker
	gitCommit = "dev" // short commit SHA, set at build time
	buildDate = ""    // RFC3339, set at build time
)

// Execute runs the CLI. main handles the process exit code.
func Execute() error {
	return NewRootCmd().Execute()
}

// loadConfig resolves the configuration for cmd and configures logging and
// i18n from it. A missing config file is not an error.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, err := getConfigPathFromCli(cmd)
	if err != nil {
		return config.Config{}, err
	}
	cfg, err := config.LoadConfig[config.Config](cmd, config.Defaults(), path)
	if err != nil && !errors.As(err, &viper.ConfigFileNotFoundError{}) {
		return cfg, fmt.Errorf("error loading config: %w", err)
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		cfg.Log.Level = "debug"
	}
	logging.Configure(cfg.Log.Level, cfg.Log.Format)
	db.SetDebug(strings.EqualFold(cfg.Log.Level, "debug"))
	i18n.Init(cfg.Language)
	return cfg, nil
}

func getConfigPathFromCli(cmd *cobra.Command) (*string, error) {
	if !cmd.Flags().Changed("config") {
		return nil, nil
	}
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("could not read --config flag: %w", err)
	}
	if path == "" {
		return nil, nil
	}
	// Make sure the user-provided file exists to avoid silently running on defaults.
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file specified via --config flag not found or is not accessible: %w", err)
	}
	return &path, nil
}

// NewRootCmd builds a fresh command tree. Tests call it once per case.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stagehand",
		Short: "Stagehand runs configurations against fleets and reconciles drift.",
		Long: `Stagehand keeps encrypted SSH credentials for your servers, checks that
hosts are reachable, drives a configuration executor (ansible-playbook) against
them and periodically compares what is declared with what is actually running.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       compositeVersion(),
	}

	cmd.PersistentFlags().String("config", "", "config file")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")
	cmd.PersistentFlags().String("language", "en", `Output language ("en", "de")`)
	cmd.PersistentFlags().String("database.type", "sqlite", "Database type (sqlite, postgres, mysql)")
	cmd.PersistentFlags().String("database.dsn", "./stagehand.db", "Database connection string (DSN)")

	cmd.AddCommand(
		newVersionCmd(),
		newConfigCmd(),
		newServeCmd(),
		newServerCmd(),
		newConfigurationCmd(),
		newDeployCmd(),
		newRedeployCmd(),
		newRunsCmd(),
		newProbeCmd(),
		newCredentialCmd(),
		newDriftCmd(),
		newDBCmd(),
		newExportCmd(),
	)
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and persist configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the effective configuration to the user config path",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			system, _ := cmd.Flags().GetBool("system")
			path, err := config.WriteConfigFile(&cfg, system)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), i18n.Tf("cli.config_written", path))
			return nil
		},
	})
	cmd.Commands()[0].Flags().Bool("system", false, "Write to the system-wide config path instead")
	return cmd
}
