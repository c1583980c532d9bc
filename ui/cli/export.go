// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"
	"github.com/toeirei/stagehand/internal/db"
	"github.com/toeirei/stagehand/internal/i18n"
	"github.com/toeirei/stagehand/internal/model"
)

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export [output-file]",
		Short: "Write a compressed (zstd) JSON snapshot of the database",
		Long: `Dumps servers, credentials (still encrypted), configurations, runs, drift
records and known hosts into a single Zstandard-compressed JSON file.

'.zst' is appended to the name when missing. Without an argument the file is
named 'stagehand-export-YYYY-MM-DD.json.zst'.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outputFile := fmt.Sprintf("stagehand-export-%s.json.zst", time.Now().Format("2006-01-02"))
			if len(args) == 1 {
				outputFile = args[0]
				if !strings.HasSuffix(outputFile, ".zst") {
					outputFile += ".zst"
				}
			}
			store, _, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer closeWithWarning("store", store)

			snap, err := store.ExportSnapshot(cmd.Context())
			if err != nil {
				return err
			}
			if err := writeCompressedSnapshot(outputFile, snap); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), i18n.Tf("cli.export_done", outputFile))
			return nil
		},
	}
	return cmd
}

// writeCompressedSnapshot writes snap as zstd-compressed JSON.
func writeCompressedSnapshot(filename string, snap *model.Snapshot) (err error) {
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("could not create export file: %w", err)
	}
	defer func() {
		if cerr := file.Close(); err == nil {
			err = cerr
		}
	}()

	zw, err := zstd.NewWriter(file)
	if err != nil {
		return fmt.Errorf("could not create zstd writer: %w", err)
	}
	enc := json.NewEncoder(zw)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		_ = zw.Close()
		return fmt.Errorf("could not encode json to zstd writer: %w", err)
	}
	return zw.Close()
}

// readCompressedSnapshot is the inverse of writeCompressedSnapshot.
func readCompressedSnapshot(r io.Reader) (*model.Snapshot, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("could not create zstd reader: %w", err)
	}
	defer zr.Close()
	var snap model.Snapshot
	if err := json.NewDecoder(zr).Decode(&snap); err != nil {
		return nil, fmt.Errorf("could not decode json from zstd reader: %w", err)
	}
	return &snap, nil
}

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database administration",
	}
	maintain := &cobra.Command{
		Use:   "maintain",
		Short: "Run engine-specific maintenance (VACUUM, OPTIMIZE)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := db.RunDBMaintenance(cmd.Context(), cfg.Database.Type, cfg.Database.Dsn); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), i18n.T("cli.maintain_done"))
			return nil
		},
	}
	inspect := &cobra.Command{
		Use:   "inspect <export-file>",
		Short: "Summarize an export file without importing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()
			snap, err := readCompressedSnapshot(f)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "exported:       %s\n", snap.ExportedAt.Format(time.RFC3339))
			fmt.Fprintf(out, "schema:         %d\n", snap.SchemaVersion)
			fmt.Fprintf(out, "servers:        %d\n", len(snap.Servers))
			fmt.Fprintf(out, "credentials:    %d\n", len(snap.Credentials))
			fmt.Fprintf(out, "configurations: %d\n", len(snap.Configurations))
			fmt.Fprintf(out, "runs:           %d\n", len(snap.Runs))
			fmt.Fprintf(out, "drift records:  %d\n", len(snap.DriftRecords))
			fmt.Fprintf(out, "known hosts:    %d\n", len(snap.KnownHosts))
			return nil
		},
	}
	cmd.AddCommand(maintain, inspect)
	return cmd
}
