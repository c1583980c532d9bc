// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/toeirei/stagehand/internal/drift"
	"github.com/toeirei/stagehand/internal/i18n"
	"github.com/toeirei/stagehand/internal/model"
)

func newDriftCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Compare declared state with what hosts actually run",
	}

	check := &cobra.Command{
		Use:   "check <server-id>",
		Short: "Check one server against every configuration declared for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer closeWithWarning("app", a)

			records, err := a.drift.CheckServerDrift(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printDriftRecords(cmd.OutOrStdout(), records)
		},
	}

	scan := &cobra.Command{
		Use:   "scan",
		Short: "Scan every server of one organization, or of all organizations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer closeWithWarning("app", a)

			var reports []drift.ScanReport
			if org, _ := cmd.Flags().GetString("org"); org != "" {
				r, err := a.drift.RunFullDriftScan(cmd.Context(), org)
				if err != nil {
					return err
				}
				reports = append(reports, r)
			} else {
				reports, err = a.drift.ScanAllTenants(cmd.Context())
				if err != nil {
					return err
				}
			}
			for _, r := range reports {
				fmt.Fprintln(cmd.OutOrStdout(), i18n.Tf("cli.drift_scan_done", r.OrganizationID, r.Servers, r.Compliant, r.Drifted, r.Failed))
			}
			return nil
		},
	}
	scan.Flags().String("org", "", "Organization id (all organizations when empty)")

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the latest drift records of an organization",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, _, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer closeWithWarning("store", store)
			org, _ := cmd.Flags().GetString("org")
			records, err := store.ListDriftRecordsByOrg(cmd.Context(), org)
			if err != nil {
				return err
			}
			return printDriftRecords(cmd.OutOrStdout(), records)
		},
	}
	show.Flags().String("org", "", "Organization id")
	_ = show.MarkFlagRequired("org")

	cmd.AddCommand(check, scan, show)
	return cmd
}

func printDriftRecords(out io.Writer, records []model.DriftRecord) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERVER\tCONFIGURATION\tSTATUS\tCHECKED\tDETAIL")
	for _, r := range records {
		checked := r.LastChecked.Format("2006-01-02 15:04:05")
		switch {
		case r.Status == model.DriftCheckFailed:
			fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\n", r.ServerID, r.ConfigurationID, r.Status, checked, r.Error)
		case len(r.Details) == 0:
			fmt.Fprintf(w, "%d\t%d\t%s\t%s\t-\n", r.ServerID, r.ConfigurationID, r.Status, checked)
		default:
			for i, d := range r.Details {
				if i == 0 {
					fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\n", r.ServerID, r.ConfigurationID, r.Status, checked, d)
					continue
				}
				fmt.Fprintf(w, "\t\t\t\t%s\n", d)
			}
		}
	}
	return w.Flush()
}
