// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"errors"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/toeirei/stagehand/internal/i18n"
	"github.com/toeirei/stagehand/internal/model"
)

func newCredentialCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "credential",
		Aliases: []string{"cred"},
		Short:   "Manage encrypted SSH credentials",
	}

	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Encrypt and store a private key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			key, err := readKeyMaterial(cmd, path)
			if err != nil {
				return err
			}
			defer key.Zero()

			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer closeWithWarning("app", a)

			org, _ := cmd.Flags().GetString("org")
			id, err := a.vault.Store(cmd.Context(), org, args[0], key)
			if err != nil {
				return err
			}
			rec, err := a.store.GetCredential(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), i18n.Tf("cli.credential_stored", id, rec.Fingerprint))
			return nil
		},
	}
	add.Flags().String("org", "", "Organization id")
	add.Flags().StringP("file", "f", "", `Private key file ("-" reads stdin)`)
	_ = add.MarkFlagRequired("org")

	list := &cobra.Command{
		Use:   "list",
		Short: "List credentials of an organization without decrypting them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, _, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer closeWithWarning("store", store)
			org, _ := cmd.Flags().GetString("org")
			creds, err := store.ListCredentialsByOrg(cmd.Context(), org)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tFINGERPRINT\tFORMAT\tROTATED")
			for _, c := range creds {
				rotated := "-"
				if c.RotatedAt != nil {
					rotated = c.RotatedAt.Format("2006-01-02 15:04")
				}
				fmt.Fprintf(w, "%d\t%s\t%s\tv%d\t%s\n", c.ID, c.Name, c.Fingerprint, c.FormatVersion, rotated)
			}
			return w.Flush()
		},
	}
	list.Flags().String("org", "", "Organization id")
	_ = list.MarkFlagRequired("org")

	verify := &cobra.Command{
		Use:   "verify <credential-id>",
		Short: "Check that a credential decrypts to a usable private key",
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

			org, _ := cmd.Flags().GetString("org")
			if err := a.vault.ValidateIntegrity(cmd.Context(), id, org); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), i18n.Tf("cli.credential_valid", id))
			return nil
		},
	}
	verify.Flags().String("org", "", "Organization id")
	_ = verify.MarkFlagRequired("org")

	rotate := &cobra.Command{
		Use:   "rotate",
		Short: "Re-encrypt every credential of an organization under the current scheme",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer closeWithWarning("app", a)

			org, _ := cmd.Flags().GetString("org")
			report, err := a.vault.Rotate(cmd.Context(), org)
			if err != nil {
				return err
			}
			a.cache.Clear()

			fmt.Fprintln(cmd.OutOrStdout(), i18n.Tf("cli.rotate_done", len(report.Rotated), len(report.Failed)))
			ids := make([]int64, 0, len(report.Failed))
			for id := range report.Failed {
				ids = append(ids, id)
			}
			sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
			for _, id := range ids {
				fmt.Fprintf(cmd.OutOrStdout(), "  credential %d: %v\n", id, report.Failed[id])
			}
			if len(report.Failed) > 0 {
				return fmt.Errorf("%d credential(s) could not be rotated", len(report.Failed))
			}
			return nil
		},
	}
	rotate.Flags().String("org", "", "Organization id")
	_ = rotate.MarkFlagRequired("org")

	del := &cobra.Command{
		Use:   "delete <credential-id>",
		Short: "Delete a credential that no server references",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if yes, _ := cmd.Flags().GetBool("yes"); !yes && !confirm(cmd, fmt.Sprintf("delete credential %d?", id)) {
				return errors.New(i18n.T("cli.aborted"))
			}
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer closeWithWarning("app", a)

			if err := a.vault.Delete(cmd.Context(), id); err != nil {
				if errors.Is(err, model.ErrCredentialInUse) {
					return fmt.Errorf("%w: detach it with `stagehand server set-credential <server-id>` first", err)
				}
				return err
			}
			a.cache.Evict(id)
			fmt.Fprintln(cmd.OutOrStdout(), i18n.Tf("cli.credential_deleted", id))
			return nil
		},
	}
	del.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")

	cmd.AddCommand(add, list, verify, rotate, del)
	return cmd
}
