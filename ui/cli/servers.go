// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"github.com/toeirei/stagehand/internal/model"
)

func newServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Manage servers",
	}

	add := &cobra.Command{
		Use:   "add <address>",
		Short: "Register a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer closeWithWarning("store", store)

			srv := model.Server{Address: args[0]}
			srv.OrganizationID, _ = cmd.Flags().GetString("org")
			srv.Name, _ = cmd.Flags().GetString("name")
			srv.Port, _ = cmd.Flags().GetInt("port")
			srv.Username, _ = cmd.Flags().GetString("user")
			srv.Group, _ = cmd.Flags().GetString("group")
			if cmd.Flags().Changed("credential") {
				id, _ := cmd.Flags().GetInt64("credential")
				srv.CredentialID = &id
			}
			id, err := store.CreateServer(cmd.Context(), srv)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "server %d added\n", id)
			return nil
		},
	}
	add.Flags().String("org", "", "Organization id")
	add.Flags().String("name", "", "Inventory name")
	add.Flags().Int("port", 22, "SSH port")
	add.Flags().String("user", "root", "SSH user")
	add.Flags().String("group", "", "Group name used by group:<name> targets")
	add.Flags().Int64("credential", 0, "Credential id used to log in")
	_ = add.MarkFlagRequired("org")

	list := &cobra.Command{
		Use:   "list",
		Short: "List servers of an organization",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, _, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer closeWithWarning("store", store)
			org, _ := cmd.Flags().GetString("org")
			servers, err := store.ListServersByOrg(cmd.Context(), org)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tADDRESS\tGROUP\tCREDENTIAL")
			for _, s := range servers {
				cred := "-"
				if s.CredentialID != nil {
					cred = strconv.FormatInt(*s.CredentialID, 10)
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", s.ID, s.InventoryName(), s.String(), s.Group, cred)
			}
			return w.Flush()
		},
	}
	list.Flags().String("org", "", "Organization id")
	_ = list.MarkFlagRequired("org")

	setCred := &cobra.Command{
		Use:   "set-credential <server-id> [credential-id]",
		Short: "Attach a credential to a server, or detach it when no id is given",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			serverID, err := parseID(args[0])
			if err != nil {
				return err
			}
			var credID *int64
			if len(args) == 2 {
				id, err := parseID(args[1])
				if err != nil {
					return err
				}
				credID = &id
			}
			store, _, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer closeWithWarning("store", store)
			return store.SetServerCredential(cmd.Context(), serverID, credID)
		},
	}

	expect := &cobra.Command{
		Use:   "expect <server-id> <configuration-id> <state-file>",
		Short: "Declare the expected state a configuration leaves on a server",
		Long: `Reads a YAML or JSON document describing packages, services and ports:

  packages:
    nginx: {version: "1.18"}
  services:
    nginx: {state: running, enabled: true}
  ports:
    - {port: 80, protocol: tcp}`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			serverID, err := parseID(args[0])
			if err != nil {
				return err
			}
			cfgID, err := parseID(args[1])
			if err != nil {
				return err
			}
			expected, err := readExpectedState(args[2])
			if err != nil {
				return err
			}
			store, _, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer closeWithWarning("store", store)
			return store.PutExpectedState(cmd.Context(), model.ExpectedStateRecord{
				ServerID: serverID, ConfigurationID: cfgID, Expected: expected,
			})
		},
	}

	cmd.AddCommand(add, list, setCred, expect)
	return cmd
}

// readExpectedState accepts YAML or JSON. The model carries json tags, so
// YAML is converted first.
func readExpectedState(path string) (model.ExpectedState, error) {
	var st model.ExpectedState
	raw, err := os.ReadFile(path)
	if err != nil {
		return st, err
	}
	js, err := yaml.YAMLToJSON(raw)
	if err != nil {
		return st, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := json.Unmarshal(js, &st); err != nil {
		return st, fmt.Errorf("decode %s: %w", path, err)
	}
	return st, nil
}

func newConfigurationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "configuration",
		Aliases: []string{"playbook"},
		Short:   "Manage configurations",
	}
	add := &cobra.Command{
		Use:   "add <name> <file>",
		Short: "Store a configuration body (e.g. an Ansible playbook)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			store, _, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer closeWithWarning("store", store)
			org, _ := cmd.Flags().GetString("org")
			typ, _ := cmd.Flags().GetString("type")
			id, err := store.CreateConfiguration(cmd.Context(), model.Configuration{
				OrganizationID: org, Name: args[0], Type: typ, Body: string(body),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration %d added\n", id)
			return nil
		},
	}
	add.Flags().String("org", "", "Organization id")
	add.Flags().String("type", "ansible", "Configuration type")
	_ = add.MarkFlagRequired("org")
	cmd.AddCommand(add)
	return cmd
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid id %q", model.ErrInvalidArgument, s)
	}
	return id, nil
}
