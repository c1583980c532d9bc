// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/toeirei/stagehand/internal/i18n"
	"github.com/toeirei/stagehand/internal/model"
	"github.com/toeirei/stagehand/internal/orchestrator"
)

func newDeployCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy <configuration-id> <target>",
		Short: "Run a configuration against a server or group",
		Long: `Creates a deployment run and executes it in the foreground.

The target is "server:<id>", "group:<name>" or a bare server id. Progress
lines are printed as they are appended to the run log. Ctrl-C cancels the run
and terminates the executor.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgID, err := parseID(args[0])
			if err != nil {
				return err
			}
			target, err := model.ParseTargetRef(args[1])
			if err != nil {
				return err
			}
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer closeWithWarning("app", a)

			org, _ := cmd.Flags().GetString("org")
			name, _ := cmd.Flags().GetString("name")
			run, err := a.orch.CreateRun(cmd.Context(), orchestrator.RunRequest{
				OrganizationID:  org,
				Name:            name,
				ConfigurationID: cfgID,
				Target:          target,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), i18n.Tf("cli.run_created", run.ID, run.Version))
			return executeRun(cmd, a, run.ID)
		},
	}
	cmd.Flags().String("org", "", "Organization id")
	cmd.Flags().String("name", "", "Run name")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}

func newRedeployCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "redeploy <run-id>",
		Short: "Re-run a finished run as the next version of its lineage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer closeWithWarning("app", a)

			run, err := a.orch.Redeploy(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), i18n.Tf("cli.run_created", run.ID, run.Version))
			return executeRun(cmd, a, run.ID)
		},
	}
}

// executeRun runs a pending run in the foreground and turns SIGINT/SIGTERM
// into an orchestrator cancellation.
func executeRun(cmd *cobra.Command, a *app, runID string) error {
	sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-sigCtx.Done():
			a.log.Warn(i18n.Tf("cli.run_interrupt", runID))
			a.orch.Cancel(runID)
		case <-done:
		}
	}()

	out := cmd.OutOrStdout()
	// The run itself is not bound to sigCtx: cancellation goes through the
	// registry so the run ends as cancelled rather than failed.
	err := a.orch.Execute(context.WithoutCancel(cmd.Context()), runID, func(_, line string) {
		fmt.Fprintln(out, line)
	})

	run, getErr := a.store.GetRun(context.WithoutCancel(cmd.Context()), runID)
	if getErr == nil {
		fmt.Fprintln(out, i18n.Tf("cli.run_finished", run.ID, run.Status))
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect deployment runs",
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List the runs of an organization",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, _, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer closeWithWarning("store", store)
			org, _ := cmd.Flags().GetString("org")
			runs, err := store.ListRunsByOrg(cmd.Context(), org)
			if err != nil {
				return err
			}
			return printRuns(cmd.OutOrStdout(), runs)
		},
	}
	list.Flags().String("org", "", "Organization id")
	_ = list.MarkFlagRequired("org")

	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Print a run and its log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer closeWithWarning("store", store)
			run, err := store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := printRuns(cmd.OutOrStdout(), []model.DeploymentRun{*run}); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout())
			fmt.Fprint(cmd.OutOrStdout(), run.Logs)
			return nil
		},
	}
	cmd.AddCommand(list, show)
	return cmd
}

func printRuns(out io.Writer, runs []model.DeploymentRun) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tVERSION\tSTATUS\tTARGET\tCONFIGURATION\tCREATED")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d\t%s\n", r.ID, r.Version, r.Status, r.Target, r.ConfigurationID, r.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}
