// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/toeirei/stagehand/internal/i18n"
	"github.com/toeirei/stagehand/internal/probe"
)

func newProbeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe <server-id | user@host[:port]>",
		Short: "Check that a host accepts an SSH session and print its facts",
		Long: `Opens an authenticated SSH session and runs an identification command.

A numeric argument probes a registered server with its stored credential.
Anything else is treated as an ad-hoc address; authentication then uses
--key, --ask-password or the local SSH agent. Host keys are trusted on first
contact and pinned afterwards.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer closeWithWarning("app", a)

			target, err := probeTarget(cmd, a, args[0])
			if err != nil {
				return err
			}
			defer target.PrivateKey.Zero()

			if ask, _ := cmd.Flags().GetBool("ask-password"); ask {
				pw, err := readPassword(cmd, "Password: ")
				if err != nil {
					return err
				}
				target.Password = pw.Reveal()
				pw.Zero()
			}

			res := a.prober.Probe(cmd.Context(), target)
			if !res.Success {
				fmt.Fprintln(cmd.OutOrStdout(), i18n.Tf("cli.probe_failed", target.Addr(), res.Attempts, res.Error))
				return res.Err
			}
			fmt.Fprintln(cmd.OutOrStdout(), i18n.Tf("cli.probe_ok", target.Addr(), res.Attempts, res.Elapsed.Round(time.Millisecond), res.Facts))
			return nil
		},
	}
	cmd.Flags().String("key", "", "Private key file for ad-hoc targets")
	cmd.Flags().Bool("ask-password", false, "Prompt for a password")
	return cmd
}

func probeTarget(cmd *cobra.Command, a *app, arg string) (probe.Target, error) {
	if id, err := parseID(arg); err == nil {
		srv, err := a.store.GetServer(cmd.Context(), id)
		if err != nil {
			return probe.Target{}, err
		}
		t := probe.Target{Host: srv.Address, Port: srv.Port, User: srv.Username}
		if srv.CredentialID != nil {
			key, _, err := a.vault.DecryptCredential(cmd.Context(), *srv.CredentialID)
			if err != nil {
				return t, err
			}
			t.PrivateKey = key
		}
		return t, nil
	}

	user, hostport := "root", arg
	if i := strings.LastIndexByte(arg, '@'); i >= 0 {
		user, hostport = arg[:i], arg[i+1:]
	}
	host, port, err := probe.ParseHostPort(hostport)
	if err != nil {
		return probe.Target{}, err
	}
	t := probe.Target{Host: host, Port: port, User: user}
	if path, _ := cmd.Flags().GetString("key"); path != "" {
		key, err := readKeyMaterial(cmd, path)
		if err != nil {
			return t, err
		}
		t.PrivateKey = key
	}
	return t, nil
}
