// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/toeirei/stagehand/internal/i18n"
	"github.com/toeirei/stagehand/internal/security"
	"golang.org/x/term"
)

// stdinIsTerminal is swapped by tests.
var stdinIsTerminal = func() bool { return term.IsTerminal(int(os.Stdin.Fd())) }

// readPassword prompts on stderr and reads without echo. Piped input is read
// up to the first newline.
func readPassword(cmd *cobra.Command, prompt string) (security.Secret, error) {
	fmt.Fprint(cmd.ErrOrStderr(), prompt)
	if stdinIsTerminal() {
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return nil, fmt.Errorf("read password: %w", err)
		}
		return security.FromBytes(b), nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read password: %w", err)
	}
	return security.FromString(strings.TrimRight(line, "\r\n")), nil
}

// readKeyMaterial reads a private key from path, or from stdin when path
// is "-" or empty. An interactive terminal is refused since keys span
// several lines.
func readKeyMaterial(cmd *cobra.Command, path string) (security.Secret, error) {
	if path != "" && path != "-" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return security.FromBytes(b), nil
	}
	if stdinIsTerminal() {
		return nil, fmt.Errorf("no key file given: pass --file or pipe the key on stdin")
	}
	b, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return nil, err
	}
	return security.FromBytes(b), nil
}

// confirm asks a yes/no question; anything but y/yes is a no.
func confirm(cmd *cobra.Command, question string) bool {
	fmt.Fprint(cmd.OutOrStdout(), i18n.Tf("cli.confirm_prompt", question))
	line, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes", "j", "ja":
		return true
	}
	return false
}
