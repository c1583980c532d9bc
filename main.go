// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

// Command-line entrypoint for Stagehand.
//
// Usage:
//
//	go run . [command] [flags]
//	./stagehand [command] [flags]
//
// See --help for the available commands.
package main

import (
	"os"

	"github.com/toeirei/stagehand/internal/logging"
	"github.com/toeirei/stagehand/ui/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		logging.Errorf("stagehand: %v", err)
		os.Exit(1)
	}
}
