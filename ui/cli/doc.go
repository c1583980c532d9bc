// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.
//
// Package cli implements the Stagehand command-line interface using Cobra.
// It loads configuration, wires the store, vault, prober, orchestrator and
// drift service, and exposes them as subcommands. Business logic stays in
// the internal packages.
package cli
