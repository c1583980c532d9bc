// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"
	"github.com/toeirei/stagehand/buildvars"
)

const modulePath = "github.com/toeirei/stagehand"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			v, c, d := resolveBuildVersion(nil)
			fmt.Fprintf(cmd.OutOrStdout(), "stagehand %s\n", v)
			if c != "" && c != "dev" {
				fmt.Fprintf(cmd.OutOrStdout(), "commit: %s\n", c)
			}
			if d != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "built:  %s\n", d)
			}
		},
	}
}

func compositeVersion() string {
	v, c, d := resolveBuildVersion(nil)
	out := v
	if c != "" && c != "dev" {
		out += " (" + c + ")"
	}
	if d != "" {
		out += " built: " + d
	}
	return out
}

// resolveBuildVersion computes the best-available version, commit and build
// date from linker flags and the embedded build info. info may be nil, in
// which case debug.ReadBuildInfo is consulted.
func resolveBuildVersion(info *debug.BuildInfo) (versionOut, commitOut, dateOut string) {
	resolvedVersion := buildvars.VersionOrDefault(version)
	resolvedCommit := gitCommit
	resolvedDate := buildDate

	if info == nil {
		if local, ok := debug.ReadBuildInfo(); ok {
			info = local
		}
	}
	if info != nil {
		if resolvedVersion == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
			resolvedVersion = info.Main.Version
		}
		// Some build paths only record our version as a dependency.
		if resolvedVersion == "dev" {
			for _, dep := range info.Deps {
				if dep != nil && dep.Path == modulePath && dep.Version != "" {
					resolvedVersion = dep.Version
					break
				}
			}
		}
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				if s.Value != "" {
					resolvedCommit = s.Value
				}
			case "vcs.time":
				if s.Value != "" {
					resolvedDate = s.Value
				}
			}
		}
	}

	if resolvedVersion == "dev" && gitCommit != "dev" && gitCommit != "" {
		resolvedVersion = gitCommit
	}
	return resolvedVersion, resolvedCommit, resolvedDate
}
