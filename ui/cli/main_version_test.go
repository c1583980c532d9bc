// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.
package cli

import (
	"runtime/debug"
	"testing"

	"github.com/toeirei/stagehand/buildvars"
)

func TestResolveBuildVersion_MainVersion(t *testing.T) {
	info := &debug.BuildInfo{
		Main: debug.Module{Path: modulePath, Version: "v1.2.3"},
	}
	v, c, d := resolveBuildVersion(info)
	if v != "v1.2.3" {
		t.Fatalf("expected v1.2.3 got %s", v)
	}
	if c != gitCommit {
		t.Fatalf("expected commit to equal package gitCommit (default) got %s", c)
	}
	if d != buildDate {
		t.Fatalf("expected date to equal package buildDate (default) got %s", d)
	}
}

func TestResolveBuildVersion_DependencyFallback(t *testing.T) {
	info := &debug.BuildInfo{
		Main: debug.Module{Path: modulePath, Version: "(devel)"},
		Deps: []*debug.Module{
			{Path: modulePath, Version: "v0.4.1-0.20260301101010-d1692e4643ee"},
		},
	}
	v, _, _ := resolveBuildVersion(info)
	if v != "v0.4.1-0.20260301101010-d1692e4643ee" {
		t.Fatalf("expected dependency version fallback got %s", v)
	}
}

func TestResolveBuildVersion_GitCommitFallback(t *testing.T) {
	orig := gitCommit
	defer func() { gitCommit = orig }()
	gitCommit = "deadbeef"
	info := &debug.BuildInfo{
		Main: debug.Module{Path: modulePath, Version: "(devel)"},
	}
	v, _, _ := resolveBuildVersion(info)
	if v != "deadbeef" {
		t.Fatalf("expected gitCommit fallback got %s", v)
	}
}

func TestResolveBuildVersion_LinkerVersionWins(t *testing.T) {
	orig := buildvars.Version
	defer func() { buildvars.Version = orig }()
	buildvars.Version = "v2.0.0"
	info := &debug.BuildInfo{
		Main:     debug.Module{Path: modulePath, Version: "v1.0.0"},
		Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "abc123"}, {Key: "vcs.time", Value: "2026-03-01T10:10:10Z"}},
	}
	v, c, d := resolveBuildVersion(info)
	if v != "v2.0.0" || c != "abc123" || d != "2026-03-01T10:10:10Z" {
		t.Fatalf("unexpected resolution: %s %s %s", v, c, d)
	}
}
