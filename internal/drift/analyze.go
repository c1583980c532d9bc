// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

// Package drift compares the declared state of a host with what is actually
// installed, running and listening on it, and keeps one drift record per
// server and configuration up to date.
package drift // import "github.com/toeirei/stagehand/internal/drift"

import (
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/toeirei/stagehand/internal/model"
)

const (
	stateRunning = "running"
	stateStopped = "stopped"
	present      = "present"
	absent       = "absent"
)

// Analyze diffs expected against actual. It checks packages (missing or
// wrong version), services (missing, wrong run state, wrong enabled flag)
// and listening ports (expected but absent). Details are ordered by
// category and name.
func Analyze(expected model.ExpectedState, actual model.ActualState) *model.DriftAnalysis {
	analysis := &model.DriftAnalysis{}
	add := func(d model.DriftDetail) {
		analysis.Details = append(analysis.Details, d)
	}

	for _, name := range slices.Sorted(maps.Keys(expected.Packages)) {
		spec := expected.Packages[name]
		have, ok := actual.Packages[name]
		if !ok {
			want := present
			if !isPresenceOnly(spec.Version) {
				want = spec.Version
			}
			add(model.DriftDetail{Category: model.CategoryPackage, Name: name, Field: "installed", Expected: want, Actual: absent})
			continue
		}
		if !versionMatches(spec.Version, have) {
			add(model.DriftDetail{Category: model.CategoryPackage, Name: name, Field: "version", Expected: spec.Version, Actual: have})
		}
	}

	for _, name := range expected.ServiceNames() {
		spec := expected.Services[name]
		have, ok := actual.Services[name]
		if !ok {
			add(model.DriftDetail{Category: model.CategoryService, Name: name, Field: "installed", Expected: present, Actual: absent})
			continue
		}
		if spec.State != "" {
			want := normalizeState(spec.State)
			if got := normalizeState(have.State); got != want {
				add(model.DriftDetail{Category: model.CategoryService, Name: name, Field: "state", Expected: want, Actual: got})
			}
		}
		if spec.Enabled != nil && *spec.Enabled != have.Enabled {
			add(model.DriftDetail{
				Category: model.CategoryService, Name: name, Field: "enabled",
				Expected: strconv.FormatBool(*spec.Enabled), Actual: strconv.FormatBool(have.Enabled),
			})
		}
	}

	seen := map[string]bool{}
	for _, p := range expected.Ports {
		key := p.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		if !actual.HasPort(p) {
			add(model.DriftDetail{Category: model.CategoryPort, Name: key, Field: "listening", Expected: "true", Actual: "false"})
		}
	}

	analysis.HasDrift = len(analysis.Details) > 0
	return analysis
}

// isPresenceOnly reports whether a version constraint only asks for the
// package to be installed.
func isPresenceOnly(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "*", "present", "installed", "latest":
		return true
	}
	return false
}

// versionMatches accepts an exact match or a prefix at a version component
// boundary: "1.18" matches "1.18.0-6ubuntu14.4" but not "1.180".
func versionMatches(expected, actual string) bool {
	if isPresenceOnly(expected) {
		return true
	}
	expected = strings.TrimSpace(expected)
	if expected == actual {
		return true
	}
	if !strings.HasPrefix(actual, expected) {
		return false
	}
	switch actual[len(expected)] {
	case '.', '-', '+', '~', ':':
		return true
	}
	return false
}

// normalizeState folds systemd and Ansible spellings onto running/stopped.
func normalizeState(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "running", "started", "active", "activating", "reloading":
		return stateRunning
	case "stopped", "inactive", "dead", "failed", "exited":
		return stateStopped
	}
	return strings.ToLower(strings.TrimSpace(s))
}
