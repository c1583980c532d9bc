// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// PackageSpec is the expected state of one installed package. An empty
// Version only requires the package to be present.
type PackageSpec struct {
	Version string `json:"version,omitempty"`
}

// ServiceSpec is the expected state of one service. Enabled is optional.
type ServiceSpec struct {
	State   string `json:"state,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`
}

// PortSpec is a listening port that must be open on the host.
type PortSpec struct {
	Port     int    `json:"port"`
	Protocol string `json:"protocol,omitempty"` // tcp when empty
}

// Proto returns the normalized protocol.
func (p PortSpec) Proto() string {
	if p.Protocol == "" {
		return "tcp"
	}
	return strings.ToLower(p.Protocol)
}

func (p PortSpec) String() string {
	return fmt.Sprintf("%d/%s", p.Port, p.Proto())
}

// ExpectedState is the declared state of a host for one configuration.
type ExpectedState struct {
	Packages map[string]PackageSpec `json:"packages,omitempty"`
	Services map[string]ServiceSpec `json:"services,omitempty"`
	Ports    []PortSpec             `json:"ports,omitempty"`
}

// ServiceNames returns the expected service names in a stable order.
func (e ExpectedState) ServiceNames() []string {
	names := make([]string, 0, len(e.Services))
	for name := range e.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ServiceState is an observed service.
type ServiceState struct {
	State   string `json:"state"`
	Enabled bool   `json:"enabled"`
}

// ActualState is what was observed on the host.
type ActualState struct {
	Packages map[string]string       `json:"packages"` // name -> version
	Services map[string]ServiceState `json:"services"`
	Ports    []PortSpec              `json:"ports"`
}

// HasPort reports whether the observed state has the given port listening.
func (a ActualState) HasPort(p PortSpec) bool {
	for _, have := range a.Ports {
		if have.Port == p.Port && have.Proto() == p.Proto() {
			return true
		}
	}
	return false
}

// DriftStatus is the outcome of one (server, configuration) check.
type DriftStatus string

const (
	DriftCompliant   DriftStatus = "compliant"
	DriftDetected    DriftStatus = "drift_detected"
	DriftCheckFailed DriftStatus = "check_failed"
)

// DriftCategory names the class of state a detail refers to.
type DriftCategory string

const (
	CategoryPackage DriftCategory = "package"
	CategoryService DriftCategory = "service"
	CategoryPort    DriftCategory = "port"
)

// DriftDetail is a single per-field mismatch.
type DriftDetail struct {
	Category DriftCategory `json:"category"`
	Name     string        `json:"name"`
	Field    string        `json:"field"`
	Expected string        `json:"expected"`
	Actual   string        `json:"actual"`
}

func (d DriftDetail) String() string {
	return fmt.Sprintf("%s %s: %s expected %q, got %q", d.Category, d.Name, d.Field, d.Expected, d.Actual)
}

// DriftAnalysis is the result of comparing expected and actual state.
type DriftAnalysis struct {
	HasDrift bool
	Details  []DriftDetail
}

// Summary returns a human-readable summary of the drift analysis.
func (d *DriftAnalysis) Summary() string {
	if !d.HasDrift {
		return "No drift detected"
	}
	counts := map[DriftCategory]int{}
	for _, det := range d.Details {
		counts[det.Category]++
	}
	var parts []string
	for _, c := range []DriftCategory{CategoryPackage, CategoryService, CategoryPort} {
		if n := counts[c]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s: %d", c, n))
		}
	}
	return "drift detected (" + strings.Join(parts, ", ") + ")"
}

// ExpectedStateRecord ties an expected state to a server and configuration.
type ExpectedStateRecord struct {
	ServerID        int64
	ConfigurationID int64
	Expected        ExpectedState
}

// DriftRecord is the persisted result of the latest check for a pair. It is
// overwritten on every scan.
type DriftRecord struct {
	ServerID        int64
	ConfigurationID int64
	Status          DriftStatus
	HasDrift        bool
	Details         []DriftDetail
	Error           string
	LastChecked     time.Time
}
