// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

// package model defines the records exchanged between the store, the vault,
// the orchestrator and the drift service.
package model // import "github.com/toeirei/stagehand/internal/model"

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Server is a managed remote host (e.g., deploy@web-01:22).
type Server struct {
	ID             int64
	OrganizationID string
	Name           string
	Address        string
	Port           int
	Username       string
	Group          string
	CredentialID   *int64 // nil when the host has no stored key
}

// String returns the user@host:port representation.
func (s Server) String() string {
	port := s.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s@%s:%d", s.Username, s.Address, port)
}

// InventoryName is the name the host gets in a generated inventory.
func (s Server) InventoryName() string {
	if s.Name != "" {
		return s.Name
	}
	return fmt.Sprintf("server-%d", s.ID)
}

// Credential format versions. FormatUnknown marks rows imported before the
// format column existed; those are resolved by structural inspection.
const (
	FormatUnknown      = 0
	FormatPlainPEM     = 1 // unencrypted PEM imported from older installs
	FormatCBCGlobalKey = 2 // AES-256-CBC, key derived from the master secret only
	FormatCBCTenantKey = 3 // AES-256-CBC, key derived from master secret and org id
	FormatGCMv4        = 4 // current scheme
)

// EncryptedCredential is a stored private key.
type EncryptedCredential struct {
	ID             int64
	OrganizationID string
	Name           string
	CipherText     string
	Fingerprint    string
	FormatVersion  int
	CreatedAt      time.Time
	RotatedAt      *time.Time
}

// Configuration is a declarative configuration body (e.g. a playbook).
type Configuration struct {
	ID             int64
	OrganizationID string
	Name           string
	Type           string
	Body           string
}

// TargetKind selects how a TargetRef resolves into hosts.
type TargetKind string

const (
	TargetServer TargetKind = "server"
	TargetGroup  TargetKind = "group"
)

// TargetRef points a deployment at one server or a named group of servers.
// Its string form is "server:<id>" or "group:<name>".
type TargetRef struct {
	Kind  TargetKind
	Value string
}

// ParseTargetRef parses "server:12" or "group:web". A bare number is
// treated as a server id.
func ParseTargetRef(s string) (TargetRef, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return TargetRef{}, fmt.Errorf("%w: empty target reference", ErrInvalidArgument)
	}
	kind, value, ok := strings.Cut(s, ":")
	if !ok {
		if _, err := strconv.ParseInt(s, 10, 64); err == nil {
			return TargetRef{Kind: TargetServer, Value: s}, nil
		}
		return TargetRef{}, fmt.Errorf("%w: target reference %q has no kind", ErrInvalidArgument, s)
	}
	switch TargetKind(kind) {
	case TargetServer:
		if _, err := strconv.ParseInt(value, 10, 64); err != nil {
			return TargetRef{}, fmt.Errorf("%w: invalid server id %q", ErrInvalidArgument, value)
		}
	case TargetGroup:
		if value == "" {
			return TargetRef{}, fmt.Errorf("%w: empty group name", ErrInvalidArgument)
		}
	default:
		return TargetRef{}, fmt.Errorf("%w: unknown target kind %q", ErrInvalidArgument, kind)
	}
	return TargetRef{Kind: TargetKind(kind), Value: value}, nil
}

func (t TargetRef) String() string {
	return string(t.Kind) + ":" + t.Value
}

// ServerID returns the numeric id of a server target.
func (t TargetRef) ServerID() (int64, bool) {
	if t.Kind != TargetServer {
		return 0, false
	}
	id, err := strconv.ParseInt(t.Value, 10, 64)
	return id, err == nil
}

// RunStatus is the lifecycle state of a DeploymentRun.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// CanTransition reports whether moving from s to next goes forward.
func (s RunStatus) CanTransition(next RunStatus) bool {
	switch s {
	case RunPending:
		return next == RunRunning || next.IsTerminal()
	case RunRunning:
		return next.IsTerminal()
	default:
		return false
	}
}

// DeploymentRun is one execution attempt of a configuration against a target.
type DeploymentRun struct {
	ID              string
	OrganizationID  string
	Name            string
	ConfigurationID int64
	Target          TargetRef
	Status          RunStatus
	Logs            string
	Version         int
	ParentRunID     string // empty for a lineage root
	CreatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
}

// LineageRoot returns the id of the first run in this run's lineage.
func (r DeploymentRun) LineageRoot() string {
	if r.ParentRunID != "" {
		return r.ParentRunID
	}
	return r.ID
}

// KnownHost is a trusted host key in authorized_keys format.
type KnownHost struct {
	Hostname string `json:"hostname"`
	Key      string `json:"key"`
}

// Snapshot is a point-in-time export of the store. Credentials stay
// encrypted.
type Snapshot struct {
	SchemaVersion  int                   `json:"schema_version"`
	ExportedAt     time.Time             `json:"exported_at"`
	Servers        []Server              `json:"servers"`
	Credentials    []EncryptedCredential `json:"credentials"`
	Configurations []Configuration       `json:"configurations"`
	Runs           []DeploymentRun       `json:"runs"`
	DriftRecords   []DriftRecord         `json:"drift_records"`
	KnownHosts     []KnownHost           `json:"known_hosts"`
}
