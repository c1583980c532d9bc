// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"time"

	"github.com/toeirei/stagehand/internal/model"
)

// Store defines every persisted operation Stagehand needs. BunStore is the
// only production implementation; consumers declare the narrower subsets
// they use.
type Store interface {
	// Server methods
	CreateServer(ctx context.Context, s model.Server) (int64, error)
	GetServer(ctx context.Context, id int64) (*model.Server, error)
	ListServersByOrg(ctx context.Context, orgID string) ([]model.Server, error)
	ListServersByGroup(ctx context.Context, orgID, group string) ([]model.Server, error)
	SetServerCredential(ctx context.Context, serverID int64, credentialID *int64) error
	ListOrganizations(ctx context.Context) ([]string, error)

	// Credential methods
	CreateCredential(ctx context.Context, c model.EncryptedCredential) (int64, error)
	GetCredential(ctx context.Context, id int64) (*model.EncryptedCredential, error)
	ListCredentialsByOrg(ctx context.Context, orgID string) ([]model.EncryptedCredential, error)
	UpdateCredentialCipher(ctx context.Context, id int64, cipherText, fingerprint string, format int, rotatedAt time.Time) error
	DeleteCredential(ctx context.Context, id int64) error

	// Configuration methods
	CreateConfiguration(ctx context.Context, c model.Configuration) (int64, error)
	GetConfiguration(ctx context.Context, id int64) (*model.Configuration, error)

	// Deployment run methods
	CreateRun(ctx context.Context, r model.DeploymentRun) error
	GetRun(ctx context.Context, id string) (*model.DeploymentRun, error)
	ListRunsByOrg(ctx context.Context, orgID string) ([]model.DeploymentRun, error)
	ListLineage(ctx context.Context, rootID string) ([]model.DeploymentRun, error)
	UpdateRunStatus(ctx context.Context, id string, next model.RunStatus) error
	AppendRunLog(ctx context.Context, id, text string) error

	// Drift methods
	PutExpectedState(ctx context.Context, rec model.ExpectedStateRecord) error
	ListExpectedStates(ctx context.Context, serverID int64) ([]model.ExpectedStateRecord, error)
	UpsertDriftRecord(ctx context.Context, rec model.DriftRecord) error
	GetDriftRecord(ctx context.Context, serverID, configurationID int64) (*model.DriftRecord, error)
	ListDriftRecordsByOrg(ctx context.Context, orgID string) ([]model.DriftRecord, error)

	// Host key methods
	GetKnownHostKey(ctx context.Context, hostname string) (string, error)
	AddKnownHostKey(ctx context.Context, hostname, key string) error

	// Export
	ExportSnapshot(ctx context.Context) (*model.Snapshot, error)

	Close() error
}

var _ Store = (*BunStore)(nil)
