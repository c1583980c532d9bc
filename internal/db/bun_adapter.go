// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/toeirei/stagehand/internal/model"
	"github.com/uptrace/bun"
)

// ServerModel maps the `servers` table for Bun queries.
type ServerModel struct {
	bun.BaseModel  `bun:"table:servers"`
	ID             int64         `bun:"id,pk,autoincrement"`
	OrganizationID string        `bun:"organization_id"`
	Name           string        `bun:"name"`
	Address        string        `bun:"address"`
	Port           int           `bun:"port"`
	Username       string        `bun:"username"`
	GroupName      string        `bun:"group_name"`
	CredentialID   sql.NullInt64 `bun:"credential_id"`
}

// CredentialModel maps the `credentials` table.
type CredentialModel struct {
	bun.BaseModel  `bun:"table:credentials"`
	ID             int64        `bun:"id,pk,autoincrement"`
	OrganizationID string       `bun:"organization_id"`
	Name           string       `bun:"name"`
	CipherText     string       `bun:"cipher_text"`
	Fingerprint    string       `bun:"fingerprint"`
	FormatVersion  int          `bun:"format_version"`
	CreatedAt      time.Time    `bun:"created_at"`
	RotatedAt      sql.NullTime `bun:"rotated_at"`
}

// ConfigurationModel maps the `configurations` table.
type ConfigurationModel struct {
	bun.BaseModel  `bun:"table:configurations"`
	ID             int64  `bun:"id,pk,autoincrement"`
	OrganizationID string `bun:"organization_id"`
	Name           string `bun:"name"`
	Type           string `bun:"type"`
	Body           string `bun:"body"`
}

// DeploymentRunModel maps the `deployment_runs` table.
type DeploymentRunModel struct {
	bun.BaseModel   `bun:"table:deployment_runs"`
	ID              string       `bun:"id,pk"`
	OrganizationID  string       `bun:"organization_id"`
	Name            string       `bun:"name"`
	ConfigurationID int64        `bun:"configuration_id"`
	TargetRef       string       `bun:"target_ref"`
	Status          string       `bun:"status"`
	Logs            string       `bun:"logs"`
	Version         int          `bun:"version"`
	ParentRunID     string       `bun:"parent_run_id"`
	CreatedAt       time.Time    `bun:"created_at"`
	StartedAt       sql.NullTime `bun:"started_at"`
	FinishedAt      sql.NullTime `bun:"finished_at"`
}

// ExpectedStateModel maps the `expected_states` table. The state is stored
// as JSON text so every dialect can hold it.
type ExpectedStateModel struct {
	bun.BaseModel   `bun:"table:expected_states"`
	ServerID        int64  `bun:"server_id,pk"`
	ConfigurationID int64  `bun:"configuration_id,pk"`
	ExpectedState   string `bun:"expected_state"`
}

// DriftRecordModel maps the `drift_records` table.
type DriftRecordModel struct {
	bun.BaseModel   `bun:"table:drift_records"`
	ServerID        int64     `bun:"server_id,pk"`
	ConfigurationID int64     `bun:"configuration_id,pk"`
	Status          string    `bun:"status"`
	HasDrift        bool      `bun:"has_drift"`
	Details         string    `bun:"details"`
	ErrorMessage    string    `bun:"error_message"`
	LastChecked     time.Time `bun:"last_checked"`
}

// KnownHostModel maps the `known_hosts` table.
type KnownHostModel struct {
	bun.BaseModel `bun:"table:known_hosts"`
	Hostname      string `bun:"hostname,pk"`
	Key           string `bun:"host_key"`
}

func serverModelToModel(s ServerModel) model.Server {
	m := model.Server{
		ID:             s.ID,
		OrganizationID: s.OrganizationID,
		Name:           s.Name,
		Address:        s.Address,
		Port:           s.Port,
		Username:       s.Username,
		Group:          s.GroupName,
	}
	if s.CredentialID.Valid {
		id := s.CredentialID.Int64
		m.CredentialID = &id
	}
	return m
}

func serverToModel(s model.Server) *ServerModel {
	sm := &ServerModel{
		ID:             s.ID,
		OrganizationID: s.OrganizationID,
		Name:           s.Name,
		Address:        s.Address,
		Port:           s.Port,
		Username:       s.Username,
		GroupName:      s.Group,
	}
	if sm.Port == 0 {
		sm.Port = 22
	}
	if s.CredentialID != nil {
		sm.CredentialID = sql.NullInt64{Int64: *s.CredentialID, Valid: true}
	}
	return sm
}

func credentialModelToModel(c CredentialModel) model.EncryptedCredential {
	m := model.EncryptedCredential{
		ID:             c.ID,
		OrganizationID: c.OrganizationID,
		Name:           c.Name,
		CipherText:     c.CipherText,
		Fingerprint:    c.Fingerprint,
		FormatVersion:  c.FormatVersion,
		CreatedAt:      c.CreatedAt.UTC(),
	}
	if c.RotatedAt.Valid {
		t := c.RotatedAt.Time.UTC()
		m.RotatedAt = &t
	}
	return m
}

func configurationModelToModel(c ConfigurationModel) model.Configuration {
	return model.Configuration{
		ID:             c.ID,
		OrganizationID: c.OrganizationID,
		Name:           c.Name,
		Type:           c.Type,
		Body:           c.Body,
	}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func runModelToModel(r DeploymentRunModel) (model.DeploymentRun, error) {
	target, err := model.ParseTargetRef(r.TargetRef)
	if err != nil {
		return model.DeploymentRun{}, err
	}
	return model.DeploymentRun{
		ID:              r.ID,
		OrganizationID:  r.OrganizationID,
		Name:            r.Name,
		ConfigurationID: r.ConfigurationID,
		Target:          target,
		Status:          model.RunStatus(r.Status),
		Logs:            r.Logs,
		Version:         r.Version,
		ParentRunID:     r.ParentRunID,
		CreatedAt:       r.CreatedAt.UTC(),
		StartedAt:       timePtr(r.StartedAt),
		FinishedAt:      timePtr(r.FinishedAt),
	}, nil
}

func runToModel(r model.DeploymentRun) *DeploymentRunModel {
	return &DeploymentRunModel{
		ID:              r.ID,
		OrganizationID:  r.OrganizationID,
		Name:            r.Name,
		ConfigurationID: r.ConfigurationID,
		TargetRef:       r.Target.String(),
		Status:          string(r.Status),
		Logs:            r.Logs,
		Version:         r.Version,
		ParentRunID:     r.ParentRunID,
		CreatedAt:       r.CreatedAt.UTC(),
		StartedAt:       nullTime(r.StartedAt),
		FinishedAt:      nullTime(r.FinishedAt),
	}
}

func expectedStateModelToModel(e ExpectedStateModel) (model.ExpectedStateRecord, error) {
	rec := model.ExpectedStateRecord{ServerID: e.ServerID, ConfigurationID: e.ConfigurationID}
	if err := json.Unmarshal([]byte(e.ExpectedState), &rec.Expected); err != nil {
		return rec, err
	}
	return rec, nil
}

func driftRecordModelToModel(d DriftRecordModel) (model.DriftRecord, error) {
	rec := model.DriftRecord{
		ServerID:        d.ServerID,
		ConfigurationID: d.ConfigurationID,
		Status:          model.DriftStatus(d.Status),
		HasDrift:        d.HasDrift,
		Error:           d.ErrorMessage,
		LastChecked:     d.LastChecked.UTC(),
	}
	if d.Details != "" {
		if err := json.Unmarshal([]byte(d.Details), &rec.Details); err != nil {
			return rec, err
		}
	}
	return rec, nil
}

func driftRecordToModel(rec model.DriftRecord) (*DriftRecordModel, error) {
	details := rec.Details
	if details == nil {
		details = []model.DriftDetail{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return nil, err
	}
	return &DriftRecordModel{
		ServerID:        rec.ServerID,
		ConfigurationID: rec.ConfigurationID,
		Status:          string(rec.Status),
		HasDrift:        rec.HasDrift,
		Details:         string(raw),
		ErrorMessage:    rec.Error,
		LastChecked:     rec.LastChecked.UTC(),
	}, nil
}
