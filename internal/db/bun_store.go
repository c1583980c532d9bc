// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/toeirei/stagehand/internal/model"
	"github.com/uptrace/bun"
)

// BunStore implements Store for every supported dialect.
type BunStore struct {
	bun    *bun.DB
	dbType string
}

// BunDB exposes the underlying *bun.DB.
func (s *BunStore) BunDB() *bun.DB { return s.bun }

// Type returns the configured database type.
func (s *BunStore) Type() string { return s.dbType }

// Close releases the connection pool.
func (s *BunStore) Close() error { return s.bun.Close() }

// --- Servers ---

func (s *BunStore) CreateServer(ctx context.Context, srv model.Server) (int64, error) {
	if srv.OrganizationID == "" || srv.Address == "" || srv.Username == "" {
		return 0, fmt.Errorf("%w: server needs organization, address and username", model.ErrInvalidArgument)
	}
	sm := serverToModel(srv)
	sm.ID = 0
	if _, err := s.bun.NewInsert().Model(sm).ExcludeColumn("id").Returning("id").Exec(ctx); err != nil {
		return 0, MapDBError(err)
	}
	return sm.ID, nil
}

func (s *BunStore) GetServer(ctx context.Context, id int64) (*model.Server, error) {
	var sm ServerModel
	if err := s.bun.NewSelect().Model(&sm).Where("id = ?", id).Limit(1).Scan(ctx); err != nil {
		return nil, MapDBError(err)
	}
	m := serverModelToModel(sm)
	return &m, nil
}

func (s *BunStore) listServers(ctx context.Context, q *bun.SelectQuery) ([]model.Server, error) {
	var rows []ServerModel
	if err := q.Model(&rows).OrderExpr("id ASC").Scan(ctx); err != nil {
		return nil, MapDBError(err)
	}
	out := make([]model.Server, 0, len(rows))
	for _, r := range rows {
		out = append(out, serverModelToModel(r))
	}
	return out, nil
}

func (s *BunStore) ListServersByOrg(ctx context.Context, orgID string) ([]model.Server, error) {
	return s.listServers(ctx, s.bun.NewSelect().Where("organization_id = ?", orgID))
}

func (s *BunStore) ListServersByGroup(ctx context.Context, orgID, group string) ([]model.Server, error) {
	return s.listServers(ctx, s.bun.NewSelect().Where("organization_id = ?", orgID).Where("group_name = ?", group))
}

// SetServerCredential links a server to a stored credential, or unlinks it
// when credentialID is nil.
func (s *BunStore) SetServerCredential(ctx context.Context, serverID int64, credentialID *int64) error {
	sm := &ServerModel{ID: serverID}
	if credentialID != nil {
		sm.CredentialID.Int64 = *credentialID
		sm.CredentialID.Valid = true
	}
	res, err := s.bun.NewUpdate().Model(sm).Column("credential_id").WherePK().Exec(ctx)
	if err != nil {
		return MapDBError(err)
	}
	return requireAffected(res)
}

// ListOrganizations returns every organization that owns at least one server.
func (s *BunStore) ListOrganizations(ctx context.Context) ([]string, error) {
	var orgs []string
	err := s.bun.NewSelect().Model((*ServerModel)(nil)).
		Distinct().
		Column("organization_id").
		OrderExpr("organization_id ASC").
		Scan(ctx, &orgs)
	if err != nil {
		return nil, MapDBError(err)
	}
	return orgs, nil
}

// --- Credentials ---

func (s *BunStore) CreateCredential(ctx context.Context, c model.EncryptedCredential) (int64, error) {
	created := c.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	cm := &CredentialModel{
		OrganizationID: c.OrganizationID,
		Name:           c.Name,
		CipherText:     c.CipherText,
		Fingerprint:    c.Fingerprint,
		FormatVersion:  c.FormatVersion,
		CreatedAt:      created.UTC(),
		RotatedAt:      nullTime(c.RotatedAt),
	}
	if _, err := s.bun.NewInsert().Model(cm).ExcludeColumn("id").Returning("id").Exec(ctx); err != nil {
		return 0, MapDBError(err)
	}
	return cm.ID, nil
}

func (s *BunStore) GetCredential(ctx context.Context, id int64) (*model.EncryptedCredential, error) {
	var cm CredentialModel
	if err := s.bun.NewSelect().Model(&cm).Where("id = ?", id).Limit(1).Scan(ctx); err != nil {
		return nil, MapDBError(err)
	}
	m := credentialModelToModel(cm)
	return &m, nil
}

func (s *BunStore) ListCredentialsByOrg(ctx context.Context, orgID string) ([]model.EncryptedCredential, error) {
	var rows []CredentialModel
	if err := s.bun.NewSelect().Model(&rows).Where("organization_id = ?", orgID).OrderExpr("id ASC").Scan(ctx); err != nil {
		return nil, MapDBError(err)
	}
	out := make([]model.EncryptedCredential, 0, len(rows))
	for _, r := range rows {
		out = append(out, credentialModelToModel(r))
	}
	return out, nil
}

// UpdateCredentialCipher replaces the ciphertext of a credential, used by
// rotation and by the lazy upgrade of legacy formats.
func (s *BunStore) UpdateCredentialCipher(ctx context.Context, id int64, cipherText, fingerprint string, format int, rotatedAt time.Time) error {
	res, err := s.bun.NewUpdate().Model((*CredentialModel)(nil)).
		Set("cipher_text = ?", cipherText).
		Set("fingerprint = ?", fingerprint).
		Set("format_version = ?", format).
		Set("rotated_at = ?", rotatedAt.UTC()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return MapDBError(err)
	}
	return requireAffected(res)
}

// DeleteCredential removes a credential that no server references.
func (s *BunStore) DeleteCredential(ctx context.Context, id int64) error {
	return WithTx(ctx, s.bun, func(ctx context.Context, tx bun.Tx) error {
		n, err := tx.NewSelect().Model((*ServerModel)(nil)).Where("credential_id = ?", id).Count(ctx)
		if err != nil {
			return MapDBError(err)
		}
		if n > 0 {
			return fmt.Errorf("%w: %d server(s)", model.ErrCredentialInUse, n)
		}
		res, err := tx.NewDelete().Model((*CredentialModel)(nil)).Where("id = ?", id).Exec(ctx)
		if err != nil {
			return MapDBError(err)
		}
		return requireAffected(res)
	})
}

// --- Configurations ---

func (s *BunStore) CreateConfiguration(ctx context.Context, c model.Configuration) (int64, error) {
	typ := c.Type
	if typ == "" {
		typ = "ansible"
	}
	cm := &ConfigurationModel{OrganizationID: c.OrganizationID, Name: c.Name, Type: typ, Body: c.Body}
	if _, err := s.bun.NewInsert().Model(cm).ExcludeColumn("id").Returning("id").Exec(ctx); err != nil {
		return 0, MapDBError(err)
	}
	return cm.ID, nil
}

func (s *BunStore) GetConfiguration(ctx context.Context, id int64) (*model.Configuration, error) {
	var cm ConfigurationModel
	if err := s.bun.NewSelect().Model(&cm).Where("id = ?", id).Limit(1).Scan(ctx); err != nil {
		return nil, MapDBError(err)
	}
	m := configurationModelToModel(cm)
	return &m, nil
}

// --- Deployment runs ---

func (s *BunStore) CreateRun(ctx context.Context, r model.DeploymentRun) error {
	if r.ID == "" {
		return fmt.Errorf("%w: run id is required", model.ErrInvalidArgument)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.Status == "" {
		r.Status = model.RunPending
	}
	_, err := s.bun.NewInsert().Model(runToModel(r)).Exec(ctx)
	return MapDBError(err)
}

func (s *BunStore) GetRun(ctx context.Context, id string) (*model.DeploymentRun, error) {
	var rm DeploymentRunModel
	if err := s.bun.NewSelect().Model(&rm).Where("id = ?", id).Limit(1).Scan(ctx); err != nil {
		return nil, MapDBError(err)
	}
	run, err := runModelToModel(rm)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *BunStore) listRuns(ctx context.Context, q *bun.SelectQuery, order string) ([]model.DeploymentRun, error) {
	var rows []DeploymentRunModel
	if err := q.Model(&rows).OrderExpr(order).Scan(ctx); err != nil {
		return nil, MapDBError(err)
	}
	out := make([]model.DeploymentRun, 0, len(rows))
	for _, r := range rows {
		run, err := runModelToModel(r)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}

func (s *BunStore) ListRunsByOrg(ctx context.Context, orgID string) ([]model.DeploymentRun, error) {
	return s.listRuns(ctx, s.bun.NewSelect().Where("organization_id = ?", orgID), "created_at DESC")
}

// ListLineage returns the root run and every redeploy of it, oldest first.
func (s *BunStore) ListLineage(ctx context.Context, rootID string) ([]model.DeploymentRun, error) {
	q := s.bun.NewSelect().WhereOr("id = ?", rootID).WhereOr("parent_run_id = ?", rootID)
	return s.listRuns(ctx, q, "version ASC")
}

// UpdateRunStatus moves a run forward. Backward or repeated transitions
// return model.ErrInvalidTransition. StartedAt is stamped on running and
// FinishedAt on any terminal status.
func (s *BunStore) UpdateRunStatus(ctx context.Context, id string, next model.RunStatus) error {
	return WithTx(ctx, s.bun, func(ctx context.Context, tx bun.Tx) error {
		var rm DeploymentRunModel
		if err := tx.NewSelect().Model(&rm).Column("id", "status").Where("id = ?", id).Limit(1).Scan(ctx); err != nil {
			return MapDBError(err)
		}
		cur := model.RunStatus(rm.Status)
		if !cur.CanTransition(next) {
			return fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, cur, next)
		}
		now := time.Now().UTC()
		q := tx.NewUpdate().Model((*DeploymentRunModel)(nil)).
			Set("status = ?", string(next)).
			Where("id = ?", id)
		if next == model.RunRunning {
			q = q.Set("started_at = ?", now)
		}
		if next.IsTerminal() {
			q = q.Set("finished_at = ?", now)
		}
		_, err := q.Exec(ctx)
		return MapDBError(err)
	})
}

// AppendRunLog appends text to a run's log column.
func (s *BunStore) AppendRunLog(ctx context.Context, id, text string) error {
	if text == "" {
		return nil
	}
	query := "UPDATE deployment_runs SET logs = logs || ? WHERE id = ?"
	if s.dbType == "mysql" {
		query = "UPDATE deployment_runs SET logs = CONCAT(logs, ?) WHERE id = ?"
	}
	res, err := ExecRaw(ctx, s.bun, query, text, id)
	if err != nil {
		return MapDBError(err)
	}
	return requireAffected(res)
}

// --- Drift ---

// PutExpectedState stores or replaces the expected state of a pair.
func (s *BunStore) PutExpectedState(ctx context.Context, rec model.ExpectedStateRecord) error {
	raw, err := json.Marshal(rec.Expected)
	if err != nil {
		return fmt.Errorf("encode expected state: %w", err)
	}
	return WithTx(ctx, s.bun, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*ExpectedStateModel)(nil)).
			Where("server_id = ?", rec.ServerID).
			Where("configuration_id = ?", rec.ConfigurationID).
			Exec(ctx); err != nil {
			return MapDBError(err)
		}
		_, err := tx.NewInsert().Model(&ExpectedStateModel{
			ServerID:        rec.ServerID,
			ConfigurationID: rec.ConfigurationID,
			ExpectedState:   string(raw),
		}).Exec(ctx)
		return MapDBError(err)
	})
}

func (s *BunStore) ListExpectedStates(ctx context.Context, serverID int64) ([]model.ExpectedStateRecord, error) {
	var rows []ExpectedStateModel
	if err := s.bun.NewSelect().Model(&rows).Where("server_id = ?", serverID).OrderExpr("configuration_id ASC").Scan(ctx); err != nil {
		return nil, MapDBError(err)
	}
	out := make([]model.ExpectedStateRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := expectedStateModelToModel(r)
		if err != nil {
			return nil, fmt.Errorf("decode expected state for server %d config %d: %w", r.ServerID, r.ConfigurationID, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// UpsertDriftRecord overwrites the latest result for a pair.
func (s *BunStore) UpsertDriftRecord(ctx context.Context, rec model.DriftRecord) error {
	if rec.LastChecked.IsZero() {
		rec.LastChecked = time.Now()
	}
	dm, err := driftRecordToModel(rec)
	if err != nil {
		return fmt.Errorf("encode drift details: %w", err)
	}
	return WithTx(ctx, s.bun, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*DriftRecordModel)(nil)).
			Where("server_id = ?", rec.ServerID).
			Where("configuration_id = ?", rec.ConfigurationID).
			Exec(ctx); err != nil {
			return MapDBError(err)
		}
		_, err := tx.NewInsert().Model(dm).Exec(ctx)
		return MapDBError(err)
	})
}

func (s *BunStore) GetDriftRecord(ctx context.Context, serverID, configurationID int64) (*model.DriftRecord, error) {
	var dm DriftRecordModel
	err := s.bun.NewSelect().Model(&dm).
		Where("server_id = ?", serverID).
		Where("configuration_id = ?", configurationID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, MapDBError(err)
	}
	rec, err := driftRecordModelToModel(dm)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BunStore) ListDriftRecordsByOrg(ctx context.Context, orgID string) ([]model.DriftRecord, error) {
	var rows []DriftRecordModel
	err := s.bun.NewSelect().Model(&rows).
		Where("server_id IN (?)", s.bun.NewSelect().Model((*ServerModel)(nil)).Column("id").Where("organization_id = ?", orgID)).
		OrderExpr("server_id ASC, configuration_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, MapDBError(err)
	}
	out := make([]model.DriftRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := driftRecordModelToModel(r)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// --- Known hosts ---

// GetKnownHostKey returns the trusted key for hostname, or "" when the host
// has never been seen.
func (s *BunStore) GetKnownHostKey(ctx context.Context, hostname string) (string, error) {
	var kh KnownHostModel
	err := s.bun.NewSelect().Model(&kh).Where("hostname = ?", hostname).Limit(1).Scan(ctx)
	if err != nil {
		if err = MapDBError(err); errors.Is(err, model.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return kh.Key, nil
}

func (s *BunStore) AddKnownHostKey(ctx context.Context, hostname, key string) error {
	return WithTx(ctx, s.bun, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*KnownHostModel)(nil)).Where("hostname = ?", hostname).Exec(ctx); err != nil {
			return MapDBError(err)
		}
		_, err := tx.NewInsert().Model(&KnownHostModel{Hostname: hostname, Key: key}).Exec(ctx)
		return MapDBError(err)
	})
}

// --- Export ---

// ExportSnapshot reads every table inside one transaction.
func (s *BunStore) ExportSnapshot(ctx context.Context) (*model.Snapshot, error) {
	snap := &model.Snapshot{SchemaVersion: 1, ExportedAt: time.Now().UTC()}
	err := WithTx(ctx, s.bun, func(ctx context.Context, tx bun.Tx) error {
		var servers []ServerModel
		if err := tx.NewSelect().Model(&servers).OrderExpr("id ASC").Scan(ctx); err != nil {
			return err
		}
		for _, r := range servers {
			snap.Servers = append(snap.Servers, serverModelToModel(r))
		}

		var creds []CredentialModel
		if err := tx.NewSelect().Model(&creds).OrderExpr("id ASC").Scan(ctx); err != nil {
			return err
		}
		for _, r := range creds {
			snap.Credentials = append(snap.Credentials, credentialModelToModel(r))
		}

		var configs []ConfigurationModel
		if err := tx.NewSelect().Model(&configs).OrderExpr("id ASC").Scan(ctx); err != nil {
			return err
		}
		for _, r := range configs {
			snap.Configurations = append(snap.Configurations, configurationModelToModel(r))
		}

		var runs []DeploymentRunModel
		if err := tx.NewSelect().Model(&runs).OrderExpr("created_at ASC").Scan(ctx); err != nil {
			return err
		}
		for _, r := range runs {
			run, err := runModelToModel(r)
			if err != nil {
				return err
			}
			snap.Runs = append(snap.Runs, run)
		}

		var drift []DriftRecordModel
		if err := tx.NewSelect().Model(&drift).Scan(ctx); err != nil {
			return err
		}
		for _, r := range drift {
			rec, err := driftRecordModelToModel(r)
			if err != nil {
				return err
			}
			snap.DriftRecords = append(snap.DriftRecords, rec)
		}

		var hosts []KnownHostModel
		if err := tx.NewSelect().Model(&hosts).Scan(ctx); err != nil {
			return err
		}
		for _, h := range hosts {
			snap.KnownHosts = append(snap.KnownHosts, model.KnownHost{Hostname: h.Hostname, Key: h.Key})
		}
		return nil
	})
	if err != nil {
		return nil, MapDBError(err)
	}
	return snap, nil
}

func requireAffected(res interface{ RowsAffected() (int64, error) }) error {
	n, err := res.RowsAffected()
	if err != nil {
		return nil
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}
