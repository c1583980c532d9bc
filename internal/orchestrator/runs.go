// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/toeirei/stagehand/internal/model"
)

// RunRequest describes a new deployment.
type RunRequest struct {
	OrganizationID  string
	Name            string
	ConfigurationID int64
	Target          model.TargetRef
}

// CreateRun persists a pending run at version 1. The configuration must
// exist and belong to the organization.
func (o *Orchestrator) CreateRun(ctx context.Context, req RunRequest) (*model.DeploymentRun, error) {
	if req.OrganizationID == "" {
		return nil, fmt.Errorf("%w: organization is required", model.ErrInvalidArgument)
	}
	if req.Target.Kind == "" {
		return nil, fmt.Errorf("%w: target is required", model.ErrInvalidArgument)
	}
	cfg, err := o.store.GetConfiguration(ctx, req.ConfigurationID)
	if errors.Is(err, model.ErrNotFound) || (err == nil && cfg.OrganizationID != req.OrganizationID) {
		return nil, fmt.Errorf("%w: %d", model.ErrConfigurationNotFound, req.ConfigurationID)
	}
	if err != nil {
		return nil, fmt.Errorf("load configuration %d: %w", req.ConfigurationID, err)
	}
	name := req.Name
	if name == "" {
		name = cfg.Name
	}
	run := model.DeploymentRun{
		ID:              uuid.NewString(),
		OrganizationID:  req.OrganizationID,
		Name:            name,
		ConfigurationID: req.ConfigurationID,
		Target:          req.Target,
		Status:          model.RunPending,
		Version:         1,
		CreatedAt:       o.now().UTC(),
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	o.log.Info("run created", "run_id", run.ID, "org_id", run.OrganizationID, "target", run.Target.String())
	return &run, nil
}

// Redeploy creates a new pending run from a terminal one. The new run's
// version is one above the highest in the lineage and its parent is the
// lineage root. The source run is not modified.
func (o *Orchestrator) Redeploy(ctx context.Context, runID string) (*model.DeploymentRun, error) {
	src, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	if !src.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: run %s is %s", model.ErrRunNotTerminal, runID, src.Status)
	}
	root := src.LineageRoot()
	lineage, err := o.store.ListLineage(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("load lineage %s: %w", root, err)
	}
	maxVersion := src.Version
	for _, r := range lineage {
		if r.Version > maxVersion {
			maxVersion = r.Version
		}
	}
	run := model.DeploymentRun{
		ID:              uuid.NewString(),
		OrganizationID:  src.OrganizationID,
		Name:            src.Name,
		ConfigurationID: src.ConfigurationID,
		Target:          src.Target,
		Status:          model.RunPending,
		Version:         maxVersion + 1,
		ParentRunID:     root,
		CreatedAt:       o.now().UTC(),
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	o.log.Info("run redeployed", "run_id", run.ID, "parent_run_id", root, "version", run.Version)
	return &run, nil
}
