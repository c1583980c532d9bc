// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package drift

import (
	"context"
	"errors"
	"fmt"
	"time"

	clog "github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/toeirei/stagehand/internal/i18n"
	"github.com/toeirei/stagehand/internal/model"
	"github.com/toeirei/stagehand/internal/probe"
	"github.com/toeirei/stagehand/internal/security"
)

// Store is what the drift service reads and writes. *db.BunStore satisfies
// it.
type Store interface {
	GetServer(ctx context.Context, id int64) (*model.Server, error)
	ListServersByOrg(ctx context.Context, orgID string) ([]model.Server, error)
	ListOrganizations(ctx context.Context) ([]string, error)
	ListExpectedStates(ctx context.Context, serverID int64) ([]model.ExpectedStateRecord, error)
	UpsertDriftRecord(ctx context.Context, rec model.DriftRecord) error
}

// StateGatherer observes a host. *probe.Prober satisfies it.
type StateGatherer interface {
	GatherState(ctx context.Context, t probe.Target, expected model.ExpectedState) (model.ActualState, error)
}

// KeyResolver recovers a server's private key. *vault.Vault satisfies it.
type KeyResolver interface {
	DecryptCredential(ctx context.Context, id int64) (security.Secret, *model.EncryptedCredential, error)
}

// Service runs drift checks.
type Service struct {
	store            Store
	gatherer         StateGatherer
	keys             KeyResolver
	fallbackPassword security.Secret
	log              *clog.Logger
	now              func() time.Time
	checks           *prometheus.CounterVec
}

// Option customizes a Service.
type Option func(*Service)

// WithFallbackPassword is used for servers without a recoverable key.
func WithFallbackPassword(pw security.Secret) Option {
	return func(s *Service) { s.fallbackPassword = pw }
}

// WithLogger sets the component logger.
func WithLogger(l *clog.Logger) Option { return func(s *Service) { s.log = l } }

// WithRegisterer exports a checks_total counter by status.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Service) {
		c := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stagehand",
			Subsystem: "drift",
			Name:      "checks_total",
			Help:      "Drift checks by resulting status",
		}, []string{"status"})
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
					c = existing
				}
			}
		}
		s.checks = c
	}
}

// NewService builds a Service. keys may be nil when no server uses stored
// credentials.
func NewService(store Store, gatherer StateGatherer, keys KeyResolver, opts ...Option) *Service {
	s := &Service{store: store, gatherer: gatherer, keys: keys, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = clog.Default()
	}
	s.log = s.log.WithPrefix("drift")
	return s
}

// CheckServerDrift checks every configuration declared for serverID and
// overwrites the matching drift records. A pair whose state cannot be
// gathered is stored as check_failed; other pairs are unaffected. The
// returned error is only set when the server or its expected states cannot
// be loaded, or when records cannot be written.
func (s *Service) CheckServerDrift(ctx context.Context, serverID int64) ([]model.DriftRecord, error) {
	server, err := s.store.GetServer(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("load server %d: %w", serverID, err)
	}
	expected, err := s.store.ListExpectedStates(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("load expected state for server %d: %w", serverID, err)
	}
	if len(expected) == 0 {
		return nil, nil
	}

	target, keyErr := s.target(ctx, server)
	defer target.PrivateKey.Zero()

	records := make([]model.DriftRecord, 0, len(expected))
	var errs []error
	for _, exp := range expected {
		rec := s.checkPair(ctx, target, keyErr, exp)
		if err := s.store.UpsertDriftRecord(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("save drift record %d/%d: %w", rec.ServerID, rec.ConfigurationID, err))
		}
		records = append(records, rec)
	}
	return records, errors.Join(errs...)
}

func (s *Service) checkPair(ctx context.Context, target probe.Target, keyErr error, exp model.ExpectedStateRecord) model.DriftRecord {
	rec := model.DriftRecord{
		ServerID:        exp.ServerID,
		ConfigurationID: exp.ConfigurationID,
		LastChecked:     s.now().UTC(),
	}
	logger := s.log.With("server_id", exp.ServerID, "configuration_id", exp.ConfigurationID)

	err := keyErr
	var actual model.ActualState
	if err == nil {
		actual, err = s.gatherer.GatherState(ctx, target, exp.Expected)
	}
	if err != nil {
		rec.Status = model.DriftCheckFailed
		rec.Error = i18n.Tf("drift.unreachable", err)
		logger.Warn("drift check failed", "err", fmt.Errorf("%w: %v", model.ErrDriftCheckFailed, err))
		s.count(rec.Status)
		return rec
	}

	analysis := Analyze(exp.Expected, actual)
	rec.HasDrift = analysis.HasDrift
	rec.Details = analysis.Details
	rec.Status = model.DriftCompliant
	if analysis.HasDrift {
		rec.Status = model.DriftDetected
		logger.Info("drift detected", "summary", analysis.Summary())
	} else {
		logger.Debug("host compliant")
	}
	s.count(rec.Status)
	return rec
}

// target builds the probe target. A credential that cannot be recovered
// falls back to the configured password; without one the error is
// returned and every pair of the server is marked check_failed.
func (s *Service) target(ctx context.Context, server *model.Server) (probe.Target, error) {
	t := probe.Target{Host: server.Address, Port: server.Port, User: server.Username}
	var keyErr error
	if server.CredentialID != nil && s.keys != nil {
		key, _, err := s.keys.DecryptCredential(ctx, *server.CredentialID)
		if err == nil {
			t.PrivateKey = key
			return t, nil
		}
		keyErr = err
		s.log.Warn("credential unavailable for drift check", "server_id", server.ID, "err", err)
	}
	if !s.fallbackPassword.IsEmpty() {
		t.Password = s.fallbackPassword.Reveal()
		return t, nil
	}
	return t, keyErr
}

func (s *Service) count(status model.DriftStatus) {
	if s.checks != nil {
		s.checks.WithLabelValues(string(status)).Inc()
	}
}

// ScanReport summarizes one tenant scan.
type ScanReport struct {
	OrganizationID string
	Servers        int
	Compliant      int
	Drifted        int
	Failed         int
}

// RunFullDriftScan checks every server of orgID. Per-server failures are
// logged and counted; only a failure to list the servers is returned.
func (s *Service) RunFullDriftScan(ctx context.Context, orgID string) (ScanReport, error) {
	report := ScanReport{OrganizationID: orgID}
	servers, err := s.store.ListServersByOrg(ctx, orgID)
	if err != nil {
		return report, fmt.Errorf("list servers for %s: %w", orgID, err)
	}
	for _, srv := range servers {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Servers++
		records, err := s.CheckServerDrift(ctx, srv.ID)
		if err != nil {
			s.log.Warn("server drift check failed", "org_id", orgID, "server_id", srv.ID, "err", err)
		}
		for _, r := range records {
			switch r.Status {
			case model.DriftCompliant:
				report.Compliant++
			case model.DriftDetected:
				report.Drifted++
			default:
				report.Failed++
			}
		}
		if err != nil && len(records) == 0 {
			report.Failed++
		}
	}
	s.log.Info("drift scan finished", "org_id", orgID, "servers", report.Servers,
		"compliant", report.Compliant, "drifted", report.Drifted, "failed", report.Failed)
	return report, nil
}

// ScanAllTenants scans every organization in turn. A failing tenant does
// not stop the others.
func (s *Service) ScanAllTenants(ctx context.Context) ([]ScanReport, error) {
	orgs, err := s.store.ListOrganizations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}
	reports := make([]ScanReport, 0, len(orgs))
	for _, org := range orgs {
		if ctx.Err() != nil {
			return reports, ctx.Err()
		}
		r, err := s.RunFullDriftScan(ctx, org)
		if err != nil {
			s.log.Error("tenant drift scan failed", "org_id", org, "err", err)
			continue
		}
		reports = append(reports, r)
	}
	return reports, nil
}
