// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

// package orchestrator turns a deployment run into a supervised executor
// process. It resolves target servers, recovers their credentials through
// the vault, writes a per-run inventory and playbook into a scratch
// directory, probes connectivity, runs the executor and streams its output
// into the run log. Scratch directories and key files are always removed.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	clog "github.com/charmbracelet/log"
	"github.com/toeirei/stagehand/internal/i18n"
	"github.com/toeirei/stagehand/internal/model"
	"github.com/toeirei/stagehand/internal/probe"
	"github.com/toeirei/stagehand/internal/security"
	"github.com/toeirei/stagehand/internal/state"
)

// Store is the slice of the persistence layer the orchestrator uses.
// *db.BunStore satisfies it.
type Store interface {
	GetServer(ctx context.Context, id int64) (*model.Server, error)
	ListServersByGroup(ctx context.Context, orgID, group string) ([]model.Server, error)
	GetConfiguration(ctx context.Context, id int64) (*model.Configuration, error)
	CreateRun(ctx context.Context, r model.DeploymentRun) error
	GetRun(ctx context.Context, id string) (*model.DeploymentRun, error)
	ListLineage(ctx context.Context, rootID string) ([]model.DeploymentRun, error)
	UpdateRunStatus(ctx context.Context, id string, next model.RunStatus) error
	AppendRunLog(ctx context.Context, id, text string) error
}

// Prober checks connectivity before the executor starts. *probe.Prober
// satisfies it.
type Prober interface {
	Probe(ctx context.Context, t probe.Target) probe.Result
}

// ProgressFunc receives every line appended to a run's log.
type ProgressFunc func(runID, line string)

// Config holds the orchestrator's tunables.
type Config struct {
	Binary           string
	InstallCommand   string
	WorkDir          string
	KeyDir           string
	FallbackPassword security.Secret
	TaskTimeout      time.Duration
	ConnectTimeout   time.Duration
	RecoveryAttempts int
	RecoveryBackoff  time.Duration
	SweepInterval    time.Duration
	KeyMaxAge        time.Duration
}

func (c Config) withDefaults() Config {
	if c.Binary == "" {
		c.Binary = "ansible-playbook"
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 30 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = probe.DefaultTimeout
	}
	if c.RecoveryAttempts <= 0 {
		c.RecoveryAttempts = 3
	}
	if c.RecoveryBackoff <= 0 {
		c.RecoveryBackoff = 200 * time.Millisecond
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Minute
	}
	if c.KeyMaxAge <= 0 {
		c.KeyMaxAge = time.Hour
	}
	return c
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithProber enables the connectivity pass before execution.
func WithProber(p Prober) Option { return func(o *Orchestrator) { o.prober = p } }

// WithCache shares a credential cache between runs.
func WithCache(c *state.CredentialCache) Option { return func(o *Orchestrator) { o.cache = c } }

// WithMetrics records run outcomes.
func WithMetrics(m *Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

// WithLogger sets the component logger.
func WithLogger(l *clog.Logger) Option { return func(o *Orchestrator) { o.log = l } }

// Orchestrator executes deployment runs. One instance serves the whole
// process; it is safe for concurrent Execute calls with distinct run ids.
type Orchestrator struct {
	cfg      Config
	store    Store
	creds    CredentialSource
	cache    *state.CredentialCache
	prober   Prober
	metrics  *Metrics
	log      *clog.Logger
	registry *Registry
	ws       *Workspace
	now      func() time.Time

	mu      sync.Mutex
	scratch map[string]*RunDir
}

// New builds an Orchestrator and creates its work and key directories.
func New(cfg Config, store Store, creds CredentialSource, opts ...Option) (*Orchestrator, error) {
	if store == nil || creds == nil {
		return nil, errors.New("orchestrator requires a store and a credential source")
	}
	cfg = cfg.withDefaults()
	ws, err := NewWorkspace(cfg.WorkDir, cfg.KeyDir)
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		cfg:      cfg,
		store:    store,
		creds:    creds,
		registry: NewRegistry(),
		ws:       ws,
		now:      time.Now,
		scratch:  make(map[string]*RunDir),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = clog.Default()
	}
	o.log = o.log.WithPrefix("orchestrator")
	return o, nil
}

// Registry exposes the live-process registry.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// runState carries one execution's mutable context.
type runState struct {
	o        *Orchestrator
	ctx      context.Context
	run      *model.DeploymentRun
	config   *model.Configuration
	dir      *RunDir
	handle   *Handle
	progress ProgressFunc

	mu       sync.Mutex
	lastLine []string
}

const tailLines = 50

// logf appends a timestamped narrative line.
func (rs *runState) logf(line string) {
	ts := rs.o.now().UTC().Format(time.RFC3339)
	rs.append(fmt.Sprintf("[%s] %s", ts, line))
}

// output appends raw executor output.
func (rs *runState) output(text string) {
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		rs.append(line)
	}
}

func (rs *runState) append(line string) {
	rs.mu.Lock()
	rs.lastLine = append(rs.lastLine, line)
	if len(rs.lastLine) > tailLines {
		rs.lastLine = rs.lastLine[len(rs.lastLine)-tailLines:]
	}
	rs.mu.Unlock()

	if err := rs.o.store.AppendRunLog(rs.ctx, rs.run.ID, line+"\n"); err != nil {
		rs.o.log.Warn("append run log failed", "run_id", rs.run.ID, "err", err)
	}
	if rs.progress != nil {
		rs.progress(rs.run.ID, line)
	}
}

func (rs *runState) tail() string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return strings.Join(rs.lastLine, "\n")
}

// Execute runs a pending deployment run to a terminal status. Every failure
// is appended to the run log and persisted as a status; the returned error
// describes the same failure for the caller. The scratch directory and key
// files are removed before Execute returns.
func (o *Orchestrator) Execute(ctx context.Context, runID string, progress ProgressFunc) (err error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}
	if run.Status != model.RunPending {
		return fmt.Errorf("%w: run %s is %s", model.ErrInvalidTransition, runID, run.Status)
	}
	if err := o.store.UpdateRunStatus(ctx, runID, model.RunRunning); err != nil {
		return fmt.Errorf("start run %s: %w", runID, err)
	}

	// Status and log writes outlive a cancelled caller context.
	rs := &runState{o: o, ctx: context.WithoutCancel(ctx), run: run, progress: progress}
	start := o.now()
	rs.logf(i18n.Tf("run.started", run.ID, run.Version, run.Target.String()))
	o.log.Info("run started", "run_id", run.ID, "org_id", run.OrganizationID, "target", run.Target.String(), "version", run.Version)

	outcome := string(model.RunFailed)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("run %s panicked: %v", runID, r)
			rs.logf(i18n.Tf("run.failed", err))
			o.finish(rs, model.RunFailed)
			outcome = string(model.RunFailed)
		}
		if cerr := o.Cleanup(runID); cerr != nil {
			rs.logf(i18n.Tf("run.cleanup_failed", cerr))
		}
		o.metrics.runFinished(outcome, o.now().Sub(start).Seconds())
	}()

	simulated, err := o.execute(ctx, rs)
	switch {
	case err == nil:
		if simulated {
			outcome = "simulated"
		} else {
			outcome = string(model.RunCompleted)
		}
		rs.logf(i18n.T("run.completed"))
		o.finish(rs, model.RunCompleted)
	case (rs.handle != nil && rs.handle.Cancelled()) || errors.Is(err, context.Canceled):
		outcome = string(model.RunCancelled)
		rs.logf(i18n.T("run.cancelled"))
		o.finish(rs, model.RunCancelled)
	default:
		var exitErr *model.ExecutorExitError
		if errors.As(err, &exitErr) {
			rs.logf(i18n.Tf("run.failed_exit", exitErr.Code))
		} else {
			rs.logf(i18n.Tf("run.failed", err))
		}
		o.finish(rs, model.RunFailed)
	}
	return err
}

func (o *Orchestrator) finish(rs *runState, status model.RunStatus) {
	if err := o.store.UpdateRunStatus(rs.ctx, rs.run.ID, status); err != nil {
		o.log.Error("persist run status failed", "run_id", rs.run.ID, "status", status, "err", err)
		return
	}
	o.log.Info("run finished", "run_id", rs.run.ID, "status", status)
}

// execute does the work between the running and terminal transitions. It
// reports whether the simulated executor was used.
func (o *Orchestrator) execute(ctx context.Context, rs *runState) (bool, error) {
	cfg, err := o.store.GetConfiguration(ctx, rs.run.ConfigurationID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			rs.logf(i18n.Tf("run.config_not_found", rs.run.ConfigurationID))
			return false, fmt.Errorf("%w: %d", model.ErrConfigurationNotFound, rs.run.ConfigurationID)
		}
		return false, fmt.Errorf("load configuration: %w", err)
	}
	if cfg.OrganizationID != "" && cfg.OrganizationID != rs.run.OrganizationID {
		rs.logf(i18n.Tf("run.config_not_found", rs.run.ConfigurationID))
		return false, fmt.Errorf("%w: %d", model.ErrConfigurationNotFound, rs.run.ConfigurationID)
	}
	rs.config = cfg

	servers, err := o.resolveTargets(ctx, rs.run)
	if err != nil {
		if errors.Is(err, model.ErrNoTargetServers) {
			rs.logf(i18n.Tf("run.no_targets", rs.run.Target.String()))
		}
		return false, err
	}
	rs.logf(i18n.Tf("run.targets_resolved", rs.run.Target.String(), len(servers)))

	dir, err := o.ws.Prepare(rs.run.ID)
	if err != nil {
		return false, err
	}
	rs.dir = dir
	o.mu.Lock()
	o.scratch[rs.run.ID] = dir
	o.mu.Unlock()

	hosts, err := o.prepareHosts(ctx, rs, servers)
	defer wipeHosts(hosts)
	if err != nil {
		return false, err
	}

	invBytes, err := BuildInventory(hosts)
	if err != nil {
		return false, err
	}
	inventory, err := dir.WriteFile(inventoryFile, invBytes)
	if err != nil {
		return false, err
	}
	playbook, err := dir.WriteFile(playbookFile, []byte(cfg.Body))
	if err != nil {
		return false, err
	}
	rs.logf(i18n.Tf("run.workspace_ready", len(hosts)))

	o.probeHosts(ctx, rs, hosts)
	if err := ctx.Err(); err != nil {
		return false, err
	}

	binary, err := o.resolveExecutor(ctx, rs)
	if err == nil {
		err = o.runExecutor(ctx, rs, binary, inventory, playbook)
	}
	if errors.Is(err, model.ErrExecutorNotInstalled) {
		o.simulate(rs, hosts)
		return true, nil
	}
	return false, err
}

// resolveTargets expands the run's target reference into servers of the
// run's organization.
func (o *Orchestrator) resolveTargets(ctx context.Context, run *model.DeploymentRun) ([]model.Server, error) {
	switch run.Target.Kind {
	case model.TargetServer:
		id, ok := run.Target.ServerID()
		if !ok {
			return nil, fmt.Errorf("%w: %s", model.ErrNoTargetServers, run.Target)
		}
		s, err := o.store.GetServer(ctx, id)
		if errors.Is(err, model.ErrNotFound) || (err == nil && s.OrganizationID != run.OrganizationID) {
			return nil, fmt.Errorf("%w: %s", model.ErrNoTargetServers, run.Target)
		}
		if err != nil {
			return nil, fmt.Errorf("load server %d: %w", id, err)
		}
		return []model.Server{*s}, nil
	case model.TargetGroup:
		servers, err := o.store.ListServersByGroup(ctx, run.OrganizationID, run.Target.Value)
		if err != nil {
			return nil, fmt.Errorf("list group %s: %w", run.Target.Value, err)
		}
		if len(servers) == 0 {
			return nil, fmt.Errorf("%w: %s", model.ErrNoTargetServers, run.Target)
		}
		return servers, nil
	}
	return nil, fmt.Errorf("%w: %s", model.ErrNoTargetServers, run.Target)
}

// prepareHosts recovers auth material for every server. A host whose key
// cannot be recovered falls back to the global password, or to no auth at
// all; it is never dropped from the inventory.
func (o *Orchestrator) prepareHosts(ctx context.Context, rs *runState, servers []model.Server) ([]HostEntry, error) {
	names := uniqueNames(servers)
	hosts := make([]HostEntry, 0, len(servers))
	for i, s := range servers {
		if err := ctx.Err(); err != nil {
			return hosts, err
		}
		h := HostEntry{Server: s, Name: names[i], Auth: AuthNone}
		if s.CredentialID != nil {
			key, attempt, err := o.recoverCredential(ctx, *s.CredentialID, func(attempt int, err error) {
				rs.logf(i18n.Tf("run.credential_retry", h.Name, attempt, err))
			})
			if err == nil {
				path, werr := rs.dir.WriteKey(key)
				if werr != nil {
					key.Zero()
					return hosts, werr
				}
				h.Auth, h.KeyFile, h.Key = AuthKey, path, key
				rs.logf(i18n.Tf("run.credential_recovered", h.Name, attempt))
			} else {
				o.metrics.recoveryFailed()
				o.log.Warn("credential recovery failed", "run_id", rs.run.ID, "server_id", s.ID, "attempts", attempt, "err", err)
				rs.logf(i18n.Tf("run.credential_failed", h.Name, attempt, err))
			}
		}
		if h.Auth == AuthNone {
			if !o.cfg.FallbackPassword.IsEmpty() {
				h.Auth, h.Password = AuthPassword, o.cfg.FallbackPassword
				rs.logf(i18n.Tf("run.credential_fallback_password", h.Name))
			} else if s.CredentialID != nil {
				rs.logf(i18n.Tf("run.credential_none", h.Name))
			}
		}
		hosts = append(hosts, h)
	}
	return hosts, nil
}

// probeHosts checks each host once. Failures are logged and never stop
// the run.
func (o *Orchestrator) probeHosts(ctx context.Context, rs *runState, hosts []HostEntry) {
	if o.prober == nil {
		return
	}
	for _, h := range hosts {
		t := probe.Target{
			Host:       h.Server.Address,
			Port:       h.Server.Port,
			User:       h.Server.Username,
			PrivateKey: h.Key,
		}
		if h.Auth == AuthPassword {
			t.Password = h.Password.Reveal()
		}
		res := o.prober.Probe(ctx, t)
		if res.Success {
			facts := ""
			if res.Facts != nil {
				facts = res.Facts.String()
			}
			rs.logf(i18n.Tf("run.probe_ok", h.Name, facts))
			continue
		}
		o.log.Warn("connectivity probe failed", "run_id", rs.run.ID, "server_id", h.Server.ID, "err", res.Error)
		rs.logf(i18n.Tf("run.probe_failed", h.Name, res.Error))
	}
}

func wipeHosts(hosts []HostEntry) {
	for i := range hosts {
		hosts[i].Key.Zero()
	}
}

// Cancel terminates the executor of runID. It returns false when no
// process is tracked for the run.
func (o *Orchestrator) Cancel(runID string) bool {
	ok := o.registry.Cancel(runID)
	if ok {
		o.log.Info("run cancellation requested", "run_id", runID)
	}
	return ok
}

// Shutdown cancels every live executor.
func (o *Orchestrator) Shutdown() int {
	return o.registry.CancelAll()
}

// Cleanup removes the scratch directory and key files of runID. It is a
// no-op for runs without a workspace.
func (o *Orchestrator) Cleanup(runID string) error {
	o.mu.Lock()
	dir, ok := o.scratch[runID]
	delete(o.scratch, runID)
	o.mu.Unlock()
	if !ok {
		return nil
	}
	if err := dir.Cleanup(); err != nil {
		o.log.Warn("workspace cleanup failed", "run_id", runID, "err", err)
		return err
	}
	o.log.Debug("workspace removed", "run_id", runID, "path", dir.Path)
	return nil
}

// StartKeySweeper removes stale key files and expired cache entries every
// SweepInterval until ctx is done.
func (o *Orchestrator) StartKeySweeper(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.SweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.SweepKeys()
				if o.cache != nil {
					o.cache.Purge()
				}
			}
		}
	}()
}

// SweepKeys runs one sweep and returns how many files were removed.
func (o *Orchestrator) SweepKeys() int {
	n, err := o.ws.SweepKeys(o.cfg.KeyMaxAge, o.now())
	if err != nil {
		o.log.Warn("key sweep incomplete", "err", err)
	}
	if n > 0 {
		o.log.Info("stale key files removed", "count", n)
	}
	return n
}
