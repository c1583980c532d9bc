// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package orchestrator

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/toeirei/stagehand/internal/db"
	"github.com/toeirei/stagehand/internal/logging"
	"github.com/toeirei/stagehand/internal/model"
	"github.com/toeirei/stagehand/internal/probe"
	"github.com/toeirei/stagehand/internal/security"
	"github.com/toeirei/stagehand/internal/state"
	"github.com/toeirei/stagehand/internal/vault"
	"golang.org/x/crypto/ssh"
)

const (
	testOrg      = "acme"
	testPlaybook = "- hosts: all\n  tasks:\n    - ping:\n"
)

type fixture struct {
	store    *db.BunStore
	vault    *vault.Vault
	orch     *Orchestrator
	workDir  string
	keyDir   string
	configID int64
	serverID int64
}

func newKeyPEM(t *testing.T) security.Secret {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	return security.Secret(pem.EncodeToMemory(block))
}

// writeExecutor writes a fake executor script and returns its path.
func writeExecutor(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-playbook")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

// newFixture opens an in-memory store, stores one credential and one
// server using it, and builds an orchestrator around them.
func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	store, err := db.NewStoreFromDSN(ctx, "sqlite", "file:"+name+"?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	v, err := vault.New(security.FromString("test-master-secret"), store, logging.Discard())
	require.NoError(t, err)

	credID, err := v.Store(ctx, testOrg, "deploy-key", newKeyPEM(t))
	require.NoError(t, err)
	serverID, err := store.CreateServer(ctx, model.Server{
		OrganizationID: testOrg, Name: "web-01", Address: "10.0.0.1", Port: 22,
		Username: "deploy", Group: "web", CredentialID: &credID,
	})
	require.NoError(t, err)
	configID, err := store.CreateConfiguration(ctx, model.Configuration{
		OrganizationID: testOrg, Name: "base", Type: "ansible", Body: testPlaybook,
	})
	require.NoError(t, err)

	f := &fixture{store: store, vault: v, workDir: t.TempDir(), keyDir: t.TempDir(), configID: configID, serverID: serverID}
	cfg.WorkDir, cfg.KeyDir = f.workDir, f.keyDir
	if cfg.RecoveryBackoff == 0 {
		cfg.RecoveryBackoff = time.Millisecond
	}
	opts = append([]Option{WithLogger(logging.Discard()), WithCache(state.NewCredentialCache(time.Minute))}, opts...)
	f.orch, err = New(cfg, store, v, opts...)
	require.NoError(t, err)
	return f
}

func (f *fixture) newRun(t *testing.T, target model.TargetRef) *model.DeploymentRun {
	t.Helper()
	run, err := f.orch.CreateRun(context.Background(), RunRequest{
		OrganizationID: testOrg, ConfigurationID: f.configID, Target: target,
	})
	require.NoError(t, err)
	return run
}

func (f *fixture) serverTarget() model.TargetRef {
	return model.TargetRef{Kind: model.TargetServer, Value: strconv.FormatInt(f.serverID, 10)}
}

func (f *fixture) reload(t *testing.T, id string) *model.DeploymentRun {
	t.Helper()
	run, err := f.store.GetRun(context.Background(), id)
	require.NoError(t, err)
	return run
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

// lineRecorder is a concurrency-safe ProgressFunc.
type lineRecorder struct {
	mu    sync.Mutex
	lines []string
	seen  chan string
}

func newLineRecorder() *lineRecorder { return &lineRecorder{seen: make(chan string, 256)} }

func (r *lineRecorder) record(_ string, line string) {
	r.mu.Lock()
	r.lines = append(r.lines, line)
	r.mu.Unlock()
	select {
	case r.seen <- line:
	default:
	}
}

func (r *lineRecorder) joined() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.lines, "\n")
}

// fakeProber records probed hosts and fails every probe.
type fakeProber struct {
	mu      sync.Mutex
	targets []probe.Target
}

func (p *fakeProber) Probe(_ context.Context, t probe.Target) probe.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.targets = append(p.targets, t)
	return probe.Result{Success: false, Error: "dial tcp " + t.Addr() + ": connect: connection refused", Attempts: 1}
}
