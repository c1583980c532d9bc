// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/toeirei/stagehand/internal/db"
	"github.com/toeirei/stagehand/internal/i18n"
	"golang.org/x/crypto/ssh"
)

// testEnv points every command at a fresh sqlite file and a fake executor.
type testEnv struct {
	dir    string
	dbPath string
}

func setupTestEnv(t *testing.T, executorBody string) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{dir: dir, dbPath: filepath.Join(dir, "stagehand.db")}

	// Keep any real user configuration out of the tests.
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))

	executor := filepath.Join(dir, "fake-playbook")
	if err := os.WriteFile(executor, []byte("#!/bin/sh\n"+executorBody+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	t.Setenv("STAGEHAND_DATABASE_TYPE", "sqlite")
	t.Setenv("STAGEHAND_DATABASE_DSN", env.dbPath)
	t.Setenv("STAGEHAND_VAULT_MASTER_SECRET", "cli-test-master-secret")
	t.Setenv("STAGEHAND_EXECUTOR_BINARY", executor)
	t.Setenv("STAGEHAND_EXECUTOR_WORK_DIR", filepath.Join(dir, "runs"))
	t.Setenv("STAGEHAND_EXECUTOR_KEY_DIR", filepath.Join(dir, "keys"))
	t.Setenv("STAGEHAND_PROBE_TIMEOUT", "200ms")
	t.Setenv("STAGEHAND_PROBE_ATTEMPTS", "1")
	t.Setenv("STAGEHAND_PROBE_BACKOFF", "0s")
	t.Setenv("STAGEHAND_LOG_LEVEL", "error")

	stdinIsTerminal = func() bool { return false }
	t.Cleanup(func() { stdinIsTerminal = func() bool { return false } })
	i18n.Init("en")
	return env
}

// executeCommand runs a fresh root command and returns its output.
func executeCommand(t *testing.T, stdin io.Reader, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	if stdin != nil {
		root.SetIn(stdin)
	}
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func mustExecute(t *testing.T, args ...string) string {
	t.Helper()
	out, err := executeCommand(t, nil, args...)
	if err != nil {
		t.Fatalf("%v failed: %v\noutput: %s", args, err, out)
	}
	return out
}

func (e *testEnv) writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(e.dir, name)
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func (e *testEnv) writeKey(t *testing.T) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatal(err)
	}
	return e.writeFile(t, "id_ed25519", string(pem.EncodeToMemory(block)))
}

var runIDPattern = regexp.MustCompile(`run ([0-9a-f-]{36}) created \(version (\d+)\)`)

func TestVersionCommand(t *testing.T) {
	out := mustExecute(t, "version")
	if !strings.HasPrefix(out, "stagehand ") {
		t.Fatalf("unexpected version output: %q", out)
	}
}

func TestCredentialLifecycle(t *testing.T) {
	env := setupTestEnv(t, "exit 0")
	keyFile := env.writeKey(t)

	out := mustExecute(t, "credential", "add", "deploy-key", "--org", "acme", "--file", keyFile)
	if !strings.Contains(out, "credential 1 stored (fingerprint ") {
		t.Fatalf("unexpected add output: %s", out)
	}

	out = mustExecute(t, "credential", "list", "--org", "acme")
	if !strings.Contains(out, "deploy-key") || !strings.Contains(out, "v4") {
		t.Fatalf("credential missing from list: %s", out)
	}

	out = mustExecute(t, "credential", "verify", "1", "--org", "acme")
	if !strings.Contains(out, "credential 1 is valid") {
		t.Fatalf("unexpected verify output: %s", out)
	}
	if out, err := executeCommand(t, nil, "credential", "verify", "1", "--org", "globex"); err == nil {
		t.Fatalf("verify under another tenant must fail: %s", out)
	}

	mustExecute(t, "server", "add", "127.0.0.1", "--org", "acme", "--name", "web-01", "--port", "1", "--user", "deploy", "--credential", "1")

	out, err := executeCommand(t, nil, "credential", "delete", "1", "--yes")
	if err == nil || !strings.Contains(err.Error(), "referenced by servers") {
		t.Fatalf("delete of a referenced credential must fail, got %v (%s)", err, out)
	}

	out, err = executeCommand(t, strings.NewReader("n\n"), "credential", "delete", "1")
	if err == nil || !strings.Contains(err.Error(), "aborted") {
		t.Fatalf("declined confirmation must abort, got %v (%s)", err, out)
	}

	mustExecute(t, "server", "set-credential", "1")
	out, err = executeCommand(t, strings.NewReader("y\n"), "credential", "delete", "1")
	if err != nil || !strings.Contains(out, "credential 1 deleted") {
		t.Fatalf("delete failed: %v (%s)", err, out)
	}

	out = mustExecute(t, "credential", "rotate", "--org", "acme")
	if !strings.Contains(out, "rotated 0 credential(s), 0 failed") {
		t.Fatalf("unexpected rotate output: %s", out)
	}
}

func TestDeployAndRedeploy(t *testing.T) {
	env := setupTestEnv(t, `echo "PLAY [all]"; grep -q web-01 "$2" && echo "PLAY RECAP ok=1"`)
	keyFile := env.writeKey(t)
	playbook := env.writeFile(t, "site.yml", "- hosts: all\n  tasks:\n    - ping:\n")

	mustExecute(t, "credential", "add", "deploy-key", "--org", "acme", "--file", keyFile)
	mustExecute(t, "server", "add", "127.0.0.1", "--org", "acme", "--name", "web-01", "--port", "1", "--user", "deploy", "--group", "web", "--credential", "1")
	out := mustExecute(t, "configuration", "add", "site", playbook, "--org", "acme")
	if !strings.Contains(out, "configuration 1 added") {
		t.Fatalf("unexpected configuration output: %s", out)
	}

	out = mustExecute(t, "deploy", "1", "group:web", "--org", "acme")
	m := runIDPattern.FindStringSubmatch(out)
	if m == nil || m[2] != "1" {
		t.Fatalf("no run id in output: %s", out)
	}
	runID := m[1]
	for _, want := range []string{"PLAY RECAP ok=1", "finished with status completed"} {
		if !strings.Contains(out, want) {
			t.Fatalf("deploy output missing %q: %s", want, out)
		}
	}

	out = mustExecute(t, "redeploy", runID)
	m = runIDPattern.FindStringSubmatch(out)
	if m == nil || m[2] != "2" {
		t.Fatalf("redeploy should create version 2: %s", out)
	}

	out = mustExecute(t, "runs", "list", "--org", "acme")
	if strings.Count(out, "completed") != 2 {
		t.Fatalf("expected two completed runs: %s", out)
	}
	out = mustExecute(t, "runs", "show", runID)
	if !strings.Contains(out, "run completed successfully") {
		t.Fatalf("run log not printed: %s", out)
	}

	entries, _ := os.ReadDir(filepath.Join(env.dir, "keys"))
	if len(entries) != 0 {
		t.Fatalf("key files left behind: %d", len(entries))
	}
}

func TestDeployFailingExecutor(t *testing.T) {
	env := setupTestEnv(t, `echo "fatal: unreachable" >&2; exit 4`)
	playbook := env.writeFile(t, "site.yml", "- hosts: all\n")
	mustExecute(t, "server", "add", "127.0.0.1", "--org", "acme", "--port", "1")
	mustExecute(t, "configuration", "add", "site", playbook, "--org", "acme")

	out, err := executeCommand(t, nil, "deploy", "1", "server:1", "--org", "acme")
	if err == nil {
		t.Fatalf("deploy with a failing executor must return an error: %s", out)
	}
	if !strings.Contains(out, "fatal: unreachable") || !strings.Contains(out, "finished with status failed") {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestDeployRejectsBadTarget(t *testing.T) {
	setupTestEnv(t, "exit 0")
	if _, err := executeCommand(t, nil, "deploy", "1", "cluster:x", "--org", "acme"); err == nil {
		t.Fatalf("unknown target kind must be rejected")
	}
}

func TestDriftCheckUnreachableHost(t *testing.T) {
	env := setupTestEnv(t, "exit 0")
	playbook := env.writeFile(t, "site.yml", "- hosts: all\n")
	state := env.writeFile(t, "expected.yaml", "services:\n  nginx:\n    state: running\nports:\n  - port: 80\n")
	mustExecute(t, "server", "add", "127.0.0.1", "--org", "acme", "--port", "1")
	mustExecute(t, "configuration", "add", "site", playbook, "--org", "acme")
	mustExecute(t, "server", "expect", "1", "1", state)

	out := mustExecute(t, "drift", "check", "1")
	if !strings.Contains(out, "check_failed") || !strings.Contains(out, "actual state could not be gathered") {
		t.Fatalf("unexpected drift output: %s", out)
	}
	out = mustExecute(t, "drift", "scan")
	if !strings.Contains(out, "acme: 1 server(s), 0 compliant, 0 drifted, 1 failed") {
		t.Fatalf("unexpected scan output: %s", out)
	}
	out = mustExecute(t, "drift", "show", "--org", "acme")
	if !strings.Contains(out, "check_failed") {
		t.Fatalf("drift record not persisted: %s", out)
	}
}

func TestExportAndInspect(t *testing.T) {
	env := setupTestEnv(t, "exit 0")
	mustExecute(t, "server", "add", "127.0.0.1", "--org", "acme")
	mustExecute(t, "server", "add", "127.0.0.2", "--org", "globex")

	target := filepath.Join(env.dir, "backup.json")
	out := mustExecute(t, "export", target)
	if !strings.Contains(out, target+".zst") {
		t.Fatalf("unexpected export output: %s", out)
	}
	out = mustExecute(t, "db", "inspect", target+".zst")
	if !strings.Contains(out, "servers:        2") {
		t.Fatalf("unexpected inspect output: %s", out)
	}
	mustExecute(t, "db", "maintain")
}

func TestConfigInitWritesFile(t *testing.T) {
	env := setupTestEnv(t, "exit 0")
	out := mustExecute(t, "config", "init")
	path := filepath.Join(env.dir, "config", "stagehand", "stagehand.yaml")
	if !strings.Contains(out, path) {
		t.Fatalf("unexpected config init output: %s", out)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if !strings.Contains(string(data), env.dbPath) {
		t.Fatalf("effective dsn not persisted: %s", data)
	}
}

func TestVerboseEnablesDBDebugLogging(t *testing.T) {
	setupTestEnv(t, "exit 0")
	t.Cleanup(func() { db.SetDebug(false) })

	mustExecute(t, "db", "maintain", "--verbose")
	if !db.DebugEnabled() {
		t.Fatalf("--verbose should enable database debug logging")
	}
	mustExecute(t, "db", "maintain")
	if db.DebugEnabled() {
		t.Fatalf("database debug logging should follow log.level")
	}
}

func TestCommandsRequireMasterSecret(t *testing.T) {
	setupTestEnv(t, "exit 0")
	t.Setenv("STAGEHAND_VAULT_MASTER_SECRET", "")
	_, err := executeCommand(t, nil, "drift", "scan")
	if err == nil || !strings.Contains(err.Error(), "master_secret") {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
