// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package probe

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/toeirei/stagehand/internal/logging"
	"github.com/toeirei/stagehand/internal/model"
	"golang.org/x/crypto/ssh/agent"
)

const osRelease = `NAME="Ubuntu"
VERSION_ID="22.04"
ID=ubuntu
PRETTY_NAME="Ubuntu 22.04.4 LTS"
`

func linuxHandler(cmd string) (string, uint32) {
	switch {
	case cmd == identifyCommand:
		return "Linux web-01 5.15.0-91-generic x86_64\n", 0
	case cmd == "cat "+osReleasePath:
		return osRelease, 0
	case strings.HasPrefix(cmd, "dpkg-query"):
		return "nginx\t1.18.0-6ubuntu14.4\tinstall ok installed\n" +
			"curl\t7.81.0-1\tdeinstall ok config-files\n", 0
	case strings.HasPrefix(cmd, "for s in"):
		return "nginx\tinactive\tenabled\nmissing\tinactive\t\n", 0
	case strings.HasPrefix(cmd, "ss -H"):
		return "tcp   LISTEN 0 511 0.0.0.0:22 0.0.0.0:*\n" +
			"tcp   LISTEN 0 511 [::]:443 [::]:*\n" +
			"udp   UNCONN 0 0 127.0.0.53%lo:53 0.0.0.0:*\n", 0
	}
	return "", 127
}

func testConfig() Config {
	return Config{Timeout: 2 * time.Second, Attempts: 3, Backoff: time.Millisecond}
}

func newTestProber(hostKeys HostKeyStore, cfg Config) *Prober {
	p := New(cfg, hostKeys, logging.Discard())
	p.agent = func() agent.Agent { return nil }
	return p
}

func splitAddr(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, port, err := ParseHostPort(addr)
	if err != nil {
		t.Fatalf("ParseHostPort(%q): %v", addr, err)
	}
	return host, port
}

func TestProbeWithKeyRecordsHostKey(t *testing.T) {
	ts := startTestServer(t, serverOptions{handler: linuxHandler})
	keys := newMemHostKeys()
	p := newTestProber(keys, testConfig())
	host, port := splitAddr(t, ts.addr)

	res := p.Probe(context.Background(), Target{Host: host, Port: port, User: "deploy", PrivateKey: ts.clientKey})
	if !res.Success {
		t.Fatalf("expected success, got error %q", res.Error)
	}
	if res.Facts == nil || res.Facts.Hostname != "web-01" || res.Facts.Arch != "x86_64" {
		t.Fatalf("unexpected facts: %+v", res.Facts)
	}
	if res.Facts.OSID != "ubuntu" || res.Facts.OSPrettyName != "Ubuntu 22.04.4 LTS" {
		t.Fatalf("os-release fallback not parsed: %+v", res.Facts)
	}
	if res.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", res.Attempts)
	}

	canonical, _ := CanonicalizeHostPort(ts.addr, 22)
	if keys.keys[canonical] == "" {
		t.Fatalf("host key for %s was not recorded", canonical)
	}

	// Second probe reuses the recorded key.
	if res := p.Probe(context.Background(), Target{Host: host, Port: port, User: "deploy", PrivateKey: ts.clientKey}); !res.Success {
		t.Fatalf("second probe failed: %s", res.Error)
	}
}

func TestProbeReadsOSReleaseOverSFTP(t *testing.T) {
	ts := startTestServer(t, serverOptions{withSFTP: true, handler: func(cmd string) (string, uint32) {
		if cmd == identifyCommand {
			return "Linux db-01 6.1.0 aarch64\n", 0
		}
		return "", 127
	}})
	ts.writeFile(t, "/etc", "os-release", "ID=debian\nVERSION_ID=\"12\"\nPRETTY_NAME=\"Debian GNU/Linux 12 (bookworm)\"\n")

	p := newTestProber(nil, testConfig())
	res := p.Probe(context.Background(), Target{Host: ts.addr, User: "deploy", PrivateKey: ts.clientKey})
	if !res.Success {
		t.Fatalf("expected success, got %q", res.Error)
	}
	if res.Facts.OSID != "debian" || res.Facts.OSVersion != "12" {
		t.Fatalf("sftp os-release not parsed: %+v", res.Facts)
	}
}

func TestProbeWithPassword(t *testing.T) {
	ts := startTestServer(t, serverOptions{password: "s3cret", handler: linuxHandler})
	p := newTestProber(nil, testConfig())

	res := p.Probe(context.Background(), Target{Host: ts.addr, User: "deploy", Password: "s3cret"})
	if !res.Success {
		t.Fatalf("expected success, got %q", res.Error)
	}
}

func TestProbeAuthFailureIsNotRetried(t *testing.T) {
	ts := startTestServer(t, serverOptions{password: "s3cret", handler: linuxHandler})
	p := newTestProber(nil, testConfig())

	res := p.Probe(context.Background(), Target{Host: ts.addr, User: "deploy", Password: "wrong"})
	if res.Success {
		t.Fatalf("expected failure")
	}
	if !IsAuthenticationError(res.Err) {
		t.Fatalf("expected authentication error, got %v", res.Err)
	}
	if res.Attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", res.Attempts)
	}
	if res.Error == "" {
		t.Fatalf("expected error text")
	}
}

func TestProbeRejectsChangedHostKey(t *testing.T) {
	ts := startTestServer(t, serverOptions{handler: linuxHandler})
	keys := newMemHostKeys()
	canonical, _ := CanonicalizeHostPort(ts.addr, 22)
	keys.keys[canonical] = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIOtherKeyThatDoesNotMatchAnything"

	p := newTestProber(keys, testConfig())
	res := p.Probe(context.Background(), Target{Host: ts.addr, User: "deploy", PrivateKey: ts.clientKey})
	if res.Success {
		t.Fatalf("expected host key failure")
	}
	if !IsHostKeyError(res.Err) {
		t.Fatalf("expected host key error, got %v", res.Err)
	}
	if res.Attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", res.Attempts)
	}
}

func TestProbeConnectionRefusedIsRetried(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	key, _ := newClientKey(t)
	p := newTestProber(nil, testConfig())
	res := p.Probe(context.Background(), Target{Host: addr, User: "deploy", PrivateKey: key})
	if res.Success {
		t.Fatalf("expected failure")
	}
	if res.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", res.Attempts)
	}
	if !IsConnectionRefusedError(res.Err) {
		t.Fatalf("expected refused error, got %v", res.Err)
	}
}

func TestProbeHandshakeTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = ln.Close() }()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			// Never speak SSH.
			defer func() { _ = conn.Close() }()
		}
	}()

	key, _ := newClientKey(t)
	p := newTestProber(nil, Config{Timeout: 200 * time.Millisecond, Attempts: 2, Backoff: time.Millisecond})
	start := time.Now()
	res := p.Probe(context.Background(), Target{Host: ln.Addr().String(), User: "deploy", PrivateKey: key})
	if res.Success {
		t.Fatalf("expected timeout failure")
	}
	if !IsConnectionTimeoutError(res.Err) {
		t.Fatalf("expected timeout classification, got %v", res.Err)
	}
	if res.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", res.Attempts)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("probe exceeded its bound: %s", time.Since(start))
	}
}

func TestProbeWithoutAnyAuthMethod(t *testing.T) {
	p := newTestProber(nil, testConfig())
	res := p.Probe(context.Background(), Target{Host: "127.0.0.1", Port: 1, User: "deploy"})
	if res.Success || res.Attempts != 1 {
		t.Fatalf("expected immediate failure, got %+v", res)
	}
	if !IsAuthenticationError(res.Err) {
		t.Fatalf("expected no-auth error, got %v", res.Err)
	}
}

func TestProbeHonorsCancelledContext(t *testing.T) {
	key, _ := newClientKey(t)
	p := newTestProber(nil, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := p.Probe(ctx, Target{Host: "127.0.0.1", Port: 1, User: "deploy", PrivateKey: key})
	if res.Success {
		t.Fatalf("expected failure on cancelled context")
	}
}

func TestGatherState(t *testing.T) {
	ts := startTestServer(t, serverOptions{handler: linuxHandler})
	p := newTestProber(nil, testConfig())

	enabled := true
	expected := model.ExpectedState{
		Packages: map[string]model.PackageSpec{"nginx": {Version: "1.18"}, "curl": {}, "bad;name": {}},
		Services: map[string]model.ServiceSpec{"nginx": {State: "running", Enabled: &enabled}, "missing": {State: "running"}},
		Ports:    []model.PortSpec{{Port: 22}, {Port: 443}},
	}
	actual, err := p.GatherState(context.Background(), Target{Host: ts.addr, User: "deploy", PrivateKey: ts.clientKey}, expected)
	if err != nil {
		t.Fatalf("GatherState: %v", err)
	}
	if actual.Packages["nginx"] != "1.18.0-6ubuntu14.4" {
		t.Fatalf("unexpected packages: %v", actual.Packages)
	}
	if _, ok := actual.Packages["curl"]; ok {
		t.Fatalf("removed package reported as installed")
	}
	if svc, ok := actual.Services["nginx"]; !ok || svc.State != "stopped" || !svc.Enabled {
		t.Fatalf("unexpected nginx service: %+v", actual.Services)
	}
	if _, ok := actual.Services["missing"]; ok {
		t.Fatalf("missing unit reported as present")
	}
	if !actual.HasPort(model.PortSpec{Port: 22}) || !actual.HasPort(model.PortSpec{Port: 443}) {
		t.Fatalf("unexpected ports: %v", actual.Ports)
	}
	if !actual.HasPort(model.PortSpec{Port: 53, Protocol: "udp"}) {
		t.Fatalf("udp listener not parsed: %v", actual.Ports)
	}
}

func TestGatherStateUnreachable(t *testing.T) {
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	addr := ln.Addr().String()
	_ = ln.Close()

	key, _ := newClientKey(t)
	p := newTestProber(nil, testConfig())
	if _, err := p.GatherState(context.Background(), Target{Host: addr, User: "u", PrivateKey: key}, model.ExpectedState{}); err == nil {
		t.Fatalf("expected error for unreachable host")
	}
}
