// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package probe

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const (
	identifyCommand = "uname -snrm"
	osReleasePath   = "/etc/os-release"
	// osReleaseMax bounds how much of os-release is read.
	osReleaseMax = 64 << 10
)

// HostFacts describes the operating system of a probed host.
type HostFacts struct {
	Kernel        string `json:"kernel"`
	Hostname      string `json:"hostname"`
	KernelRelease string `json:"kernel_release"`
	Arch          string `json:"arch"`
	OSID          string `json:"os_id,omitempty"`
	OSVersion     string `json:"os_version,omitempty"`
	OSPrettyName  string `json:"os_pretty_name,omitempty"`
}

func (f HostFacts) String() string {
	name := f.OSPrettyName
	if name == "" {
		name = f.Kernel
	}
	return fmt.Sprintf("%s %s (%s)", name, f.KernelRelease, f.Arch)
}

// gatherFacts runs the identification command and reads os-release. A
// missing os-release leaves the OS fields empty.
func gatherFacts(ctx context.Context, client *ssh.Client, timeout time.Duration) (*HostFacts, error) {
	out, err := run(ctx, client, identifyCommand, timeout)
	if err != nil {
		return nil, fmt.Errorf("identification command failed: %w", err)
	}
	facts, err := parseUname(out)
	if err != nil {
		return nil, err
	}
	if content, err := readOSRelease(ctx, client, timeout); err == nil {
		rel := parseOSRelease(content)
		facts.OSID = rel["ID"]
		facts.OSVersion = rel["VERSION_ID"]
		facts.OSPrettyName = rel["PRETTY_NAME"]
	}
	return facts, nil
}

// readOSRelease reads os-release over SFTP and falls back to cat when the
// server has no SFTP subsystem.
func readOSRelease(ctx context.Context, client *ssh.Client, timeout time.Duration) (string, error) {
	if sc, err := sftp.NewClient(client); err == nil {
		defer func() { _ = sc.Close() }()
		if f, err := sc.Open(osReleasePath); err == nil {
			defer func() { _ = f.Close() }()
			b, err := io.ReadAll(io.LimitReader(f, osReleaseMax))
			if err == nil {
				return string(b), nil
			}
		}
	}
	return run(ctx, client, "cat "+osReleasePath, timeout)
}

// parseUname parses "uname -snrm" output: kernel, hostname, release, arch.
func parseUname(out string) (*HostFacts, error) {
	fields := strings.Fields(out)
	if len(fields) < 4 {
		return nil, fmt.Errorf("unexpected identification output %q", strings.TrimSpace(out))
	}
	return &HostFacts{
		Kernel:        fields[0],
		Hostname:      fields[1],
		KernelRelease: fields[2],
		Arch:          fields[len(fields)-1],
	}, nil
}

// parseOSRelease parses KEY=value lines, unquoting values.
func parseOSRelease(content string) map[string]string {
	out := map[string]string{}
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
			v = v[1 : len(v)-1]
		}
		out[strings.TrimSpace(k)] = v
	}
	return out
}
