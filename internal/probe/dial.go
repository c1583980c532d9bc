// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package probe

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/toeirei/stagehand/internal/model"
	"golang.org/x/crypto/ssh"
)

// HostKeyStore persists trusted host keys in authorized_keys format.
type HostKeyStore interface {
	GetKnownHostKey(ctx context.Context, hostname string) (string, error)
	AddKnownHostKey(ctx context.Context, hostname, key string) error
}

// hostKeyCallback trusts a host on first contact and rejects any later key
// change. Without a store every key is accepted.
func (p *Prober) hostKeyCallback(ctx context.Context) ssh.HostKeyCallback {
	return func(hostname string, _ net.Addr, key ssh.PublicKey) error {
		if p.hostKeys == nil {
			return nil
		}
		canonical, err := CanonicalizeHostPort(hostname, DefaultSSHPort)
		if err != nil {
			canonical = hostname
		}
		presented := string(bytes.TrimSpace(ssh.MarshalAuthorizedKey(key)))

		known, err := p.hostKeys.GetKnownHostKey(ctx, canonical)
		if err != nil {
			return fmt.Errorf("failed to query known hosts: %w", err)
		}
		if known == "" {
			if err := p.hostKeys.AddKnownHostKey(ctx, canonical, presented); err != nil {
				return fmt.Errorf("failed to record host key for %s: %w", canonical, err)
			}
			p.log.Info("trusted new host key", "host", canonical, "type", key.Type(), "fingerprint", ssh.FingerprintSHA256(key))
			return nil
		}
		if known != presented {
			return fmt.Errorf("%w for %s: presented %s", ErrHostKeyMismatch, canonical, ssh.FingerprintSHA256(key))
		}
		return nil
	}
}

// authMethods builds the client auth list: the private key when given, the
// password when given, otherwise the local SSH agent.
func (p *Prober) authMethods(t Target) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if !t.PrivateKey.IsEmpty() {
		signer, err := ssh.ParsePrivateKey(t.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("unable to parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if t.Password != "" {
		pw := t.Password
		methods = append(methods,
			ssh.Password(pw),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = pw
				}
				return answers, nil
			}),
		)
	}
	if len(methods) > 0 {
		return methods, nil
	}
	if ag := p.agent(); ag != nil {
		return []ssh.AuthMethod{ssh.PublicKeysCallback(ag.Signers)}, nil
	}
	return nil, ErrNoAuthMethod
}

// connect opens an authenticated client. The TCP dial and the SSH handshake
// share the configured timeout.
func (p *Prober) connect(ctx context.Context, t Target) (*ssh.Client, error) {
	addr := t.Addr()
	auth, err := p.authMethods(t)
	if err != nil {
		return nil, err
	}
	cfg := &ssh.ClientConfig{
		User:            t.User,
		Auth:            auth,
		HostKeyCallback: p.hostKeyCallback(ctx),
		Timeout:         p.cfg.Timeout,
	}

	d := net.Dialer{Timeout: p.cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classifyDialError(addr, err)
	}
	deadline := time.Now().Add(p.cfg.Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, classifyDialError(addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

// run executes cmd in a new session and returns stdout. The session is
// closed when ctx ends or the command timeout elapses.
func run(ctx context.Context, client *ssh.Client, cmd string, timeout time.Duration) (string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to open session: %w", err)
	}
	defer func() { _ = session.Close() }()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			if exit, ok := err.(*ssh.ExitError); ok {
				return stdout.String(), fmt.Errorf("%w: exit %d: %s", ErrCommandFailed, exit.ExitStatus(), bytes.TrimSpace(stderr.Bytes()))
			}
			return stdout.String(), fmt.Errorf("%w: %v", ErrCommandFailed, err)
		}
		return stdout.String(), nil
	case <-timer.C:
		_ = session.Close()
		return "", fmt.Errorf("command timed out after %s: %w", timeout, model.ErrConnectivityTimeout)
	case <-ctx.Done():
		_ = session.Close()
		return "", ctx.Err()
	}
}

func portOrDefault(p int) string {
	if p == 0 {
		p = DefaultSSHPort
	}
	return strconv.Itoa(p)
}
