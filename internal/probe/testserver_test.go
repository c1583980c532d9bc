// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package probe

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/pkg/sftp"
	"github.com/toeirei/stagehand/internal/security"
	"golang.org/x/crypto/ssh"
)

// commandHandler returns stdout and exit status for an exec request.
type commandHandler func(cmd string) (string, uint32)

type testServer struct {
	addr       string
	hostSigner ssh.Signer
	clientKey  security.Secret
	password   string
	sftp       *sftp.Handlers
}

type serverOptions struct {
	password string
	handler  commandHandler
	withSFTP bool
}

func newClientKey(t *testing.T) (security.Secret, ssh.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	return security.Secret(pem.EncodeToMemory(block)), sshPub
}

func newHostSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}
	return signer
}

// startTestServer runs an in-process SSH server on 127.0.0.1 that accepts
// the generated client key and, when set, the password.
func startTestServer(t *testing.T, opts serverOptions) *testServer {
	t.Helper()
	clientKey, clientPub := newClientKey(t)
	ts := &testServer{hostSigner: newHostSigner(t), clientKey: clientKey, password: opts.password}
	if opts.withSFTP {
		h := sftp.InMemHandler()
		ts.sftp = &h
	}

	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), clientPub.Marshal()) {
				return &ssh.Permissions{}, nil
			}
			return nil, errors.New("unknown public key")
		},
		PasswordCallback: func(_ ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			if opts.password != "" && string(pw) == opts.password {
				return &ssh.Permissions{}, nil
			}
			return nil, errors.New("bad password")
		},
	}
	cfg.AddHostKey(ts.hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ts.addr = ln.Addr().String()

	var wg sync.WaitGroup
	t.Cleanup(func() {
		_ = ln.Close()
		wg.Wait()
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go ts.serveConn(conn, cfg, opts.handler)
		}
	}()
	return ts
}

func (ts *testServer) serveConn(conn net.Conn, cfg *ssh.ServerConfig, handler commandHandler) {
	defer func() { _ = conn.Close() }()
	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, chReqs, err := nc.Accept()
		if err != nil {
			continue
		}
		go ts.serveSession(ch, chReqs, handler)
	}
}

func (ts *testServer) serveSession(ch ssh.Channel, reqs <-chan *ssh.Request, handler commandHandler) {
	defer func() { _ = ch.Close() }()
	for req := range reqs {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				return
			}
			_ = req.Reply(true, nil)
			out, status := "", uint32(127)
			if handler != nil {
				out, status = handler(payload.Command)
			}
			_, _ = ch.Write([]byte(out))
			_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
			return
		case "subsystem":
			var payload struct{ Name string }
			_ = ssh.Unmarshal(req.Payload, &payload)
			if payload.Name != "sftp" || ts.sftp == nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			srv := sftp.NewRequestServer(ch, *ts.sftp)
			_ = srv.Serve()
			return
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

// writeFile uploads content through the server's in-memory SFTP tree.
func (ts *testServer) writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	signer, err := ssh.ParsePrivateKey(ts.clientKey)
	if err != nil {
		t.Fatalf("parse client key: %v", err)
	}
	client, err := ssh.Dial("tcp", ts.addr, &ssh.ClientConfig{
		User:            "setup",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = client.Close() }()
	sc, err := sftp.NewClient(client)
	if err != nil {
		t.Fatalf("sftp client: %v", err)
	}
	defer func() { _ = sc.Close() }()
	_ = sc.Mkdir(dir)
	f, err := sc.Create(dir + "/" + name)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.Write([]byte(content)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = f.Close()
}

// memHostKeys is an in-memory HostKeyStore.
type memHostKeys struct {
	mu   sync.Mutex
	keys map[string]string
}

func newMemHostKeys() *memHostKeys { return &memHostKeys{keys: map[string]string{}} }

func (m *memHostKeys) GetKnownHostKey(_ context.Context, host string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keys[host], nil
}

func (m *memHostKeys) AddKnownHostKey(_ context.Context, host, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[host] = key
	return nil
}
