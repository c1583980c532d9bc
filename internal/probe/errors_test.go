// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package probe

import (
	"errors"
	"fmt"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/toeirei/stagehand/internal/model"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Timeout != DefaultTimeout || cfg.Attempts != DefaultAttempts || cfg.Backoff != DefaultBackoff {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	zero := Config{}.withDefaults()
	if zero.Timeout != DefaultTimeout || zero.Attempts != DefaultAttempts {
		t.Errorf("withDefaults did not fill zero config: %+v", zero)
	}
}

func TestIsConnectionTimeoutError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"timeout error", errors.New("connection timeout"), true},
		{"deadline exceeded", errors.New("deadline exceeded"), true},
		{"i/o timeout", errors.New("i/o timeout"), true},
		{"sentinel", fmt.Errorf("x: %w", model.ErrConnectivityTimeout), true},
		{"other error", errors.New("connection refused"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsConnectionTimeoutError(tt.err); got != tt.expected {
				t.Errorf("IsConnectionTimeoutError(%v) = %v, expected %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestIsConnectionRefusedError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection refused", errors.New("connection refused"), true},
		{"no route to host", errors.New("no route to host"), true},
		{"other error", errors.New("timeout"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsConnectionRefusedError(tt.err); got != tt.expected {
				t.Errorf("IsConnectionRefusedError(%v) = %v, expected %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestIsAuthenticationError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"authentication failed", errors.New("authentication failed"), true},
		{"permission denied", errors.New("permission denied"), true},
		{"public key error", errors.New("public key authentication failed"), true},
		{"unable to authenticate", errors.New("ssh: unable to authenticate, attempted methods [none publickey]"), true},
		{"no method", ErrNoAuthMethod, true},
		{"other error", errors.New("timeout"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsAuthenticationError(tt.err); got != tt.expected {
				t.Errorf("IsAuthenticationError(%v) = %v, expected %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestClassifyDialError(t *testing.T) {
	if classifyDialError("h:22", nil) != nil {
		t.Fatalf("nil must stay nil")
	}

	err := classifyDialError("h:22", errors.New("dial tcp: i/o timeout"))
	if !errors.Is(err, model.ErrConnectivityTimeout) {
		t.Fatalf("expected timeout sentinel, got %v", err)
	}

	err = classifyDialError("h:22", errors.New("connect: connection refused"))
	if !errors.Is(err, ErrConnRefused) {
		t.Fatalf("expected refused sentinel, got %v", err)
	}

	err = classifyDialError("h:22", errors.New("ssh: unable to authenticate"))
	var perm *backoff.PermanentError
	if !errors.As(err, &perm) || !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected permanent auth error, got %v", err)
	}

	err = classifyDialError("h:22", fmt.Errorf("ssh: handshake failed: %w", ErrHostKeyMismatch))
	if !errors.As(err, &perm) || !IsHostKeyError(err) {
		t.Fatalf("expected permanent host key error, got %v", err)
	}
}

func TestLinearBackOff(t *testing.T) {
	b := newLinearBackOff(10)
	for i, want := range []int{10, 20, 30} {
		if got := b.NextBackOff(); int(got) != want {
			t.Fatalf("step %d: got %d, want %d", i, got, want)
		}
	}
	b.Reset()
	if got := b.NextBackOff(); got != 10 {
		t.Fatalf("after reset: got %d", got)
	}
}
