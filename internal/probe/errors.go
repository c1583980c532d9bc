// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package probe

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/toeirei/stagehand/internal/model"
)

var (
	ErrAuthFailed      = errors.New("authentication failed")
	ErrConnRefused     = errors.New("connection refused")
	ErrHostKeyMismatch = errors.New("host key mismatch")
	ErrNoAuthMethod    = errors.New("no authentication method available")
	ErrCommandFailed   = errors.New("remote command failed")
)

// IsConnectionTimeoutError reports whether err looks like a dial or
// handshake timeout.
func IsConnectionTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, model.ErrConnectivityTimeout) {
		return true
	}
	le := strings.ToLower(err.Error())
	return strings.Contains(le, "timeout") || strings.Contains(le, "deadline exceeded") || strings.Contains(le, "timed out")
}

// IsConnectionRefusedError reports whether the host actively refused or was
// unroutable.
func IsConnectionRefusedError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConnRefused) {
		return true
	}
	le := strings.ToLower(err.Error())
	return strings.Contains(le, "connection refused") || strings.Contains(le, "no route to host")
}

// IsAuthenticationError reports whether the server rejected our credentials.
func IsAuthenticationError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrNoAuthMethod) {
		return true
	}
	le := strings.ToLower(err.Error())
	return strings.Contains(le, "unable to authenticate") ||
		strings.Contains(le, "authentication failed") ||
		strings.Contains(le, "permission denied") ||
		strings.Contains(le, "public key")
}

// IsHostKeyError reports whether the handshake failed on host key checks.
func IsHostKeyError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrHostKeyMismatch) || strings.Contains(strings.ToLower(err.Error()), "host key mismatch")
}

// classifyDialError wraps a raw dial/handshake error with the matching
// sentinel. Authentication and host key failures are marked permanent so
// the retry loop stops early.
func classifyDialError(addr string, err error) error {
	switch {
	case err == nil:
		return nil
	case IsHostKeyError(err):
		return backoff.Permanent(err)
	case IsConnectionTimeoutError(err):
		return fmt.Errorf("connection to %s timed out: %w", addr, model.ErrConnectivityTimeout)
	case IsConnectionRefusedError(err):
		return fmt.Errorf("connection to %s refused: %w: %v", addr, ErrConnRefused, err)
	case IsAuthenticationError(err):
		return backoff.Permanent(fmt.Errorf("ssh %s: %w: %v", addr, ErrAuthFailed, err))
	default:
		return fmt.Errorf("ssh %s: %w", addr, err)
	}
}
