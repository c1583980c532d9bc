// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates that a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument indicates that a caller-provided value violates
	// a precondition.
	ErrInvalidArgument = errors.New("invalid argument")

	ErrConfigurationNotFound = errors.New("configuration not found")
	ErrNoTargetServers       = errors.New("no target servers")

	// ErrCredentialDecryption is retryable: the record may be re-fetched.
	ErrCredentialDecryption = errors.New("credential decryption failed")
	// ErrCredentialIntegrity is not retryable: the plaintext is not a key.
	ErrCredentialIntegrity = errors.New("credential integrity check failed")
	ErrCredentialInUse     = errors.New("credential is referenced by servers")

	ErrExecutorNotInstalled = errors.New("executor not installed")
	ErrExecutorExitNonZero  = errors.New("executor exited with non-zero status")
	ErrConnectivityTimeout  = errors.New("connectivity timeout")
	ErrDriftCheckFailed     = errors.New("drift check failed")

	ErrRunNotTerminal    = errors.New("run is not in a terminal state")
	ErrInvalidTransition = errors.New("invalid run status transition")
	ErrRunAlreadyActive  = errors.New("run already has a live process")
)

// ExecutorExitError carries the exit code and the captured output of a
// failed executor process.
type ExecutorExitError struct {
	Code   int
	Output string
}

func (e *ExecutorExitError) Error() string {
	return fmt.Sprintf("executor exited with status %d", e.Code)
}

// Unwrap lets errors.Is match ErrExecutorExitNonZero.
func (e *ExecutorExitError) Unwrap() error { return ErrExecutorExitNonZero }
