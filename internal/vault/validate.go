// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/toeirei/stagehand/internal/model"
	"golang.org/x/crypto/ssh"
)

// minKeyBody is the shortest base64 body accepted between PEM markers.
const minKeyBody = 64

// fingerprintLen is the number of hex characters kept from the digest.
const fingerprintLen = 16

// FormatError is returned by Encrypt when the plaintext is not a PEM
// private key.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string {
	return "plaintext is not a private key: " + e.Reason
}

// Unwrap lets errors.Is match model.ErrInvalidArgument.
func (e *FormatError) Unwrap() error { return model.ErrInvalidArgument }

// Fingerprint returns the truncated SHA-256 hex digest of plaintext.
func Fingerprint(plaintext []byte) string {
	sum := sha256.Sum256(plaintext)
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}

// checkKeyMaterial verifies that b is a PEM private key: matching BEGIN/END
// labels ending in "PRIVATE KEY", a body of at least minKeyBody characters,
// and content the SSH key parser accepts. Passphrase-protected keys pass.
func checkKeyMaterial(b []byte) error {
	text := strings.TrimSpace(string(b))
	if text == "" {
		return errors.New("empty content")
	}
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	if len(lines) < 3 {
		return errors.New("too few lines")
	}
	first := strings.TrimSpace(lines[0])
	last := strings.TrimSpace(lines[len(lines)-1])

	label, ok := pemLabel(first, "-----BEGIN ")
	if !ok {
		return errors.New("missing BEGIN marker")
	}
	if !strings.HasSuffix(label, "PRIVATE KEY") {
		return fmt.Errorf("unexpected block type %q", label)
	}
	endLabel, ok := pemLabel(last, "-----END ")
	if !ok {
		return errors.New("missing END marker")
	}
	if endLabel != label {
		return fmt.Errorf("marker mismatch: BEGIN %q, END %q", label, endLabel)
	}

	body := 0
	for _, l := range lines[1 : len(lines)-1] {
		body += len(strings.TrimSpace(l))
	}
	if body < minKeyBody {
		return fmt.Errorf("key body too short (%d)", body)
	}

	if _, err := ssh.ParseRawPrivateKey([]byte(text)); err != nil {
		var missing *ssh.PassphraseMissingError
		if !errors.As(err, &missing) {
			return fmt.Errorf("unparseable key: %v", err)
		}
	}
	return nil
}

func pemLabel(line, prefix string) (string, bool) {
	if !strings.HasPrefix(line, prefix) || !strings.HasSuffix(line, "-----") {
		return "", false
	}
	label := strings.TrimSuffix(strings.TrimPrefix(line, prefix), "-----")
	return label, label != ""
}
