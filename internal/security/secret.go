// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

// package security holds the Secret type used for decrypted private keys,
// fallback passwords and the vault master secret.
package security

import (
	"crypto/subtle"
	"fmt"
	"io"
	"os"
)

const redacted = "[SECRET]"

// Secret is a byte slice holding sensitive material. Formatting and JSON
// encoding never reveal its contents.
type Secret []byte

// String redacts the secret for fmt.Print* convenience.
func (s Secret) String() string { return redacted }

// Format implements fmt.Formatter so %v, %#v and %q are redacted as well.
func (s Secret) Format(f fmt.State, _ rune) {
	_, _ = io.WriteString(f, redacted)
}

// MarshalJSON redacts secrets in JSON output.
func (s Secret) MarshalJSON() ([]byte, error) { return []byte(`"` + redacted + `"`), nil }

// MarshalText redacts secrets for text encoders (YAML, logfmt).
func (s Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }

// Bytes returns a copy of the underlying bytes. Callers zero the copy.
func (s Secret) Bytes() []byte {
	out := make([]byte, len(s))
	copy(out, s)
	return out
}

// Reveal returns the plaintext as a string. Use only at process boundaries.
func (s Secret) Reveal() string { return string(s) }

// IsEmpty reports whether the secret holds no data.
func (s Secret) IsEmpty() bool { return len(s) == 0 }

// Equal compares two secrets in constant time.
func (s Secret) Equal(other Secret) bool {
	return subtle.ConstantTimeCompare(s, other) == 1
}

// Zero overwrites the underlying bytes.
func (s *Secret) Zero() {
	if s == nil || *s == nil {
		return
	}
	for i := range *s {
		(*s)[i] = 0
	}
}

// WriteFile writes the secret to a new file with owner-only permissions.
// The file must not exist.
func (s Secret) WriteFile(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(s); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	return f.Close()
}

// FromString creates a Secret from a string.
func FromString(in string) Secret { return Secret([]byte(in)) }

// FromBytes creates a Secret from a copy of in.
func FromBytes(in []byte) Secret {
	out := make([]byte, len(in))
	copy(out, in)
	return Secret(out)
}
