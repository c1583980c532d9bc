// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/toeirei/stagehand/internal/model"
)

// currentPrefix marks ciphertext produced by the current scheme.
const currentPrefix = "enc:v4:"

var errMalformed = errors.New("malformed ciphertext")

// deriveKey returns sha256(secret ‖ salt) as an AES-256 key.
func deriveKey(secret []byte, salt string) []byte {
	h := sha256.New()
	h.Write(secret)
	h.Write([]byte(salt))
	return h.Sum(nil)
}

// sealGCM encrypts with AES-256-GCM under a fresh nonce. The organization id
// is bound as additional data so a ciphertext cannot be moved across tenants.
func sealGCM(key, plaintext []byte, orgID string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, []byte(orgID))
	return currentPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

func openGCM(key []byte, cipherText, orgID string) ([]byte, error) {
	payload, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(cipherText, currentPrefix))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(payload) < gcm.NonceSize() {
		return nil, fmt.Errorf("%w: payload shorter than nonce", errMalformed)
	}
	nonce, body := payload[:gcm.NonceSize()], payload[gcm.NonceSize():]
	return gcm.Open(nil, nonce, body, []byte(orgID))
}

// splitCBC parses the legacy "ivhex:cipherhex" layout.
func splitCBC(cipherText string) (iv, body []byte, err error) {
	ivHex, bodyHex, ok := strings.Cut(strings.TrimSpace(cipherText), ":")
	if !ok {
		return nil, nil, fmt.Errorf("%w: missing iv separator", errMalformed)
	}
	if iv, err = hex.DecodeString(ivHex); err != nil || len(iv) != aes.BlockSize {
		return nil, nil, fmt.Errorf("%w: bad iv", errMalformed)
	}
	if body, err = hex.DecodeString(bodyHex); err != nil || len(body) == 0 || len(body)%aes.BlockSize != 0 {
		return nil, nil, fmt.Errorf("%w: bad cipher body", errMalformed)
	}
	return iv, body, nil
}

func openCBC(key []byte, cipherText string) ([]byte, error) {
	iv, body, err := splitCBC(cipherText)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, body)
	return pkcs7Unpad(out)
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty block", errMalformed)
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, fmt.Errorf("%w: bad padding", errMalformed)
	}
	if !bytes.Equal(b[len(b)-n:], bytes.Repeat([]byte{byte(n)}, n)) {
		return nil, fmt.Errorf("%w: bad padding", errMalformed)
	}
	return b[:len(b)-n], nil
}

// detectFormat classifies a ciphertext by its structure alone.
func detectFormat(cipherText string) int {
	trimmed := strings.TrimSpace(cipherText)
	switch {
	case strings.HasPrefix(trimmed, currentPrefix):
		return model.FormatGCMv4
	case strings.HasPrefix(trimmed, "-----BEGIN "):
		return model.FormatPlainPEM
	default:
		return model.FormatUnknown
	}
}

// legacyStrategy recovers plaintext from one historical ciphertext layout.
type legacyStrategy struct {
	name   string
	format int
	open   func(master []byte, cipherText, orgID string) ([]byte, error)
}

func openPlainPEM(_ []byte, cipherText, _ string) ([]byte, error) {
	if detectFormat(cipherText) != model.FormatPlainPEM {
		return nil, fmt.Errorf("%w: not a PEM block", errMalformed)
	}
	return []byte(cipherText), nil
}

func openCBCTenant(master []byte, cipherText, orgID string) ([]byte, error) {
	return openCBC(deriveKey(master, orgID), cipherText)
}

func openCBCGlobal(master []byte, cipherText, _ string) ([]byte, error) {
	return openCBC(deriveKey(master, ""), cipherText)
}

// legacyStrategies is walked in order; the first structurally valid private
// key wins. Tenant-scoped CBC precedes global CBC because it superseded it.
var legacyStrategies = []legacyStrategy{
	{name: "plain-pem", format: model.FormatPlainPEM, open: openPlainPEM},
	{name: "cbc-tenant", format: model.FormatCBCTenantKey, open: openCBCTenant},
	{name: "cbc-global", format: model.FormatCBCGlobalKey, open: openCBCGlobal},
}

func strategyFor(format int) (legacyStrategy, bool) {
	for _, s := range legacyStrategies {
		if s.format == format {
			return s, true
		}
	}
	return legacyStrategy{}, false
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
