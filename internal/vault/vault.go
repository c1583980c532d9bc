// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

// package vault encrypts and recovers per-organization SSH private keys.
//
// New ciphertext uses AES-256-GCM under a key derived from the master secret
// and the organization id. Older rows may carry one of several historical
// layouts; each credential records its format version, and rows without one
// are resolved by walking an ordered list of legacy strategies. Recovered
// plaintext is always checked to be a private key before it is returned.
package vault // import "github.com/toeirei/stagehand/internal/vault"

import (
	"context"
	"errors"
	"fmt"
	"time"

	clog "github.com/charmbracelet/log"
	"github.com/toeirei/stagehand/internal/model"
	"github.com/toeirei/stagehand/internal/security"
)

// CredentialStore is the persistence the vault needs.
type CredentialStore interface {
	CreateCredential(ctx context.Context, c model.EncryptedCredential) (int64, error)
	GetCredential(ctx context.Context, id int64) (*model.EncryptedCredential, error)
	ListCredentialsByOrg(ctx context.Context, orgID string) ([]model.EncryptedCredential, error)
	UpdateCredentialCipher(ctx context.Context, id int64, cipherText, fingerprint string, format int, rotatedAt time.Time) error
	DeleteCredential(ctx context.Context, id int64) error
}

// Sealed is the output of Encrypt.
type Sealed struct {
	CipherText    string
	Fingerprint   string
	FormatVersion int
}

// Vault is safe for concurrent use.
type Vault struct {
	master security.Secret
	store  CredentialStore
	log    *clog.Logger
	now    func() time.Time
}

// New returns a Vault. store may be nil when only Encrypt and Decrypt are
// used.
func New(master security.Secret, store CredentialStore, logger *clog.Logger) (*Vault, error) {
	if master.IsEmpty() {
		return nil, fmt.Errorf("%w: vault master secret is empty", model.ErrInvalidArgument)
	}
	if logger == nil {
		logger = clog.Default()
	}
	return &Vault{
		master: master.Bytes(),
		store:  store,
		log:    logger.WithPrefix("vault"),
		now:    time.Now,
	}, nil
}

// Encrypt seals plaintext for orgID under the current scheme. It returns a
// *FormatError when plaintext is not a private key.
func (v *Vault) Encrypt(plaintext security.Secret, orgID string) (Sealed, error) {
	if err := checkKeyMaterial(plaintext); err != nil {
		return Sealed{}, &FormatError{Reason: err.Error()}
	}
	ct, err := sealGCM(deriveKey(v.master, orgID), plaintext, orgID)
	if err != nil {
		return Sealed{}, fmt.Errorf("seal credential: %w", err)
	}
	return Sealed{CipherText: ct, Fingerprint: Fingerprint(plaintext), FormatVersion: model.FormatGCMv4}, nil
}

// Decrypt recovers plaintext by structural inspection of cipherText.
func (v *Vault) Decrypt(cipherText, orgID string) (security.Secret, error) {
	pt, _, err := v.decrypt(cipherText, orgID, model.FormatUnknown)
	return pt, err
}

// DecryptFormat recovers plaintext using the recorded format version.
// FormatUnknown falls back to structural inspection.
func (v *Vault) DecryptFormat(cipherText, orgID string, format int) (security.Secret, error) {
	pt, _, err := v.decrypt(cipherText, orgID, format)
	return pt, err
}

// decrypt returns the plaintext and the format that produced it.
//
// A current-format failure is model.ErrCredentialDecryption since a fresh
// fetch may succeed. Anything that yields non-key output, or exhausts the
// legacy strategies, is model.ErrCredentialIntegrity.
func (v *Vault) decrypt(cipherText, orgID string, format int) (security.Secret, int, error) {
	if format == model.FormatUnknown {
		format = detectFormat(cipherText)
	}

	if format == model.FormatGCMv4 {
		pt, err := openGCM(deriveKey(v.master, orgID), cipherText, orgID)
		if err != nil {
			return nil, format, fmt.Errorf("%w: %v", model.ErrCredentialDecryption, err)
		}
		if err := checkKeyMaterial(pt); err != nil {
			wipe(pt)
			return nil, format, fmt.Errorf("%w: %v", model.ErrCredentialIntegrity, err)
		}
		return security.Secret(pt), format, nil
	}

	if format != model.FormatUnknown {
		if s, ok := strategyFor(format); ok {
			pt, err := v.tryStrategy(s, cipherText, orgID)
			if err != nil {
				return nil, format, fmt.Errorf("%w: %s: %v", model.ErrCredentialIntegrity, s.name, err)
			}
			return pt, format, nil
		}
	}

	var tried []string
	for _, s := range legacyStrategies {
		pt, err := v.tryStrategy(s, cipherText, orgID)
		if err != nil {
			tried = append(tried, s.name)
			v.log.Debug("legacy strategy rejected", "strategy", s.name, "org_id", orgID, "err", err)
			continue
		}
		return pt, s.format, nil
	}
	return nil, model.FormatUnknown, fmt.Errorf("%w: no strategy produced a private key (tried %v)", model.ErrCredentialIntegrity, tried)
}

func (v *Vault) tryStrategy(s legacyStrategy, cipherText, orgID string) (security.Secret, error) {
	pt, err := s.open(v.master, cipherText, orgID)
	if err != nil {
		return nil, err
	}
	if err := checkKeyMaterial(pt); err != nil {
		wipe(pt)
		return nil, err
	}
	return security.Secret(pt), nil
}

// DecryptCredential loads and decrypts a stored credential. Legacy rows are
// re-sealed under the current scheme after a successful recovery; a failed
// upgrade is logged and does not fail the call.
func (v *Vault) DecryptCredential(ctx context.Context, id int64) (security.Secret, *model.EncryptedCredential, error) {
	if v.store == nil {
		return nil, nil, errors.New("vault has no credential store")
	}
	rec, err := v.store.GetCredential(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("load credential %d: %w", id, err)
	}
	pt, format, err := v.decrypt(rec.CipherText, rec.OrganizationID, rec.FormatVersion)
	if err != nil {
		return nil, rec, fmt.Errorf("credential %d: %w", id, err)
	}
	if err := checkFingerprint(rec, pt); err != nil {
		pt.Zero()
		return nil, rec, err
	}
	if format != model.FormatGCMv4 {
		if err := v.reseal(ctx, rec, pt); err != nil {
			v.log.Warn("legacy credential upgrade failed", "credential_id", id, "org_id", rec.OrganizationID, "err", err)
		} else {
			v.log.Info("legacy credential upgraded", "credential_id", id, "org_id", rec.OrganizationID, "from_format", format)
		}
	}
	return pt, rec, nil
}

// checkFingerprint compares a recovered plaintext with the recorded
// fingerprint. Rows without one are accepted.
func checkFingerprint(rec *model.EncryptedCredential, pt security.Secret) error {
	if rec.Fingerprint == "" {
		return nil
	}
	if got := Fingerprint(pt); got != rec.Fingerprint {
		return fmt.Errorf("%w: credential %d fingerprint %s, expected %s", model.ErrCredentialIntegrity, rec.ID, got, rec.Fingerprint)
	}
	return nil
}

func (v *Vault) reseal(ctx context.Context, rec *model.EncryptedCredential, pt security.Secret) error {
	sealed, err := v.Encrypt(pt, rec.OrganizationID)
	if err != nil {
		return err
	}
	now := v.now().UTC()
	if err := v.store.UpdateCredentialCipher(ctx, rec.ID, sealed.CipherText, sealed.Fingerprint, sealed.FormatVersion, now); err != nil {
		return err
	}
	rec.CipherText, rec.Fingerprint, rec.FormatVersion, rec.RotatedAt = sealed.CipherText, sealed.Fingerprint, sealed.FormatVersion, &now
	return nil
}

// ValidateIntegrity decrypts credential id and compares the fingerprint of
// the plaintext with the stored one.
func (v *Vault) ValidateIntegrity(ctx context.Context, id int64, orgID string) error {
	if v.store == nil {
		return errors.New("vault has no credential store")
	}
	rec, err := v.store.GetCredential(ctx, id)
	if err != nil {
		return fmt.Errorf("load credential %d: %w", id, err)
	}
	if rec.OrganizationID != orgID {
		return fmt.Errorf("%w: credential %d does not belong to organization %s", model.ErrNotFound, id, orgID)
	}
	pt, _, err := v.decrypt(rec.CipherText, rec.OrganizationID, rec.FormatVersion)
	if err != nil {
		return fmt.Errorf("credential %d: %w", id, err)
	}
	defer pt.Zero()
	if rec.Fingerprint == "" {
		return fmt.Errorf("%w: credential %d has no recorded fingerprint", model.ErrCredentialIntegrity, id)
	}
	return checkFingerprint(rec, pt)
}

// RotateReport lists the outcome of a Rotate call per credential.
type RotateReport struct {
	Rotated []int64
	Failed  map[int64]error
}

// Rotate re-seals every credential of orgID under the current scheme with a
// fresh nonce. A failing credential is recorded in the report and does not
// stop the others; the returned error is only set when listing fails.
func (v *Vault) Rotate(ctx context.Context, orgID string) (RotateReport, error) {
	report := RotateReport{Failed: map[int64]error{}}
	if v.store == nil {
		return report, errors.New("vault has no credential store")
	}
	creds, err := v.store.ListCredentialsByOrg(ctx, orgID)
	if err != nil {
		return report, fmt.Errorf("list credentials for %s: %w", orgID, err)
	}
	for i := range creds {
		rec := &creds[i]
		if err := ctx.Err(); err != nil {
			report.Failed[rec.ID] = err
			continue
		}
		pt, _, err := v.decrypt(rec.CipherText, rec.OrganizationID, rec.FormatVersion)
		if err != nil {
			report.Failed[rec.ID] = err
			v.log.Warn("rotation skipped credential", "credential_id", rec.ID, "org_id", orgID, "err", err)
			continue
		}
		if err := checkFingerprint(rec, pt); err != nil {
			pt.Zero()
			report.Failed[rec.ID] = err
			v.log.Warn("rotation skipped credential", "credential_id", rec.ID, "org_id", orgID, "err", err)
			continue
		}
		err = v.reseal(ctx, rec, pt)
		pt.Zero()
		if err != nil {
			report.Failed[rec.ID] = err
			v.log.Warn("rotation failed", "credential_id", rec.ID, "org_id", orgID, "err", err)
			continue
		}
		report.Rotated = append(report.Rotated, rec.ID)
	}
	v.log.Info("rotation finished", "org_id", orgID, "rotated", len(report.Rotated), "failed", len(report.Failed))
	return report, nil
}

// Store encrypts plaintext and persists it as a new credential.
func (v *Vault) Store(ctx context.Context, orgID, name string, plaintext security.Secret) (int64, error) {
	if v.store == nil {
		return 0, errors.New("vault has no credential store")
	}
	if orgID == "" || name == "" {
		return 0, fmt.Errorf("%w: organization and name are required", model.ErrInvalidArgument)
	}
	sealed, err := v.Encrypt(plaintext, orgID)
	if err != nil {
		return 0, err
	}
	id, err := v.store.CreateCredential(ctx, model.EncryptedCredential{
		OrganizationID: orgID,
		Name:           name,
		CipherText:     sealed.CipherText,
		Fingerprint:    sealed.Fingerprint,
		FormatVersion:  sealed.FormatVersion,
		CreatedAt:      v.now().UTC(),
	})
	if err != nil {
		return 0, fmt.Errorf("store credential %s: %w", name, err)
	}
	v.log.Info("credential stored", "credential_id", id, "org_id", orgID, "fingerprint", sealed.Fingerprint)
	return id, nil
}

// Delete removes a credential. It fails with model.ErrCredentialInUse while
// any server references it.
func (v *Vault) Delete(ctx context.Context, id int64) error {
	if v.store == nil {
		return errors.New("vault has no credential store")
	}
	if err := v.store.DeleteCredential(ctx, id); err != nil {
		return fmt.Errorf("delete credential %d: %w", id, err)
	}
	return nil
}
