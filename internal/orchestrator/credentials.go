// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/toeirei/stagehand/internal/model"
	"github.com/toeirei/stagehand/internal/security"
	"github.com/toeirei/stagehand/internal/vault"
)

// CredentialSource loads and decrypts stored credentials. *vault.Vault
// satisfies it.
type CredentialSource interface {
	DecryptCredential(ctx context.Context, id int64) (security.Secret, *model.EncryptedCredential, error)
}

// recoverCredential returns the private key of credential id. Each attempt
// consults the cache, then re-fetches and re-validates the record. Integrity
// failures stop immediately; any failure evicts the cache entry.
func (o *Orchestrator) recoverCredential(ctx context.Context, id int64, onRetry func(attempt int, err error)) (security.Secret, int, error) {
	attempt := 0
	op := func() (security.Secret, error) {
		attempt++
		if o.cache != nil {
			if key, ok := o.cache.Get(id); ok {
				return key, nil
			}
		}
		key, rec, err := o.creds.DecryptCredential(ctx, id)
		if err == nil {
			if got := vault.Fingerprint(key); rec == nil || got != rec.Fingerprint {
				key.Zero()
				err = fmt.Errorf("%w: credential %d fingerprint does not match the stored value", model.ErrCredentialIntegrity, id)
			}
		}
		if err != nil {
			if o.cache != nil {
				o.cache.Evict(id)
			}
			if errors.Is(err, model.ErrCredentialIntegrity) || errors.Is(err, model.ErrNotFound) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		if o.cache != nil {
			o.cache.Set(id, key)
		}
		return key, nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = o.cfg.RecoveryBackoff
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(o.cfg.RecoveryAttempts-1)), ctx)

	notify := func(err error, _ time.Duration) {
		if onRetry != nil {
			onRetry(attempt, err)
		}
	}
	key, err := backoff.RetryNotifyWithData(op, b, notify)
	return key, attempt, err
}
