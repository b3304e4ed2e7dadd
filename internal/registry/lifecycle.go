package registry

import (
	"errors"
	"fmt"
	"time"

	"github.com/searchbroker/searchbroker/internal/db"
	"github.com/searchbroker/searchbroker/internal/model"
)

// ErrInvalidTransition is returned for a lifecycle change the transition
// table does not allow.
var ErrInvalidTransition = errors.New("invalid key status transition")

// validTransitions is the explicit lifecycle table. "deleted" is a soft
// marker: the only way out of it is restore-to-active, and nothing is ever
// physically removed.
var validTransitions = map[model.KeyStatus][]model.KeyStatus{
	model.KeyStatusActive:    {model.KeyStatusExhausted, model.KeyStatusDisabled, model.KeyStatusDeleted},
	model.KeyStatusExhausted: {model.KeyStatusActive, model.KeyStatusDisabled, model.KeyStatusDeleted},
	model.KeyStatusDisabled:  {model.KeyStatusActive, model.KeyStatusDeleted},
	model.KeyStatusDeleted:   {model.KeyStatusActive},
}

func canTransition(from, to model.KeyStatus) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// AddKeys inserts new secrets into the pool. A secret whose row already
// exists as soft-deleted is restored to active on the same row, counters
// intact; a secret already live is skipped. Returns added and restored
// counts.
func (r *Registry) AddKeys(secrets []string) (added, restored int, err error) {
	now := time.Now()
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		existing, findErr := r.db.FindAPIKeyBySecret(secret)
		switch {
		case findErr == nil && existing.Status == model.KeyStatusDeleted:
			if err := r.db.UpdateAPIKeyStatus(existing.KeyID, model.KeyStatusActive, now); err != nil {
				return added, restored, fmt.Errorf("failed to restore key %s: %w", existing.KeyID, err)
			}
			restored++
		case findErr == nil:
			// Already present and live; nothing to do.
		case errors.Is(findErr, db.ErrNotFound):
			key := &model.APIKey{
				KeyID:           KeyID(secret),
				Secret:          secret,
				Status:          model.KeyStatusActive,
				StatusChangedAt: now,
			}
			if err := r.db.CreateAPIKey(key); err != nil {
				return added, restored, err
			}
			added++
		default:
			return added, restored, findErr
		}
	}
	r.Reload()
	return added, restored, nil
}

// transition validates and applies one lifecycle change, stamping
// status_changed_at, then refreshes the pool.
func (r *Registry) transition(keyID string, to model.KeyStatus) error {
	key, err := r.db.FindAPIKeyByKeyID(keyID)
	if err != nil {
		return err
	}
	if key.Status == to {
		return nil
	}
	if !canTransition(key.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, key.Status, to)
	}
	if err := r.db.UpdateAPIKeyStatus(keyID, to, time.Now()); err != nil {
		return err
	}
	r.logger.Info("Key status changed", "key_id", keyID, "from", key.Status, "to", to)
	r.Reload()
	return nil
}

// DeleteKey soft-deletes a key. The row stays so re-adding the same secret
// restores its identity and counters.
func (r *Registry) DeleteKey(keyID string) error {
	return r.transition(keyID, model.KeyStatusDeleted)
}

// RestoreKey brings a soft-deleted key back to active.
func (r *Registry) RestoreKey(keyID string) error {
	return r.transition(keyID, model.KeyStatusActive)
}

// DisableKey takes a key out of normal rotation. Disabled keys remain the
// fallback of last resort when no active key exists.
func (r *Registry) DisableKey(keyID string) error {
	return r.transition(keyID, model.KeyStatusDisabled)
}

// EnableKey returns a disabled or exhausted key to active service.
func (r *Registry) EnableKey(keyID string) error {
	return r.transition(keyID, model.KeyStatusActive)
}

// RevealSecret returns the real secret for privileged callers.
func (r *Registry) RevealSecret(keyID string) (string, error) {
	key, err := r.db.FindAPIKeyByKeyID(keyID)
	if err != nil {
		return "", err
	}
	return key.Secret, nil
}

// List returns a page of keys, optionally filtered by status.
func (r *Registry) List(page, limit int, status model.KeyStatus) ([]model.APIKey, int64, error) {
	return r.db.ListAPIKeys(page, limit, status)
}

// ReactivateExhausted flips exhausted keys back to active at quota rollover
// and refreshes the pool.
func (r *Registry) ReactivateExhausted() (int64, error) {
	n, err := r.db.ReactivateExhaustedKeys(time.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.logger.Info("Reactivated exhausted keys at rollover", "count", n)
		r.Reload()
	}
	return n, nil
}
