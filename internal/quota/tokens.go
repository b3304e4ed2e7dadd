package quota

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/searchbroker/searchbroker/internal/db"
	"github.com/searchbroker/searchbroker/internal/model"
)

const tokenIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// Limits bundles the per-window request caps for token creation and edits.
// Zero means unlimited for that window.
type Limits struct {
	Hour  int `json:"hour"`
	Day   int `json:"day"`
	Month int `json:"month"`
}

// newTokenID generates a random 4-character base36 identifier.
func newTokenID() (string, error) {
	id := make([]byte, 4)
	for i := range id {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(tokenIDAlphabet))))
		if err != nil {
			return "", fmt.Errorf("failed to generate token id: %w", err)
		}
		id[i] = tokenIDAlphabet[n.Int64()]
	}
	return string(id), nil
}

// newSecret generates a fresh bearer secret.
func newSecret() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token secret: %w", err)
	}
	return "tk-" + hex.EncodeToString(buf), nil
}

// CreateTokens mints count tokens sharing a note, optional group label and
// limit set. Identifier collisions are retried a few times before giving up.
func (t *Tracker) CreateTokens(count int, note, group string, limits Limits) ([]model.AuthToken, error) {
	if count < 1 {
		return nil, fmt.Errorf("token count must be at least 1")
	}

	tokens := make([]model.AuthToken, 0, count)
	for i := 0; i < count; i++ {
		var created *model.AuthToken
		for attempt := 0; attempt < 5; attempt++ {
			id, err := newTokenID()
			if err != nil {
				return tokens, err
			}
			secret, err := newSecret()
			if err != nil {
				return tokens, err
			}
			token := &model.AuthToken{
				TokenID:    id,
				Secret:     secret,
				Enabled:    true,
				Note:       note,
				GroupLabel: group,
				HourLimit:  limits.Hour,
				DayLimit:   limits.Day,
				MonthLimit: limits.Month,
			}
			if err := t.db.CreateAuthToken(token); err != nil {
				// Most likely an identifier collision on the unique index.
				t.logger.Debug("Retrying token creation after insert failure", "error", err)
				continue
			}
			created = token
			break
		}
		if created == nil {
			return tokens, fmt.Errorf("failed to create token after retries")
		}
		tokens = append(tokens, *created)
	}
	return tokens, nil
}

// RotateSecret invalidates a token's current secret and issues a new one.
// Identity and usage counters are untouched.
func (t *Tracker) RotateSecret(tokenID string) (*model.AuthToken, error) {
	token, err := t.db.FindAuthTokenByTokenID(tokenID)
	if err != nil {
		return nil, err
	}
	secret, err := newSecret()
	if err != nil {
		return nil, err
	}
	token.Secret = secret
	if err := t.db.UpdateAuthToken(token); err != nil {
		return nil, err
	}
	t.logger.Info("Rotated token secret", "token_id", tokenID)
	return token, nil
}

// SetEnabled flips a token's enabled flag.
func (t *Tracker) SetEnabled(tokenID string, enabled bool) error {
	token, err := t.db.FindAuthTokenByTokenID(tokenID)
	if err != nil {
		return err
	}
	token.Enabled = enabled
	return t.db.UpdateAuthToken(token)
}

// UpdateToken edits a token's note, group and limits.
func (t *Tracker) UpdateToken(tokenID string, note, group *string, limits *Limits) (*model.AuthToken, error) {
	token, err := t.db.FindAuthTokenByTokenID(tokenID)
	if err != nil {
		return nil, err
	}
	if note != nil {
		token.Note = *note
	}
	if group != nil {
		token.GroupLabel = *group
	}
	if limits != nil {
		token.HourLimit = limits.Hour
		token.DayLimit = limits.Day
		token.MonthLimit = limits.Month
	}
	if err := t.db.UpdateAuthToken(token); err != nil {
		return nil, err
	}
	return token, nil
}

// DeleteToken soft-deletes a token, mirroring the key registry's pattern:
// the row stays for the audit trail, the secret stops resolving.
func (t *Tracker) DeleteToken(tokenID string) error {
	token, err := t.db.FindAuthTokenByTokenID(tokenID)
	if err != nil {
		return err
	}
	token.Deleted = true
	token.Enabled = false
	return t.db.UpdateAuthToken(token)
}

// RevealSecret returns the full secret for privileged callers.
func (t *Tracker) RevealSecret(tokenID string) (string, error) {
	token, err := t.db.FindAuthTokenByTokenID(tokenID)
	if err != nil {
		return "", err
	}
	if token.Deleted {
		return "", db.ErrNotFound
	}
	return token.Secret, nil
}

// List returns a page of live tokens, optionally filtered to one group or to
// ungrouped tokens only.
func (t *Tracker) List(page, limit int, group string, ungrouped bool) ([]model.AuthToken, int64, error) {
	return t.db.ListAuthTokens(page, limit, group, ungrouped)
}

// Usage aggregates a token's audit entries over [from, to) into totals and
// fixed-size hourly buckets for charting.
type Usage struct {
	Total   int64         `json:"total"`
	Success int64         `json:"success"`
	Error   int64         `json:"error"`
	Denied  int64         `json:"denied"`
	Buckets []UsageBucket `json:"buckets"`
	From    time.Time     `json:"from"`
	To      time.Time     `json:"to"`
}

// UsageBucket is one hour of a token's usage chart.
type UsageBucket struct {
	Start time.Time `json:"start"`
	Count int64     `json:"count"`
}

// maxUsageWindow bounds the hourly bucket allocation for one usage query.
const maxUsageWindow = 31 * 24 * time.Hour

// TokenUsage computes usage metrics for one token over a bounded window of
// at most maxUsageWindow.
func (t *Tracker) TokenUsage(tokenID string, from, to time.Time) (*Usage, error) {
	if !to.After(from) {
		return nil, errors.New("usage window must end after it starts")
	}
	if to.Sub(from) > maxUsageWindow {
		return nil, fmt.Errorf("usage window must not exceed %s", maxUsageWindow)
	}

	entries, err := t.db.RequestLogsForToken(tokenID, from, to)
	if err != nil {
		return nil, err
	}

	start := from.Truncate(time.Hour)
	n := int(to.Sub(start)/time.Hour) + 1
	buckets := make([]UsageBucket, n)
	for i := range buckets {
		buckets[i] = UsageBucket{Start: start.Add(time.Duration(i) * time.Hour)}
	}

	usage := &Usage{From: from, To: to, Buckets: buckets}
	for _, e := range entries {
		usage.Total++
		switch e.Result {
		case model.ResultSuccess:
			usage.Success++
		case model.ResultError:
			usage.Error++
		case model.ResultQuotaExhausted:
			usage.Denied++
		}
		idx := int(e.CreatedAt.Sub(start) / time.Hour)
		if idx >= 0 && idx < len(usage.Buckets) {
			usage.Buckets[idx].Count++
		}
	}
	return usage, nil
}
