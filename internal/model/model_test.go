package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAPIKeyEligible(t *testing.T) {
	cases := []struct {
		status   KeyStatus
		eligible bool
	}{
		{KeyStatusActive, true},
		{KeyStatusDisabled, true},
		{KeyStatusExhausted, false},
		{KeyStatusDeleted, false},
	}
	for _, tc := range cases {
		k := &APIKey{Status: tc.status}
		assert.Equal(t, tc.eligible, k.Eligible(), "status %s", tc.status)
	}
}

func TestSecretsNeverMarshal(t *testing.T) {
	key := APIKey{KeyID: "aabbccdd", Secret: "tvly-secret"}
	b, err := json.Marshal(key)
	assert.NoError(t, err)
	assert.NotContains(t, string(b), "tvly-secret")

	token := AuthToken{TokenID: "ab12", Secret: "tk-secret", Deleted: true}
	b, err = json.Marshal(token)
	assert.NoError(t, err)
	assert.NotContains(t, string(b), "tk-secret")
	assert.NotContains(t, string(b), "deleted")
}

func TestAuthTokenQuotaState(t *testing.T) {
	now := time.Date(2026, 8, 15, 10, 0, 0, 0, time.UTC)

	t.Run("normal under all limits", func(t *testing.T) {
		token := &AuthToken{HourLimit: 10, HourCount: 5, HourResetAt: now.Add(time.Hour)}
		assert.Equal(t, QuotaStateNormal, token.QuotaState(now))
	})

	t.Run("zero limit means unlimited", func(t *testing.T) {
		token := &AuthToken{HourCount: 100000}
		assert.Equal(t, QuotaStateNormal, token.QuotaState(now))
	})

	t.Run("tightest window wins", func(t *testing.T) {
		token := &AuthToken{
			HourLimit: 5, HourCount: 5, HourResetAt: now.Add(time.Minute),
			DayLimit: 5, DayCount: 5, DayResetAt: now.Add(time.Minute),
			MonthLimit: 5, MonthCount: 5, MonthResetAt: now.Add(time.Minute),
		}
		assert.Equal(t, QuotaStateHour, token.QuotaState(now))
	})

	t.Run("elapsed window no longer counts", func(t *testing.T) {
		token := &AuthToken{HourLimit: 5, HourCount: 5, HourResetAt: now.Add(-time.Minute)}
		assert.Equal(t, QuotaStateNormal, token.QuotaState(now))
	})

	t.Run("month exceeded", func(t *testing.T) {
		token := &AuthToken{MonthLimit: 3, MonthCount: 3, MonthResetAt: now.Add(time.Hour)}
		assert.Equal(t, QuotaStateMonth, token.QuotaState(now))
	})
}
