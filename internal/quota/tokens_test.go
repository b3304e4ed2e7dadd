package quota

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/searchbroker/searchbroker/internal/db"
	"github.com/searchbroker/searchbroker/internal/model"
)

func TestCreateTokens(t *testing.T) {
	tracker, service := setupTracker(t, nil)

	tokens, err := tracker.CreateTokens(3, "ci pipeline", "team-a", Limits{Hour: 10, Day: 100, Month: 1000})
	assert.NoError(t, err)
	assert.Len(t, tokens, 3)

	seen := map[string]bool{}
	for _, token := range tokens {
		assert.Len(t, token.TokenID, 4)
		assert.True(t, strings.HasPrefix(token.Secret, "tk-"))
		assert.False(t, seen[token.TokenID])
		seen[token.TokenID] = true

		assert.True(t, token.Enabled)
		assert.Equal(t, "ci pipeline", token.Note)
		assert.Equal(t, "team-a", token.GroupLabel)
		assert.Equal(t, 10, token.HourLimit)
		assert.Equal(t, 100, token.DayLimit)
		assert.Equal(t, 1000, token.MonthLimit)
	}

	_, total, err := service.ListAuthTokens(1, 10, "team-a", false)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), total)

	_, err = tracker.CreateTokens(0, "", "", Limits{})
	assert.Error(t, err)
}

func TestRotateSecretPreservesCounters(t *testing.T) {
	tracker, service := setupTracker(t, nil)
	seedToken(t, service, &model.AuthToken{
		TokenID: "ro11", Secret: "tk-old", Enabled: true,
		HourCount: 3, DayCount: 7, MonthCount: 21,
	})

	token, err := tracker.RotateSecret("ro11")
	assert.NoError(t, err)
	assert.NotEqual(t, "tk-old", token.Secret)
	assert.Equal(t, 3, token.HourCount)
	assert.Equal(t, 7, token.DayCount)
	assert.Equal(t, 21, token.MonthCount)

	// The old secret no longer resolves.
	_, err = service.FindAuthTokenBySecret("tk-old")
	assert.ErrorIs(t, err, db.ErrNotFound)

	found, err := service.FindAuthTokenBySecret(token.Secret)
	assert.NoError(t, err)
	assert.Equal(t, "ro11", found.TokenID)
}

func TestSetEnabled(t *testing.T) {
	tracker, service := setupTracker(t, nil)
	seedToken(t, service, &model.AuthToken{TokenID: "en22", Secret: "tk-e", Enabled: true})

	assert.NoError(t, tracker.SetEnabled("en22", false))
	token, _ := service.FindAuthTokenByTokenID("en22")
	assert.False(t, token.Enabled)

	assert.NoError(t, tracker.SetEnabled("en22", true))
	token, _ = service.FindAuthTokenByTokenID("en22")
	assert.True(t, token.Enabled)
}

func TestUpdateToken(t *testing.T) {
	tracker, service := setupTracker(t, nil)
	seedToken(t, service, &model.AuthToken{
		TokenID: "up33", Secret: "tk-u", Enabled: true,
		Note: "old note", GroupLabel: "old-group", HourLimit: 1,
	})

	note := "new note"
	token, err := tracker.UpdateToken("up33", &note, nil, &Limits{Hour: 5, Day: 50, Month: 500})
	assert.NoError(t, err)
	assert.Equal(t, "new note", token.Note)
	// Unset fields are left alone.
	assert.Equal(t, "old-group", token.GroupLabel)
	assert.Equal(t, 5, token.HourLimit)
	assert.Equal(t, 50, token.DayLimit)
	assert.Equal(t, 500, token.MonthLimit)

	_, err = tracker.UpdateToken("missing", &note, nil, nil)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestDeleteToken(t *testing.T) {
	tracker, service := setupTracker(t, nil)
	seedToken(t, service, &model.AuthToken{TokenID: "de44", Secret: "tk-d", Enabled: true})

	assert.NoError(t, tracker.DeleteToken("de44"))

	// Soft-deleted: the secret stops resolving and the secret is no longer
	// revealable, but the row survives for the audit trail.
	_, err := service.FindAuthTokenBySecret("tk-d")
	assert.ErrorIs(t, err, db.ErrNotFound)

	_, err = tracker.RevealSecret("de44")
	assert.ErrorIs(t, err, db.ErrNotFound)

	row, err := service.FindAuthTokenByTokenID("de44")
	assert.NoError(t, err)
	assert.True(t, row.Deleted)
	assert.False(t, row.Enabled)
}

func TestRevealSecret(t *testing.T) {
	tracker, service := setupTracker(t, nil)
	seedToken(t, service, &model.AuthToken{TokenID: "re55", Secret: "tk-r", Enabled: true})

	secret, err := tracker.RevealSecret("re55")
	assert.NoError(t, err)
	assert.Equal(t, "tk-r", secret)
}

func TestTokenUsage(t *testing.T) {
	tracker, service := setupTracker(t, nil)
	base := time.Date(2026, 8, 15, 10, 0, 0, 0, time.UTC)

	entries := []struct {
		offset time.Duration
		result model.RequestResult
	}{
		{5 * time.Minute, model.ResultSuccess},
		{10 * time.Minute, model.ResultSuccess},
		{20 * time.Minute, model.ResultError},
		{70 * time.Minute, model.ResultSuccess},
		{80 * time.Minute, model.ResultQuotaExhausted},
	}
	for i, e := range entries {
		err := service.AppendRequestLog(&model.RequestLog{
			RequestID: string(rune('a' + i)),
			TokenID:   "us66",
			Method:    "POST",
			Path:      "/search",
			Result:    e.result,
			CreatedAt: base.Add(e.offset),
		})
		assert.NoError(t, err)
	}
	// A different token's entry must not leak in.
	assert.NoError(t, service.AppendRequestLog(&model.RequestLog{
		RequestID: "other", TokenID: "zz99", Result: model.ResultSuccess, CreatedAt: base.Add(time.Minute),
	}))

	usage, err := tracker.TokenUsage("us66", base, base.Add(2*time.Hour))
	assert.NoError(t, err)
	assert.Equal(t, int64(5), usage.Total)
	assert.Equal(t, int64(3), usage.Success)
	assert.Equal(t, int64(1), usage.Error)
	assert.Equal(t, int64(1), usage.Denied)

	assert.GreaterOrEqual(t, len(usage.Buckets), 2)
	assert.Equal(t, base, usage.Buckets[0].Start)
	assert.Equal(t, int64(3), usage.Buckets[0].Count)
	assert.Equal(t, int64(2), usage.Buckets[1].Count)

	_, err = tracker.TokenUsage("us66", base, base)
	assert.Error(t, err)
}

func TestTokenUsageRejectsOversizedWindow(t *testing.T) {
	tracker, _ := setupTracker(t, nil)

	// A window wider than the bucket budget must fail instead of allocating
	// one bucket per hour since the epoch.
	to := time.Date(2026, 8, 15, 10, 0, 0, 0, time.UTC)
	_, err := tracker.TokenUsage("us66", time.Unix(0, 0), to)
	assert.ErrorContains(t, err, "usage window must not exceed")

	// The widest allowed window still works.
	usage, err := tracker.TokenUsage("us66", to.Add(-maxUsageWindow), to)
	assert.NoError(t, err)
	assert.LessOrEqual(t, len(usage.Buckets), int(maxUsageWindow/time.Hour)+1)
}
