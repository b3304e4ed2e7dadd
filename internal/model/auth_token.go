package model

import "time"

// Quota window names surfaced as a token's quota_state.
const (
	QuotaStateNormal = "normal"
	QuotaStateHour   = "hour"
	QuotaStateDay    = "day"
	QuotaStateMonth  = "month"
)

// AuthToken is a caller-facing credential issued by this service. TokenID is
// the stable public identifier; Secret can be rotated without touching the
// identity or the counters.
type AuthToken struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	TokenID    string `gorm:"type:varchar(8);uniqueIndex;not null" json:"token_id"`
	Secret     string `gorm:"type:varchar(255);uniqueIndex;not null" json:"-"`
	Enabled    bool   `gorm:"default:true;not null" json:"enabled"`
	Deleted    bool   `gorm:"index;default:false;not null" json:"-"`
	Note       string `gorm:"type:varchar(255)" json:"note"`
	GroupLabel string `gorm:"type:varchar(64);index" json:"group_label"`

	HourCount    int       `gorm:"default:0;not null" json:"hour_count"`
	HourLimit    int       `gorm:"default:0;not null" json:"hour_limit"`
	HourResetAt  time.Time `json:"hour_reset_at"`
	DayCount     int       `gorm:"default:0;not null" json:"day_count"`
	DayLimit     int       `gorm:"default:0;not null" json:"day_limit"`
	DayResetAt   time.Time `json:"day_reset_at"`
	MonthCount   int       `gorm:"default:0;not null" json:"month_count"`
	MonthLimit   int       `gorm:"default:0;not null" json:"month_limit"`
	MonthResetAt time.Time `json:"month_reset_at"`

	LastUsedAt time.Time `json:"last_used_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// windowExceeded reports whether a window is at its limit and the window has
// not elapsed yet. A zero limit means the window is unlimited.
func windowExceeded(count, limit int, resetAt, now time.Time) bool {
	if limit <= 0 {
		return false
	}
	if !resetAt.IsZero() && !now.Before(resetAt) {
		return false
	}
	return count >= limit
}

// QuotaState returns the tightest currently-exceeded window, or
// QuotaStateNormal if the token is under all of its limits.
func (t *AuthToken) QuotaState(now time.Time) string {
	switch {
	case windowExceeded(t.HourCount, t.HourLimit, t.HourResetAt, now):
		return QuotaStateHour
	case windowExceeded(t.DayCount, t.DayLimit, t.DayResetAt, now):
		return QuotaStateDay
	case windowExceeded(t.MonthCount, t.MonthLimit, t.MonthResetAt, now):
		return QuotaStateMonth
	default:
		return QuotaStateNormal
	}
}
