package quota

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/searchbroker/searchbroker/internal/db"
	"github.com/searchbroker/searchbroker/internal/model"
)

// Denial names the tightest window a denied call violated.
type Denial struct {
	Window string
}

func (d *Denial) Error() string {
	return fmt.Sprintf("token over %s limit", d.Window)
}

// Tracker owns access-token usage accounting across the three independent
// windows: rolling hour, rolling day and calendar month. Check-and-record is
// serialized behind one mutex so concurrent requests on the same token never
// lose an increment.
type Tracker struct {
	mu     sync.Mutex
	db     db.Service
	tz     *time.Location
	logger *slog.Logger
}

// NewTracker builds a tracker whose calendar-month boundaries are computed
// in tz.
func NewTracker(dbService db.Service, tz *time.Location, logger *slog.Logger) *Tracker {
	return &Tracker{
		db:     dbService,
		tz:     tz,
		logger: logger.With("component", "quota"),
	}
}

// nextMonthStart returns the first instant of the month after now, in the
// tracker's reference timezone.
func nextMonthStart(now time.Time, tz *time.Location) time.Time {
	local := now.In(tz)
	return time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, tz).AddDate(0, 1, 0)
}

// roll resets any window whose reset timestamp has elapsed. Rolling windows
// restart their clock on the next call; the monthly window snaps to the next
// calendar boundary.
func (t *Tracker) roll(token *model.AuthToken, now time.Time) {
	if !token.HourResetAt.IsZero() && !now.Before(token.HourResetAt) {
		token.HourCount = 0
		token.HourResetAt = time.Time{}
	}
	if !token.DayResetAt.IsZero() && !now.Before(token.DayResetAt) {
		token.DayCount = 0
		token.DayResetAt = time.Time{}
	}
	if token.MonthResetAt.IsZero() || !now.Before(token.MonthResetAt) {
		token.MonthCount = 0
		token.MonthResetAt = nextMonthStart(now, t.tz)
	}
}

// CheckAndRecord evaluates all three windows for a token and, if allowed,
// records one call against each. A denied call consumes nothing; the
// returned Denial names the most restrictive violated window.
func (t *Tracker) CheckAndRecord(tokenID string, now time.Time) (*model.AuthToken, *Denial, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	token, err := t.db.FindAuthTokenByTokenID(tokenID)
	if err != nil {
		return nil, nil, err
	}

	t.roll(token, now)

	var denial *Denial
	switch {
	case token.HourLimit > 0 && token.HourCount >= token.HourLimit:
		denial = &Denial{Window: model.QuotaStateHour}
	case token.DayLimit > 0 && token.DayCount >= token.DayLimit:
		denial = &Denial{Window: model.QuotaStateDay}
	case token.MonthLimit > 0 && token.MonthCount >= token.MonthLimit:
		denial = &Denial{Window: model.QuotaStateMonth}
	}

	if denial == nil {
		// The reset timestamp of a rolling window is the first call in the
		// window plus the window length.
		if token.HourCount == 0 {
			token.HourResetAt = now.Add(time.Hour)
		}
		if token.DayCount == 0 {
			token.DayResetAt = now.Add(24 * time.Hour)
		}
		token.HourCount++
		token.DayCount++
		token.MonthCount++
		token.LastUsedAt = now
	}

	// Persist even on denial so elapsed-window resets take effect.
	if err := t.db.UpdateAuthToken(token); err != nil {
		return nil, nil, err
	}

	return token, denial, nil
}

// Refund returns one previously admitted call to a token's windows. The
// proxy calls it when the upstream call never completed, so the window
// counters only reflect completed calls. Counters floor at zero: a window
// may have rolled over between admit and refund.
func (t *Tracker) Refund(tokenID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	token, err := t.db.FindAuthTokenByTokenID(tokenID)
	if err != nil {
		return err
	}
	if token.HourCount > 0 {
		token.HourCount--
	}
	if token.DayCount > 0 {
		token.DayCount--
	}
	if token.MonthCount > 0 {
		token.MonthCount--
	}
	return t.db.UpdateAuthToken(token)
}

// ResetMonthlyCounters zeroes every token's monthly window at the calendar
// boundary. Called by the monthly rollover job.
func (t *Tracker) ResetMonthlyCounters(now time.Time) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.db.ResetMonthlyTokenCounters(nextMonthStart(now, t.tz))
}
