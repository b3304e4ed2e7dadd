package audit

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/searchbroker/searchbroker/internal/db"
	"github.com/searchbroker/searchbroker/internal/model"
)

// Query bounds: a single page never exceeds maxPageSize rows, and cursors
// older than maxPages pages return empty, to cap server-side work per
// filter set.
const (
	maxPageSize = 100
	maxPages    = 1000
)

// forwardedHeaders is the static allow-list applied before persistence.
// Everything else is dropped for anonymity and recorded as such, so each
// audit row reflects what was actually sent upstream at the time.
var forwardedHeaders = map[string]bool{
	"Accept":          true,
	"Accept-Encoding": true,
	"Content-Type":    true,
	"Content-Length":  true,
	"User-Agent":      true,
}

// Log is the append-only audit store for proxied calls. Appends are
// synchronous: the caller's response is not final until its entry is
// committed. Write failures never fail the request, but they bump a
// degraded-mode counter surfaced in the summary.
type Log struct {
	db            db.Service
	logger        *slog.Logger
	bodyLimit     int
	writeFailures atomic.Int64
}

// New builds an audit log that truncates stored bodies at bodyLimit bytes.
func New(dbService db.Service, bodyLimit int, logger *slog.Logger) *Log {
	return &Log{
		db:        dbService,
		logger:    logger.With("component", "audit"),
		bodyLimit: bodyLimit,
	}
}

// RedactHeaders splits a header set into the forwarded and dropped maps per
// the static policy. Multi-valued headers are joined with ", ".
func RedactHeaders(h http.Header) (forwarded, dropped map[string]string) {
	forwarded = make(map[string]string)
	dropped = make(map[string]string)
	for name, values := range h {
		joined := strings.Join(values, ", ")
		if forwardedHeaders[http.CanonicalHeaderKey(name)] {
			forwarded[name] = joined
		} else {
			dropped[name] = joined
		}
	}
	return forwarded, dropped
}

// ForwardUpstream reports whether a header survives the redaction policy.
func ForwardUpstream(name string) bool {
	return forwardedHeaders[http.CanonicalHeaderKey(name)]
}

func (l *Log) truncate(body string) (string, bool) {
	if l.bodyLimit > 0 && len(body) > l.bodyLimit {
		return body[:l.bodyLimit], true
	}
	return body, false
}

// Append persists one audit entry, applying body truncation and header
// encoding. On storage failure the entry is logged locally and the degraded
// counter bumped; the caller's request outcome is never swallowed silently.
func (l *Log) Append(entry *model.RequestLog, forwarded, dropped map[string]string) error {
	entry.RequestBody, entry.RequestTruncated = l.truncate(entry.RequestBody)
	entry.ResponseBody, entry.ResponseTruncated = l.truncate(entry.ResponseBody)
	if len(forwarded) > 0 {
		if b, err := json.Marshal(forwarded); err == nil {
			entry.ForwardedHeaders = string(b)
		}
	}
	if len(dropped) > 0 {
		if b, err := json.Marshal(dropped); err == nil {
			entry.DroppedHeaders = string(b)
		}
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	if err := l.db.AppendRequestLog(entry); err != nil {
		l.writeFailures.Add(1)
		l.logger.Error("Failed to persist audit entry",
			"request_id", entry.RequestID,
			"key_id", entry.KeyID,
			"token_id", entry.TokenID,
			"result", entry.Result,
			"error", err,
		)
		return err
	}
	return nil
}

// WriteFailures returns the degraded-mode counter since process start.
func (l *Log) WriteFailures() int64 {
	return l.writeFailures.Load()
}

// Page is one page of audit entries plus the cursor for the next one.
type Page struct {
	Entries    []model.RequestLog `json:"entries"`
	NextCursor uint               `json:"next_cursor"`
}

// Query returns a filtered page. Pagination rides the monotonically
// increasing row id, so concurrent appends cannot duplicate or skip rows
// across adjacent pages.
func (l *Log) Query(filter db.RequestLogFilter) (*Page, error) {
	if filter.Limit <= 0 || filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}

	// Bound total retrievable depth: cursors more than maxPages pages below
	// the newest row return an empty page instead of scanning further.
	if filter.Cursor > 0 {
		newest, err := l.db.MaxRequestLogID()
		if err != nil {
			return nil, err
		}
		depth := uint(maxPages * maxPageSize)
		if newest > depth && filter.Cursor < newest-depth {
			return &Page{}, nil
		}
	}

	entries, err := l.db.ListRequestLogs(filter)
	if err != nil {
		return nil, err
	}

	page := &Page{Entries: entries}
	if len(entries) == filter.Limit {
		page.NextCursor = entries[len(entries)-1].ID
	}
	return page, nil
}

// Recent returns the newest entries for the realtime snapshot.
func (l *Log) Recent(limit int) ([]model.RequestLog, error) {
	return l.db.RecentRequestLogs(limit)
}

// PruneBefore removes entries older than t. Only the log-maintenance job
// calls this; nothing on the request path ever deletes audit rows.
func (l *Log) PruneBefore(t time.Time) (int64, error) {
	n, err := l.db.PruneRequestLogsBefore(t)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		l.logger.Info("Pruned request logs", "count", n, "before", t)
	}
	return n, nil
}
