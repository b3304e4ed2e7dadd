package model

import "time"

// RequestResult is the application-level outcome of a proxied call.
type RequestResult string

const (
	ResultSuccess        RequestResult = "success"
	ResultError          RequestResult = "error"
	ResultQuotaExhausted RequestResult = "quota_exhausted"
)

// RequestLog is one append-only audit record per proxied call. Rows are never
// mutated after insert; retention is handled by the log-maintenance job.
type RequestLog struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	RequestID string `gorm:"type:varchar(36);index;not null" json:"request_id"`
	KeyID     string `gorm:"type:varchar(16);index" json:"key_id"`
	TokenID   string `gorm:"type:varchar(8);index" json:"token_id"`

	Method         string        `gorm:"type:varchar(10)" json:"method"`
	Path           string        `gorm:"type:varchar(255);index" json:"path"`
	Query          string        `gorm:"type:varchar(512)" json:"query"`
	UpstreamStatus int           `json:"upstream_status"`
	Result         RequestResult `gorm:"type:varchar(20);index;not null" json:"result"`
	ErrorMessage   string        `gorm:"type:varchar(512)" json:"error_message,omitempty"`

	RequestBody       string `gorm:"type:text" json:"request_body,omitempty"`
	RequestTruncated  bool   `gorm:"default:false;not null" json:"request_truncated"`
	ResponseBody      string `gorm:"type:text" json:"response_body,omitempty"`
	ResponseTruncated bool   `gorm:"default:false;not null" json:"response_truncated"`

	// Header sets recorded at write time: what was actually forwarded
	// upstream and what was dropped for anonymity. JSON-encoded maps.
	ForwardedHeaders string `gorm:"type:text" json:"forwarded_headers,omitempty"`
	DroppedHeaders   string `gorm:"type:text" json:"dropped_headers,omitempty"`

	LatencyMs int64     `json:"latency_ms"`
	ClientIP  string    `gorm:"type:varchar(64)" json:"client_ip"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}
