package model

// Summary aggregates pool-wide counters for the dashboard summary endpoint
// and the realtime snapshot payload.
type Summary struct {
	TotalRequests     int64 `json:"total_requests"`
	SuccessRequests   int64 `json:"success_requests"`
	ErrorRequests     int64 `json:"error_requests"`
	ExhaustedRequests int64 `json:"exhausted_requests"`

	ActiveKeys    int64 `json:"active_keys"`
	ExhaustedKeys int64 `json:"exhausted_keys"`
	DisabledKeys  int64 `json:"disabled_keys"`

	QuotaLimit     int64 `json:"quota_limit"`
	QuotaRemaining int64 `json:"quota_remaining"`

	// AuditWriteFailures is the degraded-mode signal: audit entries that
	// could not be persisted since process start.
	AuditWriteFailures int64 `json:"audit_write_failures"`
}
