package model

import "time"

// KeyStatus is the lifecycle state of an upstream API key.
type KeyStatus string

const (
	KeyStatusActive    KeyStatus = "active"
	KeyStatusExhausted KeyStatus = "exhausted"
	KeyStatusDisabled  KeyStatus = "disabled"
	KeyStatusDeleted   KeyStatus = "deleted"
)

// APIKey represents an upstream search API credential managed by this service.
// KeyID is derived from the secret, so re-adding a soft-deleted secret always
// lands on the same row.
type APIKey struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	KeyID           string    `gorm:"type:varchar(16);uniqueIndex;not null" json:"key_id"`
	Secret          string    `gorm:"type:varchar(255);uniqueIndex;not null" json:"-"`
	Status          KeyStatus `gorm:"type:varchar(20);index;default:'active';not null" json:"status"`
	StatusChangedAt time.Time `json:"status_changed_at"`
	LastUsedAt      time.Time `gorm:"index" json:"last_used_at"`

	QuotaLimit     int       `gorm:"default:0;not null" json:"quota_limit"`
	QuotaRemaining int       `gorm:"default:0;not null" json:"quota_remaining"`
	QuotaSyncedAt  time.Time `json:"quota_synced_at"`

	TotalRequests  int64 `gorm:"default:0;not null" json:"total_requests"`
	SuccessCount   int64 `gorm:"default:0;not null" json:"success_count"`
	ErrorCount     int64 `gorm:"default:0;not null" json:"error_count"`
	ExhaustedCount int64 `gorm:"default:0;not null" json:"exhausted_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Eligible reports whether the key may serve proxied traffic at all.
func (k *APIKey) Eligible() bool {
	return k.Status == KeyStatusActive || k.Status == KeyStatusDisabled
}
