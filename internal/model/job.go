package model

import "time"

// JobType names a background task the job runner knows how to execute.
type JobType string

const (
	JobQuotaSync       JobType = "quota_sync"
	JobUsageSync       JobType = "usage_sync"
	JobLogMaintenance  JobType = "log_maintenance"
	JobMonthlyRollover JobType = "monthly_rollover"
)

// JobStatus is the state of a job in its queued → running → terminal FSM.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// Job is one background task execution, including its retry history.
type Job struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Type       JobType   `gorm:"type:varchar(32);index;not null" json:"type"`
	KeyID      string    `gorm:"type:varchar(16);index" json:"key_id,omitempty"`
	Status     JobStatus `gorm:"type:varchar(16);index;default:'queued';not null" json:"status"`
	Attempts   int       `gorm:"default:0;not null" json:"attempts"`
	Message    string    `gorm:"type:varchar(512)" json:"message,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
