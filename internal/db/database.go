package db

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/searchbroker/searchbroker/internal/config"
	"github.com/searchbroker/searchbroker/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("record not found")

// RequestLogFilter narrows an audit log query. Zero values mean "no filter".
// Cursor pages backwards: only rows with ID < Cursor are returned.
type RequestLogFilter struct {
	KeyID   string
	TokenID string
	Result  model.RequestResult
	From    time.Time
	To      time.Time
	Cursor  uint
	Limit   int
}

// Service is the persistence boundary. Everything above it depends on this
// interface so tests can swap in mocks or an in-memory sqlite database.
type Service interface {
	// API keys.
	LoadAPIKeys() ([]model.APIKey, error)
	CreateAPIKey(key *model.APIKey) error
	FindAPIKeyBySecret(secret string) (*model.APIKey, error)
	FindAPIKeyByKeyID(keyID string) (*model.APIKey, error)
	UpdateAPIKey(key *model.APIKey) error
	UpdateAPIKeyStatus(keyID string, status model.KeyStatus, at time.Time) error
	StampAPIKeyUsage(keyID string, usedAt time.Time) error
	RecordAPIKeyOutcome(keyID string, result model.RequestResult) error
	UpdateAPIKeyQuota(keyID string, limit, remaining int, syncedAt time.Time) error
	SetAPIKeyCounters(keyID string, total, success, errCount, exhausted int64) error
	ListAPIKeys(page, limit int, status model.KeyStatus) ([]model.APIKey, int64, error)
	ReactivateExhaustedKeys(at time.Time) (int64, error)

	// Auth tokens.
	CreateAuthToken(token *model.AuthToken) error
	FindAuthTokenBySecret(secret string) (*model.AuthToken, error)
	FindAuthTokenByTokenID(tokenID string) (*model.AuthToken, error)
	UpdateAuthToken(token *model.AuthToken) error
	ListAuthTokens(page, limit int, group string, ungrouped bool) ([]model.AuthToken, int64, error)
	ResetMonthlyTokenCounters(nextReset time.Time) (int64, error)

	// Request logs.
	AppendRequestLog(entry *model.RequestLog) error
	ListRequestLogs(filter RequestLogFilter) ([]model.RequestLog, error)
	RecentRequestLogs(limit int) ([]model.RequestLog, error)
	RequestLogsForToken(tokenID string, from, to time.Time) ([]model.RequestLog, error)
	MaxRequestLogID() (uint, error)
	CountKeyResults(keyID string) (total, success, errCount, exhausted int64, err error)
	PruneRequestLogsBefore(t time.Time) (int64, error)

	// Jobs.
	CreateJob(job *model.Job) error
	UpdateJob(job *model.Job) error
	GetJob(id uint) (*model.Job, error)
	PendingJobs() ([]model.Job, error)
	ListJobs(page, limit int, jobType model.JobType) ([]model.Job, int64, error)

	Summary() (*model.Summary, error)
	GetDB() *gorm.DB
}

type gormService struct {
	db *gorm.DB
}

// NewService opens the configured database, runs migrations and returns a
// Service backed by it.
func NewService(cfg config.DatabaseConfig) (Service, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	err = db.AutoMigrate(&model.APIKey{}, &model.AuthToken{}, &model.RequestLog{}, &model.Job{})
	if err != nil {
		return nil, fmt.Errorf("failed to auto-migrate database: %w", err)
	}

	return &gormService{db: db}, nil
}

func (s *gormService) GetDB() *gorm.DB {
	return s.db
}

func wrapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
