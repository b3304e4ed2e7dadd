package db

import (
	"fmt"
	"time"

	"github.com/searchbroker/searchbroker/internal/model"
)

func (s *gormService) AppendRequestLog(entry *model.RequestLog) error {
	if err := s.db.Create(entry).Error; err != nil {
		return fmt.Errorf("failed to append request log: %w", err)
	}
	return nil
}

// ListRequestLogs pages backwards on the id cursor so concurrent appends can
// neither duplicate nor skip rows within a scan.
func (s *gormService) ListRequestLogs(filter RequestLogFilter) ([]model.RequestLog, error) {
	query := s.db.Model(&model.RequestLog{})
	if filter.KeyID != "" {
		query = query.Where("key_id = ?", filter.KeyID)
	}
	if filter.TokenID != "" {
		query = query.Where("token_id = ?", filter.TokenID)
	}
	if filter.Result != "" {
		query = query.Where("result = ?", filter.Result)
	}
	if !filter.From.IsZero() {
		query = query.Where("created_at >= ?", filter.From)
	}
	if !filter.To.IsZero() {
		query = query.Where("created_at < ?", filter.To)
	}
	if filter.Cursor > 0 {
		query = query.Where("id < ?", filter.Cursor)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	var entries []model.RequestLog
	if err := query.Order("id desc").Limit(limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to list request logs: %w", err)
	}
	return entries, nil
}

func (s *gormService) RecentRequestLogs(limit int) ([]model.RequestLog, error) {
	var entries []model.RequestLog
	if err := s.db.Model(&model.RequestLog{}).Order("id desc").Limit(limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to load recent request logs: %w", err)
	}
	return entries, nil
}

func (s *gormService) RequestLogsForToken(tokenID string, from, to time.Time) ([]model.RequestLog, error) {
	var entries []model.RequestLog
	err := s.db.Model(&model.RequestLog{}).
		Where("token_id = ? AND created_at >= ? AND created_at < ?", tokenID, from, to).
		Order("id asc").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load request logs for token %s: %w", tokenID, err)
	}
	return entries, nil
}

// MaxRequestLogID returns the id of the newest audit row, or zero when the
// log is empty.
func (s *gormService) MaxRequestLogID() (uint, error) {
	var maxID uint
	err := s.db.Model(&model.RequestLog{}).Select("COALESCE(MAX(id),0)").Scan(&maxID).Error
	if err != nil {
		return 0, fmt.Errorf("failed to read max request log id: %w", err)
	}
	return maxID, nil
}

// CountKeyResults aggregates audit outcomes for one key. The usage-sync job
// uses this as the source of truth when repairing drifted counters.
func (s *gormService) CountKeyResults(keyID string) (total, success, errCount, exhausted int64, err error) {
	type row struct {
		Result model.RequestResult
		N      int64
	}
	var rows []row
	e := s.db.Model(&model.RequestLog{}).
		Select("result, count(*) as n").
		Where("key_id = ?", keyID).
		Group("result").
		Scan(&rows).Error
	if e != nil {
		return 0, 0, 0, 0, fmt.Errorf("failed to count results for key %s: %w", keyID, e)
	}
	for _, r := range rows {
		total += r.N
		switch r.Result {
		case model.ResultSuccess:
			success = r.N
		case model.ResultError:
			errCount = r.N
		case model.ResultQuotaExhausted:
			exhausted = r.N
		}
	}
	return total, success, errCount, exhausted, nil
}

func (s *gormService) PruneRequestLogsBefore(t time.Time) (int64, error) {
	result := s.db.Where("created_at < ?", t).Delete(&model.RequestLog{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to prune request logs: %w", result.Error)
	}
	return result.RowsAffected, nil
}
