package db

import (
	"fmt"

	"github.com/searchbroker/searchbroker/internal/model"
)

// Summary aggregates pool-wide counters over the non-deleted keys.
func (s *gormService) Summary() (*model.Summary, error) {
	var summary model.Summary

	type sums struct {
		TotalRequests  int64
		SuccessCount   int64
		ErrorCount     int64
		ExhaustedCount int64
		QuotaLimit     int64
		QuotaRemaining int64
	}
	var agg sums
	err := s.db.Model(&model.APIKey{}).
		Select("COALESCE(SUM(total_requests),0) as total_requests, " +
			"COALESCE(SUM(success_count),0) as success_count, " +
			"COALESCE(SUM(error_count),0) as error_count, " +
			"COALESCE(SUM(exhausted_count),0) as exhausted_count, " +
			"COALESCE(SUM(quota_limit),0) as quota_limit, " +
			"COALESCE(SUM(quota_remaining),0) as quota_remaining").
		Where("status != ?", model.KeyStatusDeleted).
		Scan(&agg).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate key counters: %w", err)
	}
	summary.TotalRequests = agg.TotalRequests
	summary.SuccessRequests = agg.SuccessCount
	summary.ErrorRequests = agg.ErrorCount
	summary.ExhaustedRequests = agg.ExhaustedCount
	summary.QuotaLimit = agg.QuotaLimit
	summary.QuotaRemaining = agg.QuotaRemaining

	type statusCount struct {
		Status model.KeyStatus
		N      int64
	}
	var counts []statusCount
	err = s.db.Model(&model.APIKey{}).
		Select("status, count(*) as n").
		Group("status").
		Scan(&counts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count keys by status: %w", err)
	}
	for _, c := range counts {
		switch c.Status {
		case model.KeyStatusActive:
			summary.ActiveKeys = c.N
		case model.KeyStatusExhausted:
			summary.ExhaustedKeys = c.N
		case model.KeyStatusDisabled:
			summary.DisabledKeys = c.N
		}
	}

	return &summary, nil
}
