package db

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/searchbroker/searchbroker/internal/model"
)

// LoadAPIKeys returns every key row, soft-deleted ones included. The registry
// filters by status itself so restore-by-identity stays visible to it.
func (s *gormService) LoadAPIKeys() ([]model.APIKey, error) {
	var keys []model.APIKey
	result := s.db.Model(&model.APIKey{}).Order("key_id asc").Find(&keys)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load api keys: %w", result.Error)
	}
	return keys, nil
}

func (s *gormService) CreateAPIKey(key *model.APIKey) error {
	if err := s.db.Create(key).Error; err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}
	return nil
}

func (s *gormService) FindAPIKeyBySecret(secret string) (*model.APIKey, error) {
	var key model.APIKey
	if err := s.db.Where("secret = ?", secret).First(&key).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &key, nil
}

func (s *gormService) FindAPIKeyByKeyID(keyID string) (*model.APIKey, error) {
	var key model.APIKey
	if err := s.db.Where("key_id = ?", keyID).First(&key).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &key, nil
}

func (s *gormService) UpdateAPIKey(key *model.APIKey) error {
	if err := s.db.Save(key).Error; err != nil {
		return fmt.Errorf("failed to update api key %s: %w", key.KeyID, err)
	}
	return nil
}

func (s *gormService) UpdateAPIKeyStatus(keyID string, status model.KeyStatus, at time.Time) error {
	result := s.db.Model(&model.APIKey{}).Where("key_id = ?", keyID).Updates(map[string]interface{}{
		"status":            status,
		"status_changed_at": at,
	})
	if result.Error != nil {
		return fmt.Errorf("failed to update status for key %s: %w", keyID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *gormService) StampAPIKeyUsage(keyID string, usedAt time.Time) error {
	result := s.db.Model(&model.APIKey{}).Where("key_id = ?", keyID).UpdateColumn("last_used_at", usedAt)
	if result.Error != nil {
		return fmt.Errorf("failed to stamp usage for key %s: %w", keyID, result.Error)
	}
	return nil
}

// RecordAPIKeyOutcome atomically bumps the cumulative counters for a key.
func (s *gormService) RecordAPIKeyOutcome(keyID string, result model.RequestResult) error {
	updates := map[string]interface{}{
		"total_requests": gorm.Expr("total_requests + 1"),
	}
	switch result {
	case model.ResultSuccess:
		updates["success_count"] = gorm.Expr("success_count + 1")
		updates["quota_remaining"] = gorm.Expr("CASE WHEN quota_remaining > 0 THEN quota_remaining - 1 ELSE 0 END")
	case model.ResultError:
		updates["error_count"] = gorm.Expr("error_count + 1")
	case model.ResultQuotaExhausted:
		updates["exhausted_count"] = gorm.Expr("exhausted_count + 1")
	}
	res := s.db.Model(&model.APIKey{}).Where("key_id = ?", keyID).UpdateColumns(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to record outcome for key %s: %w", keyID, res.Error)
	}
	return nil
}

func (s *gormService) UpdateAPIKeyQuota(keyID string, limit, remaining int, syncedAt time.Time) error {
	result := s.db.Model(&model.APIKey{}).Where("key_id = ?", keyID).Updates(map[string]interface{}{
		"quota_limit":     limit,
		"quota_remaining": remaining,
		"quota_synced_at": syncedAt,
	})
	if result.Error != nil {
		return fmt.Errorf("failed to update quota for key %s: %w", keyID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetAPIKeyCounters overwrites the cumulative counters. Used by the
// usage-sync job when it recomputes truth from the audit log.
func (s *gormService) SetAPIKeyCounters(keyID string, total, success, errCount, exhausted int64) error {
	result := s.db.Model(&model.APIKey{}).Where("key_id = ?", keyID).UpdateColumns(map[string]interface{}{
		"total_requests":  total,
		"success_count":   success,
		"error_count":     errCount,
		"exhausted_count": exhausted,
	})
	if result.Error != nil {
		return fmt.Errorf("failed to set counters for key %s: %w", keyID, result.Error)
	}
	return nil
}

func (s *gormService) ListAPIKeys(page, limit int, status model.KeyStatus) ([]model.APIKey, int64, error) {
	query := s.db.Model(&model.APIKey{})
	if status != "" {
		query = query.Where("status = ?", status)
	} else {
		query = query.Where("status != ?", model.KeyStatusDeleted)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count api keys: %w", err)
	}

	var keys []model.APIKey
	offset := (page - 1) * limit
	if err := query.Order("key_id asc").Offset(offset).Limit(limit).Find(&keys).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list api keys: %w", err)
	}
	return keys, total, nil
}

// ReactivateExhaustedKeys flips every exhausted key back to active. Run by
// the monthly rollover job when the provider's quota resets.
func (s *gormService) ReactivateExhaustedKeys(at time.Time) (int64, error) {
	result := s.db.Model(&model.APIKey{}).Where("status = ?", model.KeyStatusExhausted).Updates(map[string]interface{}{
		"status":            model.KeyStatusActive,
		"status_changed_at": at,
	})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to reactivate exhausted keys: %w", result.Error)
	}
	return result.RowsAffected, nil
}
