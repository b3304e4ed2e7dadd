package db

import (
	"fmt"
	"time"

	"github.com/searchbroker/searchbroker/internal/model"
)

func (s *gormService) CreateAuthToken(token *model.AuthToken) error {
	if err := s.db.Create(token).Error; err != nil {
		return fmt.Errorf("failed to create auth token: %w", err)
	}
	return nil
}

func (s *gormService) FindAuthTokenBySecret(secret string) (*model.AuthToken, error) {
	var token model.AuthToken
	if err := s.db.Where("secret = ? AND deleted = ?", secret, false).First(&token).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &token, nil
}

func (s *gormService) FindAuthTokenByTokenID(tokenID string) (*model.AuthToken, error) {
	var token model.AuthToken
	if err := s.db.Where("token_id = ?", tokenID).First(&token).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &token, nil
}

func (s *gormService) UpdateAuthToken(token *model.AuthToken) error {
	if err := s.db.Save(token).Error; err != nil {
		return fmt.Errorf("failed to update auth token %s: %w", token.TokenID, err)
	}
	return nil
}

func (s *gormService) ListAuthTokens(page, limit int, group string, ungrouped bool) ([]model.AuthToken, int64, error) {
	query := s.db.Model(&model.AuthToken{}).Where("deleted = ?", false)
	if ungrouped {
		query = query.Where("group_label = ''")
	} else if group != "" {
		query = query.Where("group_label = ?", group)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count auth tokens: %w", err)
	}

	var tokens []model.AuthToken
	offset := (page - 1) * limit
	if err := query.Order("token_id asc").Offset(offset).Limit(limit).Find(&tokens).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list auth tokens: %w", err)
	}
	return tokens, total, nil
}

// ResetMonthlyTokenCounters zeroes every token's monthly counter and stamps
// the next calendar boundary. Run by the monthly rollover job.
func (s *gormService) ResetMonthlyTokenCounters(nextReset time.Time) (int64, error) {
	result := s.db.Model(&model.AuthToken{}).Where("month_count > 0").Updates(map[string]interface{}{
		"month_count":    0,
		"month_reset_at": nextReset,
	})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to reset monthly token counters: %w", result.Error)
	}
	return result.RowsAffected, nil
}
