package db

import (
	"fmt"

	"github.com/searchbroker/searchbroker/internal/model"
)

func (s *gormService) CreateJob(job *model.Job) error {
	if err := s.db.Create(job).Error; err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (s *gormService) UpdateJob(job *model.Job) error {
	if err := s.db.Save(job).Error; err != nil {
		return fmt.Errorf("failed to update job %d: %w", job.ID, err)
	}
	return nil
}

func (s *gormService) GetJob(id uint) (*model.Job, error) {
	var job model.Job
	if err := s.db.First(&job, id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &job, nil
}

// PendingJobs returns every job still queued or running, oldest first. The
// runner uses it on startup to re-adopt work a previous process left behind.
func (s *gormService) PendingJobs() ([]model.Job, error) {
	var jobs []model.Job
	if err := s.db.Where("status IN ?", []model.JobStatus{model.JobStatusQueued, model.JobStatusRunning}).
		Order("id asc").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("failed to load pending jobs: %w", err)
	}
	return jobs, nil
}

func (s *gormService) ListJobs(page, limit int, jobType model.JobType) ([]model.Job, int64, error) {
	query := s.db.Model(&model.Job{})
	if jobType != "" {
		query = query.Where("type = ?", jobType)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	var jobs []model.Job
	offset := (page - 1) * limit
	if err := query.Order("id desc").Offset(offset).Limit(limit).Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, total, nil
}
