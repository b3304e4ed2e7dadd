package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/searchbroker/searchbroker/internal/db"
	"github.com/searchbroker/searchbroker/internal/model"
)

// HandlerFunc executes one job attempt. Returning an error triggers a retry
// until the attempt budget runs out.
type HandlerFunc func(ctx context.Context, job *model.Job) error

// Runner executes named background jobs on its own worker pool, never on
// the request-serving path. Each job walks the queued → running →
// {succeeded, failed} FSM with bounded exponential-backoff retries; a job
// that exhausts its attempts stays failed until an operator re-enqueues it.
type Runner struct {
	db       db.Service
	logger   *slog.Logger
	handlers map[model.JobType]HandlerFunc

	queue       chan uint
	workers     int
	maxAttempts int
	backoffBase time.Duration

	cron     *cron.Cron
	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewRunner builds a runner with the given worker count and retry policy.
// Handlers are registered before Start.
func NewRunner(dbService db.Service, workers, maxAttempts int, backoffBase time.Duration, tz *time.Location, logger *slog.Logger) *Runner {
	if workers < 1 {
		workers = 1
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Runner{
		db:          dbService,
		logger:      logger.With("component", "jobs"),
		handlers:    make(map[model.JobType]HandlerFunc),
		queue:       make(chan uint, 64),
		workers:     workers,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		cron:        cron.New(cron.WithLocation(tz)),
		stopChan:    make(chan struct{}),
	}
}

// Register binds a handler to a job type.
func (r *Runner) Register(jobType model.JobType, fn HandlerFunc) {
	r.handlers[jobType] = fn
}

// Start launches the worker pool and the periodic schedule, then re-adopts
// jobs a previous process persisted but never finished.
func (r *Runner) Start() error {
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}

	if err := r.recover(); err != nil {
		return err
	}

	schedules := []struct {
		spec    string
		jobType model.JobType
	}{
		{"0 * * * *", model.JobQuotaSync},       // hourly
		{"30 3 * * *", model.JobUsageSync},      // daily
		{"0 4 * * *", model.JobLogMaintenance},  // daily
		{"0 0 1 * *", model.JobMonthlyRollover}, // first of the month, reference tz
	}
	for _, s := range schedules {
		jobType := s.jobType
		if _, err := r.cron.AddFunc(s.spec, func() {
			if _, err := r.Enqueue(jobType, ""); err != nil {
				r.logger.Error("Failed to enqueue scheduled job", "type", jobType, "error", err)
			}
		}); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", jobType, err)
		}
	}
	r.cron.Start()
	r.logger.Info("Job runner started", "workers", r.workers)
	return nil
}

// recover requeues rows still marked queued in the database and fails rows
// stranded in running: those were interrupted mid-attempt by a crash or
// shutdown, and an operator can re-enqueue them.
func (r *Runner) recover() error {
	pending, err := r.db.PendingJobs()
	if err != nil {
		return fmt.Errorf("failed to load pending jobs: %w", err)
	}
	for i := range pending {
		job := &pending[i]
		switch job.Status {
		case model.JobStatusRunning:
			job.Status = model.JobStatusFailed
			job.Message = "interrupted by restart"
			job.FinishedAt = time.Now()
			r.saveJob(job)
		case model.JobStatusQueued:
			select {
			case r.queue <- job.ID:
			default:
				job.Status = model.JobStatusFailed
				job.Message = "job queue is full"
				job.FinishedAt = time.Now()
				r.saveJob(job)
			}
		}
	}
	if len(pending) > 0 {
		r.logger.Info("Recovered persisted jobs", "count", len(pending))
	}
	return nil
}

// Enqueue creates a job record and hands it to the worker pool.
func (r *Runner) Enqueue(jobType model.JobType, keyID string) (uint, error) {
	if _, ok := r.handlers[jobType]; !ok {
		return 0, fmt.Errorf("unknown job type: %s", jobType)
	}

	job := &model.Job{
		Type:   jobType,
		KeyID:  keyID,
		Status: model.JobStatusQueued,
	}
	if err := r.db.CreateJob(job); err != nil {
		return 0, err
	}

	select {
	case r.queue <- job.ID:
	default:
		// Queue is saturated; mark the job failed rather than blocking the
		// caller or dropping it silently.
		job.Status = model.JobStatusFailed
		job.Message = "job queue is full"
		job.FinishedAt = time.Now()
		if err := r.db.UpdateJob(job); err != nil {
			r.logger.Error("Failed to mark overflowed job", "job_id", job.ID, "error", err)
		}
		return job.ID, fmt.Errorf("job queue is full")
	}
	return job.ID, nil
}

// List returns a page of job records, optionally filtered by type.
func (r *Runner) List(page, limit int, jobType model.JobType) ([]model.Job, int64, error) {
	return r.db.ListJobs(page, limit, jobType)
}

// Get returns one job record.
func (r *Runner) Get(id uint) (*model.Job, error) {
	return r.db.GetJob(id)
}

func (r *Runner) worker() {
	defer r.wg.Done()
	for {
		select {
		case id, ok := <-r.queue:
			if !ok {
				return
			}
			r.run(id)
		case <-r.stopChan:
			return
		}
	}
}

// run drives one job through its attempt loop.
func (r *Runner) run(id uint) {
	job, err := r.db.GetJob(id)
	if err != nil {
		r.logger.Error("Failed to load job", "job_id", id, "error", err)
		return
	}
	handler := r.handlers[job.Type]
	if handler == nil {
		job.Status = model.JobStatusFailed
		job.Message = fmt.Sprintf("no handler for job type %s", job.Type)
		job.FinishedAt = time.Now()
		r.saveJob(job)
		return
	}

	job.Status = model.JobStatusRunning
	job.StartedAt = time.Now()
	r.saveJob(job)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-r.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		job.Attempts++
		r.saveJob(job)

		err := handler(ctx, job)
		if err == nil {
			job.Status = model.JobStatusSucceeded
			job.FinishedAt = time.Now()
			if job.Message == "" {
				job.Message = "ok"
			}
			r.saveJob(job)
			return
		}

		r.logger.Warn("Job attempt failed", "job_id", job.ID, "type", job.Type, "attempt", job.Attempts, "error", err)
		if job.Attempts >= r.maxAttempts {
			job.Status = model.JobStatusFailed
			job.Message = err.Error()
			job.FinishedAt = time.Now()
			r.saveJob(job)
			return
		}

		// Exponential backoff: base * 2^(attempt-1).
		backoff := r.backoffBase << (job.Attempts - 1)
		select {
		case <-time.After(backoff):
		case <-r.stopChan:
			job.Status = model.JobStatusFailed
			job.Message = "runner shut down during retry backoff"
			job.FinishedAt = time.Now()
			r.saveJob(job)
			return
		}
	}
}

func (r *Runner) saveJob(job *model.Job) {
	if err := r.db.UpdateJob(job); err != nil {
		r.logger.Error("Failed to persist job state", "job_id", job.ID, "error", err)
	}
}

// Close stops the schedule and the worker pool. Queue entries a worker never
// picked up stay queued in the database and are requeued by the next Start.
func (r *Runner) Close() {
	r.stopOnce.Do(func() {
		r.cron.Stop()
		close(r.stopChan)
		close(r.queue)
	})
	r.wg.Wait()
	r.logger.Info("Job runner shutdown complete.")
}
