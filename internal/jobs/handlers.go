package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/searchbroker/searchbroker/internal/audit"
	"github.com/searchbroker/searchbroker/internal/db"
	"github.com/searchbroker/searchbroker/internal/model"
	"github.com/searchbroker/searchbroker/internal/quota"
	"github.com/searchbroker/searchbroker/internal/registry"
	"github.com/searchbroker/searchbroker/internal/upstream"
)

// UsageFetcher is the slice of the upstream client the quota-sync handler
// needs; tests swap in a fake.
type UsageFetcher interface {
	Usage(ctx context.Context, secret string) (*upstream.UsageSnapshot, error)
}

// Handlers implements the built-in job types against the live components.
type Handlers struct {
	db       db.Service
	registry *registry.Registry
	tracker  *quota.Tracker
	audit    *audit.Log
	upstream UsageFetcher
	logger   *slog.Logger

	retentionDays int
}

// NewHandlers wires the built-in handlers and registers them on the runner.
func NewHandlers(runner *Runner, dbService db.Service, reg *registry.Registry, tracker *quota.Tracker, auditLog *audit.Log, usage UsageFetcher, retentionDays int, logger *slog.Logger) *Handlers {
	h := &Handlers{
		db:            dbService,
		registry:      reg,
		tracker:       tracker,
		audit:         auditLog,
		upstream:      usage,
		logger:        logger.With("component", "job-handlers"),
		retentionDays: retentionDays,
	}
	runner.Register(model.JobQuotaSync, h.QuotaSync)
	runner.Register(model.JobUsageSync, h.UsageSync)
	runner.Register(model.JobLogMaintenance, h.LogMaintenance)
	runner.Register(model.JobMonthlyRollover, h.MonthlyRollover)
	return h
}

// QuotaSync reconciles local quota snapshots with the provider's usage
// endpoint. State is read first, the network call happens outside any lock,
// and results are applied last-known-good: a snapshot no newer than the
// stored one is skipped, so re-running the sync cannot regress state.
func (h *Handlers) QuotaSync(ctx context.Context, job *model.Job) error {
	var targets []model.APIKey
	if job.KeyID != "" {
		key, err := h.db.FindAPIKeyByKeyID(job.KeyID)
		if err != nil {
			return fmt.Errorf("quota sync target %s: %w", job.KeyID, err)
		}
		targets = []model.APIKey{*key}
	} else {
		keys, err := h.db.LoadAPIKeys()
		if err != nil {
			return err
		}
		for _, k := range keys {
			if k.Status != model.KeyStatusDeleted {
				targets = append(targets, k)
			}
		}
	}

	var synced, failed int
	for _, key := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}

		snapshot, err := h.upstream.Usage(ctx, key.Secret)
		if err != nil {
			h.logger.Warn("Quota sync fetch failed", "key_id", key.KeyID, "error", err)
			failed++
			continue
		}
		if !snapshot.FetchedAt.After(key.QuotaSyncedAt) {
			continue
		}
		if snapshot.Limit == key.QuotaLimit && snapshot.Remaining() == key.QuotaRemaining {
			// Unchanged upstream snapshot; applying it again would only
			// churn synced_at.
			continue
		}
		if err := h.db.UpdateAPIKeyQuota(key.KeyID, snapshot.Limit, snapshot.Remaining(), snapshot.FetchedAt); err != nil {
			h.logger.Error("Quota sync apply failed", "key_id", key.KeyID, "error", err)
			failed++
			continue
		}
		synced++
	}
	h.registry.Reload()

	job.Message = fmt.Sprintf("synced %d of %d keys", synced, len(targets))
	if failed > 0 && synced == 0 && len(targets) > 0 {
		return fmt.Errorf("quota sync failed for all %d keys", len(targets))
	}
	return nil
}

// UsageSync recomputes each key's cumulative counters from the audit log,
// repairing drift from lost asynchronous increments. Idempotent by
// construction: the audit log is the source of truth.
func (h *Handlers) UsageSync(ctx context.Context, job *model.Job) error {
	keys, err := h.db.LoadAPIKeys()
	if err != nil {
		return err
	}

	var repaired int
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		total, success, errCount, exhausted, err := h.db.CountKeyResults(key.KeyID)
		if err != nil {
			return err
		}
		if total == key.TotalRequests && success == key.SuccessCount &&
			errCount == key.ErrorCount && exhausted == key.ExhaustedCount {
			continue
		}
		if err := h.db.SetAPIKeyCounters(key.KeyID, total, success, errCount, exhausted); err != nil {
			return err
		}
		repaired++
	}
	if repaired > 0 {
		h.registry.Reload()
	}

	job.Message = fmt.Sprintf("repaired counters on %d of %d keys", repaired, len(keys))
	return nil
}

// LogMaintenance prunes audit entries past the retention horizon.
func (h *Handlers) LogMaintenance(ctx context.Context, job *model.Job) error {
	cutoff := time.Now().AddDate(0, 0, -h.retentionDays)
	n, err := h.audit.PruneBefore(cutoff)
	if err != nil {
		return err
	}
	job.Message = fmt.Sprintf("pruned %d entries older than %s", n, cutoff.Format(time.RFC3339))
	return nil
}

// MonthlyRollover reactivates exhausted keys and resets monthly token
// counters at the calendar boundary.
func (h *Handlers) MonthlyRollover(ctx context.Context, job *model.Job) error {
	keys, err := h.registry.ReactivateExhausted()
	if err != nil {
		return err
	}
	tokens, err := h.tracker.ResetMonthlyCounters(time.Now())
	if err != nil {
		return err
	}
	job.Message = fmt.Sprintf("reactivated %d keys, reset %d token counters", keys, tokens)
	return nil
}
