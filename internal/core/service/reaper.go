package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/storefront/internal/core/domain"
	"github.com/rl1809/storefront/internal/port"
)

const staleJobMessage = "stale: worker lost"

// Reaper recovers import jobs abandoned by a crashed or restarted worker.
// PROCESSING jobs untouched for longer than staleAfter are failed; PENDING
// ones are queued again.
type Reaper struct {
	jobs       port.ImportJobRepository
	queue      port.TaskQueue
	staleAfter time.Duration
	interval   time.Duration
	logger     *zap.Logger
}

func NewReaper(jobs port.ImportJobRepository, queue port.TaskQueue, staleAfter, interval time.Duration, logger *zap.Logger) *Reaper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{
		jobs:       jobs,
		queue:      queue,
		staleAfter: staleAfter,
		interval:   interval,
		logger:     logger.Named("reaper"),
	}
}

// Run sweeps once immediately and then every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("sweep stale import jobs", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Reaper) Sweep(ctx context.Context) (failed, requeued int, err error) {
	stuck, err := r.jobs.ListStaleImportJobs(ctx, domain.ImportStatusProcessing, r.staleAfter)
	if err != nil {
		return 0, 0, fmt.Errorf("list stale processing jobs: %w", err)
	}
	for _, job := range stuck {
		err := r.jobs.FinishImportJob(ctx, job.ID, domain.ImportStatusProcessing, domain.ImportOutcome{
			Status:       domain.ImportStatusFailed,
			TotalRows:    job.TotalRows,
			ErrorMessage: staleJobMessage,
		})
		if errors.Is(err, domain.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return failed, requeued, fmt.Errorf("fail stale job %s: %w", job.ID, err)
		}
		r.logger.Warn("failed stale import job", zap.String("job_id", job.ID), zap.Time("updated_at", job.UpdatedAt))
		failed++
	}

	pending, err := r.jobs.ListStaleImportJobs(ctx, domain.ImportStatusPending, r.staleAfter)
	if err != nil {
		return failed, requeued, fmt.Errorf("list stale pending jobs: %w", err)
	}
	for _, job := range pending {
		attempt, err := r.jobs.RequeueImportJob(ctx, job.ID)
		if errors.Is(err, domain.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return failed, requeued, fmt.Errorf("bump attempt of job %s: %w", job.ID, err)
		}
		err = r.queue.Enqueue(ctx, domain.ImportTask{JobID: job.ID, StoreID: job.StoreID, Attempt: attempt})
		if errors.Is(err, port.ErrAlreadyQueued) {
			r.logger.Info("pending import job already queued", zap.String("job_id", job.ID), zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return failed, requeued, fmt.Errorf("requeue job %s: %w", job.ID, err)
		}
		r.logger.Info("requeued pending import job", zap.String("job_id", job.ID), zap.Int("attempt", attempt))
		requeued++
	}
	return failed, requeued, nil
}
