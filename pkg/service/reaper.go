package service

import (
	"context"
	"time"

	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/backoff"
	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/models"
	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/storage"
	"github.com/pkg/errors"
)

type ReaperConfig struct {
	// TimeoutClassification decides whether an expired wait is retried.
	TimeoutClassification models.ErrorClassification
	RetryPolicy           backoff.Policy
	BatchSize             int
	// ProcessingTimeout is how long a job may stay PROCESSING before its worker is presumed lost.
	ProcessingTimeout time.Duration
}

func (c *ReaperConfig) applyDefaults() {
	if !c.TimeoutClassification.Valid() {
		c.TimeoutClassification = models.PermanentError
	}
	if c.RetryPolicy == (backoff.Policy{}) {
		c.RetryPolicy = backoff.Standard()
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = 30 * time.Minute
	}
}

// Reaper fails jobs whose wait expired and jobs abandoned by a worker.
type Reaper struct {
	store  storage.Store
	cfg    ReaperConfig
	logger Logger
	now    func() time.Time
}

func NewReaper(store storage.Store, cfg ReaperConfig, logger Logger) *Reaper {
	cfg.applyDefaults()
	return &Reaper{store: store, cfg: cfg, logger: logger, now: utcNow}
}

// ReapExpired fails WAITING_FOR_EVENT jobs past their deadline.
func (r *Reaper) ReapExpired(ctx context.Context) (int, error) {
	now := r.now()
	jobs, err := r.store.ListExpiredWaitingJobs(now, r.cfg.BatchSize)
	if err != nil {
		return 0, errors.Wrap(err, "list expired waiting jobs")
	}
	reaped := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			return reaped, ctx.Err()
		}
		wait := job.WaitingForEvent
		cause := errors.Wrapf(ErrWaitTimeout, "%s/%s after %dms", wait.EventType, wait.EventKey, wait.TimeoutMs)
		if r.reap(job, models.WaitingForEventJobStatus, cause, r.cfg.TimeoutClassification, now) {
			reaped++
		}
	}
	return reaped, nil
}

// ReapStale fails PROCESSING jobs whose worker stopped reporting, so they can be retried.
func (r *Reaper) ReapStale(ctx context.Context) (int, error) {
	now := r.now()
	jobs, err := r.store.ListStaleJobs(now.Add(-r.cfg.ProcessingTimeout), r.cfg.BatchSize)
	if err != nil {
		return 0, errors.Wrap(err, "list stale jobs")
	}
	reaped := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			return reaped, ctx.Err()
		}
		cause := errors.Errorf("worker lost: processing since %s", job.StartedAt.Format(time.RFC3339))
		if r.reap(job, models.ProcessingJobStatus, cause, models.RetryableError, now) {
			reaped++
		}
	}
	return reaped, nil
}

func (r *Reaper) reap(job models.WorkflowJob, from models.JobStatus, cause error, class models.ErrorClassification, now time.Time) bool {
	out, err := job.Fail(cause.Error(), class, r.cfg.RetryPolicy, now)
	if err != nil {
		r.logger.Errorf("Cannot reap job %s: %v", job.ID, err)
		return false
	}
	key := models.JobFailedKey
	if out.Retried {
		key = models.JobRetryScheduledKey
	}
	t := transition{job: job, expected: from, routingKey: key}
	if err := commitTransition(r.store, r.logger, t, now); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			r.logger.Debugf("Job %s moved on before it was reaped", job.ID)
		} else {
			r.logger.Errorf("Failed to reap job %s: %v", job.ID, err)
		}
		return false
	}
	r.logger.Warnf("Reaped job %s (%s): %v", job.ID, job.Status, cause)
	return true
}
