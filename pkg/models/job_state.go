package models

import (
	"context"
	"encoding/json"
	"time"

	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/backoff"
	"github.com/pkg/errors"
	"github.com/qmuntal/stateless"
)

type JobTrigger string

const (
	TriggerClaim    JobTrigger = "claim"
	TriggerComplete JobTrigger = "complete"
	TriggerPause    JobTrigger = "pause"
	TriggerRetry    JobTrigger = "retry"
	TriggerFail     JobTrigger = "fail"
	TriggerCancel   JobTrigger = "cancel"
)

// ErrInvalidTransition is returned when a trigger is not permitted from the job's current status.
var ErrInvalidTransition = errors.New("invalid job transition")

// machine binds a state machine to the job's Status field.
func (j *WorkflowJob) machine() *stateless.StateMachine {
	sm := stateless.NewStateMachineWithExternalStorage(
		func(_ context.Context) (stateless.State, error) {
			return j.Status, nil
		},
		func(_ context.Context, state stateless.State) error {
			j.Status = state.(JobStatus)
			return nil
		},
		stateless.FiringImmediate,
	)

	sm.Configure(PendingJobStatus).
		Permit(TriggerClaim, ProcessingJobStatus).
		Permit(TriggerCancel, CancelledJobStatus)

	sm.Configure(ProcessingJobStatus).
		Permit(TriggerComplete, CompletedJobStatus).
		Permit(TriggerPause, WaitingForEventJobStatus).
		Permit(TriggerRetry, PendingJobStatus).
		Permit(TriggerFail, FailedJobStatus).
		Permit(TriggerCancel, CancelledJobStatus)

	// wait timeouts are resolved by the reaper directly from this state
	sm.Configure(WaitingForEventJobStatus).
		Permit(TriggerClaim, ProcessingJobStatus).
		Permit(TriggerRetry, PendingJobStatus).
		Permit(TriggerFail, FailedJobStatus).
		Permit(TriggerCancel, CancelledJobStatus)

	sm.Configure(CompletedJobStatus)
	sm.Configure(FailedJobStatus)
	sm.Configure(CancelledJobStatus)
	return sm
}

func (j *WorkflowJob) fire(trigger JobTrigger) error {
	from := j.Status
	if err := j.machine().Fire(trigger); err != nil {
		return errors.Wrapf(ErrInvalidTransition, "job %s: %s from %s", j.ID, trigger, from)
	}
	return nil
}

// Claim moves a PENDING or WAITING_FOR_EVENT job to PROCESSING.
func (j *WorkflowJob) Claim(now time.Time) error {
	if err := j.fire(TriggerClaim); err != nil {
		return err
	}
	j.StartedAt = &now
	j.WaitingForEvent = nil
	j.UpdatedAt = now
	return nil
}

// Complete marks a PROCESSING job as COMPLETED.
func (j *WorkflowJob) Complete(now time.Time) error {
	if err := j.fire(TriggerComplete); err != nil {
		return err
	}
	j.CompletedAt = &now
	j.CurrentStage = ""
	j.UpdatedAt = now
	return nil
}

// Pause suspends a PROCESSING job until the described event arrives. The snapshot
// is the serialized pipeline context the job resumes from.
func (j *WorkflowJob) Pause(wait WaitingForEvent, snapshot json.RawMessage, now time.Time) error {
	if err := j.fire(TriggerPause); err != nil {
		return err
	}
	if wait.RequestedAt.IsZero() {
		wait.RequestedAt = now
	}
	j.WaitingForEvent = &wait
	j.PipelineState = snapshot
	j.CurrentStage = wait.StageName
	j.UpdatedAt = now
	return nil
}

// FailOutcome tells the caller what Fail decided.
type FailOutcome struct {
	Retried     bool
	ScheduledAt time.Time
}

// Fail applies the retry policy to a failed PROCESSING or WAITING_FOR_EVENT job.
// Retryable classifications go back to PENDING with a backoff until RetryCount
// reaches MaxRetries; everything else, and exhausted jobs, end up FAILED.
func (j *WorkflowJob) Fail(cause string, class ErrorClassification, policy backoff.Policy, now time.Time) (FailOutcome, error) {
	if !class.Valid() {
		return FailOutcome{}, errors.Errorf("unknown error classification '%s'", class)
	}
	if j.Status != ProcessingJobStatus && j.Status != WaitingForEventJobStatus {
		return FailOutcome{}, errors.Wrapf(ErrInvalidTransition, "job %s: fail from %s", j.ID, j.Status)
	}

	c := class
	j.ErrorClassification = &c
	j.LastError = cause
	j.UpdatedAt = now

	if class.Retryable() {
		j.RetryCount++
		if j.RetryCount < j.MaxRetries {
			delay, err := backoff.Interval(j.RetryCount-1, policy)
			if err != nil {
				return FailOutcome{}, err
			}
			if err := j.fire(TriggerRetry); err != nil {
				return FailOutcome{}, err
			}
			j.WaitingForEvent = nil
			j.ScheduledAt = now.Add(delay)
			return FailOutcome{Retried: true, ScheduledAt: j.ScheduledAt}, nil
		}
	}

	if err := j.fire(TriggerFail); err != nil {
		return FailOutcome{}, err
	}
	j.WaitingForEvent = nil
	j.CompletedAt = &now
	return FailOutcome{}, nil
}

// Cancel moves any non-terminal job to CANCELLED.
func (j *WorkflowJob) Cancel(now time.Time) error {
	if err := j.fire(TriggerCancel); err != nil {
		return err
	}
	j.WaitingForEvent = nil
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}
