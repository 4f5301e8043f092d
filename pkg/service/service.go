// Package service runs workflow jobs through their pipelines and moves messages
// through the inbox and outbox.
package service

import (
	"encoding/json"
	"time"

	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/models"
	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Logger defines the logging interface used by the services
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

var (
	ErrUnknownWorkflow = errors.New("unknown workflow type")
	ErrInvalidRequest  = errors.New("invalid request")
	// ErrNoWaitingJob is returned by the resume handler when no job waits for the event yet.
	ErrNoWaitingJob = errors.New("no job waiting for event")
	ErrWaitTimeout  = errors.New("timed out waiting for event")
	ErrJobInFlight  = errors.New("job is already being processed")
	ErrPoolStopped  = errors.New("worker pool stopped")
)

// inTx runs fn in a store transaction, committing on success.
func inTx(store storage.Store, logger Logger, fn func(tx storage.Store) error) (err error) {
	txStore, err := store.Begin()
	if err != nil {
		logger.Errorf("Failed to begin transaction: %v", err)
		return errors.Wrap(err, "begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()
	return fn(txStore)
}

// transition is one job state change together with what announces it.
type transition struct {
	job        models.WorkflowJob
	expected   models.JobStatus
	routingKey string
	logs       []models.ExecutionLog
}

// commitTransition writes the job, its outbox message and its history in one transaction.
func commitTransition(store storage.Store, logger Logger, t transition, now time.Time) error {
	msg, err := newJobEventMessage(t.job, t.routingKey, now)
	if err != nil {
		return err
	}
	return inTx(store, logger, func(tx storage.Store) error {
		if err := tx.UpdateJob(t.job, t.expected); err != nil {
			return err
		}
		if err := tx.InsertOutboxMessage(msg); err != nil {
			return errors.Wrapf(err, "enqueue %s for job %s", t.routingKey, t.job.ID)
		}
		for _, l := range t.logs {
			if err := tx.SaveExecutionLog(l); err != nil {
				return errors.Wrapf(err, "save history for job %s", t.job.ID)
			}
		}
		return tx.SaveExecutionLog(models.ExecutionLog{
			JobID:    t.job.ID,
			Status:   string(t.job.Status),
			Message:  t.job.LastError,
			LoggedAt: now,
		})
	})
}

func newJobEventMessage(job models.WorkflowJob, routingKey string, now time.Time) (models.OutboxMessage, error) {
	payload, err := json.Marshal(models.NewJobEvent(job, now))
	if err != nil {
		return models.OutboxMessage{}, errors.Wrap(err, "encode job event")
	}
	jobID := job.ID
	return models.OutboxMessage{
		ID:            uuid.NewString(),
		Exchange:      models.JobEventsExchange,
		RoutingKey:    routingKey,
		Payload:       payload,
		Status:        models.ReadyMessageStatus,
		NextAttemptAt: now,
		JobID:         &jobID,
		CreatedAt:     now,
	}, nil
}

func utcNow() time.Time {
	return time.Now().UTC()
}
