package storage

import (
	"time"

	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/models"
	"github.com/pkg/errors"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrClaimConflict is returned when another worker claimed the job first.
	ErrClaimConflict = errors.New("job already claimed")
	// ErrConflict is returned when a job changed status under a conditional update.
	ErrConflict = errors.New("job modified concurrently")
)

// JobFilter narrows ListJobs. Zero values match everything.
type JobFilter struct {
	Statuses     []models.JobStatus
	WorkflowType models.WorkflowType
	Limit        int
}

// Store defines the storage operations for jobs, inbox, outbox and history.
type Store interface {
	// Transaction operations. Begin returns a Store bound to the transaction.
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Job operations
	SaveJob(job models.WorkflowJob) error
	GetJob(id string) (models.WorkflowJob, error)
	ListJobs(filter JobFilter) ([]models.WorkflowJob, error)
	// ClaimJob moves the job to PROCESSING only if its status is one of from, and
	// issues a new ClaimToken.
	ClaimJob(id string, from []models.JobStatus, now time.Time) (models.WorkflowJob, error)
	// UpdateJob writes job only if the stored status still equals expected and the
	// stored ClaimToken equals job.ClaimToken; a writer holding an older claim gets ErrConflict.
	UpdateJob(job models.WorkflowJob, expected models.JobStatus) error
	ListDueJobs(now time.Time, limit int) ([]models.WorkflowJob, error)
	FindWaitingJobs(eventType, eventKey string) ([]models.WorkflowJob, error)
	ListExpiredWaitingJobs(now time.Time, limit int) ([]models.WorkflowJob, error)
	ListStaleJobs(startedBefore time.Time, limit int) ([]models.WorkflowJob, error)

	// Inbox operations. InsertInboxMessage reports false for a duplicate (consumer, message id).
	InsertInboxMessage(msg models.InboxMessage) (bool, error)
	GetInboxMessage(consumerID, messageID string) (models.InboxMessage, error)
	LockInboxMessages(consumerID, worker string, now time.Time, limit int) ([]models.InboxMessage, error)
	UpdateInboxMessage(msg models.InboxMessage) error
	ReleaseStaleInboxLocks(lockedBefore time.Time) (int64, error)

	// Outbox operations
	InsertOutboxMessage(msg models.OutboxMessage) error
	ListOutboxMessages(jobID string) ([]models.OutboxMessage, error)
	LockOutboxMessages(worker string, now time.Time, limit int) ([]models.OutboxMessage, error)
	UpdateOutboxMessage(msg models.OutboxMessage) error
	ReleaseStaleOutboxLocks(lockedBefore time.Time) (int64, error)

	// Execution log operations
	SaveExecutionLog(log models.ExecutionLog) error
	GetExecutionLogs(jobID string) ([]models.ExecutionLog, error)
}

func containsStatus(statuses []models.JobStatus, s models.JobStatus) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}
