package models

import (
	"encoding/json"
	"time"
)

// Outbox exchanges and routing keys written by the worker.
const (
	JobEventsExchange = "workflow.jobs"

	JobCompletedKey      = "job.completed"
	JobWaitingKey        = "job.waiting"
	JobResumedKey        = "job.resumed"
	JobRetryScheduledKey = "job.retry_scheduled"
	JobFailedKey         = "job.failed"
	JobCancelledKey      = "job.cancelled"
)

// OutboxMessage is a pending outbound notification. After creation only the relay changes it.
type OutboxMessage struct {
	ID            string          `json:"id" db:"id"`
	Exchange      string          `json:"exchange" db:"exchange"`
	RoutingKey    string          `json:"routingKey" db:"routing_key"`
	Payload       json.RawMessage `json:"payload" db:"payload"`
	Status        MessageStatus   `json:"status" db:"status"`
	Attempts      int             `json:"attempts" db:"attempts"`
	NextAttemptAt time.Time       `json:"nextAttemptAt" db:"next_attempt_at"`
	LockedAt      *time.Time      `json:"lockedAt,omitempty" db:"locked_at"`
	LockedBy      string          `json:"lockedBy,omitempty" db:"locked_by"`
	LastError     string          `json:"lastError,omitempty" db:"last_error"`
	ProcessedAt   *time.Time      `json:"processedAt,omitempty" db:"processed_at"`
	JobID         *string         `json:"jobId,omitempty" db:"job_id"`
	CreatedAt     time.Time       `json:"createdAt" db:"created_at"`
}

func (m *OutboxMessage) Lock(worker string, now time.Time) {
	m.Status = ProcessingMessageStatus
	m.LockedAt = &now
	m.LockedBy = worker
}

// Sent marks the message as delivered.
func (m *OutboxMessage) Sent(now time.Time) {
	m.Status = SentMessageStatus
	m.ProcessedAt = &now
	m.LockedAt = nil
	m.LockedBy = ""
	m.LastError = ""
}

// Retry releases the lock after a failed delivery, failing the message once maxAttempts is reached.
func (m *OutboxMessage) Retry(cause string, maxAttempts int, next time.Time) {
	m.Attempts++
	m.LastError = cause
	m.LockedAt = nil
	m.LockedBy = ""
	if m.Attempts >= maxAttempts {
		m.Status = FailedMessageStatus
		return
	}
	m.Status = ReadyMessageStatus
	m.NextAttemptAt = next
}

// JobEvent is the payload of every job.* outbox message.
type JobEvent struct {
	JobID               string               `json:"jobId"`
	CorrelationID       string               `json:"correlationId"`
	WorkflowType        WorkflowType         `json:"workflowType"`
	Status              JobStatus            `json:"status"`
	Stage               string               `json:"stage,omitempty"`
	RetryCount          int                  `json:"retryCount"`
	ErrorClassification *ErrorClassification `json:"errorClassification,omitempty"`
	LastError           string               `json:"lastError,omitempty"`
	WaitingForEvent     *WaitingForEvent     `json:"waitingForEvent,omitempty"`
	ScheduledAt         *time.Time           `json:"scheduledAt,omitempty"`
	OccurredAt          time.Time            `json:"occurredAt"`
}

// NewJobEvent captures job as it is right now.
func NewJobEvent(job WorkflowJob, now time.Time) JobEvent {
	ev := JobEvent{
		JobID:               job.ID,
		CorrelationID:       job.CorrelationID,
		WorkflowType:        job.WorkflowType,
		Status:              job.Status,
		Stage:               job.CurrentStage,
		RetryCount:          job.RetryCount,
		ErrorClassification: job.ErrorClassification,
		LastError:           job.LastError,
		WaitingForEvent:     job.WaitingForEvent,
		OccurredAt:          now,
	}
	if job.Status == PendingJobStatus && job.RetryCount > 0 {
		at := job.ScheduledAt
		ev.ScheduledAt = &at
	}
	return ev
}
