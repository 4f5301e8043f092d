package models

import (
	"encoding/json"
	"time"
)

type MessageStatus string

const (
	ReadyMessageStatus      MessageStatus = "READY"
	ProcessingMessageStatus MessageStatus = "PROCESSING"
	ProcessedMessageStatus  MessageStatus = "PROCESSED"
	SentMessageStatus       MessageStatus = "SENT"
	FailedMessageStatus     MessageStatus = "FAILED"
)

// DefaultConsumerID scopes inbox messages that name no consumer.
const DefaultConsumerID = "default"

// InboxMessage is the dedup record of one inbound message. (ConsumerID, MessageID) is unique.
type InboxMessage struct {
	ID            string          `json:"id" db:"id"`
	MessageID     string          `json:"messageId" db:"message_id"`
	ConsumerID    string          `json:"consumerId" db:"consumer_id"`
	EventType     string          `json:"eventType" db:"event_type"`
	EventKey      string          `json:"eventKey" db:"event_key"`
	Payload       json.RawMessage `json:"payload,omitempty" db:"payload"`
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

// Lock marks the message as taken by worker.
func (m *InboxMessage) Lock(worker string, now time.Time) {
	m.Status = ProcessingMessageStatus
	m.LockedAt = &now
	m.LockedBy = worker
}

// Processed marks the message as applied.
func (m *InboxMessage) Processed(now time.Time) {
	m.Status = ProcessedMessageStatus
	m.ProcessedAt = &now
	m.LockedAt = nil
	m.LockedBy = ""
	m.LastError = ""
}

// Retry releases the lock after a failed attempt. The message is FAILED once
// maxAttempts is reached, otherwise READY again at next.
func (m *InboxMessage) Retry(cause string, maxAttempts int, next time.Time) {
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
