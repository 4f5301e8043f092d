package models

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	PendingJobStatus         JobStatus = "PENDING"
	ProcessingJobStatus      JobStatus = "PROCESSING"
	CompletedJobStatus       JobStatus = "COMPLETED"
	FailedJobStatus          JobStatus = "FAILED"
	WaitingForEventJobStatus JobStatus = "WAITING_FOR_EVENT"
	CancelledJobStatus       JobStatus = "CANCELLED"
)

// Terminal reports whether no further transition is possible from s.
func (s JobStatus) Terminal() bool {
	return s == CompletedJobStatus || s == FailedJobStatus || s == CancelledJobStatus
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case PendingJobStatus, ProcessingJobStatus, CompletedJobStatus, FailedJobStatus,
		WaitingForEventJobStatus, CancelledJobStatus:
		return true
	}
	return false
}

type HandlerType string

const (
	SyncPipelineHandler   HandlerType = "SYNC_PIPELINE"
	AsyncPipelineHandler  HandlerType = "ASYNC_PIPELINE"
	SimpleFunctionHandler HandlerType = "SIMPLE_FUNCTION"
	RawWebhookHandler     HandlerType = "RAW_WEBHOOK"
)

// Pipeline reports whether jobs of this handler type are executed through stages.
func (h HandlerType) Pipeline() bool {
	return h == SyncPipelineHandler || h == AsyncPipelineHandler
}

func (h HandlerType) Valid() bool {
	switch h {
	case SyncPipelineHandler, AsyncPipelineHandler, SimpleFunctionHandler, RawWebhookHandler:
		return true
	}
	return false
}

// WorkflowType names the kind of work a job performs. Handlers are registered per type.
type WorkflowType string

const (
	CodeReviewWorkflow        WorkflowType = "CODE_REVIEW"
	CrossFileAnalysisWorkflow WorkflowType = "CROSS_FILE_ANALYSIS"
	WebhookProcessingWorkflow WorkflowType = "WEBHOOK_PROCESSING"
)

type ErrorClassification string

const (
	RetryableError    ErrorClassification = "RETRYABLE"
	NonRetryableError ErrorClassification = "NON_RETRYABLE"
	CircuitOpenError  ErrorClassification = "CIRCUIT_OPEN"
	PermanentError    ErrorClassification = "PERMANENT"
)

// Retryable reports whether a failure with this classification may be retried.
func (c ErrorClassification) Retryable() bool {
	return c == RetryableError || c == CircuitOpenError
}

// Severity orders classifications; the most severe one decides a job's fate.
func (c ErrorClassification) Severity() int {
	switch c {
	case PermanentError:
		return 4
	case NonRetryableError:
		return 3
	case CircuitOpenError:
		return 2
	case RetryableError:
		return 1
	}
	return 0
}

func (c ErrorClassification) Valid() bool {
	return c.Severity() > 0
}

// WaitingForEvent describes the external event a suspended job waits for.
type WaitingForEvent struct {
	EventType   string            `json:"eventType"`
	EventKey    string            `json:"eventKey"`
	TimeoutMs   int64             `json:"timeoutMs"`
	RequestedAt time.Time         `json:"requestedAt"`
	StageName   string            `json:"stageName"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Deadline is the instant after which the wait counts as timed out.
// A zero timeout never expires.
func (w WaitingForEvent) Deadline() *time.Time {
	if w.TimeoutMs <= 0 {
		return nil
	}
	d := w.RequestedAt.Add(time.Duration(w.TimeoutMs) * time.Millisecond)
	return &d
}

// WorkflowJob is the durable record of one pipeline (or function) run.
type WorkflowJob struct {
	ID                  string               `json:"id"`
	CorrelationID       string               `json:"correlationId"`
	WorkflowType        WorkflowType         `json:"workflowType"`
	HandlerType         HandlerType          `json:"handlerType"`
	Payload             json.RawMessage      `json:"payload,omitempty"`
	Status              JobStatus            `json:"status"`
	Priority            int                  `json:"priority"`
	RetryCount          int                  `json:"retryCount"`
	MaxRetries          int                  `json:"maxRetries"`
	ErrorClassification *ErrorClassification `json:"errorClassification,omitempty"`
	LastError           string               `json:"lastError,omitempty"`
	ScheduledAt         time.Time            `json:"scheduledAt"`
	StartedAt           *time.Time           `json:"startedAt,omitempty"`
	CompletedAt         *time.Time           `json:"completedAt,omitempty"`
	CurrentStage        string               `json:"currentStage,omitempty"`
	// ClaimToken identifies the claim that owns the job; every claim issues a new one.
	ClaimToken          string               `json:"-"`
	WaitingForEvent     *WaitingForEvent     `json:"waitingForEvent,omitempty"`
	PipelineState       json.RawMessage      `json:"pipelineState,omitempty"`
	Metadata            map[string]string    `json:"metadata,omitempty"`
	CreatedAt           time.Time            `json:"createdAt"`
	UpdatedAt           time.Time            `json:"updatedAt"`
}

// NewJob returns a PENDING job scheduled for now.
func NewJob(id, correlationID string, workflowType WorkflowType, handlerType HandlerType, payload json.RawMessage) WorkflowJob {
	now := time.Now().UTC()
	return WorkflowJob{
		ID:            id,
		CorrelationID: correlationID,
		WorkflowType:  workflowType,
		HandlerType:   handlerType,
		Payload:       payload,
		Status:        PendingJobStatus,
		MaxRetries:    DefaultMaxRetries,
		ScheduledAt:   now,
		Metadata:      map[string]string{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

const DefaultMaxRetries = 3
