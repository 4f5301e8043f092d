package storage

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/models"
	"github.com/pkg/errors"
)

// jobRow is the workflow_jobs row; jsonb columns travel as raw bytes.
type jobRow struct {
	ID                  string         `db:"id"`
	CorrelationID       string         `db:"correlation_id"`
	WorkflowType        string         `db:"workflow_type"`
	HandlerType         string         `db:"handler_type"`
	Payload             []byte         `db:"payload"`
	Status              string         `db:"status"`
	Priority            int            `db:"priority"`
	RetryCount          int            `db:"retry_count"`
	MaxRetries          int            `db:"max_retries"`
	ErrorClassification sql.NullString `db:"error_classification"`
	LastError           string         `db:"last_error"`
	ScheduledAt         time.Time      `db:"scheduled_at"`
	StartedAt           *time.Time     `db:"started_at"`
	CompletedAt         *time.Time     `db:"completed_at"`
	CurrentStage        string         `db:"current_stage"`
	Metadata            []byte         `db:"metadata"`
	WaitingForEvent     []byte         `db:"waiting_for_event"`
	PipelineState       []byte         `db:"pipeline_state"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
	ClaimToken          string         `db:"claim_token"`
}

// waitColumns are the denormalized lookup columns of waiting_for_event.
type waitColumns struct {
	eventType sql.NullString
	eventKey  sql.NullString
	deadline  *time.Time
}

func toJobRow(job models.WorkflowJob) (jobRow, waitColumns, error) {
	r := jobRow{
		ID:            job.ID,
		CorrelationID: job.CorrelationID,
		WorkflowType:  string(job.WorkflowType),
		HandlerType:   string(job.HandlerType),
		Payload:       job.Payload,
		Status:        string(job.Status),
		Priority:      job.Priority,
		RetryCount:    job.RetryCount,
		MaxRetries:    job.MaxRetries,
		LastError:     job.LastError,
		ScheduledAt:   job.ScheduledAt,
		StartedAt:     job.StartedAt,
		CompletedAt:   job.CompletedAt,
		CurrentStage:  job.CurrentStage,
		PipelineState: job.PipelineState,
		CreatedAt:     job.CreatedAt,
		UpdatedAt:     job.UpdatedAt,
		ClaimToken:    job.ClaimToken,
	}
	if job.ErrorClassification != nil {
		r.ErrorClassification = sql.NullString{String: string(*job.ErrorClassification), Valid: true}
	}
	var wait waitColumns
	var err error
	if len(job.Metadata) > 0 {
		if r.Metadata, err = json.Marshal(job.Metadata); err != nil {
			return jobRow{}, wait, errors.Wrapf(err, "encode metadata of job %s", job.ID)
		}
	}
	if w := job.WaitingForEvent; w != nil {
		if r.WaitingForEvent, err = json.Marshal(w); err != nil {
			return jobRow{}, wait, errors.Wrapf(err, "encode wait of job %s", job.ID)
		}
		wait.eventType = sql.NullString{String: w.EventType, Valid: true}
		wait.eventKey = sql.NullString{String: w.EventKey, Valid: true}
		wait.deadline = w.Deadline()
	}
	return r, wait, nil
}

func (r jobRow) toJob() (models.WorkflowJob, error) {
	job := models.WorkflowJob{
		ID:            r.ID,
		CorrelationID: r.CorrelationID,
		WorkflowType:  models.WorkflowType(r.WorkflowType),
		HandlerType:   models.HandlerType(r.HandlerType),
		Payload:       r.Payload,
		Status:        models.JobStatus(r.Status),
		Priority:      r.Priority,
		RetryCount:    r.RetryCount,
		MaxRetries:    r.MaxRetries,
		LastError:     r.LastError,
		ScheduledAt:   r.ScheduledAt.UTC(),
		StartedAt:     utcPtr(r.StartedAt),
		CompletedAt:   utcPtr(r.CompletedAt),
		CurrentStage:  r.CurrentStage,
		PipelineState: r.PipelineState,
		Metadata:      map[string]string{},
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
		ClaimToken:    r.ClaimToken,
	}
	if r.ErrorClassification.Valid {
		c := models.ErrorClassification(r.ErrorClassification.String)
		job.ErrorClassification = &c
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &job.Metadata); err != nil {
			return models.WorkflowJob{}, errors.Wrapf(err, "decode metadata of job %s", r.ID)
		}
	}
	if len(r.WaitingForEvent) > 0 {
		var w models.WaitingForEvent
		if err := json.Unmarshal(r.WaitingForEvent, &w); err != nil {
			return models.WorkflowJob{}, errors.Wrapf(err, "decode wait of job %s", r.ID)
		}
		job.WaitingForEvent = &w
	}
	return job, nil
}

// jsonArg passes raw JSON as text; pq would send []byte as bytea.
func jsonArg(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
