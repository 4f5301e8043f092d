package service

import (
	"encoding/json"
	"time"

	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/models"
	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// SubmitRequest describes a job to create. HandlerType defaults to the one
// registered for WorkflowType; MaxRetries defaults to models.DefaultMaxRetries.
type SubmitRequest struct {
	WorkflowType  models.WorkflowType `json:"workflowType"`
	HandlerType   models.HandlerType  `json:"handlerType,omitempty"`
	Payload       json.RawMessage     `json:"payload,omitempty"`
	Priority      int                 `json:"priority"`
	MaxRetries    *int                `json:"maxRetries,omitempty"`
	CorrelationID string              `json:"correlationId,omitempty"`
	Metadata      map[string]string   `json:"metadata,omitempty"`
	ScheduledAt   *time.Time          `json:"scheduledAt,omitempty"`
}

type SubmitResult struct {
	ID            string `json:"id"`
	CorrelationID string `json:"correlationId"`
}

// JobService is the caller-facing side of the job queue.
type JobService struct {
	store    storage.Store
	registry *Registry
	logger   Logger
	now      func() time.Time
}

func NewJobService(store storage.Store, registry *Registry, logger Logger) *JobService {
	return &JobService{store: store, registry: registry, logger: logger, now: utcNow}
}

// Submit creates a PENDING job.
func (s *JobService) Submit(req SubmitRequest) (SubmitResult, error) {
	def, err := s.registry.Lookup(req.WorkflowType)
	if err != nil {
		return SubmitResult{}, err
	}
	handlerType := req.HandlerType
	if handlerType == "" {
		handlerType = def.HandlerType
	}
	if handlerType != def.HandlerType {
		return SubmitResult{}, errors.Wrapf(ErrInvalidRequest, "workflow %s runs as %s, not %s", req.WorkflowType, def.HandlerType, handlerType)
	}
	if req.MaxRetries != nil && *req.MaxRetries < 0 {
		return SubmitResult{}, errors.Wrapf(ErrInvalidRequest, "maxRetries must be >= 0, got %d", *req.MaxRetries)
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return SubmitResult{}, errors.Wrap(ErrInvalidRequest, "payload is not valid JSON")
	}

	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	job := models.NewJob(uuid.NewString(), correlationID, req.WorkflowType, handlerType, req.Payload)
	now := s.now()
	job.CreatedAt, job.UpdatedAt, job.ScheduledAt = now, now, now
	job.Priority = req.Priority
	if req.MaxRetries != nil {
		job.MaxRetries = *req.MaxRetries
	}
	if req.ScheduledAt != nil {
		job.ScheduledAt = req.ScheduledAt.UTC()
	}
	for k, v := range req.Metadata {
		job.Metadata[k] = v
	}

	err = inTx(s.store, s.logger, func(tx storage.Store) error {
		if err := tx.SaveJob(job); err != nil {
			return errors.Wrap(err, "save job")
		}
		return tx.SaveExecutionLog(models.ExecutionLog{JobID: job.ID, Status: string(job.Status), Message: "submitted", LoggedAt: now})
	})
	if err != nil {
		return SubmitResult{}, err
	}
	s.logger.Infof("Submitted job %s (%s, correlation %s)", job.ID, job.WorkflowType, job.CorrelationID)
	return SubmitResult{ID: job.ID, CorrelationID: job.CorrelationID}, nil
}

func (s *JobService) Get(id string) (models.WorkflowJob, error) {
	job, err := s.store.GetJob(id)
	if err != nil {
		return models.WorkflowJob{}, errors.Wrapf(err, "get job %s", id)
	}
	return job, nil
}

func (s *JobService) List(filter storage.JobFilter) ([]models.WorkflowJob, error) {
	for _, st := range filter.Statuses {
		if !st.Valid() {
			return nil, errors.Wrapf(ErrInvalidRequest, "unknown status '%s'", st)
		}
	}
	return s.store.ListJobs(filter)
}

// Cancel moves a non-terminal job to CANCELLED. A worker still running the job
// loses its final write.
func (s *JobService) Cancel(id string) (models.WorkflowJob, error) {
	job, err := s.store.GetJob(id)
	if err != nil {
		return models.WorkflowJob{}, errors.Wrapf(err, "get job %s", id)
	}
	from := job.Status
	now := s.now()
	if err := job.Cancel(now); err != nil {
		return models.WorkflowJob{}, err
	}
	if err := commitTransition(s.store, s.logger, transition{job: job, expected: from, routingKey: models.JobCancelledKey}, now); err != nil {
		return models.WorkflowJob{}, err
	}
	s.logger.Infof("Cancelled job %s (was %s)", id, from)
	return job, nil
}

// History returns the execution log of a job, oldest first.
func (s *JobService) History(id string) ([]models.ExecutionLog, error) {
	if _, err := s.store.GetJob(id); err != nil {
		return nil, errors.Wrapf(err, "get job %s", id)
	}
	return s.store.GetExecutionLogs(id)
}

// FindWaiting returns the jobs suspended on eventType/eventKey.
func (s *JobService) FindWaiting(eventType, eventKey string) ([]models.WorkflowJob, error) {
	return s.store.FindWaitingJobs(eventType, eventKey)
}
