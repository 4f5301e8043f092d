package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/backoff"
	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/models"
	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/pipeline"
	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/storage"
	"github.com/pkg/errors"
)

// ResumeEvent is the external event that wakes a waiting job.
type ResumeEvent struct {
	EventType string
	EventKey  string
	MessageID string
	Payload   json.RawMessage
}

// describe is the history message of a resume.
func (e *ResumeEvent) describe() string {
	if e.MessageID == "" {
		return fmt.Sprintf("%s/%s", e.EventType, e.EventKey)
	}
	return fmt.Sprintf("%s/%s (message %s)", e.EventType, e.EventKey, e.MessageID)
}

// Request asks a worker to run a job. A nil Resume runs a PENDING job.
type Request struct {
	JobID  string
	Resume *ResumeEvent
}

type WorkerConfig struct {
	ID            string
	RetryPolicy   backoff.Policy
	CircuitPolicy backoff.Policy
}

// Worker claims one job at a time and persists the outcome of running it.
type Worker struct {
	store    storage.Store
	registry *Registry
	executor *pipeline.Executor
	logger   Logger
	cfg      WorkerConfig
	now      func() time.Time
}

func NewWorker(store storage.Store, registry *Registry, executor *pipeline.Executor, logger Logger, cfg WorkerConfig) *Worker {
	if cfg.ID == "" {
		cfg.ID = "worker"
	}
	if cfg.RetryPolicy == (backoff.Policy{}) {
		cfg.RetryPolicy = backoff.Standard()
	}
	if cfg.CircuitPolicy == (backoff.Policy{}) {
		cfg.CircuitPolicy, _ = backoff.Preset(backoff.PresetConservative)
	}
	return &Worker{store: store, registry: registry, executor: executor, logger: logger, cfg: cfg, now: utcNow}
}

// Run claims the job named by req, runs it and commits the resulting state,
// outbox message and history in one transaction. It returns the job as written.
func (w *Worker) Run(ctx context.Context, req Request) (models.WorkflowJob, error) {
	from := []models.JobStatus{models.PendingJobStatus}
	if req.Resume != nil {
		current, err := w.store.GetJob(req.JobID)
		if err != nil {
			return models.WorkflowJob{}, errors.Wrapf(err, "get job %s", req.JobID)
		}
		wait := current.WaitingForEvent
		if current.Status != models.WaitingForEventJobStatus || wait == nil ||
			wait.EventType != req.Resume.EventType || wait.EventKey != req.Resume.EventKey {
			return current, errors.Wrapf(ErrNoWaitingJob, "job %s is %s", current.ID, current.Status)
		}
		from = []models.JobStatus{models.WaitingForEventJobStatus}
	}

	job, err := w.store.ClaimJob(req.JobID, from, w.now())
	if err != nil {
		return models.WorkflowJob{}, err
	}
	w.logger.Infof("Worker %s claimed job %s (%s, attempt %d)", w.cfg.ID, job.ID, job.WorkflowType, job.RetryCount+1)

	t := w.process(ctx, job, req.Resume)
	if err := commitTransition(w.store, w.logger, t, w.now()); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			w.logger.Warnf("Job %s changed while running, discarding result: %v", job.ID, err)
			current, getErr := w.store.GetJob(job.ID)
			if getErr != nil {
				return models.WorkflowJob{}, getErr
			}
			return current, nil
		}
		return t.job, errors.Wrapf(err, "persist job %s", job.ID)
	}
	return t.job, nil
}

func (w *Worker) process(ctx context.Context, job models.WorkflowJob, resume *ResumeEvent) transition {
	hist := &history{jobID: job.ID, now: w.now}
	if resume != nil {
		hist.add(job.CurrentStage, models.StageResumedLog, resume.describe())
	}

	def, err := w.registry.Lookup(job.WorkflowType)
	if err != nil {
		return w.failed(job, err, models.PermanentError, hist)
	}
	if def.HandlerType != job.HandlerType {
		return w.failed(job, errors.Errorf("workflow %s is registered as %s, job has %s", job.WorkflowType, def.HandlerType, job.HandlerType), models.PermanentError, hist)
	}
	if def.HandlerType.Pipeline() {
		return w.runPipeline(ctx, job, def, resume, hist)
	}
	return w.runFunc(ctx, job, def, hist)
}

func (w *Worker) runPipeline(ctx context.Context, job models.WorkflowJob, def Definition, resume *ResumeEvent, hist *history) transition {
	pc, err := buildPipelineContext(job, resume)
	if err != nil {
		return w.failed(job, err, models.PermanentError, hist)
	}

	res := w.executor.Execute(ctx, pc, def.Stages, pipeline.WithPipelineName(def.Name), pipeline.WithStageObserver(hist))
	now := w.now()
	switch {
	case res.IsFailed():
		class := models.RetryableError
		if errors.Is(res.Err, pipeline.ErrConfiguration) {
			class = models.PermanentError
		}
		return w.failed(job, res.Err, class, hist)

	case res.IsPaused():
		if job.HandlerType == models.SyncPipelineHandler {
			return w.failed(job, errors.Errorf("synchronous pipeline %s cannot wait for %s", def.Name, res.Pause.EventType), models.NonRetryableError, hist)
		}
		snap, err := res.Context.Snapshot()
		if err != nil {
			return w.failed(job, err, models.PermanentError, hist)
		}
		if err := job.Pause(res.Pause.WaitingForEvent(now), snap, now); err != nil {
			return w.failed(job, err, models.PermanentError, hist)
		}
		w.logger.Infof("Job %s suspended at stage %s until %s/%s", job.ID, res.Pause.StageName, res.Pause.EventType, res.Pause.EventKey)
		return transition{job: job, expected: models.ProcessingJobStatus, routingKey: models.JobWaitingKey, logs: hist.entries()}
	}

	if snap, err := res.Context.Snapshot(); err == nil {
		job.PipelineState = snap
	}
	if res.Context.Skipped() {
		job.Metadata = withEntry(job.Metadata, "skipped", res.Context.StatusInfo.Message)
	}
	if f := decisiveFailure(res.Context.StageErrors); f != nil {
		return w.failed(job, errors.Errorf("stage %s: %s", f.Stage, f.Message), *f.Classification, hist)
	}
	if len(res.Context.StageErrors) > 0 {
		w.logger.Warnf("Job %s completed with %d stage warnings", job.ID, len(res.Context.StageErrors))
	}
	if err := job.Complete(now); err != nil {
		return w.failed(job, err, models.PermanentError, hist)
	}
	w.logger.Infof("Job %s completed", job.ID)
	return transition{job: job, expected: models.ProcessingJobStatus, routingKey: models.JobCompletedKey, logs: hist.entries()}
}

func (w *Worker) runFunc(ctx context.Context, job models.WorkflowJob, def Definition, hist *history) transition {
	if err := callHandler(ctx, def.Func, job); err != nil {
		class, ok := pipeline.ClassificationOf(err)
		if !ok {
			class = models.RetryableError
		}
		return w.failed(job, err, class, hist)
	}
	if err := job.Complete(w.now()); err != nil {
		return w.failed(job, err, models.PermanentError, hist)
	}
	w.logger.Infof("Job %s completed", job.ID)
	return transition{job: job, expected: models.ProcessingJobStatus, routingKey: models.JobCompletedKey, logs: hist.entries()}
}

// failed applies the retry policy and returns the resulting transition.
func (w *Worker) failed(job models.WorkflowJob, cause error, class models.ErrorClassification, hist *history) transition {
	now := w.now()
	out, err := job.Fail(cause.Error(), class, w.policyFor(class), now)
	if err != nil {
		w.logger.Errorf("Cannot apply %s failure to job %s, failing permanently: %v", class, job.ID, err)
		out, _ = job.Fail(cause.Error(), models.PermanentError, w.cfg.RetryPolicy, now)
	}
	key := models.JobFailedKey
	if out.Retried {
		key = models.JobRetryScheduledKey
		w.logger.Warnf("Job %s failed (%s), retry %d/%d at %s: %v", job.ID, class, job.RetryCount, job.MaxRetries, out.ScheduledAt.Format(time.RFC3339), cause)
	} else {
		w.logger.Errorf("Job %s failed (%s): %v", job.ID, *job.ErrorClassification, cause)
	}
	return transition{job: job, expected: models.ProcessingJobStatus, routingKey: key, logs: hist.entries()}
}

func (w *Worker) policyFor(class models.ErrorClassification) backoff.Policy {
	if class == models.CircuitOpenError {
		return w.cfg.CircuitPolicy
	}
	return w.cfg.RetryPolicy
}

// buildPipelineContext restores the job's snapshot or starts a fresh context.
// On resume the paused stage counts as completed, with the event payload as its output.
func buildPipelineContext(job models.WorkflowJob, resume *ResumeEvent) (*models.PipelineContext, error) {
	var pc *models.PipelineContext
	if len(job.PipelineState) > 0 {
		restored, err := models.RestorePipelineContext(job.PipelineState)
		if err != nil {
			return nil, errors.Wrapf(err, "restore pipeline state of job %s", job.ID)
		}
		pc = restored
		if resume == nil {
			// a retry runs failed stages again
			pc.ClearStageErrors()
		}
	} else {
		pc = models.NewPipelineContext(job.CorrelationID, job.Payload)
		var scope struct {
			OrganizationAndTeamData json.RawMessage `json:"organizationAndTeamData"`
		}
		if len(job.Payload) > 0 && json.Unmarshal(job.Payload, &scope) == nil {
			pc.OrganizationAndTeamData = scope.OrganizationAndTeamData
		}
	}
	pc.JobID = job.ID

	if resume != nil {
		if job.CurrentStage == "" {
			return nil, errors.Errorf("job %s resumed without a paused stage", job.ID)
		}
		pc.Outputs[job.CurrentStage] = models.StageOutput{Kind: models.StageOutputEvent, Version: 1, Data: resume.Payload}
		pc.MarkCompleted(job.CurrentStage)
	}
	return pc, nil
}

// decisiveFailure returns the most severe classified stage failure, if any.
func decisiveFailure(failures []models.StageFailure) *models.StageFailure {
	var worst *models.StageFailure
	for i := range failures {
		f := &failures[i]
		if f.Classification == nil {
			continue
		}
		if worst == nil || f.Classification.Severity() > worst.Classification.Severity() {
			worst = f
		}
	}
	return worst
}

func callHandler(ctx context.Context, fn HandlerFunc, job models.WorkflowJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler for job %s panicked: %v", job.ID, r)
		}
	}()
	return fn(ctx, job)
}

func withEntry(m map[string]string, k, v string) map[string]string {
	if m == nil {
		m = map[string]string{}
	}
	m[k] = v
	return m
}

// history collects stage outcomes of one run for the execution log.
type history struct {
	mu     sync.Mutex
	jobID  string
	now    func() time.Time
	events []models.ExecutionLog
}

func (h *history) add(stage, status, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, models.ExecutionLog{JobID: h.jobID, Stage: stage, Status: status, Message: message, LoggedAt: h.now()})
}

func (h *history) StageStarted(models.PipelineMetadata, string) {}

func (h *history) StageFinished(_ models.PipelineMetadata, stage string, status pipeline.ResultStatus, err error, elapsed time.Duration) {
	switch status {
	case pipeline.CompletedResult:
		h.add(stage, models.StageCompletedLog, fmt.Sprintf("took %s", elapsed.Round(time.Millisecond)))
	case pipeline.FailedResult:
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		h.add(stage, models.StageFailedLog, msg)
	case pipeline.PausedResult:
		h.add(stage, models.StagePausedLog, "")
	}
}

func (h *history) entries() []models.ExecutionLog {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.ExecutionLog{}, h.events...)
}
