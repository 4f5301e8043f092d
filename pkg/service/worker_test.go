package service_test

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/models"
	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/pipeline"
	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/service"
	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type approval struct {
	Approved bool   `json:"approved"`
	By       string `json:"by"`
}

// reviewStages builds fetch -> approval (waits) -> publish.
func reviewStages(c *counter, result *approval) []pipeline.Stage {
	return []pipeline.Stage{
		pipeline.NewStage("fetch", nil, func(_ context.Context, pc *models.PipelineContext) pipeline.Result {
			c.inc("fetch")
			if err := pc.SetOutput("fetch", map[string]int{"files": 3}); err != nil {
				return pipeline.Failed(err)
			}
			return pipeline.Completed(pc)
		}),
		pipeline.NewStage("approval", []string{"fetch"}, func(_ context.Context, pc *models.PipelineContext) pipeline.Result {
			c.inc("approval")
			return pipeline.WaitFor("review.approved", pc.CorrelationID, time.Hour)
		}),
		pipeline.NewStage("publish", []string{"approval"}, func(_ context.Context, pc *models.PipelineContext) pipeline.Result {
			c.inc("publish")
			var files map[string]int
			if ok, err := pc.Output("fetch", &files); !ok || err != nil {
				return pipeline.Failed(errors.Errorf("fetch output missing: %v", err))
			}
			if _, err := pc.Output("approval", result); err != nil {
				return pipeline.Failed(err)
			}
			return pipeline.Completed(pc)
		}),
	}
}

func TestWorkerPauseAndResumeThroughInbox(t *testing.T) {
	h := newHarness(t)
	c := newCounter()
	var got approval
	require.NoError(t, h.registry.RegisterPipeline(models.CodeReviewWorkflow, "review", models.AsyncPipelineHandler, reviewStages(c, &got)))
	id := h.submit(t, service.SubmitRequest{WorkflowType: models.CodeReviewWorkflow, CorrelationID: "pr-42"})

	job := h.run(t, id)
	require.Equal(t, models.WaitingForEventJobStatus, job.Status)
	require.NotNil(t, job.WaitingForEvent)
	assert.Equal(t, "review.approved", job.WaitingForEvent.EventType)
	assert.Equal(t, "pr-42", job.WaitingForEvent.EventKey)
	assert.Equal(t, "approval", job.WaitingForEvent.StageName)
	assert.Equal(t, "approval", job.CurrentStage)
	assert.NotEmpty(t, job.PipelineState)

	waiting, err := h.jobs.FindWaiting("review.approved", "pr-42")
	require.NoError(t, err)
	require.Len(t, waiting, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool := service.NewWorkerPool(ctx, h.worker, logger{})
	pool.Start(2)
	defer pool.Stop()
	inbox := service.NewInbox(h.store, service.NewResumeHandler(h.store, pool, logger{}), service.InboxConfig{}, logger{})

	inserted, err := inbox.Receive(service.InboundEvent{
		MessageID: "msg-1",
		EventType: "review.approved",
		EventKey:  "pr-42",
		Payload:   json.RawMessage(`{"approved":true,"by":"alice"}`),
	})
	require.NoError(t, err)
	require.True(t, inserted)

	n, err := inbox.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err = h.jobs.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.CompletedJobStatus, job.Status)
	assert.Nil(t, job.WaitingForEvent)
	assert.Equal(t, approval{Approved: true, By: "alice"}, got)
	assert.Equal(t, 1, c.get("fetch"), "completed stages do not run again")
	assert.Equal(t, 1, c.get("approval"))
	assert.Equal(t, 1, c.get("publish"))
	assert.Equal(t, []string{models.JobWaitingKey, models.JobCompletedKey}, routingKeys(t, h.store, id))

	// redelivery of the same message is a no-op
	inserted, err = inbox.Receive(service.InboundEvent{MessageID: "msg-1", EventType: "review.approved", EventKey: "pr-42"})
	require.NoError(t, err)
	assert.False(t, inserted)
	n, err = inbox.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, c.get("publish"))

	logs, err := h.jobs.History(id)
	require.NoError(t, err)
	var resumed bool
	for _, l := range logs {
		if l.Status == models.StageResumedLog {
			resumed = true
			assert.Equal(t, "approval", l.Stage)
		}
	}
	assert.True(t, resumed)
}

func TestWorkerResumeRequiresMatchingEvent(t *testing.T) {
	h := newHarness(t)
	var got approval
	require.NoError(t, h.registry.RegisterPipeline(models.CodeReviewWorkflow, "review", models.AsyncPipelineHandler, reviewStages(newCounter(), &got)))
	id := h.submit(t, service.SubmitRequest{WorkflowType: models.CodeReviewWorkflow, CorrelationID: "pr-1"})
	h.run(t, id)

	_, err := h.worker.Run(context.Background(), service.Request{JobID: id, Resume: &service.ResumeEvent{EventType: "review.approved", EventKey: "pr-2"}})
	assert.True(t, errors.Is(err, service.ErrNoWaitingJob))

	job, err := h.jobs.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.WaitingForEventJobStatus, job.Status)

	// a plain run does not claim a waiting job
	_, err = h.worker.Run(context.Background(), service.Request{JobID: id})
	assert.True(t, errors.Is(err, storage.ErrClaimConflict))
}

func TestWorkerSyncPipelineCannotPause(t *testing.T) {
	h := newHarness(t)
	var got approval
	require.NoError(t, h.registry.RegisterPipeline(models.CodeReviewWorkflow, "review", models.SyncPipelineHandler, reviewStages(newCounter(), &got)))
	id := h.submit(t, service.SubmitRequest{WorkflowType: models.CodeReviewWorkflow})

	job := h.run(t, id)
	assert.Equal(t, models.FailedJobStatus, job.Status)
	require.NotNil(t, job.ErrorClassification)
	assert.Equal(t, models.NonRetryableError, *job.ErrorClassification)
	assert.Nil(t, job.WaitingForEvent)
	assert.Equal(t, []string{models.JobFailedKey}, routingKeys(t, h.store, id))
}

func TestWorkerRetryExhaustion(t *testing.T) {
	h := newHarness(t)
	var attempts int32
	require.NoError(t, h.registry.RegisterPipeline(models.CrossFileAnalysisWorkflow, "analysis", models.AsyncPipelineHandler,
		[]pipeline.Stage{pipeline.NewStage("analyze", nil, func(context.Context, *models.PipelineContext) pipeline.Result {
			atomic.AddInt32(&attempts, 1)
			return pipeline.Failed(pipeline.Classify(errors.New("upstream 503"), models.RetryableError))
		})}))
	id := h.submit(t, service.SubmitRequest{WorkflowType: models.CrossFileAnalysisWorkflow})

	job := h.run(t, id)
	assert.Equal(t, models.PendingJobStatus, job.Status)
	assert.Equal(t, 1, job.RetryCount)
	job = h.run(t, id)
	assert.Equal(t, models.PendingJobStatus, job.Status)
	assert.Equal(t, 2, job.RetryCount)
	job = h.run(t, id)
	assert.Equal(t, models.FailedJobStatus, job.Status)
	assert.Equal(t, 3, job.RetryCount)
	assert.Contains(t, job.LastError, "upstream 503")

	assert.EqualValues(t, 3, atomic.LoadInt32(&attempts), "failed stages run again on retry")
	assert.Equal(t, []string{models.JobRetryScheduledKey, models.JobRetryScheduledKey, models.JobFailedKey}, routingKeys(t, h.store, id))
}

func TestWorkerFailureClassification(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status models.JobStatus
		class  *models.ErrorClassification
	}{
		{name: "Unclassified", err: errors.New("lint warning"), status: models.CompletedJobStatus},
		{name: "Permanent", err: pipeline.Classify(errors.New("bad config"), models.PermanentError), status: models.FailedJobStatus, class: classPtr(models.PermanentError)},
		{name: "NonRetryable", err: pipeline.Classify(errors.New("rejected"), models.NonRetryableError), status: models.FailedJobStatus, class: classPtr(models.NonRetryableError)},
		{name: "CircuitOpen", err: pipeline.Classify(errors.New("breaker open"), models.CircuitOpenError), status: models.PendingJobStatus, class: classPtr(models.CircuitOpenError)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			require.NoError(t, h.registry.RegisterPipeline(models.CodeReviewWorkflow, "review", models.AsyncPipelineHandler,
				[]pipeline.Stage{
					noopStage("ok"),
					pipeline.NewStage("check", nil, func(context.Context, *models.PipelineContext) pipeline.Result {
						return pipeline.Failed(tt.err)
					}),
				}))
			id := h.submit(t, service.SubmitRequest{WorkflowType: models.CodeReviewWorkflow})
			job := h.run(t, id)
			assert.Equal(t, tt.status, job.Status)
			assert.Equal(t, tt.class, job.ErrorClassification)
		})
	}
}

func TestWorkerFunctionHandler(t *testing.T) {
	h := newHarness(t)
	calls := 0
	require.NoError(t, h.registry.RegisterFunc(models.WebhookProcessingWorkflow, models.RawWebhookHandler,
		func(_ context.Context, job models.WorkflowJob) error {
			calls++
			switch calls {
			case 1:
				return errors.New("connection reset")
			case 2:
				panic("boom")
			}
			return nil
		}))
	id := h.submit(t, service.SubmitRequest{WorkflowType: models.WebhookProcessingWorkflow})

	job := h.run(t, id)
	assert.Equal(t, models.PendingJobStatus, job.Status, "unclassified handler errors are retried")
	job = h.run(t, id)
	assert.Equal(t, models.PendingJobStatus, job.Status)
	assert.Contains(t, job.LastError, "panicked")
	job = h.run(t, id)
	assert.Equal(t, models.CompletedJobStatus, job.Status)
}

func TestWorkerUnknownWorkflowFailsPermanently(t *testing.T) {
	h := newHarness(t)
	job := models.NewJob("orphan", "corr", "GONE", models.SimpleFunctionHandler, nil)
	require.NoError(t, h.store.SaveJob(job))

	job = h.run(t, "orphan")
	assert.Equal(t, models.FailedJobStatus, job.Status)
	require.NotNil(t, job.ErrorClassification)
	assert.Equal(t, models.PermanentError, *job.ErrorClassification)
}

func TestWorkerDiscardsResultOfCancelledJob(t *testing.T) {
	h := newHarness(t)
	var id string
	require.NoError(t, h.registry.RegisterPipeline(models.CodeReviewWorkflow, "review", models.AsyncPipelineHandler,
		[]pipeline.Stage{pipeline.NewStage("slow", nil, func(_ context.Context, pc *models.PipelineContext) pipeline.Result {
			// cancelled while the stage runs
			_, err := h.jobs.Cancel(id)
			if err != nil {
				return pipeline.Failed(err)
			}
			return pipeline.Completed(pc)
		})}))
	id = h.submit(t, service.SubmitRequest{WorkflowType: models.CodeReviewWorkflow})

	job := h.run(t, id)
	assert.Equal(t, models.CancelledJobStatus, job.Status)
	assert.Equal(t, []string{models.JobCancelledKey}, routingKeys(t, h.store, id))
}

func classPtr(c models.ErrorClassification) *models.ErrorClassification {
	return &c
}

func TestResumeHandlerAcceptsRedeliveryOfAppliedMessage(t *testing.T) {
	h := newHarness(t)
	c := newCounter()
	var got approval
	require.NoError(t, h.registry.RegisterPipeline(models.CodeReviewWorkflow, "review", models.AsyncPipelineHandler, reviewStages(c, &got)))
	id := h.submit(t, service.SubmitRequest{WorkflowType: models.CodeReviewWorkflow, CorrelationID: "pr-7"})
	require.Equal(t, models.WaitingForEventJobStatus, h.run(t, id).Status)
	other := h.submit(t, service.SubmitRequest{WorkflowType: models.CodeReviewWorkflow, CorrelationID: "pr-8"})

	handler := service.NewResumeHandler(h.store, dispatcherFunc(func(ctx context.Context, req service.Request) error {
		_, err := h.worker.Run(ctx, req)
		return err
	}), logger{})
	msg := models.InboxMessage{MessageID: "msg-1", EventType: "review.approved", EventKey: "pr-7",
		Payload: json.RawMessage(`{"approved":true,"by":"bo"}`), JobID: &id}
	require.NoError(t, handler(context.Background(), msg))
	job, err := h.jobs.Get(id)
	require.NoError(t, err)
	require.Equal(t, models.CompletedJobStatus, job.Status)

	// the first delivery was applied but never marked processed
	assert.NoError(t, handler(context.Background(), msg))
	assert.Equal(t, 1, c.get("publish"))

	another := msg
	another.MessageID = "msg-2"
	err = handler(context.Background(), another)
	assert.True(t, errors.Is(err, service.ErrNoWaitingJob), "got %v", err)

	// a job that has not started waiting yet
	early := msg
	early.EventKey = "pr-8"
	early.JobID = &other
	err = handler(context.Background(), early)
	assert.True(t, errors.Is(err, service.ErrNoWaitingJob), "got %v", err)
}
