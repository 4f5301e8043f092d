package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/models"
	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/pipeline"
	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type recordingEnqueuer struct {
	mu  sync.Mutex
	ids []string
}

func (e *recordingEnqueuer) Enqueue(req service.Request) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ids = append(e.ids, req.JobID)
	return true
}

func TestPollerPollJobs(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.RegisterPipeline(models.CodeReviewWorkflow, "review", models.AsyncPipelineHandler,
		[]pipeline.Stage{noopStage("a")}))
	later := time.Now().UTC().Add(time.Hour)
	low := h.submit(t, service.SubmitRequest{WorkflowType: models.CodeReviewWorkflow, Priority: 1})
	high := h.submit(t, service.SubmitRequest{WorkflowType: models.CodeReviewWorkflow, Priority: 5})
	h.submit(t, service.SubmitRequest{WorkflowType: models.CodeReviewWorkflow, ScheduledAt: &later})

	enq := &recordingEnqueuer{}
	poller := service.NewPoller(h.store, enq, nil, nil, nil, service.PollerConfig{}, logger{})
	n, err := poller.PollJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{high, low}, enq.ids)
}

func TestPollerRunDrivesJobsToCompletion(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.RegisterPipeline(models.CodeReviewWorkflow, "review", models.AsyncPipelineHandler,
		[]pipeline.Stage{noopStage("a"), noopStage("b", "a")}))
	id := h.submit(t, service.SubmitRequest{WorkflowType: models.CodeReviewWorkflow})

	ctx, cancel := context.WithCancel(context.Background())
	pool := service.NewWorkerPool(ctx, h.worker, logger{})
	pool.Start(1)
	defer pool.Stop()

	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, mock.Anything).Return(nil)
	relay := service.NewOutboxRelay(h.store, pub, service.OutboxConfig{}, logger{})
	poller := service.NewPoller(h.store, pool, nil, relay, nil, service.PollerConfig{
		JobInterval:    5 * time.Millisecond,
		OutboxInterval: 5 * time.Millisecond,
	}, logger{})

	done := make(chan error, 1)
	go func() { done <- poller.Run(ctx) }()

	require.Eventually(t, func() bool {
		msgs, err := h.store.ListOutboxMessages(id)
		return err == nil && len(msgs) == 1 && msgs[0].Status == models.SentMessageStatus
	}, 2*time.Second, 5*time.Millisecond)

	job, err := h.jobs.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.CompletedJobStatus, job.Status)

	cancel()
	assert.NoError(t, <-done)
}
