package service_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/models"
	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/service"
	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInboxAppliesEachMessageOnce(t *testing.T) {
	store := storage.NewMemoryStore()
	effects := 0
	inbox := service.NewInbox(store, func(context.Context, models.InboxMessage) error {
		effects++
		return nil
	}, service.InboxConfig{}, logger{})

	ev := service.InboundEvent{MessageID: "m-1", EventType: "pr.merged", EventKey: "pr-9", Payload: json.RawMessage(`{}`)}
	for i := 0; i < 3; i++ {
		inserted, err := inbox.Receive(ev)
		require.NoError(t, err)
		assert.Equal(t, i == 0, inserted)
		_, err = inbox.ProcessDue(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, effects)

	msg, err := store.GetInboxMessage(models.DefaultConsumerID, "m-1")
	require.NoError(t, err)
	assert.Equal(t, models.ProcessedMessageStatus, msg.Status)
	assert.NotNil(t, msg.ProcessedAt)

	// a different consumer sees the same message independently
	other := service.NewInbox(store, func(context.Context, models.InboxMessage) error { return nil },
		service.InboxConfig{ConsumerID: "audit"}, logger{})
	inserted, err := other.Receive(ev)
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestInboxRejectsInvalidEvents(t *testing.T) {
	inbox := service.NewInbox(storage.NewMemoryStore(), func(context.Context, models.InboxMessage) error { return nil },
		service.InboxConfig{}, logger{})
	for _, ev := range []service.InboundEvent{
		{EventType: "t", EventKey: "k"},
		{MessageID: "m", EventKey: "k"},
		{MessageID: "m", EventType: "t", EventKey: "k", Payload: json.RawMessage(`{"x"`)},
		{MessageID: "m", EventType: "t", EventKey: "k", JobID: "abc"},
	} {
		_, err := inbox.Receive(ev)
		assert.True(t, errors.Is(err, service.ErrInvalidRequest), "event %+v", ev)
	}
}

func TestInboxRetriesUntilExhausted(t *testing.T) {
	store := storage.NewMemoryStore()
	inbox := service.NewInbox(store, func(context.Context, models.InboxMessage) error {
		return errors.New("downstream unavailable")
	}, service.InboxConfig{MaxAttempts: 2, Backoff: tinyPolicy}, logger{})

	_, err := inbox.Receive(service.InboundEvent{MessageID: "m-1", EventType: "t", EventKey: "k"})
	require.NoError(t, err)

	n, err := inbox.ProcessDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	msg, err := store.GetInboxMessage(models.DefaultConsumerID, "m-1")
	require.NoError(t, err)
	assert.Equal(t, models.ReadyMessageStatus, msg.Status)
	assert.Equal(t, 1, msg.Attempts)
	assert.Equal(t, "downstream unavailable", msg.LastError)
	assert.Nil(t, msg.LockedAt)
	assert.True(t, msg.NextAttemptAt.After(msg.CreatedAt))

	require.Eventually(t, func() bool {
		if _, err := inbox.ProcessDue(context.Background()); err != nil {
			return false
		}
		m, err := store.GetInboxMessage(models.DefaultConsumerID, "m-1")
		return err == nil && m.Status == models.FailedMessageStatus
	}, time.Second, 5*time.Millisecond)
	msg, err = store.GetInboxMessage(models.DefaultConsumerID, "m-1")
	require.NoError(t, err)
	assert.Equal(t, 2, msg.Attempts)
}

// dispatcherFunc adapts a function to service.Dispatcher.
type dispatcherFunc func(ctx context.Context, req service.Request) error

func (f dispatcherFunc) Dispatch(ctx context.Context, req service.Request) error { return f(ctx, req) }

func waitingJob(id, eventType, eventKey string) models.WorkflowJob {
	job := models.NewJob(id, "corr-"+id, models.CodeReviewWorkflow, models.AsyncPipelineHandler, nil)
	job.Status = models.WaitingForEventJobStatus
	job.CurrentStage = "approval"
	job.WaitingForEvent = &models.WaitingForEvent{EventType: eventType, EventKey: eventKey, StageName: "approval", RequestedAt: job.CreatedAt}
	return job
}

func TestResumeHandler(t *testing.T) {
	t.Run("EarlyEventIsRetried", func(t *testing.T) {
		store := storage.NewMemoryStore()
		var dispatched []service.Request
		handler := service.NewResumeHandler(store, dispatcherFunc(func(_ context.Context, req service.Request) error {
			dispatched = append(dispatched, req)
			return nil
		}), logger{})
		inbox := service.NewInbox(store, handler, service.InboxConfig{Backoff: tinyPolicy}, logger{})

		_, err := inbox.Receive(service.InboundEvent{MessageID: "m-1", EventType: "review.approved", EventKey: "pr-1", Payload: json.RawMessage(`{"ok":true}`)})
		require.NoError(t, err)
		n, err := inbox.ProcessDue(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		msg, err := store.GetInboxMessage(models.DefaultConsumerID, "m-1")
		require.NoError(t, err)
		assert.Equal(t, models.ReadyMessageStatus, msg.Status)
		assert.Contains(t, msg.LastError, service.ErrNoWaitingJob.Error())

		// the job starts waiting after the event arrived
		require.NoError(t, store.SaveJob(waitingJob("j1", "review.approved", "pr-1")))
		require.Eventually(t, func() bool {
			n, err := inbox.ProcessDue(context.Background())
			return err == nil && n == 1
		}, time.Second, 5*time.Millisecond)

		require.Len(t, dispatched, 1)
		assert.Equal(t, "j1", dispatched[0].JobID)
		require.NotNil(t, dispatched[0].Resume)
		assert.Equal(t, "m-1", dispatched[0].Resume.MessageID)
		assert.JSONEq(t, `{"ok":true}`, string(dispatched[0].Resume.Payload))
	})

	t.Run("TargetedJobOnly", func(t *testing.T) {
		store := storage.NewMemoryStore()
		require.NoError(t, store.SaveJob(waitingJob("j1", "t", "k")))
		require.NoError(t, store.SaveJob(waitingJob("j2", "t", "k")))
		var ids []string
		handler := service.NewResumeHandler(store, dispatcherFunc(func(_ context.Context, req service.Request) error {
			ids = append(ids, req.JobID)
			return nil
		}), logger{})

		target := "j2"
		require.NoError(t, handler(context.Background(), models.InboxMessage{MessageID: "m", EventType: "t", EventKey: "k", JobID: &target}))
		assert.Equal(t, []string{"j2"}, ids)

		ids = nil
		require.NoError(t, handler(context.Background(), models.InboxMessage{MessageID: "m", EventType: "t", EventKey: "k"}))
		assert.ElementsMatch(t, []string{"j1", "j2"}, ids)
	})

	t.Run("ConcurrentResumeIsNotAnError", func(t *testing.T) {
		store := storage.NewMemoryStore()
		require.NoError(t, store.SaveJob(waitingJob("j1", "t", "k")))
		handler := service.NewResumeHandler(store, dispatcherFunc(func(context.Context, service.Request) error {
			return errors.Wrap(storage.ErrClaimConflict, "job j1")
		}), logger{})
		assert.NoError(t, handler(context.Background(), models.InboxMessage{MessageID: "m", EventType: "t", EventKey: "k"}))

		failing := service.NewResumeHandler(store, dispatcherFunc(func(context.Context, service.Request) error {
			return errors.New("store down")
		}), logger{})
		assert.Error(t, failing(context.Background(), models.InboxMessage{MessageID: "m", EventType: "t", EventKey: "k"}))
	})
}
