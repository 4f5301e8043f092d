package storage_test

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/backoff"
	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/models"
	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func pendingJob(id string) models.WorkflowJob {
	job := models.NewJob(id, "corr-"+id, models.CodeReviewWorkflow, models.AsyncPipelineHandler, json.RawMessage(`{}`))
	job.ScheduledAt = now
	job.CreatedAt = now
	return job
}

func TestMemoryStoreClaim(t *testing.T) {
	t.Run("ExactlyOneConcurrentClaimWins", func(t *testing.T) {
		store := storage.NewMemoryStore()
		require.NoError(t, store.SaveJob(pendingJob("j1")))

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins, conflicts := 0, 0
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.ClaimJob("j1", []models.JobStatus{models.PendingJobStatus}, now)
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					wins++
				} else if errors.Is(err, storage.ErrClaimConflict) {
					conflicts++
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
		assert.Equal(t, 19, conflicts)

		job, err := store.GetJob("j1")
		require.NoError(t, err)
		assert.Equal(t, models.ProcessingJobStatus, job.Status)
	})

	t.Run("ResumeClaimClearsWait", func(t *testing.T) {
		store := storage.NewMemoryStore()
		job := pendingJob("j2")
		job.Status = models.WaitingForEventJobStatus
		job.WaitingForEvent = &models.WaitingForEvent{EventType: "x", EventKey: "k"}
		require.NoError(t, store.SaveJob(job))

		_, err := store.ClaimJob("j2", []models.JobStatus{models.PendingJobStatus}, now)
		assert.True(t, errors.Is(err, storage.ErrClaimConflict))

		claimed, err := store.ClaimJob("j2", []models.JobStatus{models.WaitingForEventJobStatus}, now)
		require.NoError(t, err)
		assert.Equal(t, models.ProcessingJobStatus, claimed.Status)
		assert.Nil(t, claimed.WaitingForEvent)
	})

	t.Run("MissingJob", func(t *testing.T) {
		_, err := storage.NewMemoryStore().ClaimJob("nope", []models.JobStatus{models.PendingJobStatus}, now)
		assert.True(t, errors.Is(err, storage.ErrNotFound))
	})
}

func TestMemoryStoreUpdateJobIsConditional(t *testing.T) {
	store := storage.NewMemoryStore()
	job := pendingJob("j1")
	require.NoError(t, store.SaveJob(job))

	job.Priority = 5
	err := store.UpdateJob(job, models.ProcessingJobStatus)
	assert.True(t, errors.Is(err, storage.ErrConflict))

	require.NoError(t, store.UpdateJob(job, models.PendingJobStatus))
	got, err := store.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, 5, got.Priority)
}

func TestMemoryStoreUpdateJobRejectsEarlierClaim(t *testing.T) {
	store := storage.NewMemoryStore()
	require.NoError(t, store.SaveJob(pendingJob("j1")))

	first, err := store.ClaimJob("j1", []models.JobStatus{models.PendingJobStatus}, now)
	require.NoError(t, err)
	require.NotEmpty(t, first.ClaimToken)

	// the first claim is given up and the job claimed again
	_, err = first.Fail("stalled", models.RetryableError, backoff.Standard(), now)
	require.NoError(t, err)
	first.ScheduledAt = now
	require.NoError(t, store.UpdateJob(first, models.ProcessingJobStatus))
	second, err := store.ClaimJob("j1", []models.JobStatus{models.PendingJobStatus}, now)
	require.NoError(t, err)
	assert.NotEqual(t, first.ClaimToken, second.ClaimToken)

	stale, err := store.GetJob("j1")
	require.NoError(t, err)
	stale.ClaimToken = first.ClaimToken
	stale.LastError = "stale write"
	err = store.UpdateJob(stale, models.ProcessingJobStatus)
	assert.True(t, errors.Is(err, storage.ErrConflict))

	second.LastError = ""
	require.NoError(t, store.UpdateJob(second, models.ProcessingJobStatus))
	got, err := store.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, second.ClaimToken, got.ClaimToken)
	assert.Empty(t, got.LastError)
}

func TestMemoryStoreRollback(t *testing.T) {
	store := storage.NewMemoryStore()
	require.NoError(t, store.SaveJob(pendingJob("keep")))

	tx, err := store.Begin()
	require.NoError(t, err)
	_, err = tx.ClaimJob("keep", []models.JobStatus{models.PendingJobStatus}, now)
	require.NoError(t, err)
	require.NoError(t, tx.SaveJob(pendingJob("new")))
	require.NoError(t, tx.InsertOutboxMessage(models.OutboxMessage{Exchange: "e", RoutingKey: "k", Status: models.ReadyMessageStatus}))
	require.NoError(t, tx.SaveExecutionLog(models.ExecutionLog{JobID: "keep", Status: "x"}))
	require.NoError(t, tx.Rollback())

	job, err := store.GetJob("keep")
	require.NoError(t, err)
	assert.Equal(t, models.PendingJobStatus, job.Status)
	_, err = store.GetJob("new")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
	msgs, err := store.ListOutboxMessages("")
	require.NoError(t, err)
	assert.Empty(t, msgs)
	logs, err := store.GetExecutionLogs("keep")
	require.NoError(t, err)
	assert.Empty(t, logs)

	assert.Error(t, tx.Commit())
	assert.Error(t, store.Commit())
}

func TestMemoryStoreRollbackKeepsInterleavedWrites(t *testing.T) {
	store := storage.NewMemoryStore()
	inbox := func(id string) models.InboxMessage {
		return models.InboxMessage{ID: id, MessageID: id, ConsumerID: "c", EventType: "t", EventKey: "k",
			Status: models.ReadyMessageStatus, NextAttemptAt: now, CreatedAt: now}
	}
	_, err := store.InsertInboxMessage(inbox("ready"))
	require.NoError(t, err)

	a, err := store.Begin()
	require.NoError(t, err)
	b, err := store.Begin()
	require.NoError(t, err)

	_, err = a.InsertInboxMessage(inbox("from-a"))
	require.NoError(t, err)
	_, err = b.InsertInboxMessage(inbox("from-b"))
	require.NoError(t, err)
	locked, err := a.LockInboxMessages("c", "worker-a", now, 1)
	require.NoError(t, err)
	require.Len(t, locked, 1)
	assert.Equal(t, "ready", locked[0].ID)
	require.NoError(t, a.InsertOutboxMessage(models.OutboxMessage{ID: "out-a", Status: models.ReadyMessageStatus}))
	require.NoError(t, b.InsertOutboxMessage(models.OutboxMessage{ID: "out-b", Status: models.ReadyMessageStatus}))
	require.NoError(t, a.SaveExecutionLog(models.ExecutionLog{JobID: "j", Status: "a"}))
	require.NoError(t, b.SaveExecutionLog(models.ExecutionLog{JobID: "j", Status: "b"}))
	// b takes a message appended after a's lock
	b2, err := b.LockInboxMessages("c", "worker-b", now, 10)
	require.NoError(t, err)
	require.NotEmpty(t, b2)

	require.NoError(t, a.Rollback())
	require.NoError(t, b.Commit())

	_, err = store.GetInboxMessage("c", "from-a")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
	fromB, err := store.GetInboxMessage("c", "from-b")
	require.NoError(t, err)
	assert.Equal(t, models.ProcessingMessageStatus, fromB.Status)
	assert.Equal(t, "worker-b", fromB.LockedBy)
	ready, err := store.GetInboxMessage("c", "ready")
	require.NoError(t, err)
	assert.Equal(t, models.ReadyMessageStatus, ready.Status)

	msgs, err := store.ListOutboxMessages("")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "out-b", msgs[0].ID)
	logs, err := store.GetExecutionLogs("j")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "b", logs[0].Status)
}

func TestMemoryStoreQueries(t *testing.T) {
	store := storage.NewMemoryStore()

	low := pendingJob("low")
	high := pendingJob("high")
	high.Priority = 10
	later := pendingJob("later")
	later.ScheduledAt = now.Add(time.Hour)
	waiting := pendingJob("waiting")
	waiting.Status = models.WaitingForEventJobStatus
	waiting.WaitingForEvent = &models.WaitingForEvent{EventType: "ast.completed", EventKey: "t1", TimeoutMs: 1000, RequestedAt: now}
	for _, j := range []models.WorkflowJob{low, high, later, waiting} {
		require.NoError(t, store.SaveJob(j))
	}

	due, err := store.ListDueJobs(now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "high", due[0].ID)
	assert.Equal(t, "low", due[1].ID)

	found, err := store.FindWaitingJobs("ast.completed", "t1")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "waiting", found[0].ID)

	found, err = store.FindWaitingJobs("ast.completed", "other")
	require.NoError(t, err)
	assert.Empty(t, found)

	expired, err := store.ListExpiredWaitingJobs(now.Add(500*time.Millisecond), 10)
	require.NoError(t, err)
	assert.Empty(t, expired)
	expired, err = store.ListExpiredWaitingJobs(now.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Len(t, expired, 1)

	listed, err := store.ListJobs(storage.JobFilter{Statuses: []models.JobStatus{models.PendingJobStatus}, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, listed, 2)
}

func TestMemoryStoreInbox(t *testing.T) {
	store := storage.NewMemoryStore()
	msg := models.InboxMessage{MessageID: "m1", ConsumerID: "c1", Status: models.ReadyMessageStatus, NextAttemptAt: now}

	inserted, err := store.InsertInboxMessage(msg)
	require.NoError(t, err)
	assert.True(t, inserted)
	inserted, err = store.InsertInboxMessage(msg)
	require.NoError(t, err)
	assert.False(t, inserted, "duplicate (consumer, message) is ignored")

	other := msg
	other.ConsumerID = "c2"
	inserted, err = store.InsertInboxMessage(other)
	require.NoError(t, err)
	assert.True(t, inserted, "another consumer gets its own copy")

	locked, err := store.LockInboxMessages("c1", "w1", now, 10)
	require.NoError(t, err)
	require.Len(t, locked, 1)
	assert.Equal(t, models.ProcessingMessageStatus, locked[0].Status)
	assert.Equal(t, "w1", locked[0].LockedBy)

	again, err := store.LockInboxMessages("c1", "w2", now, 10)
	require.NoError(t, err)
	assert.Empty(t, again, "locked rows are not handed out twice")

	n, err := store.ReleaseStaleInboxLocks(now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := store.GetInboxMessage("c1", "m1")
	require.NoError(t, err)
	assert.Equal(t, models.ReadyMessageStatus, got.Status)
}
