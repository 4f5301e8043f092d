package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/backoff"
	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/models"
	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// MessageHandler applies one inbox message. An error schedules a retry.
type MessageHandler func(ctx context.Context, msg models.InboxMessage) error

type InboxConfig struct {
	ConsumerID  string
	WorkerID    string
	BatchSize   int
	MaxAttempts int
	Backoff     backoff.Policy
	LockTimeout time.Duration
}

func (c *InboxConfig) applyDefaults() {
	if c.ConsumerID == "" {
		c.ConsumerID = models.DefaultConsumerID
	}
	if c.WorkerID == "" {
		c.WorkerID = "inbox"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Backoff == (backoff.Policy{}) {
		c.Backoff, _ = backoff.Preset(backoff.PresetFast)
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = 5 * time.Minute
	}
}

// InboundEvent is an event delivered from outside. MessageID identifies the
// upstream message and must be stable across redeliveries.
type InboundEvent struct {
	MessageID string          `json:"messageId"`
	EventType string          `json:"eventType"`
	EventKey  string          `json:"eventKey"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	JobID     string          `json:"jobId,omitempty"`
}

// Inbox deduplicates inbound events and applies each one at most once per consumer.
type Inbox struct {
	store   storage.Store
	handler MessageHandler
	cfg     InboxConfig
	logger  Logger
	now     func() time.Time
}

func NewInbox(store storage.Store, handler MessageHandler, cfg InboxConfig, logger Logger) *Inbox {
	cfg.applyDefaults()
	return &Inbox{store: store, handler: handler, cfg: cfg, logger: logger, now: utcNow}
}

// Receive stores ev as a READY message. It reports false for a message already received.
func (i *Inbox) Receive(ev InboundEvent) (bool, error) {
	if ev.MessageID == "" {
		return false, errors.Wrap(ErrInvalidRequest, "messageId is required")
	}
	if ev.EventType == "" || ev.EventKey == "" {
		return false, errors.Wrap(ErrInvalidRequest, "eventType and eventKey are required")
	}
	if len(ev.Payload) > 0 && !json.Valid(ev.Payload) {
		return false, errors.Wrap(ErrInvalidRequest, "payload is not valid JSON")
	}
	if ev.JobID != "" {
		if _, err := uuid.Parse(ev.JobID); err != nil {
			return false, errors.Wrapf(ErrInvalidRequest, "jobId %q is not a UUID", ev.JobID)
		}
	}
	now := i.now()
	msg := models.InboxMessage{
		ID:            uuid.NewString(),
		MessageID:     ev.MessageID,
		ConsumerID:    i.cfg.ConsumerID,
		EventType:     ev.EventType,
		EventKey:      ev.EventKey,
		Payload:       ev.Payload,
		Status:        models.ReadyMessageStatus,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	if ev.JobID != "" {
		jobID := ev.JobID
		msg.JobID = &jobID
	}
	inserted, err := i.store.InsertInboxMessage(msg)
	if err != nil {
		return false, errors.Wrapf(err, "store inbox message %s", ev.MessageID)
	}
	if !inserted {
		i.logger.Infof("Ignoring duplicate message %s for consumer %s", ev.MessageID, i.cfg.ConsumerID)
	}
	return inserted, nil
}

// ProcessDue locks the READY messages that are due and applies them. It returns
// how many were applied successfully.
func (i *Inbox) ProcessDue(ctx context.Context) (int, error) {
	msgs, err := i.store.LockInboxMessages(i.cfg.ConsumerID, i.cfg.WorkerID, i.now(), i.cfg.BatchSize)
	if err != nil {
		return 0, errors.Wrap(err, "lock inbox messages")
	}
	processed := 0
	for _, msg := range msgs {
		if ctx.Err() != nil {
			// still locked; released once the lock times out
			return processed, ctx.Err()
		}
		if i.apply(ctx, msg) {
			processed++
		}
	}
	return processed, nil
}

func (i *Inbox) apply(ctx context.Context, msg models.InboxMessage) bool {
	herr := i.handler(ctx, msg)
	now := i.now()
	if herr == nil {
		msg.Processed(now)
		if err := i.store.UpdateInboxMessage(msg); err != nil {
			i.logger.Errorf("Failed to mark inbox message %s processed: %v", msg.MessageID, err)
			return false
		}
		i.logger.Debugf("Processed inbox message %s (%s/%s)", msg.MessageID, msg.EventType, msg.EventKey)
		return true
	}

	delay, err := backoff.Interval(msg.Attempts, i.cfg.Backoff)
	if err != nil {
		i.logger.Errorf("Invalid inbox backoff policy: %v", err)
	}
	msg.Retry(herr.Error(), i.cfg.MaxAttempts, now.Add(delay))
	if err := i.store.UpdateInboxMessage(msg); err != nil {
		i.logger.Errorf("Failed to record failure of inbox message %s: %v", msg.MessageID, err)
		return false
	}
	if msg.Status == models.FailedMessageStatus {
		i.logger.Errorf("Inbox message %s failed after %d attempts: %v", msg.MessageID, msg.Attempts, herr)
	} else {
		i.logger.Warnf("Inbox message %s attempt %d failed, retrying at %s: %v", msg.MessageID, msg.Attempts, msg.NextAttemptAt.Format(time.RFC3339), herr)
	}
	return false
}

// ReleaseStale returns messages locked longer than the lock timeout to READY.
func (i *Inbox) ReleaseStale() (int64, error) {
	n, err := i.store.ReleaseStaleInboxLocks(i.now().Add(-i.cfg.LockTimeout))
	if err != nil {
		return 0, errors.Wrap(err, "release stale inbox locks")
	}
	if n > 0 {
		i.logger.Warnf("Released %d stale inbox locks", n)
	}
	return n, nil
}

// Dispatcher hands a request to a worker and waits for the outcome.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) error
}

// NewResumeHandler returns the inbox handler that wakes the jobs waiting for an
// event. A message that arrives before any job waits for it fails with
// ErrNoWaitingJob and is retried by the inbox.
func NewResumeHandler(store storage.Store, dispatcher Dispatcher, logger Logger) MessageHandler {
	return func(ctx context.Context, msg models.InboxMessage) error {
		jobs, err := store.FindWaitingJobs(msg.EventType, msg.EventKey)
		if err != nil {
			return errors.Wrap(err, "find waiting jobs")
		}
		if msg.JobID != nil {
			targeted := jobs[:0]
			for _, j := range jobs {
				if j.ID == *msg.JobID {
					targeted = append(targeted, j)
				}
			}
			jobs = targeted
		}
		if len(jobs) == 0 {
			if msg.JobID != nil {
				applied, err := resumedBy(store, *msg.JobID, msg)
				if err != nil {
					return err
				}
				if applied {
					logger.Debugf("Message %s already resumed job %s", msg.MessageID, *msg.JobID)
					return nil
				}
			}
			return errors.Wrapf(ErrNoWaitingJob, "%s/%s", msg.EventType, msg.EventKey)
		}

		var firstErr error
		for _, job := range jobs {
			req := Request{JobID: job.ID, Resume: &ResumeEvent{
				EventType: msg.EventType,
				EventKey:  msg.EventKey,
				MessageID: msg.MessageID,
				Payload:   msg.Payload,
			}}
			err := dispatcher.Dispatch(ctx, req)
			switch {
			case err == nil:
				logger.Infof("Resumed job %s on %s/%s", job.ID, msg.EventType, msg.EventKey)
			case errors.Is(err, storage.ErrClaimConflict), errors.Is(err, ErrNoWaitingJob):
				// another delivery got there first
				logger.Debugf("Job %s already resumed: %v", job.ID, err)
			default:
				logger.Errorf("Failed to resume job %s: %v", job.ID, err)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		return firstErr
	}
}

// resumedBy reports whether msg already resumed the job, as recorded in its
// history. A redelivered message whose earlier delivery was applied finds it there.
func resumedBy(store storage.Store, jobID string, msg models.InboxMessage) (bool, error) {
	job, err := store.GetJob(jobID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "get job %s", jobID)
	}
	if job.Status == models.WaitingForEventJobStatus {
		return false, nil
	}
	logs, err := store.GetExecutionLogs(jobID)
	if err != nil {
		return false, errors.Wrapf(err, "get history of job %s", jobID)
	}
	want := (&ResumeEvent{EventType: msg.EventType, EventKey: msg.EventKey, MessageID: msg.MessageID}).describe()
	for _, l := range logs {
		if l.Status == models.StageResumedLog && l.Message == want {
			return true, nil
		}
	}
	return false, nil
}
