package service

import (
	"context"
	"time"

	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/backoff"
	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/models"
	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/storage"
	"github.com/pkg/errors"
)

// Publisher delivers an outbox message to its exchange.
type Publisher interface {
	Publish(ctx context.Context, msg models.OutboxMessage) error
}

type OutboxConfig struct {
	WorkerID    string
	BatchSize   int
	MaxAttempts int
	Backoff     backoff.Policy
	LockTimeout time.Duration
}

func (c *OutboxConfig) applyDefaults() {
	if c.WorkerID == "" {
		c.WorkerID = "outbox"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.Backoff == (backoff.Policy{}) {
		c.Backoff = backoff.Standard()
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = 5 * time.Minute
	}
}

// OutboxRelay publishes outbox messages. It is the only writer of a message after creation.
type OutboxRelay struct {
	store     storage.Store
	publisher Publisher
	cfg       OutboxConfig
	logger    Logger
	now       func() time.Time
}

func NewOutboxRelay(store storage.Store, publisher Publisher, cfg OutboxConfig, logger Logger) *OutboxRelay {
	cfg.applyDefaults()
	return &OutboxRelay{store: store, publisher: publisher, cfg: cfg, logger: logger, now: utcNow}
}

// RelayDue publishes READY messages that are due and returns how many were sent.
func (r *OutboxRelay) RelayDue(ctx context.Context) (int, error) {
	msgs, err := r.store.LockOutboxMessages(r.cfg.WorkerID, r.now(), r.cfg.BatchSize)
	if err != nil {
		return 0, errors.Wrap(err, "lock outbox messages")
	}
	sent := 0
	for _, msg := range msgs {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		perr := r.publisher.Publish(ctx, msg)
		now := r.now()
		if perr == nil {
			msg.Sent(now)
			if err := r.store.UpdateOutboxMessage(msg); err != nil {
				r.logger.Errorf("Failed to mark outbox message %s sent: %v", msg.ID, err)
				continue
			}
			sent++
			continue
		}

		delay, err := backoff.Interval(msg.Attempts, r.cfg.Backoff)
		if err != nil {
			r.logger.Errorf("Invalid outbox backoff policy: %v", err)
		}
		msg.Retry(perr.Error(), r.cfg.MaxAttempts, now.Add(delay))
		if err := r.store.UpdateOutboxMessage(msg); err != nil {
			r.logger.Errorf("Failed to record failure of outbox message %s: %v", msg.ID, err)
			continue
		}
		if msg.Status == models.FailedMessageStatus {
			r.logger.Errorf("Outbox message %s (%s) failed after %d attempts: %v", msg.ID, msg.RoutingKey, msg.Attempts, perr)
		} else {
			r.logger.Warnf("Publishing outbox message %s failed, retrying at %s: %v", msg.ID, msg.NextAttemptAt.Format(time.RFC3339), perr)
		}
	}
	return sent, nil
}

// ReleaseStale returns messages locked longer than the lock timeout to READY.
func (r *OutboxRelay) ReleaseStale() (int64, error) {
	n, err := r.store.ReleaseStaleOutboxLocks(r.now().Add(-r.cfg.LockTimeout))
	if err != nil {
		return 0, errors.Wrap(err, "release stale outbox locks")
	}
	if n > 0 {
		r.logger.Warnf("Released %d stale outbox locks", n)
	}
	return n, nil
}

// LogPublisher only logs messages. It stands in when no broker is configured.
type LogPublisher struct {
	Logger Logger
}

func (p LogPublisher) Publish(_ context.Context, msg models.OutboxMessage) error {
	p.Logger.Infof("Outbox %s/%s: %s", msg.Exchange, msg.RoutingKey, string(msg.Payload))
	return nil
}
