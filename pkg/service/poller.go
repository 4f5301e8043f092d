package service

import (
	"context"
	"time"

	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/storage"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Enqueuer accepts job requests without waiting for them.
type Enqueuer interface {
	Enqueue(req Request) bool
}

type PollerConfig struct {
	JobInterval    time.Duration
	InboxInterval  time.Duration
	OutboxInterval time.Duration
	ReaperInterval time.Duration
	BatchSize      int
}

func (c *PollerConfig) applyDefaults() {
	if c.JobInterval <= 0 {
		c.JobInterval = time.Second
	}
	if c.InboxInterval <= 0 {
		c.InboxInterval = time.Second
	}
	if c.OutboxInterval <= 0 {
		c.OutboxInterval = time.Second
	}
	if c.ReaperInterval <= 0 {
		c.ReaperInterval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
}

// Poller drives the background loops: due jobs, inbox, outbox and the reaper.
// Any of inbox, relay and reaper may be nil to skip that loop.
type Poller struct {
	store  storage.Store
	pool   Enqueuer
	inbox  *Inbox
	relay  *OutboxRelay
	reaper *Reaper
	cfg    PollerConfig
	logger Logger
	now    func() time.Time
}

func NewPoller(store storage.Store, pool Enqueuer, inbox *Inbox, relay *OutboxRelay, reaper *Reaper, cfg PollerConfig, logger Logger) *Poller {
	cfg.applyDefaults()
	return &Poller{store: store, pool: pool, inbox: inbox, relay: relay, reaper: reaper, cfg: cfg, logger: logger, now: utcNow}
}

// Run blocks until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Infof("Starting poller...")
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.every(ctx, p.cfg.JobInterval, "jobs", p.PollJobs) })
	if p.inbox != nil {
		g.Go(func() error {
			return p.every(ctx, p.cfg.InboxInterval, "inbox", func(ctx context.Context) (int, error) {
				if _, err := p.inbox.ReleaseStale(); err != nil {
					return 0, err
				}
				return p.inbox.ProcessDue(ctx)
			})
		})
	}
	if p.relay != nil {
		g.Go(func() error {
			return p.every(ctx, p.cfg.OutboxInterval, "outbox", func(ctx context.Context) (int, error) {
				if _, err := p.relay.ReleaseStale(); err != nil {
					return 0, err
				}
				return p.relay.RelayDue(ctx)
			})
		})
	}
	if p.reaper != nil {
		g.Go(func() error {
			return p.every(ctx, p.cfg.ReaperInterval, "reaper", func(ctx context.Context) (int, error) {
				expired, err := p.reaper.ReapExpired(ctx)
				if err != nil {
					return expired, err
				}
				stale, err := p.reaper.ReapStale(ctx)
				return expired + stale, err
			})
		})
	}
	err := g.Wait()
	p.logger.Infof("Poller shutting down...")
	return err
}

// PollJobs hands due PENDING jobs to the pool and returns how many it accepted.
func (p *Poller) PollJobs(_ context.Context) (int, error) {
	jobs, err := p.store.ListDueJobs(p.now(), p.cfg.BatchSize)
	if err != nil {
		return 0, errors.Wrap(err, "list due jobs")
	}
	accepted := 0
	for _, job := range jobs {
		if p.pool.Enqueue(Request{JobID: job.ID}) {
			accepted++
		}
	}
	return accepted, nil
}

func (p *Poller) every(ctx context.Context, interval time.Duration, name string, fn func(context.Context) (int, error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := fn(ctx)
			if err != nil && ctx.Err() == nil {
				p.logger.Errorf("Error in %s loop: %v", name, err)
			} else if n > 0 {
				p.logger.Debugf("%s loop handled %d items", name, n)
			}
		}
	}
}
