package cli

import (
	"context"

	"github.com/MirSameerIrfan/kodus-ai-sub005/internal/config"
	internal_http "github.com/MirSameerIrfan/kodus-ai-sub005/internal/http"
	"github.com/MirSameerIrfan/kodus-ai-sub005/internal/log"
	"github.com/MirSameerIrfan/kodus-ai-sub005/internal/metrics"
	"github.com/MirSameerIrfan/kodus-ai-sub005/internal/queue"
	internal_storage "github.com/MirSameerIrfan/kodus-ai-sub005/internal/storage"
	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/pipeline"
	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/service"
	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/storage"
	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/workflows"
	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// app holds what every command shares.
type app struct {
	cfg      config.Config
	logger   *logrus.Logger
	store    storage.Store
	registry *service.Registry
	jobs     *service.JobService
	redis    *redis.Client
}

type pinger interface {
	Ping() error
}

// newApp connects to the store named by cfg, or uses an in-memory one.
func newApp(ctx context.Context, cfg config.Config, inMemory bool) (*app, error) {
	logger := log.GetLogger()
	log.SetLevel(cfg.LogLevel)

	registry := service.NewRegistry()
	if err := workflows.Register(registry); err != nil {
		return nil, errors.WithMessage(err, "register workflows")
	}

	var store storage.Store
	if inMemory {
		logger.Warnf("Using in-memory store; jobs are lost on exit")
		store = storage.NewMemoryStore()
	} else {
		logger.Debugf("Connecting to database at %s:%s/%s", cfg.Database.Host, cfg.Database.Port, cfg.Database.Name)
		pg, err := internal_storage.ConnectWithRetry(ctx, cfg.Database.ConnString(), cfg.Database.ConnectRetries)
		if err != nil {
			return nil, err
		}
		store = pg
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		registry: registry,
		jobs:     service.NewJobService(store, registry, logger),
	}
	if cfg.Redis.Addr != "" {
		a.redis = queue.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	}
	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warnf("Failed to close redis client: %v", err)
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warnf("Failed to close store: %v", err)
	}
}

func (a *app) health(ctx context.Context) func() error {
	return func() error {
		if p, ok := a.store.(pinger); ok {
			if err := p.Ping(); err != nil {
				return errors.Wrap(err, "database")
			}
		}
		if a.redis != nil {
			if err := a.redis.Ping(ctx).Err(); err != nil {
				return errors.Wrap(err, "redis")
			}
		}
		return nil
	}
}

// run starts the workers and background loops, and the HTTP API when withHTTP
// is set. It blocks until ctx is done.
func (a *app) run(ctx context.Context, withHTTP bool) error {
	m := metrics.New()
	executor := pipeline.NewExecutor(a.logger,
		pipeline.WithMaxParallel(a.cfg.Worker.MaxParallelStages),
		pipeline.WithObserver(m))
	worker := service.NewWorker(a.store, a.registry, executor, a.logger, service.WorkerConfig{
		ID:            a.cfg.Worker.ID,
		RetryPolicy:   a.cfg.Retry.Policy,
		CircuitPolicy: a.cfg.Retry.CircuitPolicy,
	})

	pool := service.NewWorkerPool(ctx, m.InstrumentRunner(worker), a.logger)
	pool.Start(a.cfg.Worker.Concurrency)
	defer pool.Stop()

	inbox := service.NewInbox(a.store, service.NewResumeHandler(a.store, pool, a.logger), service.InboxConfig{
		ConsumerID:  a.cfg.Inbox.ConsumerID,
		WorkerID:    a.cfg.Worker.ID,
		BatchSize:   a.cfg.Inbox.BatchSize,
		MaxAttempts: a.cfg.Inbox.MaxAttempts,
		Backoff:     a.cfg.Inbox.Backoff,
		LockTimeout: a.cfg.Inbox.LockTimeout,
	}, a.logger)

	var publisher service.Publisher = service.LogPublisher{Logger: a.logger}
	if a.redis != nil {
		publisher = queue.NewRedisPublisher(a.redis, a.cfg.Redis.StreamPrefix)
	}
	relay := service.NewOutboxRelay(a.store, m.InstrumentPublisher(publisher), service.OutboxConfig{
		WorkerID:    a.cfg.Worker.ID,
		BatchSize:   a.cfg.Outbox.BatchSize,
		MaxAttempts: a.cfg.Outbox.MaxAttempts,
		Backoff:     a.cfg.Outbox.Backoff,
		LockTimeout: a.cfg.Outbox.LockTimeout,
	}, a.logger)

	reaper := service.NewReaper(a.store, service.ReaperConfig{
		TimeoutClassification: a.cfg.Reaper.TimeoutClassification,
		RetryPolicy:           a.cfg.Retry.Policy,
		ProcessingTimeout:     a.cfg.Reaper.ProcessingTimeout,
	}, a.logger)

	poller := service.NewPoller(a.store, pool, inbox, relay, reaper, service.PollerConfig{
		JobInterval:    a.cfg.Worker.PollInterval,
		InboxInterval:  a.cfg.Inbox.Interval,
		OutboxInterval: a.cfg.Outbox.Interval,
		ReaperInterval: a.cfg.Reaper.Interval,
	}, a.logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return poller.Run(ctx) })
	if a.redis != nil {
		source := queue.NewRedisEventSource(a.redis, a.cfg.Redis.EventStream, inbox, a.logger)
		g.Go(func() error { return source.Run(ctx) })
	}
	if withHTTP {
		router := internal_http.NewRouter(internal_http.Deps{
			Jobs:    a.jobs,
			Inbox:   inbox,
			Health:  a.health(ctx),
			Metrics: m.Handler(),
			Logger:  a.logger,
		})
		g.Go(func() error { return internal_http.Serve(ctx, a.cfg.HTTP.Port, router, a.logger) })
	}
	a.logger.Infof("Worker %s running %d workers", a.cfg.Worker.ID, a.cfg.Worker.Concurrency)
	return g.Wait()
}
