package service

import (
	"context"
	"runtime"
	"sync"

	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/models"
	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/storage"
	"github.com/pkg/errors"
)

// JobRunner runs a single job request.
type JobRunner interface {
	Run(ctx context.Context, req Request) (models.WorkflowJob, error)
}

// poolItem is one queued request; done is nil for fire-and-forget requests
type poolItem struct {
	req  Request
	done chan error
}

// WorkerPool runs job requests on a fixed number of goroutines, at most one per job id.
type WorkerPool struct {
	runner   JobRunner
	logger   Logger
	reqChan  chan poolItem
	quit     chan struct{}
	inFlight map[string]struct{}
	stopped  bool
	mu       sync.Mutex
	wg       sync.WaitGroup
	ctx      context.Context
}

func NewWorkerPool(mainCtx context.Context, runner JobRunner, logger Logger) *WorkerPool {
	return &WorkerPool{
		runner:   runner,
		logger:   logger,
		quit:     make(chan struct{}),
		inFlight: make(map[string]struct{}),
		ctx:      mainCtx,
	}
}

// Start begins the worker pool with the specified number of workers
func (wp *WorkerPool) Start(workers int) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	wp.reqChan = make(chan poolItem, workers)
	for i := 0; i < workers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

// Stop gracefully stops the worker pool, waiting for running jobs to finish
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		return
	}
	wp.stopped = true
	close(wp.quit)
	wp.mu.Unlock()
	wp.wg.Wait()
}

// acquire marks jobID as in flight.
func (wp *WorkerPool) acquire(jobID string) error {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.stopped {
		return ErrPoolStopped
	}
	if _, busy := wp.inFlight[jobID]; busy {
		return errors.Wrapf(ErrJobInFlight, "job %s", jobID)
	}
	wp.inFlight[jobID] = struct{}{}
	return nil
}

func (wp *WorkerPool) release(jobID string) {
	wp.mu.Lock()
	delete(wp.inFlight, jobID)
	wp.mu.Unlock()
}

// Enqueue queues req without waiting. It reports false when the job is already
// queued or running, or when every worker is busy.
func (wp *WorkerPool) Enqueue(req Request) bool {
	if wp.acquire(req.JobID) != nil {
		return false
	}
	select {
	case wp.reqChan <- poolItem{req: req}:
		return true
	default:
		wp.release(req.JobID)
		return false
	}
}

// Dispatch queues req and waits for the worker's outcome.
func (wp *WorkerPool) Dispatch(ctx context.Context, req Request) error {
	if err := wp.acquire(req.JobID); err != nil {
		return err
	}
	item := poolItem{req: req, done: make(chan error, 1)}
	select {
	case wp.reqChan <- item:
	case <-ctx.Done():
		wp.release(req.JobID)
		return ctx.Err()
	case <-wp.quit:
		wp.release(req.JobID)
		return ErrPoolStopped
	}
	select {
	case err := <-item.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-wp.quit:
		// a buffered item may never be picked up once the pool stops
		select {
		case err := <-item.done:
			return err
		default:
			return ErrPoolStopped
		}
	}
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for {
		select {
		case <-wp.quit:
			return
		case <-wp.ctx.Done():
			return
		case item := <-wp.reqChan:
			wp.execute(item)
		}
	}
}

func (wp *WorkerPool) execute(item poolItem) {
	defer wp.release(item.req.JobID)
	job, err := wp.runner.Run(wp.ctx, item.req)
	switch {
	case err == nil:
		wp.logger.Debugf("Job %s finished run with status %s", job.ID, job.Status)
	case errors.Is(err, storage.ErrClaimConflict):
		wp.logger.Debugf("Job %s was claimed elsewhere", item.req.JobID)
	default:
		wp.logger.Errorf("Failed to run job %s: %v", item.req.JobID, err)
	}
	if item.done != nil {
		item.done <- err
	}
}
