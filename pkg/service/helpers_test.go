package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/backoff"
	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/models"
	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/pipeline"
	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/service"
	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/storage"
	"github.com/stretchr/testify/require"
)

type logger struct{}

func (l logger) Debugf(format string, args ...interface{}) {}
func (l logger) Infof(format string, args ...interface{})  {}
func (l logger) Warnf(format string, args ...interface{})  {}
func (l logger) Errorf(format string, args ...interface{}) {}

// tinyPolicy keeps retries due almost immediately.
var tinyPolicy = backoff.Policy{BaseInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1}

// counter counts stage invocations by name.
type counter struct {
	mu sync.Mutex
	n  map[string]int
}

func newCounter() *counter {
	return &counter{n: map[string]int{}}
}

func (c *counter) inc(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n[name]++
}

func (c *counter) get(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n[name]
}

type harness struct {
	store    storage.Store
	registry *service.Registry
	jobs     *service.JobService
	worker   *service.Worker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := storage.NewMemoryStore()
	registry := service.NewRegistry()
	return &harness{
		store:    store,
		registry: registry,
		jobs:     service.NewJobService(store, registry, logger{}),
		worker: service.NewWorker(store, registry, pipeline.NewExecutor(logger{}), logger{},
			service.WorkerConfig{ID: "test", RetryPolicy: tinyPolicy, CircuitPolicy: tinyPolicy}),
	}
}

func (h *harness) submit(t *testing.T, req service.SubmitRequest) string {
	t.Helper()
	res, err := h.jobs.Submit(req)
	require.NoError(t, err)
	return res.ID
}

func (h *harness) run(t *testing.T, id string) models.WorkflowJob {
	t.Helper()
	job, err := h.worker.Run(context.Background(), service.Request{JobID: id})
	require.NoError(t, err)
	return job
}

func routingKeys(t *testing.T, store storage.Store, jobID string) []string {
	t.Helper()
	msgs, err := store.ListOutboxMessages(jobID)
	require.NoError(t, err)
	keys := make([]string, 0, len(msgs))
	for _, m := range msgs {
		keys = append(keys, m.RoutingKey)
	}
	return keys
}
