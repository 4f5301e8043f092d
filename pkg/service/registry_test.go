package service_test

import (
	"context"
	"testing"

	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/models"
	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/pipeline"
	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/service"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopStage(name string, deps ...string) pipeline.Stage {
	return pipeline.NewStage(name, deps, func(_ context.Context, pc *models.PipelineContext) pipeline.Result {
		return pipeline.Completed(pc)
	})
}

func TestRegistry(t *testing.T) {
	noop := func(context.Context, models.WorkflowJob) error { return nil }

	tests := []struct {
		name     string
		register func(r *service.Registry) error
	}{
		{
			name: "CyclicPipeline",
			register: func(r *service.Registry) error {
				return r.RegisterPipeline(models.CodeReviewWorkflow, "review", models.AsyncPipelineHandler,
					[]pipeline.Stage{noopStage("a", "b"), noopStage("b", "a")})
			},
		},
		{
			name: "EmptyPipeline",
			register: func(r *service.Registry) error {
				return r.RegisterPipeline(models.CodeReviewWorkflow, "review", models.AsyncPipelineHandler, nil)
			},
		},
		{
			name: "FunctionHandlerForPipeline",
			register: func(r *service.Registry) error {
				return r.RegisterPipeline(models.CodeReviewWorkflow, "review", models.SimpleFunctionHandler,
					[]pipeline.Stage{noopStage("a")})
			},
		},
		{
			name: "PipelineHandlerForFunction",
			register: func(r *service.Registry) error {
				return r.RegisterFunc(models.WebhookProcessingWorkflow, models.SyncPipelineHandler, noop)
			},
		},
		{
			name: "NilFunction",
			register: func(r *service.Registry) error {
				return r.RegisterFunc(models.WebhookProcessingWorkflow, models.RawWebhookHandler, nil)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.register(service.NewRegistry())
			assert.True(t, errors.Is(err, pipeline.ErrConfiguration), "got %v", err)
		})
	}

	t.Run("DuplicateAndLookup", func(t *testing.T) {
		r := service.NewRegistry()
		require.NoError(t, r.RegisterFunc(models.WebhookProcessingWorkflow, models.RawWebhookHandler, noop))
		err := r.RegisterFunc(models.WebhookProcessingWorkflow, models.RawWebhookHandler, noop)
		assert.True(t, errors.Is(err, pipeline.ErrConfiguration))

		def, err := r.Lookup(models.WebhookProcessingWorkflow)
		require.NoError(t, err)
		assert.Equal(t, models.RawWebhookHandler, def.HandlerType)

		_, err = r.Lookup(models.CodeReviewWorkflow)
		assert.True(t, errors.Is(err, service.ErrUnknownWorkflow))
		assert.Equal(t, []models.WorkflowType{models.WebhookProcessingWorkflow}, r.WorkflowTypes())
	})
}
