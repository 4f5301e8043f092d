package service

import (
	"context"
	"sync"

	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/models"
	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/pipeline"
	"github.com/pkg/errors"
)

// HandlerFunc runs a SIMPLE_FUNCTION or RAW_WEBHOOK job. Errors wrapped with
// pipeline.Classify keep their classification; other errors are retried.
type HandlerFunc func(ctx context.Context, job models.WorkflowJob) error

// Definition is what a workflow type runs.
type Definition struct {
	WorkflowType models.WorkflowType
	HandlerType  models.HandlerType
	Name         string
	Stages       []pipeline.Stage
	Func         HandlerFunc
}

// Registry maps workflow types to their definitions.
type Registry struct {
	mu   sync.RWMutex
	defs map[models.WorkflowType]Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[models.WorkflowType]Definition)}
}

// RegisterPipeline registers stages for a pipeline workflow type. The stage graph
// is validated here so a bad graph fails at startup.
func (r *Registry) RegisterPipeline(workflowType models.WorkflowType, name string, handlerType models.HandlerType, stages []pipeline.Stage) error {
	if !handlerType.Pipeline() {
		return errors.Wrapf(pipeline.ErrConfiguration, "handler type %s does not run stages", handlerType)
	}
	if len(stages) == 0 {
		return errors.Wrapf(pipeline.ErrConfiguration, "pipeline '%s' has no stages", name)
	}
	if _, err := pipeline.BuildPhases(stages); err != nil {
		return errors.WithMessagef(err, "pipeline '%s'", name)
	}
	return r.register(Definition{WorkflowType: workflowType, HandlerType: handlerType, Name: name, Stages: stages})
}

// RegisterFunc registers a plain function for a non-pipeline workflow type.
func (r *Registry) RegisterFunc(workflowType models.WorkflowType, handlerType models.HandlerType, fn HandlerFunc) error {
	if handlerType.Pipeline() || !handlerType.Valid() {
		return errors.Wrapf(pipeline.ErrConfiguration, "handler type %s cannot run a function", handlerType)
	}
	if fn == nil {
		return errors.Wrapf(pipeline.ErrConfiguration, "nil handler for %s", workflowType)
	}
	return r.register(Definition{WorkflowType: workflowType, HandlerType: handlerType, Name: string(workflowType), Func: fn})
}

func (r *Registry) register(def Definition) error {
	if def.WorkflowType == "" {
		return errors.Wrap(pipeline.ErrConfiguration, "empty workflow type")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.WorkflowType]; exists {
		return errors.Wrapf(pipeline.ErrConfiguration, "workflow type %s is already registered", def.WorkflowType)
	}
	r.defs[def.WorkflowType] = def
	return nil
}

func (r *Registry) Lookup(workflowType models.WorkflowType) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[workflowType]
	if !ok {
		return Definition{}, errors.Wrapf(ErrUnknownWorkflow, "%s", workflowType)
	}
	return def, nil
}

// WorkflowTypes lists the registered workflow types.
func (r *Registry) WorkflowTypes() []models.WorkflowType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]models.WorkflowType, 0, len(r.defs))
	for wt := range r.defs {
		types = append(types, wt)
	}
	return types
}
