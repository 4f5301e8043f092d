// Package pipeline runs stages of a dependency graph phase by phase over a PipelineContext.
package pipeline

import (
	"context"
	"time"

	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/models"
	"github.com/pkg/errors"
)

// Stage is a named unit of work. Stages keep no state between invocations and
// must not retain the context after Execute returns.
type Stage interface {
	Name() string
	DependsOn() []string
	Execute(ctx context.Context, pc *models.PipelineContext) Result
}

type ResultStatus int

const (
	CompletedResult ResultStatus = iota
	FailedResult
	PausedResult
)

func (s ResultStatus) String() string {
	switch s {
	case CompletedResult:
		return "completed"
	case FailedResult:
		return "failed"
	case PausedResult:
		return "paused"
	}
	return "unknown"
}

// Result is Completed(context), Failed(error) or Paused(signal).
// A paused Result from the executor also carries the context to snapshot.
type Result struct {
	Status  ResultStatus
	Context *models.PipelineContext
	Err     error
	Pause   *PauseSignal
}

func Completed(pc *models.PipelineContext) Result {
	return Result{Status: CompletedResult, Context: pc}
}

func Failed(err error) Result {
	return Result{Status: FailedResult, Err: err}
}

func Paused(sig *PauseSignal) Result {
	return Result{Status: PausedResult, Pause: sig}
}

func (r Result) IsCompleted() bool { return r.Status == CompletedResult }
func (r Result) IsFailed() bool    { return r.Status == FailedResult }
func (r Result) IsPaused() bool    { return r.Status == PausedResult }

// PauseSignal suspends the pipeline until an event of EventType with EventKey arrives.
// It is not an error.
type PauseSignal struct {
	EventType string
	EventKey  string
	Timeout   time.Duration
	StageName string
	Metadata  map[string]string
}

// WaitingForEvent converts the signal into the descriptor persisted on the job.
func (p *PauseSignal) WaitingForEvent(now time.Time) models.WaitingForEvent {
	return models.WaitingForEvent{
		EventType:   p.EventType,
		EventKey:    p.EventKey,
		TimeoutMs:   p.Timeout.Milliseconds(),
		RequestedAt: now,
		StageName:   p.StageName,
		Metadata:    p.Metadata,
	}
}

// WaitFor is shorthand for a stage that pauses on one event.
func WaitFor(eventType, eventKey string, timeout time.Duration) Result {
	return Paused(&PauseSignal{EventType: eventType, EventKey: eventKey, Timeout: timeout})
}

type funcStage struct {
	name string
	deps []string
	fn   func(ctx context.Context, pc *models.PipelineContext) Result
}

func (s *funcStage) Name() string        { return s.name }
func (s *funcStage) DependsOn() []string { return s.deps }
func (s *funcStage) Execute(ctx context.Context, pc *models.PipelineContext) Result {
	return s.fn(ctx, pc)
}

// NewStage adapts a function into a Stage.
func NewStage(name string, dependsOn []string, fn func(ctx context.Context, pc *models.PipelineContext) Result) Stage {
	return &funcStage{name: name, deps: dependsOn, fn: fn}
}

// ClassifiedError marks a stage error as deciding the job's fate.
type ClassifiedError struct {
	Err            error
	Classification models.ErrorClassification
}

func (e *ClassifiedError) Error() string {
	return e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error { return e.Err }
func (e *ClassifiedError) Cause() error  { return e.Err }

// Classify wraps err so the worker fails (or retries) the job with class.
// Unclassified stage errors are recorded as warnings only.
func Classify(err error, class models.ErrorClassification) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Err: err, Classification: class}
}

// ClassificationOf returns the classification attached by Classify, if any.
func ClassificationOf(err error) (models.ErrorClassification, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Classification, true
	}
	return "", false
}
