package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Logger is the logging handle the executor writes to.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// StageObserver is told about every stage the executor runs.
type StageObserver interface {
	StageStarted(meta models.PipelineMetadata, stage string)
	StageFinished(meta models.PipelineMetadata, stage string, status ResultStatus, err error, elapsed time.Duration)
}

// Executor drives a PipelineContext through the phases of a stage graph.
type Executor struct {
	logger      Logger
	maxParallel int
	observers   []StageObserver
}

type Option func(*Executor)

// WithMaxParallel bounds how many stages of one phase run at once. Zero means no bound.
func WithMaxParallel(n int) Option {
	return func(e *Executor) { e.maxParallel = n }
}

func WithObserver(o StageObserver) Option {
	return func(e *Executor) { e.observers = append(e.observers, o) }
}

func NewExecutor(logger Logger, opts ...Option) *Executor {
	e := &Executor{logger: logger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type executeConfig struct {
	parent    *models.PipelineMetadata
	name      string
	observers []StageObserver
}

type ExecuteOption func(*executeConfig)

// WithParent runs the stages as a sub-pipeline of parent.
func WithParent(parent models.PipelineMetadata) ExecuteOption {
	return func(c *executeConfig) { c.parent = &parent }
}

func WithPipelineName(name string) ExecuteOption {
	return func(c *executeConfig) { c.name = name }
}

// WithStageObserver adds an observer for this invocation only.
func WithStageObserver(o StageObserver) ExecuteOption {
	return func(c *executeConfig) { c.observers = append(c.observers, o) }
}

type stageRun struct {
	index   int
	name    string
	result  Result
	context *models.PipelineContext
}

// Execute runs every phase in order against pc and returns pc, advanced in place.
// Stages already completed or failed on pc are not run again. A pause from any
// stage is returned at once, together with pc as it stood before the phase plus
// the pausing stage's own writes. Failed is returned only for a bad stage graph
// or when ctx ends mid-phase.
func (e *Executor) Execute(ctx context.Context, pc *models.PipelineContext, stages []Stage, opts ...ExecuteOption) Result {
	cfg := executeConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	observers := append(append([]StageObserver{}, e.observers...), cfg.observers...)

	phases, err := BuildPhases(stages)
	if err != nil {
		return Failed(err)
	}
	ensureMaps(pc)
	e.stampMetadata(pc, cfg)
	meta := pc.PipelineMetadata

	byName := make(map[string]Stage, len(stages))
	for _, st := range stages {
		byName[st.Name()] = st
	}

	e.logger.Debugf("Pipeline %s (%s) starting with %d phases", meta.PipelineName, meta.PipelineID, len(phases))
	for i, phase := range phases {
		if pc.Skipped() {
			e.logger.Infof("Pipeline %s skipped before phase %d: %s", meta.PipelineID, i, pc.StatusInfo.Message)
			return Completed(pc)
		}

		var pending []Stage
		for _, name := range phase {
			if !pc.Settled(name) {
				pending = append(pending, byName[name])
			}
		}
		if len(pending) == 0 {
			continue
		}

		runs, pause, err := e.runPhase(ctx, pc, meta, observers, pending)
		if err != nil {
			return Failed(err)
		}
		if pause != nil {
			e.logger.Infof("Pipeline %s suspended at stage %s waiting for %s/%s", meta.PipelineID, pause.StageName, pause.EventType, pause.EventKey)
			res := Paused(pause)
			res.Context = pc
			return res
		}

		base := pc.Clone()
		for _, run := range runs {
			if run.result.IsFailed() {
				e.recordFailure(pc, meta, run)
				continue
			}
			mergeStageWrites(pc, base, run.context)
			pc.MarkCompleted(run.name)
		}
	}
	e.logger.Debugf("Pipeline %s finished with %d stage failures", meta.PipelineID, len(pc.StageErrors))
	return Completed(pc)
}

func (e *Executor) stampMetadata(pc *models.PipelineContext, cfg executeConfig) {
	meta := models.PipelineMetadata{
		PipelineID:   uuid.NewString(),
		PipelineName: pc.PipelineMetadata.PipelineName,
	}
	if cfg.name != "" {
		meta.PipelineName = cfg.name
	}
	switch {
	case cfg.parent != nil:
		meta.ParentPipelineID = cfg.parent.PipelineID
		meta.RootPipelineID = cfg.parent.RootPipelineID
		if meta.RootPipelineID == "" {
			meta.RootPipelineID = cfg.parent.PipelineID
		}
	case pc.PipelineMetadata.RootPipelineID != "":
		// a resumed context stays under the root it started with
		meta.ParentPipelineID = pc.PipelineMetadata.ParentPipelineID
		meta.RootPipelineID = pc.PipelineMetadata.RootPipelineID
	default:
		meta.RootPipelineID = meta.PipelineID
	}
	pc.PipelineMetadata = meta
}

// runPhase runs stages concurrently, each on its own clone of pc. It returns the
// outcomes in declaration order, or the first pause observed.
func (e *Executor) runPhase(ctx context.Context, pc *models.PipelineContext, meta models.PipelineMetadata, observers []StageObserver, stages []Stage) ([]stageRun, *PauseSignal, error) {
	phaseCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	clones := make([]*models.PipelineContext, len(stages))
	for i := range stages {
		clones[i] = pc.Clone()
	}

	// buffered so stages still running after a pause never block
	out := make(chan stageRun, len(stages))
	var g errgroup.Group
	if e.maxParallel > 0 {
		g.SetLimit(e.maxParallel)
	}
	go func() {
		for i, st := range stages {
			i, st := i, st
			g.Go(func() error {
				if err := phaseCtx.Err(); err != nil {
					out <- stageRun{index: i, name: st.Name(), result: Failed(err), context: clones[i]}
					return nil
				}
				out <- runStage(phaseCtx, meta, observers, i, st, clones[i])
				return nil
			})
		}
	}()

	runs := make([]stageRun, 0, len(stages))
	for len(runs) < len(stages) {
		select {
		case run := <-out:
			if run.result.IsPaused() {
				// nothing was merged yet, so pc is still the pre-phase base
				mergeStageWrites(pc, pc, run.context)
				return nil, run.result.Pause, nil
			}
			runs = append(runs, run)
		case <-ctx.Done():
			return nil, nil, errors.Wrap(ctx.Err(), "pipeline interrupted")
		}
	}
	sort.Slice(runs, func(a, b int) bool { return runs[a].index < runs[b].index })
	return runs, nil, nil
}

func runStage(ctx context.Context, meta models.PipelineMetadata, observers []StageObserver, index int, st Stage, pc *models.PipelineContext) (run stageRun) {
	name := st.Name()
	run = stageRun{index: index, name: name, context: pc}
	for _, o := range observers {
		o.StageStarted(meta, name)
	}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			run.result = Failed(fmt.Errorf("stage %s panicked: %v", name, r))
		}
		for _, o := range observers {
			o.StageFinished(meta, name, run.result.Status, run.result.Err, time.Since(start))
		}
	}()

	res := st.Execute(ctx, pc)
	switch {
	case res.IsPaused() && res.Pause == nil:
		res = Failed(errors.Errorf("stage %s paused without a signal", name))
	case res.IsPaused():
		if res.Pause.StageName == "" {
			res.Pause.StageName = name
		}
	case res.IsFailed() && res.Err == nil:
		res.Err = errors.Errorf("stage %s failed", name)
	case res.IsCompleted() && res.Context != nil:
		run.context = res.Context
	}
	run.result = res
	return run
}

func (e *Executor) recordFailure(pc *models.PipelineContext, meta models.PipelineMetadata, run stageRun) {
	failure := models.StageFailure{Stage: run.name, Message: run.result.Err.Error()}
	if class, ok := ClassificationOf(run.result.Err); ok {
		failure.Classification = &class
	}
	pc.StageErrors = append(pc.StageErrors, failure)
	e.logger.Warnf("Stage %s of pipeline %s failed: %v", run.name, meta.PipelineID, run.result.Err)
}

func ensureMaps(pc *models.PipelineContext) {
	if pc.Tasks == nil {
		pc.Tasks = map[string]models.ExternalTask{}
	}
	if pc.Outputs == nil {
		pc.Outputs = map[string]models.StageOutput{}
	}
	if pc.Metadata == nil {
		pc.Metadata = map[string]string{}
	}
}

// mergeStageWrites copies into dst the map entries and status that src changed relative to base.
func mergeStageWrites(dst, base, src *models.PipelineContext) {
	if src == nil {
		return
	}
	for k, v := range src.Tasks {
		if old, ok := base.Tasks[k]; !ok || old.TaskID != v.TaskID || old.Status != v.Status || !old.UpdatedAt.Equal(v.UpdatedAt) {
			dst.Tasks[k] = v
		}
	}
	for k, v := range src.Outputs {
		if old, ok := base.Outputs[k]; !ok || old.Kind != v.Kind || old.Version != v.Version || !bytes.Equal(old.Data, v.Data) {
			dst.Outputs[k] = v
		}
	}
	for k, v := range src.Metadata {
		if old, ok := base.Metadata[k]; !ok || old != v {
			dst.Metadata[k] = v
		}
	}
	if src.Skipped() && !base.Skipped() {
		dst.StatusInfo = src.StatusInfo
	}
}
