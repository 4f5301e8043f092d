package models

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// PipelineContextVersion is the snapshot format written by Snapshot.
const PipelineContextVersion = 1

type PipelineStatus string

const (
	RunningPipelineStatus PipelineStatus = "RUNNING"
	// SkippedPipelineStatus stops the executor at the next phase boundary.
	SkippedPipelineStatus PipelineStatus = "SKIPPED"
)

type StatusInfo struct {
	Status  PipelineStatus `json:"status"`
	Message string         `json:"message,omitempty"`
}

// PipelineMetadata identifies one executor invocation. Nested pipelines share RootPipelineID.
type PipelineMetadata struct {
	PipelineID       string `json:"pipelineId"`
	ParentPipelineID string `json:"parentPipelineId,omitempty"`
	RootPipelineID   string `json:"rootPipelineId"`
	PipelineName     string `json:"pipelineName"`
}

// ExternalTask is the last known state of work a stage handed to another system.
type ExternalTask struct {
	TaskID    string    `json:"taskId"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Stage output kinds.
const (
	StageOutputJSON  = "json"
	StageOutputEvent = "event"
)

// StageOutput is the versioned value a stage leaves behind for later stages.
type StageOutput struct {
	Kind    string          `json:"kind"`
	Version int             `json:"version"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// StageFailure records a stage domain error. Classification is set only for
// errors that should decide the job's fate.
type StageFailure struct {
	Stage          string               `json:"stage"`
	Message        string               `json:"message"`
	Classification *ErrorClassification `json:"classification,omitempty"`
}

// PipelineContext is the value threaded through one pipeline run.
type PipelineContext struct {
	Version                 int                     `json:"version"`
	JobID                   string                  `json:"jobId,omitempty"`
	CorrelationID           string                  `json:"correlationId"`
	OrganizationAndTeamData json.RawMessage         `json:"organizationAndTeamData,omitempty"`
	Payload                 json.RawMessage         `json:"payload,omitempty"`
	StatusInfo              StatusInfo              `json:"statusInfo"`
	PipelineMetadata        PipelineMetadata        `json:"pipelineMetadata"`
	Tasks                   map[string]ExternalTask `json:"tasks"`
	Outputs                 map[string]StageOutput  `json:"outputs"`
	Metadata                map[string]string       `json:"metadata"`
	CompletedStages         []string                `json:"completedStages"`
	StageErrors             []StageFailure          `json:"stageErrors,omitempty"`
}

// NewPipelineContext returns a RUNNING context for a fresh run.
func NewPipelineContext(correlationID string, payload json.RawMessage) *PipelineContext {
	return &PipelineContext{
		Version:         PipelineContextVersion,
		CorrelationID:   correlationID,
		Payload:         payload,
		StatusInfo:      StatusInfo{Status: RunningPipelineStatus},
		Tasks:           map[string]ExternalTask{},
		Outputs:         map[string]StageOutput{},
		Metadata:        map[string]string{},
		CompletedStages: []string{},
	}
}

// Skip asks the executor to stop before the next phase.
func (pc *PipelineContext) Skip(message string) {
	pc.StatusInfo = StatusInfo{Status: SkippedPipelineStatus, Message: message}
}

func (pc *PipelineContext) Skipped() bool {
	return pc.StatusInfo.Status == SkippedPipelineStatus
}

func (pc *PipelineContext) IsCompleted(stage string) bool {
	for _, s := range pc.CompletedStages {
		if s == stage {
			return true
		}
	}
	return false
}

// MarkCompleted records stage as done; it is skipped on later executions of the same context.
func (pc *PipelineContext) MarkCompleted(stage string) {
	if !pc.IsCompleted(stage) {
		pc.CompletedStages = append(pc.CompletedStages, stage)
	}
}

// Failed reports whether stage left a recorded failure.
func (pc *PipelineContext) Failed(stage string) bool {
	for _, f := range pc.StageErrors {
		if f.Stage == stage {
			return true
		}
	}
	return false
}

// Settled reports whether stage already ran on this context, successfully or not.
func (pc *PipelineContext) Settled(stage string) bool {
	return pc.IsCompleted(stage) || pc.Failed(stage)
}

// ClearStageErrors forgets recorded failures so the failed stages run again.
func (pc *PipelineContext) ClearStageErrors() {
	pc.StageErrors = nil
}

// SetOutput stores v as the JSON output of stage.
func (pc *PipelineContext) SetOutput(stage string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encode output of stage %s", stage)
	}
	if pc.Outputs == nil {
		pc.Outputs = map[string]StageOutput{}
	}
	pc.Outputs[stage] = StageOutput{Kind: StageOutputJSON, Version: 1, Data: data}
	return nil
}

// Output decodes the output of stage into v. ok is false when stage left no output.
func (pc *PipelineContext) Output(stage string, v interface{}) (ok bool, err error) {
	out, found := pc.Outputs[stage]
	if !found || len(out.Data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(out.Data, v); err != nil {
		return true, errors.Wrapf(err, "decode output of stage %s", stage)
	}
	return true, nil
}

// Clone returns a deep copy; maps and slices are not shared with pc.
func (pc *PipelineContext) Clone() *PipelineContext {
	c := *pc
	c.OrganizationAndTeamData = cloneRaw(pc.OrganizationAndTeamData)
	c.Payload = cloneRaw(pc.Payload)
	c.Tasks = make(map[string]ExternalTask, len(pc.Tasks))
	for k, v := range pc.Tasks {
		c.Tasks[k] = v
	}
	c.Outputs = make(map[string]StageOutput, len(pc.Outputs))
	for k, v := range pc.Outputs {
		v.Data = cloneRaw(v.Data)
		c.Outputs[k] = v
	}
	c.Metadata = make(map[string]string, len(pc.Metadata))
	for k, v := range pc.Metadata {
		c.Metadata[k] = v
	}
	c.CompletedStages = append([]string{}, pc.CompletedStages...)
	if pc.StageErrors != nil {
		c.StageErrors = make([]StageFailure, len(pc.StageErrors))
		for i, f := range pc.StageErrors {
			if f.Classification != nil {
				cl := *f.Classification
				f.Classification = &cl
			}
			c.StageErrors[i] = f
		}
	}
	return &c
}

// Snapshot serializes the context for a job's pipelineState column.
func (pc *PipelineContext) Snapshot() (json.RawMessage, error) {
	if pc.Version == 0 {
		pc.Version = PipelineContextVersion
	}
	b, err := json.Marshal(pc)
	if err != nil {
		return nil, errors.Wrap(err, "snapshot pipeline context")
	}
	return b, nil
}

// RestorePipelineContext rebuilds a context from a snapshot.
func RestorePipelineContext(snapshot json.RawMessage) (*PipelineContext, error) {
	if len(snapshot) == 0 {
		return nil, errors.New("empty pipeline snapshot")
	}
	pc := &PipelineContext{}
	if err := json.Unmarshal(snapshot, pc); err != nil {
		return nil, errors.Wrap(err, "decode pipeline snapshot")
	}
	if pc.Version > PipelineContextVersion {
		return nil, errors.Errorf("pipeline snapshot version %d is newer than supported %d", pc.Version, PipelineContextVersion)
	}
	if pc.Tasks == nil {
		pc.Tasks = map[string]ExternalTask{}
	}
	if pc.Outputs == nil {
		pc.Outputs = map[string]StageOutput{}
	}
	if pc.Metadata == nil {
		pc.Metadata = map[string]string{}
	}
	if pc.CompletedStages == nil {
		pc.CompletedStages = []string{}
	}
	return pc, nil
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage{}, b...)
}
