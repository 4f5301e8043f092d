// Package workflows registers the workflow types stageflow ships with.
package workflows

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/models"
	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/pipeline"
	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/service"
	"github.com/pkg/errors"
)

// ApprovalEventType resumes a code review waiting for a human decision.
const ApprovalEventType = "review.approved"

// ApprovalTimeout is how long a review waits for approval.
const ApprovalTimeout = 24 * time.Hour

// Stage names of the code review pipeline.
const (
	LoadStage      = "load-pull-request"
	FilesStage     = "analyze-files"
	CrossFileStage = "cross-file-analysis"
	ApprovalStage  = "await-approval"
	PublishStage   = "publish-review"
)

// PullRequest is the payload of CODE_REVIEW and CROSS_FILE_ANALYSIS jobs.
type PullRequest struct {
	Repository string   `json:"repository"`
	Number     int      `json:"number"`
	Files      []string `json:"files"`
}

// ApprovalKey is the event key a review of pr waits on.
func ApprovalKey(pr PullRequest) string {
	return fmt.Sprintf("%s#%d", pr.Repository, pr.Number)
}

type FileReview struct {
	File     string `json:"file"`
	Language string `json:"language"`
}

// Approval is the payload of an ApprovalEventType event.
type Approval struct {
	Approved bool   `json:"approved"`
	Reviewer string `json:"reviewer"`
}

// Summary is the output of the publish stage.
type Summary struct {
	PullRequest string         `json:"pullRequest"`
	Files       int            `json:"files"`
	Directories map[string]int `json:"directories"`
	Approved    bool           `json:"approved"`
	Reviewer    string         `json:"reviewer,omitempty"`
}

// Register adds CODE_REVIEW, CROSS_FILE_ANALYSIS and WEBHOOK_PROCESSING to r.
func Register(r *service.Registry) error {
	if err := r.RegisterPipeline(models.CodeReviewWorkflow, "code-review", models.AsyncPipelineHandler, CodeReviewStages()); err != nil {
		return err
	}
	crossFile := []pipeline.Stage{
		pipeline.NewStage(LoadStage, nil, loadPullRequest),
		pipeline.NewStage(CrossFileStage, []string{LoadStage}, crossFileAnalysis),
	}
	if err := r.RegisterPipeline(models.CrossFileAnalysisWorkflow, "cross-file-analysis", models.SyncPipelineHandler, crossFile); err != nil {
		return err
	}
	return r.RegisterFunc(models.WebhookProcessingWorkflow, models.RawWebhookHandler, processWebhook)
}

// CodeReviewStages loads a pull request, analyzes it file by file and across
// files in parallel, waits for approval and publishes the review.
func CodeReviewStages() []pipeline.Stage {
	return []pipeline.Stage{
		pipeline.NewStage(LoadStage, nil, loadPullRequest),
		pipeline.NewStage(FilesStage, []string{LoadStage}, analyzeFiles),
		pipeline.NewStage(CrossFileStage, []string{LoadStage}, crossFileAnalysis),
		pipeline.NewStage(ApprovalStage, []string{FilesStage, CrossFileStage}, awaitApproval),
		pipeline.NewStage(PublishStage, []string{ApprovalStage}, publishReview),
	}
}

func loadPullRequest(_ context.Context, pc *models.PipelineContext) pipeline.Result {
	var pr PullRequest
	if err := json.Unmarshal(pc.Payload, &pr); err != nil {
		return pipeline.Failed(pipeline.Classify(errors.Wrap(err, "decode pull request"), models.PermanentError))
	}
	if pr.Repository == "" || pr.Number <= 0 {
		return pipeline.Failed(pipeline.Classify(errors.New("repository and number are required"), models.PermanentError))
	}
	if len(pr.Files) == 0 {
		pc.Skip("no files changed")
	}
	if err := pc.SetOutput(LoadStage, pr); err != nil {
		return pipeline.Failed(err)
	}
	return pipeline.Completed(pc)
}

func pullRequest(pc *models.PipelineContext) (PullRequest, error) {
	var pr PullRequest
	ok, err := pc.Output(LoadStage, &pr)
	if err != nil {
		return pr, err
	}
	if !ok {
		return pr, errors.Errorf("stage %s left no output", LoadStage)
	}
	return pr, nil
}

func analyzeFiles(ctx context.Context, pc *models.PipelineContext) pipeline.Result {
	pr, err := pullRequest(pc)
	if err != nil {
		return pipeline.Failed(err)
	}
	reviews := make([]FileReview, 0, len(pr.Files))
	for _, f := range pr.Files {
		if ctx.Err() != nil {
			return pipeline.Failed(ctx.Err())
		}
		reviews = append(reviews, FileReview{File: f, Language: language(f)})
	}
	if err := pc.SetOutput(FilesStage, reviews); err != nil {
		return pipeline.Failed(err)
	}
	return pipeline.Completed(pc)
}

func crossFileAnalysis(_ context.Context, pc *models.PipelineContext) pipeline.Result {
	pr, err := pullRequest(pc)
	if err != nil {
		return pipeline.Failed(err)
	}
	dirs := map[string]int{}
	for _, f := range pr.Files {
		dirs[path.Dir(f)]++
	}
	if err := pc.SetOutput(CrossFileStage, dirs); err != nil {
		return pipeline.Failed(err)
	}
	return pipeline.Completed(pc)
}

func awaitApproval(_ context.Context, pc *models.PipelineContext) pipeline.Result {
	pr, err := pullRequest(pc)
	if err != nil {
		return pipeline.Failed(err)
	}
	return pipeline.WaitFor(ApprovalEventType, ApprovalKey(pr), ApprovalTimeout)
}

func publishReview(_ context.Context, pc *models.PipelineContext) pipeline.Result {
	pr, err := pullRequest(pc)
	if err != nil {
		return pipeline.Failed(err)
	}
	var approval Approval
	if _, err := pc.Output(ApprovalStage, &approval); err != nil {
		return pipeline.Failed(pipeline.Classify(err, models.NonRetryableError))
	}
	dirs := map[string]int{}
	if _, err := pc.Output(CrossFileStage, &dirs); err != nil {
		return pipeline.Failed(err)
	}
	summary := Summary{
		PullRequest: ApprovalKey(pr),
		Files:       len(pr.Files),
		Directories: dirs,
		Approved:    approval.Approved,
		Reviewer:    approval.Reviewer,
	}
	if err := pc.SetOutput(PublishStage, summary); err != nil {
		return pipeline.Failed(err)
	}
	pc.Metadata["approved"] = fmt.Sprintf("%t", approval.Approved)
	return pipeline.Completed(pc)
}

var languages = map[string]string{
	".go": "go", ".ts": "typescript", ".js": "javascript", ".py": "python", ".java": "java", ".sql": "sql",
}

func language(file string) string {
	if l, ok := languages[path.Ext(file)]; ok {
		return l
	}
	return "unknown"
}

// processWebhook accepts any JSON object carrying an "event" field.
func processWebhook(_ context.Context, job models.WorkflowJob) error {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(job.Payload, &body); err != nil {
		return pipeline.Classify(errors.Wrap(err, "decode webhook"), models.NonRetryableError)
	}
	if _, ok := body["event"]; !ok {
		keys := make([]string, 0, len(body))
		for k := range body {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return pipeline.Classify(errors.Errorf("webhook has no event field (fields: %v)", keys), models.NonRetryableError)
	}
	return nil
}
