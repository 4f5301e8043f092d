package models

import "time"

// Execution log statuses. Stage rows use the stage outcome, job rows the job status.
const (
	StageStartedLog   = "STAGE_STARTED"
	StageCompletedLog = "STAGE_COMPLETED"
	StageFailedLog    = "STAGE_FAILED"
	StagePausedLog    = "STAGE_PAUSED"
	StageResumedLog   = "STAGE_RESUMED"
)

// ExecutionLog tracks the history of a job for auditing.
type ExecutionLog struct {
	ID       int64     `json:"id" db:"id"`                     // Auto-incremented log ID
	JobID    string    `json:"jobId" db:"job_id"`              // Job being logged
	Stage    string    `json:"stage,omitempty" db:"stage"`     // Empty for job-level entries
	Status   string    `json:"status" db:"status"`             // Stage outcome or job status
	Message  string    `json:"message,omitempty" db:"message"` // Details (e.g., error or event key)
	LoggedAt time.Time `json:"loggedAt" db:"logged_at"`        // Timestamp of log entry
}
