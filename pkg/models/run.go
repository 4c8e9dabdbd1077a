package models

import "time"

type RunStatus string

const (
	PendingRunStatus    RunStatus = "PENDING"
	ValidatingRunStatus RunStatus = "VALIDATING"
	RunningRunStatus    RunStatus = "RUNNING"
	PausedRunStatus     RunStatus = "PAUSED"
	CompletedRunStatus  RunStatus = "COMPLETED"
	FailedRunStatus     RunStatus = "FAILED"
	CancelledRunStatus  RunStatus = "CANCELLED"
)

// Terminal reports whether a run in this status can still change state.
func (s RunStatus) Terminal() bool {
	switch s {
	case CompletedRunStatus, FailedRunStatus, CancelledRunStatus:
		return true
	}
	return false
}

// PipelineRun is one end-to-end execution attempt of the stage graph for one
// episode. It is mutated exclusively by the pipeline controller and persisted
// after every stage-status transition.
type PipelineRun struct {
	RunID           string            `json:"run_id" db:"run_id"`
	EpisodeID       int64             `json:"episode_id" db:"episode_id"`
	Variant         string            `json:"variant" db:"variant"`
	Status          RunStatus         `json:"status" db:"status"`
	CurrentStage    string            `json:"current_stage,omitempty" db:"current_stage"`
	CompletedStages []string          `json:"completed_stages" db:"-"`
	FailedStages    []string          `json:"failed_stages" db:"-"`
	SkippedStages   []string          `json:"skipped_stages" db:"-"`
	Progress        int               `json:"progress" db:"progress"` // 0-100, derived from stage state
	RetryCount      int               `json:"retry_count" db:"retry_count"`
	StartedAt       *time.Time        `json:"started_at,omitempty" db:"started_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
	ErrorMsg        string            `json:"error,omitempty" db:"error_msg"`
	Validation      *ValidationResult `json:"validation,omitempty" db:"-"`
}

// Resolved reports whether the given stage no longer needs execution in this
// run: it completed, failed terminally, or was skipped.
func (r *PipelineRun) Resolved(stageID string) bool {
	return contains(r.CompletedStages, stageID) ||
		contains(r.FailedStages, stageID) ||
		contains(r.SkippedStages, stageID)
}

// Completed reports whether the given stage finished successfully.
func (r *PipelineRun) Completed(stageID string) bool {
	return contains(r.CompletedStages, stageID)
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
