package models

import "time"

type StageStatus string

const (
	PendingStageStatus   StageStatus = "PENDING"
	RunningStageStatus   StageStatus = "RUNNING"
	CompletedStageStatus StageStatus = "COMPLETED"
	FailedStageStatus    StageStatus = "FAILED"
	SkippedStageStatus   StageStatus = "SKIPPED"
)

// StageDefinition describes one unit of pipeline work. Definitions are
// registered once at startup per pipeline variant and never mutated.
type StageDefinition struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	Description       string        `json:"description,omitempty"`
	Dependencies      []string      `json:"dependencies,omitempty"` // stage IDs that must be COMPLETED or SKIPPED first
	EstimatedDuration time.Duration `json:"estimated_duration"`
	Retryable         bool          `json:"retryable"`
	Critical          bool          `json:"critical"` // unrecoverable failure aborts the whole run
}

// StageMetrics carries throughput and cost figures reported by executors.
// They are observability data only and never gate control flow.
type StageMetrics struct {
	ItemsProcessed int     `json:"items_processed" db:"items_processed"`
	TotalItems     int     `json:"total_items" db:"total_items"`
	ProcessingRate float64 `json:"processing_rate" db:"processing_rate"` // items per minute
	APICallsUsed   int     `json:"api_calls_used" db:"api_calls_used"`
	TokensUsed     int     `json:"tokens_used" db:"tokens_used"`
	CostIncurred   float64 `json:"cost_incurred" db:"cost_incurred"`
}

// StageProgress is the per-stage, per-run progress snapshot. A new attempt
// creates a fresh snapshot; progress never decreases within one attempt.
type StageProgress struct {
	RunID            string       `json:"run_id" db:"run_id"`
	StageID          string       `json:"stage_id" db:"stage_id"`
	Name             string       `json:"name" db:"name"`
	Status           StageStatus  `json:"status" db:"status"`
	Progress         int          `json:"progress" db:"progress"` // 0-100
	StartedAt        *time.Time   `json:"started_at,omitempty" db:"started_at"`
	CompletedAt      *time.Time   `json:"completed_at,omitempty" db:"completed_at"`
	DurationSeconds  float64      `json:"duration_seconds" db:"duration_seconds"`
	EstimatedSeconds float64      `json:"estimated_seconds" db:"estimated_seconds"`
	RemainingSeconds float64      `json:"remaining_seconds" db:"remaining_seconds"`
	RetryCount       int          `json:"retry_count" db:"retry_count"`
	ErrorMsg         string       `json:"error,omitempty" db:"error_msg"`
	Metrics          StageMetrics `json:"metrics"`
}
