package models

import "time"

// ErrorKind is the closed classification of stage failure causes.
type ErrorKind string

const (
	NetworkTimeoutError        ErrorKind = "network_timeout"
	APIRateLimitError          ErrorKind = "api_rate_limit"
	AuthenticationFailureError ErrorKind = "authentication_failure"
	ModelUnavailableError      ErrorKind = "model_unavailable"
	InsufficientResourcesError ErrorKind = "insufficient_resources"
	DataValidationError        ErrorKind = "data_validation_error"
	FileAccessError            ErrorKind = "file_access_error"
	StorageError               ErrorKind = "storage_error"
	ProcessTerminatedError     ErrorKind = "process_terminated"
	UnknownError               ErrorKind = "unknown_error"
)

// ActionType enumerates the classifier's recovery recommendations.
type ActionType string

const (
	RetryAction              ActionType = "retry"
	SkipAction               ActionType = "skip"
	RollbackAction           ActionType = "rollback"
	ManualInterventionAction ActionType = "manual_intervention"
	AbortAction              ActionType = "abort"
)

type RiskLevel string

const (
	LowRisk    RiskLevel = "low"
	MediumRisk RiskLevel = "medium"
	HighRisk   RiskLevel = "high"
)

// ServiceHealth is the result of probing an external dependency.
type ServiceHealth string

const (
	AvailableServiceHealth   ServiceHealth = "available"
	DegradedServiceHealth    ServiceHealth = "degraded"
	UnavailableServiceHealth ServiceHealth = "unavailable"
)

// RecoveryAction is the classifier's recommendation for a failure, with
// enough metadata for an operator to act on non-automated actions.
type RecoveryAction struct {
	Type                ActionType    `json:"type"`
	Description         string        `json:"description"`
	Automated           bool          `json:"automated"`
	Delay               time.Duration `json:"delay,omitempty"` // retry backoff, when Type is retry
	EstimatedResolution time.Duration `json:"estimated_resolution,omitempty"`
	Risk                RiskLevel     `json:"risk"`
	Prerequisites       []string      `json:"prerequisites,omitempty"` // human-actionable steps for manual actions
}

// ErrorContext records one observed stage failure together with the system
// health snapshot and the recommended recovery action. Immutable once created;
// persisted for audit and analytics.
type ErrorContext struct {
	ID          int64                    `json:"id" db:"id"`
	RunID       string                   `json:"run_id" db:"run_id"`
	EpisodeID   int64                    `json:"episode_id" db:"episode_id"`
	StageID     string                   `json:"stage_id" db:"stage_id"`
	Kind        ErrorKind                `json:"kind" db:"kind"`
	Message     string                   `json:"message" db:"message"`
	Attempt     int                      `json:"attempt" db:"attempt"`
	SystemState map[string]ServiceHealth `json:"system_state,omitempty"`
	Suggested   RecoveryAction           `json:"suggested_action"`
	OccurredAt  time.Time                `json:"occurred_at" db:"occurred_at"`
}
