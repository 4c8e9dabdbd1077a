package models

import "time"

type CheckCategory string

const (
	CriticalCheckCategory CheckCategory = "critical"
	WarningCheckCategory  CheckCategory = "warning"
	InfoCheckCategory     CheckCategory = "info"
)

type CheckStatus string

const (
	PassCheckStatus    CheckStatus = "pass"
	FailCheckStatus    CheckStatus = "fail"
	SkipCheckStatus    CheckStatus = "skip"
	PendingCheckStatus CheckStatus = "pending"
)

// ValidationCheck is one independent pre-flight check result.
type ValidationCheck struct {
	ID             string        `json:"id"`
	Category       CheckCategory `json:"category"`
	Status         CheckStatus   `json:"status"`
	Message        string        `json:"message"`
	Suggestion     string        `json:"suggestion,omitempty"`
	ResolutionTime time.Duration `json:"resolution_time,omitempty"`
}

// ValidationResult aggregates the pre-flight check battery for one episode.
// IsValid is true iff no critical-category check failed.
type ValidationResult struct {
	IsValid          bool              `json:"is_valid"`
	Score            int               `json:"score"` // round(100 * passed / total)
	Checks           []ValidationCheck `json:"checks"`
	Errors           []string          `json:"errors,omitempty"`
	Warnings         []string          `json:"warnings,omitempty"`
	EstimatedFixTime time.Duration     `json:"estimated_fix_time,omitempty"`
}
