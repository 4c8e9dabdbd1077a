package pipeline

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/wyatt727/WDFWatch-sub001/pkg/models"
	"github.com/wyatt727/WDFWatch-sub001/pkg/storage"
)

// minTranscriptLength is the shortest transcript considered usable.
const minTranscriptLength = 100

// EpisodeSource provides read access to the external episode entity. The
// orchestrator only ever needs the transcript for pre-flight validation.
type EpisodeSource interface {
	GetTranscript(ctx context.Context, episodeID int64) (string, error)
}

// CheckFunc is one independent readiness check. Implementations must not
// panic or block indefinitely; the validator recovers panics into failed
// checks and bounds the whole battery with the caller's context.
type CheckFunc func(ctx context.Context, episodeID int64) models.ValidationCheck

// Validator runs the pre-flight check battery before the controller starts
// real work. Each check is independent; a throwing check becomes a failed
// check, never an aborted validation.
type Validator struct {
	checks []CheckFunc
	logger Logger
}

func NewValidator(logger Logger, checks ...CheckFunc) *Validator {
	return &Validator{checks: checks, logger: logger}
}

// NewDefaultValidator wires the standard battery: transcript present,
// credentials configured, model service reachable, state store accessible,
// working directory writable.
func NewDefaultValidator(logger Logger, episodes EpisodeSource, probe HealthProbe, store storage.Store, workDir string, credentialEnvVars []string) *Validator {
	return NewValidator(logger,
		TranscriptCheck(episodes),
		CredentialsCheck(credentialEnvVars),
		ModelServiceCheck(probe),
		StorageCheck(store),
		WorkDirCheck(workDir),
	)
}

// Validate runs every check and aggregates the results. The score is
// round(100 * passed / total); validity is gated only by critical-category
// checks.
func (v *Validator) Validate(ctx context.Context, episodeID int64) models.ValidationResult {
	result := models.ValidationResult{IsValid: true}
	passed := 0
	for _, check := range v.checks {
		c := v.runCheck(ctx, episodeID, check)
		result.Checks = append(result.Checks, c)
		switch {
		case c.Status == models.PassCheckStatus:
			passed++
		case c.Status == models.FailCheckStatus && c.Category == models.CriticalCheckCategory:
			result.IsValid = false
			result.Errors = append(result.Errors, c.Message)
			result.EstimatedFixTime += c.ResolutionTime
		case c.Status == models.FailCheckStatus:
			result.Warnings = append(result.Warnings, c.Message)
			result.EstimatedFixTime += c.ResolutionTime
		}
	}
	if len(result.Checks) > 0 {
		result.Score = int(math.Round(100 * float64(passed) / float64(len(result.Checks))))
	}
	return result
}

// runCheck executes one check, converting panics into a failed check.
func (v *Validator) runCheck(ctx context.Context, episodeID int64, check CheckFunc) (c models.ValidationCheck) {
	defer func() {
		if r := recover(); r != nil {
			v.logger.Errorf("Validation check panicked for episode %d: %v", episodeID, r)
			c = models.ValidationCheck{
				ID:       "panicked_check",
				Category: models.CriticalCheckCategory,
				Status:   models.FailCheckStatus,
				Message:  fmt.Sprintf("check panicked: %v", r),
			}
		}
	}()
	return check(ctx, episodeID)
}

// TranscriptCheck verifies the episode has a non-trivial transcript.
func TranscriptCheck(episodes EpisodeSource) CheckFunc {
	return func(ctx context.Context, episodeID int64) models.ValidationCheck {
		c := models.ValidationCheck{
			ID:       "episode_transcript",
			Category: models.CriticalCheckCategory,
		}
		transcript, err := episodes.GetTranscript(ctx, episodeID)
		switch {
		case err != nil:
			c.Status = models.FailCheckStatus
			c.Message = fmt.Sprintf("failed to load transcript for episode %d: %v", episodeID, err)
			c.Suggestion = "upload a transcript for this episode"
			c.ResolutionTime = 15 * time.Minute
		case len(transcript) < minTranscriptLength:
			c.Status = models.FailCheckStatus
			c.Message = fmt.Sprintf("transcript for episode %d is too short (%d chars)", episodeID, len(transcript))
			c.Suggestion = "verify the transcript upload completed"
			c.ResolutionTime = 15 * time.Minute
		default:
			c.Status = models.PassCheckStatus
			c.Message = fmt.Sprintf("transcript present (%d chars)", len(transcript))
		}
		return c
	}
}

// CredentialsCheck verifies that every required credential env var is set.
func CredentialsCheck(envVars []string) CheckFunc {
	return func(_ context.Context, _ int64) models.ValidationCheck {
		c := models.ValidationCheck{
			ID:       "credentials",
			Category: models.CriticalCheckCategory,
		}
		var missing []string
		for _, name := range envVars {
			if os.Getenv(name) == "" {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			c.Status = models.FailCheckStatus
			c.Message = fmt.Sprintf("missing credentials: %v", missing)
			c.Suggestion = "set the listed environment variables"
			c.ResolutionTime = 10 * time.Minute
			return c
		}
		c.Status = models.PassCheckStatus
		c.Message = "all required credentials configured"
		return c
	}
}

// ModelServiceCheck probes the LLM service. Degraded health is a warning,
// not a blocker.
func ModelServiceCheck(probe HealthProbe) CheckFunc {
	return func(ctx context.Context, _ int64) models.ValidationCheck {
		c := models.ValidationCheck{
			ID:       "model_service",
			Category: models.WarningCheckCategory,
		}
		switch probe.CheckServiceHealth(ctx, LLMService) {
		case models.AvailableServiceHealth:
			c.Status = models.PassCheckStatus
			c.Message = "model service reachable"
		case models.DegradedServiceHealth:
			c.Status = models.FailCheckStatus
			c.Message = "model service is degraded"
			c.Suggestion = "expect slow stage execution; consider waiting"
			c.ResolutionTime = 10 * time.Minute
		default:
			c.Status = models.FailCheckStatus
			c.Message = "model service unreachable"
			c.Suggestion = "start the local model service or check provider status"
			c.ResolutionTime = 20 * time.Minute
		}
		return c
	}
}

// StorageCheck verifies the state store answers queries.
func StorageCheck(store storage.Store) CheckFunc {
	return func(_ context.Context, _ int64) models.ValidationCheck {
		c := models.ValidationCheck{
			ID:       "state_store",
			Category: models.CriticalCheckCategory,
		}
		if _, err := store.ListRuns(); err != nil {
			c.Status = models.FailCheckStatus
			c.Message = fmt.Sprintf("state store not accessible: %v", err)
			c.Suggestion = "check the database connection string and that migrations ran"
			c.ResolutionTime = 20 * time.Minute
			return c
		}
		c.Status = models.PassCheckStatus
		c.Message = "state store accessible"
		return c
	}
}

// WorkDirCheck verifies the working directory exists and is writable.
func WorkDirCheck(dir string) CheckFunc {
	return func(_ context.Context, _ int64) models.ValidationCheck {
		c := models.ValidationCheck{
			ID:       "working_directory",
			Category: models.CriticalCheckCategory,
		}
		if dir == "" {
			c.Status = models.SkipCheckStatus
			c.Message = "no working directory configured"
			return c
		}
		probe := filepath.Join(dir, ".writecheck")
		if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
			c.Status = models.FailCheckStatus
			c.Message = fmt.Sprintf("working directory not writable: %v", err)
			c.Suggestion = "create the directory and fix permissions"
			c.ResolutionTime = 15 * time.Minute
			return c
		}
		_ = os.Remove(probe)
		c.Status = models.PassCheckStatus
		c.Message = "working directory writable"
		return c
	}
}
