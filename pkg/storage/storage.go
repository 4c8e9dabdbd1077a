package storage

import (
	"time"

	"github.com/pkg/errors"
	"github.com/wyatt727/WDFWatch-sub001/pkg/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the persistence operations for the pipeline orchestrator.
// Implementations must make SaveRun and SaveStageProgress upserts so that
// every stage-status transition can be written as a single consistent record.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Run operations
	SaveRun(r models.PipelineRun) error
	GetRun(runID string) (models.PipelineRun, error)
	GetLatestRun(episodeID int64) (models.PipelineRun, error)
	GetActiveRun(episodeID int64) (models.PipelineRun, error)
	ListRuns() ([]models.PipelineRun, error)

	// Stage progress operations
	SaveStageProgress(p models.StageProgress) error
	GetStageProgress(runID string) ([]models.StageProgress, error)

	// Error context operations
	SaveErrorContext(ec models.ErrorContext) error
	ListErrorContexts(runID string) ([]models.ErrorContext, error)

	// StageDurations returns up to limit durations of recently completed
	// executions of the given stage, oldest first.
	StageDurations(stageID string, limit int) ([]time.Duration, error)
}
