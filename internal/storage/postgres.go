package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/wyatt727/WDFWatch-sub001/pkg/models"
	"github.com/wyatt727/WDFWatch-sub001/pkg/storage"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Queryx(query string, args ...interface{}) (*sqlx.Rows, error)
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func InitStore(dbConnStr string) (*PostgresStore, error) {
	return NewPostgresStore(dbConnStr)
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// SaveRun upserts a run by run_id so every stage transition rewrites the
// full record in one statement.
func (s *PostgresStore) SaveRun(r models.PipelineRun) error {
	var validation []byte
	if r.Validation != nil {
		b, err := json.Marshal(r.Validation)
		if err != nil {
			return fmt.Errorf("marshal validation: %w", err)
		}
		validation = b
	}
	_, err := s.db.Exec(`
		INSERT INTO pipeline_runs
			(run_id, episode_id, variant, status, current_stage, completed_stages, failed_stages, skipped_stages,
			 progress, retry_count, started_at, completed_at, error_msg, validation)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (run_id) DO UPDATE SET
			status = EXCLUDED.status,
			current_stage = EXCLUDED.current_stage,
			completed_stages = EXCLUDED.completed_stages,
			failed_stages = EXCLUDED.failed_stages,
			skipped_stages = EXCLUDED.skipped_stages,
			progress = EXCLUDED.progress,
			retry_count = EXCLUDED.retry_count,
			completed_at = EXCLUDED.completed_at,
			error_msg = EXCLUDED.error_msg,
			validation = EXCLUDED.validation`,
		r.RunID, r.EpisodeID, r.Variant, r.Status, r.CurrentStage,
		pq.Array(r.CompletedStages), pq.Array(r.FailedStages), pq.Array(r.SkippedStages),
		r.Progress, r.RetryCount, r.StartedAt, r.CompletedAt, r.ErrorMsg, validation)
	if err != nil {
		return fmt.Errorf("save run %s: %w", r.RunID, err)
	}
	return nil
}

const runColumns = `run_id, episode_id, variant, status, current_stage, completed_stages, failed_stages,
	skipped_stages, progress, retry_count, started_at, completed_at, error_msg, validation`

func (s *PostgresStore) scanRun(row *sqlx.Row) (models.PipelineRun, error) {
	var r models.PipelineRun
	var completed, failed, skipped pq.StringArray
	var validation []byte
	err := row.Scan(&r.RunID, &r.EpisodeID, &r.Variant, &r.Status, &r.CurrentStage,
		&completed, &failed, &skipped, &r.Progress, &r.RetryCount,
		&r.StartedAt, &r.CompletedAt, &r.ErrorMsg, &validation)
	if err == sql.ErrNoRows {
		return models.PipelineRun{}, storage.ErrNotFound
	}
	if err != nil {
		return models.PipelineRun{}, err
	}
	r.CompletedStages = completed
	r.FailedStages = failed
	r.SkippedStages = skipped
	if len(validation) > 0 {
		var vr models.ValidationResult
		if err := json.Unmarshal(validation, &vr); err != nil {
			return models.PipelineRun{}, fmt.Errorf("unmarshal validation for run %s: %w", r.RunID, err)
		}
		r.Validation = &vr
	}
	return r, nil
}

func (s *PostgresStore) GetRun(runID string) (models.PipelineRun, error) {
	row := s.db.QueryRowx("SELECT "+runColumns+" FROM pipeline_runs WHERE run_id = $1", runID)
	return s.scanRun(row)
}

func (s *PostgresStore) GetLatestRun(episodeID int64) (models.PipelineRun, error) {
	row := s.db.QueryRowx(
		"SELECT "+runColumns+" FROM pipeline_runs WHERE episode_id = $1 ORDER BY started_at DESC LIMIT 1",
		episodeID)
	return s.scanRun(row)
}

func (s *PostgresStore) GetActiveRun(episodeID int64) (models.PipelineRun, error) {
	row := s.db.QueryRowx(
		`SELECT `+runColumns+` FROM pipeline_runs
		 WHERE episode_id = $1 AND status NOT IN ('COMPLETED', 'FAILED', 'CANCELLED')
		 ORDER BY started_at DESC LIMIT 1`,
		episodeID)
	return s.scanRun(row)
}

func (s *PostgresStore) ListRuns() ([]models.PipelineRun, error) {
	rows, err := s.db.Queryx("SELECT " + runColumns + " FROM pipeline_runs ORDER BY started_at DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []models.PipelineRun{}
	for rows.Next() {
		var r models.PipelineRun
		var completed, failed, skipped pq.StringArray
		var validation []byte
		if err := rows.Scan(&r.RunID, &r.EpisodeID, &r.Variant, &r.Status, &r.CurrentStage,
			&completed, &failed, &skipped, &r.Progress, &r.RetryCount,
			&r.StartedAt, &r.CompletedAt, &r.ErrorMsg, &validation); err != nil {
			return nil, err
		}
		r.CompletedStages = completed
		r.FailedStages = failed
		r.SkippedStages = skipped
		if len(validation) > 0 {
			var vr models.ValidationResult
			if err := json.Unmarshal(validation, &vr); err != nil {
				return nil, fmt.Errorf("unmarshal validation for run %s: %w", r.RunID, err)
			}
			r.Validation = &vr
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// SaveStageProgress upserts the snapshot of one stage attempt.
func (s *PostgresStore) SaveStageProgress(p models.StageProgress) error {
	_, err := s.db.Exec(`
		INSERT INTO stage_progress
			(run_id, stage_id, name, status, progress, started_at, completed_at, duration_seconds,
			 estimated_seconds, remaining_seconds, retry_count, error_msg,
			 items_processed, total_items, processing_rate, api_calls_used, tokens_used, cost_incurred)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (run_id, stage_id) DO UPDATE SET
			status = EXCLUDED.status,
			progress = EXCLUDED.progress,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			duration_seconds = EXCLUDED.duration_seconds,
			estimated_seconds = EXCLUDED.estimated_seconds,
			remaining_seconds = EXCLUDED.remaining_seconds,
			retry_count = EXCLUDED.retry_count,
			error_msg = EXCLUDED.error_msg,
			items_processed = EXCLUDED.items_processed,
			total_items = EXCLUDED.total_items,
			processing_rate = EXCLUDED.processing_rate,
			api_calls_used = EXCLUDED.api_calls_used,
			tokens_used = EXCLUDED.tokens_used,
			cost_incurred = EXCLUDED.cost_incurred`,
		p.RunID, p.StageID, p.Name, p.Status, p.Progress, p.StartedAt, p.CompletedAt, p.DurationSeconds,
		p.EstimatedSeconds, p.RemainingSeconds, p.RetryCount, p.ErrorMsg,
		p.Metrics.ItemsProcessed, p.Metrics.TotalItems, p.Metrics.ProcessingRate,
		p.Metrics.APICallsUsed, p.Metrics.TokensUsed, p.Metrics.CostIncurred)
	if err != nil {
		return fmt.Errorf("save stage progress %s/%s: %w", p.RunID, p.StageID, err)
	}
	return nil
}

func (s *PostgresStore) GetStageProgress(runID string) ([]models.StageProgress, error) {
	rows, err := s.db.Queryx(`
		SELECT run_id, stage_id, name, status, progress, started_at, completed_at, duration_seconds,
		       estimated_seconds, remaining_seconds, retry_count, error_msg,
		       items_processed, total_items, processing_rate, api_calls_used, tokens_used, cost_incurred
		FROM stage_progress WHERE run_id = $1 ORDER BY started_at`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.StageProgress
	for rows.Next() {
		var p models.StageProgress
		if err := rows.Scan(&p.RunID, &p.StageID, &p.Name, &p.Status, &p.Progress, &p.StartedAt,
			&p.CompletedAt, &p.DurationSeconds, &p.EstimatedSeconds, &p.RemainingSeconds,
			&p.RetryCount, &p.ErrorMsg, &p.Metrics.ItemsProcessed, &p.Metrics.TotalItems,
			&p.Metrics.ProcessingRate, &p.Metrics.APICallsUsed, &p.Metrics.TokensUsed,
			&p.Metrics.CostIncurred); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveErrorContext(ec models.ErrorContext) error {
	systemState, err := json.Marshal(ec.SystemState)
	if err != nil {
		return fmt.Errorf("marshal system state: %w", err)
	}
	suggested, err := json.Marshal(ec.Suggested)
	if err != nil {
		return fmt.Errorf("marshal suggested action: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO error_contexts
			(run_id, episode_id, stage_id, kind, message, attempt, system_state, suggested_action, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ec.RunID, ec.EpisodeID, ec.StageID, ec.Kind, ec.Message, ec.Attempt, systemState, suggested, ec.OccurredAt)
	if err != nil {
		return fmt.Errorf("save error context: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListErrorContexts(runID string) ([]models.ErrorContext, error) {
	rows, err := s.db.Queryx(`
		SELECT id, run_id, episode_id, stage_id, kind, message, attempt, system_state, suggested_action, occurred_at
		FROM error_contexts WHERE run_id = $1 ORDER BY occurred_at`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ErrorContext
	for rows.Next() {
		var ec models.ErrorContext
		var systemState, suggested []byte
		if err := rows.Scan(&ec.ID, &ec.RunID, &ec.EpisodeID, &ec.StageID, &ec.Kind, &ec.Message,
			&ec.Attempt, &systemState, &suggested, &ec.OccurredAt); err != nil {
			return nil, err
		}
		if len(systemState) > 0 {
			if err := json.Unmarshal(systemState, &ec.SystemState); err != nil {
				return nil, fmt.Errorf("unmarshal system state: %w", err)
			}
		}
		if len(suggested) > 0 {
			if err := json.Unmarshal(suggested, &ec.Suggested); err != nil {
				return nil, fmt.Errorf("unmarshal suggested action: %w", err)
			}
		}
		out = append(out, ec)
	}
	return out, rows.Err()
}

// StageDurations returns the most recent completed durations for a stage,
// oldest first, feeding the progress tracker's rolling history.
func (s *PostgresStore) StageDurations(stageID string, limit int) ([]time.Duration, error) {
	var seconds []float64
	err := s.db.Select(&seconds, `
		SELECT duration_seconds FROM (
			SELECT duration_seconds, completed_at FROM stage_progress
			WHERE stage_id = $1 AND status = 'COMPLETED' AND duration_seconds > 0
			ORDER BY completed_at DESC LIMIT $2
		) recent ORDER BY completed_at ASC`, stageID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]time.Duration, len(seconds))
	for i, s := range seconds {
		out[i] = time.Duration(s * float64(time.Second))
	}
	return out, nil
}
