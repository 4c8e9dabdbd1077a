package storage_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	internal_storage "github.com/wyatt727/WDFWatch-sub001/internal/storage"
	"github.com/wyatt727/WDFWatch-sub001/internal/testutil"
	"github.com/wyatt727/WDFWatch-sub001/pkg/models"
	"github.com/wyatt727/WDFWatch-sub001/pkg/storage"
)

func TestPostgresStore(t *testing.T) {
	testDB := testutil.SetupTestDB(t)
	defer testDB.Teardown(t)

	// Helper to create a transactional store rolled back after the subtest
	newTxStore := func(t *testing.T) *internal_storage.PostgresStore {
		store, err := internal_storage.NewPostgresStore(testDB.ConnStr)
		assert.NoError(t, err)
		txStore, err := store.Begin()
		assert.NoError(t, err)
		t.Cleanup(func() { txStore.Rollback() })
		return txStore.(*internal_storage.PostgresStore)
	}

	newRun := func(runID string, episodeID int64, status models.RunStatus) models.PipelineRun {
		started := time.Now().UTC().Truncate(time.Millisecond)
		return models.PipelineRun{
			RunID:     runID,
			EpisodeID: episodeID,
			Variant:   "episode",
			Status:    status,
			StartedAt: &started,
		}
	}

	t.Run("SaveAndGetRun", func(t *testing.T) {
		store := newTxStore(t)
		run := newRun("run-1", 1, models.RunningRunStatus)
		run.CurrentStage = "summarize"
		run.CompletedStages = []string{"fetch_tweets"}
		run.Progress = 20
		assert.NoError(t, store.SaveRun(run))

		saved, err := store.GetRun("run-1")
		assert.NoError(t, err)
		assert.Equal(t, run.EpisodeID, saved.EpisodeID)
		assert.Equal(t, models.RunningRunStatus, saved.Status)
		assert.Equal(t, "summarize", saved.CurrentStage)
		assert.Equal(t, []string{"fetch_tweets"}, []string(saved.CompletedStages))
		assert.Equal(t, 20, saved.Progress)
	})

	t.Run("SaveRunUpserts", func(t *testing.T) {
		store := newTxStore(t)
		run := newRun("run-2", 2, models.RunningRunStatus)
		assert.NoError(t, store.SaveRun(run))

		completed := time.Now().UTC()
		run.Status = models.CompletedRunStatus
		run.Progress = 100
		run.CompletedAt = &completed
		run.CompletedStages = []string{"fetch_tweets", "summarize", "classify", "generate_responses", "moderate"}
		assert.NoError(t, store.SaveRun(run))

		saved, err := store.GetRun("run-2")
		assert.NoError(t, err)
		assert.Equal(t, models.CompletedRunStatus, saved.Status)
		assert.Equal(t, 100, saved.Progress)
		assert.Len(t, saved.CompletedStages, 5)
		assert.NotNil(t, saved.CompletedAt)
	})

	t.Run("ValidationRoundTrip", func(t *testing.T) {
		store := newTxStore(t)
		run := newRun("run-3", 3, models.FailedRunStatus)
		run.Validation = &models.ValidationResult{
			IsValid: false,
			Score:   40,
			Errors:  []string{"transcript missing"},
			Checks: []models.ValidationCheck{
				{ID: "episode_transcript", Category: models.CriticalCheckCategory, Status: models.FailCheckStatus},
			},
		}
		assert.NoError(t, store.SaveRun(run))

		saved, err := store.GetRun("run-3")
		assert.NoError(t, err)
		assert.NotNil(t, saved.Validation)
		assert.False(t, saved.Validation.IsValid)
		assert.Equal(t, 40, saved.Validation.Score)
		assert.Len(t, saved.Validation.Checks, 1)
	})

	t.Run("GetNonExistingRun", func(t *testing.T) {
		store := newTxStore(t)
		_, err := store.GetRun("ghost")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("GetLatestRun", func(t *testing.T) {
		store := newTxStore(t)
		first := newRun("run-4a", 4, models.CompletedRunStatus)
		earlier := first.StartedAt.Add(-time.Hour)
		first.StartedAt = &earlier
		assert.NoError(t, store.SaveRun(first))
		assert.NoError(t, store.SaveRun(newRun("run-4b", 4, models.RunningRunStatus)))

		latest, err := store.GetLatestRun(4)
		assert.NoError(t, err)
		assert.Equal(t, "run-4b", latest.RunID)
	})

	t.Run("GetActiveRunIgnoresTerminal", func(t *testing.T) {
		store := newTxStore(t)
		assert.NoError(t, store.SaveRun(newRun("run-5a", 5, models.CompletedRunStatus)))

		_, err := store.GetActiveRun(5)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		assert.NoError(t, store.SaveRun(newRun("run-5b", 5, models.PausedRunStatus)))
		active, err := store.GetActiveRun(5)
		assert.NoError(t, err)
		assert.Equal(t, "run-5b", active.RunID)
	})

	t.Run("StageProgressUpsert", func(t *testing.T) {
		store := newTxStore(t)
		assert.NoError(t, store.SaveRun(newRun("run-6", 6, models.RunningRunStatus)))

		started := time.Now().UTC()
		sp := models.StageProgress{
			RunID: "run-6", StageID: "summarize", Name: "Summarize Transcript",
			Status: models.RunningStageStatus, Progress: 30, StartedAt: &started,
			Metrics: models.StageMetrics{ItemsProcessed: 3, TotalItems: 10},
		}
		assert.NoError(t, store.SaveStageProgress(sp))

		sp.Status = models.CompletedStageStatus
		sp.Progress = 100
		sp.DurationSeconds = 42.5
		assert.NoError(t, store.SaveStageProgress(sp))

		all, err := store.GetStageProgress("run-6")
		assert.NoError(t, err)
		assert.Len(t, all, 1)
		assert.Equal(t, models.CompletedStageStatus, all[0].Status)
		assert.Equal(t, 42.5, all[0].DurationSeconds)
		assert.Equal(t, 3, all[0].Metrics.ItemsProcessed)
	})

	t.Run("ErrorContextRoundTrip", func(t *testing.T) {
		store := newTxStore(t)
		assert.NoError(t, store.SaveRun(newRun("run-7", 7, models.RunningRunStatus)))

		ec := models.ErrorContext{
			RunID: "run-7", EpisodeID: 7, StageID: "summarize",
			Kind: models.NetworkTimeoutError, Message: "timed out", Attempt: 2,
			SystemState: map[string]models.ServiceHealth{"llm": models.DegradedServiceHealth},
			Suggested: models.RecoveryAction{
				Type: models.RetryAction, Automated: true, Delay: 4 * time.Second, Risk: models.LowRisk,
			},
			OccurredAt: time.Now().UTC(),
		}
		assert.NoError(t, store.SaveErrorContext(ec))

		contexts, err := store.ListErrorContexts("run-7")
		assert.NoError(t, err)
		assert.Len(t, contexts, 1)
		assert.Greater(t, contexts[0].ID, int64(0))
		assert.Equal(t, models.NetworkTimeoutError, contexts[0].Kind)
		assert.Equal(t, models.DegradedServiceHealth, contexts[0].SystemState["llm"])
		assert.Equal(t, models.RetryAction, contexts[0].Suggested.Type)
		assert.Equal(t, 4*time.Second, contexts[0].Suggested.Delay)
	})

	t.Run("StageDurationsHistory", func(t *testing.T) {
		store := newTxStore(t)
		assert.NoError(t, store.SaveRun(newRun("run-8", 8, models.CompletedRunStatus)))
		assert.NoError(t, store.SaveRun(newRun("run-9", 9, models.CompletedRunStatus)))

		for i, runID := range []string{"run-8", "run-9"} {
			started := time.Now().UTC().Add(-time.Duration(2-i) * time.Hour)
			completed := started.Add(time.Duration(i+1) * time.Minute)
			assert.NoError(t, store.SaveStageProgress(models.StageProgress{
				RunID: runID, StageID: "classify", Status: models.CompletedStageStatus,
				StartedAt: &started, CompletedAt: &completed,
				DurationSeconds: completed.Sub(started).Seconds(),
			}))
		}

		durations, err := store.StageDurations("classify", 10)
		assert.NoError(t, err)
		assert.Len(t, durations, 2)
		// Oldest first.
		assert.Equal(t, time.Minute, durations[0])
		assert.Equal(t, 2*time.Minute, durations[1])

		limited, err := store.StageDurations("classify", 1)
		assert.NoError(t, err)
		assert.Len(t, limited, 1)
		assert.Equal(t, 2*time.Minute, limited[0])
	})
}
