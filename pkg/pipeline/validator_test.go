package pipeline_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/wyatt727/WDFWatch-sub001/pkg/models"
	"github.com/wyatt727/WDFWatch-sub001/pkg/pipeline"
	"github.com/wyatt727/WDFWatch-sub001/pkg/storage"
)

type staticEpisodes struct {
	transcripts map[int64]string
	err         error
}

func (s staticEpisodes) GetTranscript(_ context.Context, episodeID int64) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.transcripts[episodeID], nil
}

func passingCheck(id string, category models.CheckCategory) pipeline.CheckFunc {
	return func(_ context.Context, _ int64) models.ValidationCheck {
		return models.ValidationCheck{ID: id, Category: category, Status: models.PassCheckStatus}
	}
}

func failingCheck(id string, category models.CheckCategory, fix time.Duration) pipeline.CheckFunc {
	return func(_ context.Context, _ int64) models.ValidationCheck {
		return models.ValidationCheck{
			ID: id, Category: category, Status: models.FailCheckStatus,
			Message: id + " failed", ResolutionTime: fix,
		}
	}
}

func TestValidator_Validate(t *testing.T) {
	t.Run("AllPassing", func(t *testing.T) {
		v := pipeline.NewValidator(logger{},
			passingCheck("a", models.CriticalCheckCategory),
			passingCheck("b", models.WarningCheckCategory),
		)
		result := v.Validate(context.Background(), 1)
		assert.True(t, result.IsValid)
		assert.Equal(t, 100, result.Score)
		assert.Empty(t, result.Errors)
		assert.Empty(t, result.Warnings)
	})

	t.Run("CriticalFailureInvalidates", func(t *testing.T) {
		v := pipeline.NewValidator(logger{},
			passingCheck("a", models.CriticalCheckCategory),
			failingCheck("b", models.CriticalCheckCategory, 10*time.Minute),
		)
		result := v.Validate(context.Background(), 1)
		assert.False(t, result.IsValid)
		assert.Equal(t, 50, result.Score)
		assert.Equal(t, []string{"b failed"}, result.Errors)
		assert.Equal(t, 10*time.Minute, result.EstimatedFixTime)
	})

	t.Run("WarningFailureOnlyWarns", func(t *testing.T) {
		v := pipeline.NewValidator(logger{},
			passingCheck("a", models.CriticalCheckCategory),
			failingCheck("b", models.WarningCheckCategory, 5*time.Minute),
			failingCheck("c", models.InfoCheckCategory, 0),
		)
		result := v.Validate(context.Background(), 1)
		assert.True(t, result.IsValid)
		assert.Empty(t, result.Errors)
		assert.Len(t, result.Warnings, 2)
		// round(100 * 1/3)
		assert.Equal(t, 33, result.Score)
	})

	t.Run("FixTimesAccumulate", func(t *testing.T) {
		v := pipeline.NewValidator(logger{},
			failingCheck("a", models.CriticalCheckCategory, 10*time.Minute),
			failingCheck("b", models.WarningCheckCategory, 5*time.Minute),
		)
		result := v.Validate(context.Background(), 1)
		assert.Equal(t, 15*time.Minute, result.EstimatedFixTime)
	})

	t.Run("PanickingCheckBecomesCriticalFailure", func(t *testing.T) {
		v := pipeline.NewValidator(logger{},
			passingCheck("a", models.CriticalCheckCategory),
			func(_ context.Context, _ int64) models.ValidationCheck {
				panic("boom")
			},
		)
		result := v.Validate(context.Background(), 1)
		assert.False(t, result.IsValid)
		assert.Len(t, result.Checks, 2)
		assert.Contains(t, result.Errors[0], "boom")
	})

	t.Run("NoChecksIsVacuouslyValid", func(t *testing.T) {
		v := pipeline.NewValidator(logger{})
		result := v.Validate(context.Background(), 1)
		assert.True(t, result.IsValid)
		assert.Equal(t, 0, result.Score)
	})
}

func TestTranscriptCheck(t *testing.T) {
	long := strings.Repeat("transcript ", 20)

	t.Run("PresentTranscriptPasses", func(t *testing.T) {
		check := pipeline.TranscriptCheck(staticEpisodes{transcripts: map[int64]string{7: long}})
		c := check(context.Background(), 7)
		assert.Equal(t, models.PassCheckStatus, c.Status)
		assert.Equal(t, models.CriticalCheckCategory, c.Category)
	})

	t.Run("ShortTranscriptFails", func(t *testing.T) {
		check := pipeline.TranscriptCheck(staticEpisodes{transcripts: map[int64]string{7: "too short"}})
		c := check(context.Background(), 7)
		assert.Equal(t, models.FailCheckStatus, c.Status)
		assert.Contains(t, c.Message, "too short")
	})

	t.Run("LoadErrorFails", func(t *testing.T) {
		check := pipeline.TranscriptCheck(staticEpisodes{err: fmt.Errorf("no transcript")})
		c := check(context.Background(), 7)
		assert.Equal(t, models.FailCheckStatus, c.Status)
		assert.NotEmpty(t, c.Suggestion)
	})
}

func TestCredentialsCheck(t *testing.T) {
	t.Run("AllSet", func(t *testing.T) {
		t.Setenv("WDFWATCH_TEST_CRED", "value")
		check := pipeline.CredentialsCheck([]string{"WDFWATCH_TEST_CRED"})
		c := check(context.Background(), 1)
		assert.Equal(t, models.PassCheckStatus, c.Status)
	})

	t.Run("MissingVarFails", func(t *testing.T) {
		check := pipeline.CredentialsCheck([]string{"WDFWATCH_TEST_CRED_DOES_NOT_EXIST"})
		c := check(context.Background(), 1)
		assert.Equal(t, models.FailCheckStatus, c.Status)
		assert.Contains(t, c.Message, "WDFWATCH_TEST_CRED_DOES_NOT_EXIST")
	})
}

func TestModelServiceCheck(t *testing.T) {
	t.Run("DegradedIsWarningCategory", func(t *testing.T) {
		check := pipeline.ModelServiceCheck(staticProbe{health: map[string]models.ServiceHealth{
			pipeline.LLMService: models.DegradedServiceHealth,
		}})
		c := check(context.Background(), 1)
		assert.Equal(t, models.FailCheckStatus, c.Status)
		assert.Equal(t, models.WarningCheckCategory, c.Category)
	})

	t.Run("AvailablePasses", func(t *testing.T) {
		check := pipeline.ModelServiceCheck(staticProbe{})
		c := check(context.Background(), 1)
		assert.Equal(t, models.PassCheckStatus, c.Status)
	})
}

func TestStorageCheck(t *testing.T) {
	check := pipeline.StorageCheck(storage.NewMockStore())
	c := check(context.Background(), 1)
	assert.Equal(t, models.PassCheckStatus, c.Status)
	assert.Equal(t, models.CriticalCheckCategory, c.Category)
}

func TestWorkDirCheck(t *testing.T) {
	t.Run("WritableDirPasses", func(t *testing.T) {
		check := pipeline.WorkDirCheck(t.TempDir())
		c := check(context.Background(), 1)
		assert.Equal(t, models.PassCheckStatus, c.Status)
	})

	t.Run("MissingDirFails", func(t *testing.T) {
		check := pipeline.WorkDirCheck("/nonexistent/wdfwatch")
		c := check(context.Background(), 1)
		assert.Equal(t, models.FailCheckStatus, c.Status)
	})

	t.Run("UnconfiguredDirSkips", func(t *testing.T) {
		check := pipeline.WorkDirCheck("")
		c := check(context.Background(), 1)
		assert.Equal(t, models.SkipCheckStatus, c.Status)
	})
}
