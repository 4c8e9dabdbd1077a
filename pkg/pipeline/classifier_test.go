package pipeline_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/wyatt727/WDFWatch-sub001/pkg/models"
	"github.com/wyatt727/WDFWatch-sub001/pkg/pipeline"
	"github.com/wyatt727/WDFWatch-sub001/pkg/storage"
)

type logger struct{}

func (l logger) Infof(format string, args ...interface{})  {}
func (l logger) Warnf(format string, args ...interface{})  {}
func (l logger) Errorf(format string, args ...interface{}) {}

// staticProbe reports a fixed health per service.
type staticProbe struct {
	health map[string]models.ServiceHealth
}

func (p staticProbe) CheckServiceHealth(_ context.Context, service string) models.ServiceHealth {
	if h, ok := p.health[service]; ok {
		return h
	}
	return models.AvailableServiceHealth
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := pipeline.RetryPolicy{
		BaseDelay:  2 * time.Second,
		MaxDelay:   60 * time.Second,
		Multiplier: 2.0,
	}

	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 8*time.Second, p.Delay(3))
	// Exponential growth caps at MaxDelay.
	assert.Equal(t, 60*time.Second, p.Delay(10))
	// Attempt below 1 behaves like the first attempt.
	assert.Equal(t, 2*time.Second, p.Delay(0))
}

func TestClassifier_CalculateDelay(t *testing.T) {
	store := storage.NewMockStore()

	t.Run("NoJitterIsExact", func(t *testing.T) {
		c := pipeline.NewClassifier(store, nil, logger{})
		p := pipeline.RetryPolicy{BaseDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2.0, Jitter: false}
		assert.Equal(t, time.Second, c.CalculateDelay(p, 1))
		assert.Equal(t, 2*time.Second, c.CalculateDelay(p, 2))
	})

	t.Run("JitterStaysWithinBounds", func(t *testing.T) {
		c := pipeline.NewClassifier(store, nil, logger{})
		c.SetSeed(42)
		p := pipeline.RetryPolicy{BaseDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2.0, Jitter: true}
		for attempt := 1; attempt <= 6; attempt++ {
			raw := p.Delay(attempt)
			d := c.CalculateDelay(p, attempt)
			assert.GreaterOrEqual(t, d, p.BaseDelay, "attempt %d fell below the base delay", attempt)
			assert.LessOrEqual(t, d, p.MaxDelay, "attempt %d exceeded the max delay", attempt)
			assert.GreaterOrEqual(t, float64(d), 0.75*float64(raw)-1, "attempt %d below jitter band", attempt)
			if raw < p.MaxDelay {
				assert.LessOrEqual(t, float64(d), 1.25*float64(raw)+1, "attempt %d above jitter band", attempt)
			}
		}
	})

	t.Run("SeededJitterIsReproducible", func(t *testing.T) {
		p := pipeline.RetryPolicy{BaseDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2.0, Jitter: true}
		c1 := pipeline.NewClassifier(store, nil, logger{})
		c2 := pipeline.NewClassifier(store, nil, logger{})
		c1.SetSeed(7)
		c2.SetSeed(7)
		for attempt := 1; attempt <= 5; attempt++ {
			assert.Equal(t, c1.CalculateDelay(p, attempt), c2.CalculateDelay(p, attempt))
		}
	})
}

func TestKindOf(t *testing.T) {
	t.Run("StageErrorWins", func(t *testing.T) {
		err := pipeline.NewStageError(models.APIRateLimitError, "slow down")
		assert.Equal(t, models.APIRateLimitError, pipeline.KindOf(err))

		wrapped := errors.Wrap(pipeline.WrapStageError(models.StorageError, fmt.Errorf("pq: gone"), "query"), "outer")
		assert.Equal(t, models.StorageError, pipeline.KindOf(wrapped))
	})

	t.Run("DeadlineExceeded", func(t *testing.T) {
		assert.Equal(t, models.NetworkTimeoutError, pipeline.KindOf(context.DeadlineExceeded))
	})

	t.Run("MessageHeuristics", func(t *testing.T) {
		cases := map[string]models.ErrorKind{
			"429 too many requests":               models.APIRateLimitError,
			"request timed out after 30s":         models.NetworkTimeoutError,
			"401 unauthorized":                    models.AuthenticationFailureError,
			"connection refused":                  models.ModelUnavailableError,
			"no space left on device":             models.InsufficientResourcesError,
			"open /tmp/x: no such file":           models.FileAccessError,
			"pq: connection reset":                models.StorageError,
			"signal: killed":                      models.ProcessTerminatedError,
			"invalid input: malformed transcript": models.DataValidationError,
			"something inexplicable":              models.UnknownError,
		}
		for msg, want := range cases {
			assert.Equal(t, want, pipeline.KindOf(fmt.Errorf("%s", msg)), "message %q", msg)
		}
	})

	t.Run("PatternPriority", func(t *testing.T) {
		// Rate limiting is checked before timeouts so a rate-limited request
		// that also mentions a timeout classifies as rate limit.
		assert.Equal(t, models.APIRateLimitError, pipeline.KindOf(fmt.Errorf("rate limit hit, request timed out")))
	})
}

func TestClassifier_Classify(t *testing.T) {
	stage := func(critical bool) models.StageDefinition {
		return models.StageDefinition{ID: "summarize", Retryable: true, Critical: critical}
	}
	run := &models.PipelineRun{RunID: "run-1", EpisodeID: 11}

	newClassifier := func(health map[string]models.ServiceHealth) (*pipeline.Classifier, storage.Store) {
		store := storage.NewMockStore()
		c := pipeline.NewClassifier(store, staticProbe{health: health}, logger{})
		c.SetPolicy("summarize", pipeline.RetryPolicy{
			MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2.0,
		})
		return c, store
	}

	t.Run("TransientRetriesWithBackoff", func(t *testing.T) {
		c, store := newClassifier(nil)
		ec := c.Classify(context.Background(), run, stage(true), 1,
			pipeline.NewStageError(models.NetworkTimeoutError, "timed out"))

		assert.Equal(t, models.NetworkTimeoutError, ec.Kind)
		assert.Equal(t, models.RetryAction, ec.Suggested.Type)
		assert.True(t, ec.Suggested.Automated)
		assert.Equal(t, time.Second, ec.Suggested.Delay)

		persisted, err := store.ListErrorContexts("run-1")
		assert.NoError(t, err)
		assert.Len(t, persisted, 1)
		assert.Equal(t, "summarize", persisted[0].StageID)
		assert.Equal(t, 1, persisted[0].Attempt)
	})

	t.Run("RateLimitWaitsMaxDelay", func(t *testing.T) {
		c, _ := newClassifier(nil)
		ec := c.Classify(context.Background(), run, stage(true), 1,
			pipeline.NewStageError(models.APIRateLimitError, "429"))
		assert.Equal(t, models.RetryAction, ec.Suggested.Type)
		assert.Equal(t, time.Minute, ec.Suggested.Delay)
	})

	t.Run("DegradedServiceWaitsMaxDelay", func(t *testing.T) {
		c, _ := newClassifier(map[string]models.ServiceHealth{
			pipeline.LLMService: models.DegradedServiceHealth,
		})
		ec := c.Classify(context.Background(), run, stage(true), 1,
			pipeline.NewStageError(models.NetworkTimeoutError, "timed out"))
		assert.Equal(t, models.RetryAction, ec.Suggested.Type)
		assert.Equal(t, time.Minute, ec.Suggested.Delay)
	})

	t.Run("ExhaustedCriticalAborts", func(t *testing.T) {
		c, _ := newClassifier(nil)
		ec := c.Classify(context.Background(), run, stage(true), 3,
			pipeline.NewStageError(models.NetworkTimeoutError, "timed out"))
		assert.Equal(t, models.AbortAction, ec.Suggested.Type)
		assert.False(t, ec.Suggested.Automated)
		assert.NotEmpty(t, ec.Suggested.Prerequisites)
	})

	t.Run("ExhaustedNonCriticalSkips", func(t *testing.T) {
		c, _ := newClassifier(nil)
		ec := c.Classify(context.Background(), run, stage(false), 3,
			pipeline.NewStageError(models.NetworkTimeoutError, "timed out"))
		assert.Equal(t, models.SkipAction, ec.Suggested.Type)
		assert.True(t, ec.Suggested.Automated)
	})

	t.Run("AuthenticationNeedsHuman", func(t *testing.T) {
		c, _ := newClassifier(nil)
		ec := c.Classify(context.Background(), run, stage(true), 1,
			pipeline.NewStageError(models.AuthenticationFailureError, "401"))
		assert.Equal(t, models.ManualInterventionAction, ec.Suggested.Type)
		assert.False(t, ec.Suggested.Automated)
		assert.NotEmpty(t, ec.Suggested.Prerequisites)
	})

	t.Run("ValidationErrorOnCriticalStageAborts", func(t *testing.T) {
		c, _ := newClassifier(nil)
		ec := c.Classify(context.Background(), run, stage(true), 1,
			pipeline.NewStageError(models.DataValidationError, "malformed"))
		assert.Equal(t, models.AbortAction, ec.Suggested.Type)
	})

	t.Run("ValidationErrorOnOptionalStageSkips", func(t *testing.T) {
		c, _ := newClassifier(nil)
		ec := c.Classify(context.Background(), run, stage(false), 1,
			pipeline.NewStageError(models.DataValidationError, "malformed"))
		assert.Equal(t, models.SkipAction, ec.Suggested.Type)
	})

	t.Run("ModelDownNeedsHuman", func(t *testing.T) {
		c, _ := newClassifier(map[string]models.ServiceHealth{
			pipeline.LLMService: models.UnavailableServiceHealth,
		})
		ec := c.Classify(context.Background(), run, stage(true), 1,
			pipeline.NewStageError(models.ModelUnavailableError, "connection refused"))
		assert.Equal(t, models.ManualInterventionAction, ec.Suggested.Type)
		assert.Equal(t, models.UnavailableServiceHealth, ec.SystemState[pipeline.LLMService])
	})

	t.Run("ModelErrorWithHealthyServiceRetries", func(t *testing.T) {
		c, _ := newClassifier(map[string]models.ServiceHealth{
			pipeline.LLMService: models.AvailableServiceHealth,
		})
		ec := c.Classify(context.Background(), run, stage(true), 1,
			pipeline.NewStageError(models.ModelUnavailableError, "503"))
		assert.Equal(t, models.RetryAction, ec.Suggested.Type)
	})

	t.Run("RepeatedKillRollsBack", func(t *testing.T) {
		c, _ := newClassifier(nil)
		ec := c.Classify(context.Background(), run, stage(true), 2,
			pipeline.NewStageError(models.ProcessTerminatedError, "signal: killed"))
		assert.Equal(t, models.RollbackAction, ec.Suggested.Type)
		assert.Equal(t, models.HighRisk, ec.Suggested.Risk)
	})

	t.Run("FirstKillRetries", func(t *testing.T) {
		c, _ := newClassifier(nil)
		ec := c.Classify(context.Background(), run, stage(true), 1,
			pipeline.NewStageError(models.ProcessTerminatedError, "signal: killed"))
		assert.Equal(t, models.RetryAction, ec.Suggested.Type)
	})

	t.Run("NonRetryableStageNeverRetries", func(t *testing.T) {
		c, _ := newClassifier(nil)
		st := models.StageDefinition{ID: "summarize", Retryable: false, Critical: true}
		ec := c.Classify(context.Background(), run, st, 1,
			pipeline.NewStageError(models.NetworkTimeoutError, "timed out"))
		assert.Equal(t, models.AbortAction, ec.Suggested.Type)
	})
}
