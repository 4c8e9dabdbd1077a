package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyatt727/WDFWatch-sub001/pkg/models"
	"github.com/wyatt727/WDFWatch-sub001/pkg/pipeline"
)

func TestCommandExecutor(t *testing.T) {
	t.Run("SuccessCapturesOutput", func(t *testing.T) {
		e := pipeline.NewCommandExecutor(map[string][]string{
			"summarize": {"sh", "-c", "echo done"},
		}, t.TempDir(), logger{})

		res, err := e.Execute(context.Background(), pipeline.ExecRequest{
			RunID: "r1", EpisodeID: 1, StageID: "summarize", Attempt: 1,
		})
		require.NoError(t, err)
		assert.Contains(t, res.Output, "done")
	})

	t.Run("EpisodeIDAppendedAsLastArgument", func(t *testing.T) {
		e := pipeline.NewCommandExecutor(map[string][]string{
			"summarize": {"sh", "-c", `echo "$0"`},
		}, t.TempDir(), logger{})

		res, err := e.Execute(context.Background(), pipeline.ExecRequest{
			RunID: "r1", EpisodeID: 123, StageID: "summarize", Attempt: 1,
		})
		require.NoError(t, err)
		assert.Contains(t, res.Output, "123")
	})

	t.Run("UnconfiguredStageFails", func(t *testing.T) {
		e := pipeline.NewCommandExecutor(nil, t.TempDir(), logger{})
		_, err := e.Execute(context.Background(), pipeline.ExecRequest{StageID: "ghost"})
		require.Error(t, err)
		assert.Equal(t, models.DataValidationError, pipeline.KindOf(err))
	})

	t.Run("FailureSurfacesStderr", func(t *testing.T) {
		e := pipeline.NewCommandExecutor(map[string][]string{
			"summarize": {"sh", "-c", "echo broken >&2; exit 1"},
		}, t.TempDir(), logger{})

		_, err := e.Execute(context.Background(), pipeline.ExecRequest{StageID: "summarize"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "broken")
	})

	t.Run("CancellationKillsProcess", func(t *testing.T) {
		e := pipeline.NewCommandExecutor(map[string][]string{
			"summarize": {"sleep", "30"},
		}, t.TempDir(), logger{})

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		start := time.Now()
		_, err := e.Execute(ctx, pipeline.ExecRequest{RunID: "r1", StageID: "summarize"})
		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), 5*time.Second, "cancellation did not kill the process")
	})
}

func TestStageError(t *testing.T) {
	base := pipeline.NewStageError(models.APIRateLimitError, "quota for episode %d", 9)
	assert.Equal(t, "quota for episode 9", base.Error())

	wrapped := pipeline.WrapStageError(models.StorageError, assert.AnError, "save failed")
	assert.Contains(t, wrapped.Error(), "save failed")
	assert.ErrorIs(t, wrapped, assert.AnError)
}
