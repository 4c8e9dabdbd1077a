package pipeline_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/wyatt727/WDFWatch-sub001/pkg/models"
	"github.com/wyatt727/WDFWatch-sub001/pkg/pipeline"
)

func TestRegistry_Register(t *testing.T) {
	t.Run("ValidVariant", func(t *testing.T) {
		r := pipeline.NewRegistry()
		err := r.Register("custom", []models.StageDefinition{
			{ID: "a"},
			{ID: "b", Dependencies: []string{"a"}},
		})
		assert.NoError(t, err)

		order, err := r.ExecutionOrder("custom")
		assert.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, order)
	})

	t.Run("EmptyVariantName", func(t *testing.T) {
		r := pipeline.NewRegistry()
		err := r.Register("", []models.StageDefinition{{ID: "a"}})
		assert.Error(t, err)
	})

	t.Run("NoStages", func(t *testing.T) {
		r := pipeline.NewRegistry()
		err := r.Register("empty", nil)
		assert.Error(t, err)
	})

	t.Run("DuplicateStageID", func(t *testing.T) {
		r := pipeline.NewRegistry()
		err := r.Register("dup", []models.StageDefinition{{ID: "a"}, {ID: "a"}})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate stage 'a'")
	})

	t.Run("UnknownDependency", func(t *testing.T) {
		r := pipeline.NewRegistry()
		err := r.Register("bad", []models.StageDefinition{
			{ID: "a", Dependencies: []string{"ghost"}},
		})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "dependency 'ghost'")
	})

	t.Run("CycleDetected", func(t *testing.T) {
		r := pipeline.NewRegistry()
		err := r.Register("cyclic", []models.StageDefinition{
			{ID: "a", Dependencies: []string{"b"}},
			{ID: "b", Dependencies: []string{"a"}},
		})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "cycle")
	})
}

func TestRegistry_ExecutionOrder(t *testing.T) {
	t.Run("DependenciesBeforeDependents", func(t *testing.T) {
		r := pipeline.NewRegistry()
		err := r.Register("diamond", []models.StageDefinition{
			{ID: "final", Dependencies: []string{"left", "right"}},
			{ID: "left", Dependencies: []string{"root"}},
			{ID: "right", Dependencies: []string{"root"}},
			{ID: "root"},
		})
		assert.NoError(t, err)

		order, err := r.ExecutionOrder("diamond")
		assert.NoError(t, err)
		assert.Len(t, order, 4)
		pos := make(map[string]int, len(order))
		for i, id := range order {
			pos[id] = i
		}
		assert.Less(t, pos["root"], pos["left"])
		assert.Less(t, pos["root"], pos["right"])
		assert.Less(t, pos["left"], pos["final"])
		assert.Less(t, pos["right"], pos["final"])
	})

	t.Run("DeclarationOrderAmongReadyStages", func(t *testing.T) {
		r := pipeline.NewRegistry()
		err := r.Register("flat", []models.StageDefinition{
			{ID: "c"}, {ID: "a"}, {ID: "b"},
		})
		assert.NoError(t, err)

		order, err := r.ExecutionOrder("flat")
		assert.NoError(t, err)
		assert.Equal(t, []string{"c", "a", "b"}, order)
	})

	t.Run("UnknownVariant", func(t *testing.T) {
		r := pipeline.NewRegistry()
		_, err := r.ExecutionOrder("nope")
		assert.Error(t, err)
	})
}

func TestRegistry_Stage(t *testing.T) {
	r := pipeline.NewDefaultRegistry()

	stage, err := r.Stage(pipeline.DefaultVariant, "classify")
	assert.NoError(t, err)
	assert.Equal(t, "classify", stage.ID)
	assert.ElementsMatch(t, []string{"fetch_tweets", "summarize"}, stage.Dependencies)
	assert.True(t, stage.Critical)

	_, err = r.Stage(pipeline.DefaultVariant, "nope")
	assert.Error(t, err)
}

func TestDefaultRegistry(t *testing.T) {
	r := pipeline.NewDefaultRegistry()

	order, err := r.ExecutionOrder(pipeline.DefaultVariant)
	assert.NoError(t, err)
	assert.Equal(t, []string{"fetch_tweets", "summarize", "classify", "generate_responses", "moderate"}, order)

	stages, err := r.Stages(pipeline.DefaultVariant)
	assert.NoError(t, err)
	for _, st := range stages {
		assert.True(t, st.Retryable, "stage %s should be retryable", st.ID)
		assert.Greater(t, st.EstimatedDuration.Seconds(), 0.0, "stage %s needs a static estimate", st.ID)
	}

	fetch, _ := r.Stage(pipeline.DefaultVariant, "fetch_tweets")
	moderate, _ := r.Stage(pipeline.DefaultVariant, "moderate")
	assert.False(t, fetch.Critical)
	assert.False(t, moderate.Critical)
}
