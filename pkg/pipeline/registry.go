package pipeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/wyatt727/WDFWatch-sub001/pkg/models"
)

// DefaultVariant is the standard episode pipeline.
const DefaultVariant = "episode"

// Registry holds the static stage definitions per pipeline variant.
// Registration validates the dependency graph once; lookups afterwards are
// pure reads.
type Registry struct {
	mu       sync.RWMutex
	variants map[string][]models.StageDefinition
	orders   map[string][]string // topological order, stable wrt declaration order
}

func NewRegistry() *Registry {
	return &Registry{
		variants: make(map[string][]models.StageDefinition),
		orders:   make(map[string][]string),
	}
}

// Register adds a pipeline variant. It fails if a stage ID repeats, a
// dependency refers to a stage outside the variant, or the graph has a cycle.
// This is a configuration error and callers are expected to treat it as fatal
// at process startup.
func (r *Registry) Register(variant string, stages []models.StageDefinition) error {
	if variant == "" {
		return errors.New("empty variant name")
	}
	if len(stages) == 0 {
		return errors.Errorf("variant '%s' has no stages", variant)
	}

	byID := make(map[string]models.StageDefinition, len(stages))
	for _, st := range stages {
		if st.ID == "" {
			return errors.Errorf("variant '%s' contains a stage with empty ID", variant)
		}
		if _, ok := byID[st.ID]; ok {
			return errors.Errorf("duplicate stage '%s' in variant '%s'", st.ID, variant)
		}
		byID[st.ID] = st
	}
	for _, st := range stages {
		for _, dep := range st.Dependencies {
			if _, ok := byID[dep]; !ok {
				return errors.Errorf("dependency '%s' of stage '%s' not defined in variant '%s'", dep, st.ID, variant)
			}
		}
	}

	order, err := topologicalOrder(stages)
	if err != nil {
		return errors.Wrapf(err, "variant '%s'", variant)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.variants[variant] = stages
	r.orders[variant] = order
	return nil
}

// Stages returns the stage definitions of a variant in declaration order.
func (r *Registry) Stages(variant string) ([]models.StageDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stages, ok := r.variants[variant]
	if !ok {
		return nil, errors.Errorf("unknown pipeline variant '%s'", variant)
	}
	out := make([]models.StageDefinition, len(stages))
	copy(out, stages)
	return out, nil
}

// Stage looks up a single stage definition within a variant.
func (r *Registry) Stage(variant, stageID string) (models.StageDefinition, error) {
	stages, err := r.Stages(variant)
	if err != nil {
		return models.StageDefinition{}, err
	}
	for _, st := range stages {
		if st.ID == stageID {
			return st, nil
		}
	}
	return models.StageDefinition{}, errors.Errorf("unknown stage '%s' in variant '%s'", stageID, variant)
}

// ExecutionOrder returns the stage IDs of a variant in a valid topological
// order. Stages with no dependency relationship keep their declaration order.
func (r *Registry) ExecutionOrder(variant string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	order, ok := r.orders[variant]
	if !ok {
		return nil, errors.Errorf("unknown pipeline variant '%s'", variant)
	}
	out := make([]string, len(order))
	copy(out, order)
	return out, nil
}

// topologicalOrder computes a dependency-respecting total order, preferring
// declaration order among ready stages.
func topologicalOrder(stages []models.StageDefinition) ([]string, error) {
	resolved := make(map[string]bool, len(stages))
	var order []string
	for len(order) < len(stages) {
		progressed := false
		for _, st := range stages {
			if resolved[st.ID] {
				continue
			}
			ready := true
			for _, dep := range st.Dependencies {
				if !resolved[dep] {
					ready = false
					break
				}
			}
			if ready {
				resolved[st.ID] = true
				order = append(order, st.ID)
				progressed = true
			}
		}
		if !progressed {
			return nil, errors.New("cycle detected in stage dependencies")
		}
	}
	return order, nil
}

// DefaultStages returns the stage definitions of the standard episode
// pipeline: scrape recent tweets, summarize the transcript, classify tweets
// against the summary, generate responses, then moderate them.
func DefaultStages() []models.StageDefinition {
	return []models.StageDefinition{
		{
			ID:                "fetch_tweets",
			Name:              "Fetch Tweets",
			Description:       "Collect recent tweets matching the episode keywords",
			EstimatedDuration: 2 * time.Minute,
			Retryable:         true,
			Critical:          false,
		},
		{
			ID:                "summarize",
			Name:              "Summarize Transcript",
			Description:       "Produce the episode summary from the transcript",
			EstimatedDuration: 5 * time.Minute,
			Retryable:         true,
			Critical:          true,
		},
		{
			ID:                "classify",
			Name:              "Classify Tweets",
			Description:       "Match collected tweets against the episode summary",
			Dependencies:      []string{"fetch_tweets", "summarize"},
			EstimatedDuration: 3 * time.Minute,
			Retryable:         true,
			Critical:          true,
		},
		{
			ID:                "generate_responses",
			Name:              "Generate Responses",
			Description:       "Draft responses for classified tweets",
			Dependencies:      []string{"classify"},
			EstimatedDuration: 4 * time.Minute,
			Retryable:         true,
			Critical:          true,
		},
		{
			ID:                "moderate",
			Name:              "Moderate Responses",
			Description:       "Screen drafted responses before human approval",
			Dependencies:      []string{"generate_responses"},
			EstimatedDuration: 2 * time.Minute,
			Retryable:         true,
			Critical:          false,
		},
	}
}

// NewDefaultRegistry builds a registry with the standard episode pipeline
// registered. Panics on registration failure since the default stage set is
// compiled in.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	if err := r.Register(DefaultVariant, DefaultStages()); err != nil {
		panic(fmt.Sprintf("default pipeline registration: %v", err))
	}
	return r
}
