package storage

import (
	"sync"
	"time"

	"github.com/wyatt727/WDFWatch-sub001/pkg/models"
)

// mockStore implements Store with in-memory storage. Transactions are
// no-ops: every write is applied immediately, which is enough for tests.
type mockStore struct {
	mu        sync.RWMutex
	runs      []models.PipelineRun
	progress  []models.StageProgress
	errorCtxs []models.ErrorContext
	nextECID  int64 // For error context IDs
}

func NewMockStore() Store {
	return &mockStore{}
}

func (m *mockStore) Begin() (Store, error) {
	return m, nil
}

func (m *mockStore) Commit() error {
	return nil
}

func (m *mockStore) Rollback() error {
	return nil
}

func (m *mockStore) Close() error {
	return nil
}

func (m *mockStore) SaveRun(r models.PipelineRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.CompletedStages = append([]string(nil), r.CompletedStages...)
	r.FailedStages = append([]string(nil), r.FailedStages...)
	r.SkippedStages = append([]string(nil), r.SkippedStages...)
	for i, existing := range m.runs {
		if existing.RunID == r.RunID {
			m.runs[i] = r
			return nil
		}
	}
	m.runs = append(m.runs, r)
	return nil
}

func (m *mockStore) GetRun(runID string) (models.PipelineRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.runs {
		if r.RunID == runID {
			return r, nil
		}
	}
	return models.PipelineRun{}, ErrNotFound
}

func (m *mockStore) GetLatestRun(episodeID int64) (models.PipelineRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.runs) - 1; i >= 0; i-- {
		if m.runs[i].EpisodeID == episodeID {
			return m.runs[i], nil
		}
	}
	return models.PipelineRun{}, ErrNotFound
}

func (m *mockStore) GetActiveRun(episodeID int64) (models.PipelineRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.runs) - 1; i >= 0; i-- {
		if m.runs[i].EpisodeID == episodeID && !m.runs[i].Status.Terminal() {
			return m.runs[i], nil
		}
	}
	return models.PipelineRun{}, ErrNotFound
}

func (m *mockStore) ListRuns() ([]models.PipelineRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.PipelineRun, len(m.runs))
	copy(out, m.runs)
	return out, nil
}

func (m *mockStore) SaveStageProgress(p models.StageProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.progress {
		if existing.RunID == p.RunID && existing.StageID == p.StageID {
			m.progress[i] = p
			return nil
		}
	}
	m.progress = append(m.progress, p)
	return nil
}

func (m *mockStore) GetStageProgress(runID string) ([]models.StageProgress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.StageProgress
	for _, p := range m.progress {
		if p.RunID == runID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *mockStore) SaveErrorContext(ec models.ErrorContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextECID++
	ec.ID = m.nextECID
	m.errorCtxs = append(m.errorCtxs, ec)
	return nil
}

func (m *mockStore) ListErrorContexts(runID string) ([]models.ErrorContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ErrorContext
	for _, ec := range m.errorCtxs {
		if ec.RunID == runID {
			out = append(out, ec)
		}
	}
	return out, nil
}

func (m *mockStore) StageDurations(stageID string, limit int) ([]time.Duration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []time.Duration
	for _, p := range m.progress {
		if p.StageID == stageID && p.Status == models.CompletedStageStatus && p.DurationSeconds > 0 {
			out = append(out, time.Duration(p.DurationSeconds*float64(time.Second)))
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
