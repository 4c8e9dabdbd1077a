package pipeline

import (
	"sync"
	"time"

	"github.com/wyatt727/WDFWatch-sub001/pkg/models"
	"github.com/wyatt727/WDFWatch-sub001/pkg/storage"
)

const (
	// historySize bounds the rolling per-stage duration history.
	historySize = 10
	// Blend weights for time estimation when history exists.
	historicalWeight = 0.7
	staticWeight     = 0.3
)

// Tracker maintains derived progress and time-estimate data for runs. It is
// not authoritative over run status (the controller owns that); it is the
// single source for how far along a run is and how long is left. The
// in-memory caches are a performance optimization only and are rebuilt from
// the store after a restart.
type Tracker struct {
	store    storage.Store
	registry *Registry
	logger   Logger
	metrics  *Metrics // optional

	mu        sync.RWMutex
	history   map[string][]time.Duration               // stageID -> completed durations, oldest first
	snapshots map[string]map[string]*models.StageProgress // runID -> stageID -> snapshot
}

func NewTracker(store storage.Store, registry *Registry, logger Logger) *Tracker {
	return &Tracker{
		store:     store,
		registry:  registry,
		logger:    logger,
		history:   make(map[string][]time.Duration),
		snapshots: make(map[string]map[string]*models.StageProgress),
	}
}

// SetMetrics attaches a Prometheus metrics set. Optional; the tracker works
// without one.
func (t *Tracker) SetMetrics(m *Metrics) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics = m
}

// StageStarted records a new attempt of a stage. A fresh snapshot is created
// so progress resets only through a new attempt.
func (t *Tracker) StageStarted(run *models.PipelineRun, stage models.StageDefinition, attempt int) {
	now := time.Now()
	snap := &models.StageProgress{
		RunID:            run.RunID,
		StageID:          stage.ID,
		Name:             stage.Name,
		Status:           models.RunningStageStatus,
		StartedAt:        &now,
		EstimatedSeconds: t.EstimateStage(stage).Seconds(),
		RetryCount:       attempt - 1,
	}
	t.mu.Lock()
	if t.snapshots[run.RunID] == nil {
		t.snapshots[run.RunID] = make(map[string]*models.StageProgress)
	}
	t.snapshots[run.RunID][stage.ID] = snap
	m := t.metrics
	t.mu.Unlock()

	if m != nil && attempt > 1 {
		m.StageRetries.WithLabelValues(stage.ID).Inc()
	}
	t.persist(snap)
}

// StageProgressed applies an executor progress event. Progress is clamped to
// be monotonically non-decreasing while the stage is running.
func (t *Tracker) StageProgressed(runID, stageID string, ev ProgressEvent) {
	t.mu.Lock()
	snap, ok := t.snapshot(runID, stageID)
	if !ok || snap.Status != models.RunningStageStatus {
		t.mu.Unlock()
		return
	}
	if ev.Progress > snap.Progress && ev.Progress <= 100 {
		snap.Progress = ev.Progress
	}
	if ev.ItemsProcessed > snap.Metrics.ItemsProcessed {
		snap.Metrics.ItemsProcessed = ev.ItemsProcessed
	}
	if ev.TotalItems > 0 {
		snap.Metrics.TotalItems = ev.TotalItems
	}
	if snap.StartedAt != nil {
		elapsed := time.Since(*snap.StartedAt).Minutes()
		if elapsed > 0 {
			snap.Metrics.ProcessingRate = float64(snap.Metrics.ItemsProcessed) / elapsed
		}
	}
	snap.RemainingSeconds = stageRemaining(*snap).Seconds()
	copySnap := *snap
	t.mu.Unlock()

	t.persist(&copySnap)
}

// StageFinished closes the current attempt's snapshot with a terminal status
// and folds the duration into the rolling history on success.
func (t *Tracker) StageFinished(runID string, stage models.StageDefinition, status models.StageStatus, errMsg string, metrics *models.StageMetrics, retryCount int) {
	now := time.Now()
	t.mu.Lock()
	snap, ok := t.snapshot(runID, stage.ID)
	if !ok {
		snap = &models.StageProgress{RunID: runID, StageID: stage.ID, Name: stage.Name}
		if t.snapshots[runID] == nil {
			t.snapshots[runID] = make(map[string]*models.StageProgress)
		}
		t.snapshots[runID][stage.ID] = snap
	}
	snap.Status = status
	snap.CompletedAt = &now
	snap.ErrorMsg = errMsg
	snap.RetryCount = retryCount
	snap.RemainingSeconds = 0
	if metrics != nil {
		snap.Metrics = *metrics
	}
	if status == models.CompletedStageStatus {
		snap.Progress = 100
	}
	var duration time.Duration
	if snap.StartedAt != nil {
		duration = now.Sub(*snap.StartedAt)
		snap.DurationSeconds = duration.Seconds()
	}
	if status == models.CompletedStageStatus && duration > 0 {
		hist := append(t.history[stage.ID], duration)
		if len(hist) > historySize {
			hist = hist[len(hist)-historySize:]
		}
		t.history[stage.ID] = hist
	}
	m := t.metrics
	copySnap := *snap
	t.mu.Unlock()

	if m != nil {
		if status == models.CompletedStageStatus && duration > 0 {
			m.StageDuration.WithLabelValues(stage.ID).Observe(duration.Seconds())
		}
	}
	t.persist(&copySnap)
}

// StageInterrupted parks the in-flight snapshot of a stage after a pause or
// cancel so no stage is left marked running. A resume starts a fresh attempt.
func (t *Tracker) StageInterrupted(runID string, stage models.StageDefinition) {
	t.mu.Lock()
	snap, ok := t.snapshot(runID, stage.ID)
	if !ok || snap.Status != models.RunningStageStatus {
		t.mu.Unlock()
		return
	}
	snap.Status = models.PendingStageStatus
	snap.RemainingSeconds = 0
	copySnap := *snap
	t.mu.Unlock()
	t.persist(&copySnap)
}

// EstimateStage blends the recency-weighted historical average with the
// static estimate: 0.7*historical + 0.3*static when history exists, else the
// static estimate alone. History is loaded from the store on first use.
func (t *Tracker) EstimateStage(stage models.StageDefinition) time.Duration {
	t.mu.Lock()
	hist, ok := t.history[stage.ID]
	t.mu.Unlock()
	if !ok {
		loaded, err := t.store.StageDurations(stage.ID, historySize)
		if err != nil {
			t.logger.Errorf("Failed to load duration history for stage %s: %v", stage.ID, err)
			loaded = nil
		}
		t.mu.Lock()
		t.history[stage.ID] = loaded
		hist = loaded
		t.mu.Unlock()
	}
	if len(hist) == 0 {
		return stage.EstimatedDuration
	}
	historical := weightedAverage(hist)
	blended := historicalWeight*float64(historical) + staticWeight*float64(stage.EstimatedDuration)
	return time.Duration(blended)
}

// weightedAverage applies linearly increasing recency weights: the newest
// duration gets weight n, the oldest weight 1.
func weightedAverage(durations []time.Duration) time.Duration {
	var sum, weights float64
	for i, d := range durations {
		w := float64(i + 1)
		sum += w * float64(d)
		weights += w
	}
	return time.Duration(sum / weights)
}

// RemainingTime estimates time left for a run: the current stage's derived
// remaining time plus the blended estimate of every upcoming stage.
func (t *Tracker) RemainingTime(run *models.PipelineRun) time.Duration {
	order, err := t.registry.ExecutionOrder(run.Variant)
	if err != nil {
		return 0
	}
	var total time.Duration
	for _, stageID := range order {
		if run.Resolved(stageID) {
			continue
		}
		stage, err := t.registry.Stage(run.Variant, stageID)
		if err != nil {
			continue
		}
		if stageID == run.CurrentStage {
			t.mu.RLock()
			snap, ok := t.snapshot(run.RunID, stageID)
			var copySnap models.StageProgress
			if ok {
				copySnap = *snap
			}
			t.mu.RUnlock()
			if ok {
				total += stageRemaining(copySnap)
			} else {
				total += t.EstimateStage(stage)
			}
			continue
		}
		total += t.EstimateStage(stage)
	}
	return total
}

// stageRemaining derives remaining time for an in-flight stage:
// metrics-based when item counts are known, else proportional to progress.
func stageRemaining(snap models.StageProgress) time.Duration {
	if snap.StartedAt == nil {
		return time.Duration(snap.EstimatedSeconds * float64(time.Second))
	}
	elapsed := time.Since(*snap.StartedAt)
	if snap.Metrics.TotalItems > 0 && snap.Metrics.ItemsProcessed > 0 {
		perItem := elapsed / time.Duration(snap.Metrics.ItemsProcessed)
		left := snap.Metrics.TotalItems - snap.Metrics.ItemsProcessed
		if left < 0 {
			left = 0
		}
		return perItem * time.Duration(left)
	}
	if snap.Progress > 0 {
		projected := time.Duration(float64(elapsed) * 100 / float64(snap.Progress))
		if projected > elapsed {
			return projected - elapsed
		}
		return 0
	}
	est := time.Duration(snap.EstimatedSeconds * float64(time.Second))
	if est > elapsed {
		return est - elapsed
	}
	return 0
}

// AggregateProgress computes run progress as 100 * resolved / total.
func (t *Tracker) AggregateProgress(run *models.PipelineRun) int {
	order, err := t.registry.ExecutionOrder(run.Variant)
	if err != nil || len(order) == 0 {
		return 0
	}
	resolved := 0
	for _, stageID := range order {
		if run.Resolved(stageID) {
			resolved++
		}
	}
	return 100 * resolved / len(order)
}

// RunMetrics sums throughput and resource metrics over all stage snapshots
// of a run, in-flight stages included.
func (t *Tracker) RunMetrics(runID string) models.StageMetrics {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var agg models.StageMetrics
	for _, snap := range t.snapshots[runID] {
		agg.ItemsProcessed += snap.Metrics.ItemsProcessed
		agg.TotalItems += snap.Metrics.TotalItems
		agg.APICallsUsed += snap.Metrics.APICallsUsed
		agg.TokensUsed += snap.Metrics.TokensUsed
		agg.CostIncurred += snap.Metrics.CostIncurred
	}
	return agg
}

// StageSnapshots returns copies of the per-stage snapshots of a run, falling
// back to the store when the run is not in the in-memory cache.
func (t *Tracker) StageSnapshots(runID string) []models.StageProgress {
	t.mu.RLock()
	byStage, ok := t.snapshots[runID]
	if ok {
		out := make([]models.StageProgress, 0, len(byStage))
		for _, snap := range byStage {
			out = append(out, *snap)
		}
		t.mu.RUnlock()
		return out
	}
	t.mu.RUnlock()

	persisted, err := t.store.GetStageProgress(runID)
	if err != nil {
		t.logger.Errorf("Failed to load stage progress for run %s: %v", runID, err)
		return nil
	}
	return persisted
}

// Forget drops the in-memory snapshots of a finished run.
func (t *Tracker) Forget(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.snapshots, runID)
}

func (t *Tracker) snapshot(runID, stageID string) (*models.StageProgress, bool) {
	byStage, ok := t.snapshots[runID]
	if !ok {
		return nil, false
	}
	snap, ok := byStage[stageID]
	return snap, ok
}

// persist writes a snapshot to the store. Tracker persistence failures are
// logged, never propagated: they must not corrupt controller state.
func (t *Tracker) persist(snap *models.StageProgress) {
	if err := t.store.SaveStageProgress(*snap); err != nil {
		t.logger.Errorf("Failed to persist stage progress %s/%s: %v", snap.RunID, snap.StageID, err)
	}
}
