package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/wyatt727/WDFWatch-sub001/pkg/models"
	"github.com/wyatt727/WDFWatch-sub001/pkg/storage"
	"golang.org/x/sync/semaphore"
)

// Concurrency controls how many independent runs (across episodes) may
// execute at once. It never affects intra-run parallelism: stages of a single
// run always execute sequentially.
type Concurrency string

const (
	LowConcurrency    Concurrency = "low"
	MediumConcurrency Concurrency = "medium"
	HighConcurrency   Concurrency = "high"
)

// The semaphore has maxConcurrentWeight permits; a run acquires more weight
// the lower its concurrency setting, so "low" runs exclusively while "high"
// allows four runs side by side.
const maxConcurrentWeight = 4

func concurrencyWeight(c Concurrency) int64 {
	switch c {
	case LowConcurrency:
		return maxConcurrentWeight
	case HighConcurrency:
		return 1
	default:
		return 2
	}
}

// StartOptions are the caller-supplied knobs for one run.
type StartOptions struct {
	Force             bool        // start even if the store shows an active run (stale-state override)
	SkipValidation    bool        // bypass the pre-flight validator
	RetryFailedStages bool        // on resume, re-run stages recorded as failed
	MaxRetries        int         // per-stage attempt cap override; 0 keeps the policy default
	Concurrency       Concurrency // defaults to medium
}

type stopReason int

const (
	noStop stopReason = iota
	pauseStop
	cancelStop
)

// stageOutcome is the controller-internal result of executing one stage.
type stageOutcome int

const (
	stageSucceeded stageOutcome = iota
	stageAbsorbed               // non-critical failure recorded, run continues
	stageStopped                // pause or cancel interrupted the stage
	stageFatal                  // run must fail
)

// runHandle tracks one in-memory active run. The run record is mutated only
// by the controller goroutine driving the run; reads take the handle mutex.
type runHandle struct {
	mu        sync.Mutex
	run       *models.PipelineRun
	opts      StartOptions
	semWeight int64
	reason    stopReason
	fatal     *models.ErrorContext
	cancelRun context.CancelFunc
	done      chan struct{} // closed when the run goroutine exits
}

func (h *runHandle) snapshot() models.PipelineRun {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := *h.run
	r.CompletedStages = append([]string(nil), h.run.CompletedStages...)
	r.FailedStages = append([]string(nil), h.run.FailedStages...)
	r.SkippedStages = append([]string(nil), h.run.SkippedStages...)
	return r
}

// Controller is the orchestration core: it walks the stage graph in
// dependency order, drives executors, applies the classifier's recovery
// actions and owns the run state machine
// (pending -> validating -> running <-> paused -> completed|failed|cancelled).
type Controller struct {
	registry   *Registry
	executor   StageExecutor
	classifier *Classifier
	tracker    *Tracker
	validator  *Validator
	store      storage.Store
	sink       EventSink
	logger     Logger
	variant    string
	metrics    *Metrics // optional

	ctx     context.Context
	cancel  context.CancelFunc
	sem     *semaphore.Weighted
	mu      sync.RWMutex
	handles map[int64]*runHandle
	wg      sync.WaitGroup
}

func NewController(
	mainCtx context.Context,
	registry *Registry,
	executor StageExecutor,
	classifier *Classifier,
	tracker *Tracker,
	validator *Validator,
	store storage.Store,
	sink EventSink,
	logger Logger,
) *Controller {
	ctx, cancel := context.WithCancel(mainCtx)
	return &Controller{
		registry:   registry,
		executor:   executor,
		classifier: classifier,
		tracker:    tracker,
		validator:  validator,
		store:      store,
		sink:       sink,
		logger:     logger,
		variant:    DefaultVariant,
		ctx:        ctx,
		cancel:     cancel,
		sem:        semaphore.NewWeighted(maxConcurrentWeight),
		handles:    make(map[int64]*runHandle),
	}
}

// SetMetrics attaches a Prometheus metrics set to the controller and its
// tracker. Optional.
func (c *Controller) SetMetrics(m *Metrics) {
	c.mu.Lock()
	c.metrics = m
	c.mu.Unlock()
	c.tracker.SetMetrics(m)
}

// Start creates and launches a run for the episode. It fails when a run is
// already active for the episode, when the concurrency budget is exhausted,
// or when validation rejects the episode (unless skipped).
func (c *Controller) Start(ctx context.Context, episodeID int64, opts StartOptions) (models.PipelineRun, error) {
	if opts.Concurrency == "" {
		opts.Concurrency = MediumConcurrency
	}

	c.mu.Lock()
	if _, exists := c.handles[episodeID]; exists {
		c.mu.Unlock()
		return models.PipelineRun{}, errors.Errorf("a run is already active for episode %d", episodeID)
	}
	c.mu.Unlock()

	if !opts.Force {
		if stale, err := c.store.GetActiveRun(episodeID); err == nil {
			return models.PipelineRun{}, errors.Errorf("run %s for episode %d is still active; cancel it or start with force", stale.RunID, episodeID)
		}
	}

	weight := concurrencyWeight(opts.Concurrency)
	if !c.sem.TryAcquire(weight) {
		return models.PipelineRun{}, errors.New("maximum number of concurrent runs reached")
	}

	now := time.Now()
	run := &models.PipelineRun{
		RunID:     uuid.NewString(),
		EpisodeID: episodeID,
		Variant:   c.variant,
		Status:    models.PendingRunStatus,
		StartedAt: &now,
	}
	c.persistRun(*run)

	if !opts.SkipValidation {
		run.Status = models.ValidatingRunStatus
		c.persistRun(*run)
		c.publish(Event{Type: RunStatusEvent, RunID: run.RunID, EpisodeID: episodeID, Status: string(run.Status)})

		vr := c.validator.Validate(ctx, episodeID)
		run.Validation = &vr
		if !vr.IsValid {
			c.sem.Release(weight)
			completed := time.Now()
			run.Status = models.FailedRunStatus
			run.CompletedAt = &completed
			run.ErrorMsg = fmt.Sprintf("pre-flight validation failed (score %d): %v", vr.Score, vr.Errors)
			c.persistRun(*run)
			c.publish(Event{Type: RunFinishedEvent, RunID: run.RunID, EpisodeID: episodeID, Status: string(run.Status), Message: run.ErrorMsg})
			return *run, errors.Errorf("episode %d is not ready: %v", episodeID, vr.Errors)
		}
	}

	h := &runHandle{run: run, opts: opts, semWeight: weight}

	c.mu.Lock()
	if _, exists := c.handles[episodeID]; exists {
		c.mu.Unlock()
		c.sem.Release(weight)
		return models.PipelineRun{}, errors.Errorf("a run is already active for episode %d", episodeID)
	}
	c.handles[episodeID] = h
	c.mu.Unlock()

	c.launch(h)
	c.publish(Event{Type: RunStartedEvent, RunID: run.RunID, EpisodeID: episodeID, Status: string(models.RunningRunStatus)})
	return h.snapshot(), nil
}

// launch transitions the handle to RUNNING and spawns its run goroutine.
// Callers must have registered the handle and acquired its semaphore weight.
func (c *Controller) launch(h *runHandle) {
	runCtx, cancelRun := context.WithCancel(c.ctx)
	h.mu.Lock()
	h.reason = noStop
	h.fatal = nil
	h.cancelRun = cancelRun
	h.done = make(chan struct{})
	h.run.Status = models.RunningRunStatus
	h.run.CompletedAt = nil
	h.mu.Unlock()
	c.persistRun(h.snapshot())

	if c.metricsSet() != nil {
		c.metricsSet().ActiveRuns.Inc()
	}
	c.wg.Add(1)
	go c.execute(runCtx, h)
}

func (c *Controller) metricsSet() *Metrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.metrics
}

// execute drives one run to a stopping point: completion, fatal failure,
// pause, or cancellation.
func (c *Controller) execute(ctx context.Context, h *runHandle) {
	defer c.wg.Done()
	defer close(h.done)

	outcome := c.walkStages(ctx, h)

	h.mu.Lock()
	run := h.run
	switch {
	case outcome == stageStopped && h.reason == pauseStop:
		run.Status = models.PausedRunStatus
		run.CurrentStage = ""
	case outcome == stageStopped:
		// Cancelled explicitly, or the controller itself is shutting down.
		completed := time.Now()
		if h.reason == cancelStop {
			run.Status = models.CancelledRunStatus
			run.CompletedAt = &completed
		} else {
			run.Status = models.PausedRunStatus
		}
		run.CurrentStage = ""
	case outcome == stageFatal:
		completed := time.Now()
		run.Status = models.FailedRunStatus
		run.CompletedAt = &completed
		run.CurrentStage = ""
		if h.fatal != nil {
			run.ErrorMsg = fmt.Sprintf("%s on stage '%s': %s (%s: %s)",
				h.fatal.Kind, h.fatal.StageID, h.fatal.Message, h.fatal.Suggested.Type, h.fatal.Suggested.Description)
		}
	default:
		completed := time.Now()
		run.Status = models.CompletedRunStatus
		run.CompletedAt = &completed
		run.CurrentStage = ""
		run.Progress = 100
	}
	status := run.Status
	fatal := h.fatal
	h.mu.Unlock()

	snap := h.snapshot()
	c.persistRun(snap)

	ev := Event{Type: RunFinishedEvent, RunID: snap.RunID, EpisodeID: snap.EpisodeID, Status: string(status), Progress: snap.Progress, Message: snap.ErrorMsg}
	if status == models.PausedRunStatus {
		ev.Type = RunStatusEvent
	}
	if fatal != nil {
		ev.Recovery = &fatal.Suggested
	}
	c.publish(ev)

	if m := c.metricsSet(); m != nil {
		m.ActiveRuns.Dec()
		if status.Terminal() {
			m.RunsTotal.WithLabelValues(string(status)).Inc()
		}
	}

	c.sem.Release(h.semWeight)
	if status.Terminal() {
		c.mu.Lock()
		delete(c.handles, snap.EpisodeID)
		c.mu.Unlock()
		c.tracker.Forget(snap.RunID)
	}
	c.logger.Infof("Run %s for episode %d stopped with status %s", snap.RunID, snap.EpisodeID, status)
}

// walkStages executes the variant's stages in dependency order, skipping
// stages already resolved (which is what makes resume work).
func (c *Controller) walkStages(ctx context.Context, h *runHandle) stageOutcome {
	order, err := c.registry.ExecutionOrder(h.run.Variant)
	if err != nil {
		c.logger.Errorf("Run %s: %v", h.run.RunID, err)
		return stageFatal
	}

	for _, stageID := range order {
		if ctx.Err() != nil {
			return stageStopped
		}
		h.mu.Lock()
		resolved := h.run.Resolved(stageID)
		h.mu.Unlock()
		if resolved {
			continue
		}

		stage, err := c.registry.Stage(h.run.Variant, stageID)
		if err != nil {
			c.logger.Errorf("Run %s: %v", h.run.RunID, err)
			return stageFatal
		}

		if !c.depsSatisfied(h, stage) {
			// A dependency failed, so this stage can never start.
			c.skipStage(h, stage)
			c.updateProgress(h)
			continue
		}

		switch c.runStage(ctx, h, stage) {
		case stageStopped:
			return stageStopped
		case stageFatal:
			return stageFatal
		}
		c.updateProgress(h)
	}
	return stageSucceeded
}

// depsSatisfied reports whether every dependency is completed or skipped.
func (c *Controller) depsSatisfied(h *runHandle, stage models.StageDefinition) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, dep := range stage.Dependencies {
		if !contains(h.run.CompletedStages, dep) && !contains(h.run.SkippedStages, dep) {
			return false
		}
	}
	return true
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// skipStage marks a stage as skipped because a dependency failed.
func (c *Controller) skipStage(h *runHandle, stage models.StageDefinition) {
	c.logger.Warnf("Run %s: skipping stage '%s', dependency failed", h.run.RunID, stage.ID)
	h.mu.Lock()
	h.run.SkippedStages = append(h.run.SkippedStages, stage.ID)
	h.mu.Unlock()
	c.tracker.StageFinished(h.run.RunID, stage, models.SkippedStageStatus, "dependency failed", nil, 0)
	c.persistRun(h.snapshot())
	c.publish(Event{
		Type: StageFinishedEvent, RunID: h.run.RunID, EpisodeID: h.run.EpisodeID,
		StageID: stage.ID, Status: string(models.SkippedStageStatus), Message: "dependency failed",
	})
}

// runStage executes one stage with the retry loop. All failures are routed
// through the classifier before any control-flow decision; the controller
// never inspects raw errors itself.
func (c *Controller) runStage(ctx context.Context, h *runHandle, stage models.StageDefinition) stageOutcome {
	maxAttempts := c.classifier.Policy(stage.ID).MaxAttempts
	if h.opts.MaxRetries > 0 {
		maxAttempts = h.opts.MaxRetries
	}

	for attempt := 1; ; attempt++ {
		h.mu.Lock()
		h.run.CurrentStage = stage.ID
		h.run.RetryCount = attempt - 1
		h.mu.Unlock()
		c.persistRun(h.snapshot())
		c.tracker.StageStarted(h.run, stage, attempt)
		c.publish(Event{
			Type: StageStartedEvent, RunID: h.run.RunID, EpisodeID: h.run.EpisodeID,
			StageID: stage.ID, Status: string(models.RunningStageStatus),
			Message: fmt.Sprintf("attempt %d/%d", attempt, maxAttempts),
		})

		res, execErr := c.executor.Execute(ctx, ExecRequest{
			RunID:     h.run.RunID,
			EpisodeID: h.run.EpisodeID,
			StageID:   stage.ID,
			Attempt:   attempt,
			OnProgress: func(ev ProgressEvent) {
				c.tracker.StageProgressed(h.run.RunID, stage.ID, ev)
				c.publish(Event{
					Type: StageProgressEvent, RunID: h.run.RunID, EpisodeID: h.run.EpisodeID,
					StageID: stage.ID, Status: string(models.RunningStageStatus),
					Progress: ev.Progress, Message: ev.Message,
				})
			},
		})

		if ctx.Err() != nil {
			c.tracker.StageInterrupted(h.run.RunID, stage)
			return stageStopped
		}

		if execErr == nil {
			var metrics *models.StageMetrics
			if res != nil {
				metrics = &res.Metrics
			}
			c.tracker.StageFinished(h.run.RunID, stage, models.CompletedStageStatus, "", metrics, 0)
			h.mu.Lock()
			h.run.CompletedStages = append(h.run.CompletedStages, stage.ID)
			h.run.RetryCount = 0
			h.run.CurrentStage = ""
			h.mu.Unlock()
			c.persistRun(h.snapshot())
			c.publish(Event{
				Type: StageFinishedEvent, RunID: h.run.RunID, EpisodeID: h.run.EpisodeID,
				StageID: stage.ID, Status: string(models.CompletedStageStatus), Progress: 100,
			})
			return stageSucceeded
		}

		ec := c.classifier.Classify(ctx, h.run, stage, attempt, execErr)
		if m := c.metricsSet(); m != nil {
			m.StageFailures.WithLabelValues(stage.ID, string(ec.Kind)).Inc()
		}
		c.publish(Event{
			Type: StageErrorEvent, RunID: h.run.RunID, EpisodeID: h.run.EpisodeID,
			StageID: stage.ID, Status: string(models.FailedStageStatus),
			Message: ec.Message, Recovery: &ec.Suggested,
		})

		switch ec.Suggested.Type {
		case models.RetryAction:
			if attempt < maxAttempts {
				c.tracker.StageFinished(h.run.RunID, stage, models.FailedStageStatus, ec.Message, nil, attempt-1)
				c.logger.Infof("Run %s: retrying stage '%s' in %s (attempt %d/%d)", h.run.RunID, stage.ID, ec.Suggested.Delay, attempt, maxAttempts)
				select {
				case <-time.After(ec.Suggested.Delay):
				case <-ctx.Done():
					return stageStopped
				}
				continue
			}
			if stage.Critical {
				return c.failStage(h, stage, ec, attempt)
			}
			return c.absorbStage(h, stage, ec, attempt)
		case models.SkipAction:
			if stage.Critical {
				return c.failStage(h, stage, ec, attempt)
			}
			return c.absorbStage(h, stage, ec, attempt)
		default:
			// rollback, manual_intervention, abort: stop the run and surface
			// the recovery action for a human.
			return c.failStage(h, stage, ec, attempt)
		}
	}
}

// absorbStage records a non-critical stage failure and lets the run proceed
// to independent stages.
func (c *Controller) absorbStage(h *runHandle, stage models.StageDefinition, ec models.ErrorContext, attempt int) stageOutcome {
	c.logger.Warnf("Run %s: non-critical stage '%s' failed after %d attempt(s): %s", h.run.RunID, stage.ID, attempt, ec.Message)
	c.tracker.StageFinished(h.run.RunID, stage, models.FailedStageStatus, ec.Message, nil, attempt-1)
	h.mu.Lock()
	h.run.FailedStages = append(h.run.FailedStages, stage.ID)
	h.run.CurrentStage = ""
	h.run.RetryCount = 0
	h.mu.Unlock()
	c.persistRun(h.snapshot())
	c.publish(Event{
		Type: StageFinishedEvent, RunID: h.run.RunID, EpisodeID: h.run.EpisodeID,
		StageID: stage.ID, Status: string(models.FailedStageStatus), Message: ec.Message,
	})
	return stageAbsorbed
}

// failStage records the terminal failure of the run.
func (c *Controller) failStage(h *runHandle, stage models.StageDefinition, ec models.ErrorContext, attempt int) stageOutcome {
	c.logger.Errorf("Run %s: stage '%s' failed terminally after %d attempt(s): %s", h.run.RunID, stage.ID, attempt, ec.Message)
	c.tracker.StageFinished(h.run.RunID, stage, models.FailedStageStatus, ec.Message, nil, attempt-1)
	h.mu.Lock()
	h.run.FailedStages = append(h.run.FailedStages, stage.ID)
	h.fatal = &ec
	h.mu.Unlock()
	return stageFatal
}

// updateProgress recomputes aggregate progress and remaining time after a
// stage transition. Aggregate progress is monotonically non-decreasing.
func (c *Controller) updateProgress(h *runHandle) {
	snap := h.snapshot()
	progress := c.tracker.AggregateProgress(&snap)
	remaining := c.tracker.RemainingTime(&snap)

	h.mu.Lock()
	if progress > h.run.Progress {
		h.run.Progress = progress
	}
	progress = h.run.Progress
	h.mu.Unlock()

	c.persistRun(h.snapshot())
	c.publish(Event{
		Type: RunStatusEvent, RunID: snap.RunID, EpisodeID: snap.EpisodeID,
		Status: string(models.RunningRunStatus), Progress: progress,
		Message: fmt.Sprintf("estimated %s remaining", remaining.Round(time.Second)),
	})
}

// Pause stops the in-flight stage of a running episode without discarding
// completed-stage history. It returns once in-flight work has been signalled
// to stop and the run has reached the paused state. Pausing an already
// paused run is a no-op.
func (c *Controller) Pause(episodeID int64) error {
	c.mu.RLock()
	h, ok := c.handles[episodeID]
	c.mu.RUnlock()
	if !ok {
		return errors.Errorf("no active run for episode %d", episodeID)
	}

	h.mu.Lock()
	switch h.run.Status {
	case models.PausedRunStatus:
		h.mu.Unlock()
		return nil
	case models.RunningRunStatus:
		h.reason = pauseStop
		cancelRun := h.cancelRun
		done := h.done
		h.mu.Unlock()
		cancelRun()
		<-done
		return nil
	default:
		status := h.run.Status
		h.mu.Unlock()
		return errors.Errorf("run for episode %d is %s, not running", episodeID, status)
	}
}

// Resume restarts a paused run, defaulting to the first stage not yet
// completed. When fromStageID is given, that stage is re-run even if it
// already completed; any incomplete prerequisite is re-run first because the
// walk always follows the dependency order.
func (c *Controller) Resume(episodeID int64, fromStageID string) (models.PipelineRun, error) {
	c.mu.Lock()
	h, ok := c.handles[episodeID]
	if !ok {
		// Process may have restarted; recover the paused run from the store.
		run, err := c.store.GetActiveRun(episodeID)
		if err != nil {
			c.mu.Unlock()
			return models.PipelineRun{}, errors.Errorf("no paused run for episode %d", episodeID)
		}
		if run.Status != models.PausedRunStatus {
			c.mu.Unlock()
			return models.PipelineRun{}, errors.Errorf("run for episode %d is %s, not paused", episodeID, run.Status)
		}
		h = &runHandle{run: &run, opts: StartOptions{Concurrency: MediumConcurrency}, semWeight: concurrencyWeight(MediumConcurrency)}
		c.handles[episodeID] = h
	}
	c.mu.Unlock()

	h.mu.Lock()
	if h.run.Status != models.PausedRunStatus {
		status := h.run.Status
		h.mu.Unlock()
		return models.PipelineRun{}, errors.Errorf("run for episode %d is %s, not paused", episodeID, status)
	}
	if fromStageID != "" {
		if _, err := c.registry.Stage(h.run.Variant, fromStageID); err != nil {
			h.mu.Unlock()
			return models.PipelineRun{}, err
		}
		h.run.CompletedStages = remove(h.run.CompletedStages, fromStageID)
		h.run.FailedStages = remove(h.run.FailedStages, fromStageID)
		h.run.SkippedStages = remove(h.run.SkippedStages, fromStageID)
	}
	if h.opts.RetryFailedStages {
		h.run.FailedStages = nil
		h.run.SkippedStages = nil
	}
	h.mu.Unlock()

	if !c.sem.TryAcquire(h.semWeight) {
		return models.PipelineRun{}, errors.New("maximum number of concurrent runs reached")
	}
	c.launch(h)
	c.publish(Event{Type: RunStatusEvent, RunID: h.run.RunID, EpisodeID: episodeID, Status: string(models.RunningRunStatus), Message: "resumed"})
	return h.snapshot(), nil
}

func remove(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// Cancel terminates the run for an episode. In-flight executor work is
// signalled to stop before Cancel returns; no stage events are emitted for
// the run afterwards. Cancelling an already-cancelled run is a no-op.
func (c *Controller) Cancel(episodeID int64) error {
	c.mu.RLock()
	h, ok := c.handles[episodeID]
	c.mu.RUnlock()

	if ok {
		h.mu.Lock()
		if h.run.Status == models.PausedRunStatus {
			// No goroutine in flight; finalize directly.
			completed := time.Now()
			h.run.Status = models.CancelledRunStatus
			h.run.CompletedAt = &completed
			h.mu.Unlock()
			snap := h.snapshot()
			c.persistRun(snap)
			c.publish(Event{Type: RunFinishedEvent, RunID: snap.RunID, EpisodeID: episodeID, Status: string(models.CancelledRunStatus), Progress: snap.Progress})
			if m := c.metricsSet(); m != nil {
				m.RunsTotal.WithLabelValues(string(models.CancelledRunStatus)).Inc()
			}
			c.mu.Lock()
			delete(c.handles, episodeID)
			c.mu.Unlock()
			c.tracker.Forget(snap.RunID)
			return nil
		}
		h.reason = cancelStop
		cancelRun := h.cancelRun
		done := h.done
		h.mu.Unlock()
		cancelRun()
		<-done
		return nil
	}

	// Nothing in memory: either the last run is already terminal (no-op for
	// idempotency) or a stale record survived a crash and gets finalized.
	run, err := c.store.GetLatestRun(episodeID)
	if err != nil {
		return errors.Errorf("no run for episode %d", episodeID)
	}
	if run.Status.Terminal() {
		return nil
	}
	completed := time.Now()
	run.Status = models.CancelledRunStatus
	run.CompletedAt = &completed
	c.persistRun(run)
	c.publish(Event{Type: RunFinishedEvent, RunID: run.RunID, EpisodeID: episodeID, Status: string(models.CancelledRunStatus)})
	return nil
}

// Status returns a read-only snapshot of the episode's latest run, or nil
// when the episode has never run.
func (c *Controller) Status(episodeID int64) (*models.PipelineRun, error) {
	c.mu.RLock()
	h, ok := c.handles[episodeID]
	c.mu.RUnlock()
	if ok {
		snap := h.snapshot()
		return &snap, nil
	}
	run, err := c.store.GetLatestRun(episodeID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// Validate runs the pre-flight battery without starting a run.
func (c *Controller) Validate(ctx context.Context, episodeID int64) models.ValidationResult {
	return c.validator.Validate(ctx, episodeID)
}

// Recover reconciles persisted state after a process restart: runs the store
// still shows as in flight are parked as paused so an operator can resume or
// cancel them. Recovery is at-least-once; a stage interrupted by the crash
// re-runs on resume.
func (c *Controller) Recover() error {
	runs, err := c.store.ListRuns()
	if err != nil {
		return errors.Wrap(err, "list runs for recovery")
	}
	for _, run := range runs {
		if run.Status.Terminal() || run.Status == models.PausedRunStatus {
			continue
		}
		c.mu.RLock()
		_, active := c.handles[run.EpisodeID]
		c.mu.RUnlock()
		if active {
			continue
		}
		run.Status = models.PausedRunStatus
		run.CurrentStage = ""
		c.persistRun(run)
		c.logger.Warnf("Recovered run %s for episode %d as paused", run.RunID, run.EpisodeID)
	}
	return nil
}

// Stop cancels every active run and waits for their goroutines to exit.
func (c *Controller) Stop() {
	c.cancel()
	c.wg.Wait()
}

// persistRun writes the run record inside a transaction so a transition is
// never half-written. Persistence failures are logged, never propagated:
// the in-memory run remains authoritative and the next transition rewrites
// the full record.
func (c *Controller) persistRun(run models.PipelineRun) {
	txStore, err := c.store.Begin()
	if err != nil {
		c.logger.Errorf("Failed to begin transaction for run %s: %v", run.RunID, err)
		return
	}
	if err := txStore.SaveRun(run); err != nil {
		c.logger.Errorf("Failed to persist run %s: %v", run.RunID, err)
		if rollbackErr := txStore.Rollback(); rollbackErr != nil {
			c.logger.Errorf("Failed to rollback: %v", rollbackErr)
		}
		return
	}
	if err := txStore.Commit(); err != nil {
		c.logger.Errorf("Failed to commit run %s: %v", run.RunID, err)
	}
}

// publish sends an event to the sink, best-effort. Sink errors are logged
// and swallowed: they must never abort orchestration.
func (c *Controller) publish(ev Event) {
	ev.At = time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.sink.Publish(ctx, ev); err != nil {
		c.logger.Errorf("Failed to publish %s event for run %s: %v", ev.Type, ev.RunID, err)
	}
}
