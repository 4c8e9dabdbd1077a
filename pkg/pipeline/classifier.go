package pipeline

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/wyatt727/WDFWatch-sub001/pkg/models"
	"github.com/wyatt727/WDFWatch-sub001/pkg/storage"
)

// Service names probed when enriching error context.
const (
	LLMService     = "llm"
	StorageService = "database"
)

const healthProbeTimeout = 5 * time.Second

// HealthProbe reports the live health of an external dependency. Probes must
// be time-bounded; the classifier additionally caps them with a deadline.
type HealthProbe interface {
	CheckServiceHealth(ctx context.Context, service string) models.ServiceHealth
}

// HTTPHealthProbe checks service health endpoints over HTTP.
type HTTPHealthProbe struct {
	endpoints map[string]string
	client    *http.Client
}

func NewHTTPHealthProbe(endpoints map[string]string) *HTTPHealthProbe {
	return &HTTPHealthProbe{
		endpoints: endpoints,
		client:    &http.Client{Timeout: healthProbeTimeout},
	}
}

func (p *HTTPHealthProbe) CheckServiceHealth(ctx context.Context, service string) models.ServiceHealth {
	url, ok := p.endpoints[service]
	if !ok {
		return models.AvailableServiceHealth
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.UnavailableServiceHealth
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return models.UnavailableServiceHealth
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode < 300:
		return models.AvailableServiceHealth
	case resp.StatusCode < 500:
		return models.DegradedServiceHealth
	}
	return models.UnavailableServiceHealth
}

// RetryPolicy controls retry attempts and backoff for a stage.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool
}

// DefaultRetryPolicy applies to stages without a specific override.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    60 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// Delay computes the backoff before the given attempt (1-based):
// min(base * multiplier^(attempt-1), max). Deterministic; jitter is applied
// separately by the classifier.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Classifier maps raw stage failures to an ErrorKind and a RecoveryAction,
// consulting live dependency health and the per-stage retry policy. Every
// classified failure is persisted as an ErrorContext for audit.
type Classifier struct {
	store         storage.Store
	probe         HealthProbe
	logger        Logger
	defaultPolicy RetryPolicy
	policies      map[string]RetryPolicy

	mu  sync.Mutex
	rng *rand.Rand
}

func NewClassifier(store storage.Store, probe HealthProbe, logger Logger) *Classifier {
	return &Classifier{
		store:         store,
		probe:         probe,
		logger:        logger,
		defaultPolicy: DefaultRetryPolicy(),
		policies:      make(map[string]RetryPolicy),
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetSeed fixes the jitter random source, making delays reproducible.
func (c *Classifier) SetSeed(seed int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rng = rand.New(rand.NewSource(seed))
}

// SetPolicy installs a per-stage retry policy override.
func (c *Classifier) SetPolicy(stageID string, p RetryPolicy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policies[stageID] = p
}

// Policy returns the retry policy for a stage, falling back to the default.
func (c *Classifier) Policy(stageID string) RetryPolicy {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.policies[stageID]; ok {
		return p
	}
	return c.defaultPolicy
}

// CalculateDelay returns the backoff before the given attempt, jittered by
// up to ±25% when the policy enables it, floored at BaseDelay and capped at
// MaxDelay.
func (c *Classifier) CalculateDelay(p RetryPolicy, attempt int) time.Duration {
	d := p.Delay(attempt)
	if !p.Jitter {
		return d
	}
	c.mu.Lock()
	factor := 0.75 + c.rng.Float64()*0.5
	c.mu.Unlock()
	jittered := time.Duration(float64(d) * factor)
	if jittered < p.BaseDelay {
		jittered = p.BaseDelay
	}
	if jittered > p.MaxDelay {
		jittered = p.MaxDelay
	}
	return jittered
}

// Classify inspects a stage failure and produces the persisted ErrorContext
// with the recommended recovery action. It never returns an error: storage
// failures while persisting the context are logged and swallowed so that
// classification is always available to the controller.
func (c *Classifier) Classify(ctx context.Context, run *models.PipelineRun, stage models.StageDefinition, attempt int, cause error) models.ErrorContext {
	kind := KindOf(cause)
	health := c.snapshotHealth(ctx, kind)

	ec := models.ErrorContext{
		RunID:       run.RunID,
		EpisodeID:   run.EpisodeID,
		StageID:     stage.ID,
		Kind:        kind,
		Message:     cause.Error(),
		Attempt:     attempt,
		SystemState: health,
		OccurredAt:  time.Now(),
	}
	ec.Suggested = c.decide(kind, attempt, stage, health)

	if err := c.store.SaveErrorContext(ec); err != nil {
		c.logger.Errorf("Failed to persist error context for stage %s run %s: %v", stage.ID, run.RunID, err)
	}
	return ec
}

// snapshotHealth probes the services relevant to the error kind, bounded by
// the probe timeout.
func (c *Classifier) snapshotHealth(ctx context.Context, kind models.ErrorKind) map[string]models.ServiceHealth {
	if c.probe == nil {
		return map[string]models.ServiceHealth{}
	}
	probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	services := []string{LLMService}
	if kind == models.StorageError {
		services = append(services, StorageService)
	}
	state := make(map[string]models.ServiceHealth, len(services))
	for _, svc := range services {
		state[svc] = c.probe.CheckServiceHealth(probeCtx, svc)
	}
	return state
}

// decide applies the kind × attempt × criticality × health decision table.
func (c *Classifier) decide(kind models.ErrorKind, attempt int, stage models.StageDefinition, health map[string]models.ServiceHealth) models.RecoveryAction {
	policy := c.Policy(stage.ID)

	switch kind {
	case models.AuthenticationFailureError:
		return models.RecoveryAction{
			Type:                models.ManualInterventionAction,
			Description:         "authentication with the model provider failed",
			Automated:           false,
			EstimatedResolution: 10 * time.Minute,
			Risk:                models.LowRisk,
			Prerequisites:       []string{"configure a valid API key for the model provider", "verify the key has not expired or been revoked"},
		}
	case models.InsufficientResourcesError:
		return models.RecoveryAction{
			Type:                models.ManualInterventionAction,
			Description:         "the host is out of disk space or memory",
			Automated:           false,
			EstimatedResolution: 30 * time.Minute,
			Risk:                models.MediumRisk,
			Prerequisites:       []string{"free disk space in the working directory", "stop competing processes or raise resource limits"},
		}
	case models.FileAccessError:
		return models.RecoveryAction{
			Type:                models.ManualInterventionAction,
			Description:         "a required file or directory could not be accessed",
			Automated:           false,
			EstimatedResolution: 15 * time.Minute,
			Risk:                models.LowRisk,
			Prerequisites:       []string{"check that the working directory exists and is writable", "fix file permissions for the pipeline user"},
		}
	case models.DataValidationError:
		if stage.Critical {
			return models.RecoveryAction{
				Type:        models.AbortAction,
				Description: "stage input failed validation; retrying cannot succeed",
				Automated:   false,
				Risk:        models.HighRisk,
				Prerequisites: []string{
					"inspect the episode content for missing or malformed data",
					"re-run validation before starting a new pipeline run",
				},
			}
		}
		return c.skipAction("stage input failed validation")
	case models.ModelUnavailableError:
		if health[LLMService] == models.UnavailableServiceHealth {
			return models.RecoveryAction{
				Type:                models.ManualInterventionAction,
				Description:         "the model service is down",
				Automated:           false,
				EstimatedResolution: 20 * time.Minute,
				Risk:                models.MediumRisk,
				Prerequisites:       []string{"start the local model service or check the provider status page"},
			}
		}
	case models.ProcessTerminatedError:
		if attempt > 1 {
			// Repeated kills suggest partial work left behind; reset before
			// anything else touches the episode.
			return models.RecoveryAction{
				Type:                models.RollbackAction,
				Description:         "stage process was terminated repeatedly; run state must be reset",
				Automated:           true,
				EstimatedResolution: 5 * time.Minute,
				Risk:                models.HighRisk,
				Prerequisites:       []string{"review partial stage output in the state store before restarting"},
			}
		}
	}

	// Transient kinds: retry while the stage allows it and attempts remain.
	if stage.Retryable && attempt < policy.MaxAttempts {
		delay := c.CalculateDelay(policy, attempt)
		if kind == models.APIRateLimitError || health[LLMService] == models.DegradedServiceHealth {
			delay = policy.MaxDelay
		}
		return models.RecoveryAction{
			Type:        models.RetryAction,
			Description: "transient failure, retry with backoff",
			Automated:   true,
			Delay:       delay,
			Risk:        models.LowRisk,
		}
	}

	if stage.Critical {
		return models.RecoveryAction{
			Type:        models.AbortAction,
			Description: "critical stage exhausted its retry budget",
			Automated:   false,
			Risk:        models.HighRisk,
			Prerequisites: []string{
				"review the persisted error contexts for this run",
				"address the underlying failure, then start a new run",
			},
		}
	}
	return c.skipAction("retry budget exhausted on a non-critical stage")
}

func (c *Classifier) skipAction(reason string) models.RecoveryAction {
	return models.RecoveryAction{
		Type:        models.SkipAction,
		Description: reason + "; the pipeline continues without this stage",
		Automated:   true,
		Risk:        models.MediumRisk,
	}
}

// kindPatterns maps message substrings to error kinds, checked in order.
// This is the heuristic fallback for errors from uncontrolled external
// processes; executors that know their failure mode return a StageError.
var kindPatterns = []struct {
	kind     models.ErrorKind
	patterns []string
}{
	{models.APIRateLimitError, []string{"rate limit", "too many requests", "429", "quota exceeded"}},
	{models.AuthenticationFailureError, []string{"unauthorized", "authentication", "invalid api key", "401", "403"}},
	{models.NetworkTimeoutError, []string{"timeout", "timed out", "deadline exceeded", "connection timed out"}},
	{models.ModelUnavailableError, []string{"model not found", "model unavailable", "connection refused", "503", "service unavailable"}},
	{models.InsufficientResourcesError, []string{"out of memory", "no space left", "disk full", "resource temporarily unavailable"}},
	{models.FileAccessError, []string{"no such file", "permission denied", "is a directory", "file not found"}},
	{models.StorageError, []string{"database", "sql:", "pq:", "connection reset"}},
	{models.ProcessTerminatedError, []string{"signal:", "killed", "exit status"}},
	{models.DataValidationError, []string{"validation", "invalid input", "malformed", "unmarshal"}},
}

// KindOf determines the error kind of a failure. Structured StageErrors win;
// message heuristics are the fallback.
func KindOf(err error) models.ErrorKind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.NetworkTimeoutError
	}
	msg := strings.ToLower(err.Error())
	for _, entry := range kindPatterns {
		for _, p := range entry.patterns {
			if strings.Contains(msg, p) {
				return entry.kind
			}
		}
	}
	return models.UnknownError
}
