package pipeline

import (
	"context"
	"time"

	"github.com/wyatt727/WDFWatch-sub001/pkg/models"
)

// Event types published to the sink.
const (
	RunStartedEvent    = "run_started"
	RunStatusEvent     = "run_status"
	RunFinishedEvent   = "run_finished"
	StageStartedEvent  = "stage_started"
	StageProgressEvent = "stage_progress"
	StageFinishedEvent = "stage_finished"
	StageErrorEvent    = "stage_error"
)

// Event is one run/stage lifecycle notification for UI and audit consumers.
type Event struct {
	Type      string                `json:"type"`
	RunID     string                `json:"run_id"`
	EpisodeID int64                 `json:"episode_id"`
	StageID   string                `json:"stage_id,omitempty"`
	Status    string                `json:"status,omitempty"`
	Progress  int                   `json:"progress"`
	Message   string                `json:"message,omitempty"`
	Recovery  *models.RecoveryAction `json:"recovery,omitempty"`
	At        time.Time             `json:"at"`
}

// EventSink receives lifecycle events. Publishing is fire-and-forget: sink
// failures must never abort orchestration, so the controller swallows and
// logs any error returned here.
type EventSink interface {
	Publish(ctx context.Context, ev Event) error
}

// LogSink writes events to the application log. It is the fallback sink used
// when no external channel is configured.
type LogSink struct {
	logger Logger
}

func NewLogSink(logger Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Publish(_ context.Context, ev Event) error {
	if ev.StageID != "" {
		s.logger.Infof("event %s: run=%s episode=%d stage=%s status=%s progress=%d %s",
			ev.Type, ev.RunID, ev.EpisodeID, ev.StageID, ev.Status, ev.Progress, ev.Message)
	} else {
		s.logger.Infof("event %s: run=%s episode=%d status=%s progress=%d %s",
			ev.Type, ev.RunID, ev.EpisodeID, ev.Status, ev.Progress, ev.Message)
	}
	return nil
}
