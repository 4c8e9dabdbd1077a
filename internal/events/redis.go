package events

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/wyatt727/WDFWatch-sub001/pkg/pipeline"
)

// Channel carries all pipeline lifecycle events for UI consumers.
const Channel = "pipeline:events"

// RedisSink publishes pipeline events on a redis pub/sub channel. Publishing
// is best-effort: the controller logs and drops errors returned here.
type RedisSink struct {
	client *redis.Client
}

func NewRedisSink(addr string) *RedisSink {
	return &RedisSink{
		client: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

func (s *RedisSink) Publish(ctx context.Context, ev pipeline.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, Channel, payload).Err()
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
