package redis

import (
	"context"
	"encoding/json"

	"studio-agents/internal/domain/ports/adapter"
)

var _ adapter.ProgressPublisher = (*ProgressPublisher)(nil)

// ProgressPublisher fans stage progress out on a Pub/Sub channel per chain root.
type ProgressPublisher struct {
	client RedisClient
}

func NewProgressPublisher(client RedisClient) *ProgressPublisher {
	return &ProgressPublisher{client: client}
}

func ProgressChannel(rootID string) string { return "progress:" + rootID }

func (p *ProgressPublisher) Publish(ctx context.Context, rootID string, ev adapter.ProgressEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, ProgressChannel(rootID), b)
}
