package adapter

import (
	"context"

	"studio-agents/internal/domain/model"
)

// CallbackNotifier delivers the final task result to a caller-supplied URL.
type CallbackNotifier interface {
	Notify(ctx context.Context, url string, result model.TaskResult) error
}

// ProgressEvent is a partial-progress notification emitted by a stage.
type ProgressEvent struct {
	Type          string         `json:"type"` // start | progress | end | error
	TransactionID string         `json:"transactionId"`
	Stage         string         `json:"stage"`
	Data          map[string]any `json:"data,omitempty"`
}

// ProgressPublisher publishes progress events for a chain root.
type ProgressPublisher interface {
	Publish(ctx context.Context, rootID string, ev ProgressEvent) error
}

// ServiceInvoker forwards an envelope to an externally-routed service.
type ServiceInvoker interface {
	Invoke(ctx context.Context, endpoint string, env model.Envelope) (model.Payload, error)
}
