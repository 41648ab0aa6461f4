package adapter

import (
	"context"

	"studio-agents/internal/domain/model"
)

// Delivery is one at-least-once delivery of a chain message.
type Delivery struct {
	ID      string
	Message model.ChainMessage
}

// TaskQueue is the at-least-once transport for chain links.
type TaskQueue interface {
	Enqueue(ctx context.Context, msg model.ChainMessage) error

	// Dequeue waits a bounded time for the next delivery and returns nil when none arrived.
	Dequeue(ctx context.Context) (*Delivery, error)

	Ack(ctx context.Context, d *Delivery) error

	// Nack returns the delivery for another attempt. When the attempt budget is spent
	// the message is dead-lettered instead and deadLettered is true.
	Nack(ctx context.Context, d *Delivery, reason string) (deadLettered bool, err error)
}
