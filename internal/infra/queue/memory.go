package queue

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"studio-agents/internal/domain"
	"studio-agents/internal/domain/model"
	"studio-agents/internal/domain/ports/adapter"
)

var _ adapter.TaskQueue = (*MemoryQueue)(nil)

// DeadLetter is a message that exhausted its attempts.
type DeadLetter struct {
	Message model.ChainMessage
	Reason  string
}

// MemoryQueue is a TaskQueue backed by a buffered channel. It is safe for concurrent
// use and is meant for tests and single-process runs.
type MemoryQueue struct {
	ch          chan model.ChainMessage
	wait        time.Duration
	maxAttempts int

	mu       sync.Mutex
	inflight map[string]model.ChainMessage
	dead     []DeadLetter
}

func NewMemoryQueue(capacity, maxAttempts int, wait time.Duration) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if wait <= 0 {
		wait = 100 * time.Millisecond
	}
	return &MemoryQueue{
		ch:          make(chan model.ChainMessage, capacity),
		wait:        wait,
		maxAttempts: maxAttempts,
		inflight:    make(map[string]model.ChainMessage),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, msg model.ChainMessage) error {
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return domain.ErrQueueFull
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*adapter.Delivery, error) {
	timer := time.NewTimer(q.wait)
	defer timer.Stop()
	select {
	case msg := <-q.ch:
		d := &adapter.Delivery{ID: ulid.Make().String(), Message: msg}
		q.mu.Lock()
		q.inflight[d.ID] = msg
		q.mu.Unlock()
		return d, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) Ack(_ context.Context, d *adapter.Delivery) error {
	q.mu.Lock()
	delete(q.inflight, d.ID)
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) Nack(ctx context.Context, d *adapter.Delivery, reason string) (bool, error) {
	msg := d.Message
	msg.Attempt++

	q.mu.Lock()
	delete(q.inflight, d.ID)
	if msg.Attempt >= q.maxAttempts {
		q.dead = append(q.dead, DeadLetter{Message: msg, Reason: reason})
		q.mu.Unlock()
		return true, nil
	}
	q.mu.Unlock()
	return false, q.Enqueue(ctx, msg)
}

// Len returns the number of messages waiting for delivery.
func (q *MemoryQueue) Len() int { return len(q.ch) }

// InFlight returns the number of deliveries not yet acked or nacked.
func (q *MemoryQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

func (q *MemoryQueue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetter(nil), q.dead...)
}
