// File: internal/infra/redis/stream_queue.go
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"studio-agents/internal/config"
	"studio-agents/internal/domain/model"
	"studio-agents/internal/domain/ports/adapter"
)

var _ adapter.TaskQueue = (*StreamQueue)(nil)

const payloadField = "payload"

// StreamQueue carries chain messages on a Redis Stream read through a consumer group.
// A nack acknowledges the delivery and appends a copy with the attempt counter
// bumped, so retries go to the back of the stream.
type StreamQueue struct {
	cli         *redis.Client
	stream      string
	dlq         string
	group       string
	consumer    string
	block       time.Duration
	maxAttempts int
	claimIdle   time.Duration
	log         zerolog.Logger
}

func NewStreamQueue(ctx context.Context, c *redClient, cfg config.QueueConfig, consumer string, logger *zerolog.Logger) (*StreamQueue, error) {
	q := &StreamQueue{
		cli:         c.cli,
		stream:      cfg.Stream,
		dlq:         DeadLetterStream(cfg.Stream),
		group:       cfg.ConsumerGroup,
		consumer:    consumer,
		block:       cfg.Block,
		maxAttempts: cfg.MaxAttempts,
		claimIdle:   cfg.ClaimIdle,
		log:         logger.With().Str("component", "StreamQueue").Str("stream", cfg.Stream).Logger(),
	}
	if q.block <= 0 {
		q.block = 2 * time.Second
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = 3
	}
	if err := q.ensureGroup(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// DeadLetterStream maps "chains:v1:links" to "dlq:v1:links".
func DeadLetterStream(stream string) string {
	name := stream
	if i := strings.LastIndex(stream, ":"); i >= 0 {
		name = stream[i+1:]
	}
	return "dlq:v1:" + name
}

func (q *StreamQueue) ensureGroup(ctx context.Context) error {
	err := q.cli.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", q.group, err)
	}
	return nil
}

func (q *StreamQueue) Enqueue(ctx context.Context, msg model.ChainMessage) error {
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}
	return q.add(ctx, q.cli, q.stream, msg, nil)
}

func (q *StreamQueue) add(ctx context.Context, cmd redis.Cmdable, stream string, msg model.ChainMessage, extra map[string]interface{}) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	values := map[string]interface{}{payloadField: b, "root_id": msg.RootID}
	for k, v := range extra {
		values[k] = v
	}
	return cmd.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Err()
}

func (q *StreamQueue) Dequeue(ctx context.Context) (*adapter.Delivery, error) {
	if q.claimIdle > 0 {
		msgs, _, err := q.cli.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   q.stream,
			Group:    q.group,
			Consumer: q.consumer,
			MinIdle:  q.claimIdle,
			Start:    "0-0",
			Count:    1,
		}).Result()
		if err != nil && err != redis.Nil {
			q.log.Warn().Err(err).Msg("reclaiming idle deliveries failed")
		}
		if len(msgs) > 0 {
			q.log.Info().Str("delivery_id", msgs[0].ID).Msg("reclaimed idle delivery")
			return q.decode(ctx, msgs[0])
		}
	}

	res, err := q.cli.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    q.block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	for _, s := range res {
		for _, m := range s.Messages {
			return q.decode(ctx, m)
		}
	}
	return nil, nil
}

// decode dead-letters entries that cannot be parsed; they can never succeed.
func (q *StreamQueue) decode(ctx context.Context, m redis.XMessage) (*adapter.Delivery, error) {
	raw, _ := m.Values[payloadField].(string)
	var msg model.ChainMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		q.log.Error().Err(err).Str("delivery_id", m.ID).Msg("undecodable chain message, dead-lettering")
		_, txErr := q.cli.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.XAdd(ctx, &redis.XAddArgs{Stream: q.dlq, Values: map[string]interface{}{payloadField: raw, "reason": err.Error()}})
			p.XAck(ctx, q.stream, q.group, m.ID)
			return nil
		})
		return nil, txErr
	}
	return &adapter.Delivery{ID: m.ID, Message: msg}, nil
}

func (q *StreamQueue) Ack(ctx context.Context, d *adapter.Delivery) error {
	return q.cli.XAck(ctx, q.stream, q.group, d.ID).Err()
}

func (q *StreamQueue) Nack(ctx context.Context, d *adapter.Delivery, reason string) (bool, error) {
	msg := d.Message
	msg.Attempt++
	deadLetter := msg.Attempt >= q.maxAttempts

	_, err := q.cli.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.XAck(ctx, q.stream, q.group, d.ID)
		if deadLetter {
			return q.add(ctx, p, q.dlq, msg, map[string]interface{}{"reason": reason})
		}
		return q.add(ctx, p, q.stream, msg, nil)
	})
	if err != nil {
		return false, err
	}
	if deadLetter {
		q.log.Warn().Str("root_id", msg.RootID).Int("attempt", msg.Attempt).Str("reason", reason).Msg("chain message dead-lettered")
	}
	return deadLetter, nil
}

// Pending reports the number of deliveries read but not yet acknowledged.
func (q *StreamQueue) Pending(ctx context.Context) (int64, error) {
	p, err := q.cli.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		return 0, err
	}
	return p.Count, nil
}

// DeadLettered reports the length of the dead-letter stream.
func (q *StreamQueue) DeadLettered(ctx context.Context) (int64, error) {
	return q.cli.XLen(ctx, q.dlq).Result()
}
