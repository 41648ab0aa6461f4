// File: internal/infra/worker/consumer.go
package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"studio-agents/internal/domain/ports/adapter"
	"studio-agents/internal/infra/logging"
	"studio-agents/internal/infra/metrics"
	"studio-agents/internal/usecase"
)

// Consumer pulls chain messages from the task queue and runs them on the pool.
type Consumer struct {
	queue      adapter.TaskQueue
	runner     usecase.ChainRunner
	pool       *Pool
	minBackoff time.Duration
	maxBackoff time.Duration
	log        *zerolog.Logger
}

func NewConsumer(queue adapter.TaskQueue, runner usecase.ChainRunner, pool *Pool, logger *zerolog.Logger) *Consumer {
	l := logger.With().Str("component", "Consumer").Logger()
	return &Consumer{
		queue:      queue,
		runner:     runner,
		pool:       pool,
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
		log:        &l,
	}
}

// Run dequeues until ctx is done. Deliveries already handed to the pool finish with
// their acknowledgement even after ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info().Msg("Starting consumer")
	backoff := c.minBackoff
	for {
		if ctx.Err() != nil {
			c.log.Info().Msg("Stopping consumer")
			return ctx.Err()
		}
		d, err := c.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.log.Error().Err(err).Dur("backoff", backoff).Msg("dequeue failed")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
			}
			backoff *= 2
			if backoff > c.maxBackoff {
				backoff = c.maxBackoff
			}
			continue
		}
		backoff = c.minBackoff
		if d == nil {
			continue
		}

		if err := c.pool.SubmitWait(ctx, func(tctx context.Context) error {
			c.handle(context.WithoutCancel(tctx), d)
			return nil
		}); err != nil {
			// left unacknowledged; the queue redelivers it
			c.log.Warn().Err(err).Str("message_id", d.Message.ID).Msg("delivery not scheduled")
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d *adapter.Delivery) {
	ctx = logging.WithTraceID(ctx, d.Message.ID)
	log := logging.With(ctx, c.log)

	err := c.runner.Handle(ctx, d.Message)
	outcome := "ok"
	switch {
	case err == nil:
	case usecase.IsPermanent(err):
		outcome = "failed"
	default:
		dead, nerr := c.queue.Nack(ctx, d, err.Error())
		if nerr != nil {
			log.Error().Err(nerr).AnErr("cause", err).Msg("nack failed")
			metrics.IncDelivery("error")
			return
		}
		if dead {
			outcome = "dead_lettered"
			log.Error().Err(err).Int("attempt", d.Message.Attempt).Msg("delivery dead-lettered")
			if aerr := c.runner.Abandon(ctx, d.Message, err.Error()); aerr != nil {
				log.Error().Err(aerr).Msg("could not record abandoned delivery")
			}
		} else {
			outcome = "retried"
			log.Warn().Err(err).Int("attempt", d.Message.Attempt).Msg("delivery will be retried")
		}
		metrics.IncDelivery(outcome)
		return
	}

	if aerr := c.queue.Ack(ctx, d); aerr != nil {
		log.Error().Err(aerr).Msg("ack failed")
		outcome = "error"
	}
	metrics.IncDelivery(outcome)
}
