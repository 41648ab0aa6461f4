// File: internal/usecase/chain_runner.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"studio-agents/internal/domain"
	"studio-agents/internal/domain/model"
	"studio-agents/internal/domain/ports/adapter"
	"studio-agents/internal/infra/logging"
	"studio-agents/internal/infra/metrics"
)

// Compile-time check
var _ ChainRunner = (*chainRunner)(nil)

// StageRun is the input of one link execution.
type StageRun struct {
	TaskID   string
	RootID   string
	Stage    model.StageKind
	Service  *model.Service // nil for ingest and completion
	Envelope model.Envelope
}

// StageOutcome is what a stage produced.
type StageOutcome struct {
	Result       model.Payload
	DocumentURLs []string
	Tokens       adapter.GenerationUsage
}

// StageFunc executes one stage kind.
type StageFunc func(ctx context.Context, run StageRun) (*StageOutcome, error)

// StageError is a stage failure already recorded on its transaction. Redelivering
// the message cannot change the outcome.
type StageError struct {
	TaskID string
	Err    error
}

func (e *StageError) Error() string { return fmt.Sprintf("stage %s failed: %v", e.TaskID, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

// IsPermanent reports whether a delivery that failed with err should be acknowledged.
func IsPermanent(err error) bool {
	var se *StageError
	return errors.As(err, &se) || errors.Is(err, domain.ErrEmptyChain)
}

// ChainRunner executes the current link of a chain message.
type ChainRunner interface {
	// Handle runs the current link and enqueues the next one once the link is recorded
	// as completed. Errors that are not permanent leave the message for redelivery.
	Handle(ctx context.Context, msg model.ChainMessage) error

	// Abandon records a message whose deliveries are exhausted as failed.
	Abandon(ctx context.Context, msg model.ChainMessage, reason string) error
}

type chainRunner struct {
	life     LifecycleUseCase
	queue    adapter.TaskQueue
	stages   map[model.StageKind]StageFunc
	services *model.ServiceTable
	usage    adapter.UsageTracker
	timeout  func(model.StageKind) time.Duration
	log      *zerolog.Logger
}

func NewChainRunner(
	life LifecycleUseCase,
	queue adapter.TaskQueue,
	stages map[model.StageKind]StageFunc,
	services *model.ServiceTable,
	usage adapter.UsageTracker,
	timeout func(model.StageKind) time.Duration,
	logger *zerolog.Logger,
) *chainRunner {
	l := logger.With().Str("component", "ChainRunner").Logger()
	return &chainRunner{
		life:     life,
		queue:    queue,
		stages:   stages,
		services: services,
		usage:    usage,
		timeout:  timeout,
		log:      &l,
	}
}

func (r *chainRunner) Handle(ctx context.Context, msg model.ChainMessage) error {
	link, ok := msg.Current()
	if !ok {
		return fmt.Errorf("message %s: %w", msg.ID, domain.ErrEmptyChain)
	}
	ctx = logging.WithTransactionID(logging.WithStage(ctx, string(link.Stage)), link.TaskID)
	log := logging.With(ctx, r.log)

	root, err := r.life.Get(ctx, msg.RootID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if root != nil && root.Status.IsTerminal() {
		log.Info().Str("root_status", string(root.Status)).Msg("chain already finished, skipping link")
		metrics.ObserveStage(string(link.Stage), "skipped", 0)
		return r.closeOrphan(ctx, link, root)
	}

	row, err := r.life.Open(ctx, link, msg)
	if err != nil {
		return err
	}
	switch row.Status {
	case model.StatusCompleted:
		// duplicate delivery: the next link may not have been enqueued yet
		log.Info().Msg("link already completed, re-enqueueing next link")
		metrics.ObserveStage(string(link.Stage), "skipped", 0)
		return r.enqueueNext(ctx, msg, link, row)
	case model.StatusFailed:
		log.Info().Msg("link already failed, dropping delivery")
		metrics.ObserveStage(string(link.Stage), "skipped", 0)
		return nil
	}

	run := StageRun{TaskID: link.TaskID, RootID: msg.RootID, Stage: link.Stage, Envelope: msg.Envelope}
	if link.Service != "" {
		if svc, err := r.services.Get(link.Service); err == nil {
			run.Service = svc
		}
	}

	span := r.usage.Begin(link.Stage.ResourceType())
	out, execErr := r.execute(ctx, run)
	var tokens adapter.GenerationUsage
	if out != nil {
		tokens = out.Tokens
	}
	usage := span.End(tokens)

	if execErr != nil {
		if ctx.Err() != nil {
			// shutdown, not a stage failure
			return ctx.Err()
		}
		metrics.ObserveStage(string(link.Stage), "failed", usage.RuntimeMs)
		log.Warn().Err(execErr).Int64("runtime_ms", usage.RuntimeMs).Msg("stage failed")
		if _, _, err := r.life.Transition(ctx, link.TaskID, model.Failed(execErr.Error(), &usage)); err != nil {
			return err
		}
		return &StageError{TaskID: link.TaskID, Err: execErr}
	}

	done, applied, err := r.life.Transition(ctx, link.TaskID, model.Completed(out.Result, out.DocumentURLs, &usage))
	if err != nil {
		return err
	}
	if !applied && done.Status == model.StatusFailed {
		// failed by someone else meanwhile, e.g. the stale reaper
		return &StageError{TaskID: link.TaskID, Err: errors.New(done.ErrorMessage)}
	}
	metrics.ObserveStage(string(link.Stage), "completed", usage.RuntimeMs)
	log.Info().Int64("runtime_ms", usage.RuntimeMs).Int("tokens", usage.TotalTokens).Msg("stage completed")
	return r.enqueueNext(ctx, msg, link, done)
}

// closeOrphan fails a link left open by an earlier delivery of a finished chain.
func (r *chainRunner) closeOrphan(ctx context.Context, link model.Link, root *model.Transaction) error {
	_, _, err := r.life.Transition(ctx, link.TaskID, model.Failed("chain already "+string(root.Status), nil))
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return nil
}

// enqueueNext derives the next envelope from the stored result, so a redelivered
// link forwards exactly what the first delivery recorded.
func (r *chainRunner) enqueueNext(ctx context.Context, msg model.ChainMessage, link model.Link, row *model.Transaction) error {
	next, ok := msg.Next(msg.Envelope.Advance(link.Stage, row.ResultPayload))
	if !ok {
		return nil
	}
	if err := r.queue.Enqueue(ctx, next); err != nil {
		return fmt.Errorf("enqueue link after %s: %w", link.TaskID, err)
	}
	return nil
}

type stageResult struct {
	out *StageOutcome
	err error
}

// execute runs the stage under its timeout. A panicking stage fails its link.
func (r *chainRunner) execute(ctx context.Context, run StageRun) (*StageOutcome, error) {
	fn, ok := r.stages[run.Stage]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownStage, run.Stage)
	}
	if run.Stage.IsServiceStage() && run.Service == nil {
		return nil, fmt.Errorf("%w: no service for stage %s", domain.ErrRouting, run.Stage)
	}

	d := r.timeout(run.Stage)
	sctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan stageResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- stageResult{err: fmt.Errorf("stage panicked: %v", p)}
			}
		}()
		out, err := fn(sctx, run)
		done <- stageResult{out: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			if errors.Is(sctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, fmt.Errorf("%w after %s: %v", domain.ErrStageTimeout, d, res.err)
			}
			return res.out, res.err
		}
		if res.out == nil {
			res.out = &StageOutcome{}
		}
		if res.out.Result == nil {
			res.out.Result = model.Payload{}
		}
		return res.out, nil
	case <-sctx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w after %s", domain.ErrStageTimeout, d)
	}
}

func (r *chainRunner) Abandon(ctx context.Context, msg model.ChainMessage, reason string) error {
	patch := model.Failed("delivery abandoned: "+reason, nil)
	if link, ok := msg.Current(); ok {
		row, applied, err := r.life.Transition(ctx, link.TaskID, patch)
		switch {
		case err == nil && (applied || row.Status == model.StatusFailed):
			// aggregation carries the failure to the root
			return nil
		case err == nil:
			// the link completed but its successor could never be queued
			logging.With(ctx, r.log).Warn().Str("transaction_id", link.TaskID).Msg("chain stalled after completed link")
		case !errors.Is(err, domain.ErrNotFound):
			return err
		}
	}
	// no link row carries the failure, fail the root directly
	_, _, err := r.life.Transition(ctx, msg.RootID, patch)
	return err
}
