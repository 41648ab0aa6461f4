// File: internal/usecase/lifecycle.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"studio-agents/internal/domain"
	"studio-agents/internal/domain/model"
	"studio-agents/internal/domain/ports/adapter"
	"studio-agents/internal/domain/ports/repository"
	"studio-agents/internal/infra/logging"
	"studio-agents/internal/infra/metrics"
)

// Compile-time check
var _ LifecycleUseCase = (*lifecycleUC)(nil)

// LifecycleUseCase owns every status change of a transaction. Each applied change
// of a link re-aggregates its parent, and a root reaching a terminal status
// triggers the caller's callback.
type LifecycleUseCase interface {
	// Open returns the row for a link, creating it on first delivery. Rows that are
	// not terminal are moved to running; terminal rows are returned untouched.
	Open(ctx context.Context, link model.Link, msg model.ChainMessage) (*model.Transaction, error)

	// Transition applies a patch under the monotonic guard. A discarded patch is not an error.
	Transition(ctx context.Context, id string, patch model.TransactionPatch) (*model.Transaction, bool, error)

	// Get reads a transaction row.
	Get(ctx context.Context, id string) (*model.Transaction, error)

	// Publish emits a best-effort progress event for a chain root.
	Publish(ctx context.Context, rootID string, ev adapter.ProgressEvent)

	// Wait blocks until every dispatched callback has been delivered or given up.
	Wait()
}

type lifecycleUC struct {
	repo     repository.TransactionRepository
	locker   adapter.Locker
	notifier adapter.CallbackNotifier
	progress adapter.ProgressPublisher
	lockTTL  time.Duration
	log      *zerolog.Logger

	callbacks chan struct{} // bounds in-flight callback deliveries
	inflight  sync.WaitGroup
}

const maxCallbacksInFlight = 32

// NewLifecycleUseCase wires the status store. locker, notifier and progress may be nil.
func NewLifecycleUseCase(
	repo repository.TransactionRepository,
	locker adapter.Locker,
	notifier adapter.CallbackNotifier,
	progress adapter.ProgressPublisher,
	logger *zerolog.Logger,
) *lifecycleUC {
	l := logger.With().Str("component", "Lifecycle").Logger()
	return &lifecycleUC{
		repo:     repo,
		locker:   locker,
		notifier: notifier,
		progress: progress,
		lockTTL:  10 * time.Second,
		log:      &l,

		callbacks: make(chan struct{}, maxCallbacksInFlight),
	}
}

func (u *lifecycleUC) Open(ctx context.Context, link model.Link, msg model.ChainMessage) (*model.Transaction, error) {
	row, err := u.repo.GetByID(ctx, nil, link.TaskID)
	if errors.Is(err, domain.ErrNotFound) {
		row, err = u.create(ctx, link, msg)
	}
	if err != nil {
		return nil, err
	}
	if row.Status.IsTerminal() {
		return row, nil
	}
	row, _, err = u.Transition(ctx, row.ID, model.Running())
	return row, err
}

func (u *lifecycleUC) create(ctx context.Context, link model.Link, msg model.ChainMessage) (*model.Transaction, error) {
	t, err := model.NewTransaction(link.TaskID, msg.RootID, link.Stage, msg.Envelope)
	if err != nil {
		return nil, err
	}
	if _, err := u.repo.Insert(ctx, nil, t); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			// a concurrent delivery created it first
			return u.repo.GetByID(ctx, nil, link.TaskID)
		}
		return nil, fmt.Errorf("create link %s: %w", link.TaskID, err)
	}
	return t, nil
}

func (u *lifecycleUC) Get(ctx context.Context, id string) (*model.Transaction, error) {
	return u.repo.GetByID(ctx, nil, id)
}

func (u *lifecycleUC) Transition(ctx context.Context, id string, patch model.TransactionPatch) (*model.Transaction, bool, error) {
	row, applied, err := u.repo.UpdateIfNotTerminal(ctx, id, patch)
	if err != nil {
		return nil, false, fmt.Errorf("transition %s to %s: %w", id, patch.Status, err)
	}
	metrics.IncTransition(string(patch.Status), applied)
	if !applied {
		u.log.Debug().
			Str("transaction_id", id).
			Str("current", string(row.Status)).
			Str("requested", string(patch.Status)).
			Msg("transition discarded")
		return row, false, nil
	}

	if row.ParentID != "" {
		if err := u.aggregate(ctx, row.ParentID); err != nil {
			// the row itself is written; the next sibling update re-aggregates
			u.log.Warn().Err(err).Str("parent_id", row.ParentID).Msg("aggregation failed")
		}
	} else if row.Status.IsTerminal() {
		u.notify(ctx, row)
	}
	return row, true, nil
}

// notify hands the callback to a background delivery. It blocks only while
// maxCallbacksInFlight deliveries are already running.
func (u *lifecycleUC) notify(ctx context.Context, root *model.Transaction) {
	if u.notifier == nil || root.CallbackURL == "" {
		return
	}
	result := model.NewTaskResult(root)
	log := logging.With(ctx, u.log)
	// the delivery outlives the stage that finished the chain
	ctx = context.WithoutCancel(ctx)

	u.callbacks <- struct{}{}
	u.inflight.Add(1)
	go func() {
		defer func() {
			<-u.callbacks
			u.inflight.Done()
		}()
		if err := u.notifier.Notify(ctx, root.CallbackURL, result); err != nil {
			log.Warn().Err(err).Str("transaction_id", root.ID).Msg("callback delivery failed")
		}
	}()
}

func (u *lifecycleUC) Wait() { u.inflight.Wait() }

func (u *lifecycleUC) Publish(ctx context.Context, rootID string, ev adapter.ProgressEvent) {
	if u.progress == nil || rootID == "" {
		return
	}
	if err := u.progress.Publish(ctx, rootID, ev); err != nil {
		u.log.Debug().Err(err).Str("root_id", rootID).Msg("progress publish failed")
	}
}
