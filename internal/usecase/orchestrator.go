// File: internal/usecase/orchestrator.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"studio-agents/internal/domain"
	"studio-agents/internal/domain/model"
	"studio-agents/internal/domain/ports/adapter"
	"studio-agents/internal/domain/ports/repository"
	"studio-agents/internal/infra/logging"
	"studio-agents/internal/infra/metrics"
)

// Compile-time check
var _ OrchestratorUseCase = (*orchestratorUC)(nil)

// SubmitResult is returned to the caller as soon as the chain is queued.
type SubmitResult struct {
	TransactionID string                  `json:"transactionId"`
	Status        model.TransactionStatus `json:"status"`
}

// OrchestratorUseCase turns a request into a queued chain of links.
type OrchestratorUseCase interface {
	// Submit validates and routes the request, records its root transaction and queues
	// the chain. It never waits for the chain to run.
	Submit(ctx context.Context, env model.Envelope) (*SubmitResult, error)
}

type orchestratorUC struct {
	repo     repository.TransactionRepository
	life     LifecycleUseCase
	queue    adapter.TaskQueue
	services *model.ServiceTable
	log      *zerolog.Logger
}

func NewOrchestratorUseCase(
	repo repository.TransactionRepository,
	life LifecycleUseCase,
	queue adapter.TaskQueue,
	services *model.ServiceTable,
	logger *zerolog.Logger,
) *orchestratorUC {
	l := logger.With().Str("component", "Orchestrator").Logger()
	return &orchestratorUC{repo: repo, life: life, queue: queue, services: services, log: &l}
}

// BuildChain returns the ordered links for a request routed to svc: ingestion when
// documents are attached, the service stage, then completion. Link ids derive from the
// root id so resubmitting the same root yields the same links.
func BuildChain(svc *model.Service, env model.Envelope, rootID string) ([]model.Link, error) {
	if svc == nil || !svc.Stage.IsServiceStage() {
		return nil, domain.ErrEmptyChain
	}
	stages := make([]model.Link, 0, 3)
	if len(env.DocumentURLs) > 0 {
		stages = append(stages, model.Link{Stage: model.StageIngest})
	}
	stages = append(stages,
		model.Link{Stage: svc.Stage, Service: svc.ID},
		model.Link{Stage: model.StageCompletion},
	)
	root, err := uuid.Parse(rootID)
	if err != nil {
		root = uuid.NewSHA1(uuid.NameSpaceOID, []byte(rootID))
	}
	for i := range stages {
		name := strconv.Itoa(i) + ":" + string(stages[i].Stage)
		stages[i].TaskID = uuid.NewSHA1(root, []byte(name)).String()
	}
	return stages, nil
}

func (u *orchestratorUC) Submit(ctx context.Context, env model.Envelope) (*SubmitResult, error) {
	ctx = logging.WithUserID(ctx, env.UserID)
	log := logging.With(ctx, u.log)

	if err := env.Validate(); err != nil {
		metrics.IncChainSubmitted("invalid")
		return nil, err
	}

	existing, err := u.ownedRoot(ctx, env.ParentTransactionID, env.UserID)
	if err != nil {
		metrics.IncChainSubmitted("invalid")
		return nil, err
	}

	svc, err := u.services.Resolve(env.ServiceURL, env.ServiceID)
	if err != nil {
		metrics.IncChainSubmitted("unroutable")
		u.failExistingRoot(ctx, existing, err)
		return nil, err
	}

	rootID := env.ParentTransactionID
	if rootID == "" {
		rootID = uuid.NewString()
	}
	links, err := BuildChain(svc, env, rootID)
	if err != nil {
		metrics.IncChainSubmitted("invalid")
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}

	root, err := u.openRoot(ctx, existing, rootID, svc, env, len(links))
	if err != nil {
		metrics.IncChainSubmitted("error")
		return nil, err
	}
	if root.Status != model.StatusReceived {
		// resubmission of a root that is already queued or done
		metrics.IncChainSubmitted("duplicate")
		return &SubmitResult{TransactionID: root.ID, Status: root.Status}, nil
	}

	msg := model.ChainMessage{RootID: root.ID, Links: links, Envelope: env.WithParent(root.ID)}
	if err := u.queue.Enqueue(ctx, msg); err != nil {
		metrics.IncChainSubmitted("error")
		if _, _, ferr := u.life.Transition(ctx, root.ID, model.Failed("enqueue chain: "+err.Error(), nil)); ferr != nil {
			log.Error().Err(ferr).Str("transaction_id", root.ID).Msg("could not fail root after enqueue error")
		}
		return nil, fmt.Errorf("enqueue chain %s: %w", root.ID, err)
	}

	if _, _, err := u.life.Transition(ctx, root.ID, model.Pending()); err != nil {
		// the chain is queued; its first link moves the root forward
		log.Warn().Err(err).Str("transaction_id", root.ID).Msg("could not mark root pending")
	}
	metrics.IncChainSubmitted("accepted")
	log.Info().
		Str("transaction_id", root.ID).
		Str("service_id", svc.ID).
		Int("links", len(links)).
		Msg("chain submitted")
	return &SubmitResult{TransactionID: root.ID, Status: model.StatusPending}, nil
}

// ownedRoot loads a caller-supplied root. A row that is not a root, or belongs to
// another user, is reported as not found. A missing row yields nil.
func (u *orchestratorUC) ownedRoot(ctx context.Context, id, userID string) (*model.Transaction, error) {
	if id == "" {
		return nil, nil
	}
	row, err := u.repo.GetByID(ctx, nil, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !row.IsRoot() || row.UserID != userID {
		logging.With(ctx, u.log).Warn().Str("transaction_id", id).Msg("parent transaction not owned by caller")
		return nil, fmt.Errorf("%w: transaction %s", domain.ErrNotFound, id)
	}
	return row, nil
}

// openRoot returns the existing root row, or creates one.
func (u *orchestratorUC) openRoot(ctx context.Context, existing *model.Transaction, id string, svc *model.Service, env model.Envelope, links int) (*model.Transaction, error) {
	if existing != nil {
		return existing, nil
	}

	root, err := model.NewTransaction(id, "", svc.Stage, env)
	if err != nil {
		return nil, err
	}
	root.ServiceID = svc.ID
	root.ExpectedSubtasks = links
	if svc.Description != "" {
		root.Description = svc.Description
	}
	if _, err := u.repo.Insert(ctx, nil, root); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			// a concurrent submit created it; hand it out only to its owner
			row, err := u.ownedRoot(ctx, id, env.UserID)
			if err == nil && row == nil {
				err = fmt.Errorf("read root transaction %s: %w", id, domain.ErrNotFound)
			}
			return row, err
		}
		return nil, fmt.Errorf("create root transaction: %w", err)
	}
	return root, nil
}

func (u *orchestratorUC) failExistingRoot(ctx context.Context, root *model.Transaction, cause error) {
	if root == nil {
		return
	}
	if _, _, err := u.life.Transition(ctx, root.ID, model.Failed(cause.Error(), nil)); err != nil && !errors.Is(err, domain.ErrNotFound) {
		logging.With(ctx, u.log).Warn().Err(err).Str("transaction_id", root.ID).Msg("could not fail root after routing error")
	}
}
