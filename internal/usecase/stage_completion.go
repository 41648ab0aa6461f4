// File: internal/usecase/stage_completion.go
package usecase

import (
	"context"
	"fmt"

	"studio-agents/internal/domain/model"
	"studio-agents/internal/domain/ports/repository"
)

// completionStage copies the chain's final result onto the root and finalizes it.
type completionStage struct {
	life LifecycleUseCase
	repo repository.TransactionRepository
}

func newCompletionStage(d StageDeps) *completionStage {
	return &completionStage{life: d.Lifecycle, repo: d.Repo}
}

func (s *completionStage) Run(ctx context.Context, run StageRun) (*StageOutcome, error) {
	if run.RootID == "" {
		return &StageOutcome{Result: run.Envelope.InputData.Clone()}, nil
	}
	siblings, err := s.repo.ListByParent(ctx, nil, run.RootID)
	if err != nil {
		return nil, fmt.Errorf("list siblings: %w", err)
	}

	others := make([]*model.Transaction, 0, len(siblings))
	var chosen *model.Transaction
	for _, sib := range siblings {
		if sib.ID == run.TaskID {
			continue
		}
		others = append(others, sib)
		if chosen == nil && sib.Status == model.StatusCompleted {
			chosen = sib
		}
	}

	out := &StageOutcome{Result: run.Envelope.InputData.Clone()}
	if chosen != nil {
		out.Result = chosen.ResultPayload.Clone()
		out.DocumentURLs = append([]string(nil), chosen.ResultDocumentURLs...)
	}
	if out.Result == nil {
		out.Result = model.Payload{}
	}

	if _, _, err := s.life.Transition(ctx, run.RootID, model.Completed(out.Result, out.DocumentURLs, model.SumUsage(others))); err != nil {
		return nil, fmt.Errorf("finalize %s: %w", run.RootID, err)
	}
	return out, nil
}
