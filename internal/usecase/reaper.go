package usecase

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"studio-agents/internal/domain/model"
	"studio-agents/internal/domain/ports/repository"
	"studio-agents/internal/infra/metrics"
)

const abandonedMessage = "stage abandoned"

// ReaperUseCase fails transactions that stopped making progress, typically because the
// worker running them died after the queue gave up redelivering.
type ReaperUseCase struct {
	repo repository.TransactionRepository
	life LifecycleUseCase
	log  *zerolog.Logger
}

func NewReaperUseCase(repo repository.TransactionRepository, life LifecycleUseCase, logger *zerolog.Logger) *ReaperUseCase {
	l := logger.With().Str("component", "Reaper").Logger()
	return &ReaperUseCase{repo: repo, life: life, log: &l}
}

// ReapStale marks up to limit non-terminal rows idle for longer than olderThan as
// failed and returns how many it changed. Links are reaped before their roots so the
// root's aggregate carries the link's message.
func (u *ReaperUseCase) ReapStale(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	rows, err := u.repo.ListStale(ctx, olderThan, limit)
	if err != nil {
		return 0, err
	}
	ordered := make([]*model.Transaction, 0, len(rows))
	for _, r := range rows {
		if !r.IsRoot() {
			ordered = append(ordered, r)
		}
	}
	for _, r := range rows {
		if r.IsRoot() {
			ordered = append(ordered, r)
		}
	}

	reaped := 0
	for _, r := range ordered {
		if ctx.Err() != nil {
			break
		}
		_, applied, err := u.life.Transition(ctx, r.ID, model.Failed(abandonedMessage, nil))
		if err != nil {
			u.log.Warn().Err(err).Str("transaction_id", r.ID).Msg("reap failed")
			continue
		}
		if applied {
			reaped++
		}
	}
	if reaped > 0 {
		metrics.AddStaleReaped(reaped)
		u.log.Info().Int("count", reaped).Dur("older_than", olderThan).Msg("reaped stale transactions")
	}
	return reaped, nil
}
