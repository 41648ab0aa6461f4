package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Reaper fails transactions that stopped making progress.
type Reaper interface {
	ReapStale(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

// ReaperWorker periodically runs the stale transaction reaper.
type ReaperWorker struct {
	interval   time.Duration
	staleAfter time.Duration
	batch      int
	reaper     Reaper
	log        *zerolog.Logger
}

func NewReaperWorker(interval, staleAfter time.Duration, batch int, reaper Reaper, logger *zerolog.Logger) *ReaperWorker {
	reapLog := logger.With().Str("component", "ReaperWorker").Logger()
	return &ReaperWorker{
		interval:   interval,
		staleAfter: staleAfter,
		batch:      batch,
		reaper:     reaper,
		log:        &reapLog,
	}
}

func (w *ReaperWorker) Run(ctx context.Context) error {
	w.log.Info().Dur("interval", w.interval).Dur("stale_after", w.staleAfter).Msg("Starting reaper worker")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Stopping reaper worker")
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.reaper.ReapStale(ctx, w.staleAfter, w.batch); err != nil && ctx.Err() == nil {
				w.log.Error().Err(err).Msg("reaper worker error")
			}
		}
	}
}
