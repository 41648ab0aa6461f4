package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"studio-agents/internal/domain/model"
	"studio-agents/internal/domain/ports/repository"
	"studio-agents/internal/infra/metrics"
	red "studio-agents/internal/infra/redis"
)

var _ repository.TransactionRepository = (*transactionRepoCacheDecorator)(nil)

// transactionRepoCacheDecorator caches terminal rows in Redis. Terminal rows never
// change, so entries are only written, never invalidated.
type transactionRepoCacheDecorator struct {
	repository.TransactionRepository
	cache red.RedisClient
	ttl   time.Duration
	log   *zerolog.Logger
}

func NewTransactionRepoCacheDecorator(inner repository.TransactionRepository, cache red.RedisClient, ttl time.Duration, logger *zerolog.Logger) repository.TransactionRepository {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &transactionRepoCacheDecorator{TransactionRepository: inner, cache: cache, ttl: ttl, log: logger}
}

func cacheKey(id string) string { return fmt.Sprintf("transaction:terminal:%s", id) }

func (d *transactionRepoCacheDecorator) GetByID(ctx context.Context, tx repository.Tx, id string) (*model.Transaction, error) {
	// reads inside a db transaction must see the row itself
	if tx != nil {
		return d.TransactionRepository.GetByID(ctx, tx, id)
	}
	val, err := d.cache.Get(ctx, cacheKey(id))
	if err == nil {
		var t model.Transaction
		if json.Unmarshal([]byte(val), &t) == nil {
			metrics.IncCacheRequest("transaction", "hit")
			return &t, nil
		}
	} else if err != redis.Nil {
		d.log.Warn().Err(err).Str("transaction_id", id).Msg("transaction cache read failed")
	}

	metrics.IncCacheRequest("transaction", "miss")
	t, err := d.TransactionRepository.GetByID(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	d.store(ctx, t)
	return t, nil
}

func (d *transactionRepoCacheDecorator) UpdateIfNotTerminal(ctx context.Context, id string, patch model.TransactionPatch) (*model.Transaction, bool, error) {
	t, applied, err := d.TransactionRepository.UpdateIfNotTerminal(ctx, id, patch)
	if err == nil {
		d.store(ctx, t)
	}
	return t, applied, err
}

func (d *transactionRepoCacheDecorator) store(ctx context.Context, t *model.Transaction) {
	if t == nil || !t.Status.IsTerminal() {
		return
	}
	b, err := json.Marshal(t)
	if err != nil {
		return
	}
	if err := d.cache.Set(ctx, cacheKey(t.ID), b, d.ttl); err != nil {
		d.log.Warn().Err(err).Str("transaction_id", t.ID).Msg("transaction cache write failed")
	}
}
