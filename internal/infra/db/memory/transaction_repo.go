// Package memory holds in-process repository implementations used by the demo,
// the memory queue setup and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"studio-agents/internal/domain"
	"studio-agents/internal/domain/model"
	"studio-agents/internal/domain/ports/repository"
)

var _ repository.TransactionRepository = (*TransactionRepo)(nil)

type TransactionRepo struct {
	mu   sync.RWMutex
	byID map[string]*model.Transaction
	seq  int64
	now  func() time.Time
}

func NewTransactionRepo() *TransactionRepo {
	return &TransactionRepo{byID: map[string]*model.Transaction{}, now: time.Now}
}

func (r *TransactionRepo) Insert(ctx context.Context, _ repository.Tx, t *model.Transaction) (string, error) {
	if t == nil || t.ID == "" {
		return "", domain.ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[t.ID]; ok {
		return "", domain.ErrAlreadyExists
	}
	if t.ParentID != "" {
		if _, ok := r.byID[t.ParentID]; !ok {
			return "", domain.ErrNotFound
		}
	}
	cp := t.Clone()
	r.seq++
	cp.Seq = r.seq
	now := r.now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	r.byID[cp.ID] = cp
	t.Seq = cp.Seq
	return cp.ID, nil
}

func (r *TransactionRepo) UpdateIfNotTerminal(ctx context.Context, id string, patch model.TransactionPatch) (*model.Transaction, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.byID[id]
	if !ok {
		return nil, false, domain.ErrNotFound
	}
	applied := cur.Apply(patch, r.now())
	return cur.Clone(), applied, nil
}

func (r *TransactionRepo) GetByID(ctx context.Context, _ repository.Tx, id string) (*model.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return t.Clone(), nil
}

func (r *TransactionRepo) ListByParent(ctx context.Context, _ repository.Tx, parentID string) ([]*model.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.Transaction
	for _, t := range r.byID {
		if t.ParentID == parentID && parentID != "" {
			out = append(out, t.Clone())
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (r *TransactionRepo) ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]*model.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cutoff := r.now().Add(-olderThan)
	var out []*model.Transaction
	for _, t := range r.byID {
		if !t.Status.IsTerminal() && t.UpdatedAt.Before(cutoff) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SetClock replaces the time source. Tests only.
func (r *TransactionRepo) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func sortNewestFirst(rows []*model.Transaction) {
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.After(rows[j].CreatedAt)
		}
		return rows[i].Seq > rows[j].Seq
	})
}
