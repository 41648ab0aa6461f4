// File: internal/usecase/status.go
package usecase

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"studio-agents/internal/domain/model"
	"studio-agents/internal/domain/ports/repository"
	"studio-agents/internal/infra/metrics"
)

// Compile-time check
var _ StatusUseCase = (*statusUC)(nil)

// StatusUseCase answers polling requests.
type StatusUseCase interface {
	Get(ctx context.Context, id string) (*model.Transaction, error)
	ListSubtasks(ctx context.Context, parentID string) ([]*model.Transaction, error)
}

type statusUC struct {
	repo  repository.TransactionRepository
	cache *lru.Cache[string, *model.Transaction]
}

// NewStatusUseCase keeps up to cacheSize terminal rows in process. Terminal rows never
// change, so cached entries are never stale. cacheSize <= 0 disables the cache.
func NewStatusUseCase(repo repository.TransactionRepository, cacheSize int) *statusUC {
	u := &statusUC{repo: repo}
	if cacheSize > 0 {
		u.cache, _ = lru.New[string, *model.Transaction](cacheSize)
	}
	return u
}

func (u *statusUC) Get(ctx context.Context, id string) (*model.Transaction, error) {
	if u.cache != nil {
		if t, ok := u.cache.Get(id); ok {
			metrics.IncCacheRequest("status", "hit")
			return t.Clone(), nil
		}
		metrics.IncCacheRequest("status", "miss")
	}
	t, err := u.repo.GetByID(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if u.cache != nil && t.Status.IsTerminal() {
		u.cache.Add(id, t.Clone())
	}
	return t, nil
}

func (u *statusUC) ListSubtasks(ctx context.Context, parentID string) ([]*model.Transaction, error) {
	if _, err := u.Get(ctx, parentID); err != nil {
		return nil, err
	}
	return u.repo.ListByParent(ctx, nil, parentID)
}
