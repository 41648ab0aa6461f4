package repository

import (
	"context"
	"time"

	"studio-agents/internal/domain/model"
)

// TransactionRepository is the durable status store. It is the only writer of transaction rows.
type TransactionRepository interface {
	// Insert stores a new row and returns its id. An existing id yields domain.ErrAlreadyExists.
	// A parent id must reference an existing row (domain.ErrNotFound otherwise).
	Insert(ctx context.Context, tx Tx, t *model.Transaction) (string, error)

	// UpdateIfNotTerminal re-reads the row and applies the patch when the transition is allowed.
	// A discarded patch is not an error: the current row is returned with applied=false.
	UpdateIfNotTerminal(ctx context.Context, id string, patch model.TransactionPatch) (row *model.Transaction, applied bool, err error)

	GetByID(ctx context.Context, tx Tx, id string) (*model.Transaction, error)

	// ListByParent returns the children of parentID, newest first.
	ListByParent(ctx context.Context, tx Tx, parentID string) ([]*model.Transaction, error)

	// ListStale returns non-terminal rows not updated since the given age.
	ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]*model.Transaction, error)
}
