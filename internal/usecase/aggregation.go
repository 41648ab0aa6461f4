package usecase

import (
	"context"
	"fmt"

	"studio-agents/internal/domain/model"
)

func aggregationLockKey(parentID string) string { return "lock:aggregate:" + parentID }

// Aggregate derives a parent's status from its children, given newest first.
//
//   - any child failed: the parent fails with that child's message
//   - all children completed and the expected count reached: the parent completes
//     with the result of the most recently created child
//   - otherwise the parent is running
func Aggregate(parent *model.Transaction, children []*model.Transaction) model.TransactionPatch {
	usage := model.SumUsage(children)
	for _, c := range children {
		if c.Status == model.StatusFailed {
			return model.Failed(fmt.Sprintf("subtask %s failed: %s", c.ID, c.ErrorMessage), usage)
		}
	}
	if len(children) == 0 || len(children) < parent.ExpectedSubtasks {
		return model.Running()
	}
	for _, c := range children {
		if c.Status != model.StatusCompleted {
			return model.Running()
		}
	}
	latest := children[0]
	return model.Completed(latest.ResultPayload, latest.ResultDocumentURLs, usage)
}

// aggregate recomputes the parent under a per-parent lock. The lock only narrows
// races; the monotonic guard keeps the parent correct without it.
func (u *lifecycleUC) aggregate(ctx context.Context, parentID string) error {
	if u.locker != nil {
		key := aggregationLockKey(parentID)
		token, err := u.locker.TryLock(ctx, key, u.lockTTL)
		if err == nil {
			defer func() {
				if err := u.locker.Unlock(ctx, key, token); err != nil {
					u.log.Debug().Err(err).Str("parent_id", parentID).Msg("unlock failed")
				}
			}()
		} else {
			u.log.Debug().Err(err).Str("parent_id", parentID).Msg("aggregating without lock")
		}
	}

	parent, err := u.repo.GetByID(ctx, nil, parentID)
	if err != nil {
		return err
	}
	if parent.Status.IsTerminal() {
		return nil
	}
	children, err := u.repo.ListByParent(ctx, nil, parentID)
	if err != nil {
		return err
	}
	_, _, err = u.Transition(ctx, parentID, Aggregate(parent, children))
	return err
}
