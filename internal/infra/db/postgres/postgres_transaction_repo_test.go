//go:build integration

package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"

	"studio-agents/internal/domain"
	"studio-agents/internal/domain/model"
)

func TestTransactionRepo_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode.")
	}

	ctx := context.Background()
	repo := NewTransactionRepo(testPool, NewTxManager(testPool))
	env := model.Envelope{UserID: "u-1", ProjectID: "p-1", ServiceID: "primer", InputData: model.Payload{"topic": "X"}}

	newTx := func(t *testing.T, id, parent string) *model.Transaction {
		t.Helper()
		tx, err := model.NewTransaction(id, parent, "", env)
		if err != nil {
			t.Fatalf("failed to build transaction: %v", err)
		}
		return tx
	}

	t.Run("should insert and read back a root", func(t *testing.T) {
		cleanup(t)
		root := newTx(t, "", "")
		root.ExpectedSubtasks = 2
		if _, err := repo.Insert(ctx, nil, root); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
		got, err := repo.GetByID(ctx, nil, root.ID)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if got.Status != model.StatusReceived || got.InputData["topic"] != "X" || got.ExpectedSubtasks != 2 {
			t.Errorf("unexpected row: %+v", got)
		}
		if got.ResultPayload != nil || got.ErrorMessage != "" {
			t.Errorf("fresh row must have no result or error: %+v", got)
		}
	})

	t.Run("should map constraint violations", func(t *testing.T) {
		cleanup(t)
		root := newTx(t, "root-1", "")
		_, _ = repo.Insert(ctx, nil, root)
		if _, err := repo.Insert(ctx, nil, newTx(t, "root-1", "")); !errors.Is(err, domain.ErrAlreadyExists) {
			t.Errorf("expected ErrAlreadyExists, got %v", err)
		}
		if _, err := repo.Insert(ctx, nil, newTx(t, "child", "missing")); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound for unknown parent, got %v", err)
		}
		if _, err := repo.GetByID(ctx, nil, "nope"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("should keep terminal rows unchanged", func(t *testing.T) {
		cleanup(t)
		root := newTx(t, "", "")
		_, _ = repo.Insert(ctx, nil, root)
		usage := &model.UsageMetrics{RuntimeMs: 12, TotalTokens: 30, ModelName: "gpt-4o-mini"}
		done, applied, err := repo.UpdateIfNotTerminal(ctx, root.ID, model.Completed(model.Payload{"raw": "primer text"}, []string{"https://x/doc"}, usage))
		if err != nil || !applied {
			t.Fatalf("expected completion to apply: %v %v", applied, err)
		}
		again, applied, err := repo.UpdateIfNotTerminal(ctx, root.ID, model.Running())
		if err != nil || applied {
			t.Fatalf("expected running to be discarded: %v %v", applied, err)
		}
		if again.ResultPayload["raw"] != "primer text" || !again.CompletedAt.Equal(*done.CompletedAt) {
			t.Errorf("terminal row changed: %+v", again)
		}
		if again.Usage == nil || again.Usage.TotalTokens != 30 {
			t.Errorf("usage not persisted: %+v", again.Usage)
		}
	})

	t.Run("should list children newest first", func(t *testing.T) {
		cleanup(t)
		root := newTx(t, "root", "")
		_, _ = repo.Insert(ctx, nil, root)
		for _, id := range []string{"a", "b", "c"} {
			if _, err := repo.Insert(ctx, nil, newTx(t, id, "root")); err != nil {
				t.Fatalf("insert child failed: %v", err)
			}
		}
		rows, err := repo.ListByParent(ctx, nil, "root")
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(rows) != 3 || rows[0].ID != "c" || rows[2].ID != "a" {
			t.Errorf("unexpected order: %d rows", len(rows))
		}
	})

	t.Run("should apply exactly one of many concurrent terminal updates", func(t *testing.T) {
		cleanup(t)
		root := newTx(t, "", "")
		_, _ = repo.Insert(ctx, nil, root)
		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			count int
		)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				patch := model.Failed("boom", nil)
				if i%2 == 0 {
					patch = model.Completed(model.Payload{"i": i}, nil, nil)
				}
				_, applied, err := repo.UpdateIfNotTerminal(ctx, root.ID, patch)
				if err != nil {
					t.Errorf("update failed: %v", err)
					return
				}
				if applied {
					mu.Lock()
					count++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		if count != 1 {
			t.Errorf("expected exactly one applied terminal update, got %d", count)
		}
	})
}
