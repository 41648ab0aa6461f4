package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"studio-agents/internal/domain"
	"studio-agents/internal/domain/model"
	"studio-agents/internal/domain/ports/repository"
)

var _ repository.TransactionRepository = (*transactionRepo)(nil)

type transactionRepo struct {
	pool *pgxpool.Pool
	tm   repository.TransactionManager
}

func NewTransactionRepo(pool *pgxpool.Pool, tm repository.TransactionManager) *transactionRepo {
	return &transactionRepo{pool: pool, tm: tm}
}

const transactionColumns = `id, seq, parent_id, task_type, stage, description, status, user_id, project_id, service_id,
  input_data, input_document_urls, result_payload, result_document_urls, error_message, usage_metrics,
  callback_url, expected_subtasks, created_at, updated_at, completed_at`

func (r *transactionRepo) Insert(ctx context.Context, tx repository.Tx, t *model.Transaction) (string, error) {
	if t == nil || t.ID == "" {
		return "", domain.ErrInvalidArgument
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	input, err := encodeJSON(t.InputData)
	if err != nil {
		return "", err
	}
	result, err := encodeJSON(t.ResultPayload)
	if err != nil {
		return "", err
	}
	usage, err := encodeJSON(t.Usage)
	if err != nil {
		return "", err
	}

	const q = `
INSERT INTO transactions (id, parent_id, task_type, stage, description, status, user_id, project_id, service_id,
  input_data, input_document_urls, result_payload, result_document_urls, error_message, usage_metrics,
  callback_url, expected_subtasks, created_at, updated_at, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
RETURNING seq;`

	row, err := pickRow(ctx, r.pool, tx, q,
		t.ID, nullable(t.ParentID), string(t.TaskType), string(t.Stage), t.Description, string(t.Status),
		t.UserID, t.ProjectID, t.ServiceID,
		input, nonNil(t.InputDocumentURLs), result, nonNil(t.ResultDocumentURLs), nullable(t.ErrorMessage), usage,
		t.CallbackURL, t.ExpectedSubtasks, t.CreatedAt, t.UpdatedAt, t.CompletedAt,
	)
	if err != nil {
		return "", err
	}
	if err := row.Scan(&t.Seq); err != nil {
		return "", translateError(err)
	}
	return t.ID, nil
}

// UpdateIfNotTerminal locks the row, re-reads its status and writes the patch only
// when the transition is allowed.
func (r *transactionRepo) UpdateIfNotTerminal(ctx context.Context, id string, patch model.TransactionPatch) (*model.Transaction, bool, error) {
	var (
		cur     *model.Transaction
		applied bool
	)
	err := r.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		row, err := pickRow(ctx, r.pool, tx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE;`, id)
		if err != nil {
			return err
		}
		cur, err = scanTransaction(row)
		if err != nil {
			return err
		}
		applied = cur.Apply(patch, time.Now())
		if !applied {
			return nil
		}
		result, err := encodeJSON(cur.ResultPayload)
		if err != nil {
			return err
		}
		usage, err := encodeJSON(cur.Usage)
		if err != nil {
			return err
		}
		const q = `
UPDATE transactions SET
  status = $2,
  result_payload = $3,
  result_document_urls = $4,
  error_message = $5,
  usage_metrics = $6,
  updated_at = $7,
  completed_at = $8
WHERE id = $1;`
		_, err = execSQL(ctx, r.pool, tx, q,
			cur.ID, string(cur.Status), result, nonNil(cur.ResultDocumentURLs), nullable(cur.ErrorMessage),
			usage, cur.UpdatedAt, cur.CompletedAt)
		return translateError(err)
	})
	if err != nil {
		return nil, false, err
	}
	return cur, applied, nil
}

func (r *transactionRepo) GetByID(ctx context.Context, tx repository.Tx, id string) (*model.Transaction, error) {
	row, err := pickRow(ctx, r.pool, tx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1;`, id)
	if err != nil {
		return nil, err
	}
	return scanTransaction(row)
}

func (r *transactionRepo) ListByParent(ctx context.Context, tx repository.Tx, parentID string) ([]*model.Transaction, error) {
	ex, err := getExecutor(r.pool, tx)
	if err != nil {
		return nil, err
	}
	rows, err := ex.Query(ctx, `SELECT `+transactionColumns+`
FROM transactions
WHERE parent_id = $1
ORDER BY created_at DESC, seq DESC;`, parentID)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (r *transactionRepo) ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]*model.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT `+transactionColumns+`
FROM transactions
WHERE status NOT IN ('completed', 'failed') AND updated_at < $1
ORDER BY updated_at
LIMIT $2;`, time.Now().Add(-olderThan), limit)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func collect(rows pgx.Rows) ([]*model.Transaction, error) {
	defer rows.Close()
	var out []*model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTransaction(row pgx.Row) (*model.Transaction, error) {
	var (
		t                       model.Transaction
		parentID, errMsg        *string
		taskType, stage, status string
		input, result, usage    []byte
		inputDocs, resultDocs   []string
	)
	err := row.Scan(
		&t.ID, &t.Seq, &parentID, &taskType, &stage, &t.Description, &status, &t.UserID, &t.ProjectID, &t.ServiceID,
		&input, &inputDocs, &result, &resultDocs, &errMsg, &usage,
		&t.CallbackURL, &t.ExpectedSubtasks, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrReadDatabaseRow, err)
	}
	if parentID != nil {
		t.ParentID = *parentID
	}
	if errMsg != nil {
		t.ErrorMessage = *errMsg
	}
	t.TaskType = model.TaskType(taskType)
	t.Stage = model.StageKind(stage)
	t.Status = model.TransactionStatus(status)
	if len(inputDocs) > 0 {
		t.InputDocumentURLs = inputDocs
	}
	if len(resultDocs) > 0 {
		t.ResultDocumentURLs = resultDocs
	}
	if err := decodeJSON(input, &t.InputData); err != nil {
		return nil, err
	}
	if err := decodeJSON(result, &t.ResultPayload); err != nil {
		return nil, err
	}
	if len(usage) > 0 {
		t.Usage = &model.UsageMetrics{}
		if err := json.Unmarshal(usage, t.Usage); err != nil {
			return nil, fmt.Errorf("%w: usage_metrics: %v", domain.ErrReadDatabaseRow, err)
		}
	}
	return &t, nil
}

// encodeJSON returns nil (SQL NULL) for nil values.
func encodeJSON(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case model.Payload:
		if x == nil {
			return nil, nil
		}
	case *model.UsageMetrics:
		if x == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return string(b), nil
}

func decodeJSON(b []byte, out *model.Payload) error {
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrReadDatabaseRow, err)
	}
	return nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
