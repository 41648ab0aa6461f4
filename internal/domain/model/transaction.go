package model

import (
	"time"

	"github.com/google/uuid"

	"studio-agents/internal/domain"
)

type TransactionStatus string

const (
	StatusReceived  TransactionStatus = "received"
	StatusPending   TransactionStatus = "pending"
	StatusRunning   TransactionStatus = "running"
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
)

// Rank orders statuses along the lifecycle. Terminal statuses share the top rank.
func (s TransactionStatus) Rank() int {
	switch s {
	case StatusReceived:
		return 0
	case StatusPending:
		return 1
	case StatusRunning:
		return 2
	case StatusCompleted, StatusFailed:
		return 3
	default:
		return -1
	}
}

func (s TransactionStatus) Valid() bool { return s.Rank() >= 0 }

func (s TransactionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether a row in status s may move to next.
// Terminal rows never move; otherwise the rank may not decrease.
func (s TransactionStatus) CanTransition(next TransactionStatus) bool {
	if !next.Valid() || s.IsTerminal() {
		return false
	}
	return next.Rank() >= s.Rank()
}

type TaskType string

const (
	TaskTypeTask    TaskType = "task"
	TaskTypeSubtask TaskType = "subtask"
)

// Payload is an opaque structured document carried as inputData/resultPayload.
type Payload map[string]any

// Clone returns a shallow copy; nested values are shared.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge returns the union of p and other, keys of other win.
func (p Payload) Merge(other Payload) Payload {
	out := make(Payload, len(p)+len(other))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// String returns the value under key when it is a non-empty string.
func (p Payload) String(key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

// Transaction is the durable record of one chain root or one chain link.
type Transaction struct {
	ID                 string
	ParentID           string
	TaskType           TaskType
	Stage              StageKind
	Description        string
	Status             TransactionStatus
	UserID             string
	ProjectID          string
	ServiceID          string
	InputData          Payload
	InputDocumentURLs  []string
	ResultPayload      Payload
	ResultDocumentURLs []string
	ErrorMessage       string
	Usage              *UsageMetrics
	CallbackURL        string
	ExpectedSubtasks   int
	CreatedAt          time.Time
	UpdatedAt          time.Time
	CompletedAt        *time.Time

	// Seq is assigned by the store and breaks createdAt ties.
	Seq int64
}

// NewTransaction builds a received transaction for the envelope. An empty id is generated.
// A non-empty parentID makes it a subtask.
func NewTransaction(id, parentID string, stage StageKind, env Envelope) (*Transaction, error) {
	if env.UserID == "" || env.ServiceID == "" {
		return nil, domain.ErrInvalidArgument
	}
	if stage != "" && !stage.Valid() {
		return nil, domain.ErrUnknownStage
	}
	if id == "" {
		id = uuid.NewString()
	}
	tt := TaskTypeTask
	if parentID != "" {
		tt = TaskTypeSubtask
	}
	now := time.Now()
	return &Transaction{
		ID:                id,
		ParentID:          parentID,
		TaskType:          tt,
		Stage:             stage,
		Description:       stage.Description(),
		Status:            StatusReceived,
		UserID:            env.UserID,
		ProjectID:         env.ProjectID,
		ServiceID:         env.ServiceID,
		InputData:         env.InputData.Clone(),
		InputDocumentURLs: append([]string(nil), env.DocumentURLs...),
		CallbackURL:       env.CallbackURL,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

func (t *Transaction) IsRoot() bool { return t.ParentID == "" }

// Clone returns a copy safe to hand out of a store.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	cp := *t
	cp.InputData = t.InputData.Clone()
	cp.ResultPayload = t.ResultPayload.Clone()
	cp.InputDocumentURLs = append([]string(nil), t.InputDocumentURLs...)
	cp.ResultDocumentURLs = append([]string(nil), t.ResultDocumentURLs...)
	if t.Usage != nil {
		u := *t.Usage
		cp.Usage = &u
	}
	if t.CompletedAt != nil {
		c := *t.CompletedAt
		cp.CompletedAt = &c
	}
	return &cp
}

// TransactionPatch is the mutable part of a transaction carried by a status update.
type TransactionPatch struct {
	Status             TransactionStatus
	ResultPayload      Payload
	ResultDocumentURLs []string
	ErrorMessage       string
	Usage              *UsageMetrics
}

func Running() TransactionPatch { return TransactionPatch{Status: StatusRunning} }
func Pending() TransactionPatch { return TransactionPatch{Status: StatusPending} }

func Completed(result Payload, docs []string, usage *UsageMetrics) TransactionPatch {
	return TransactionPatch{Status: StatusCompleted, ResultPayload: result, ResultDocumentURLs: docs, Usage: usage}
}

func Failed(msg string, usage *UsageMetrics) TransactionPatch {
	return TransactionPatch{Status: StatusFailed, ErrorMessage: msg, Usage: usage}
}

// Apply mutates t with p when the transition is allowed and reports whether it did.
// Completed rows always carry a non-nil result; failed rows always carry a message.
func (t *Transaction) Apply(p TransactionPatch, now time.Time) bool {
	if !t.Status.CanTransition(p.Status) {
		return false
	}
	t.Status = p.Status
	t.UpdatedAt = now
	if p.Usage != nil {
		u := *p.Usage
		t.Usage = &u
	}
	switch p.Status {
	case StatusCompleted:
		t.ResultPayload = p.ResultPayload.Clone()
		if t.ResultPayload == nil {
			t.ResultPayload = Payload{}
		}
		t.ResultDocumentURLs = append([]string(nil), p.ResultDocumentURLs...)
		t.ErrorMessage = ""
		t.CompletedAt = &now
	case StatusFailed:
		t.ErrorMessage = p.ErrorMessage
		if t.ErrorMessage == "" {
			t.ErrorMessage = "unknown error"
		}
		t.ResultPayload = nil
		t.CompletedAt = &now
	}
	return true
}
