package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"studio-agents/internal/domain"
	"studio-agents/internal/domain/model"
	"studio-agents/internal/infra/logging"
)

const maxRequestBody = 1 << 20

// TransactionView is the polling representation of a transaction.
type TransactionView struct {
	TransactionID       string                  `json:"transactionId"`
	ParentTransactionID string                  `json:"parentTransactionId,omitempty"`
	TaskType            model.TaskType          `json:"taskType"`
	Stage               model.StageKind         `json:"stage,omitempty"`
	Description         string                  `json:"description,omitempty"`
	Status              model.TransactionStatus `json:"status"`
	UserID              string                  `json:"userId"`
	ProjectID           string                  `json:"projectId,omitempty"`
	ServiceID           string                  `json:"serviceId"`
	InputData           model.Payload           `json:"inputData,omitempty"`
	InputDocumentURLs   []string                `json:"inputDocumentUrls,omitempty"`
	ResultPayload       model.Payload           `json:"resultPayload,omitempty"`
	ResultDocumentURLs  []string                `json:"resultDocumentUrls,omitempty"`
	ErrorMessage        string                  `json:"errorMessage,omitempty"`
	Usage               *model.UsageMetrics     `json:"usage,omitempty"`
	ExpectedSubtasks    int                     `json:"expectedSubtasks,omitempty"`
	CreatedAt           time.Time               `json:"createdAt"`
	UpdatedAt           time.Time               `json:"updatedAt"`
	CompletedAt         *time.Time              `json:"completedAt,omitempty"`
}

func newTransactionView(t *model.Transaction) TransactionView {
	return TransactionView{
		TransactionID:       t.ID,
		ParentTransactionID: t.ParentID,
		TaskType:            t.TaskType,
		Stage:               t.Stage,
		Description:         t.Description,
		Status:              t.Status,
		UserID:              t.UserID,
		ProjectID:           t.ProjectID,
		ServiceID:           t.ServiceID,
		InputData:           t.InputData,
		InputDocumentURLs:   t.InputDocumentURLs,
		ResultPayload:       t.ResultPayload,
		ResultDocumentURLs:  t.ResultDocumentURLs,
		ErrorMessage:        t.ErrorMessage,
		Usage:               t.Usage,
		ExpectedSubtasks:    t.ExpectedSubtasks,
		CreatedAt:           t.CreatedAt,
		UpdatedAt:           t.UpdatedAt,
		CompletedAt:         t.CompletedAt,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			logging.With(r.Context(), s.log).Warn().Err(err).Msg("health check failed")
			writeError(w, http.StatusServiceUnavailable, "unavailable")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var env model.Envelope
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if p := principal(ctx); p != "" {
		if env.UserID == "" {
			env.UserID = p
		} else if env.UserID != p {
			writeError(w, http.StatusForbidden, "userId does not match the token")
			return
		}
	}

	if s.limiter != nil && env.UserID != "" {
		d, err := s.limiter.Admit(ctx, env.UserID)
		if err != nil {
			// fail open; the limiter is advisory
			logging.With(ctx, s.log).Warn().Err(err).Msg("rate limiter unavailable")
		} else if !d.Allowed {
			w.Header().Set("Retry-After", retryAfter(d.RetryAfter))
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
	}

	res, err := s.orch.Submit(ctx, env)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	t, err := s.status.Get(r.Context(), chi.URLParam(r, "id"))
	if err == nil && !visibleTo(r, t) {
		err = domain.ErrNotFound
	}
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTransactionView(t))
}

func (s *Server) handleListSubtasks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	parent, err := s.status.Get(r.Context(), id)
	if err == nil && !visibleTo(r, parent) {
		err = domain.ErrNotFound
	}
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	rows, err := s.status.ListSubtasks(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	items := make([]TransactionView, 0, len(rows))
	for _, t := range rows {
		items = append(items, newTransactionView(t))
	}
	writeJSON(w, http.StatusOK, struct {
		Items []TransactionView `json:"items"`
	}{Items: items})
}

// visibleTo hides other users' transactions from authenticated callers.
func visibleTo(r *http.Request, t *model.Transaction) bool {
	p := principal(r.Context())
	return p == "" || p == t.UserID
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, domain.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrRouting):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "transaction not found")
	case errors.Is(err, domain.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, "queue is full, retry later")
	default:
		logging.With(r.Context(), s.log).Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// retryAfter rounds up to whole seconds.
func retryAfter(wait time.Duration) string {
	secs := int((wait + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
