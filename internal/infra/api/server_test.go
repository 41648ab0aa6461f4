//go:build !integration

package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studio-agents/internal/config"
	"studio-agents/internal/domain/model"
	"studio-agents/internal/infra/api"
	"studio-agents/internal/infra/db/memory"
	"studio-agents/internal/infra/logging"
	"studio-agents/internal/infra/queue"
	red "studio-agents/internal/infra/redis"
	"studio-agents/internal/usecase"
)

type testEnv struct {
	repo    *memory.TransactionRepo
	queue   *queue.MemoryQueue
	auth    *api.AuthManager
	handler http.Handler
}

func newTestEnv(t *testing.T, secret string, limiter api.SubmitLimiter) *testEnv {
	t.Helper()
	services, err := model.NewServiceTable(config.DefaultServices())
	require.NoError(t, err)
	repo := memory.NewTransactionRepo()
	q := queue.NewMemoryQueue(16, 3, time.Millisecond)
	life := usecase.NewLifecycleUseCase(repo, nil, nil, nil, logging.Nop())
	orch := usecase.NewOrchestratorUseCase(repo, life, q, services, logging.Nop())
	status := usecase.NewStatusUseCase(repo, 8)
	auth := api.NewAuthManager(secret, time.Hour)
	cfg := config.HTTPConfig{RequestTimeout: time.Second}
	srv := api.NewServer(orch, status, auth, limiter, cfg, logging.Nop())
	return &testEnv{repo: repo, queue: q, auth: auth, handler: srv.Router()}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func submitBody() map[string]any {
	return map[string]any{
		"userId":    "user-1",
		"serviceId": "primer",
		"inputData": map[string]any{"topic": "X"},
	}
}

func TestSubmitAndPoll(t *testing.T) {
	e := newTestEnv(t, "", nil)

	t.Run("should accept a request and return a pending transaction", func(t *testing.T) {
		rec := e.do(t, http.MethodPost, "/v1/requests", submitBody(), "")
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

		var res usecase.SubmitResult
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
		assert.Equal(t, model.StatusPending, res.Status)
		assert.NotEmpty(t, res.TransactionID)
		assert.Equal(t, 1, e.queue.Len())

		rec = e.do(t, http.MethodGet, "/v1/transactions/"+res.TransactionID, nil, "")
		require.Equal(t, http.StatusOK, rec.Code)
		var view api.TransactionView
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&view))
		assert.Equal(t, res.TransactionID, view.TransactionID)
		assert.Equal(t, model.StatusPending, view.Status)
		assert.Equal(t, "X", view.InputData["topic"])
		assert.Nil(t, view.ResultPayload)

		rec = e.do(t, http.MethodGet, "/v1/transactions/"+res.TransactionID+"/subtasks", nil, "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"items":[]}`, rec.Body.String())
	})

	t.Run("should map request errors to status codes", func(t *testing.T) {
		cases := []struct {
			name string
			body any
			code int
		}{
			{"missing user", map[string]any{"serviceId": "primer"}, http.StatusBadRequest},
			{"unknown route", map[string]any{"userId": "u", "serviceId": "primer", "serviceUrl": "/services/none"}, http.StatusNotFound},
			{"malformed document url", map[string]any{"userId": "u", "serviceId": "primer", "documentUrls": []string{"not a url"}}, http.StatusBadRequest},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				rec := e.do(t, http.MethodPost, "/v1/requests", tc.body, "")
				assert.Equal(t, tc.code, rec.Code, rec.Body.String())
			})
		}

		req := httptest.NewRequest(http.MethodPost, "/v1/requests", bytes.NewBufferString("{not json"))
		rec := httptest.NewRecorder()
		e.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("should return 404 for an unknown transaction", func(t *testing.T) {
		rec := e.do(t, http.MethodGet, "/v1/transactions/nope", nil, "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		rec = e.do(t, http.MethodGet, "/v1/transactions/nope/subtasks", nil, "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("should serve health and metrics", func(t *testing.T) {
		rec := e.do(t, http.MethodGet, "/health", nil, "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "OK", rec.Body.String())
		assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

		rec = e.do(t, http.MethodGet, "/metrics", nil, "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestHealthCheck(t *testing.T) {
	services, err := model.NewServiceTable(config.DefaultServices())
	require.NoError(t, err)
	repo := memory.NewTransactionRepo()
	life := usecase.NewLifecycleUseCase(repo, nil, nil, nil, logging.Nop())
	srv := api.NewServer(
		usecase.NewOrchestratorUseCase(repo, life, queue.NewMemoryQueue(1, 1, time.Millisecond), services, logging.Nop()),
		usecase.NewStatusUseCase(repo, 0), nil, nil, config.HTTPConfig{}, logging.Nop(),
	).WithHealthCheck(func(context.Context) error { return errors.New("db down") })

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAuthentication(t *testing.T) {
	e := newTestEnv(t, "test-jwt-secret", nil)
	token, err := e.auth.Mint("user-1")
	require.NoError(t, err)
	other, err := e.auth.Mint("user-2")
	require.NoError(t, err)

	t.Run("should reject missing and forged tokens", func(t *testing.T) {
		rec := e.do(t, http.MethodPost, "/v1/requests", submitBody(), "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		forged, err := api.NewAuthManager("another-secret", time.Hour).Mint("user-1")
		require.NoError(t, err)
		rec = e.do(t, http.MethodPost, "/v1/requests", submitBody(), forged)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("should fill the user from the token and hide it from others", func(t *testing.T) {
		body := submitBody()
		delete(body, "userId")
		rec := e.do(t, http.MethodPost, "/v1/requests", body, token)
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		var res usecase.SubmitResult
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))

		row, err := e.repo.GetByID(context.Background(), nil, res.TransactionID)
		require.NoError(t, err)
		assert.Equal(t, "user-1", row.UserID)

		assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/v1/transactions/"+res.TransactionID, nil, token).Code)
		assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/v1/transactions/"+res.TransactionID, nil, other).Code)
	})

	t.Run("should refuse to submit on behalf of another user", func(t *testing.T) {
		rec := e.do(t, http.MethodPost, "/v1/requests", submitBody(), other)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("should not let another user fail or reuse a root", func(t *testing.T) {
		rec := e.do(t, http.MethodPost, "/v1/requests", submitBody(), token)
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		var res usecase.SubmitResult
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))

		unroutable := map[string]any{
			"serviceId":           "no-such-service",
			"parentTransactionId": res.TransactionID,
		}
		rec = e.do(t, http.MethodPost, "/v1/requests", unroutable, other)
		assert.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())

		reuse := map[string]any{
			"serviceId":           "primer",
			"inputData":           map[string]any{"topic": "Y"},
			"parentTransactionId": res.TransactionID,
		}
		rec = e.do(t, http.MethodPost, "/v1/requests", reuse, other)
		assert.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())

		row, err := e.repo.GetByID(context.Background(), nil, res.TransactionID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusPending, row.Status)
		assert.Equal(t, "user-1", row.UserID)
	})

	t.Run("should leave health open", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/health", nil, "").Code)
	})
}

func TestSubmitRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := red.NewClient(context.Background(), &config.RedisConfig{URL: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	e := newTestEnv(t, "", red.NewSubmitLimiter(client, 2, time.Minute))

	for i := 0; i < 2; i++ {
		rec := e.do(t, http.MethodPost, "/v1/requests", submitBody(), "")
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	}
	rec := e.do(t, http.MethodPost, "/v1/requests", submitBody(), "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	mr.FastForward(30*time.Second + 500*time.Millisecond)
	rec = e.do(t, http.MethodPost, "/v1/requests", submitBody(), "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"), "remaining window, rounded up")

	other := submitBody()
	other["userId"] = "user-2"
	rec = e.do(t, http.MethodPost, "/v1/requests", other, "")
	assert.Equal(t, http.StatusAccepted, rec.Code, "each user has its own window")

	mr.FastForward(time.Minute)
	rec = e.do(t, http.MethodPost, "/v1/requests", submitBody(), "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
}
