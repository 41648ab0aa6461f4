//go:build !integration

package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studio-agents/internal/domain/model"
	"studio-agents/internal/infra/logging"
)

func TestCallbackNotifier(t *testing.T) {
	ctx := context.Background()
	result := model.TaskResult{TransactionID: "root-1", Status: model.StatusCompleted, ResultPayload: model.Payload{"raw": "x"}}

	t.Run("should retry server errors until delivered", func(t *testing.T) {
		var calls int32
		var got model.TaskResult
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			_ = json.NewDecoder(r.Body).Decode(&got)
			w.WriteHeader(http.StatusNoContent)
		}))
		defer srv.Close()

		n := NewCallbackNotifier(time.Second, 3, logging.Nop())
		n.backoff = time.Millisecond
		require.NoError(t, n.Notify(ctx, srv.URL, result))
		assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
		assert.Equal(t, "root-1", got.TransactionID)
		assert.Equal(t, "x", got.ResultPayload["raw"])
	})

	t.Run("should not retry client errors", func(t *testing.T) {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusBadRequest)
		}))
		defer srv.Close()

		n := NewCallbackNotifier(time.Second, 3, logging.Nop())
		n.backoff = time.Millisecond
		assert.Error(t, n.Notify(ctx, srv.URL, result))
		assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	})

	t.Run("should give up after the attempt budget", func(t *testing.T) {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		n := NewCallbackNotifier(time.Second, 2, logging.Nop())
		n.backoff = time.Millisecond
		assert.Error(t, n.Notify(ctx, srv.URL, result))
		assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
	})
}

func TestServiceInvoker(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			http.Error(w, "upstream broke", http.StatusInternalServerError)
			return
		}
		var env model.Envelope
		_ = json.NewDecoder(r.Body).Decode(&env)
		_ = json.NewEncoder(w).Encode(map[string]any{"echo": env.InputData["topic"], "user": env.UserID})
	}))
	defer srv.Close()

	inv := NewServiceInvoker(time.Second)
	env := model.Envelope{UserID: "u-1", ServiceID: "ext", InputData: model.Payload{"topic": "X"}}

	t.Run("should return the service reply", func(t *testing.T) {
		out, err := inv.Invoke(ctx, srv.URL+"/run", env)
		require.NoError(t, err)
		assert.Equal(t, "X", out["echo"])
		assert.Equal(t, "u-1", out["user"])
	})

	t.Run("should surface upstream failures", func(t *testing.T) {
		_, err := inv.Invoke(ctx, srv.URL+"/fail", env)
		assert.ErrorContains(t, err, "upstream broke")
	})
}
