// File: internal/infra/adapters/webhook/callback.go
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"studio-agents/internal/domain/model"
	"studio-agents/internal/domain/ports/adapter"
	"studio-agents/internal/infra/metrics"
)

var _ adapter.CallbackNotifier = (*CallbackNotifier)(nil)

// CallbackNotifier POSTs the final task result to the caller's callback URL.
// Transport errors, 429 and 5xx are retried with doubling backoff.
type CallbackNotifier struct {
	client   *http.Client
	attempts int
	backoff  time.Duration
	log      zerolog.Logger
}

func NewCallbackNotifier(timeout time.Duration, attempts int, logger *zerolog.Logger) *CallbackNotifier {
	if attempts <= 0 {
		attempts = 1
	}
	return &CallbackNotifier{
		client:   &http.Client{Timeout: timeout},
		attempts: attempts,
		backoff:  time.Second,
		log:      logger.With().Str("component", "CallbackNotifier").Logger(),
	}
}

func (n *CallbackNotifier) Notify(ctx context.Context, url string, result model.TaskResult) error {
	b, err := json.Marshal(result)
	if err != nil {
		return err
	}
	wait := n.backoff
	for attempt := 1; ; attempt++ {
		retry, err := n.post(ctx, url, b)
		if err == nil {
			metrics.IncCallback("delivered")
			return nil
		}
		if !retry || attempt >= n.attempts {
			metrics.IncCallback("failed")
			return fmt.Errorf("callback for %s after %d attempt(s): %w", result.TransactionID, attempt, err)
		}
		n.log.Debug().Err(err).Int("attempt", attempt).Str("transaction_id", result.TransactionID).Msg("callback failed, retrying")
		select {
		case <-ctx.Done():
			metrics.IncCallback("failed")
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
}

func (n *CallbackNotifier) post(ctx context.Context, url string, body []byte) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		retry = resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return retry, fmt.Errorf("callback http %d", resp.StatusCode)
	}
	return false, nil
}
